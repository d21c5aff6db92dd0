// Package identity manages per-agent Ed25519 key material and API-key
// registrations on disk. Private keys are persisted mode 0600, public keys
// 0644, registration records 0600; the layout under the data directory is
//
//	agents/<uuid>/keys/{private.pem, public.pem}
//	agents/<uuid>/registrations/<sha256-of-token>.json
package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aimaestro/maestro/pkg/amp"
)

const (
	privateKeyFile = "private.pem"
	publicKeyFile  = "public.pem"
)

var (
	// ErrNotFound is returned when no key material or registration exists.
	ErrNotFound = errors.New("identity: not found")
	// ErrRevoked is returned when an API key has been revoked.
	ErrRevoked = errors.New("identity: key revoked")
)

// Store persists key material and API-key registrations under the data dir.
type Store struct {
	dataDir string

	reg registrationIndex
}

// NewStore returns a Store rooted at dataDir.
func NewStore(dataDir string) *Store {
	return &Store{dataDir: dataDir}
}

func (s *Store) agentDir(agentID string) string {
	return filepath.Join(s.dataDir, "agents", agentID)
}

func (s *Store) keysDir(agentID string) string {
	return filepath.Join(s.agentDir(agentID), "keys")
}

// SaveKeyPair persists both halves of a keypair for an agent.
func (s *Store) SaveKeyPair(agentID string, kp *amp.KeyPair) error {
	dir := s.keysDir(agentID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create key dir %q: %w", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, privateKeyFile), []byte(kp.PrivateKeyPEM), 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, publicKeyFile), []byte(kp.PublicKeyPEM), 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

// SavePublicKey persists only the public half. Used for AMP-registered agents
// whose private key never leaves the client.
func (s *Store) SavePublicKey(agentID, publicKeyPEM string) error {
	dir := s.keysDir(agentID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create key dir %q: %w", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, publicKeyFile), []byte(publicKeyPEM), 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

// LoadKeyPair reads a persisted keypair. ErrNotFound when the agent has no
// private key on this host.
func (s *Store) LoadKeyPair(agentID string) (*amp.KeyPair, error) {
	privPEM, err := os.ReadFile(filepath.Join(s.keysDir(agentID), privateKeyFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read private key: %w", err)
	}
	pubPEM, err := os.ReadFile(filepath.Join(s.keysDir(agentID), publicKeyFile))
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}

	pubHex, err := amp.ExtractPublicKeyHex(string(pubPEM))
	if err != nil {
		return nil, err
	}
	fp, err := amp.Fingerprint(pubHex)
	if err != nil {
		return nil, err
	}
	return &amp.KeyPair{
		PublicKeyPEM:  string(pubPEM),
		PrivateKeyPEM: string(privPEM),
		PublicKeyHex:  pubHex,
		Fingerprint:   fp,
	}, nil
}

// LoadPublicKey reads an agent's public key PEM. ErrNotFound when absent.
func (s *Store) LoadPublicKey(agentID string) (string, error) {
	pubPEM, err := os.ReadFile(filepath.Join(s.keysDir(agentID), publicKeyFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("read public key: %w", err)
	}
	return string(pubPEM), nil
}
