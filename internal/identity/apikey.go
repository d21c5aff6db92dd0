package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aimaestro/maestro/internal/store"
)

// API key token prefixes. Agent keys are issued at AMP registration; user
// keys are opaque bearer strings accepted on the register endpoint.
const (
	AgentKeyPrefix = "ak_"
	UserKeyPrefix  = "uk_"
)

// Registration records an issued API key. Only the SHA-256 hash of the token
// is persisted; the token itself is returned exactly once at issue time.
// Revoked registrations keep their file for audit.
type Registration struct {
	Hash      string     `json:"hash"`
	AgentID   string     `json:"agentId"`
	TenantID  string     `json:"tenantId"`
	Address   string     `json:"address"`
	CreatedAt time.Time  `json:"createdAt"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
}

// registrationIndex is the in-memory hash → registration map, lazily built
// from the registration files on first use.
type registrationIndex struct {
	mu     sync.RWMutex
	byHash map[string]*Registration
	loaded bool
}

// HashToken returns the hex SHA-256 of an API-key token, the form under which
// tokens are persisted and looked up.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (s *Store) registrationsDir(agentID string) string {
	return filepath.Join(s.agentDir(agentID), "registrations")
}

func (s *Store) registrationPath(agentID, hash string) string {
	return filepath.Join(s.registrationsDir(agentID), hash+".json")
}

// IssueAPIKey mints a fresh agent API key, persists its registration, and
// returns the one-time token. Existing keys for the agent stay valid.
func (s *Store) IssueAPIKey(agentID, tenantID, addr string) (string, *Registration, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate api key: %w", err)
	}
	token := AgentKeyPrefix + base64.RawURLEncoding.EncodeToString(buf)

	reg := &Registration{
		Hash:      HashToken(token),
		AgentID:   agentID,
		TenantID:  tenantID,
		Address:   addr,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.SaveJSON(s.registrationPath(agentID, reg.Hash), reg, 0o600); err != nil {
		return "", nil, fmt.Errorf("persist registration: %w", err)
	}

	s.reg.mu.Lock()
	if s.reg.byHash == nil {
		s.reg.byHash = make(map[string]*Registration)
	}
	s.reg.byHash[reg.Hash] = reg
	s.reg.mu.Unlock()

	cp := *reg
	return token, &cp, nil
}

// VerifyAPIKey resolves a bearer token to its registration. ErrNotFound for
// unknown tokens, ErrRevoked for revoked ones.
func (s *Store) VerifyAPIKey(token string) (*Registration, error) {
	if err := s.ensureIndex(); err != nil {
		return nil, err
	}
	hash := HashToken(token)

	s.reg.mu.RLock()
	reg, ok := s.reg.byHash[hash]
	s.reg.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if reg.RevokedAt != nil {
		return nil, ErrRevoked
	}
	cp := *reg
	return &cp, nil
}

// RevokeAPIKey marks the registration behind a token as revoked. Idempotent.
func (s *Store) RevokeAPIKey(token string) error {
	if err := s.ensureIndex(); err != nil {
		return err
	}
	hash := HashToken(token)

	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()

	reg, ok := s.reg.byHash[hash]
	if !ok {
		return ErrNotFound
	}
	if reg.RevokedAt != nil {
		return nil
	}
	now := time.Now().UTC()
	reg.RevokedAt = &now
	if err := store.SaveJSON(s.registrationPath(reg.AgentID, reg.Hash), reg, 0o600); err != nil {
		return fmt.Errorf("persist revocation: %w", err)
	}
	return nil
}

// RevokeAllForAgent revokes every active key of an agent, returning how many
// were revoked. Used on hard delete and key rotation.
func (s *Store) RevokeAllForAgent(agentID string) (int, error) {
	if err := s.ensureIndex(); err != nil {
		return 0, err
	}

	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()

	now := time.Now().UTC()
	revoked := 0
	for _, reg := range s.reg.byHash {
		if reg.AgentID != agentID || reg.RevokedAt != nil {
			continue
		}
		reg.RevokedAt = &now
		if err := store.SaveJSON(s.registrationPath(reg.AgentID, reg.Hash), reg, 0o600); err != nil {
			return revoked, fmt.Errorf("persist revocation: %w", err)
		}
		revoked++
	}
	return revoked, nil
}

// ensureIndex lazily loads every registration file into the in-memory index.
func (s *Store) ensureIndex() error {
	s.reg.mu.RLock()
	loaded := s.reg.loaded
	s.reg.mu.RUnlock()
	if loaded {
		return nil
	}

	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	if s.reg.loaded {
		return nil
	}

	byHash := make(map[string]*Registration)
	pattern := filepath.Join(s.dataDir, "agents", "*", "registrations", "*.json")
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("scan registrations: %w", err)
	}
	for _, p := range paths {
		var reg Registration
		if err := store.LoadJSON(p, &reg); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("load registration %q: %w", p, err)
		}
		byHash[reg.Hash] = &reg
	}
	s.reg.byHash = byHash
	s.reg.loaded = true
	return nil
}
