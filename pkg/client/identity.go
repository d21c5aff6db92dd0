package client

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Credentials holds everything an agent needs to act as itself: where its
// host lives, which key authenticates it, and the Ed25519 pair it signs
// with. It is written to disk by 'amp register' and read back by
// NewFromCredentialsDir.
type Credentials struct {
	// Name is the registered agent name.
	Name string `json:"name"`

	// AgentID is the host-side agent UUID.
	AgentID string `json:"agent_id"`

	// Address is the full AMP address, e.g. "billing@acme.aimaestro.local".
	Address string `json:"address"`

	// Fingerprint identifies the public key ("SHA256:...").
	Fingerprint string `json:"fingerprint"`

	// APIKey authenticates requests. Keep this secret.
	APIKey string `json:"api_key"`

	// Host is the base URL of the maestro host the agent registered with.
	Host string `json:"host"`

	// PublicKeyPEM and PrivateKeyPEM are the agent's Ed25519 pair in PEM
	// form. They live in separate files next to credentials.json.
	PublicKeyPEM  string `json:"-"`
	PrivateKeyPEM string `json:"-"`
}

const (
	credentialsFile = "credentials.json"
	privateKeyFile  = "key.pem"
	publicKeyFile   = "public.pem"
)

// SaveCredentials writes credentials.json, key.pem, and public.pem into
// dir, creating it when missing. The private key and the API key are
// written mode 0600.
func SaveCredentials(dir string, creds *Credentials) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}

	raw, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, credentialsFile), raw, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", credentialsFile, err)
	}
	if creds.PrivateKeyPEM != "" {
		if err := os.WriteFile(filepath.Join(dir, privateKeyFile), []byte(creds.PrivateKeyPEM), 0o600); err != nil {
			return fmt.Errorf("write %s: %w", privateKeyFile, err)
		}
	}
	if creds.PublicKeyPEM != "" {
		if err := os.WriteFile(filepath.Join(dir, publicKeyFile), []byte(creds.PublicKeyPEM), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", publicKeyFile, err)
		}
	}
	return nil
}

// LoadCredentials reads the files written by SaveCredentials from dir.
// Missing key PEMs are tolerated; a missing credentials.json is an error.
//
//	creds, err := client.LoadCredentials(os.ExpandEnv("$HOME/.amp/agents/billing"))
func LoadCredentials(dir string) (*Credentials, error) {
	raw, err := os.ReadFile(filepath.Join(dir, credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", credentialsFile, err)
	}
	var creds Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("decode %s: %w", credentialsFile, err)
	}

	if b, err := os.ReadFile(filepath.Join(dir, privateKeyFile)); err == nil {
		creds.PrivateKeyPEM = string(b)
	}
	if b, err := os.ReadFile(filepath.Join(dir, publicKeyFile)); err == nil {
		creds.PublicKeyPEM = string(b)
	}
	return &creds, nil
}

// NewFromCredentialsDir creates an authenticated Client from the
// credentials written by 'amp register'.
//
// Additional options (e.g. WithCacheTTL) can be appended:
//
//	c, err := client.NewFromCredentialsDir(
//	    os.ExpandEnv("$HOME/.amp/agents/billing"),
//	    client.WithCacheTTL(60*time.Second),
//	)
func NewFromCredentialsDir(dir string, opts ...Option) (*Client, error) {
	creds, err := LoadCredentials(dir)
	if err != nil {
		return nil, fmt.Errorf("load credentials from %q: %w", dir, err)
	}
	return New(creds.Host, append([]Option{WithAPIKey(creds.APIKey)}, opts...)...)
}

// WithCredentialsDir is the functional-option form of NewFromCredentialsDir
// for when the host base URL should override the stored one:
//
//	c, err := client.New(hostURL,
//	    client.WithCredentialsDir(credDir),
//	    client.WithCacheTTL(30*time.Second),
//	)
func WithCredentialsDir(dir string) Option {
	return func(c *Client) error {
		creds, err := LoadCredentials(dir)
		if err != nil {
			return fmt.Errorf("load credentials from %q: %w", dir, err)
		}
		c.apiKey = creds.APIKey
		return nil
	}
}
