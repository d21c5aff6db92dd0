package amp

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
)

// ErrInvalidKey is returned for malformed or non-Ed25519 key material.
var ErrInvalidKey = errors.New("amp: invalid key")

// KeyPair holds an Ed25519 keypair in PEM form plus the derived public-key
// hex and fingerprint.
type KeyPair struct {
	PublicKeyPEM  string
	PrivateKeyPEM string
	PublicKeyHex  string
	Fingerprint   string
}

// GenerateKeyPair produces a fresh Ed25519 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}

	pubHex := hex.EncodeToString(pub)
	fp, err := Fingerprint(pubHex)
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		PublicKeyPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
		PrivateKeyPEM: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})),
		PublicKeyHex:  pubHex,
		Fingerprint:   fp,
	}, nil
}

// Fingerprint derives the key fingerprint "SHA256:" + base64(sha256(raw))
// from a 32-byte public key hex string.
func Fingerprint(publicKeyHex string) (string, error) {
	raw, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return "", fmt.Errorf("%w: decode hex: %v", ErrInvalidKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return "", fmt.Errorf("%w: expected %d raw bytes, got %d", ErrInvalidKey, ed25519.PublicKeySize, len(raw))
	}
	sum := sha256.Sum256(raw)
	return "SHA256:" + base64.StdEncoding.EncodeToString(sum[:]), nil
}

// ExtractPublicKeyHex parses a PEM SPKI public key, validates it is Ed25519,
// and returns the raw 32-byte key as hex.
func ExtractPublicKeyHex(pemStr string) (string, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return "", fmt.Errorf("%w: not PEM encoded", ErrInvalidKey)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("%w: parse SPKI: %v", ErrInvalidKey, err)
	}
	pub, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return "", fmt.Errorf("%w: not an Ed25519 key", ErrInvalidKey)
	}
	return hex.EncodeToString(pub), nil
}

// PublicKeyHexToPEM encodes a 32-byte public key hex string as PEM SPKI.
func PublicKeyHexToPEM(publicKeyHex string) (string, error) {
	raw, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return "", fmt.Errorf("%w: decode hex: %v", ErrInvalidKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return "", fmt.Errorf("%w: expected %d raw bytes, got %d", ErrInvalidKey, ed25519.PublicKeySize, len(raw))
	}
	der, err := x509.MarshalPKIXPublicKey(ed25519.PublicKey(raw))
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}
