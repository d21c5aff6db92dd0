package amp

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

// ErrBadSignature is returned when a signature does not verify against the
// sender's public key.
var ErrBadSignature = errors.New("amp: signature verification failed")

// PayloadHash returns base64(sha256(payloadJSON)), the payload digest that
// terminates the canonical signature string.
func PayloadHash(payloadJSON []byte) string {
	sum := sha256.Sum256(payloadJSON)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// CanonicalString builds the string every AMP signature covers:
//
//	from|to|subject|priority|in_reply_to|base64(sha256(payloadJSON))
//
// inReplyTo is the empty string for thread-starting messages.
func CanonicalString(from, to, subject, priority, inReplyTo string, payloadJSON []byte) string {
	return strings.Join([]string{from, to, subject, priority, inReplyTo, PayloadHash(payloadJSON)}, "|")
}

// Sign signs the canonical string with a PEM PKCS#8 Ed25519 private key and
// returns the signature base64 encoded.
func Sign(privateKeyPEM, canonical string) (string, error) {
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return "", fmt.Errorf("%w: not PEM encoded", ErrInvalidKey)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("%w: parse PKCS#8: %v", ErrInvalidKey, err)
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return "", fmt.Errorf("%w: not an Ed25519 key", ErrInvalidKey)
	}
	sig := ed25519.Sign(priv, []byte(canonical))
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a base64 signature over the canonical string against a
// 32-byte public key hex string. Returns ErrBadSignature on mismatch.
func Verify(publicKeyHex, canonical, signatureB64 string) error {
	raw, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: bad public key hex", ErrInvalidKey)
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("%w: signature not base64", ErrBadSignature)
	}
	if !ed25519.Verify(ed25519.PublicKey(raw), []byte(canonical), sig) {
		return ErrBadSignature
	}
	return nil
}
