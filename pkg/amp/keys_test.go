package amp_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"strings"
	"testing"

	"github.com/aimaestro/maestro/pkg/amp"
)

func TestGenerateKeyPair_roundTrip(t *testing.T) {
	kp, err := amp.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	hex, err := amp.ExtractPublicKeyHex(kp.PublicKeyPEM)
	if err != nil {
		t.Fatalf("ExtractPublicKeyHex: %v", err)
	}
	if hex != kp.PublicKeyHex {
		t.Errorf("extracted hex: got %q, want %q", hex, kp.PublicKeyHex)
	}
	if len(hex) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(hex))
	}

	pemStr, err := amp.PublicKeyHexToPEM(hex)
	if err != nil {
		t.Fatalf("PublicKeyHexToPEM: %v", err)
	}
	hex2, err := amp.ExtractPublicKeyHex(pemStr)
	if err != nil {
		t.Fatalf("re-extract: %v", err)
	}
	if hex2 != hex {
		t.Errorf("hex after PEM round trip: got %q, want %q", hex2, hex)
	}
}

func TestFingerprint_format(t *testing.T) {
	kp, err := amp.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	fp, err := amp.Fingerprint(kp.PublicKeyHex)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if !strings.HasPrefix(fp, "SHA256:") {
		t.Fatalf("fingerprint %q missing SHA256: prefix", fp)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(fp, "SHA256:"))
	if err != nil {
		t.Fatalf("fingerprint digest not base64: %v", err)
	}
	if len(raw) != 32 {
		t.Errorf("digest length: got %d, want 32", len(raw))
	}
	if fp != kp.Fingerprint {
		t.Errorf("Fingerprint mismatch with generated pair: %q vs %q", fp, kp.Fingerprint)
	}
}

func TestExtractPublicKeyHex_rejectsNonEd25519(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	pemStr := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	_, err = amp.ExtractPublicKeyHex(pemStr)
	if !errors.Is(err, amp.ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey for ECDSA key, got %v", err)
	}
}

func TestExtractPublicKeyHex_rejectsGarbage(t *testing.T) {
	cases := []string{
		"",
		"not a pem",
		"-----BEGIN PUBLIC KEY-----\nZm9v\n-----END PUBLIC KEY-----\n",
	}
	for _, tc := range cases {
		if _, err := amp.ExtractPublicKeyHex(tc); !errors.Is(err, amp.ErrInvalidKey) {
			t.Errorf("input %q: expected ErrInvalidKey, got %v", tc, err)
		}
	}
}
