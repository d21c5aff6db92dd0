package router

import (
	"context"
	"testing"

	"github.com/aimaestro/maestro/internal/registry"
	"github.com/aimaestro/maestro/pkg/amp"
)

func TestRevokeKey(t *testing.T) {
	f := newFixture(t, Config{}, true)
	alice, _ := f.register(t, "alice")

	if err := f.r.RevokeKey(alice.APIKey); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	_, err := f.r.ListPending(alice.APIKey, 0)
	wantCode(t, err, CodeUnauthorized)

	err = f.r.RevokeKey("ak_bogus")
	wantCode(t, err, CodeUnauthorized)
}

func TestRotateKey(t *testing.T) {
	f := newFixture(t, Config{}, true)
	alice, _ := f.register(t, "alice")

	rot, err := f.r.RotateKey(alice.APIKey)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rot.AgentID != alice.AgentID {
		t.Errorf("agent id = %q, want %q", rot.AgentID, alice.AgentID)
	}
	if rot.APIKey == alice.APIKey {
		t.Error("rotation returned the old key")
	}

	if _, err := f.r.ListPending(rot.APIKey, 0); err != nil {
		t.Errorf("new key rejected: %v", err)
	}
	_, err = f.r.ListPending(alice.APIKey, 0)
	wantCode(t, err, CodeUnauthorized)
}

func TestRotateKeypair(t *testing.T) {
	f := newFixture(t, Config{}, true)
	alice, kp := f.register(t, "alice")

	rot, err := f.r.RotateKeypair(alice.APIKey)
	if err != nil {
		t.Fatalf("rotate keypair: %v", err)
	}
	if rot.Fingerprint == alice.Fingerprint {
		t.Error("fingerprint unchanged after rotation")
	}
	if rot.PublicKeyPEM == kp.PublicKeyPEM || rot.PrivateKeyPEM == "" {
		t.Error("rotation did not mint a fresh keypair")
	}

	agent, err := f.agents.GetAgent(alice.AgentID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.AMPIdentity.Fingerprint != rot.Fingerprint {
		t.Errorf("stored fingerprint = %q, want %q", agent.AMPIdentity.Fingerprint, rot.Fingerprint)
	}
	if agent.AMPIdentity.AMPAddress != alice.Address {
		t.Errorf("address changed to %q during key rotation", agent.AMPIdentity.AMPAddress)
	}

	// The server now holds the private key, so read receipts come back signed.
	stored, err := f.keys.LoadKeyPair(alice.AgentID)
	if err != nil {
		t.Fatalf("load keypair: %v", err)
	}
	if stored.PublicKeyPEM != rot.PublicKeyPEM {
		t.Error("stored keypair does not match the rotation result")
	}

	bob, _ := f.register(t, "bob")
	body := routeBody(t, map[string]any{
		"to": alice.Address, "subject": "hello", "payload": notification("to be read"),
	})
	res, err := f.r.Route(context.Background(), RouteInput{Token: bob.APIKey, Body: body})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	receipt, err := f.r.SendReadReceipt(alice.APIKey, res.ID)
	if err != nil {
		t.Fatalf("read receipt: %v", err)
	}
	if receipt.Envelope.Signature == "" {
		t.Error("receipt unsigned despite server-held keypair")
	}
	hex, err := amp.ExtractPublicKeyHex(rot.PublicKeyPEM)
	if err != nil {
		t.Fatalf("extract hex: %v", err)
	}
	payloadJSON := []byte(`{"type":"ack","message":"read"}`)
	if err := receipt.Envelope.VerifySignature(hex, payloadJSON); err != nil {
		t.Errorf("receipt signature does not verify: %v", err)
	}
}

func TestRotateKeypair_requiresRegistration(t *testing.T) {
	f := newFixture(t, Config{}, true)

	agent, err := f.agents.CreateAgent(registry.Agent{Name: "rawsession", HostID: "h1"})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	token, _, err := f.keys.IssueAPIKey(agent.ID, "", agent.Name)
	if err != nil {
		t.Fatalf("issue key: %v", err)
	}

	_, rerr := f.r.RotateKeypair(token)
	wantCode(t, rerr, CodeInvalidRequest)
}
