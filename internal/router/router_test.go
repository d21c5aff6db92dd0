package router

import (
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/aimaestro/maestro/internal/hosts"
	"github.com/aimaestro/maestro/internal/identity"
	"github.com/aimaestro/maestro/internal/mailbox"
	"github.com/aimaestro/maestro/internal/registry"
	"github.com/aimaestro/maestro/internal/relay"
	"github.com/aimaestro/maestro/pkg/amp"
)

// fixture wires a Router over real file stores in a temp dir.
type fixture struct {
	r      *Router
	agents *registry.Store
	keys   *identity.Store
	hosts  *hosts.Store
	queue  *relay.Queue
	mail   *mailbox.Store
	dir    string
}

func newFixture(t *testing.T, cfg Config, withOrg bool) *fixture {
	t.Helper()
	dir := t.TempDir()
	log := zap.NewNop()

	hs := hosts.NewStore(dir, log)
	if _, err := hs.EnsureSelfHost("h1", "host-one", "http://localhost:4301"); err != nil {
		t.Fatalf("seed self host: %v", err)
	}
	if withOrg {
		if _, err := hs.AdoptOrganization("acme", time.Time{}, "test"); err != nil {
			t.Fatalf("adopt organization: %v", err)
		}
	}

	f := &fixture{
		agents: registry.NewStore(dir, log),
		keys:   identity.NewStore(dir),
		hosts:  hs,
		queue:  relay.NewQueue(dir, log),
		mail:   mailbox.NewStore(dir, log),
		dir:    dir,
	}
	f.r = New(f.agents, f.keys, f.hosts, f.queue, f.mail, dir, cfg, log)
	return f
}

// register creates an AMP agent with a fresh keypair.
func (f *fixture) register(t *testing.T, name string) (*RegisterResult, *amp.KeyPair) {
	t.Helper()
	kp, err := amp.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	res, err := f.r.Register(RegisterRequest{
		Name:         name,
		PublicKey:    kp.PublicKeyPEM,
		KeyAlgorithm: "Ed25519",
	})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return res, kp
}

// wantCode asserts err is a router *Error with the given code.
func wantCode(t *testing.T, err error, code string) *Error {
	t.Helper()
	if err == nil {
		t.Fatalf("want %s error, got nil", code)
	}
	var re *Error
	if !errors.As(err, &re) {
		t.Fatalf("want *router.Error, got %T: %v", err, err)
	}
	if re.Code != code {
		t.Fatalf("error code = %q, want %q (%v)", re.Code, code, re)
	}
	return re
}

func TestRegister(t *testing.T) {
	f := newFixture(t, Config{}, true)

	res, kp := f.register(t, "alice")
	if res.Address != "alice@acme.aimaestro.local" {
		t.Errorf("address = %q, want alice@acme.aimaestro.local", res.Address)
	}
	if res.Fingerprint != kp.Fingerprint {
		t.Errorf("fingerprint = %q, want %q", res.Fingerprint, kp.Fingerprint)
	}
	if !strings.HasPrefix(res.APIKey, identity.AgentKeyPrefix) {
		t.Errorf("api key %q does not carry the agent prefix", res.APIKey)
	}
	if res.ReRegistered {
		t.Error("fresh registration flagged as re-register")
	}

	agent, err := f.agents.GetAgent(res.AgentID)
	if err != nil {
		t.Fatalf("created agent not in registry: %v", err)
	}
	if agent.HostID != "h1" {
		t.Errorf("agent hostId = %q, want h1", agent.HostID)
	}
	if agent.AMPIdentity == nil || agent.AMPIdentity.PublicKeyHex != kp.PublicKeyHex {
		t.Errorf("AMP identity not attached: %+v", agent.AMPIdentity)
	}
	if _, err := f.keys.LoadPublicKey(res.AgentID); err != nil {
		t.Errorf("public key not persisted: %v", err)
	}
}

func TestRegister_requiresOrganization(t *testing.T) {
	f := newFixture(t, Config{}, false)
	kp, _ := amp.GenerateKeyPair()
	_, err := f.r.Register(RegisterRequest{Name: "alice", PublicKey: kp.PublicKeyPEM})
	e := wantCode(t, err, CodeOrganizationNotSet)
	if e.Hint == "" {
		t.Error("organization_not_set should carry a setup hint")
	}
}

func TestRegister_validation(t *testing.T) {
	f := newFixture(t, Config{}, true)
	kp, _ := amp.GenerateKeyPair()

	tests := []struct {
		name  string
		req   RegisterRequest
		code  string
		field string
	}{
		{"missing name", RegisterRequest{PublicKey: kp.PublicKeyPEM}, CodeMissingField, "name"},
		{"bad name", RegisterRequest{Name: "-bad-", PublicKey: kp.PublicKeyPEM}, CodeInvalidField, "name"},
		{"missing key", RegisterRequest{Name: "alice"}, CodeMissingField, "public_key"},
		{"garbage key", RegisterRequest{Name: "alice", PublicKey: "not a pem"}, CodeInvalidField, "public_key"},
		{"wrong algorithm", RegisterRequest{Name: "alice", PublicKey: kp.PublicKeyPEM, KeyAlgorithm: "RSA"}, CodeInvalidField, "key_algorithm"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.r.Register(tc.req)
			e := wantCode(t, err, tc.code)
			if e.Field != tc.field {
				t.Errorf("field = %q, want %q", e.Field, tc.field)
			}
		})
	}
}

func TestRegister_normalizesName(t *testing.T) {
	f := newFixture(t, Config{}, true)
	kp, _ := amp.GenerateKeyPair()
	res, err := f.r.Register(RegisterRequest{Name: "  Alice ", PublicKey: kp.PublicKeyPEM})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if res.Name != "alice" {
		t.Errorf("name = %q, want alice", res.Name)
	}
}

func TestRegister_sameKeyReRegisters(t *testing.T) {
	f := newFixture(t, Config{}, true)

	first, kp := f.register(t, "alice")
	second, err := f.r.Register(RegisterRequest{Name: "alice", PublicKey: kp.PublicKeyPEM})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if !second.ReRegistered {
		t.Error("second registration with the same key should re-register")
	}
	if second.AgentID != first.AgentID {
		t.Errorf("re-register changed agent id: %q vs %q", second.AgentID, first.AgentID)
	}
	if second.APIKey == first.APIKey {
		t.Error("re-register should mint a fresh API key")
	}
	for _, token := range []string{first.APIKey, second.APIKey} {
		if _, err := f.keys.VerifyAPIKey(token); err != nil {
			t.Errorf("key %q... should stay valid: %v", token[:8], err)
		}
	}
}

func TestRegister_differentKeyIsTaken(t *testing.T) {
	f := newFixture(t, Config{}, true)
	f.register(t, "alice")

	other, _ := amp.GenerateKeyPair()
	_, err := f.r.Register(RegisterRequest{Name: "alice", PublicKey: other.PublicKeyPEM})
	e := wantCode(t, err, CodeNameTaken)
	if len(e.Suggestions) != 3 {
		t.Fatalf("suggestions = %v, want 3", e.Suggestions)
	}
	if e.Suggestions[0] != "alice-2" || e.Suggestions[1] != "alice-3" {
		t.Errorf("fixed suggestions = %v", e.Suggestions[:2])
	}
	if !strings.HasPrefix(e.Suggestions[2], "alice-") {
		t.Errorf("third suggestion %q should derive from the base", e.Suggestions[2])
	}
}

func TestRegister_deliveryModeLandsInMetadata(t *testing.T) {
	f := newFixture(t, Config{}, true)
	kp, _ := amp.GenerateKeyPair()
	res, err := f.r.Register(RegisterRequest{
		Name:      "alice",
		PublicKey: kp.PublicKeyPEM,
		Delivery:  "tmux",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	agent, err := f.agents.GetAgent(res.AgentID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	ampMD, _ := agent.Metadata["amp"].(map[string]any)
	delivery, _ := ampMD["delivery"].(map[string]any)
	if mode, _ := delivery["mode"].(string); mode != "tmux" {
		t.Errorf("metadata.amp.delivery.mode = %q, want tmux", mode)
	}
}
