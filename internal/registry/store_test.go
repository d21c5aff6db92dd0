package registry_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/aimaestro/maestro/internal/registry"
)

func newStore(t *testing.T) (*registry.Store, string) {
	t.Helper()
	dir := t.TempDir()
	return registry.NewStore(dir, zap.NewNop()), dir
}

func mustCreate(t *testing.T, s *registry.Store, name, hostID string) *registry.Agent {
	t.Helper()
	a, err := s.CreateAgent(registry.Agent{Name: name, HostID: hostID})
	if err != nil {
		t.Fatalf("CreateAgent(%s): %v", name, err)
	}
	return a
}

func TestCreateAgent_uniquePerHost(t *testing.T) {
	s, _ := newStore(t)

	a := mustCreate(t, s, "alice", "h1")
	if a.ID == "" {
		t.Fatal("expected generated id")
	}
	if a.CreatedAt.IsZero() {
		t.Error("expected createdAt to be stamped")
	}

	// duplicate (hostId, name) fails, case-insensitively
	if _, err := s.CreateAgent(registry.Agent{Name: "Alice", HostID: "h1"}); !errors.Is(err, registry.ErrNameTaken) {
		t.Errorf("duplicate create: expected ErrNameTaken, got %v", err)
	}

	// same name on another host is fine
	if _, err := s.CreateAgent(registry.Agent{Name: "alice", HostID: "h2"}); err != nil {
		t.Errorf("same name on other host: %v", err)
	}
}

func TestCreateAgent_validation(t *testing.T) {
	s, _ := newStore(t)
	var ve registry.ErrValidation
	if _, err := s.CreateAgent(registry.Agent{HostID: "h1"}); !errors.As(err, &ve) {
		t.Errorf("missing name: expected ErrValidation, got %v", err)
	}
	if _, err := s.CreateAgent(registry.Agent{Name: "x"}); !errors.As(err, &ve) {
		t.Errorf("missing hostId: expected ErrValidation, got %v", err)
	}
}

func TestGetAgent_lookups(t *testing.T) {
	s, _ := newStore(t)
	created := mustCreate(t, s, "alice", "h1")

	got, err := s.GetAgent(created.ID)
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.Name != "alice" {
		t.Errorf("name: got %q", got.Name)
	}

	if _, err := s.GetAgentByName("alice", "h1"); err != nil {
		t.Errorf("GetAgentByName: %v", err)
	}
	if _, err := s.GetAgentByName("alice", "h2"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("wrong host: expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetAgentByNameAnyHost("ALICE"); err != nil {
		t.Errorf("GetAgentByNameAnyHost: %v", err)
	}
	if _, err := s.GetAgent("nope"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("unknown id: expected ErrNotFound, got %v", err)
	}
}

func TestSearchAgents(t *testing.T) {
	s, _ := newStore(t)
	mustCreate(t, s, "alice", "h1")
	b, _ := s.CreateAgent(registry.Agent{Name: "builder", HostID: "h1", Alias: "Bob The Builder", Label: "infra"})
	if b == nil {
		t.Fatal("create builder failed")
	}
	mustCreate(t, s, "carol", "h1")

	cases := []struct {
		query string
		want  int
	}{
		{"ali", 1},
		{"BOB", 1},
		{"infra", 1},
		{"zzz", 0},
		{"", 3},
	}
	for _, tc := range cases {
		got, err := s.SearchAgents(tc.query)
		if err != nil {
			t.Fatalf("SearchAgents(%q): %v", tc.query, err)
		}
		if len(got) != tc.want {
			t.Errorf("SearchAgents(%q): got %d agents, want %d", tc.query, len(got), tc.want)
		}
	}
}

func TestUpdateAgent_mergeRules(t *testing.T) {
	s, _ := newStore(t)
	a := mustCreate(t, s, "alice", "h1")

	// seed nested metadata
	if _, err := s.UpdateAgent(a.ID, map[string]any{
		"metadata": map[string]any{
			"amp":   map[string]any{"address": "alice@acme.aimaestro.local", "delivery": map[string]any{"mode": "pull"}},
			"other": "original",
		},
		"preferences": map[string]any{"theme": "dark", "editor": map[string]any{"font": "mono"}},
	}); err != nil {
		t.Fatal(err)
	}

	// metadata.amp merges deeply; metadata.other replaces; preferences merge deeply
	updated, err := s.UpdateAgent(a.ID, map[string]any{
		"label": "chief",
		"metadata": map[string]any{
			"amp":   map[string]any{"delivery": map[string]any{"endpoint": "http://x"}},
			"other": "replaced",
		},
		"preferences": map[string]any{"editor": map[string]any{"size": float64(14)}},
	})
	if err != nil {
		t.Fatalf("UpdateAgent: %v", err)
	}

	if updated.Label != "chief" {
		t.Errorf("label: got %q", updated.Label)
	}
	amp := updated.Metadata["amp"].(map[string]any)
	if amp["address"] != "alice@acme.aimaestro.local" {
		t.Error("metadata.amp.address lost in deep merge")
	}
	delivery := amp["delivery"].(map[string]any)
	if delivery["mode"] != "pull" || delivery["endpoint"] != "http://x" {
		t.Errorf("metadata.amp.delivery merge wrong: %+v", delivery)
	}
	if updated.Metadata["other"] != "replaced" {
		t.Errorf("metadata.other: got %v", updated.Metadata["other"])
	}
	editor := updated.Preferences["editor"].(map[string]any)
	if editor["font"] != "mono" || editor["size"] != float64(14) {
		t.Errorf("preferences.editor merge wrong: %+v", editor)
	}
	if updated.Preferences["theme"] != "dark" {
		t.Error("preferences.theme lost")
	}
}

func TestUpdateAgent_immutableFields(t *testing.T) {
	s, _ := newStore(t)
	a := mustCreate(t, s, "alice", "h1")

	updated, err := s.UpdateAgent(a.ID, map[string]any{
		"id":     "hacked",
		"hostId": "h9",
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated.ID != a.ID || updated.HostID != "h1" {
		t.Errorf("immutable fields changed: %+v", updated)
	}
}

func TestUpdateAgent_renameCollision(t *testing.T) {
	s, _ := newStore(t)
	a := mustCreate(t, s, "alice", "h1")
	mustCreate(t, s, "bob", "h1")

	if _, err := s.UpdateAgent(a.ID, map[string]any{"name": "bob"}); !errors.Is(err, registry.ErrNameTaken) {
		t.Errorf("rename to taken name: expected ErrNameTaken, got %v", err)
	}
}

func TestStore_persistsAcrossRestart(t *testing.T) {
	s, dir := newStore(t)
	a := mustCreate(t, s, "alice", "h1")

	s2 := registry.NewStore(dir, zap.NewNop())
	got, err := s2.GetAgent(a.ID)
	if err != nil {
		t.Fatalf("GetAgent after restart: %v", err)
	}
	if got.Name != "alice" {
		t.Errorf("name after restart: got %q", got.Name)
	}
}

func TestDeleteAgent_softWithBackup(t *testing.T) {
	s, dir := newStore(t)
	a := mustCreate(t, s, "alice", "h1")

	removed, err := s.DeleteAgent(a.ID, true)
	if err != nil {
		t.Fatalf("DeleteAgent: %v", err)
	}
	if removed.ID != a.ID {
		t.Errorf("removed wrong agent: %s", removed.ID)
	}
	if _, err := s.GetAgent(a.ID); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("agent still resolvable after delete: %v", err)
	}

	trash, err := filepath.Glob(filepath.Join(dir, "agents", ".trash", a.ID+"-*.json"))
	if err != nil || len(trash) != 1 {
		t.Errorf("expected one trash backup, got %v (err %v)", trash, err)
	}
	// record file gone, directory (keys etc.) stays
	if _, err := os.Stat(filepath.Join(dir, "agents", a.ID, "agent.json")); !os.IsNotExist(err) {
		t.Error("agent.json should be removed on soft delete")
	}
}

func TestHardDeleteAgent_wipesDirectory(t *testing.T) {
	s, dir := newStore(t)
	a := mustCreate(t, s, "alice", "h1")

	// something else in the agent dir, like key material
	keyDir := filepath.Join(dir, "agents", a.ID, "keys")
	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(keyDir, "public.pem"), []byte("pem"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := s.HardDeleteAgent(a.ID); err != nil {
		t.Fatalf("HardDeleteAgent: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "agents", a.ID)); !os.IsNotExist(err) {
		t.Error("agent directory should be wiped on hard delete")
	}
}

func TestSessions_linkAndStatus(t *testing.T) {
	s, _ := newStore(t)
	a := mustCreate(t, s, "alice", "h1")

	linked, err := s.LinkSession(a.ID, "maestro-alice", "/work")
	if err != nil {
		t.Fatalf("LinkSession: %v", err)
	}
	sess := linked.CanonicalSession()
	if sess == nil || sess.TmuxSessionName != "maestro-alice" || sess.Status != registry.SessionOnline {
		t.Fatalf("unexpected canonical session: %+v", sess)
	}
	if !linked.IsOnline() {
		t.Error("agent should report online")
	}

	if err := s.SetSessionStatus(a.ID, "maestro-alice", registry.SessionOffline); err != nil {
		t.Fatalf("SetSessionStatus: %v", err)
	}
	got, _ := s.GetAgent(a.ID)
	if got.IsOnline() {
		t.Error("agent should report offline")
	}

	if err := s.SetSessionStatus(a.ID, "nope", registry.SessionOnline); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("unknown session: expected ErrNotFound, got %v", err)
	}
}

func TestMarkAgentAMPRegistered(t *testing.T) {
	s, _ := newStore(t)
	a := mustCreate(t, s, "alice", "h1")
	mustCreate(t, s, "plain", "h1")

	updated, err := s.MarkAgentAMPRegistered(a.ID, registry.AMPIdentity{
		Fingerprint:  "SHA256:abc",
		PublicKeyHex: "ff00",
		AMPAddress:   "alice@acme.aimaestro.local",
		Tenant:       "acme",
	})
	if err != nil {
		t.Fatalf("MarkAgentAMPRegistered: %v", err)
	}
	if !updated.AMPRegistered() {
		t.Fatal("agent should be AMP registered")
	}
	if updated.AMPIdentity.KeyAlgorithm != "Ed25519" {
		t.Errorf("key algorithm: got %q", updated.AMPIdentity.KeyAlgorithm)
	}
	amp, ok := updated.Metadata["amp"].(map[string]any)
	if !ok || amp["address"] != "alice@acme.aimaestro.local" {
		t.Errorf("metadata.amp not mirrored: %+v", updated.Metadata)
	}

	regd, err := s.AMPRegisteredAgents()
	if err != nil {
		t.Fatal(err)
	}
	if len(regd) != 1 || regd[0].ID != a.ID {
		t.Errorf("AMPRegisteredAgents: got %d entries", len(regd))
	}
}

func TestResolveIdentifier(t *testing.T) {
	s, _ := newStore(t)
	a := mustCreate(t, s, "alice", "h1")
	if _, err := s.UpdateAgent(a.ID, map[string]any{"alias": "Ace"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LinkSession(a.ID, "maestro-alice", "/work"); err != nil {
		t.Fatal(err)
	}
	mustCreate(t, s, "bob", "h1")

	cases := []struct {
		identifier string
		wantErr    bool
	}{
		{"alice", false},
		{"ALICE", false},
		{"ace", false},
		{"maestro-alice", false},
		{"nobody", true},
	}
	for _, tc := range cases {
		got, err := s.ResolveIdentifier(tc.identifier)
		if tc.wantErr {
			if !errors.Is(err, registry.ErrNotFound) {
				t.Errorf("ResolveIdentifier(%q): expected ErrNotFound, got %v", tc.identifier, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ResolveIdentifier(%q): %v", tc.identifier, err)
			continue
		}
		if got.ID != a.ID {
			t.Errorf("ResolveIdentifier(%q): resolved %q, want alice", tc.identifier, got.Name)
		}
	}
}
