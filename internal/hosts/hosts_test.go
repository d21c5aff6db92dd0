package hosts_test

import (
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/aimaestro/maestro/internal/hosts"
)

func newStore(t *testing.T) *hosts.Store {
	t.Helper()
	return hosts.NewStore(t.TempDir(), zap.NewNop())
}

func remoteHost(id, url string) hosts.Host {
	return hosts.Host{ID: id, Name: id, URL: url, Type: hosts.TypeRemote, Enabled: true}
}

func TestEnsureSelfHost(t *testing.T) {
	s := newStore(t)

	self, err := s.EnsureSelfHost("h1", "studio", "http://localhost:4301")
	if err != nil {
		t.Fatalf("EnsureSelfHost: %v", err)
	}
	if self.Type != hosts.TypeSelf {
		t.Errorf("type: got %q, want self", self.Type)
	}

	got, err := s.GetSelfHost()
	if err != nil {
		t.Fatalf("GetSelfHost: %v", err)
	}
	if got.ID != "h1" {
		t.Errorf("self id: got %q, want h1", got.ID)
	}

	// idempotent
	again, err := s.EnsureSelfHost("h1", "studio", "http://localhost:4301")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != "h1" {
		t.Errorf("second ensure changed id to %q", again.ID)
	}
	all, _ := s.GetHosts()
	if len(all) != 1 {
		t.Errorf("host count after double ensure: got %d, want 1", len(all))
	}
}

func TestAddHost_duplicateIsNoOp(t *testing.T) {
	s := newStore(t)
	if _, err := s.EnsureSelfHost("h1", "studio", "http://localhost:4301"); err != nil {
		t.Fatal(err)
	}

	added, err := s.AddHost(remoteHost("h2", "http://peer:4301"))
	if err != nil {
		t.Fatalf("AddHost: %v", err)
	}
	if !added {
		t.Fatal("first AddHost should add")
	}

	added, err = s.AddHost(remoteHost("h2", "http://peer:4301"))
	if err != nil {
		t.Fatalf("second AddHost: %v", err)
	}
	if added {
		t.Error("second AddHost should report already known")
	}

	all, _ := s.GetHosts()
	if len(all) != 2 {
		t.Errorf("host count: got %d, want 2", len(all))
	}
}

func TestAddHost_identifierDisjointness(t *testing.T) {
	s := newStore(t)
	if _, err := s.EnsureSelfHost("h1", "studio", "http://localhost:4301"); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name string
		host hosts.Host
	}{
		{"same id different url", remoteHost("h1", "http://other:4301")},
		{"same url different id", remoteHost("hx", "http://localhost:4301")},
		{"url matching alias with scheme variation", remoteHost("hy", "https://localhost:4301/")},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			added, err := s.AddHost(tc.host)
			if err != nil {
				t.Fatalf("AddHost: %v", err)
			}
			if added {
				t.Error("host sharing an identifier with self must not be added")
			}
		})
	}

	// alias overlap between two peers
	p1 := remoteHost("h2", "http://peer2:4301")
	p1.Aliases = []string{"10.0.0.2:4301"}
	if added, _ := s.AddHost(p1); !added {
		t.Fatal("expected h2 to be added")
	}
	p2 := remoteHost("h3", "http://10.0.0.2:4301")
	if added, _ := s.AddHost(p2); added {
		t.Error("peer whose url matches another peer's alias must not be added")
	}
}

func TestAddHost_validation(t *testing.T) {
	s := newStore(t)

	cases := []struct {
		name string
		host hosts.Host
	}{
		{"empty id", hosts.Host{URL: "http://x:1", Type: hosts.TypeRemote}},
		{"bad id chars", hosts.Host{ID: "bad id!", URL: "http://x:1", Type: hosts.TypeRemote}},
		{"relative url", hosts.Host{ID: "ok", URL: "not-a-url", Type: hosts.TypeRemote}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.AddHost(tc.host)
			var ve hosts.ErrValidation
			if !errors.As(err, &ve) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestUpdateAndDeleteHost(t *testing.T) {
	s := newStore(t)
	if _, err := s.EnsureSelfHost("h1", "studio", "http://localhost:4301"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddHost(remoteHost("h2", "http://peer:4301")); err != nil {
		t.Fatal(err)
	}

	enabled := false
	desc := "paused"
	h, err := s.UpdateHost("h2", hosts.Patch{Enabled: &enabled, Description: &desc})
	if err != nil {
		t.Fatalf("UpdateHost: %v", err)
	}
	if h.Enabled || h.Description != "paused" {
		t.Errorf("patch not applied: %+v", h)
	}

	if err := s.DeleteHost("h1"); !errors.Is(err, hosts.ErrSelfImmutable) {
		t.Errorf("deleting self: expected ErrSelfImmutable, got %v", err)
	}
	if err := s.DeleteHost("h2"); err != nil {
		t.Fatalf("DeleteHost: %v", err)
	}
	if err := s.DeleteHost("h2"); !errors.Is(err, hosts.ErrNotFound) {
		t.Errorf("second delete: expected ErrNotFound, got %v", err)
	}
}

func TestFindHostByAnyIdentifier(t *testing.T) {
	s := newStore(t)
	peer := remoteHost("h2", "http://peer:4301")
	peer.Aliases = []string{"peer.tailnet.ts.net:4301"}
	if _, err := s.AddHost(peer); err != nil {
		t.Fatal(err)
	}

	for _, ident := range []string{
		"h2",
		"http://peer:4301",
		"peer:4301",
		"HTTPS://peer:4301/",
		"peer.tailnet.ts.net:4301",
	} {
		h, err := s.FindHostByAnyIdentifier(ident)
		if err != nil {
			t.Errorf("FindHostByAnyIdentifier(%q): %v", ident, err)
			continue
		}
		if h.ID != "h2" {
			t.Errorf("FindHostByAnyIdentifier(%q): got %q, want h2", ident, h.ID)
		}
	}

	if _, err := s.FindHostByAnyIdentifier("nope"); !errors.Is(err, hosts.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestEnabledPeers(t *testing.T) {
	s := newStore(t)
	if _, err := s.EnsureSelfHost("h1", "studio", "http://localhost:4301"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddHost(remoteHost("h2", "http://peer2:4301")); err != nil {
		t.Fatal(err)
	}
	disabled := remoteHost("h3", "http://peer3:4301")
	disabled.Enabled = false
	if _, err := s.AddHost(disabled); err != nil {
		t.Fatal(err)
	}

	peers, err := s.EnabledPeers()
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 1 || peers[0].ID != "h2" {
		t.Errorf("EnabledPeers: got %+v, want just h2", peers)
	}
}
