package registry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/aimaestro/maestro/internal/hosts"
	"github.com/aimaestro/maestro/internal/registry"
)

type stubPeerLister struct {
	peers []hosts.Host
	err   error
}

func (s *stubPeerLister) EnabledPeers() ([]hosts.Host, error) { return s.peers, s.err }

// stubFetcher maps host id → agent list or error; delays simulate slow peers.
type stubFetcher struct {
	agents map[string][]*registry.Agent
	errs   map[string]error
	delays map[string]time.Duration
}

func (s *stubFetcher) AgentsOn(ctx context.Context, h hosts.Host) ([]*registry.Agent, error) {
	if d := s.delays[h.ID]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := s.errs[h.ID]; err != nil {
		return nil, err
	}
	return s.agents[h.ID], nil
}

func peer(id string) hosts.Host {
	return hosts.Host{ID: id, URL: "http://" + id + ":4301", Type: hosts.TypeRemote, Enabled: true}
}

func TestCheckMeshAgentExists_firstHitWins(t *testing.T) {
	fetch := &stubFetcher{
		agents: map[string][]*registry.Agent{
			"h2": {{ID: "a2", Name: "bob", HostID: "h2"}},
			"h3": {{ID: "a3", Name: "bob", HostID: "h3"}},
		},
		delays: map[string]time.Duration{"h3": 200 * time.Millisecond},
	}
	c := registry.NewMeshChecker(&stubPeerLister{peers: []hosts.Host{peer("h2"), peer("h3")}}, fetch, zap.NewNop())

	hit, err := c.CheckMeshAgentExists(context.Background(), "bob", time.Second)
	if err != nil {
		t.Fatalf("CheckMeshAgentExists: %v", err)
	}
	if hit == nil {
		t.Fatal("expected a hit")
	}
	if hit.Host.ID != "h2" {
		t.Errorf("expected fast peer h2 to win, got %s", hit.Host.ID)
	}
	if hit.Agent.Name != "bob" {
		t.Errorf("agent name: got %q", hit.Agent.Name)
	}
}

func TestCheckMeshAgentExists_errorsSkipped(t *testing.T) {
	fetch := &stubFetcher{
		agents: map[string][]*registry.Agent{
			"h3": {{ID: "a3", Name: "bob", HostID: "h3"}},
		},
		errs: map[string]error{"h2": errors.New("connection refused")},
	}
	c := registry.NewMeshChecker(&stubPeerLister{peers: []hosts.Host{peer("h2"), peer("h3")}}, fetch, zap.NewNop())

	hit, err := c.CheckMeshAgentExists(context.Background(), "bob", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if hit == nil || hit.Host.ID != "h3" {
		t.Errorf("expected hit from h3 despite h2 failure, got %+v", hit)
	}
}

func TestCheckMeshAgentExists_notFound(t *testing.T) {
	fetch := &stubFetcher{
		agents: map[string][]*registry.Agent{
			"h2": {{ID: "a2", Name: "carol", HostID: "h2"}},
		},
	}
	c := registry.NewMeshChecker(&stubPeerLister{peers: []hosts.Host{peer("h2")}}, fetch, zap.NewNop())

	hit, err := c.CheckMeshAgentExists(context.Background(), "bob", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if hit != nil {
		t.Errorf("expected no hit, got %+v", hit)
	}
}

func TestCheckMeshAgentExists_timeout(t *testing.T) {
	fetch := &stubFetcher{
		agents: map[string][]*registry.Agent{
			"h2": {{ID: "a2", Name: "bob", HostID: "h2"}},
		},
		delays: map[string]time.Duration{"h2": time.Second},
	}
	c := registry.NewMeshChecker(&stubPeerLister{peers: []hosts.Host{peer("h2")}}, fetch, zap.NewNop())

	start := time.Now()
	hit, err := c.CheckMeshAgentExists(context.Background(), "bob", 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if hit != nil {
		t.Errorf("expected timeout to yield no hit, got %+v", hit)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("fan-out did not respect timeout, took %v", elapsed)
	}
}

func TestCheckMeshAgentExists_noPeers(t *testing.T) {
	c := registry.NewMeshChecker(&stubPeerLister{}, &stubFetcher{}, zap.NewNop())
	hit, err := c.CheckMeshAgentExists(context.Background(), "bob", time.Second)
	if err != nil || hit != nil {
		t.Errorf("no peers: got hit=%v err=%v", hit, err)
	}
}
