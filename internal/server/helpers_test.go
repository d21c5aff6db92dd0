package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/aimaestro/maestro/internal/audit"
	"github.com/aimaestro/maestro/internal/fleet"
	"github.com/aimaestro/maestro/internal/hosts"
	"github.com/aimaestro/maestro/internal/identity"
	"github.com/aimaestro/maestro/internal/mailbox"
	"github.com/aimaestro/maestro/internal/meeting"
	"github.com/aimaestro/maestro/internal/mesh"
	"github.com/aimaestro/maestro/internal/registry"
	"github.com/aimaestro/maestro/internal/relay"
	"github.com/aimaestro/maestro/internal/router"
	"github.com/aimaestro/maestro/internal/session"
	"github.com/aimaestro/maestro/internal/stream"
	"github.com/aimaestro/maestro/internal/webhooks"
)

// fakeTmux simulates the multiplexer for the HTTP tests: a set of live
// sessions and a record of every send-keys call.
type fakeTmux struct {
	mu       sync.Mutex
	sessions map[string]bool
	sent     [][]string
}

func newFakeTmux() *fakeTmux {
	return &fakeTmux{sessions: make(map[string]bool)}
}

func (f *fakeTmux) addSession(name string) {
	f.mu.Lock()
	f.sessions[name] = true
	f.mu.Unlock()
}

func (f *fakeTmux) sentCommands() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.sent...)
}

func (f *fakeTmux) Run(_ context.Context, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := ""
	for i, a := range args {
		if a == "-t" && i+1 < len(args) {
			name = strings.TrimPrefix(args[i+1], "=")
			break
		}
	}

	switch args[0] {
	case "has-session":
		if f.sessions[name] {
			return "", nil
		}
		return "", errors.New("can't find session")
	case "display-message":
		switch args[len(args)-1] {
		case "#{pane_in_mode}":
			return "0", nil
		case "#{window_activity}":
			return "0", nil
		}
		return "", fmt.Errorf("unknown format %q", args[len(args)-1])
	case "send-keys":
		if !f.sessions[name] {
			return "", errors.New("can't find session")
		}
		f.sent = append(f.sent, append([]string(nil), args...))
		return "", nil
	case "kill-session":
		if !f.sessions[name] {
			return "", errors.New("can't find session")
		}
		delete(f.sessions, name)
		return "", nil
	case "list-sessions":
		var names []string
		for n := range f.sessions {
			names = append(names, n)
		}
		return strings.Join(names, "\n"), nil
	}
	return "", fmt.Errorf("unhandled command %q", args[0])
}

// fakePeerAgents serves canned per-host agent lists to the fleet aggregator
// and the mesh existence checker.
type fakePeerAgents struct {
	mu     sync.Mutex
	agents map[string][]*registry.Agent
	err    error
}

func newFakePeerAgents() *fakePeerAgents {
	return &fakePeerAgents{agents: make(map[string][]*registry.Agent)}
}

func (f *fakePeerAgents) set(hostID string, agents ...*registry.Agent) {
	f.mu.Lock()
	f.agents[hostID] = agents
	f.mu.Unlock()
}

func (f *fakePeerAgents) AgentsOn(_ context.Context, h hosts.Host) ([]*registry.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.agents[h.ID], nil
}

const testIdleThreshold = 2 * time.Minute

// env is a full server over real file stores in a temp dir, reachable
// through an httptest listener.
type env struct {
	ts       *httptest.Server
	reg      *registry.Store
	keys     *identity.Store
	hosts    *hosts.Store
	queue    *relay.Queue
	mail     *mailbox.Store
	rt       *router.Router
	tmux     *fakeTmux
	peers    *fakePeerAgents
	hooks    *webhooks.Store
	dispatch *webhooks.Dispatcher
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	log := zap.NewNop()

	hs := hosts.NewStore(dir, log)
	if _, err := hs.EnsureSelfHost("h1", "host-one", "http://localhost:4301"); err != nil {
		t.Fatalf("seed self host: %v", err)
	}
	if _, err := hs.AdoptOrganization("acme", time.Time{}, "test"); err != nil {
		t.Fatalf("adopt organization: %v", err)
	}

	agents := registry.NewStore(dir, log)
	keys := identity.NewStore(dir)
	queue := relay.NewQueue(dir, log)
	mail := mailbox.NewStore(dir, log)
	meetings := meeting.NewStore(dir, log)
	hooks := webhooks.NewStore(dir, log)
	dispatcher := webhooks.NewDispatcher(hooks, log)
	auditLog, err := audit.Open(dir, log)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}

	tmux := newFakeTmux()
	sup := session.NewSupervisor(tmux, dir, testIdleThreshold, log)

	rt := router.New(agents, keys, hs, queue, mail, dir, router.Config{}, log)
	rt.SetNotifier(sup)
	rt.SetEvents(dispatcher)

	peers := newFakePeerAgents()
	check := registry.NewMeshChecker(hs, peers, log)
	rt.SetDiscovery(check)

	meshSvc := mesh.New(hs, dir, mesh.Config{}, log)
	meshSvc.SetSessionCounter(sup)

	agg := fleet.New(agents, hs, peers, nil, fleet.Config{}, log)

	srv := New(Config{Version: "test"}, Deps{
		Agents:    agents,
		Sessions:  sup,
		Mail:      mail,
		Meetings:  meetings,
		Hosts:     hs,
		Mesh:      meshSvc,
		Router:    rt,
		Fleet:     agg,
		Identity:  keys,
		Relay:     queue,
		Webhooks:  hooks,
		Events:    dispatcher,
		Audit:     auditLog,
		Hub:       stream.NewHub(log),
		MeshCheck: check,
		Log:       log,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &env{
		ts:       ts,
		reg:      agents,
		keys:     keys,
		hosts:    hs,
		queue:    queue,
		mail:     mail,
		rt:       rt,
		tmux:     tmux,
		peers:    peers,
		hooks:    hooks,
		dispatch: dispatcher,
	}
}

// call sends one JSON request and decodes the JSON response into a map.
// A nil body sends no payload; token, when non-empty, becomes the bearer key.
func (e *env) call(t *testing.T, method, path string, body any, token string) (int, map[string]any) {
	t.Helper()

	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	out := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode response %q: %v", raw, err)
		}
	}
	return resp.StatusCode, out
}

func (e *env) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	return e.call(t, http.MethodGet, path, nil, "")
}

func (e *env) post(t *testing.T, path string, body any) (int, map[string]any) {
	t.Helper()
	return e.call(t, http.MethodPost, path, body, "")
}

func (e *env) patch(t *testing.T, path string, body any) (int, map[string]any) {
	t.Helper()
	return e.call(t, http.MethodPatch, path, body, "")
}

func (e *env) del(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	return e.call(t, http.MethodDelete, path, nil, "")
}

// peerHost builds an enabled remote host record for seeding the directory.
func peerHost(id, url string) hosts.Host {
	return hosts.Host{ID: id, Name: id, URL: url, Type: hosts.TypeRemote, Enabled: true}
}

// createAgent registers an agent through the API and returns its record.
func (e *env) createAgent(t *testing.T, name string) map[string]any {
	t.Helper()
	status, body := e.post(t, "/agents", map[string]any{"name": name})
	if status != http.StatusCreated {
		t.Fatalf("create agent %s: status %d, body %v", name, status, body)
	}
	agent, ok := body["agent"].(map[string]any)
	if !ok {
		t.Fatalf("create agent %s: no agent in %v", name, body)
	}
	return agent
}

func agentID(t *testing.T, agent map[string]any) string {
	t.Helper()
	id, ok := agent["id"].(string)
	if !ok || id == "" {
		t.Fatalf("agent has no id: %v", agent)
	}
	return id
}

// wantError asserts an error body of the uniform shape.
func wantError(t *testing.T, status, wantStatus int, body map[string]any, kind string) {
	t.Helper()
	if status != wantStatus {
		t.Fatalf("status = %d, want %d (body %v)", status, wantStatus, body)
	}
	if got := body["error"]; got != kind {
		t.Fatalf("error = %v, want %q (body %v)", got, kind, body)
	}
}

func numField(t *testing.T, m map[string]any, key string) float64 {
	t.Helper()
	v, ok := m[key].(float64)
	if !ok {
		t.Fatalf("field %q is not a number: %v", key, m[key])
	}
	return v
}

func strField(t *testing.T, m map[string]any, key string) string {
	t.Helper()
	v, ok := m[key].(string)
	if !ok {
		t.Fatalf("field %q is not a string: %v", key, m[key])
	}
	return v
}

func listField(t *testing.T, m map[string]any, key string) []any {
	t.Helper()
	v, ok := m[key].([]any)
	if !ok {
		t.Fatalf("field %q is not a list: %v", key, m[key])
	}
	return v
}

func mapField(t *testing.T, m map[string]any, key string) map[string]any {
	t.Helper()
	v, ok := m[key].(map[string]any)
	if !ok {
		t.Fatalf("field %q is not an object: %v", key, m[key])
	}
	return v
}
