package session_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/aimaestro/maestro/internal/registry"
	"github.com/aimaestro/maestro/internal/session"
)

// fakeRunner simulates the multiplexer: live sessions, copy-mode flags, and
// window activity clocks, recording every argv it receives.
type fakeRunner struct {
	mu             sync.Mutex
	calls          [][]string
	sessions       map[string]bool
	copyMode       map[string]bool
	windowActivity map[string]int64
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		sessions:       make(map[string]bool),
		copyMode:       make(map[string]bool),
		windowActivity: make(map[string]int64),
	}
}

func (f *fakeRunner) Run(_ context.Context, args ...string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), args...))
	f.mu.Unlock()

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
		format := args[len(args)-1]
		switch format {
		case "#{pane_in_mode}":
			if f.copyMode[name] {
				return "1", nil
			}
			return "0", nil
		case "#{window_activity}":
			return strconv.FormatInt(f.windowActivity[name], 10), nil
		}
		return "", fmt.Errorf("unknown format %q", format)
	case "send-keys":
		if !f.sessions[name] {
			return "", errors.New("can't find session")
		}
		return "", nil
	case "kill-session":
		if !f.sessions[name] {
			return "", errors.New("can't find session")
		}
		delete(f.sessions, name)
		return "", nil
	case "new-session":
		for i, a := range args {
			if a == "-s" && i+1 < len(args) {
				f.sessions[args[i+1]] = true
			}
		}
		return "", nil
	}
	return "", fmt.Errorf("unhandled command %q", args[0])
}

func (f *fakeRunner) lastCall() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakeRunner) callsFor(cmd string) [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]string
	for _, c := range f.calls {
		if c[0] == cmd {
			out = append(out, c)
		}
	}
	return out
}

func newSupervisor(t *testing.T, r session.Runner, threshold time.Duration) (*session.Supervisor, string) {
	t.Helper()
	dir := t.TempDir()
	return session.NewSupervisor(r, dir, threshold, zap.NewNop()), dir
}

func TestSessionExists(t *testing.T) {
	r := newFakeRunner()
	r.sessions["maestro-alice"] = true
	s, _ := newSupervisor(t, r, 0)

	if !s.SessionExists(context.Background(), "maestro-alice") {
		t.Error("expected session to exist")
	}
	if s.SessionExists(context.Background(), "ghost") {
		t.Error("expected ghost session to not exist")
	}
	// exact-match target form
	if got := r.lastCall(); got[2] != "=ghost" {
		t.Errorf("expected exact-match target, got %q", got[2])
	}
}

func TestSendKeys_atomicEnter(t *testing.T) {
	r := newFakeRunner()
	r.sessions["s1"] = true
	s, _ := newSupervisor(t, r, 0)

	if err := s.SendKeys(context.Background(), "s1", "echo $HOME; rm -rf /", true); err != nil {
		t.Fatalf("SendKeys: %v", err)
	}

	sends := r.callsFor("send-keys")
	if len(sends) != 1 {
		t.Fatalf("expected one send-keys invocation, got %d", len(sends))
	}
	call := sends[0]
	want := []string{"send-keys", "-t", "=s1", "-l", "--", "echo $HOME; rm -rf /", ";", "send-keys", "-t", "=s1", "Enter"}
	if len(call) != len(want) {
		t.Fatalf("argv length: got %v", call)
	}
	for i := range want {
		if call[i] != want[i] {
			t.Errorf("argv[%d]: got %q, want %q", i, call[i], want[i])
		}
	}
}

func TestSendKeys_noNewline(t *testing.T) {
	r := newFakeRunner()
	r.sessions["s1"] = true
	s, _ := newSupervisor(t, r, 0)

	if err := s.SendKeys(context.Background(), "s1", "partial", false); err != nil {
		t.Fatal(err)
	}
	call := r.callsFor("send-keys")[0]
	for _, a := range call {
		if a == "Enter" {
			t.Errorf("Enter must not be sent without addNewline: %v", call)
		}
	}
}

func TestSendKeys_cancelsCopyMode(t *testing.T) {
	r := newFakeRunner()
	r.sessions["s1"] = true
	r.copyMode["s1"] = true
	s, _ := newSupervisor(t, r, 0)

	if err := s.SendKeys(context.Background(), "s1", "hello", true); err != nil {
		t.Fatal(err)
	}

	sends := r.callsFor("send-keys")
	if len(sends) != 2 {
		t.Fatalf("expected copy-mode q plus injection, got %d send-keys calls", len(sends))
	}
	if sends[0][len(sends[0])-1] != "q" {
		t.Errorf("first send should be the literal q, got %v", sends[0])
	}
}

func TestSendKeys_missingSession(t *testing.T) {
	s, _ := newSupervisor(t, newFakeRunner(), 0)
	err := s.SendKeys(context.Background(), "ghost", "hello", true)
	if !errors.Is(err, session.ErrNoSession) {
		t.Errorf("expected ErrNoSession, got %v", err)
	}
}

func TestIsIdle(t *testing.T) {
	s, _ := newSupervisor(t, newFakeRunner(), 100*time.Millisecond)

	// never-active sessions are idle
	if !s.IsIdle("s1") {
		t.Error("session with no recorded activity should be idle")
	}

	s.RecordActivity("s1")
	if s.IsIdle("s1") {
		t.Error("session should not be idle right after activity")
	}

	time.Sleep(150 * time.Millisecond)
	if !s.IsIdle("s1") {
		t.Error("session should be idle after the threshold elapsed")
	}
}

func TestStatus_states(t *testing.T) {
	r := newFakeRunner()
	r.sessions["s1"] = true
	s, dir := newSupervisor(t, r, 30*time.Second)

	// offline when the session is missing
	if st := s.Status(context.Background(), "agent-1", "ghost"); st.State != session.StateOffline {
		t.Errorf("missing session: got %q, want offline", st.State)
	}

	// active when the window produced output recently
	r.windowActivity["s1"] = time.Now().Unix()
	if st := s.Status(context.Background(), "agent-1", "s1"); st.State != session.StateActive {
		t.Errorf("recent output: got %q, want active", st.State)
	}

	// idle when output is stale
	r.windowActivity["s1"] = time.Now().Add(-time.Hour).Unix()
	if st := s.Status(context.Background(), "agent-1", "s1"); st.State != session.StateIdle {
		t.Errorf("stale output: got %q, want idle", st.State)
	}

	// waiting wins when the hook file says so
	hookDir := filepath.Join(dir, "agents", "agent-1", "hooks")
	if err := os.MkdirAll(hookDir, 0o755); err != nil {
		t.Fatal(err)
	}
	hook := `{"status":"waiting","notificationType":"permission_prompt","timestamp":"2026-01-01T00:00:00Z"}`
	if err := os.WriteFile(filepath.Join(hookDir, "status.json"), []byte(hook), 0o644); err != nil {
		t.Fatal(err)
	}
	st := s.Status(context.Background(), "agent-1", "s1")
	if st.State != session.StateWaiting {
		t.Errorf("hook file: got %q, want waiting", st.State)
	}
	if st.NotificationType != "permission_prompt" {
		t.Errorf("notificationType: got %q", st.NotificationType)
	}

	s.ClearHook("agent-1")
	if st := s.Status(context.Background(), "agent-1", "s1"); st.State == session.StateWaiting {
		t.Error("cleared hook should not report waiting")
	}
}

type stubStatusStore struct {
	mu    sync.Mutex
	calls []string
}

func (s *stubStatusStore) SetSessionStatus(agentID, name, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, agentID+"/"+name+"/"+status)
	return nil
}

func agentWithSession(id, name, tmuxName string) *registry.Agent {
	return &registry.Agent{
		ID:     id,
		Name:   name,
		HostID: "h1",
		Sessions: []registry.Session{
			{Index: 0, TmuxSessionName: tmuxName, Status: registry.SessionOnline},
		},
	}
}

func TestHibernateAndWake(t *testing.T) {
	r := newFakeRunner()
	r.sessions["maestro-alice"] = true
	s, _ := newSupervisor(t, r, 0)
	st := &stubStatusStore{}
	s.SetStatusStore(st)

	agent := agentWithSession("agent-1", "alice", "maestro-alice")
	agent.Program = "claude"
	agent.ProgramArgs = []string{"--continue"}
	agent.WorkingDirectory = "/work"

	if err := s.Hibernate(context.Background(), agent); err != nil {
		t.Fatalf("Hibernate: %v", err)
	}
	if r.sessions["maestro-alice"] {
		t.Error("session should be killed after hibernate")
	}
	if len(st.calls) != 1 || st.calls[0] != "agent-1/maestro-alice/offline" {
		t.Errorf("status store calls: %v", st.calls)
	}

	if err := s.Wake(context.Background(), agent, ""); err != nil {
		t.Fatalf("Wake: %v", err)
	}
	if !r.sessions["maestro-alice"] {
		t.Error("session should exist after wake")
	}
	news := r.callsFor("new-session")
	if len(news) != 1 {
		t.Fatalf("expected one new-session call, got %d", len(news))
	}
	argv := strings.Join(news[0], " ")
	if !strings.Contains(argv, "-c /work") || !strings.Contains(argv, "-- claude --continue") {
		t.Errorf("wake argv: %v", news[0])
	}
}

func TestNotifyDelivery(t *testing.T) {
	r := newFakeRunner()
	r.sessions["s1"] = true
	s, _ := newSupervisor(t, r, time.Minute)

	agent := agentWithSession("agent-1", "alice", "s1")

	// without terminal delivery mode: activity only, no injection
	s.NotifyDelivery(context.Background(), agent, "bob@acme.aimaestro.local", "hi")
	if got := r.callsFor("send-keys"); len(got) != 0 {
		t.Errorf("expected no injection without tmux delivery mode, got %v", got)
	}
	if _, ok := s.TimeSinceActivity("s1"); !ok {
		t.Error("expected activity to be recorded")
	}

	agent.Metadata = map[string]any{
		"amp": map[string]any{"delivery": map[string]any{"mode": "tmux"}},
	}
	s.NotifyDelivery(context.Background(), agent, "bob@acme.aimaestro.local", "hi")
	sends := r.callsFor("send-keys")
	if len(sends) == 0 {
		t.Fatal("expected a notification injection")
	}
	joined := strings.Join(sends[len(sends)-1], " ")
	if !strings.Contains(joined, "bob@acme.aimaestro.local") {
		t.Errorf("notification line missing sender: %v", joined)
	}
}
