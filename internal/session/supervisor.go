package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aimaestro/maestro/internal/registry"
	"github.com/aimaestro/maestro/internal/store"
)

// Activity states reported for an online session.
const (
	StateWaiting = "waiting"
	StateActive  = "active"
	StateIdle    = "idle"
	StateOffline = "offline"
)

const (
	// DefaultIdleThreshold is how long a session must be quiet to count as
	// idle. Exactly threshold elapsed is still idle.
	DefaultIdleThreshold = 30 * time.Second

	// copyModeSettle is the pause after cancelling copy-mode before keys are
	// injected.
	copyModeSettle = 50 * time.Millisecond

	// tmuxTimeout bounds every multiplexer invocation.
	tmuxTimeout = 5 * time.Second
)

// ErrNoSession is returned when an operation targets a session the
// multiplexer does not report.
var ErrNoSession = errors.New("session: no such session")

// AgentStatusStore is the slice of the registry the supervisor writes
// session status through. Nil disables status write-back.
type AgentStatusStore interface {
	SetSessionStatus(agentID, tmuxSessionName, status string) error
}

// AgentLister feeds the status watcher. The registry store implements it.
type AgentLister interface {
	ListAgents() ([]*registry.Agent, error)
}

// Notifier receives status transitions for the live stream. Nil disables
// publishing.
type Notifier interface {
	PublishStatus(sessionName, status, hookStatus, notificationType string)
}

// HookState is the file a supervised process drops under
// agents/<uuid>/hooks/status.json to signal it needs input.
type HookState struct {
	Status           string    `json:"status"`
	NotificationType string    `json:"notificationType,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Status is the computed activity state of one session.
type Status struct {
	SessionName       string        `json:"sessionName"`
	State             string        `json:"status"`
	HookStatus        string        `json:"hookStatus,omitempty"`
	NotificationType  string        `json:"notificationType,omitempty"`
	TimeSinceActivity time.Duration `json:"timeSinceActivity"`
	IdleThreshold     time.Duration `json:"idleThreshold"`
}

// Supervisor mediates all interaction with the terminal multiplexer and owns
// the in-process activity map.
type Supervisor struct {
	runner        Runner
	dataDir       string
	log           *zap.Logger
	idleThreshold time.Duration

	statusStore AgentStatusStore
	notifier    Notifier

	mu       sync.Mutex
	activity map[string]time.Time

	sendMu    sync.Mutex
	sendLocks map[string]*sync.Mutex
}

// NewSupervisor returns a Supervisor using the given runner. idleThreshold 0
// selects the default.
func NewSupervisor(runner Runner, dataDir string, idleThreshold time.Duration, log *zap.Logger) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	if idleThreshold <= 0 {
		idleThreshold = DefaultIdleThreshold
	}
	return &Supervisor{
		runner:        runner,
		dataDir:       dataDir,
		log:           log,
		idleThreshold: idleThreshold,
		activity:      make(map[string]time.Time),
		sendLocks:     make(map[string]*sync.Mutex),
	}
}

// SetStatusStore wires registry status write-back.
func (s *Supervisor) SetStatusStore(st AgentStatusStore) { s.statusStore = st }

// SetNotifier wires the status stream.
func (s *Supervisor) SetNotifier(n Notifier) { s.notifier = n }

// IdleThreshold returns the configured idle window.
func (s *Supervisor) IdleThreshold() time.Duration { return s.idleThreshold }

func (s *Supervisor) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, tmuxTimeout)
}

// target returns the exact-match tmux target for a session name.
func target(name string) string { return "=" + name }

// SessionExists asks the multiplexer whether the session is alive.
func (s *Supervisor) SessionExists(ctx context.Context, name string) bool {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	_, err := s.runner.Run(ctx, "has-session", "-t", target(name))
	return err == nil
}

// ListSessions returns the names of every live multiplexer session. A
// multiplexer server that is not running yields an empty list, not an error.
func (s *Supervisor) ListSessions(ctx context.Context) []string {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	out, err := s.runner.Run(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil || out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

// CountLive reports the number of live sessions. Mesh status uses it for
// the self row.
func (s *Supervisor) CountLive(ctx context.Context) int {
	return len(s.ListSessions(ctx))
}

// InCopyMode reports whether the session's active pane is in copy-mode.
func (s *Supervisor) InCopyMode(ctx context.Context, name string) (bool, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	out, err := s.runner.Run(ctx, "display-message", "-p", "-t", target(name), "#{pane_in_mode}")
	if err != nil {
		return false, fmt.Errorf("query copy-mode: %w", err)
	}
	return out == "1", nil
}

// CancelCopyMode sends a literal q and waits for the pane to settle.
func (s *Supervisor) CancelCopyMode(ctx context.Context, name string) error {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	if _, err := s.runner.Run(ctx, "send-keys", "-t", target(name), "q"); err != nil {
		return fmt.Errorf("cancel copy-mode: %w", err)
	}
	time.Sleep(copyModeSettle)
	return nil
}

// sendLock returns the per-session injection mutex.
func (s *Supervisor) sendLock(name string) *sync.Mutex {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	m, ok := s.sendLocks[name]
	if !ok {
		m = &sync.Mutex{}
		s.sendLocks[name] = m
	}
	return m
}

// SendKeys injects text literally into the session. When addNewline is set,
// Enter goes as a separate key event inside the same multiplexer invocation
// so concurrent senders cannot interleave between text and Enter. Copy-mode
// is cancelled first when active.
func (s *Supervisor) SendKeys(ctx context.Context, name, text string, addNewline bool) error {
	lock := s.sendLock(name)
	lock.Lock()
	defer lock.Unlock()

	if !s.SessionExists(ctx, name) {
		return fmt.Errorf("%w: %s", ErrNoSession, name)
	}

	if inCopy, err := s.InCopyMode(ctx, name); err == nil && inCopy {
		if err := s.CancelCopyMode(ctx, name); err != nil {
			return err
		}
	}

	args := []string{"send-keys", "-t", target(name), "-l", "--", text}
	if addNewline {
		args = append(args, ";", "send-keys", "-t", target(name), "Enter")
	}

	callCtx, cancel := s.callCtx(ctx)
	defer cancel()
	if _, err := s.runner.Run(callCtx, args...); err != nil {
		return fmt.Errorf("send keys: %w", err)
	}
	s.RecordActivity(name)
	return nil
}

// RecordActivity stamps now for the session.
func (s *Supervisor) RecordActivity(name string) {
	s.mu.Lock()
	s.activity[name] = time.Now()
	s.mu.Unlock()
}

// TimeSinceActivity returns the elapsed time since the last recorded
// activity; ok=false when none was ever recorded.
func (s *Supervisor) TimeSinceActivity(name string) (time.Duration, bool) {
	s.mu.Lock()
	last, ok := s.activity[name]
	s.mu.Unlock()
	if !ok {
		return 0, false
	}
	return time.Since(last), true
}

// IsIdle reports whether the session has been quiet for at least the idle
// threshold. Sessions with no recorded activity are idle.
func (s *Supervisor) IsIdle(name string) bool {
	since, ok := s.TimeSinceActivity(name)
	if !ok {
		return true
	}
	return since >= s.idleThreshold
}

// KillSession tears down the multiplexer session.
func (s *Supervisor) KillSession(ctx context.Context, name string) error {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	if _, err := s.runner.Run(ctx, "kill-session", "-t", target(name)); err != nil {
		return fmt.Errorf("kill session: %w", err)
	}
	s.mu.Lock()
	delete(s.activity, name)
	s.mu.Unlock()
	return nil
}

// Hibernate kills the agent's canonical session and marks it offline in the
// registry.
func (s *Supervisor) Hibernate(ctx context.Context, agent *registry.Agent) error {
	sess := agent.CanonicalSession()
	if sess == nil {
		return fmt.Errorf("%w: agent %s has no session", ErrNoSession, agent.Name)
	}
	if s.SessionExists(ctx, sess.TmuxSessionName) {
		if err := s.KillSession(ctx, sess.TmuxSessionName); err != nil {
			return err
		}
	}
	if s.statusStore != nil {
		if err := s.statusStore.SetSessionStatus(agent.ID, sess.TmuxSessionName, registry.SessionOffline); err != nil {
			s.log.Warn("status write-back failed", zap.String("agent_id", agent.ID), zap.Error(err))
		}
	}
	s.log.Info("agent hibernated", zap.String("agent_id", agent.ID), zap.String("session", sess.TmuxSessionName))
	return nil
}

// Wake recreates the agent's canonical session detached and starts its
// program. program overrides the agent's configured command when non-empty.
func (s *Supervisor) Wake(ctx context.Context, agent *registry.Agent, program string, programArgs ...string) error {
	sess := agent.CanonicalSession()
	if sess == nil {
		return fmt.Errorf("%w: agent %s has no session", ErrNoSession, agent.Name)
	}
	if s.SessionExists(ctx, sess.TmuxSessionName) {
		return nil
	}

	if program == "" {
		program = agent.Program
		programArgs = agent.ProgramArgs
	}
	workdir := sess.WorkingDirectory
	if workdir == "" {
		workdir = agent.WorkingDirectory
	}

	args := []string{"new-session", "-d", "-s", sess.TmuxSessionName}
	if workdir != "" {
		args = append(args, "-c", workdir)
	}
	if program != "" {
		args = append(args, "--", program)
		args = append(args, programArgs...)
	}

	callCtx, cancel := s.callCtx(ctx)
	defer cancel()
	if _, err := s.runner.Run(callCtx, args...); err != nil {
		return fmt.Errorf("wake session: %w", err)
	}
	s.RecordActivity(sess.TmuxSessionName)
	if s.statusStore != nil {
		if err := s.statusStore.SetSessionStatus(agent.ID, sess.TmuxSessionName, registry.SessionOnline); err != nil {
			s.log.Warn("status write-back failed", zap.String("agent_id", agent.ID), zap.Error(err))
		}
	}
	s.log.Info("agent woken", zap.String("agent_id", agent.ID), zap.String("session", sess.TmuxSessionName))
	return nil
}

// ── activity status ─────────────────────────────────────────────────────────

func (s *Supervisor) hookPath(agentID string) string {
	return filepath.Join(s.dataDir, "agents", agentID, "hooks", "status.json")
}

// ReadHookState loads the hook file if present.
func (s *Supervisor) ReadHookState(agentID string) *HookState {
	var hs HookState
	if err := store.LoadJSON(s.hookPath(agentID), &hs); err != nil {
		return nil
	}
	return &hs
}

// ClearHook removes the hook file, typically after input was provided.
func (s *Supervisor) ClearHook(agentID string) {
	if err := os.Remove(s.hookPath(agentID)); err != nil && !os.IsNotExist(err) {
		s.log.Warn("clear hook failed", zap.String("agent_id", agentID), zap.Error(err))
	}
}

// Status computes the activity state of an agent's session: waiting when the
// hook file says so, active when the terminal produced output within the
// idle window, idle otherwise, offline when the session is gone.
func (s *Supervisor) Status(ctx context.Context, agentID, name string) Status {
	st := Status{SessionName: name, IdleThreshold: s.idleThreshold}

	if !s.SessionExists(ctx, name) {
		st.State = StateOffline
		return st
	}

	if hook := s.ReadHookState(agentID); hook != nil {
		st.HookStatus = hook.Status
		st.NotificationType = hook.NotificationType
		if hook.Status == StateWaiting {
			st.State = StateWaiting
		}
	}

	since := s.outputAge(ctx, name)
	st.TimeSinceActivity = since
	if st.State == "" {
		if since >= 0 && since < s.idleThreshold {
			st.State = StateActive
		} else {
			st.State = StateIdle
		}
	}
	return st
}

// outputAge returns how long ago the window last produced output, preferring
// the multiplexer's own activity clock and falling back to the in-process
// map. -1 when neither source knows.
func (s *Supervisor) outputAge(ctx context.Context, name string) time.Duration {
	callCtx, cancel := s.callCtx(ctx)
	defer cancel()

	age := time.Duration(-1)
	out, err := s.runner.Run(callCtx, "display-message", "-p", "-t", target(name), "#{window_activity}")
	if err == nil {
		if sec, perr := strconv.ParseInt(out, 10, 64); perr == nil && sec > 0 {
			age = time.Since(time.Unix(sec, 0))
		}
	}
	if local, ok := s.TimeSinceActivity(name); ok && (age < 0 || local < age) {
		age = local
	}
	return age
}

// StartWatcher polls session status and publishes transitions to the
// notifier until ctx is cancelled.
func (s *Supervisor) StartWatcher(ctx context.Context, agents AgentLister, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		last := make(map[string]string)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(ctx, agents, last)
			}
		}
	}()
}

func (s *Supervisor) sweep(ctx context.Context, agents AgentLister, last map[string]string) {
	list, err := agents.ListAgents()
	if err != nil {
		s.log.Warn("status sweep: list agents", zap.Error(err))
		return
	}
	for _, a := range list {
		sess := a.CanonicalSession()
		if sess == nil {
			continue
		}
		st := s.Status(ctx, a.ID, sess.TmuxSessionName)

		if s.statusStore != nil {
			want := registry.SessionOnline
			if st.State == StateOffline {
				want = registry.SessionOffline
			}
			if sess.Status != want {
				if err := s.statusStore.SetSessionStatus(a.ID, sess.TmuxSessionName, want); err != nil {
					s.log.Warn("status write-back failed", zap.String("agent_id", a.ID), zap.Error(err))
				}
			}
		}

		if prev, ok := last[sess.TmuxSessionName]; !ok || prev != st.State {
			last[sess.TmuxSessionName] = st.State
			if s.notifier != nil {
				s.notifier.PublishStatus(sess.TmuxSessionName, st.State, st.HookStatus, st.NotificationType)
			}
		}
	}
}

// NotifyDelivery stamps activity for a delivered message and, when the agent
// opted into terminal delivery, injects a short notification line.
func (s *Supervisor) NotifyDelivery(ctx context.Context, agent *registry.Agent, from, subject string) {
	sess := agent.CanonicalSession()
	if sess == nil {
		return
	}
	s.RecordActivity(sess.TmuxSessionName)

	if deliveryMode(agent) != "tmux" {
		return
	}
	line := fmt.Sprintf("[amp] new message from %s: %s", from, subject)
	if err := s.SendKeys(ctx, sess.TmuxSessionName, line, true); err != nil {
		s.log.Warn("delivery notification failed",
			zap.String("agent_id", agent.ID), zap.Error(err))
	}
}

// deliveryMode digs metadata.amp.delivery.mode out of the agent record.
func deliveryMode(agent *registry.Agent) string {
	amp, _ := agent.Metadata["amp"].(map[string]any)
	delivery, _ := amp["delivery"].(map[string]any)
	mode, _ := delivery["mode"].(string)
	return mode
}
