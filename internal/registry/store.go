package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aimaestro/maestro/internal/store"
)

var (
	// ErrNotFound is returned when no agent matches.
	ErrNotFound = errors.New("registry: agent not found")
	// ErrNameTaken is returned when (hostId, name) is already in use.
	ErrNameTaken = errors.New("registry: name already in use on this host")
)

// ErrValidation wraps agent validation failures.
type ErrValidation struct {
	Msg   string
	Field string
}

func (e ErrValidation) Error() string { return e.Msg }

// Store is the file-backed agent catalog.
type Store struct {
	dataDir string
	log     *zap.Logger

	mu     sync.Mutex
	agents map[string]*Agent
	loaded bool
}

// NewStore returns a Store rooted at dataDir.
func NewStore(dataDir string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{dataDir: dataDir, log: log}
}

func (s *Store) agentDir(id string) string {
	return filepath.Join(s.dataDir, "agents", id)
}

func (s *Store) agentPath(id string) string {
	return filepath.Join(s.agentDir(id), "agent.json")
}

func (s *Store) trashPath(id string) string {
	return filepath.Join(s.dataDir, "agents", ".trash", fmt.Sprintf("%s-%d.json", id, time.Now().UnixMilli()))
}

// loadLocked populates the in-memory catalog from disk. Caller holds mu.
func (s *Store) loadLocked() error {
	if s.loaded {
		return nil
	}
	agents := make(map[string]*Agent)
	paths, err := filepath.Glob(filepath.Join(s.dataDir, "agents", "*", "agent.json"))
	if err != nil {
		return fmt.Errorf("scan agents: %w", err)
	}
	for _, p := range paths {
		var a Agent
		if err := store.LoadJSON(p, &a); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			s.log.Warn("skipping unreadable agent record", zap.String("path", p), zap.Error(err))
			continue
		}
		if a.ID == "" {
			continue
		}
		agents[a.ID] = &a
	}
	s.agents = agents
	s.loaded = true
	return nil
}

func (s *Store) saveLocked(a *Agent) error {
	if err := store.SaveJSON(s.agentPath(a.ID), a, 0o644); err != nil {
		return fmt.Errorf("save agent %s: %w", a.ID, err)
	}
	return nil
}

func (s *Store) byHostNameLocked(hostID, name string) *Agent {
	for _, a := range s.agents {
		if a.HostID == hostID && strings.EqualFold(a.Name, name) {
			return a
		}
	}
	return nil
}

// CreateAgent allocates an id, enforces (hostId, name) uniqueness, and
// persists the record.
func (s *Store) CreateAgent(a Agent) (*Agent, error) {
	if strings.TrimSpace(a.Name) == "" {
		return nil, ErrValidation{Msg: "agent name is required", Field: "name"}
	}
	if a.HostID == "" {
		return nil, ErrValidation{Msg: "agent hostId is required", Field: "hostId"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}

	if existing := s.byHostNameLocked(a.HostID, a.Name); existing != nil {
		return nil, fmt.Errorf("%w: %s on %s", ErrNameTaken, a.Name, a.HostID)
	}

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	for i := range a.Sessions {
		a.Sessions[i].Index = i
	}

	if err := s.saveLocked(&a); err != nil {
		return nil, err
	}
	s.agents[a.ID] = &a
	s.log.Info("agent created", zap.String("agent_id", a.ID), zap.String("name", a.Name))
	return a.Clone(), nil
}

// GetAgent returns a copy of the agent with the given id.
func (s *Store) GetAgent(id string) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	a, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

// GetAgentByName resolves (hostId, name).
func (s *Store) GetAgentByName(name, hostID string) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	if a := s.byHostNameLocked(hostID, name); a != nil {
		return a.Clone(), nil
	}
	return nil, ErrNotFound
}

// GetAgentByNameAnyHost resolves a name regardless of host.
func (s *Store) GetAgentByNameAnyHost(name string) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	for _, a := range s.agents {
		if strings.EqualFold(a.Name, name) {
			return a.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// ResolveIdentifier finds an agent by name, alias, or tmux session name, in
// that precedence. Mailbox lookups accept any of the three.
func (s *Store) ResolveIdentifier(identifier string) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}

	for _, a := range s.agents {
		if strings.EqualFold(a.Name, identifier) {
			return a.Clone(), nil
		}
	}
	for _, a := range s.agents {
		if a.Alias != "" && strings.EqualFold(a.Alias, identifier) {
			return a.Clone(), nil
		}
	}
	for _, a := range s.agents {
		for _, sess := range a.Sessions {
			if sess.TmuxSessionName == identifier {
				return a.Clone(), nil
			}
		}
	}
	return nil, ErrNotFound
}

// ListAgents returns all agents sorted by name.
func (s *Store) ListAgents() ([]*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	out := make([]*Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out, nil
}

// SearchAgents matches a case-insensitive substring over name, alias, and
// label.
func (s *Store) SearchAgents(query string) ([]*Agent, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return s.ListAgents()
	}
	all, err := s.ListAgents()
	if err != nil {
		return nil, err
	}
	var out []*Agent
	for _, a := range all {
		if strings.Contains(strings.ToLower(a.Name), q) ||
			strings.Contains(strings.ToLower(a.Alias), q) ||
			strings.Contains(strings.ToLower(a.Label), q) {
			out = append(out, a)
		}
	}
	return out, nil
}

// patch keys that can never be written through UpdateAgent.
var immutableFields = []string{"id", "hostId", "createdAt", "ampIdentity"}

// UpdateAgent applies a patch document. Keys merge shallowly except
// metadata.amp and preferences, which merge deeply so concurrent writers
// cannot clobber unrelated sub-keys.
func (s *Store) UpdateAgent(id string, patch map[string]any) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	a, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}

	for _, k := range immutableFields {
		delete(patch, k)
	}

	raw, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal agent: %w", err)
	}
	var cur map[string]any
	if err := json.Unmarshal(raw, &cur); err != nil {
		return nil, fmt.Errorf("unmarshal agent: %w", err)
	}

	applyPatch(cur, patch)

	merged, err := json.Marshal(cur)
	if err != nil {
		return nil, fmt.Errorf("marshal patched agent: %w", err)
	}
	var updated Agent
	if err := json.Unmarshal(merged, &updated); err != nil {
		return nil, ErrValidation{Msg: fmt.Sprintf("patch does not fit agent schema: %v", err)}
	}

	if !strings.EqualFold(updated.Name, a.Name) {
		if other := s.byHostNameLocked(updated.HostID, updated.Name); other != nil && other.ID != id {
			return nil, fmt.Errorf("%w: %s on %s", ErrNameTaken, updated.Name, updated.HostID)
		}
	}

	if err := s.saveLocked(&updated); err != nil {
		return nil, err
	}
	s.agents[id] = &updated
	return updated.Clone(), nil
}

// applyPatch merges patch into cur with the metadata.amp / preferences
// deep-merge rule; every other key replaces wholesale.
func applyPatch(cur, patch map[string]any) {
	for k, v := range patch {
		switch k {
		case "metadata":
			pm, ok := v.(map[string]any)
			if !ok {
				cur[k] = v
				continue
			}
			dm, _ := cur["metadata"].(map[string]any)
			if dm == nil {
				dm = map[string]any{}
			}
			for mk, mv := range pm {
				if mk == "amp" {
					sub, subOK := mv.(map[string]any)
					exist, existOK := dm["amp"].(map[string]any)
					if subOK && existOK {
						dm["amp"] = deepMerge(exist, sub)
						continue
					}
				}
				dm[mk] = mv
			}
			cur["metadata"] = dm
		case "preferences":
			pm, ok := v.(map[string]any)
			if !ok {
				cur[k] = v
				continue
			}
			exist, _ := cur["preferences"].(map[string]any)
			cur["preferences"] = deepMerge(exist, pm)
		default:
			cur[k] = v
		}
	}
}

func deepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		if sv, ok := v.(map[string]any); ok {
			if dv, ok := dst[k].(map[string]any); ok {
				dst[k] = deepMerge(dv, sv)
				continue
			}
		}
		dst[k] = v
	}
	return dst
}

// Mutate applies fn to the live record under the store lock and persists the
// result. Used by the session supervisor for status and activity updates.
func (s *Store) Mutate(id string, fn func(*Agent) error) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	a, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := fn(a); err != nil {
		return nil, err
	}
	if err := s.saveLocked(a); err != nil {
		return nil, err
	}
	return a.Clone(), nil
}

// TouchLastActive stamps the agent's lastActive to now.
func (s *Store) TouchLastActive(id string) error {
	_, err := s.Mutate(id, func(a *Agent) error {
		now := time.Now().UTC()
		a.LastActive = &now
		return nil
	})
	return err
}

// LinkSession attaches (or replaces) the canonical session entry.
func (s *Store) LinkSession(id, tmuxSessionName, workingDirectory string) (*Agent, error) {
	return s.Mutate(id, func(a *Agent) error {
		now := time.Now().UTC()
		sess := Session{
			Index:            0,
			TmuxSessionName:  tmuxSessionName,
			WorkingDirectory: workingDirectory,
			Status:           SessionOnline,
			StartedAt:        &now,
		}
		if len(a.Sessions) == 0 {
			a.Sessions = []Session{sess}
			return nil
		}
		a.Sessions[0] = sess
		return nil
	})
}

// SetSessionStatus updates the status of the session with the given
// multiplexer name.
func (s *Store) SetSessionStatus(id, tmuxSessionName, status string) error {
	_, err := s.Mutate(id, func(a *Agent) error {
		for i := range a.Sessions {
			if a.Sessions[i].TmuxSessionName == tmuxSessionName {
				a.Sessions[i].Status = status
				if status == SessionOnline && a.Sessions[i].StartedAt == nil {
					now := time.Now().UTC()
					a.Sessions[i].StartedAt = &now
				}
				return nil
			}
		}
		return fmt.Errorf("%w: session %s", ErrNotFound, tmuxSessionName)
	})
	return err
}

// MarkAgentAMPRegistered attaches the AMP identity and mirrors the address
// into metadata.amp.
func (s *Store) MarkAgentAMPRegistered(id string, ident AMPIdentity) (*Agent, error) {
	return s.Mutate(id, func(a *Agent) error {
		ident.KeyAlgorithm = "Ed25519"
		if ident.CreatedAt.IsZero() {
			ident.CreatedAt = time.Now().UTC()
		}
		a.AMPIdentity = &ident
		if a.Metadata == nil {
			a.Metadata = map[string]any{}
		}
		amp, _ := a.Metadata["amp"].(map[string]any)
		a.Metadata["amp"] = deepMerge(amp, map[string]any{
			"address":      ident.AMPAddress,
			"fingerprint":  ident.Fingerprint,
			"tenant":       ident.Tenant,
			"registeredAt": ident.CreatedAt.Format(time.RFC3339),
		})
		return nil
	})
}

// AMPRegisteredAgents returns every agent carrying an AMP identity.
func (s *Store) AMPRegisteredAgents() ([]*Agent, error) {
	all, err := s.ListAgents()
	if err != nil {
		return nil, err
	}
	var out []*Agent
	for _, a := range all {
		if a.AMPRegistered() {
			out = append(out, a)
		}
	}
	return out, nil
}

// DeleteAgent soft-deletes: the live record is removed from the catalog, key
// material stays on disk. With backup=true a copy of the record is archived
// under agents/.trash first.
func (s *Store) DeleteAgent(id string, backup bool) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	a, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}

	if backup {
		if err := store.SaveJSON(s.trashPath(id), a, 0o644); err != nil {
			return nil, fmt.Errorf("archive agent %s: %w", id, err)
		}
	}
	if err := os.Remove(s.agentPath(id)); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove agent record: %w", err)
	}
	removed := a.Clone()
	delete(s.agents, id)
	s.log.Info("agent deleted", zap.String("agent_id", id), zap.Bool("backup", backup))
	return removed, nil
}

// HardDeleteAgent removes the record and wipes the whole agent directory
// (keys and registrations included). Callers revoke API keys and clear the
// per-name mailboxes before invoking this.
func (s *Store) HardDeleteAgent(id string) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	a, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	removed := a.Clone()
	if err := os.RemoveAll(s.agentDir(id)); err != nil {
		return nil, fmt.Errorf("wipe agent dir: %w", err)
	}
	delete(s.agents, id)
	s.log.Info("agent hard-deleted", zap.String("agent_id", id))
	return removed, nil
}
