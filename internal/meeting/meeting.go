// Package meeting tracks multi-agent meetings. All meetings live in one
// meetings.json under the data directory; messages exchanged during a
// meeting stay in the participants' mailboxes and are collected by subject
// tag, so a meeting record is coordination state only.
package meeting

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aimaestro/maestro/internal/store"
)

const meetingsFile = "meetings.json"

// Meeting statuses.
const (
	StatusActive = "active"
	StatusEnded  = "ended"
)

// ErrNotFound is returned when no meeting has the given id.
var ErrNotFound = errors.New("meeting: not found")

// Meeting is one multi-agent meeting.
type Meeting struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	AgentIDs      []string   `json:"agentIds"`
	TeamID        string     `json:"teamId,omitempty"`
	Status        string     `json:"status"`
	ActiveAgentID string     `json:"activeAgentId,omitempty"`
	SidebarMode   string     `json:"sidebarMode,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	LastActiveAt  *time.Time `json:"lastActiveAt,omitempty"`
	EndedAt       *time.Time `json:"endedAt,omitempty"`
}

func (m *Meeting) clone() *Meeting {
	c := *m
	c.AgentIDs = append([]string(nil), m.AgentIDs...)
	return &c
}

// Patch is a partial meeting update. Nil fields are left unchanged.
type Patch struct {
	Name          *string
	Status        *string
	ActiveAgentID *string
	SidebarMode   *string
	AgentIDs      *[]string
}

// Store owns meetings.json. A single process-wide mutex wraps every
// read-modify-write.
type Store struct {
	dataDir string
	log     *zap.Logger

	mu     sync.Mutex
	cache  []Meeting
	loaded bool
}

// NewStore returns a Store rooted at dataDir.
func NewStore(dataDir string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{dataDir: dataDir, log: log}
}

func (s *Store) path() string {
	return filepath.Join(s.dataDir, meetingsFile)
}

func (s *Store) loadLocked() error {
	if s.loaded {
		return nil
	}
	var meetings []Meeting
	if err := store.LoadJSON(s.path(), &meetings); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("load meetings: %w", err)
		}
	}
	s.cache = meetings
	s.loaded = true
	return nil
}

func (s *Store) saveLocked() error {
	if err := store.SaveJSON(s.path(), s.cache, 0o644); err != nil {
		return fmt.Errorf("save meetings: %w", err)
	}
	return nil
}

// Create starts a new active meeting.
func (s *Store) Create(name string, agentIDs []string, teamID string) (*Meeting, error) {
	if name == "" {
		return nil, fmt.Errorf("meeting: name is required")
	}
	if len(agentIDs) == 0 {
		return nil, fmt.Errorf("meeting: at least one agent is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}

	m := Meeting{
		ID:        uuid.NewString(),
		Name:      name,
		AgentIDs:  append([]string(nil), agentIDs...),
		TeamID:    teamID,
		Status:    StatusActive,
		CreatedAt: time.Now().UTC(),
	}
	s.cache = append(s.cache, m)
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	s.log.Info("meeting created", zap.String("meeting_id", m.ID), zap.String("name", name))
	return m.clone(), nil
}

// Get returns one meeting by id.
func (s *Store) Get(id string) (*Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	for i := range s.cache {
		if s.cache[i].ID == id {
			return s.cache[i].clone(), nil
		}
	}
	return nil, ErrNotFound
}

// List returns all meetings, newest first.
func (s *Store) List() ([]*Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	out := make([]*Meeting, 0, len(s.cache))
	for i := range s.cache {
		out = append(out, s.cache[i].clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Update applies a patch and stamps lastActiveAt.
func (s *Store) Update(id string, patch Patch) (*Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}

	for i := range s.cache {
		if s.cache[i].ID != id {
			continue
		}
		m := &s.cache[i]
		if patch.Name != nil {
			m.Name = *patch.Name
		}
		if patch.Status != nil {
			m.Status = *patch.Status
		}
		if patch.ActiveAgentID != nil {
			m.ActiveAgentID = *patch.ActiveAgentID
		}
		if patch.SidebarMode != nil {
			m.SidebarMode = *patch.SidebarMode
		}
		if patch.AgentIDs != nil {
			m.AgentIDs = append([]string(nil), (*patch.AgentIDs)...)
		}
		now := time.Now().UTC()
		m.LastActiveAt = &now
		if err := s.saveLocked(); err != nil {
			return nil, err
		}
		return m.clone(), nil
	}
	return nil, ErrNotFound
}

// Touch stamps lastActiveAt, used when meeting traffic flows.
func (s *Store) Touch(id string) error {
	_, err := s.Update(id, Patch{})
	return err
}

// End marks the meeting ended. Ending twice keeps the first endedAt.
func (s *Store) End(id string) (*Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}

	for i := range s.cache {
		if s.cache[i].ID != id {
			continue
		}
		m := &s.cache[i]
		if m.Status != StatusEnded {
			now := time.Now().UTC()
			m.Status = StatusEnded
			m.EndedAt = &now
			if err := s.saveLocked(); err != nil {
				return nil, err
			}
			s.log.Info("meeting ended", zap.String("meeting_id", id))
		}
		return m.clone(), nil
	}
	return nil, ErrNotFound
}

// Delete removes a meeting record.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}

	for i := range s.cache {
		if s.cache[i].ID == id {
			s.cache = append(s.cache[:i], s.cache[i+1:]...)
			return s.saveLocked()
		}
	}
	return ErrNotFound
}
