package webhooks

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const webhooksFile = "webhooks.json"

// ErrNotFound is returned when no webhook matches the given id.
var ErrNotFound = errors.New("webhook subscription not found")

// ErrValidation marks a rejected create request.
type ErrValidation struct {
	Msg string
}

func (e ErrValidation) Error() string { return e.Msg }

// Store persists webhook subscriptions in a JSON file under the data
// directory. All methods are safe for concurrent use.
type Store struct {
	path string
	log  *zap.Logger

	mu     sync.Mutex
	hooks  []Webhook
	loaded bool
}

// NewStore creates a store rooted at dataDir.
func NewStore(dataDir string, log *zap.Logger) *Store {
	return &Store{path: filepath.Join(dataDir, webhooksFile), log: log}
}

func (s *Store) load() error {
	if s.loaded {
		return nil
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.hooks = []Webhook{}
			s.loaded = true
			return nil
		}
		return fmt.Errorf("read webhooks file: %w", err)
	}
	var hooks []Webhook
	if err := json.Unmarshal(raw, &hooks); err != nil {
		return fmt.Errorf("parse webhooks file: %w", err)
	}
	s.hooks = hooks
	s.loaded = true
	return nil
}

func (s *Store) save() error {
	raw, err := json.MarshalIndent(s.hooks, "", "  ")
	if err != nil {
		return fmt.Errorf("encode webhooks: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write webhooks file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace webhooks file: %w", err)
	}
	return nil
}

// Create registers a new subscription and returns it with the freshly
// generated secret. The secret is only available here; later reads
// should use Redacted copies.
func (s *Store) Create(rawURL string, events []string) (*Webhook, error) {
	u, err := url.Parse(rawURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return nil, ErrValidation{Msg: "url must be absolute"}
	}
	if len(events) == 0 {
		return nil, ErrValidation{Msg: "at least one event is required"}
	}
	for _, e := range events {
		if !KnownEvent(e) {
			return nil, ErrValidation{Msg: fmt.Sprintf("unknown event type: %s", e)}
		}
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	hook := Webhook{
		ID:        uuid.NewString(),
		URL:       rawURL,
		Events:    append([]string(nil), events...),
		Secret:    secret,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return nil, err
	}
	s.hooks = append(s.hooks, hook)
	if err := s.save(); err != nil {
		return nil, err
	}
	s.log.Info("webhook registered",
		zap.String("id", hook.ID),
		zap.String("url", hook.URL),
		zap.Strings("events", hook.Events))
	return &hook, nil
}

// Get returns the webhook with the given id, secret included.
func (s *Store) Get(id string) (*Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return nil, err
	}
	for i := range s.hooks {
		if s.hooks[i].ID == id {
			hook := s.hooks[i]
			return &hook, nil
		}
	}
	return nil, ErrNotFound
}

// List returns all subscriptions in creation order.
func (s *Store) List() ([]Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return nil, err
	}
	out := make([]Webhook, len(s.hooks))
	copy(out, s.hooks)
	return out, nil
}

// Subscribers returns the active webhooks listening for the event.
func (s *Store) Subscribers(event string) ([]Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return nil, err
	}
	var out []Webhook
	for i := range s.hooks {
		if s.hooks[i].Active && s.hooks[i].Subscribed(event) {
			out = append(out, s.hooks[i])
		}
	}
	return out, nil
}

// Delete removes the subscription with the given id.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return err
	}
	for i := range s.hooks {
		if s.hooks[i].ID == id {
			s.hooks = append(s.hooks[:i], s.hooks[i+1:]...)
			if err := s.save(); err != nil {
				return err
			}
			s.log.Info("webhook deleted", zap.String("id", id))
			return nil
		}
	}
	return ErrNotFound
}

// RecordOutcome updates delivery bookkeeping after an attempt. A
// success resets the failure counter; a failure increments it.
func (s *Store) RecordOutcome(id string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return err
	}
	for i := range s.hooks {
		if s.hooks[i].ID != id {
			continue
		}
		now := time.Now().UTC()
		s.hooks[i].LastDeliveryAt = &now
		if success {
			s.hooks[i].FailureCount = 0
			s.hooks[i].LastDeliveryStatus = "ok"
		} else {
			s.hooks[i].FailureCount++
			s.hooks[i].LastDeliveryStatus = "failed"
		}
		return s.save()
	}
	return ErrNotFound
}

// generateSecret produces a 64 character hex token used to sign
// delivery payloads.
func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
