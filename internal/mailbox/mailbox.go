// Package mailbox is the per-agent message store. Each agent name owns three
// boxes on disk, one JSON file per message:
//
//	messages/inbox/<name>/<id>.json
//	messages/sent/<name>/<id>.json
//	messages/archived/<name>/<id>.json
//
// Writes to one recipient are serialized by a per-recipient mutex, which is
// what preserves sender-to-recipient ordering on the route path.
package mailbox

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

	"go.uber.org/zap"

	"github.com/aimaestro/maestro/internal/store"
	"github.com/aimaestro/maestro/pkg/amp"
)

// Box names.
const (
	BoxInbox    = "inbox"
	BoxSent     = "sent"
	BoxArchived = "archived"
)

// Message statuses. Exactly one holds for any stored message.
const (
	StatusUnread   = "unread"
	StatusRead     = "read"
	StatusArchived = "archived"
)

const (
	// DefaultLimit is the listing page size when the caller names none.
	DefaultLimit = 25

	// DefaultPreviewLength caps summary previews when the caller names none.
	DefaultPreviewLength = 2000
)

// ErrNotFound is returned when a message id does not exist in the given box.
var ErrNotFound = errors.New("mailbox: message not found")

// Message is one stored message.
type Message struct {
	ID                 string      `json:"id"`
	From               string      `json:"from"`
	FromAlias          string      `json:"fromAlias,omitempty"`
	FromLabel          string      `json:"fromLabel,omitempty"`
	To                 string      `json:"to"`
	ToAlias            string      `json:"toAlias,omitempty"`
	Subject            string      `json:"subject"`
	Content            amp.Payload `json:"content"`
	Priority           string      `json:"priority"`
	Timestamp          time.Time   `json:"timestamp"`
	Status             string      `json:"status"`
	InReplyTo          string      `json:"inReplyTo,omitempty"`
	ThreadID           string      `json:"threadId,omitempty"`
	DeliveredVia       string      `json:"deliveredVia,omitempty"`
	SenderPublicKeyHex string      `json:"senderPublicKeyHex,omitempty"`
	SignatureVerified  *bool       `json:"signatureVerified,omitempty"`
}

// Summary is the listing view of a message with the body truncated to a
// preview.
type Summary struct {
	ID                 string    `json:"id"`
	From               string    `json:"from"`
	To                 string    `json:"to"`
	Subject            string    `json:"subject"`
	Preview            string    `json:"preview"`
	Status             string    `json:"status"`
	Priority           string    `json:"priority"`
	Type               string    `json:"type"`
	Timestamp          time.Time `json:"timestamp"`
	ThreadID           string    `json:"threadId,omitempty"`
	InReplyTo          string    `json:"inReplyTo,omitempty"`
	DeliveredVia       string    `json:"deliveredVia,omitempty"`
	SenderPublicKeyHex string    `json:"senderPublicKeyHex,omitempty"`
	SignatureVerified  *bool     `json:"signatureVerified,omitempty"`
}

// ListOptions filter and shape a box listing.
type ListOptions struct {
	// Status and Priority filter exactly when non-empty.
	Status   string
	Priority string

	// From and To filter by case-insensitive substring when non-empty.
	From string
	To   string

	// Limit caps the result count. Zero means no cap.
	Limit int

	// PreviewLength truncates message bodies. Zero or negative selects the
	// default.
	PreviewLength int
}

// Store reads and writes the per-agent boxes under the data directory.
type Store struct {
	dataDir string
	log     *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore returns a Store rooted at dataDir.
func NewStore(dataDir string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		dataDir: dataDir,
		log:     log,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (s *Store) boxDir(box, name string) string {
	return filepath.Join(s.dataDir, "messages", box, store.SafeName(name))
}

func (s *Store) messagePath(box, name, id string) string {
	return filepath.Join(s.boxDir(box, name), store.SafeName(id)+".json")
}

// recipientLock returns the mutex serializing writes for one agent name.
func (s *Store) recipientLock(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.locks[name]
	if !ok {
		m = &sync.Mutex{}
		s.locks[name] = m
	}
	return m
}

// DeliverInbox writes a message into the agent's inbox. Status defaults to
// unread.
func (s *Store) DeliverInbox(name string, msg *Message) error {
	if msg.Status == "" {
		msg.Status = StatusUnread
	}
	return s.write(BoxInbox, name, msg)
}

// RecordSent writes the sender's copy of an outgoing message. Status is
// always read; nobody waits on their own sent mail.
func (s *Store) RecordSent(name string, msg *Message) error {
	sent := *msg
	sent.Status = StatusRead
	return s.write(BoxSent, name, &sent)
}

func (s *Store) write(box, name string, msg *Message) error {
	if msg.ID == "" {
		return fmt.Errorf("mailbox: message id is required")
	}
	lock := s.recipientLock(name)
	lock.Lock()
	defer lock.Unlock()

	if err := store.SaveJSON(s.messagePath(box, name, msg.ID), msg, 0o644); err != nil {
		return fmt.Errorf("write %s message: %w", box, err)
	}
	s.log.Debug("message stored",
		zap.String("box", box),
		zap.String("agent", name),
		zap.String("message_id", msg.ID))
	return nil
}

// Get loads one message from a box.
func (s *Store) Get(box, name, id string) (*Message, error) {
	return s.load(s.messagePath(box, name, id))
}

func (s *Store) load(path string) (*Message, error) {
	var msg Message
	if err := store.LoadJSON(path, &msg); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read message: %w", err)
	}
	return &msg, nil
}

// List returns newest-first summaries of one box.
func (s *Store) List(box, name string, opts ListOptions) ([]Summary, error) {
	msgs, err := s.readBox(box, name)
	if err != nil {
		return nil, err
	}

	previewLen := opts.PreviewLength
	if previewLen <= 0 {
		previewLen = DefaultPreviewLength
	}

	var out []Summary
	for _, m := range msgs {
		if opts.Status != "" && m.Status != opts.Status {
			continue
		}
		if opts.Priority != "" && m.Priority != opts.Priority {
			continue
		}
		if opts.From != "" && !containsFold(m.From, opts.From) {
			continue
		}
		if opts.To != "" && !containsFold(m.To, opts.To) {
			continue
		}
		out = append(out, summarize(m, previewLen))
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID > out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Search matches a case-insensitive query against subject, body, and sender
// across all three boxes, newest first.
func (s *Store) Search(name, query string, limit int) ([]Summary, error) {
	var out []Summary
	for _, box := range []string{BoxInbox, BoxSent, BoxArchived} {
		msgs, err := s.readBox(box, name)
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			if containsFold(m.Subject, query) || containsFold(m.Content.Message, query) || containsFold(m.From, query) {
				out = append(out, summarize(m, DefaultPreviewLength))
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// readBox loads every message in a box. Unreadable files are skipped with a
// warning so one corrupt record cannot hide a mailbox.
func (s *Store) readBox(box, name string) ([]*Message, error) {
	paths, err := filepath.Glob(filepath.Join(s.boxDir(box, name), "*.json"))
	if err != nil {
		return nil, fmt.Errorf("list %s box: %w", box, err)
	}
	var msgs []*Message
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			s.log.Warn("skipping unreadable message", zap.String("path", p), zap.Error(err))
			continue
		}
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			s.log.Warn("skipping corrupt message", zap.String("path", p), zap.Error(err))
			continue
		}
		msgs = append(msgs, &m)
	}
	return msgs, nil
}

// MarkRead flips an inbox message to read.
func (s *Store) MarkRead(name, id string) (*Message, error) {
	lock := s.recipientLock(name)
	lock.Lock()
	defer lock.Unlock()

	path := s.messagePath(BoxInbox, name, id)
	msg, err := s.load(path)
	if err != nil {
		return nil, err
	}
	if msg.Status == StatusRead {
		return msg, nil
	}
	msg.Status = StatusRead
	if err := store.SaveJSON(path, msg, 0o644); err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	return msg, nil
}

// Archive moves an inbox message into the archived box.
func (s *Store) Archive(name, id string) (*Message, error) {
	lock := s.recipientLock(name)
	lock.Lock()
	defer lock.Unlock()

	src := s.messagePath(BoxInbox, name, id)
	msg, err := s.load(src)
	if err != nil {
		return nil, err
	}
	msg.Status = StatusArchived
	if err := store.SaveJSON(s.messagePath(BoxArchived, name, id), msg, 0o644); err != nil {
		return nil, fmt.Errorf("archive message: %w", err)
	}
	if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove inbox copy: %w", err)
	}
	return msg, nil
}

// Delete removes a message from a box. Deleting an absent id returns
// ErrNotFound.
func (s *Store) Delete(box, name, id string) error {
	lock := s.recipientLock(name)
	lock.Lock()
	defer lock.Unlock()

	err := os.Remove(s.messagePath(box, name, id))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// UnreadCount reports how many inbox messages are still unread.
func (s *Store) UnreadCount(name string) (int, error) {
	msgs, err := s.readBox(BoxInbox, name)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range msgs {
		if m.Status == StatusUnread {
			n++
		}
	}
	return n, nil
}

// SentCount reports how many messages the agent has sent.
func (s *Store) SentCount(name string) (int, error) {
	msgs, err := s.readBox(BoxSent, name)
	if err != nil {
		return 0, err
	}
	return len(msgs), nil
}

// Stats are the per-box message counts for one agent.
type Stats struct {
	Inbox    int `json:"inbox"`
	Unread   int `json:"unread"`
	Sent     int `json:"sent"`
	Archived int `json:"archived"`
}

// AgentStats counts messages across the agent's boxes.
func (s *Store) AgentStats(name string) (*Stats, error) {
	st := &Stats{}

	inbox, err := s.readBox(BoxInbox, name)
	if err != nil {
		return nil, err
	}
	st.Inbox = len(inbox)
	for _, m := range inbox {
		if m.Status == StatusUnread {
			st.Unread++
		}
	}

	sent, err := s.readBox(BoxSent, name)
	if err != nil {
		return nil, err
	}
	st.Sent = len(sent)

	archived, err := s.readBox(BoxArchived, name)
	if err != nil {
		return nil, err
	}
	st.Archived = len(archived)
	return st, nil
}

// AgentsWithMail lists every agent name that has at least one box on disk.
func (s *Store) AgentsWithMail() ([]string, error) {
	seen := make(map[string]bool)
	for _, box := range []string{BoxInbox, BoxSent, BoxArchived} {
		dirs, err := filepath.Glob(filepath.Join(s.dataDir, "messages", box, "*"))
		if err != nil {
			return nil, fmt.Errorf("list %s root: %w", box, err)
		}
		for _, d := range dirs {
			info, err := os.Stat(d)
			if err != nil || !info.IsDir() {
				continue
			}
			seen[filepath.Base(d)] = true
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// WipeAgent removes all three boxes of an agent name. Used on hard delete.
func (s *Store) WipeAgent(name string) error {
	lock := s.recipientLock(name)
	lock.Lock()
	defer lock.Unlock()

	for _, box := range []string{BoxInbox, BoxSent, BoxArchived} {
		if err := os.RemoveAll(s.boxDir(box, name)); err != nil {
			return fmt.Errorf("wipe %s box: %w", box, err)
		}
	}
	return nil
}

func summarize(m *Message, previewLen int) Summary {
	return Summary{
		ID:                 m.ID,
		From:               m.From,
		To:                 m.To,
		Subject:            m.Subject,
		Preview:            truncate(m.Content.Message, previewLen),
		Status:             m.Status,
		Priority:           m.Priority,
		Type:               m.Content.Type,
		Timestamp:          m.Timestamp,
		ThreadID:           m.ThreadID,
		InReplyTo:          m.InReplyTo,
		DeliveredVia:       m.DeliveredVia,
		SenderPublicKeyHex: m.SenderPublicKeyHex,
		SignatureVerified:  m.SignatureVerified,
	}
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
