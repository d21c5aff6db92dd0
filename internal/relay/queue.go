// Package relay implements the store-and-forward queue for agents that are
// offline or whose host cannot be reached. Entries live under
// relay/<agentId>/ as one JSON file per envelope and survive restarts;
// delivery is at-least-once, so a message stays queued until the recipient
// acknowledges it.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aimaestro/maestro/internal/store"
	"github.com/aimaestro/maestro/pkg/amp"
)

const (
	// DefaultTTL is how long a queued entry survives before expiry cleanup.
	DefaultTTL = 7 * 24 * time.Hour

	// MaxBatch caps both listing and batch acknowledgement sizes.
	MaxBatch = 100

	// cleanupInterval is the minimum spacing between lazy expiry sweeps.
	cleanupInterval = time.Hour
)

// ErrBatchTooLarge is returned when a batch acknowledgement names more than
// MaxBatch ids.
var ErrBatchTooLarge = errors.New("relay: batch exceeds maximum size")

// Entry is one queued message awaiting pickup.
//
// Payload keeps the sender's exact serialization so the recipient can still
// verify the envelope signature, which covers a digest of those bytes.
type Entry struct {
	AgentID            string          `json:"agentId"`
	Envelope           amp.Envelope    `json:"envelope"`
	Payload            json.RawMessage `json:"payload"`
	SenderPublicKeyHex string          `json:"senderPublicKeyHex,omitempty"`
	QueuedAt           time.Time       `json:"queuedAt"`
	ExpiresAt          time.Time       `json:"expiresAt"`
}

// Queue is the per-agent persistent FIFO. All mutation of one agent's
// directory happens under that agent's mutex.
type Queue struct {
	dataDir string
	log     *zap.Logger
	ttl     time.Duration

	mu          sync.Mutex
	locks       map[string]*sync.Mutex
	lastCleanup time.Time
}

// NewQueue returns a Queue rooted at dataDir with the default TTL.
func NewQueue(dataDir string, log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{
		dataDir: dataDir,
		log:     log,
		ttl:     DefaultTTL,
		locks:   make(map[string]*sync.Mutex),
	}
}

// SetTTL overrides the entry lifetime. Zero or negative keeps the default.
func (q *Queue) SetTTL(d time.Duration) {
	if d > 0 {
		q.ttl = d
	}
}

func (q *Queue) agentDir(agentID string) string {
	return filepath.Join(q.dataDir, "relay", store.SafeName(agentID))
}

func (q *Queue) entryPath(agentID, messageID string) string {
	return filepath.Join(q.agentDir(agentID), store.SafeName(messageID)+".json")
}

func (q *Queue) agentLock(agentID string) *sync.Mutex {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.locks[agentID]
	if !ok {
		m = &sync.Mutex{}
		q.locks[agentID] = m
	}
	return m
}

// QueueMessage appends an entry for the agent with the queue's TTL.
func (q *Queue) QueueMessage(agentID string, env amp.Envelope, payload json.RawMessage, senderPubKeyHex string) (*Entry, error) {
	lock := q.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()
	entry := &Entry{
		AgentID:            agentID,
		Envelope:           env,
		Payload:            payload,
		SenderPublicKeyHex: senderPubKeyHex,
		QueuedAt:           now,
		ExpiresAt:          now.Add(q.ttl),
	}
	if err := store.SaveJSON(q.entryPath(agentID, env.ID), entry, 0o644); err != nil {
		return nil, fmt.Errorf("queue relay entry: %w", err)
	}
	q.log.Debug("message queued for relay",
		zap.String("agent_id", agentID),
		zap.String("message_id", env.ID))
	return entry, nil
}

// GetPendingMessages returns up to limit oldest entries without removing
// them. One call never returns more than MaxBatch (100) entries: zero or
// negative limits select a full batch, larger limits are clamped down.
// Callers drain a deep queue by acknowledging and calling again. An hourly
// expiry sweep runs first.
func (q *Queue) GetPendingMessages(agentID string, limit int) ([]*Entry, error) {
	q.maybeCleanup()

	if limit <= 0 || limit > MaxBatch {
		limit = MaxBatch
	}

	lock := q.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	entries, err := q.readAllLocked(agentID)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].QueuedAt.Equal(entries[j].QueuedAt) {
			return entries[i].Envelope.ID < entries[j].Envelope.ID
		}
		return entries[i].QueuedAt.Before(entries[j].QueuedAt)
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// PendingCount reports how many live entries the agent has queued.
func (q *Queue) PendingCount(agentID string) (int, error) {
	lock := q.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	entries, err := q.readAllLocked(agentID)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// readAllLocked loads every live entry in the agent's directory. Expired
// entries are skipped but left for the sweep; unreadable files are skipped
// with a warning.
func (q *Queue) readAllLocked(agentID string) ([]*Entry, error) {
	paths, err := filepath.Glob(filepath.Join(q.agentDir(agentID), "*.json"))
	if err != nil {
		return nil, fmt.Errorf("list relay dir: %w", err)
	}

	now := time.Now()
	var entries []*Entry
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			q.log.Warn("skipping unreadable relay entry", zap.String("path", p), zap.Error(err))
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			q.log.Warn("skipping corrupt relay entry", zap.String("path", p), zap.Error(err))
			continue
		}
		if now.After(e.ExpiresAt) {
			continue
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

// AcknowledgeMessage removes one entry and returns it so the caller can move
// it into the message store. A duplicate acknowledgement is a no-op and
// returns nil.
func (q *Queue) AcknowledgeMessage(agentID, messageID string) (*Entry, error) {
	lock := q.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()
	return q.ackLocked(agentID, messageID)
}

// AcknowledgeMessages removes up to MaxBatch entries by id and returns the
// ones that were still queued.
func (q *Queue) AcknowledgeMessages(agentID string, messageIDs []string) ([]*Entry, error) {
	if len(messageIDs) > MaxBatch {
		return nil, fmt.Errorf("%w: %d ids", ErrBatchTooLarge, len(messageIDs))
	}

	lock := q.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	var acked []*Entry
	for _, id := range messageIDs {
		e, err := q.ackLocked(agentID, id)
		if err != nil {
			return acked, err
		}
		if e != nil {
			acked = append(acked, e)
		}
	}
	return acked, nil
}

func (q *Queue) ackLocked(agentID, messageID string) (*Entry, error) {
	path := q.entryPath(agentID, messageID)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read relay entry: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove relay entry: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		q.log.Warn("acknowledged corrupt relay entry", zap.String("path", path), zap.Error(err))
		return nil, nil
	}
	q.log.Debug("relay entry acknowledged",
		zap.String("agent_id", agentID),
		zap.String("message_id", messageID))
	return &e, nil
}

// CleanupAllExpired removes every expired entry across all agents and
// returns how many were dropped.
func (q *Queue) CleanupAllExpired() (int, error) {
	dirs, err := filepath.Glob(filepath.Join(q.dataDir, "relay", "*"))
	if err != nil {
		return 0, fmt.Errorf("list relay root: %w", err)
	}

	now := time.Now()
	removed := 0
	for _, dir := range dirs {
		agentID := filepath.Base(dir)
		lock := q.agentLock(agentID)
		lock.Lock()
		paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
		if err != nil {
			lock.Unlock()
			return removed, fmt.Errorf("list relay dir: %w", err)
		}
		for _, p := range paths {
			data, err := os.ReadFile(p)
			if err != nil {
				continue
			}
			var e Entry
			if err := json.Unmarshal(data, &e); err != nil {
				continue
			}
			if now.After(e.ExpiresAt) {
				if err := os.Remove(p); err == nil {
					removed++
				}
			}
		}
		lock.Unlock()
	}
	return removed, nil
}

// PurgeAgent drops the agent's whole queue directory. Used when an agent is
// hard-deleted.
func (q *Queue) PurgeAgent(agentID string) error {
	lock := q.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()
	if err := os.RemoveAll(q.agentDir(agentID)); err != nil {
		return fmt.Errorf("purge relay dir: %w", err)
	}
	return nil
}

// maybeCleanup runs the expiry sweep when the last one is at least an hour
// old. Listing calls it so expiry needs no dedicated timer.
func (q *Queue) maybeCleanup() {
	q.mu.Lock()
	due := time.Since(q.lastCleanup) >= cleanupInterval
	if due {
		q.lastCleanup = time.Now()
	}
	q.mu.Unlock()
	if !due {
		return
	}

	n, err := q.CleanupAllExpired()
	if err != nil {
		q.log.Warn("relay expiry sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		q.log.Info("expired relay entries removed", zap.Int("count", n))
	}
}
