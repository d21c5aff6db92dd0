// Package audit keeps an append-only, hash-chained action log. Every
// security-relevant change (agent registration, key revocation, peer
// joins) lands here as one JSONL entry whose hash chains to the
// previous one, so tampering with history is detectable by Verify.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

const auditFile = "audit.log"

// GenesisHash anchors the chain. The genesis entry carries it verbatim;
// every later hash chains from it.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is one audit record.
//
// Detail must hold JSON-native values only (strings, numbers, bools,
// arrays, maps): Verify re-marshals the decoded map, so anything that
// does not survive a JSON round-trip byte for byte breaks the chain.
type Entry struct {
	Seq      int            `json:"seq"`
	At       time.Time      `json:"at"`
	Action   string         `json:"action"`
	Actor    string         `json:"actor"`
	Subject  string         `json:"subject,omitempty"`
	Detail   map[string]any `json:"detail,omitempty"`
	PrevHash string         `json:"prevHash"`
	Hash     string         `json:"hash"`
}

// hashEntry computes the chained hash over an entry's fields. Never
// called for the genesis entry.
func hashEntry(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|%s|%s",
		e.Seq, e.At.Format(time.RFC3339Nano),
		e.Action, e.Actor, e.Subject, detailHash(e.Detail), e.PrevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// detailHash returns the hex SHA-256 of the detail map's JSON form.
func detailHash(detail map[string]any) string {
	raw, err := json.Marshal(detail)
	if err != nil {
		raw = []byte("null")
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Log is the durable audit chain. Safe for concurrent use.
type Log struct {
	path string
	log  *zap.Logger

	mu  sync.Mutex
	seq int    // last written seq
	tip string // hash of the last entry
}

// Open loads or creates the audit log under dataDir. A fresh log gets a
// genesis entry; an existing one is scanned to recover the chain tip.
func Open(dataDir string, log *zap.Logger) (*Log, error) {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Log{path: filepath.Join(dataDir, auditFile), log: log}

	entries, err := l.readAll()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		genesis := Entry{
			Seq:      0,
			At:       time.Now().UTC(),
			Action:   "genesis",
			Actor:    "maestro",
			PrevHash: GenesisHash,
			Hash:     GenesisHash,
		}
		if err := l.writeLine(&genesis); err != nil {
			return nil, err
		}
		l.seq = 0
		l.tip = GenesisHash
		return l, nil
	}

	last := entries[len(entries)-1]
	l.seq = last.Seq
	l.tip = last.Hash
	return l, nil
}

// Append writes one chained entry and returns it.
func (l *Log) Append(action, actor, subject string, detail map[string]any) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := &Entry{
		Seq:      l.seq + 1,
		At:       time.Now().UTC(),
		Action:   action,
		Actor:    actor,
		Subject:  subject,
		Detail:   detail,
		PrevHash: l.tip,
	}
	entry.Hash = hashEntry(entry)

	if err := l.writeLine(entry); err != nil {
		return nil, err
	}
	l.seq = entry.Seq
	l.tip = entry.Hash
	return entry, nil
}

// Record appends an entry and only logs on failure. It satisfies the
// auditor seams of the router and the mesh, which cannot surface an
// audit error to their callers.
func (l *Log) Record(action, actor, subject string, detail map[string]any) {
	if _, err := l.Append(action, actor, subject, detail); err != nil {
		l.log.Error("append audit entry",
			zap.String("action", action),
			zap.String("actor", actor),
			zap.Error(err))
	}
}

// Entries returns up to limit entries from the end of the log, oldest
// first. limit <= 0 returns everything.
func (l *Log) Entries(limit int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries, err := l.readAll()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// Verify walks the whole chain and checks every link. It returns nil
// when the log is intact.
func (l *Log) Verify() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.readAll()
	if err != nil {
		return err
	}
	for i := range entries {
		curr := &entries[i]
		if i == 0 {
			if curr.Seq != 0 || curr.Hash != GenesisHash {
				return fmt.Errorf("genesis entry has wrong hash: got %q", curr.Hash)
			}
			continue
		}
		prev := &entries[i-1]
		if curr.Seq != prev.Seq+1 {
			return fmt.Errorf("sequence gap at entry %d", curr.Seq)
		}
		if curr.PrevHash != prev.Hash {
			return fmt.Errorf("hash chain broken at entry %d", curr.Seq)
		}
		if curr.Hash != hashEntry(curr) {
			return fmt.Errorf("entry %d has invalid hash", curr.Seq)
		}
	}
	return nil
}

func (l *Log) readAll() ([]Entry, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("parse audit log line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	return entries, nil
}

func (l *Log) writeLine(e *Entry) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}
