package mesh

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const (
	propagationDir = "propagation"

	// propagationCacheSize bounds the in-memory tier; the disk tier is
	// bounded separately by propagationMaxFiles.
	propagationCacheSize = 2048
	propagationMaxFiles  = 2048

	propagationGCInterval = time.Hour
)

// NewPropagationID mints the id one registration carries across all hops.
func NewPropagationID() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "prop_" + hex.EncodeToString([]byte(time.Now().Format("150405.000")))
	}
	return "prop_" + hex.EncodeToString(buf)
}

// propagationGuard remembers which propagation ids this host has processed.
// The LRU answers the hot path; the disk records survive a restart so a
// replay inside the TTL still suppresses.
type propagationGuard struct {
	dir   string
	ttl   time.Duration
	log   *zap.Logger
	cache *lru.Cache[string, time.Time]

	mu     sync.Mutex
	lastGC time.Time
}

func newPropagationGuard(dataDir string, ttl time.Duration, log *zap.Logger) *propagationGuard {
	cache, _ := lru.New[string, time.Time](propagationCacheSize)
	return &propagationGuard{
		dir:   filepath.Join(dataDir, propagationDir),
		ttl:   ttl,
		log:   log,
		cache: cache,
	}
}

func (g *propagationGuard) path(id string) string {
	return filepath.Join(g.dir, base64.RawURLEncoding.EncodeToString([]byte(id))+".json")
}

// Seen reports whether id was processed within the TTL.
func (g *propagationGuard) Seen(id string) bool {
	if id == "" {
		return false
	}
	if at, ok := g.cache.Get(id); ok && time.Since(at) < g.ttl {
		return true
	}
	info, err := os.Stat(g.path(id))
	if err != nil {
		return false
	}
	if time.Since(info.ModTime()) >= g.ttl {
		return false
	}
	g.cache.Add(id, info.ModTime())
	return true
}

// Record marks id as processed in both tiers.
func (g *propagationGuard) Record(id string) {
	if id == "" {
		return
	}
	now := time.Now()
	g.cache.Add(id, now)

	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		g.log.Warn("propagation dir", zap.Error(err))
		return
	}
	record, _ := json.Marshal(map[string]string{
		"id":         id,
		"recordedAt": now.UTC().Format(time.RFC3339Nano),
	})
	if err := os.WriteFile(g.path(id), record, 0o644); err != nil {
		g.log.Warn("propagation record", zap.String("id", id), zap.Error(err))
		return
	}
	g.maybeGC(now)
}

// maybeGC sweeps expired disk records at most once per interval and trims
// the directory to propagationMaxFiles, oldest first.
func (g *propagationGuard) maybeGC(now time.Time) {
	g.mu.Lock()
	due := now.Sub(g.lastGC) >= propagationGCInterval
	if due {
		g.lastGC = now
	}
	g.mu.Unlock()
	if !due {
		return
	}

	entries, err := os.ReadDir(g.dir)
	if err != nil {
		return
	}

	type aged struct {
		name string
		mod  time.Time
	}
	var live []aged
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) >= g.ttl {
			if os.Remove(filepath.Join(g.dir, e.Name())) == nil {
				removed++
			}
			continue
		}
		live = append(live, aged{name: e.Name(), mod: info.ModTime()})
	}

	if len(live) > propagationMaxFiles {
		sort.Slice(live, func(i, j int) bool { return live[i].mod.Before(live[j].mod) })
		for _, f := range live[:len(live)-propagationMaxFiles] {
			if os.Remove(filepath.Join(g.dir, f.name)) == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		g.log.Debug("propagation records swept", zap.Int("removed", removed))
	}
}
