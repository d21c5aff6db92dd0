package fleet

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/aimaestro/maestro/internal/registry"
)

var bucketPeerAgents = []byte("peer_agents")

// maxCachedAgentsPerPeer bounds each cache entry; a peer listing larger
// than this is truncated before it is stored.
const maxCachedAgentsPerPeer = 500

type cacheEntry struct {
	FetchedAt time.Time         `json:"fetchedAt"`
	Agents    []*registry.Agent `json:"agents"`
}

// Cache holds the last successful agent listing per peer so the fleet view
// degrades to stale data instead of holes when a peer is down.
type Cache struct {
	db *bolt.DB
}

// OpenCache creates or opens the fallback database at the given path.
func OpenCache(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("cache dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open fleet cache: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPeerAgents)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Put replaces the cached listing for one peer.
func (c *Cache) Put(hostID string, agents []*registry.Agent) error {
	if len(agents) > maxCachedAgentsPerPeer {
		agents = agents[:maxCachedAgentsPerPeer]
	}
	data, err := json.Marshal(cacheEntry{FetchedAt: time.Now().UTC(), Agents: agents})
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeerAgents).Put([]byte(hostID), data)
	})
}

// Get returns the cached listing for one peer and when it was fetched.
func (c *Cache) Get(hostID string) ([]*registry.Agent, time.Time, bool) {
	var entry cacheEntry
	found := false
	_ = c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketPeerAgents).Get([]byte(hostID))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &entry); err != nil {
			return nil
		}
		found = true
		return nil
	})
	if !found {
		return nil, time.Time{}, false
	}
	return entry.Agents, entry.FetchedAt, true
}

// Prune drops entries for peers that are no longer part of the mesh.
func (c *Cache) Prune(keep map[string]bool) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPeerAgents)
		var stale [][]byte
		err := b.ForEach(func(k, _ []byte) error {
			if !keep[string(k)] {
				key := make([]byte, len(k))
				copy(key, k)
				stale = append(stale, key)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
