// Package fleet assembles the cross-host agent view: the local registry
// plus every enabled peer, fetched concurrently with per-peer fallback to
// the last cached listing. The first call paints fast from local data
// while the peer fetches warm the cache in the background.
package fleet

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aimaestro/maestro/internal/hosts"
	"github.com/aimaestro/maestro/internal/registry"
)

// newlyRegisteredWindow is how recently an agent must have been created to
// count as newly registered in the stats.
const newlyRegisteredWindow = 24 * time.Hour

// LocalLister is the slice of the registry the aggregator reads.
type LocalLister interface {
	ListAgents() ([]*registry.Agent, error)
}

// HostDirectory is the slice of the hosts store the aggregator reads.
type HostDirectory interface {
	GetSelfHost() (*hosts.Host, error)
	EnabledPeers() ([]hosts.Host, error)
}

// Config tunes the aggregator. Zero values select the defaults.
type Config struct {
	SelfTimeout time.Duration // local registry read, default 8 s
	PeerTimeout time.Duration // each peer fetch, default 3 s
}

func (c *Config) setDefaults() {
	if c.SelfTimeout <= 0 {
		c.SelfTimeout = 8 * time.Second
	}
	if c.PeerTimeout <= 0 {
		c.PeerTimeout = 3 * time.Second
	}
}

// FleetAgent is one merged row: the agent record stamped with where it
// lives. HostURL stays empty for local agents so clients use relative URLs.
type FleetAgent struct {
	*registry.Agent
	HostName string `json:"hostName,omitempty"`
	HostURL  string `json:"hostUrl,omitempty"`
	Online   bool   `json:"online"`
	Cached   bool   `json:"cached,omitempty"`
}

// Stats summarizes one fleet view in a single pass.
type Stats struct {
	Total           int `json:"total"`
	Online          int `json:"online"`
	Offline         int `json:"offline"`
	Orphans         int `json:"orphans"`
	Cached          int `json:"cached"`
	NewlyRegistered int `json:"newlyRegistered"`
}

// View is the assembled fleet: filtered, sorted, counted. Partial marks the
// first-paint response that only covers the local host.
type View struct {
	Agents  []FleetAgent `json:"agents"`
	Stats   Stats        `json:"stats"`
	Partial bool         `json:"partial,omitempty"`
}

// Aggregator merges local and peer agent listings.
type Aggregator struct {
	local LocalLister
	hosts HostDirectory
	peers registry.PeerAgentLister
	cache *Cache
	cfg   Config
	log   *zap.Logger

	firstLoad atomic.Bool
}

// New wires an aggregator. cache may be nil; peer failures then produce
// holes instead of stale data.
func New(local LocalLister, dir HostDirectory, peers registry.PeerAgentLister, cache *Cache, cfg Config, log *zap.Logger) *Aggregator {
	cfg.setDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Aggregator{
		local: local,
		hosts: dir,
		peers: peers,
		cache: cache,
		cfg:   cfg,
		log:   log,
	}
}

// LoadAllAgents returns the merged fleet view. The very first call returns
// as soon as the local registry answers, with the peer fetches continuing
// into the cache; every later call waits for all hosts.
func (f *Aggregator) LoadAllAgents(ctx context.Context) (*View, error) {
	selfRows, err := f.selfAgents(ctx)
	if err != nil {
		return nil, err
	}

	if f.firstLoad.CompareAndSwap(false, true) {
		go f.warmPeerCache()
		view := f.assemble(selfRows)
		view.Partial = true
		return view, nil
	}

	rows := append(selfRows, f.peerAgents(ctx)...)
	return f.assemble(rows), nil
}

// selfAgents reads the local registry, stamped with the self host identity.
func (f *Aggregator) selfAgents(ctx context.Context) ([]FleetAgent, error) {
	self, err := f.hosts.GetSelfHost()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.SelfTimeout)
	defer cancel()

	type result struct {
		agents []*registry.Agent
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		agents, err := f.local.ListAgents()
		ch <- result{agents, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		rows := make([]FleetAgent, 0, len(r.agents))
		for _, a := range r.agents {
			a.HostID = self.ID
			rows = append(rows, FleetAgent{
				Agent:    a,
				HostName: self.Name,
				Online:   a.IsOnline(),
			})
		}
		return rows, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// peerAgents fans out to every enabled peer. A failed fetch falls back to
// the cached listing for that peer; a peer with neither contributes nothing.
func (f *Aggregator) peerAgents(ctx context.Context) []FleetAgent {
	peers, err := f.hosts.EnabledPeers()
	if err != nil {
		f.log.Warn("peer list", zap.Error(err))
		return nil
	}

	var mu sync.Mutex
	var rows []FleetAgent
	g := new(errgroup.Group)
	g.SetLimit(8)

	for _, peer := range peers {
		peer := peer
		g.Go(func() error {
			fetched := f.fetchPeer(ctx, peer)
			mu.Lock()
			rows = append(rows, fetched...)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	if f.cache != nil {
		keep := make(map[string]bool, len(peers))
		for _, p := range peers {
			keep[p.ID] = true
		}
		if err := f.cache.Prune(keep); err != nil {
			f.log.Warn("cache prune", zap.Error(err))
		}
	}
	return rows
}

func (f *Aggregator) fetchPeer(ctx context.Context, h hosts.Host) []FleetAgent {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.PeerTimeout)
	defer cancel()

	agents, err := f.peers.AgentsOn(ctx, h)
	if err == nil {
		if f.cache != nil {
			if cerr := f.cache.Put(h.ID, agents); cerr != nil {
				f.log.Warn("cache write", zap.String("host_id", h.ID), zap.Error(cerr))
			}
		}
		return stampRemote(h, agents, false)
	}

	f.log.Warn("peer agent fetch failed",
		zap.String("host_id", h.ID),
		zap.Error(err))
	if f.cache == nil {
		return nil
	}
	cached, fetchedAt, ok := f.cache.Get(h.ID)
	if !ok {
		return nil
	}
	f.log.Info("serving cached agent list",
		zap.String("host_id", h.ID),
		zap.Duration("age", time.Since(fetchedAt)))
	return stampRemote(h, cached, true)
}

func stampRemote(h hosts.Host, agents []*registry.Agent, cached bool) []FleetAgent {
	rows := make([]FleetAgent, 0, len(agents))
	for _, a := range agents {
		a.HostID = h.ID
		rows = append(rows, FleetAgent{
			Agent:    a,
			HostName: h.Name,
			HostURL:  h.URL,
			Online:   a.IsOnline(),
			Cached:   cached,
		})
	}
	return rows
}

// assemble filters system agents out, sorts online-first then by name, and
// computes the stats in the same pass as the filter.
func (f *Aggregator) assemble(rows []FleetAgent) *View {
	view := &View{Agents: make([]FleetAgent, 0, len(rows))}
	cutoff := time.Now().Add(-newlyRegisteredWindow)

	for _, row := range rows {
		if row.IsSystem() {
			continue
		}
		view.Stats.Total++
		if row.Online {
			view.Stats.Online++
		} else {
			view.Stats.Offline++
		}
		if len(row.Sessions) == 0 {
			view.Stats.Orphans++
		}
		if row.Cached {
			view.Stats.Cached++
		}
		if row.CreatedAt.After(cutoff) {
			view.Stats.NewlyRegistered++
		}
		view.Agents = append(view.Agents, row)
	}

	sort.SliceStable(view.Agents, func(i, j int) bool {
		if view.Agents[i].Online != view.Agents[j].Online {
			return view.Agents[i].Online
		}
		return strings.ToLower(view.Agents[i].Name) < strings.ToLower(view.Agents[j].Name)
	})
	return view
}

// warmPeerCache runs the peer fan-out purely for its cache writes.
func (f *Aggregator) warmPeerCache() {
	rows := f.peerAgents(context.Background())
	f.log.Info("fleet cache warmed", zap.Int("peer_agents", len(rows)))
}
