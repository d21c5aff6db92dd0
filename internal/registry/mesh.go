package registry

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aimaestro/maestro/internal/hosts"
)

// PeerLister is the subset of the hosts store the mesh checker needs.
type PeerLister interface {
	EnabledPeers() ([]hosts.Host, error)
}

// PeerAgentLister fetches the agent list of one remote host. The fleet
// aggregator implements it.
type PeerAgentLister interface {
	AgentsOn(ctx context.Context, h hosts.Host) ([]*Agent, error)
}

// MeshHit names the peer on which an agent name was found.
type MeshHit struct {
	Host  hosts.Host
	Agent *Agent
}

// MeshChecker answers whether an agent name exists anywhere in the mesh by
// querying all enabled peers concurrently; the first hit wins.
type MeshChecker struct {
	peers PeerLister
	fetch PeerAgentLister
	log   *zap.Logger
}

// NewMeshChecker wires a checker from the hosts store and a peer fetcher.
func NewMeshChecker(peers PeerLister, fetch PeerAgentLister, log *zap.Logger) *MeshChecker {
	if log == nil {
		log = zap.NewNop()
	}
	return &MeshChecker{peers: peers, fetch: fetch, log: log}
}

// CheckMeshAgentExists returns the first peer claiming the name, or nil when
// no reachable peer has it within the timeout. Peer errors are logged and
// treated as "not here".
func (c *MeshChecker) CheckMeshAgentExists(ctx context.Context, name string, timeout time.Duration) (*MeshHit, error) {
	peers, err := c.peers.EnabledPeers()
	if err != nil {
		return nil, err
	}
	if len(peers) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hitCh := make(chan *MeshHit, 1)
	var wg sync.WaitGroup
	for _, peer := range peers {
		wg.Add(1)
		go func(h hosts.Host) {
			defer wg.Done()
			agents, err := c.fetch.AgentsOn(ctx, h)
			if err != nil {
				c.log.Debug("mesh existence probe failed",
					zap.String("host_id", h.ID), zap.Error(err))
				return
			}
			for _, a := range agents {
				if strings.EqualFold(a.Name, name) {
					select {
					case hitCh <- &MeshHit{Host: h, Agent: a}:
						cancel()
					default:
					}
					return
				}
			}
		}(peer)
	}

	go func() {
		wg.Wait()
		close(hitCh)
	}()

	if hit, ok := <-hitCh; ok {
		return hit, nil
	}
	return nil, nil
}
