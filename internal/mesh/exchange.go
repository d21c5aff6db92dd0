package mesh

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/aimaestro/maestro/internal/hosts"
)

// ExchangePeersRequest carries one peer's view of the mesh.
type ExchangePeersRequest struct {
	FromHost      HostInfo   `json:"fromHost"`
	KnownHosts    []HostInfo `json:"knownHosts"`
	Organization  *OrgStamp  `json:"organization,omitempty"`
	PropagationID string     `json:"propagationId,omitempty"`
}

// ExchangePeersResponse sorts the offered hosts into what happened to each.
type ExchangePeersResponse struct {
	NewlyAdded   []string `json:"newlyAdded"`
	AlreadyKnown []string `json:"alreadyKnown"`
	Unreachable  []string `json:"unreachable"`
}

// ExchangePeers handles an inbound host-list swap. Unknown hosts are probed
// concurrently and only reachable ones join the store.
func (s *Service) ExchangePeers(ctx context.Context, req ExchangePeersRequest) (*ExchangePeersResponse, error) {
	if req.FromHost.ID == "" {
		return nil, hosts.ErrValidation{Msg: "fromHost.id is required"}
	}

	resp := &ExchangePeersResponse{
		NewlyAdded:   []string{},
		AlreadyKnown: []string{},
		Unreachable:  []string{},
	}
	if s.guard.Seen(req.PropagationID) {
		s.log.Debug("exchange already processed",
			zap.String("propagation_id", req.PropagationID),
			zap.String("from", req.FromHost.ID))
		return resp, nil
	}

	if err := s.adoptOrganization(req.Organization, req.FromHost.ID); err != nil {
		return nil, err
	}

	// Partition first under no lock contention, then probe the unknowns.
	var candidates []HostInfo
	for _, cand := range req.KnownHosts {
		if cand.ID == "" || cand.URL == "" {
			continue
		}
		if cand.ID == req.FromHost.ID {
			continue
		}
		selfMatch, err := s.overlapsSelf(cand)
		if err != nil {
			return nil, err
		}
		if selfMatch {
			continue
		}
		if s.knownByAnyIdentifier(cand) {
			resp.AlreadyKnown = append(resp.AlreadyKnown, cand.ID)
			continue
		}
		candidates = append(candidates, cand)
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, 10)

	for _, cand := range candidates {
		wg.Add(1)
		go func(c HostInfo) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			alive := s.probeAlive(ctx, c.URL)
			mu.Lock()
			defer mu.Unlock()
			if !alive {
				resp.Unreachable = append(resp.Unreachable, c.ID)
				s.emit("peer.unreachable", map[string]any{"hostId": c.ID, "url": c.URL})
				return
			}
			added, err := s.hosts.AddHost(c.asHost(req.FromHost.ID))
			if err != nil {
				s.log.Warn("exchanged host rejected", zap.String("host_id", c.ID), zap.Error(err))
				resp.Unreachable = append(resp.Unreachable, c.ID)
				return
			}
			if !added {
				resp.AlreadyKnown = append(resp.AlreadyKnown, c.ID)
				return
			}
			resp.NewlyAdded = append(resp.NewlyAdded, c.ID)
			s.emit("peer.registered", map[string]any{
				"hostId": c.ID, "name": c.Name, "url": c.URL, "via": req.FromHost.ID,
			})
			s.record("peer.join", c.ID, c.URL, map[string]any{"via": req.FromHost.ID})
		}(cand)
	}
	wg.Wait()

	s.guard.Record(req.PropagationID)

	sort.Strings(resp.NewlyAdded)
	sort.Strings(resp.AlreadyKnown)
	sort.Strings(resp.Unreachable)

	s.log.Info("peer exchange processed",
		zap.String("from", req.FromHost.ID),
		zap.Int("offered", len(req.KnownHosts)),
		zap.Int("newly_added", len(resp.NewlyAdded)),
		zap.Int("unreachable", len(resp.Unreachable)))
	return resp, nil
}
