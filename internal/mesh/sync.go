package mesh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/aimaestro/maestro/internal/hosts"
)

// SyncFailure names one peer the sync could not complete with.
type SyncFailure struct {
	HostID string `json:"hostId"`
	Error  string `json:"error"`
}

// SyncResult summarizes a full mesh sync.
type SyncResult struct {
	Synced []string      `json:"synced"`
	Failed []SyncFailure `json:"failed"`
}

// SyncAll re-announces this host to every enabled peer and swaps host
// lists with each. Peers run concurrently; one slow or dead peer never
// blocks the rest.
func (s *Service) SyncAll(ctx context.Context) (*SyncResult, error) {
	self, err := s.hosts.GetSelfHost()
	if err != nil {
		return nil, err
	}
	org, err := s.hosts.GetOrganization()
	if err != nil {
		return nil, err
	}
	peers, err := s.hosts.EnabledPeers()
	if err != nil {
		return nil, err
	}

	result := &SyncResult{Synced: []string{}, Failed: []SyncFailure{}}
	if len(peers) == 0 {
		return result, nil
	}

	// Recording the id before the first request makes any echo of our
	// own announcement die at the door.
	pid := NewPropagationID()
	s.guard.Record(pid)

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, 10)

	for _, peer := range peers {
		wg.Add(1)
		go func(p hosts.Host) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			err := s.syncPeer(ctx, self, org, p, pid)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed = append(result.Failed, SyncFailure{HostID: p.ID, Error: err.Error()})
				return
			}
			result.Synced = append(result.Synced, p.ID)
		}(peer)
	}
	wg.Wait()

	sort.Strings(result.Synced)
	sort.Slice(result.Failed, func(i, j int) bool { return result.Failed[i].HostID < result.Failed[j].HostID })

	s.log.Info("mesh sync finished",
		zap.Int("synced", len(result.Synced)),
		zap.Int("failed", len(result.Failed)))
	return result, nil
}

// syncPeer runs the two legs against one peer: announce ourselves, then
// exchange host lists. The announce leg decides success; the exchange leg
// is enrichment and only logs on failure.
func (s *Service) syncPeer(ctx context.Context, self *hosts.Host, org *hosts.Organization, peer hosts.Host, pid string) error {
	announce := RegisterPeerRequest{
		Host:         infoOf(*self),
		Source:       &Source{Initiator: self.ID, PropagationDepth: 0, PropagationID: pid},
		Organization: orgStampOf(org),
	}
	var reg RegisterPeerResponse
	if _, err := s.postJSON(ctx, peer.URL+"/api/hosts/register-peer", announce, &reg); err != nil {
		return fmt.Errorf("register with %s: %w", peer.ID, err)
	}

	if err := s.adoptOrganization(reg.Organization, peer.ID); err != nil {
		return err
	}
	if err := s.hosts.MarkSynced(peer.ID, "manual-sync"); err != nil {
		s.log.Warn("mark synced", zap.String("host_id", peer.ID), zap.Error(err))
	}
	s.ingestGossip(ctx, peer.ID, reg.KnownHosts)

	share, err := s.shareableHosts(peer.ID)
	if err != nil {
		return err
	}
	exchange := ExchangePeersRequest{
		FromHost:      infoOf(*self),
		KnownHosts:    share,
		Organization:  orgStampOf(org),
		PropagationID: NewPropagationID(),
	}
	var ex ExchangePeersResponse
	if _, err := s.postJSON(ctx, peer.URL+"/api/hosts/exchange-peers", exchange, &ex); err != nil {
		s.log.Warn("peer exchange failed",
			zap.String("host_id", peer.ID),
			zap.Error(err))
		return nil
	}
	s.log.Debug("peer exchange",
		zap.String("host_id", peer.ID),
		zap.Int("newly_added", len(ex.NewlyAdded)),
		zap.Int("already_known", len(ex.AlreadyKnown)),
		zap.Int("unreachable", len(ex.Unreachable)))
	return nil
}

// ingestGossip folds a peer's known-host list into ours, probing each
// candidate before it is added.
func (s *Service) ingestGossip(ctx context.Context, from string, candidates []HostInfo) {
	for _, cand := range candidates {
		if cand.ID == "" || cand.URL == "" {
			continue
		}
		selfMatch, err := s.overlapsSelf(cand)
		if err != nil || selfMatch {
			continue
		}
		if s.knownByAnyIdentifier(cand) {
			continue
		}
		if !s.probeAlive(ctx, cand.URL) {
			s.log.Debug("gossiped host unreachable",
				zap.String("host_id", cand.ID),
				zap.String("url", cand.URL),
				zap.String("via", from))
			continue
		}
		added, err := s.hosts.AddHost(cand.asHost("mesh-sync"))
		if err != nil {
			s.log.Warn("gossiped host rejected",
				zap.String("host_id", cand.ID),
				zap.Error(err))
			continue
		}
		if added {
			s.log.Info("host learned from peer",
				zap.String("host_id", cand.ID),
				zap.String("via", from))
			s.emit("peer.registered", map[string]any{
				"hostId": cand.ID, "name": cand.Name, "url": cand.URL, "via": from,
			})
			s.record("peer.join", cand.ID, cand.URL, map[string]any{"via": from})
		}
	}
}

// shareableHosts lists every remote host except the peer we are talking to.
func (s *Service) shareableHosts(excludeID string) ([]HostInfo, error) {
	all, err := s.hosts.GetHosts()
	if err != nil {
		return nil, err
	}
	out := make([]HostInfo, 0, len(all))
	for _, h := range all {
		if h.Type == hosts.TypeSelf || h.ID == excludeID {
			continue
		}
		out = append(out, infoOf(h))
	}
	return out, nil
}

// knownByAnyIdentifier reports whether the store already holds a host
// matching any identifier of the candidate.
func (s *Service) knownByAnyIdentifier(info HostInfo) bool {
	idents := append([]string{info.ID, info.URL}, info.Aliases...)
	for _, v := range idents {
		if v == "" {
			continue
		}
		if h, err := s.hosts.FindHostByAnyIdentifier(v); err == nil && h != nil {
			return true
		}
	}
	return false
}

// postJSON posts a JSON body and decodes a JSON reply. Non-2xx statuses
// come back as errors carrying a snippet of the peer's response.
func (s *Service) postJSON(ctx context.Context, url string, in, out any) (int, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return 0, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.syncc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("peer returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
