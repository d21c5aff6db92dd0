package mesh

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/aimaestro/maestro/internal/hosts"
)

// RegisterPeerRequest is one host announcing itself (or a propagated
// third host) to this one.
type RegisterPeerRequest struct {
	Host         HostInfo  `json:"host"`
	Source       *Source   `json:"source,omitempty"`
	Organization *OrgStamp `json:"organization,omitempty"`
}

// RegisterPeerResponse tells the caller where it stands and hands it the
// rest of the mesh.
type RegisterPeerResponse struct {
	Registered   bool       `json:"registered"`
	AlreadyKnown bool       `json:"alreadyKnown"`
	Host         HostInfo   `json:"host"`
	KnownHosts   []HostInfo `json:"knownHosts"`
	Organization *OrgStamp  `json:"organization,omitempty"`
}

// RegisterPeer handles an inbound register-peer handshake: guard the
// propagation, refuse self, adopt the organization, add the host, and
// forward the registration one hop further.
func (s *Service) RegisterPeer(ctx context.Context, req RegisterPeerRequest) (*RegisterPeerResponse, error) {
	if req.Host.ID == "" {
		return nil, hosts.ErrValidation{Msg: "host.id is required"}
	}
	if req.Host.URL == "" {
		return nil, hosts.ErrValidation{Msg: "host.url is required"}
	}

	depth, pid, initiator := 0, "", ""
	if req.Source != nil {
		depth = req.Source.PropagationDepth
		pid = req.Source.PropagationID
		initiator = req.Source.Initiator
	}
	if depth > MaxPropagationDepth {
		return nil, ErrDepthExceeded
	}

	self, err := s.hosts.GetSelfHost()
	if err != nil {
		return nil, err
	}

	if s.guard.Seen(pid) {
		s.log.Debug("propagation already processed",
			zap.String("propagation_id", pid),
			zap.String("host_id", req.Host.ID))
		return s.registerResponse(self, req.Host.ID, false, true)
	}

	selfMatch, err := s.overlapsSelf(req.Host)
	if err != nil {
		return nil, err
	}
	if selfMatch {
		return nil, ErrSelfRegistration
	}

	if err := s.adoptOrganization(req.Organization, req.Host.ID); err != nil {
		return nil, err
	}

	syncSource := "peer-registration"
	if initiator != "" {
		syncSource = initiator
	}
	added, err := s.hosts.AddHost(req.Host.asHost(syncSource))
	if err != nil {
		return nil, err
	}

	s.guard.Record(pid)

	if added {
		s.log.Info("peer registered",
			zap.String("host_id", req.Host.ID),
			zap.String("url", req.Host.URL),
			zap.Int("propagation_depth", depth))
		s.emit("peer.registered", map[string]any{
			"hostId": req.Host.ID, "name": req.Host.Name, "url": req.Host.URL,
		})
		s.record("peer.join", req.Host.ID, req.Host.URL, map[string]any{
			"depth": depth, "initiator": initiator,
		})
		if initiator == "" {
			initiator = req.Host.ID
		}
		if depth < MaxPropagationDepth && pid != "" {
			go s.propagate(req.Host, req.Organization, initiator, depth+1, pid)
		}
	}

	return s.registerResponse(self, req.Host.ID, true, !added)
}

// registerResponse assembles the handshake reply: our identity, every peer
// except the sender, and the adopted organization.
func (s *Service) registerResponse(self *hosts.Host, senderID string, registered, alreadyKnown bool) (*RegisterPeerResponse, error) {
	all, err := s.hosts.GetHosts()
	if err != nil {
		return nil, err
	}
	known := make([]HostInfo, 0, len(all))
	for _, h := range all {
		if h.Type == hosts.TypeSelf || h.ID == senderID {
			continue
		}
		known = append(known, infoOf(h))
	}
	org, err := s.hosts.GetOrganization()
	if err != nil {
		return nil, err
	}
	return &RegisterPeerResponse{
		Registered:   registered,
		AlreadyKnown: alreadyKnown,
		Host:         infoOf(*self),
		KnownHosts:   known,
		Organization: orgStampOf(org),
	}, nil
}

// overlapsSelf reports whether any identifier of the incoming host resolves
// to this host's own entry.
func (s *Service) overlapsSelf(info HostInfo) (bool, error) {
	idents := append([]string{info.ID, info.URL}, info.Aliases...)
	for _, v := range idents {
		if v == "" {
			continue
		}
		h, err := s.hosts.FindHostByAnyIdentifier(v)
		if err != nil {
			if errors.Is(err, hosts.ErrNotFound) {
				continue
			}
			return false, err
		}
		if h.Type == hosts.TypeSelf {
			return true, nil
		}
	}
	return false, nil
}

// propagate forwards a fresh registration to every other enabled peer with
// the depth bumped. Failures only log; the propagation id stops echoes.
func (s *Service) propagate(host HostInfo, org *OrgStamp, initiator string, depth int, pid string) {
	peers, err := s.hosts.EnabledPeers()
	if err != nil {
		s.log.Warn("propagation peer list", zap.Error(err))
		return
	}

	body := RegisterPeerRequest{
		Host:         host,
		Source:       &Source{Initiator: initiator, PropagationDepth: depth, PropagationID: pid},
		Organization: org,
	}

	var wg sync.WaitGroup
	for _, peer := range peers {
		if peer.ID == host.ID || peer.ID == initiator {
			continue
		}
		wg.Add(1)
		go func(p hosts.Host) {
			defer wg.Done()
			var resp RegisterPeerResponse
			if _, err := s.postJSON(context.Background(), p.URL+"/api/hosts/register-peer", body, &resp); err != nil {
				s.log.Debug("propagation hop failed",
					zap.String("to", p.ID),
					zap.String("host_id", host.ID),
					zap.Error(err))
			}
		}(peer)
	}
	wg.Wait()
}
