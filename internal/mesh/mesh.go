// Package mesh implements the peer handshakes that assemble a multi-host
// fleet: register-peer announcements, bulk exchange-peers gossip, manual
// sync fan-out, and reachability probing. Registrations propagate through
// the mesh with a bounded depth and a replay-suppressed propagation id, so
// a new host becomes known everywhere without any hop seeing it twice.
package mesh

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/aimaestro/maestro/internal/hosts"
)

// MaxPropagationDepth caps how many hops a registration may travel.
const MaxPropagationDepth = 3

var (
	// ErrSelfRegistration is returned when a handshake names this host.
	ErrSelfRegistration = errors.New("mesh: refusing to register self as a peer")
	// ErrDepthExceeded is returned when a registration has traveled too far.
	ErrDepthExceeded = errors.New("mesh: propagation depth exceeded")
)

// HostBook is the slice of the hosts store the mesh mutates through.
type HostBook interface {
	GetSelfHost() (*hosts.Host, error)
	GetHosts() ([]hosts.Host, error)
	EnabledPeers() ([]hosts.Host, error)
	AddHost(h hosts.Host) (bool, error)
	MarkSynced(id, source string) error
	FindHostByAnyIdentifier(ident string) (*hosts.Host, error)
	GetOrganization() (*hosts.Organization, error)
	AdoptOrganization(name string, setAt time.Time, setBy string) (bool, error)
}

// EventSink receives mesh lifecycle events for webhook dispatch.
type EventSink interface {
	Emit(event string, data map[string]any)
}

// Auditor records peer joins in the audit trail.
type Auditor interface {
	Record(action, actor, subject string, detail map[string]any)
}

// SessionCounter reports how many live sessions this host runs. Optional;
// mesh status shows 0 for self without one.
type SessionCounter interface {
	CountLive(ctx context.Context) int
}

// Config tunes the mesh service. Zero values select the defaults.
type Config struct {
	ProbeTimeout   time.Duration // reachability probes, default 5 s
	SyncTimeout    time.Duration // outbound handshake calls, default 10 s
	PropagationTTL time.Duration // how long propagation ids stay hot, default 1 h
}

func (c *Config) setDefaults() {
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = 10 * time.Second
	}
	if c.PropagationTTL <= 0 {
		c.PropagationTTL = time.Hour
	}
}

// Service runs the peer mesh for one host.
type Service struct {
	hosts HostBook
	guard *propagationGuard
	cfg   Config
	log   *zap.Logger

	probec *http.Client
	syncc  *http.Client

	events   EventSink
	sessions SessionCounter
	audit    Auditor
}

// New wires a mesh service. dataDir roots the persisted propagation set.
func New(book HostBook, dataDir string, cfg Config, log *zap.Logger) *Service {
	cfg.setDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		hosts:  book,
		guard:  newPropagationGuard(dataDir, cfg.PropagationTTL, log),
		cfg:    cfg,
		log:    log,
		probec: &http.Client{Timeout: cfg.ProbeTimeout},
		syncc:  &http.Client{Timeout: cfg.SyncTimeout},
	}
}

// SetEvents wires the webhook event sink.
func (s *Service) SetEvents(e EventSink) { s.events = e }

// SetSessionCounter wires the local session count into mesh status.
func (s *Service) SetSessionCounter(c SessionCounter) { s.sessions = c }

// SetAuditor wires the audit trail.
func (s *Service) SetAuditor(a Auditor) { s.audit = a }

func (s *Service) emit(event string, data map[string]any) {
	if s.events != nil {
		s.events.Emit(event, data)
	}
}

// record writes an audit entry when an auditor is wired.
func (s *Service) record(action, actor, subject string, detail map[string]any) {
	if s.audit != nil {
		s.audit.Record(action, actor, subject, detail)
	}
}

// ── handshake wire types ────────────────────────────────────────────────────

// HostInfo is how a host describes itself (or another host) on the wire.
type HostInfo struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	URL         string   `json:"url"`
	Aliases     []string `json:"aliases,omitempty"`
	Description string   `json:"description,omitempty"`
}

// Source tracks where a propagated registration came from and how far it
// has traveled.
type Source struct {
	Initiator        string `json:"initiator,omitempty"`
	PropagationDepth int    `json:"propagationDepth,omitempty"`
	PropagationID    string `json:"propagationId,omitempty"`
}

// OrgStamp carries the organization adoption record between hosts.
type OrgStamp struct {
	Value string    `json:"value"`
	SetAt time.Time `json:"setAt,omitempty"`
	SetBy string    `json:"setBy,omitempty"`
}

func orgStampOf(org *hosts.Organization) *OrgStamp {
	if org == nil {
		return nil
	}
	return &OrgStamp{Value: org.Organization, SetAt: org.SetAt, SetBy: org.SetBy}
}

func infoOf(h hosts.Host) HostInfo {
	return HostInfo{
		ID:          h.ID,
		Name:        h.Name,
		URL:         h.URL,
		Aliases:     h.Aliases,
		Description: h.Description,
	}
}

func (i HostInfo) asHost(syncSource string) hosts.Host {
	return hosts.Host{
		ID:          i.ID,
		Name:        i.Name,
		URL:         i.URL,
		Aliases:     i.Aliases,
		Description: i.Description,
		Type:        hosts.TypeRemote,
		Enabled:     true,
		SyncSource:  syncSource,
	}
}

// adoptOrganization applies an incoming stamp. A mismatch propagates as
// hosts.ErrOrganizationMismatch for the handler to map onto 409.
func (s *Service) adoptOrganization(stamp *OrgStamp, from string) error {
	if stamp == nil || stamp.Value == "" {
		return nil
	}
	setBy := stamp.SetBy
	if setBy == "" {
		setBy = from
	}
	adopted, err := s.hosts.AdoptOrganization(stamp.Value, stamp.SetAt, setBy)
	if err != nil {
		return err
	}
	if adopted {
		s.log.Info("organization adopted from peer",
			zap.String("organization", stamp.Value),
			zap.String("peer", from))
	}
	return nil
}
