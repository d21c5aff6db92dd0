// Package router implements the AMP service surface: agent registration,
// the central route path, relay pickup and acknowledgement, read receipts,
// key lifecycle, and inbound federation.
//
// The router owns the in-process rate-limit counters and the federation
// replay guard; everything durable lives in the stores it is wired to.
package router

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aimaestro/maestro/internal/hosts"
	"github.com/aimaestro/maestro/internal/identity"
	"github.com/aimaestro/maestro/internal/mailbox"
	"github.com/aimaestro/maestro/internal/registry"
	"github.com/aimaestro/maestro/internal/relay"
	"github.com/aimaestro/maestro/pkg/address"
	"github.com/aimaestro/maestro/pkg/amp"
)

// AgentCatalog is the slice of the agent registry the router needs.
// *registry.Store satisfies it.
type AgentCatalog interface {
	GetAgent(id string) (*registry.Agent, error)
	GetAgentByNameAnyHost(name string) (*registry.Agent, error)
	CreateAgent(a registry.Agent) (*registry.Agent, error)
	MarkAgentAMPRegistered(id string, ident registry.AMPIdentity) (*registry.Agent, error)
	TouchLastActive(id string) error
}

// KeyStore is the identity store surface: key material plus API keys.
// *identity.Store satisfies it.
type KeyStore interface {
	SaveKeyPair(agentID string, kp *amp.KeyPair) error
	SavePublicKey(agentID, publicKeyPEM string) error
	LoadKeyPair(agentID string) (*amp.KeyPair, error)
	LoadPublicKey(agentID string) (string, error)
	IssueAPIKey(agentID, tenantID, addr string) (string, *identity.Registration, error)
	VerifyAPIKey(token string) (*identity.Registration, error)
	RevokeAPIKey(token string) error
	RevokeAllForAgent(agentID string) (int, error)
}

// HostDirectory answers who this host is, which organization it belongs to,
// and whether an identifier names a configured peer. *hosts.Store satisfies it.
type HostDirectory interface {
	GetSelfHost() (*hosts.Host, error)
	GetOrganization() (*hosts.Organization, error)
	FindHostByAnyIdentifier(ident string) (*hosts.Host, error)
}

// PendingQueue is the relay queue surface. *relay.Queue satisfies it.
type PendingQueue interface {
	QueueMessage(agentID string, env amp.Envelope, payload json.RawMessage, senderPubKeyHex string) (*relay.Entry, error)
	GetPendingMessages(agentID string, limit int) ([]*relay.Entry, error)
	AcknowledgeMessage(agentID, messageID string) (*relay.Entry, error)
	AcknowledgeMessages(agentID string, messageIDs []string) ([]*relay.Entry, error)
}

// Mailbox is the message-store surface. *mailbox.Store satisfies it.
type Mailbox interface {
	DeliverInbox(name string, msg *mailbox.Message) error
	RecordSent(name string, msg *mailbox.Message) error
	Get(box, name, id string) (*mailbox.Message, error)
	MarkRead(name, id string) (*mailbox.Message, error)
}

// MeshDiscovery answers which peer hosts an agent name. *registry.MeshChecker
// satisfies it; nil disables cross-host resolution.
type MeshDiscovery interface {
	CheckMeshAgentExists(ctx context.Context, name string, timeout time.Duration) (*registry.MeshHit, error)
}

// DeliveryNotifier pokes the session supervisor after a local delivery.
type DeliveryNotifier interface {
	NotifyDelivery(ctx context.Context, agent *registry.Agent, from, subject string)
}

// StreamPusher pushes a best-effort frame to an agent's status stream.
// Frames to agents without an open stream are dropped.
type StreamPusher interface {
	Push(agentName string, frame any)
}

// EventSink receives fire-and-forget domain events for webhook fan-out.
type EventSink interface {
	Emit(event string, data map[string]any)
}

// Auditor records security-relevant actions. The audit log satisfies it.
type Auditor interface {
	Record(action, actor, subject string, detail map[string]any)
}

// Config carries the router tunables. Zero values select the defaults.
type Config struct {
	// AgentLimitPerMinute caps route calls per sender per minute.
	AgentLimitPerMinute int

	// ProviderLimitPerMinute caps federated deliveries per provider per minute.
	ProviderLimitPerMinute int

	// ForwardTimeout bounds one peer forward.
	ForwardTimeout time.Duration

	// DiscoveryTimeout bounds the mesh existence probe.
	DiscoveryTimeout time.Duration

	// MaxPayloadBytes caps one routed payload. A payload of exactly this
	// size is accepted.
	MaxPayloadBytes int
}

func (c *Config) setDefaults() {
	if c.AgentLimitPerMinute <= 0 {
		c.AgentLimitPerMinute = 60
	}
	if c.ProviderLimitPerMinute <= 0 {
		c.ProviderLimitPerMinute = 120
	}
	if c.ForwardTimeout <= 0 {
		c.ForwardTimeout = 10 * time.Second
	}
	if c.DiscoveryTimeout <= 0 {
		c.DiscoveryTimeout = 3 * time.Second
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = amp.MaxPayloadBytes
	}
}

// Router is the AMP service.
type Router struct {
	agents AgentCatalog
	keys   KeyStore
	hosts  HostDirectory
	queue  PendingQueue
	mail   Mailbox
	cfg    Config
	log    *zap.Logger

	httpc *http.Client

	agentLimiter    *keyedLimiter
	providerLimiter *keyedLimiter
	replay          *replayGuard

	discovery MeshDiscovery    // nil = single-host resolution
	notifier  DeliveryNotifier // nil = no injection hints
	stream    StreamPusher     // nil = no stream pushes
	events    EventSink        // nil = no webhook fan-out
	audit     Auditor          // nil = no audit writes
}

// New wires a Router over its stores. dataDir roots the federation replay
// records; cfg zero values select defaults.
func New(agents AgentCatalog, keys KeyStore, hostdir HostDirectory, queue PendingQueue, mail Mailbox, dataDir string, cfg Config, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	cfg.setDefaults()
	return &Router{
		agents:          agents,
		keys:            keys,
		hosts:           hostdir,
		queue:           queue,
		mail:            mail,
		cfg:             cfg,
		log:             log,
		httpc:           &http.Client{Timeout: cfg.ForwardTimeout},
		agentLimiter:    newKeyedLimiter(cfg.AgentLimitPerMinute, time.Minute),
		providerLimiter: newKeyedLimiter(cfg.ProviderLimitPerMinute, time.Minute),
		replay:          newReplayGuard(filepath.Join(dataDir, "federation", "delivered"), log),
	}
}

// SetDiscovery configures cross-host agent resolution.
func (r *Router) SetDiscovery(d MeshDiscovery) { r.discovery = d }

// SetNotifier configures the post-delivery supervisor hint.
func (r *Router) SetNotifier(n DeliveryNotifier) { r.notifier = n }

// SetStream configures best-effort stream pushes.
func (r *Router) SetStream(s StreamPusher) { r.stream = s }

// SetEvents configures webhook event fan-out.
func (r *Router) SetEvents(e EventSink) { r.events = e }

// SetAuditor configures the audit trail.
func (r *Router) SetAuditor(a Auditor) { r.audit = a }

// emit publishes a domain event when an event sink is wired.
func (r *Router) emit(event string, data map[string]any) {
	if r.events != nil {
		r.events.Emit(event, data)
	}
}

// record appends an audit entry when an auditor is wired.
func (r *Router) record(action, actor, subject string, detail map[string]any) {
	if r.audit != nil {
		r.audit.Record(action, actor, subject, detail)
	}
}

// caller is the authenticated origin of a route call.
type caller struct {
	agent   *registry.Agent // nil for mesh-forwarded calls
	address string          // canonical from address
	keyHex  string          // sender public key hex when known
	mesh    bool            // authenticated as a forwarding peer
	peer    *hosts.Host     // the forwarding peer when mesh
}

// name returns the log identity of the caller.
func (c *caller) name() string {
	if c.mesh {
		return "mesh-" + c.peer.ID
	}
	return c.address
}

// authenticate resolves the route credentials: an agent API key, or a
// mesh-forwarded call from a configured peer named in X-Forwarded-From.
// Mesh calls carry the sender address in the body; their signatures pass
// through without re-verification.
func (r *Router) authenticate(in RouteInput, req *RouteRequest) (*caller, *Error) {
	if in.Token != "" {
		reg, err := r.keys.VerifyAPIKey(in.Token)
		if err != nil {
			return nil, E(CodeUnauthorized, "invalid or revoked API key")
		}
		agent, err := r.agents.GetAgent(reg.AgentID)
		if err != nil {
			return nil, E(CodeUnauthorized, "API key refers to an unknown agent")
		}
		c := &caller{agent: agent, address: reg.Address}
		if agent.AMPIdentity != nil {
			c.keyHex = agent.AMPIdentity.PublicKeyHex
		}
		return c, nil
	}

	if in.ForwardedFrom != "" {
		peer, err := r.hosts.FindHostByAnyIdentifier(in.ForwardedFrom)
		if err != nil || peer.Type != hosts.TypeRemote || !peer.Enabled {
			return nil, E(CodeUnauthorized, "%q is not a configured peer", in.ForwardedFrom)
		}
		if req.From == "" {
			return nil, E(CodeMissingField, "mesh-forwarded requests must carry from").WithField("from")
		}
		return &caller{address: req.From, mesh: true, peer: peer}, nil
	}

	return nil, E(CodeUnauthorized, "missing API key")
}

// providerDomain returns this host's provider domain from the adopted
// organization, or the bare base domain when none is set.
func (r *Router) providerDomain() (string, error) {
	org, err := r.hosts.GetOrganization()
	if err != nil {
		return "", err
	}
	if org == nil {
		return address.ProviderDomain(""), nil
	}
	return address.ProviderDomain(org.Organization), nil
}

// rateKey normalizes the limiter key for a caller.
func rateKey(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
