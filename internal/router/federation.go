package router

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aimaestro/maestro/internal/registry"
	"github.com/aimaestro/maestro/pkg/address"
	"github.com/aimaestro/maestro/pkg/amp"
)

// replayTTL is how long a delivered envelope id blocks re-delivery.
const replayTTL = 24 * time.Hour

// replayGCInterval spaces out sweeps of old replay records.
const replayGCInterval = time.Hour

// replayGuard persists delivered envelope ids as files so federation replay
// suppression survives restarts. Records older than replayTTL are swept at
// most once per replayGCInterval, at the start of a check.
type replayGuard struct {
	dir string
	log *zap.Logger

	mu     sync.Mutex
	lastGC time.Time
}

func newReplayGuard(dir string, log *zap.Logger) *replayGuard {
	if log == nil {
		log = zap.NewNop()
	}
	return &replayGuard{dir: dir, log: log}
}

func (g *replayGuard) path(id string) string {
	return filepath.Join(g.dir, base64.RawURLEncoding.EncodeToString([]byte(id)))
}

// Seen reports whether id was already delivered.
func (g *replayGuard) Seen(id string) bool {
	g.maybeGC()
	_, err := os.Stat(g.path(id))
	return err == nil
}

// Record marks id as delivered.
func (g *replayGuard) Record(id string) error {
	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return fmt.Errorf("create replay dir: %w", err)
	}
	stamp := time.Now().UTC().Format(time.RFC3339Nano)
	if err := os.WriteFile(g.path(id), []byte(stamp), 0o644); err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

func (g *replayGuard) maybeGC() {
	g.mu.Lock()
	due := time.Since(g.lastGC) >= replayGCInterval
	if due {
		g.lastGC = time.Now()
	}
	g.mu.Unlock()
	if !due {
		return
	}

	entries, err := os.ReadDir(g.dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-replayTTL)
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(g.dir, e.Name())); err == nil {
			removed++
		}
	}
	if removed > 0 {
		g.log.Debug("swept replay records", zap.Int("removed", removed))
	}
}

// FederatedDelivery is the body of an inbound federation call. The envelope
// arrives fully formed from the foreign provider; SenderPublicKey is the
// optional 32-byte hex key to verify the signature against.
type FederatedDelivery struct {
	Envelope        amp.Envelope    `json:"envelope"`
	Payload         json.RawMessage `json:"payload"`
	SenderPublicKey string          `json:"sender_public_key,omitempty"`
}

// DeliverFederated accepts a message from a foreign provider. Each provider
// gets its own rate bucket, and every accepted envelope id is persisted so a
// replay returns duplicate_message.
func (r *Router) DeliverFederated(ctx context.Context, provider string, body []byte) (*RouteResult, error) {
	if provider == "" {
		return nil, E(CodeMissingField, "X-AMP-Provider header is required").WithField("X-AMP-Provider")
	}

	if d := r.providerLimiter.Allow(rateKey(provider)); !d.Allowed {
		e := E(CodeRateLimited, "provider %q exceeded %d deliveries per minute", provider, d.Limit)
		e.Rate = &d
		return nil, e
	}

	var req FederatedDelivery
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, E(CodeInvalidRequest, "request body is not valid JSON: %v", err)
	}
	if err := req.Envelope.Validate(); err != nil {
		return nil, E(CodeInvalidField, "%v", err).WithField("envelope")
	}
	if len(req.Payload) == 0 {
		return nil, E(CodeMissingField, "payload is required").WithField("payload")
	}
	if len(req.Payload) > r.cfg.MaxPayloadBytes {
		return nil, E(CodePayloadTooLarge, "payload exceeds %d bytes", r.cfg.MaxPayloadBytes)
	}

	env := req.Envelope
	if r.replay.Seen(env.ID) {
		return nil, E(CodeDuplicateMessage, "envelope %q was already delivered", env.ID)
	}

	var payload amp.Payload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return nil, E(CodeInvalidField, "payload is not a JSON object: %v", err).WithField("payload")
	}

	var verified *bool
	if env.Signature != "" && req.SenderPublicKey != "" {
		ok := env.VerifySignature(req.SenderPublicKey, req.Payload) == nil
		verified = &ok
		if !ok {
			r.log.Warn("federated signature verification failed",
				zap.String("provider", provider),
				zap.String("message_id", env.ID))
		}
	}

	to, err := address.Parse(env.To)
	if err != nil {
		return nil, E(CodeInvalidField, "envelope to: %v", err).WithField("envelope.to")
	}
	domain, err := r.providerDomain()
	if err != nil {
		return nil, E(CodeInternal, "load organization: %v", err)
	}
	if !to.Local(domain) {
		return nil, E(CodeExternalProvider, "provider %q is not served by this host", to.ProviderDomain())
	}

	agent, err := r.agents.GetAgentByNameAnyHost(to.Name)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, E(CodeNotFound, "no agent named %q on this host", to.Name)
		}
		return nil, E(CodeInternal, "resolve recipient: %v", err)
	}

	self, err := r.hosts.GetSelfHost()
	if err != nil {
		return nil, E(CodeInternal, "load self host: %v", err)
	}

	from := &caller{address: env.From, keyHex: req.SenderPublicKey}

	var result *RouteResult
	if agent.HostID == self.ID {
		result, err = r.deliverLocal(ctx, from, agent, env, req.Payload, &payload, verified, MethodFederation)
	} else {
		result, err = r.queueFallback(agent.ID, env, req.Payload, from,
			fmt.Sprintf("agent lives on host %s", agent.HostID))
	}
	if err != nil {
		return nil, err
	}

	if rerr := r.replay.Record(env.ID); rerr != nil {
		r.log.Warn("recording federated delivery failed",
			zap.String("message_id", env.ID), zap.Error(rerr))
	}
	r.log.Info("federated message accepted",
		zap.String("provider", provider),
		zap.String("message_id", env.ID),
		zap.String("status", result.Status))
	return result, nil
}
