package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aimaestro/maestro/internal/hosts"
	"github.com/aimaestro/maestro/internal/mailbox"
	"github.com/aimaestro/maestro/internal/registry"
	"github.com/aimaestro/maestro/pkg/address"
	"github.com/aimaestro/maestro/pkg/amp"
)

// Delivery methods reported in route results and stamped on stored messages.
const (
	MethodLocal      = "local"
	MethodMesh       = "mesh"
	MethodRelay      = "relay"
	MethodFederation = "federation"
)

// Route statuses.
const (
	StatusDelivered = "delivered"
	StatusQueued    = "queued"
)

// RouteInput is one route call after HTTP decoding. Token is the bearer
// credential with the scheme stripped; ForwardedFrom, EnvelopeID, and
// Signature mirror the X-Forwarded-From, X-AMP-Envelope-Id, and
// X-AMP-Signature headers a forwarding peer sets.
type RouteInput struct {
	Token         string
	ForwardedFrom string
	EnvelopeID    string
	Signature     string
	Body          []byte
}

// RouteRequest is the route call body. Payload stays raw so the signature
// hash covers the sender's exact serialization. From is only honored on
// mesh-forwarded calls; direct senders are identified by their API key.
type RouteRequest struct {
	To        string          `json:"to"`
	From      string          `json:"from,omitempty"`
	Subject   string          `json:"subject"`
	Priority  string          `json:"priority,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	InReplyTo string          `json:"in_reply_to,omitempty"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

// RouteResult is the success body of a route call. Error carries the peer
// failure note when a message fell back to the relay queue.
type RouteResult struct {
	Status     string `json:"status"`
	Method     string `json:"method"`
	ID         string `json:"id"`
	To         string `json:"to"`
	RemoteHost string `json:"remote_host,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Route is the central AMP path: authenticate, rate-limit, validate, build
// the envelope, verify the signature best-effort, resolve the recipient, and
// deliver locally, forward across the mesh, or queue.
func (r *Router) Route(ctx context.Context, in RouteInput) (*RouteResult, error) {
	var req RouteRequest
	if err := json.Unmarshal(in.Body, &req); err != nil {
		return nil, E(CodeInvalidRequest, "request body is not valid JSON: %v", err)
	}

	from, aerr := r.authenticate(in, &req)
	if aerr != nil {
		return nil, aerr
	}

	if d := r.agentLimiter.Allow(rateKey(from.address)); !d.Allowed {
		e := E(CodeRateLimited, "rate limit of %d messages per minute exceeded", d.Limit)
		e.Rate = &d
		return nil, e
	}

	if len(req.Payload) > r.cfg.MaxPayloadBytes {
		return nil, E(CodePayloadTooLarge, "payload exceeds %d bytes", r.cfg.MaxPayloadBytes)
	}

	if _, verr := validateRouteRequest(&req); verr != nil {
		return nil, verr
	}

	env := r.buildEnvelope(in, from, &req)

	verified := r.verifyBestEffort(&env, from, req.Payload)

	return r.resolveAndDeliver(ctx, from, &req, env, verified)
}

// RouteFromAgent routes a message on behalf of a local agent without an API
// key. The management surface uses it for operator-composed messages; the
// envelope is signed with the agent's stored key when one exists. A bare
// recipient name is expanded to a full address under this provider.
func (r *Router) RouteFromAgent(ctx context.Context, agent *registry.Agent, req RouteRequest) (*RouteResult, error) {
	from := &caller{agent: agent, address: agent.Name}
	if agent.AMPIdentity != nil {
		from.address = agent.AMPIdentity.AMPAddress
		from.keyHex = agent.AMPIdentity.PublicKeyHex
	}

	if d := r.agentLimiter.Allow(rateKey(from.address)); !d.Allowed {
		e := E(CodeRateLimited, "rate limit of %d messages per minute exceeded", d.Limit)
		e.Rate = &d
		return nil, e
	}

	if !strings.Contains(req.To, "@") {
		provider, err := r.providerDomain()
		if err != nil {
			return nil, E(CodeInternal, "load organization: %v", err)
		}
		req.To = address.Format(req.To, "", provider)
	}

	if len(req.Payload) > r.cfg.MaxPayloadBytes {
		return nil, E(CodePayloadTooLarge, "payload exceeds %d bytes", r.cfg.MaxPayloadBytes)
	}

	if _, verr := validateRouteRequest(&req); verr != nil {
		return nil, verr
	}

	env := r.buildEnvelope(RouteInput{}, from, &req)
	if kp, err := r.keys.LoadKeyPair(agent.ID); err == nil {
		if serr := env.Sign(kp.PrivateKeyPEM, req.Payload); serr != nil {
			r.log.Warn("envelope signing failed",
				zap.String("agent_id", agent.ID), zap.Error(serr))
		}
	}
	verified := r.verifyBestEffort(&env, from, req.Payload)

	return r.resolveAndDeliver(ctx, from, &req, env, verified)
}

// resolveAndDeliver is the shared back half of the route path: check the
// provider, resolve the recipient, then deliver locally, forward across the
// mesh, or queue.
func (r *Router) resolveAndDeliver(ctx context.Context, from *caller, req *RouteRequest, env amp.Envelope, verified *bool) (*RouteResult, error) {
	var payload amp.Payload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return nil, E(CodeInvalidField, "payload is not a JSON object: %v", err).WithField("payload")
	}

	to, err := address.Parse(req.To)
	if err != nil {
		return nil, E(CodeInvalidField, "to: %v", err).WithField("to")
	}
	provider, err := r.providerDomain()
	if err != nil {
		return nil, E(CodeInternal, "load organization: %v", err)
	}
	if !to.Local(provider) {
		return nil, E(CodeExternalProvider, "provider %q is not served by this host", to.ProviderDomain())
	}

	self, err := r.hosts.GetSelfHost()
	if err != nil {
		return nil, E(CodeInternal, "load self host: %v", err)
	}

	// Same-host registry first.
	known, err := r.agents.GetAgentByNameAnyHost(to.Name)
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		return nil, E(CodeInternal, "resolve recipient: %v", err)
	}
	if known != nil && known.HostID == self.ID {
		via := MethodLocal
		if from.mesh {
			via = MethodMesh
		}
		return r.deliverLocal(ctx, from, known, env, req.Payload, &payload, verified, via)
	}

	// Mesh discovery, first hit wins.
	if r.discovery != nil {
		hit, derr := r.discovery.CheckMeshAgentExists(ctx, to.Name, r.cfg.DiscoveryTimeout)
		if derr != nil {
			r.log.Warn("mesh discovery failed", zap.String("name", to.Name), zap.Error(derr))
		}
		if hit != nil {
			ferr := r.forward(ctx, self, hit.Host, env, req.Payload)
			if ferr == nil {
				r.emit("message.delivered", map[string]any{
					"id": env.ID, "to": env.To, "method": MethodMesh, "remote_host": hit.Host.ID,
				})
				return &RouteResult{
					Status:     StatusDelivered,
					Method:     MethodMesh,
					ID:         env.ID,
					To:         env.To,
					RemoteHost: hit.Host.ID,
				}, nil
			}
			r.log.Warn("mesh forward failed",
				zap.String("host_id", hit.Host.ID),
				zap.String("message_id", env.ID),
				zap.Error(ferr))
			return r.queueFallback(hit.Agent.ID, env, req.Payload, from,
				fmt.Sprintf("Mesh delivery to %s failed: %v", hit.Host.ID, ferr))
		}
	}

	// Relay by name: a known record on an unreachable host still queues.
	if known != nil {
		return r.queueFallback(known.ID, env, req.Payload, from,
			fmt.Sprintf("host %s is not reachable", known.HostID))
	}

	return nil, E(CodeNotFound, "no agent named %q in the mesh", to.Name)
}

// validateRouteRequest checks the body shape and returns the parsed payload.
func validateRouteRequest(req *RouteRequest) (*amp.Payload, *Error) {
	if req.To == "" {
		return nil, E(CodeMissingField, "to is required").WithField("to")
	}
	if req.Subject == "" {
		return nil, E(CodeMissingField, "subject is required").WithField("subject")
	}
	if len(req.Payload) == 0 || bytes.Equal(req.Payload, []byte("null")) {
		return nil, E(CodeMissingField, "payload is required").WithField("payload")
	}
	var payload amp.Payload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return nil, E(CodeInvalidField, "payload is not a JSON object: %v", err).WithField("payload")
	}
	if payload.Type == "" {
		return nil, E(CodeMissingField, "payload.type is required").WithField("payload.type")
	}
	if !amp.ValidPayloadType(payload.Type) {
		return nil, E(CodeInvalidField, "payload.type %q is not a known type", payload.Type).WithField("payload.type")
	}
	if payload.Message == "" {
		return nil, E(CodeMissingField, "payload.message is required").WithField("payload.message")
	}
	if req.Priority != "" && !amp.ValidPriority(req.Priority) {
		return nil, E(CodeInvalidField, "priority %q is not a known level", req.Priority).WithField("priority")
	}
	return &payload, nil
}

// buildEnvelope assembles the envelope for this hop. Direct sends get a
// fresh id and timestamp; mesh-forwarded sends keep the id and signature the
// entry host minted so acknowledgement and replay suppression see one
// message across hops.
func (r *Router) buildEnvelope(in RouteInput, from *caller, req *RouteRequest) amp.Envelope {
	priority := req.Priority
	if priority == "" {
		priority = amp.PriorityNormal
	}
	env := amp.NewEnvelope(from.address, req.To, req.Subject, priority, req.InReplyTo)
	env.ExpiresAt = req.ExpiresAt
	env.Signature = req.Signature
	if from.mesh {
		if in.EnvelopeID != "" {
			env.ID = in.EnvelopeID
			if env.InReplyTo == "" {
				env.ThreadID = env.ID
			}
		}
		if in.Signature != "" {
			env.Signature = in.Signature
		}
	}
	return env
}

// verifyBestEffort checks the envelope signature against the sender's stored
// key. Returns nil when no verification was possible, otherwise the outcome.
// Failure is logged, never fatal; mesh-forwarded signatures pass through
// unverified because configured peers are trusted.
func (r *Router) verifyBestEffort(env *amp.Envelope, from *caller, payload json.RawMessage) *bool {
	if from.mesh || env.Signature == "" || from.keyHex == "" {
		return nil
	}
	ok := true
	if err := env.VerifySignature(from.keyHex, payload); err != nil {
		ok = false
		r.log.Warn("signature verification failed",
			zap.String("from", env.From),
			zap.String("message_id", env.ID),
			zap.Error(err))
	}
	return &ok
}

// deliverLocal writes the message into the recipient's inbox, records the
// sender's copy for local senders, and hints the session supervisor. via is
// how the message arrived (local, mesh, federation). A failed inbox write
// falls back to the relay queue.
func (r *Router) deliverLocal(ctx context.Context, from *caller, rcpt *registry.Agent, env amp.Envelope, raw json.RawMessage, payload *amp.Payload, verified *bool, via string) (*RouteResult, error) {
	msg := &mailbox.Message{
		ID:                 env.ID,
		From:               env.From,
		To:                 env.To,
		ToAlias:            rcpt.Alias,
		Subject:            env.Subject,
		Content:            *payload,
		Priority:           env.Priority,
		Timestamp:          env.Timestamp,
		InReplyTo:          env.InReplyTo,
		ThreadID:           env.ThreadID,
		DeliveredVia:       via,
		SenderPublicKeyHex: from.keyHex,
		SignatureVerified:  verified,
	}
	if from.agent != nil {
		msg.FromAlias = from.agent.Alias
		msg.FromLabel = from.agent.Label
	}

	if err := r.mail.DeliverInbox(rcpt.Name, msg); err != nil {
		r.log.Error("inbox write failed",
			zap.String("agent", rcpt.Name),
			zap.String("message_id", env.ID),
			zap.Error(err))
		return r.queueFallback(rcpt.ID, env, raw, from,
			fmt.Sprintf("local delivery failed: %v", err))
	}

	if from.agent != nil {
		if err := r.mail.RecordSent(from.agent.Name, msg); err != nil {
			r.log.Warn("sent copy failed",
				zap.String("agent", from.agent.Name), zap.Error(err))
		}
	}
	if err := r.agents.TouchLastActive(rcpt.ID); err != nil {
		r.log.Warn("touch lastActive failed", zap.String("agent_id", rcpt.ID), zap.Error(err))
	}
	if r.notifier != nil {
		r.notifier.NotifyDelivery(ctx, rcpt, env.From, env.Subject)
	}
	r.emit("message.delivered", map[string]any{
		"id": env.ID, "to": env.To, "from": env.From, "method": via,
	})

	r.log.Info("message delivered",
		zap.String("message_id", env.ID),
		zap.String("from", from.name()),
		zap.String("to", rcpt.Name),
		zap.String("method", via))

	return &RouteResult{Status: StatusDelivered, Method: via, ID: env.ID, To: env.To}, nil
}

// queueFallback parks the envelope in the relay queue for later pickup.
func (r *Router) queueFallback(agentID string, env amp.Envelope, raw json.RawMessage, from *caller, note string) (*RouteResult, error) {
	if _, err := r.queue.QueueMessage(agentID, env, raw, from.keyHex); err != nil {
		return nil, E(CodeInternal, "queue message: %v", err)
	}
	r.emit("message.queued", map[string]any{
		"id": env.ID, "to": env.To, "agent_id": agentID,
	})
	r.log.Info("message queued",
		zap.String("message_id", env.ID),
		zap.String("agent_id", agentID),
		zap.String("reason", note))
	return &RouteResult{
		Status: StatusQueued,
		Method: MethodRelay,
		ID:     env.ID,
		To:     env.To,
		Error:  note,
	}, nil
}

// forward relays the message to the peer that claims the recipient. The
// original envelope id and signature ride in headers so the receiving host
// keeps them.
func (r *Router) forward(ctx context.Context, self *hosts.Host, peer hosts.Host, env amp.Envelope, raw json.RawMessage) error {
	body, err := json.Marshal(RouteRequest{
		To:        env.To,
		From:      env.From,
		Subject:   env.Subject,
		Priority:  env.Priority,
		Payload:   raw,
		InReplyTo: env.InReplyTo,
		ExpiresAt: env.ExpiresAt,
		Signature: env.Signature,
	})
	if err != nil {
		return fmt.Errorf("marshal forward body: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.ForwardTimeout)
	defer cancel()

	url := strings.TrimRight(peer.URL, "/") + "/v1/route"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create forward request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Forwarded-From", self.ID)
	httpReq.Header.Set("X-AMP-Envelope-Id", env.ID)
	if env.Signature != "" {
		httpReq.Header.Set("X-AMP-Signature", env.Signature)
	}

	resp, err := r.httpc.Do(httpReq)
	if err != nil {
		return fmt.Errorf("forward to %s: %w", peer.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("peer %s returned %d: %s", peer.ID, resp.StatusCode, snippet)
	}
	return nil
}
