package router

import (
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/aimaestro/maestro/internal/mailbox"
	"github.com/aimaestro/maestro/internal/registry"
	"github.com/aimaestro/maestro/internal/relay"
	"github.com/aimaestro/maestro/pkg/address"
	"github.com/aimaestro/maestro/pkg/amp"
)

// PendingMessage is one relay entry in pickup form: the original envelope
// plus the payload bytes exactly as the sender serialized them.
type PendingMessage struct {
	Envelope           amp.Envelope    `json:"envelope"`
	Payload            json.RawMessage `json:"payload"`
	SenderPublicKeyHex string          `json:"sender_public_key_hex,omitempty"`
	QueuedAt           time.Time       `json:"queued_at"`
	ExpiresAt          time.Time       `json:"expires_at"`
}

// PendingList is the body of a pending-messages listing.
type PendingList struct {
	Count    int              `json:"count"`
	Messages []PendingMessage `json:"messages"`
}

// agentForToken resolves an API key to its agent record.
func (r *Router) agentForToken(token string) (*registry.Agent, *Error) {
	if token == "" {
		return nil, E(CodeUnauthorized, "missing API key")
	}
	reg, err := r.keys.VerifyAPIKey(token)
	if err != nil {
		return nil, E(CodeUnauthorized, "invalid or revoked API key")
	}
	agent, err := r.agents.GetAgent(reg.AgentID)
	if err != nil {
		return nil, E(CodeUnauthorized, "API key refers to an unknown agent")
	}
	return agent, nil
}

// ListPending returns up to limit queued messages for the calling agent,
// oldest first, without removing them.
func (r *Router) ListPending(token string, limit int) (*PendingList, error) {
	agent, aerr := r.agentForToken(token)
	if aerr != nil {
		return nil, aerr
	}
	entries, err := r.queue.GetPendingMessages(agent.ID, limit)
	if err != nil {
		return nil, E(CodeInternal, "list pending: %v", err)
	}
	out := &PendingList{Count: len(entries), Messages: make([]PendingMessage, 0, len(entries))}
	for _, e := range entries {
		out.Messages = append(out.Messages, PendingMessage{
			Envelope:           e.Envelope,
			Payload:            e.Payload,
			SenderPublicKeyHex: e.SenderPublicKeyHex,
			QueuedAt:           e.QueuedAt,
			ExpiresAt:          e.ExpiresAt,
		})
	}
	return out, nil
}

// AcknowledgePending removes one queued message and files it into the
// agent's inbox. Acknowledging an id that is no longer queued is a no-op.
func (r *Router) AcknowledgePending(token, messageID string) error {
	agent, aerr := r.agentForToken(token)
	if aerr != nil {
		return aerr
	}
	if messageID == "" {
		return E(CodeMissingField, "message id is required").WithField("id")
	}
	entry, err := r.queue.AcknowledgeMessage(agent.ID, messageID)
	if err != nil {
		return E(CodeInternal, "acknowledge: %v", err)
	}
	if entry != nil {
		r.fileAcked(agent, entry)
	}
	return nil
}

// BatchAcknowledge removes up to 100 queued messages at once, returning how
// many were actually removed and filed.
func (r *Router) BatchAcknowledge(token string, messageIDs []string) (int, error) {
	agent, aerr := r.agentForToken(token)
	if aerr != nil {
		return 0, aerr
	}
	if len(messageIDs) == 0 {
		return 0, E(CodeMissingField, "message ids are required").WithField("message_ids")
	}
	entries, err := r.queue.AcknowledgeMessages(agent.ID, messageIDs)
	if err != nil {
		if errors.Is(err, relay.ErrBatchTooLarge) {
			return 0, E(CodeInvalidField, "at most %d ids per batch", relay.MaxBatch).WithField("message_ids")
		}
		return 0, E(CodeInternal, "acknowledge batch: %v", err)
	}
	for _, e := range entries {
		r.fileAcked(agent, e)
	}
	return len(entries), nil
}

// fileAcked moves an acknowledged relay entry into the agent's inbox. The
// entry is already off the queue; a failed write only loses the mailbox
// copy, so it is logged and not surfaced.
func (r *Router) fileAcked(agent *registry.Agent, entry *relay.Entry) {
	var payload amp.Payload
	if err := json.Unmarshal(entry.Payload, &payload); err != nil {
		r.log.Warn("acked payload does not parse",
			zap.String("message_id", entry.Envelope.ID), zap.Error(err))
	}

	env := entry.Envelope
	msg := &mailbox.Message{
		ID:                 env.ID,
		From:               env.From,
		To:                 env.To,
		ToAlias:            agent.Alias,
		Subject:            env.Subject,
		Content:            payload,
		Priority:           env.Priority,
		Timestamp:          env.Timestamp,
		Status:             mailbox.StatusRead,
		InReplyTo:          env.InReplyTo,
		ThreadID:           env.ThreadID,
		DeliveredVia:       MethodRelay,
		SenderPublicKeyHex: entry.SenderPublicKeyHex,
	}
	if env.Signature != "" && entry.SenderPublicKeyHex != "" {
		ok := env.VerifySignature(entry.SenderPublicKeyHex, entry.Payload) == nil
		msg.SignatureVerified = &ok
	}
	if err := r.mail.DeliverInbox(agent.Name, msg); err != nil {
		r.log.Warn("filing acked message failed",
			zap.String("agent", agent.Name),
			zap.String("message_id", env.ID),
			zap.Error(err))
	}
}

// ReadReceipt is the acknowledgement envelope emitted for a read message.
type ReadReceipt struct {
	Envelope amp.Envelope `json:"envelope"`
	Payload  amp.Payload  `json:"payload"`
}

// SendReadReceipt marks an inbox message read and emits an ack envelope of
// type read threaded onto the original message. The receipt is pushed to the
// original sender's stream best-effort; there is no delivery guarantee.
func (r *Router) SendReadReceipt(token, messageID string) (*ReadReceipt, error) {
	agent, aerr := r.agentForToken(token)
	if aerr != nil {
		return nil, aerr
	}
	if messageID == "" {
		return nil, E(CodeMissingField, "message id is required").WithField("id")
	}

	msg, err := r.mail.MarkRead(agent.Name, messageID)
	if err != nil {
		if errors.Is(err, mailbox.ErrNotFound) {
			return nil, E(CodeNotFound, "message %q is not in the inbox", messageID)
		}
		return nil, E(CodeInternal, "mark read: %v", err)
	}

	fromAddr := agent.Name
	if agent.AMPIdentity != nil {
		fromAddr = agent.AMPIdentity.AMPAddress
	}
	env := amp.NewEnvelope(fromAddr, msg.From, "Read receipt", amp.PriorityLow, messageID)
	payload := amp.Payload{Type: amp.TypeAck, Message: "read"}

	payloadJSON, merr := json.Marshal(payload)
	if merr == nil {
		if kp, kerr := r.keys.LoadKeyPair(agent.ID); kerr == nil {
			if serr := env.Sign(kp.PrivateKeyPEM, payloadJSON); serr != nil {
				r.log.Warn("signing read receipt failed",
					zap.String("agent_id", agent.ID), zap.Error(serr))
			}
		}
	}

	if r.stream != nil {
		if sender, rerr := address.Parse(msg.From); rerr == nil {
			r.stream.Push(sender.Name, map[string]any{
				"type":     "read_receipt",
				"envelope": env,
				"payload":  payload,
			})
		}
	}

	return &ReadReceipt{Envelope: env, Payload: payload}, nil
}

// Resolution is the public view of an agent address.
type Resolution struct {
	Address      string `json:"address"`
	Name         string `json:"name"`
	Alias        string `json:"alias,omitempty"`
	PublicKeyPEM string `json:"public_key_pem"`
	Fingerprint  string `json:"fingerprint"`
	Online       bool   `json:"online"`
}

// ResolveAgentAddress looks up an AMP address on this host and returns the
// key material and liveness a sender needs.
func (r *Router) ResolveAgentAddress(addr string) (*Resolution, error) {
	parsed, err := address.Parse(addr)
	if err != nil {
		return nil, E(CodeInvalidField, "address: %v", err).WithField("address")
	}
	agent, err := r.agents.GetAgentByNameAnyHost(parsed.Name)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, E(CodeNotFound, "no agent named %q on this host", parsed.Name)
		}
		return nil, E(CodeInternal, "resolve: %v", err)
	}
	if !agent.AMPRegistered() {
		return nil, E(CodeNotFound, "agent %q is not AMP-registered", parsed.Name)
	}

	pem, err := r.keys.LoadPublicKey(agent.ID)
	if err != nil {
		pem, err = amp.PublicKeyHexToPEM(agent.AMPIdentity.PublicKeyHex)
		if err != nil {
			return nil, E(CodeInternal, "load public key: %v", err)
		}
	}

	return &Resolution{
		Address:      agent.AMPIdentity.AMPAddress,
		Name:         agent.Name,
		Alias:        agent.Alias,
		PublicKeyPEM: pem,
		Fingerprint:  agent.AMPIdentity.Fingerprint,
		Online:       agent.IsOnline(),
	}, nil
}
