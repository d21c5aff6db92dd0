// Package amp defines the wire format of the Agent Message Protocol:
// envelopes, payloads, and the Ed25519 key material their signatures
// are built on.
//
// Every AMP message travels as an Envelope plus a Payload. The envelope
// is signed over the canonical string
//
//	from|to|subject|priority|in_reply_to|base64(sha256(payload JSON))
//
// where the payload JSON is hashed exactly as the sender serialized it.
package amp

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// Version is the protocol version carried in every envelope.
const Version = "amp/0.1"

// Envelope priorities.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Payload types.
const (
	TypeRequest      = "request"
	TypeResponse     = "response"
	TypeNotification = "notification"
	TypeUpdate       = "update"
	TypeAck          = "ack"
)

// MaxPayloadBytes caps a routed payload at 1 MiB. Exactly 1 MiB is accepted.
const MaxPayloadBytes = 1 << 20

// Envelope is the routing header of an AMP message.
type Envelope struct {
	// Version is the protocol version, currently "amp/0.1".
	Version string `json:"version"`

	// ID is the message id, "msg_{unix_ms}_{rand7}".
	ID string `json:"id"`

	// From and To are AMP addresses, "name@[scope.]tenant.provider".
	From string `json:"from"`
	To   string `json:"to"`

	Subject  string `json:"subject"`
	Priority string `json:"priority"`

	Timestamp time.Time  `json:"timestamp"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// Signature is the base64 Ed25519 signature over the canonical string.
	// Empty when the sender did not sign.
	Signature string `json:"signature,omitempty"`

	// InReplyTo threads this message onto an earlier one. ThreadID is
	// in_reply_to when set and the message's own id otherwise.
	InReplyTo string `json:"in_reply_to,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
}

// Payload is the body of an AMP message.
type Payload struct {
	Type        string           `json:"type"`
	Message     string           `json:"message"`
	Context     map[string]any   `json:"context,omitempty"`
	Attachments []map[string]any `json:"attachments,omitempty"`
}

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewID returns a fresh envelope id: "msg_" + unix millis + "_" + seven
// random base36 characters.
func NewID() string {
	var suffix [7]byte
	for i := range suffix {
		suffix[i] = idAlphabet[rand.IntN(len(idAlphabet))]
	}
	return fmt.Sprintf("msg_%d_%s", time.Now().UnixMilli(), suffix)
}

// NewEnvelope builds an envelope with a generated id and a fresh timestamp.
// The thread id follows in_reply_to when given.
func NewEnvelope(from, to, subject, priority, inReplyTo string) Envelope {
	id := NewID()
	thread := id
	if inReplyTo != "" {
		thread = inReplyTo
	}
	return Envelope{
		Version:   Version,
		ID:        id,
		From:      from,
		To:        to,
		Subject:   subject,
		Priority:  priority,
		Timestamp: time.Now().UTC(),
		InReplyTo: inReplyTo,
		ThreadID:  thread,
	}
}

// ValidPriority reports whether p is one of the defined priority levels.
func ValidPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// ValidPayloadType reports whether t is one of the defined payload types.
func ValidPayloadType(t string) bool {
	switch t {
	case TypeRequest, TypeResponse, TypeNotification, TypeUpdate, TypeAck:
		return true
	}
	return false
}

// Validate checks required fields of a received envelope.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("envelope: id is required")
	}
	if e.From == "" {
		return fmt.Errorf("envelope: from is required")
	}
	if e.To == "" {
		return fmt.Errorf("envelope: to is required")
	}
	if e.Priority != "" && !ValidPriority(e.Priority) {
		return fmt.Errorf("envelope: unknown priority %q", e.Priority)
	}
	return nil
}

// Expired reports whether the envelope carries an expiry in the past.
func (e *Envelope) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// CanonicalString returns the string this envelope's signature covers.
// payloadJSON must be the payload bytes exactly as serialized by the sender.
func (e *Envelope) CanonicalString(payloadJSON []byte) string {
	return CanonicalString(e.From, e.To, e.Subject, e.Priority, e.InReplyTo, payloadJSON)
}

// Sign computes the Ed25519 signature over the canonical string and attaches
// it to the envelope.
func (e *Envelope) Sign(privateKeyPEM string, payloadJSON []byte) error {
	sig, err := Sign(privateKeyPEM, e.CanonicalString(payloadJSON))
	if err != nil {
		return err
	}
	e.Signature = sig
	return nil
}

// VerifySignature checks the attached signature against the sender's public
// key. ErrBadSignature when the envelope does not verify.
func (e *Envelope) VerifySignature(publicKeyHex string, payloadJSON []byte) error {
	return Verify(publicKeyHex, e.CanonicalString(payloadJSON), e.Signature)
}
