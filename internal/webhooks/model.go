package webhooks

import (
	"time"
)

// Event types dispatched to subscribers.
const (
	EventMessageDelivered = "message.delivered"
	EventMessageQueued    = "message.queued"
	EventAgentRegistered  = "agent.registered"
	EventAgentDeleted     = "agent.deleted"
	EventPeerRegistered   = "peer.registered"
	EventPeerUnreachable  = "peer.unreachable"

	// EventTest is what POST /api/webhooks/{id}/test sends.
	EventTest = "webhook.test"
)

var knownEvents = map[string]bool{
	EventMessageDelivered: true,
	EventMessageQueued:    true,
	EventAgentRegistered:  true,
	EventAgentDeleted:     true,
	EventPeerRegistered:   true,
	EventPeerUnreachable:  true,
}

// KnownEvent reports whether name is a subscribable event type.
func KnownEvent(name string) bool { return knownEvents[name] }

// Webhook is one subscription. Secret is stored but must never leave the
// API; handlers respond with Redacted copies.
type Webhook struct {
	ID                 string     `json:"id"`
	URL                string     `json:"url"`
	Events             []string   `json:"events"`
	Secret             string     `json:"secret,omitempty"`
	Active             bool       `json:"active"`
	CreatedAt          time.Time  `json:"createdAt"`
	FailureCount       int        `json:"failureCount"`
	LastDeliveryStatus string     `json:"lastDeliveryStatus,omitempty"`
	LastDeliveryAt     *time.Time `json:"lastDeliveryAt,omitempty"`
}

// Redacted returns a copy without the signing secret.
func (w Webhook) Redacted() Webhook {
	w.Secret = ""
	return w
}

// Subscribed reports whether the webhook listens for the event.
func (w *Webhook) Subscribed(event string) bool {
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

// Event is the body POSTed to subscriber endpoints.
type Event struct {
	Event     string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// CreateRequest is the payload for registering a webhook.
type CreateRequest struct {
	URL    string   `json:"url"    binding:"required,url"`
	Events []string `json:"events" binding:"required"`
}
