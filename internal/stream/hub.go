// Package stream fans live session status out to websocket subscribers.
// The hub is a pub/sub bus in front of the websocket handler: the session
// supervisor publishes status transitions, the message router pushes
// targeted frames such as read receipts, and slow subscribers have frames
// dropped rather than blocking either publisher.
package stream

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Frame types sent over the stream.
const (
	FrameInitialStatus = "initial_status"
	FrameStatusUpdate  = "status_update"
)

// Frame is one session status message.
type Frame struct {
	Type             string    `json:"type"`
	SessionName      string    `json:"sessionName,omitempty"`
	Status           string    `json:"status,omitempty"`
	HookStatus       string    `json:"hookStatus,omitempty"`
	NotificationType string    `json:"notificationType,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// SnapshotFunc lists the current status of every online session for the
// initial burst a fresh subscriber receives.
type SnapshotFunc func(ctx context.Context) []Frame

type subscriber struct {
	ch    chan any
	agent string
}

// Hub is the fan-out bus. Status transitions broadcast to everyone;
// targeted pushes reach only subscribers identifying as that agent.
type Hub struct {
	log  *zap.Logger
	snap SnapshotFunc

	mu   sync.RWMutex
	subs map[uint64]*subscriber
	next uint64
}

// NewHub returns a ready-to-use hub.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		log:  log,
		subs: make(map[uint64]*subscriber),
	}
}

// SetSnapshot wires the provider of the initial status burst.
func (h *Hub) SetSnapshot(fn SnapshotFunc) { h.snap = fn }

// Subscribe registers a subscriber. agent may be empty; it only matters for
// targeted pushes. The cancel function unsubscribes and closes the channel.
func (h *Hub) Subscribe(agent string) (<-chan any, func()) {
	sub := &subscriber{ch: make(chan any, subscriberBufferSize), agent: agent}

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub.ch)
		}
	}
	return sub.ch, cancel
}

// Clients returns the number of open subscriptions.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// PublishStatus broadcasts one session status transition. It satisfies the
// supervisor's notifier seam.
func (h *Hub) PublishStatus(sessionName, status, hookStatus, notificationType string) {
	h.broadcast(Frame{
		Type:             FrameStatusUpdate,
		SessionName:      sessionName,
		Status:           status,
		HookStatus:       hookStatus,
		NotificationType: notificationType,
		Timestamp:        time.Now().UTC(),
	})
}

// Push delivers a frame only to subscribers identifying as agentName. It
// satisfies the router's stream seam; frames to absent agents are dropped.
func (h *Hub) Push(agentName string, frame any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.agent != agentName {
			continue
		}
		select {
		case sub.ch <- frame:
		default:
		}
	}
}

func (h *Hub) broadcast(frame any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		select {
		case sub.ch <- frame:
		default:
		}
	}
}
