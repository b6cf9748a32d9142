// Package events fans task lifecycle events out to subscribers. The
// in-process hub serves single-process deployments; an optional Redis
// mirror spreads events across processes.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/websterhq/webster/internal/observability"
)

// Type names the event kinds a task emits.
type Type string

const (
	TypeProgress Type = "progress"
	TypeLog      Type = "log"
	TypeTerminal Type = "terminal"
)

// subscriberBuffer is the per-subscriber channel depth. Slow consumers
// lose non-terminal events beyond this.
const subscriberBuffer = 100

// Event is one task lifecycle notification.
type Event struct {
	TaskID    string    `json:"taskId"`
	Type      Type      `json:"type"`
	Status    string    `json:"status,omitempty"`
	Percent   int       `json:"percent"`
	Message   string    `json:"message,omitempty"`
	Level     string    `json:"level,omitempty"`
	ErrorKind string    `json:"errorKind,omitempty"`
	At        time.Time `json:"at"`
	Origin    string    `json:"origin,omitempty"`
}

// Terminal reports whether this event ends the task's stream.
func (e Event) Terminal() bool { return e.Type == TypeTerminal }

// Hub routes events to per-task subscriber channels.
type Hub struct {
	id     string
	buffer int
	logger *observability.Logger
	mirror *RedisMirror
	mu     sync.RWMutex
	subs   map[string][]chan Event
	closed bool
}

// NewHub creates an in-process hub.
func NewHub(logger *observability.Logger) *Hub {
	return newHub(subscriberBuffer, logger)
}

func newHub(buffer int, logger *observability.Logger) *Hub {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Hub{
		id:     uuid.NewString(),
		buffer: buffer,
		logger: logger,
		subs:   make(map[string][]chan Event),
	}
}

// SetMirror attaches a cross-process mirror. Call before serving.
func (h *Hub) SetMirror(m *RedisMirror) {
	h.mirror = m
}

// Subscribe registers a listener for one task. The returned cancel is
// idempotent; the channel closes after the task's terminal event, on
// cancel, or on hub close.
func (h *Hub) Subscribe(taskID string) (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subs[taskID] = append(h.subs[taskID], ch)
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() { h.unsubscribe(taskID, ch) })
	}
	return ch, cancel
}

// SubscriberCount reports how many listeners a task currently has.
func (h *Hub) SubscriberCount(taskID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[taskID])
}

// Publish delivers an event to the task's subscribers and mirrors it.
// Terminal events close the task's channels after delivery.
func (h *Hub) Publish(ctx context.Context, event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	if event.Origin == "" {
		event.Origin = h.id
	}
	h.deliver(ctx, event)

	if h.mirror != nil {
		if err := h.mirror.Publish(ctx, event); err != nil {
			h.logger.Warn(ctx, "event mirror publish failed",
				"task", event.TaskID, "type", string(event.Type), "error", err)
		}
	}
}

// DeliverRemote feeds a mirrored event from another process into local
// subscribers. Events this hub originated are skipped.
func (h *Hub) DeliverRemote(ctx context.Context, event Event) {
	if event.Origin == h.id {
		return
	}
	h.deliver(ctx, event)
}

func (h *Hub) deliver(ctx context.Context, event Event) {
	h.mu.RLock()
	subs := h.subs[event.TaskID]
	for i := 0; i < len(subs); i++ {
		h.send(ctx, event, subs[i])
	}
	h.mu.RUnlock()

	if event.Terminal() {
		h.closeTask(event.TaskID)
	}
}

// send delivers without blocking. Full buffers drop non-terminal events;
// a terminal event retries and then evicts the oldest queued event so
// the stream always ends with it.
func (h *Hub) send(ctx context.Context, event Event, ch chan Event) {
	select {
	case ch <- event:
		return
	default:
	}
	if !event.Terminal() {
		h.logger.Warn(ctx, "subscriber buffer full, dropping event",
			"task", event.TaskID, "type", string(event.Type))
		return
	}

	select {
	case ch <- event:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- event:
	default:
		h.logger.Warn(ctx, "subscriber buffer refilled, terminal event lost",
			"task", event.TaskID)
	}
}

func (h *Hub) unsubscribe(taskID string, ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subs[taskID]
	for i := 0; i < len(subs); i++ {
		if subs[i] == ch {
			h.subs[taskID] = append(subs[:i], subs[i+1:]...)
			close(ch)
			if len(h.subs[taskID]) == 0 {
				delete(h.subs, taskID)
			}
			return
		}
	}
}

func (h *Hub) closeTask(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subs[taskID]
	for i := 0; i < len(subs); i++ {
		close(subs[i])
	}
	delete(h.subs, taskID)
}

// Close shuts the hub down and closes every subscriber channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for taskID, subs := range h.subs {
		for i := 0; i < len(subs); i++ {
			close(subs[i])
		}
		delete(h.subs, taskID)
	}
}
