package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventSyncCompleted    = "sync_completed"
	EventSyncError        = "sync_error"
	EventOnline           = "online"
	EventOffline          = "offline"
	EventRemoteChange     = "remote_change"
	EventConflictResolved = "conflict_resolved"
)

// SyncCompletedPayload is published after every finished sync cycle.
type SyncCompletedPayload struct {
	Direction       string        `json:"direction"`
	Duration        time.Duration `json:"duration"`
	Conflicts       int           `json:"conflicts"`
	Pushed          int           `json:"pushed"`
	Pulled          int           `json:"pulled"`
	IntegrityOK     bool          `json:"integrity_ok"`
	IntegrityIssues int           `json:"integrity_issues"`
}

// SyncErrorPayload is published when a cycle aborts.
type SyncErrorPayload struct {
	Direction string `json:"direction"`
	Error     string `json:"error"`
}

// ConnectivityPayload accompanies online/offline transitions.
type ConnectivityPayload struct {
	Online                   bool  `json:"online"`
	LastSuccessfulConnection int64 `json:"last_successful_connection"`
}

// RemoteChangePayload describes a remote mutation received by webhook.
type RemoteChangePayload struct {
	TaskID    string `json:"task_id"`
	RemoteID  string `json:"remote_id"`
	EventType string `json:"event_type"`
	ColumnID  string `json:"column_id,omitempty"`
}

// ConflictResolvedPayload records one applied resolution.
type ConflictResolvedPayload struct {
	TaskID string `json:"task_id"`
	Winner string `json:"winner"`
	Policy string `json:"policy"`
}

// Event represents a lightweight domain event.
type Event struct {
	ID        int64
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Decode unmarshals the event payload into out.
func (e *Event) Decode(out interface{}) error {
	return json.Unmarshal(e.Payload, out)
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type in registration order.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		_ = handler(event)
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}
