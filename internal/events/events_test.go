package events

import (
	"encoding/json"
	"testing"
)

func TestPublishRemoteChange(t *testing.T) {
	bus := NewEventBus()

	var received *Event
	calls := 0
	bus.Subscribe(EventRemoteChange, func(event *Event) error {
		received = event
		calls++
		return nil
	})

	err := bus.PublishJSON(EventRemoteChange, RemoteChangePayload{TaskID: "T1", RemoteID: "42", EventType: "update_name"})
	if err != nil {
		t.Fatalf("PublishJSON failed: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	if received.Type != EventRemoteChange || received.CreatedAt.IsZero() {
		t.Errorf("unexpected event: %+v", received)
	}

	var decoded map[string]string
	if err := json.Unmarshal(received.Payload, &decoded); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if decoded["task_id"] != "T1" || decoded["remote_id"] != "42" {
		t.Errorf("unexpected payload: %v", decoded)
	}
	if _, ok := decoded["column_id"]; ok {
		t.Errorf("empty column_id should be omitted")
	}
}

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	bus := NewEventBus()
	var order []string

	bus.Subscribe(EventOnline, func(_ *Event) error { order = append(order, "engine"); return nil })
	bus.Subscribe(EventOnline, func(_ *Event) error { order = append(order, "status"); return nil })
	bus.Subscribe(EventOffline, func(_ *Event) error { order = append(order, "offline"); return nil })

	bus.Publish(&Event{Type: EventOnline})

	if len(order) != 2 || order[0] != "engine" || order[1] != "status" {
		t.Errorf("unexpected handler order: %v", order)
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	bus := NewEventBus()
	bus.Publish(&Event{Type: EventConflictResolved})
	if err := bus.PublishJSON(EventSyncError, SyncErrorPayload{Error: "boom"}); err != nil {
		t.Errorf("PublishJSON failed: %v", err)
	}
	if err := bus.PublishJSON(EventSyncError, func() {}); err == nil {
		t.Errorf("expected marshal error for unsupported payload")
	}
}

func TestEventDecodeTypedPayload(t *testing.T) {
	bus := NewEventBus()
	var got SyncCompletedPayload

	bus.Subscribe(EventSyncCompleted, func(event *Event) error {
		return event.Decode(&got)
	})

	err := bus.PublishJSON(EventSyncCompleted, SyncCompletedPayload{Direction: "both", Conflicts: 2, IntegrityOK: true})
	if err != nil {
		t.Fatalf("PublishJSON failed: %v", err)
	}

	if got.Direction != "both" || got.Conflicts != 2 || !got.IntegrityOK {
		t.Errorf("unexpected decoded payload: %+v", got)
	}
}

func TestNilBusPublishJSON(t *testing.T) {
	var bus *EventBus
	if err := bus.PublishJSON(EventOnline, ConnectivityPayload{Online: true}); err != nil {
		t.Errorf("nil bus should ignore publish, got %v", err)
	}
}
