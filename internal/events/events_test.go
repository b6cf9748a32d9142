package events

import (
	"context"
	"testing"
	"time"

	"github.com/websterhq/webster/internal/observability"
)

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("channel closed while waiting for event")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func waitClosed(t *testing.T, ch <-chan Event) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel never closed")
		}
	}
}

func TestSubscribeReceivesInOrder(t *testing.T) {
	hub := NewHub(observability.NopLogger())
	defer hub.Close()
	ch, cancel := hub.Subscribe("task-1")
	defer cancel()

	ctx := context.Background()
	hub.Publish(ctx, Event{TaskID: "task-1", Type: TypeProgress, Percent: 25})
	hub.Publish(ctx, Event{TaskID: "task-1", Type: TypeLog, Message: "clicking"})
	hub.Publish(ctx, Event{TaskID: "task-1", Type: TypeProgress, Percent: 75})

	if ev := recvEvent(t, ch); ev.Type != TypeProgress || ev.Percent != 25 {
		t.Errorf("event 1 = %+v", ev)
	}
	if ev := recvEvent(t, ch); ev.Type != TypeLog || ev.Message != "clicking" {
		t.Errorf("event 2 = %+v", ev)
	}
	if ev := recvEvent(t, ch); ev.Percent != 75 {
		t.Errorf("event 3 = %+v", ev)
	}
}

func TestTerminalClosesStream(t *testing.T) {
	hub := NewHub(observability.NopLogger())
	defer hub.Close()
	ch, cancel := hub.Subscribe("task-1")
	defer cancel()

	ctx := context.Background()
	hub.Publish(ctx, Event{TaskID: "task-1", Type: TypeProgress, Percent: 50})
	hub.Publish(ctx, Event{TaskID: "task-1", Type: TypeTerminal, Status: "completed", Percent: 100})

	if ev := recvEvent(t, ch); ev.Type != TypeProgress {
		t.Errorf("first event = %+v, want progress", ev)
	}
	ev := recvEvent(t, ch)
	if !ev.Terminal() || ev.Status != "completed" {
		t.Errorf("second event = %+v, want terminal completed", ev)
	}
	waitClosed(t, ch)

	if got := hub.SubscriberCount("task-1"); got != 0 {
		t.Errorf("SubscriberCount = %d after terminal, want 0", got)
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	hub := NewHub(observability.NopLogger())
	defer hub.Close()
	hub.Publish(context.Background(), Event{TaskID: "nobody", Type: TypeTerminal, Status: "failed"})
}

func TestMultipleSubscribersAllReceive(t *testing.T) {
	hub := NewHub(observability.NopLogger())
	defer hub.Close()
	chA, cancelA := hub.Subscribe("task-1")
	defer cancelA()
	chB, cancelB := hub.Subscribe("task-1")
	defer cancelB()

	hub.Publish(context.Background(), Event{TaskID: "task-1", Type: TypeProgress, Percent: 10})

	if ev := recvEvent(t, chA); ev.Percent != 10 {
		t.Errorf("subscriber A saw %+v", ev)
	}
	if ev := recvEvent(t, chB); ev.Percent != 10 {
		t.Errorf("subscriber B saw %+v", ev)
	}
}

func TestSlowSubscriberKeepsTerminal(t *testing.T) {
	hub := newHub(2, observability.NopLogger())
	defer hub.Close()
	ch, cancel := hub.Subscribe("task-1")
	defer cancel()

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		hub.Publish(ctx, Event{TaskID: "task-1", Type: TypeProgress, Percent: (i + 1) * 10})
	}
	hub.Publish(ctx, Event{TaskID: "task-1", Type: TypeTerminal, Status: "completed"})

	var got []Event
	for {
		ev, ok := <-ch
		if !ok {
			break
		}
		got = append(got, ev)
	}
	if len(got) != 2 {
		t.Fatalf("drained %d events, want buffered progress plus terminal", len(got))
	}
	if got[0].Percent != 20 {
		t.Errorf("surviving progress = %+v, want the second event after oldest eviction", got[0])
	}
	if !got[len(got)-1].Terminal() {
		t.Errorf("last event = %+v, want terminal", got[len(got)-1])
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	hub := NewHub(observability.NopLogger())
	defer hub.Close()
	ch, cancel := hub.Subscribe("task-1")

	cancel()
	cancel()
	waitClosed(t, ch)

	hub.Publish(context.Background(), Event{TaskID: "task-1", Type: TypeProgress, Percent: 10})
	if got := hub.SubscriberCount("task-1"); got != 0 {
		t.Errorf("SubscriberCount = %d after cancel, want 0", got)
	}
}

func TestDeliverRemoteSkipsOwnOrigin(t *testing.T) {
	hub := NewHub(observability.NopLogger())
	defer hub.Close()
	ch, cancel := hub.Subscribe("task-1")
	defer cancel()

	ctx := context.Background()
	hub.Publish(ctx, Event{TaskID: "task-1", Type: TypeProgress, Percent: 10})
	own := recvEvent(t, ch)
	if own.Origin == "" {
		t.Fatal("published event has no origin")
	}

	hub.DeliverRemote(ctx, own)
	select {
	case ev := <-ch:
		t.Fatalf("own-origin event redelivered: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	remote := Event{TaskID: "task-1", Type: TypeProgress, Percent: 90, Origin: "other-process"}
	hub.DeliverRemote(ctx, remote)
	if ev := recvEvent(t, ch); ev.Percent != 90 {
		t.Errorf("remote event = %+v", ev)
	}
}

func TestHubClose(t *testing.T) {
	hub := NewHub(observability.NopLogger())
	ch, cancel := hub.Subscribe("task-1")
	defer cancel()

	hub.Close()
	waitClosed(t, ch)

	late, lateCancel := hub.Subscribe("task-2")
	defer lateCancel()
	waitClosed(t, late)
}

func TestMemoryIdempotencyIndex(t *testing.T) {
	idx := NewMemoryIdempotencyIndex(time.Hour)
	ctx := context.Background()

	got, claimed := idx.Claim(ctx, "key-1", "task-a")
	if !claimed || got != "task-a" {
		t.Errorf("first Claim = (%q, %v), want (task-a, true)", got, claimed)
	}
	got, claimed = idx.Claim(ctx, "key-1", "task-b")
	if claimed || got != "task-a" {
		t.Errorf("duplicate Claim = (%q, %v), want (task-a, false)", got, claimed)
	}
	got, claimed = idx.Claim(ctx, "key-2", "task-b")
	if !claimed || got != "task-b" {
		t.Errorf("fresh key Claim = (%q, %v), want (task-b, true)", got, claimed)
	}

	idx.Release(ctx, "key-1")
	got, claimed = idx.Claim(ctx, "key-1", "task-c")
	if !claimed || got != "task-c" {
		t.Errorf("post-Release Claim = (%q, %v), want (task-c, true)", got, claimed)
	}
}

func TestMemoryIdempotencyIndexExpiry(t *testing.T) {
	idx := NewMemoryIdempotencyIndex(10 * time.Millisecond)
	ctx := context.Background()

	if _, claimed := idx.Claim(ctx, "key-1", "task-a"); !claimed {
		t.Fatal("first claim rejected")
	}
	time.Sleep(20 * time.Millisecond)
	got, claimed := idx.Claim(ctx, "key-1", "task-b")
	if !claimed || got != "task-b" {
		t.Errorf("post-expiry Claim = (%q, %v), want (task-b, true)", got, claimed)
	}
}
