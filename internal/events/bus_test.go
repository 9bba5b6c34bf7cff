package events

import (
	"testing"
	"time"
)

func TestBusDeliversToTopicAndAll(t *testing.T) {
	bus := NewBus()
	started, unsubStarted := bus.Subscribe(EventTaskStarted, 4)
	defer unsubStarted()
	all, unsubAll := bus.Subscribe(All, 4)
	defer unsubAll()

	bus.Publish(Message{Event: EventTaskStarted, Strategy: "s", Time: time.Now()})
	bus.Publish(Message{Event: EventCycleCompleted, Strategy: "s"})

	if msg := <-started; msg.Event != EventTaskStarted {
		t.Fatalf("event=%s, expected %s", msg.Event, EventTaskStarted)
	}
	select {
	case msg := <-started:
		t.Fatalf("unexpected %s on task.started subscription", msg.Event)
	default:
	}
	if len(all) != 2 {
		t.Fatalf("all subscription got %d messages, expected 2", len(all))
	}
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventPromoted, 1)
	bus.Publish(Message{Event: EventPromoted})
	bus.Publish(Message{Event: EventPromoted})
	if len(ch) != 1 {
		t.Fatalf("buffered=%d, expected 1", len(ch))
	}
	unsub()
	unsub()
	if _, ok := <-ch; !ok {
		t.Fatal("buffered message lost on unsubscribe")
	}
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed after unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	bus.Publish(Message{Event: EventPromoted})
}
