package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()

	ch, cancel := b.Subscribe(8, TopicSessionIdle)
	defer cancel()

	b.Publish(TopicSessionIdle, "s1", nil)

	select {
	case ev := <-ch:
		if ev.Topic != TopicSessionIdle || ev.SessionID != "s1" {
			t.Errorf("got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestTopicFiltering(t *testing.T) {
	b := New()

	ch, cancel := b.Subscribe(8, TopicCompaction)
	defer cancel()

	b.Publish(TopicSessionIdle, "s1", nil)
	b.Publish(TopicCompaction, "s1", map[string]int{"saved": 500})

	ev := <-ch
	if ev.Topic != TopicCompaction {
		t.Errorf("filter leaked %q", ev.Topic)
	}
	select {
	case extra := <-ch:
		t.Errorf("unexpected second event %+v", extra)
	default:
	}
}

func TestSubscribeAllTopics(t *testing.T) {
	b := New()

	ch, cancel := b.Subscribe(8)
	defer cancel()

	b.Publish(TopicSessionIdle, "s1", nil)
	b.Publish(TopicCompaction, "s1", nil)

	got := 0
	timeout := time.After(time.Second)
	for got < 2 {
		select {
		case <-ch:
			got++
		case <-timeout:
			t.Fatalf("received %d events, want 2", got)
		}
	}
}

func TestDropOnFull(t *testing.T) {
	b := New()

	_, cancel := b.Subscribe(1, TopicStreamDelta)
	defer cancel()

	// Buffer of one: second publish must drop, not block.
	done := make(chan struct{})
	go func() {
		b.Publish(TopicStreamDelta, "s1", "a")
		b.Publish(TopicStreamDelta, "s1", "b")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on full subscriber")
	}
	if b.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", b.Dropped())
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()

	ch, cancel := b.Subscribe(1, TopicSessionIdle)
	cancel()
	cancel() // idempotent

	if _, open := <-ch; open {
		t.Error("channel still open after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Errorf("subscriber count = %d", b.SubscriberCount())
	}

	// Publishing after unsubscribe must not panic.
	b.Publish(TopicSessionIdle, "s1", nil)
}
