package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"mirador/internal/domain"
)

func newTestBus(queueCap int) *Bus {
	return New(NewSequenceAllocator(), nil, queueCap, slog.Default())
}

func publish(b *Bus, t domain.EventType) {
	b.Publish(context.Background(), domain.Event{Type: t})
}

func drain(sub domain.Subscription) []domain.Event {
	var out []domain.Event
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestPublishAssignsSequenceAndTimestamp(t *testing.T) {
	bus := newTestBus(10)
	sub := bus.Subscribe("a", nil)

	publish(bus, domain.EventFileCreated)
	publish(bus, domain.EventFileModified)

	got := drain(sub)
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Sequence != 1 || got[1].Sequence != 2 {
		t.Fatalf("expected sequences 1,2 got %d,%d", got[0].Sequence, got[1].Sequence)
	}
	if got[0].Timestamp.IsZero() {
		t.Fatal("expected timestamp to be assigned")
	}
}

func TestTypeFilter(t *testing.T) {
	bus := newTestBus(10)
	sub := bus.Subscribe("a", []domain.EventType{domain.EventGitCommit})

	publish(bus, domain.EventFileCreated)
	publish(bus, domain.EventGitCommit)
	publish(bus, domain.EventFileDeleted)

	got := drain(sub)
	if len(got) != 1 || got[0].Type != domain.EventGitCommit {
		t.Fatalf("expected only git.commit.created, got %v", got)
	}

	// Empty filter means everything.
	sub.SetTypes(nil)
	publish(bus, domain.EventFileCreated)
	if got := drain(sub); len(got) != 1 {
		t.Fatalf("expected 1 event after widening filter, got %d", len(got))
	}
}

func TestOrderingUnderConcurrentPublishers(t *testing.T) {
	bus := newTestBus(5000)
	sub := bus.Subscribe("a", nil)

	const producers = 8
	const perProducer = 100
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				publish(bus, domain.EventFileModified)
			}
		}()
	}
	wg.Wait()

	got := drain(sub)
	if len(got) != producers*perProducer {
		t.Fatalf("expected %d events, got %d", producers*perProducer, len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Sequence <= got[i-1].Sequence {
			t.Fatalf("delivery order violates sequence order at %d: %d then %d",
				i, got[i-1].Sequence, got[i].Sequence)
		}
	}
}

func TestOverflowKeepsNewest(t *testing.T) {
	const capacity = 10
	bus := newTestBus(capacity)
	sub := bus.Subscribe("slow", nil)

	// Saturate well past capacity without draining.
	for i := 0; i < 25; i++ {
		publish(bus, domain.EventFileModified)
	}

	got := drain(sub)
	if len(got) != capacity {
		t.Fatalf("expected exactly %d queued events, got %d", capacity, len(got))
	}
	// Newest-biased retention: sequences 16..25.
	if got[0].Sequence != 16 || got[len(got)-1].Sequence != 25 {
		t.Fatalf("expected sequences 16..25, got %d..%d",
			got[0].Sequence, got[len(got)-1].Sequence)
	}
}

func TestSubscribeReplacesExisting(t *testing.T) {
	bus := newTestBus(10)
	old := bus.Subscribe("a", nil)
	repl := bus.Subscribe("a", nil)

	publish(bus, domain.EventFileCreated)

	if _, ok := <-old.Events(); ok {
		t.Fatal("expected old queue to be closed without delivery")
	}
	if got := drain(repl); len(got) != 1 {
		t.Fatalf("expected replacement to receive the event, got %d", len(got))
	}
	if bus.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", bus.SubscriberCount())
	}
}

func TestUnsubscribeLeavesReplayEntry(t *testing.T) {
	replay := NewReplayBuffer(10, time.Minute, time.Minute, slog.Default())
	bus := New(NewSequenceAllocator(), replay, 10, slog.Default())
	sub := bus.Subscribe("a", nil)

	publish(bus, domain.EventFileCreated)
	bus.Unsubscribe(sub)
	publish(bus, domain.EventFileModified)

	events, _, ok := replay.EventsAfter("a", 0)
	if !ok {
		t.Fatal("expected replay entry to survive unsubscribe")
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 replayable events, got %d", len(events))
	}
	if events[1].Sequence != 2 {
		t.Fatalf("expected event published after disconnect to be buffered, got seq %d", events[1].Sequence)
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	bus := newTestBus(10)
	sub := bus.Subscribe("a", nil)

	bus.Close()
	bus.Close() // idempotent

	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected queue closed after bus close")
	}
	publish(bus, domain.EventFileCreated) // must be a no-op
}
