package bus_test

import (
	"sync"
	"testing"
	"time"

	"github.com/basket/crewdesk/internal/bus"
)

func TestBus_PrefixRouting(t *testing.T) {
	b := bus.New()
	taskSub := b.Subscribe("task.")
	allSub := b.Subscribe("")
	defer b.Unsubscribe(taskSub)
	defer b.Unsubscribe(allSub)

	b.Publish(bus.TopicTaskAssigned, bus.TaskEvent{TaskID: "t1", To: "in_progress"})
	b.Publish(bus.TopicMemoryArchived, bus.MemoryArchivedEvent{Archived: 3})

	select {
	case ev := <-taskSub.Ch():
		if ev.Topic != bus.TopicTaskAssigned {
			t.Fatalf("unexpected topic %q", ev.Topic)
		}
		if p, ok := ev.Payload.(bus.TaskEvent); !ok || p.TaskID != "t1" {
			t.Fatalf("unexpected payload %#v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for task event")
	}
	select {
	case ev := <-taskSub.Ch():
		t.Fatalf("task subscriber received foreign topic %q", ev.Topic)
	default:
	}

	got := 0
	timeout := time.After(time.Second)
	for got < 2 {
		select {
		case <-allSub.Ch():
			got++
		case <-timeout:
			t.Fatalf("wildcard subscriber got %d events, want 2", got)
		}
	}
}

func TestBus_FullBufferDropsWithoutBlocking(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("turn.")
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 150; i++ {
			b.Publish(bus.TopicTurnCompleted, bus.TurnEvent{TaskID: "t"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if b.Dropped() != 50 {
		t.Fatalf("dropped = %d, want 50", b.Dropped())
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("")
	if b.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber")
	}
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers")
	}
}

func TestBus_NilPublishIsNoop(t *testing.T) {
	var b *bus.Bus
	b.Publish(bus.TopicTaskCreated, nil)
}

func TestBus_ConcurrentPublishSubscribe(t *testing.T) {
	b := bus.New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s := b.Subscribe("task.")
			b.Unsubscribe(s)
		}()
		go func() {
			defer wg.Done()
			b.Publish(bus.TopicTaskCreated, bus.TaskEvent{})
		}()
	}
	wg.Wait()
}
