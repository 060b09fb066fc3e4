package engine_test

import (
	"testing"

	"github.com/sweepd/sweepd/internal/engine"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := engine.NewBroker()

	ch, unsub := b.Subscribe("run-1")
	defer unsub()

	b.Publish(engine.Event{Type: engine.EventTaskStarted, RunID: "run-1", TaskID: "t1"})

	ev := <-ch
	if ev.Type != engine.EventTaskStarted || ev.TaskID != "t1" {
		t.Errorf("received %+v, want task_started for t1", ev)
	}
}

func TestBrokerIsolatesRuns(t *testing.T) {
	b := engine.NewBroker()

	ch1, unsub1 := b.Subscribe("run-1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("run-2")
	defer unsub2()

	b.Publish(engine.Event{Type: engine.EventProgress, RunID: "run-2"})

	select {
	case ev := <-ch1:
		t.Errorf("run-1 subscriber received %+v for run-2", ev)
	default:
	}

	if ev := <-ch2; ev.RunID != "run-2" {
		t.Errorf("run-2 subscriber received event for %q", ev.RunID)
	}
}

func TestBrokerUnsubscribe(t *testing.T) {
	b := engine.NewBroker()

	ch, unsub := b.Subscribe("run-1")
	unsub()

	b.Publish(engine.Event{Type: engine.EventProgress, RunID: "run-1"})

	select {
	case ev, ok := <-ch:
		if ok {
			t.Errorf("unsubscribed channel received %+v", ev)
		}
	default:
	}
}

func TestBrokerCloseSignalsSubscribers(t *testing.T) {
	b := engine.NewBroker()

	ch, unsub := b.Subscribe("run-1")
	defer unsub()

	b.Publish(engine.Event{Type: engine.EventRunCompleted, RunID: "run-1"})
	b.Close("run-1")

	// Buffered event is still delivered, then the channel closes.
	if ev, ok := <-ch; !ok || ev.Type != engine.EventRunCompleted {
		t.Fatalf("first receive = (%+v, %v), want buffered run_completed", ev, ok)
	}
	if _, ok := <-ch; ok {
		t.Error("channel still open after Close")
	}
}

func TestBrokerLateSubscriberGetsClosedChannel(t *testing.T) {
	b := engine.NewBroker()
	b.Close("run-1")

	ch, unsub := b.Subscribe("run-1")
	defer unsub()

	if _, ok := <-ch; ok {
		t.Error("late subscriber channel open, want closed")
	}
}

func TestBrokerDropsWhenSubscriberSlow(t *testing.T) {
	b := engine.NewBroker()

	ch, unsub := b.Subscribe("run-1")
	defer unsub()

	// Overfill the subscriber buffer; Publish must not block.
	for i := 0; i < 200; i++ {
		b.Publish(engine.Event{Type: engine.EventProgress, RunID: "run-1"})
	}

	drained := 0
	for {
		select {
		case <-ch:
			drained++
			continue
		default:
		}
		break
	}
	if drained == 0 || drained >= 200 {
		t.Errorf("drained %d events, want a full-but-bounded buffer", drained)
	}
}
