package engine_test

import (
	"testing"

	"github.com/seantiz/offload/internal/engine"
)

func stateEvent(id, state string) engine.Event {
	return engine.Event{Type: engine.EventState, HandleID: id, State: state}
}

func TestEventBrokerSingleSubscriber(t *testing.T) {
	b := engine.NewEventBroker()
	ch, unsub := b.Subscribe("h1")
	defer unsub()

	states := []string{"busy", "idle", "terminated"}
	for _, s := range states {
		b.Publish(stateEvent("h1", s))
	}
	b.Close("h1")

	var got []string
	for ev := range ch {
		got = append(got, ev.State)
	}

	if len(got) != len(states) {
		t.Fatalf("got %d events, want %d", len(got), len(states))
	}
	for i, s := range got {
		if s != states[i] {
			t.Errorf("event[%d].State = %q, want %q", i, s, states[i])
		}
	}
}

func TestEventBrokerMultipleSubscribers(t *testing.T) {
	b := engine.NewEventBroker()
	ch1, unsub1 := b.Subscribe("h1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("h1")
	defer unsub2()

	b.Publish(stateEvent("h1", "busy"))
	b.Close("h1")

	for i, ch := range []<-chan engine.Event{ch1, ch2} {
		var got []engine.Event
		for ev := range ch {
			got = append(got, ev)
		}
		if len(got) != 1 || got[0].State != "busy" {
			t.Errorf("subscriber %d got %v, want one busy event", i+1, got)
		}
	}
}

func TestEventBrokerLateSubscriberGetsClosed(t *testing.T) {
	b := engine.NewEventBroker()
	b.Publish(stateEvent("h1", "busy"))
	b.Close("h1")

	ch, unsub := b.Subscribe("h1")
	defer unsub()

	if _, ok := <-ch; ok {
		t.Error("late subscriber channel should be closed")
	}
}

func TestEventBrokerCloseWithoutSubscribers(t *testing.T) {
	b := engine.NewEventBroker()
	b.Close("never-subscribed")

	ch, _ := b.Subscribe("never-subscribed")
	if _, ok := <-ch; ok {
		t.Error("channel should be closed for a topic closed before subscription")
	}
}

func TestEventBrokerTopicIsolation(t *testing.T) {
	b := engine.NewEventBroker()
	ch1, unsub1 := b.Subscribe("h1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("h2")
	defer unsub2()

	b.Publish(stateEvent("h1", "busy"))
	b.Close("h1")
	b.Close("h2")

	var n1, n2 int
	for range ch1 {
		n1++
	}
	for range ch2 {
		n2++
	}
	if n1 != 1 || n2 != 0 {
		t.Errorf("h1 got %d events, h2 got %d; want 1 and 0", n1, n2)
	}
}

func TestEventBrokerUnsubscribe(t *testing.T) {
	b := engine.NewEventBroker()
	ch, unsub := b.Subscribe("h1")
	unsub()

	b.Publish(stateEvent("h1", "busy"))
	select {
	case ev := <-ch:
		t.Errorf("received %v after unsubscribe", ev)
	default:
	}
}

func TestEventBrokerSlowSubscriberDrops(t *testing.T) {
	b := engine.NewEventBroker()
	ch, unsub := b.Subscribe("h1")
	defer unsub()

	// Publishing past the buffer must not block.
	for range 200 {
		b.Publish(stateEvent("h1", "busy"))
	}
	b.Close("h1")

	n := 0
	for range ch {
		n++
	}
	if n == 0 || n >= 200 {
		t.Errorf("received %d events, want between 1 and 199", n)
	}
}
