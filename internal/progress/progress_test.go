package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubFanOutPerTarget(t *testing.T) {
	h := NewHub(8)
	a1, cancelA1 := h.Subscribe("a")
	defer cancelA1()
	a2, cancelA2 := h.Subscribe("a")
	defer cancelA2()
	b, cancelB := h.Subscribe("b")
	defer cancelB()

	h.Publish(Event{Type: EventCycleStart, TargetID: "a", Cycle: 1})

	for _, ch := range []<-chan Event{a1, a2} {
		select {
		case ev := <-ch:
			assert.Equal(t, EventCycleStart, ev.Type)
			assert.False(t, ev.Time.IsZero())
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
	select {
	case ev := <-b:
		t.Fatalf("target b received %v", ev)
	default:
	}
}

func TestHubReplaysLatest(t *testing.T) {
	h := NewHub(8)
	h.Publish(Event{Type: EventFixing, TargetID: "a", Message: "first"})
	h.Publish(Event{Type: EventDeploying, TargetID: "a", Message: "second"})

	ch, cancel := h.Subscribe("a")
	defer cancel()
	ev := <-ch
	assert.Equal(t, "second", ev.Message)

	latest, ok := h.Latest("a")
	require.True(t, ok)
	assert.Equal(t, EventDeploying, latest.Type)
	_, ok = h.Latest("none")
	assert.False(t, ok)
}

func TestHubSlowSubscriberDropsEvents(t *testing.T) {
	h := NewHub(2)
	ch, cancel := h.Subscribe("a")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.Publish(Event{Type: EventProgress, TargetID: "a", Cycle: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}
	assert.Len(t, ch, 2)
}

func TestHubFullSubscriberStillGetsLoopComplete(t *testing.T) {
	h := NewHub(2)
	ch, cancel := h.Subscribe("a")
	defer cancel()

	for i := 1; i <= 5; i++ {
		h.Publish(Event{Type: EventProgress, TargetID: "a", Cycle: i})
	}
	h.Publish(Event{Type: EventLoopComplete, TargetID: "a", Cycle: 5})

	require.Len(t, ch, 2)
	first, second := <-ch, <-ch
	assert.Equal(t, EventProgress, first.Type)
	assert.Equal(t, 2, first.Cycle)
	assert.Equal(t, EventLoopComplete, second.Type)
}

func TestHubCancelClosesChannel(t *testing.T) {
	h := NewHub(1)
	ch, cancel := h.Subscribe("a")
	assert.Equal(t, 1, h.Subscribers("a"))
	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, h.Subscribers("a"))
	h.Publish(Event{TargetID: "a"})
}

func TestPercent(t *testing.T) {
	assert.Equal(t, 10.0, Percent(1, 3, 0))
	assert.InDelta(t, 10+80.0/3+20, Percent(2, 3, 20), 1e-9)
	assert.Equal(t, 100.0, Percent(5, 1, 400))
	assert.Equal(t, 15.0, Percent(1, 0, 5))
}

func TestFinal(t *testing.T) {
	assert.True(t, EventLoopComplete.Final())
	assert.False(t, EventLoopStopped.Final())
}
