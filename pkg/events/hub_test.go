package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/strand/pkg/model"
)

func TestHubFanOut(t *testing.T) {
	hub := NewHub(8)

	a := hub.Subscribe("s-1")
	b := hub.Subscribe("s-1")
	other := hub.Subscribe("s-2")

	hub.Publish("s-1", model.TextDelta{Text: "hello"})

	for _, sub := range []*Subscriber{a, b} {
		ev := <-sub.Events()
		delta, ok := ev.(model.TextDelta)
		require.True(t, ok)
		assert.Equal(t, "hello", delta.Text)
	}

	select {
	case ev := <-other.Events():
		t.Fatalf("cross-session leak: %v", ev)
	default:
	}
}

func TestHubSlowSubscriberDroppedWithLag(t *testing.T) {
	hub := NewHub(2)

	slow := hub.Subscribe("s-1")
	fast := hub.Subscribe("s-1")

	// Fill slow's buffer without draining; one extra publish evicts it.
	for i := 0; i < 3; i++ {
		hub.Publish("s-1", model.TextDelta{Text: "x"})
	}

	assert.Equal(t, 1, hub.SubscriberCount("s-1"))

	// Slow still sees the buffered events, then the lag notice, then close.
	var got []model.StreamEvent
	for ev := range slow.Events() {
		got = append(got, ev)
	}
	require.Len(t, got, 3)
	lag, ok := got[2].(model.Lag)
	require.True(t, ok, "last event before close must be a lag notice")
	assert.Equal(t, 1, lag.Dropped)

	// The fast subscriber is unaffected and keeps receiving.
	hub.Publish("s-1", model.TextDelta{Text: "after"})
	drained := 0
	for range 4 {
		<-fast.Events()
		drained++
	}
	assert.Equal(t, 4, drained)
}

func TestHubCloseSession(t *testing.T) {
	hub := NewHub(4)
	sub := hub.Subscribe("s-1")

	hub.Publish("s-1", model.StepEnd{StopReason: model.StopEndTurn})
	hub.CloseSession("s-1")

	ev, ok := <-sub.Events()
	require.True(t, ok)
	_, isEnd := ev.(model.StepEnd)
	assert.True(t, isEnd)

	_, ok = <-sub.Events()
	assert.False(t, ok, "channel must close after the terminal event")
	assert.Equal(t, 0, hub.SubscriberCount("s-1"))
}

func TestConcurrentPublishAndClose(t *testing.T) {
	// Publishers snapshot the subscriber set before sending, so a close
	// racing with a publish must never panic with a send on a closed
	// channel. Run with -race.
	hub := NewHub(4)

	var wg sync.WaitGroup
	for round := 0; round < 50; round++ {
		subs := make([]*Subscriber, 8)
		for i := range subs {
			subs[i] = hub.Subscribe("s-1")
		}

		for p := 0; p < 4; p++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 20; i++ {
					hub.Publish("s-1", model.TextDelta{Text: "x"})
				}
			}()
		}
		for _, sub := range subs {
			wg.Add(1)
			go func(sub *Subscriber) {
				defer wg.Done()
				<-sub.Events()
				sub.Close()
			}(sub)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			hub.CloseSession("s-1")
		}()
		wg.Wait()
	}

	assert.Equal(t, 0, hub.SubscriberCount("s-1"))
}

func TestSubscriberCloseIsIdempotent(t *testing.T) {
	hub := NewHub(4)
	sub := hub.Subscribe("s-1")
	sub.Close()
	sub.Close()
	hub.Publish("s-1", model.TextDelta{Text: "x"})
	assert.Equal(t, 0, hub.SubscriberCount("s-1"))
}
