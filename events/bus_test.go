package events

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dario-valles/ralph-swarm/log"
)

// TestMain runs before all tests to set up the test environment
func TestMain(m *testing.M) {
	// Initialize the logger before any tests run
	log.Initialize()
	defer log.Close()

	os.Exit(m.Run())
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	bus := NewBus()
	ch1, unsub1 := bus.Subscribe(4)
	defer unsub1()
	ch2, unsub2 := bus.Subscribe(4)
	defer unsub2()

	bus.Publish(Event{Type: TaskScheduled, TaskID: "t1", AgentID: "agent-1"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			assert.Equal(t, TaskScheduled, e.Type)
			assert.Equal(t, "t1", e.TaskID)
			assert.False(t, e.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestPublishPreservesExplicitTimestamp(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(1)
	defer unsub()

	stamp := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	bus.Publish(Event{Type: BranchMerged, Timestamp: stamp})

	e := <-ch
	assert.True(t, stamp.Equal(e.Timestamp))
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			bus.Publish(Event{Type: AgentStopped})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber channel")
	}

	published, dropped := bus.Stats()
	assert.Equal(t, int64(10), published)
	assert.Equal(t, int64(9), dropped)
	require.Len(t, ch, 1)
}

func TestUnsubscribeClosesChannelAndStopsDelivery(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(4)

	unsub()
	// Idempotent.
	unsub()

	_, open := <-ch
	assert.False(t, open)

	// No subscribers left: publish must not panic or count drops.
	bus.Publish(Event{Type: MergeFailed})
	_, dropped := bus.Stats()
	assert.Zero(t, dropped)
}

func TestSubscribeDefaultsBufferSize(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(0)
	defer unsub()

	for i := 0; i < 64; i++ {
		bus.Publish(Event{Type: TaskCompleted})
	}
	_, dropped := bus.Stats()
	assert.Zero(t, dropped)
	assert.Len(t, ch, 64)
}
