package broker

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(sub *Subscription) []*Event {
	var out []*Event
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

func TestPublishFanOut(t *testing.T) {
	b := New()
	a := b.Subscribe("jobs:1:events")
	defer a.Close()
	c := b.Subscribe("jobs:1:events")
	defer c.Close()
	other := b.Subscribe("jobs:2:events")
	defer other.Close()

	b.Emit("jobs:1:events", "job.progress", map[string]interface{}{"progress": 30})

	require.Len(t, drain(a), 1)
	require.Len(t, drain(c), 1)
	assert.Empty(t, drain(other))
}

func TestDropOldestKeepsNewest(t *testing.T) {
	b := New(WithQueueCap(3))
	sub := b.Subscribe("jobs:1:events")
	defer sub.Close()

	for i := 0; i < 10; i++ {
		b.Emit("jobs:1:events", "job.progress", map[string]interface{}{"seq": i})
	}

	got := drain(sub)
	require.Len(t, got, 3)
	// Oldest were evicted; the final event survives and order holds.
	assert.Equal(t, 7, got[0].Data["seq"])
	assert.Equal(t, 8, got[1].Data["seq"])
	assert.Equal(t, 9, got[2].Data["seq"])
}

func TestSubscriberOrderingFIFO(t *testing.T) {
	b := New()
	sub := b.Subscribe("boq:1:events")
	defer sub.Close()

	for i := 0; i < 50; i++ {
		b.Emit("boq:1:events", "boq.item.updated", map[string]interface{}{"seq": i})
	}
	got := drain(sub)
	require.Len(t, got, 50)
	for i, ev := range got {
		assert.Equal(t, i, ev.Data["seq"], "event %d out of order", i)
	}
}

func TestCloseRemovesSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe("jobs:1:events")
	assert.Equal(t, 1, b.SubscriberCount("jobs:1:events"))

	sub.Close()
	sub.Close() // idempotent
	assert.Equal(t, 0, b.SubscriberCount("jobs:1:events"))

	// Publishing after close must not panic.
	b.Emit("jobs:1:events", "job.progress", nil)

	_, ok := <-sub.Events()
	assert.False(t, ok)
}

func TestHeartbeat(t *testing.T) {
	b := New(WithHeartbeat(20 * time.Millisecond))
	sub := b.Subscribe("jobs:1:events")
	defer sub.Close()

	select {
	case ev := <-sub.Events():
		assert.True(t, ev.Heartbeat())
	case <-time.After(time.Second):
		t.Fatal("no heartbeat received")
	}
}

func TestHeartbeatSkippedWhenFull(t *testing.T) {
	b := New(WithQueueCap(2), WithHeartbeat(10*time.Millisecond))
	sub := b.Subscribe("jobs:1:events")
	defer sub.Close()

	b.Emit("jobs:1:events", "job.progress", map[string]interface{}{"seq": 0})
	b.Emit("jobs:1:events", "job.progress", map[string]interface{}{"seq": 1})

	time.Sleep(60 * time.Millisecond)

	// The queue was full the whole time: heartbeats must not have
	// evicted domain events.
	got := drain(sub)
	require.Len(t, got, 2)
	for _, ev := range got {
		assert.False(t, ev.Heartbeat())
	}
}

func TestSSEFormat(t *testing.T) {
	ev := NewEvent("jobs:1:events", "job.completed", map[string]interface{}{"progress": 100})
	frame, err := ev.SSEFormat()
	require.NoError(t, err)
	assert.Contains(t, string(frame), "event: job.completed\n")
	assert.Contains(t, string(frame), fmt.Sprintf("id: %s\n", ev.ID))
	assert.Contains(t, string(frame), "data: {")
}
