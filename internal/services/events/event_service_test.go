package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/kelsjon3/stablequeue/internal/interfaces"
	"github.com/kelsjon3/stablequeue/internal/models"
)

func progressEvent(jobID string, percent float64) interfaces.Event {
	return interfaces.Event{
		Type:  interfaces.EventJobProgress,
		Frame: &models.ProgressFrame{JobID: jobID, Percent: percent},
	}
}

func receiveOne(t *testing.T, sub interfaces.Subscription) interfaces.Event {
	t.Helper()
	select {
	case event, ok := <-sub.C():
		require.True(t, ok, "subscription channel closed")
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return interfaces.Event{}
	}
}

func TestFanOutToAllSubscribers(t *testing.T) {
	svc := NewService(16, arbor.NewLogger())
	defer svc.Close()

	first := svc.Subscribe()
	defer first.Close()
	second := svc.Subscribe()
	defer second.Close()

	svc.Publish(progressEvent("job_1", 50))

	for _, sub := range []interfaces.Subscription{first, second} {
		event := receiveOne(t, sub)
		assert.Equal(t, interfaces.EventJobProgress, event.Type)
		assert.Equal(t, "job_1", event.Frame.JobID)
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	svc := NewService(2, arbor.NewLogger())
	defer svc.Close()

	slow := svc.Subscribe()
	defer slow.Close()

	// Fill the buffer and overflow by two; the oldest two events are evicted
	// for this subscriber only.
	for i := 1; i <= 4; i++ {
		svc.Publish(progressEvent("job_1", float64(i*10)))
	}

	assert.Equal(t, uint64(2), slow.Dropped())

	first := receiveOne(t, slow)
	assert.Equal(t, float64(30), first.Frame.Percent)
	second := receiveOne(t, slow)
	assert.Equal(t, float64(40), second.Frame.Percent)
}

func TestSlowSubscriberDoesNotAffectOthers(t *testing.T) {
	svc := NewService(2, arbor.NewLogger())
	defer svc.Close()

	slow := svc.Subscribe()
	defer slow.Close()
	fast := svc.Subscribe()
	defer fast.Close()

	for i := 1; i <= 3; i++ {
		svc.Publish(progressEvent("job_1", float64(i*10)))
		// The fast subscriber keeps draining.
		event := receiveOne(t, fast)
		assert.Equal(t, float64(i*10), event.Frame.Percent)
	}

	assert.Equal(t, uint64(0), fast.Dropped())
	assert.Equal(t, uint64(1), slow.Dropped())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	svc := NewService(16, arbor.NewLogger())
	defer svc.Close()

	sub := svc.Subscribe()
	sub.Close()

	// Publishing after close must not panic; the channel is closed.
	svc.Publish(progressEvent("job_1", 10))

	_, ok := <-sub.C()
	assert.False(t, ok)
}

func TestCloseShutsDownAllSubscribers(t *testing.T) {
	svc := NewService(16, arbor.NewLogger())

	sub := svc.Subscribe()
	require.NoError(t, svc.Close())

	_, ok := <-sub.C()
	assert.False(t, ok)

	// Close is idempotent, publish after close is a no-op, and late
	// subscribers get an already-closed feed.
	require.NoError(t, svc.Close())
	svc.Publish(progressEvent("job_1", 10))

	late := svc.Subscribe()
	_, ok = <-late.C()
	assert.False(t, ok)
}
