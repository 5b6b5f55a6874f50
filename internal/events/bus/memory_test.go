package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minionhq/minion/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

func waitFor(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	received := make(chan *Event, 1)
	sub, err := b.Subscribe(SubjectTaskTransition, func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)
	require.True(t, sub.IsValid())

	ev := NewEvent("task.transitioned", "task-service", map[string]any{"task_id": int64(7)})
	require.NoError(t, b.Publish(context.Background(), SubjectTaskTransition, ev))

	got := waitFor(t, received)
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, "task.transitioned", got.Type)
}

func TestWildcardSubscription(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	received := make(chan *Event, 2)
	_, err := b.Subscribe("minion.task.>", func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), SubjectTaskTransition, NewEvent("a", "t", nil)))
	require.NoError(t, b.Publish(context.Background(), SubjectHPAlert, NewEvent("b", "t", nil)))

	waitFor(t, received)
	select {
	case <-received:
		t.Fatal("hp.alert must not match minion.task.>")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSingleTokenWildcard(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	received := make(chan *Event, 1)
	_, err := b.Subscribe("minion.*.registered", func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), SubjectAgentRegistered, NewEvent("r", "t", nil)))
	waitFor(t, received)
}

func TestQueueSubscribeRoundRobin(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var count1, count2 atomic.Int32
	_, err := b.QueueSubscribe(SubjectMessageSent, "workers", func(ctx context.Context, e *Event) error {
		count1.Add(1)
		return nil
	})
	require.NoError(t, err)
	_, err = b.QueueSubscribe(SubjectMessageSent, "workers", func(ctx context.Context, e *Event) error {
		count2.Add(1)
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Publish(context.Background(), SubjectMessageSent, NewEvent("m", "t", nil)))
	}

	assert.Eventually(t, func() bool {
		return count1.Load()+count2.Load() == 4
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), count1.Load())
	assert.Equal(t, int32(2), count2.Load())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	received := make(chan *Event, 1)
	sub, err := b.Subscribe(SubjectFlagSet, func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), SubjectFlagSet, NewEvent("f", "t", nil)))
	select {
	case <-received:
		t.Fatal("unsubscribed handler received event")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClosedBusRejectsPublish(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	b.Close()

	assert.False(t, b.IsConnected())
	err := b.Publish(context.Background(), SubjectFlagSet, NewEvent("f", "t", nil))
	require.Error(t, err)
}

func TestNilSafePublishHelper(t *testing.T) {
	// must not panic with a nil bus
	Publish(context.Background(), nil, SubjectFlagSet, NewEvent("f", "t", nil))
}
