package bus

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spyre-sh/spyre/internal/common/logger"
)

func newTestBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	return NewMemoryEventBus(logger.Default())
}

func TestPublishSubscribeExactTopic(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	var got []*Event
	_, err := b.Subscribe("task:abc:event", func(ctx context.Context, e *Event) error {
		got = append(got, e)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "task:abc:event", NewEvent("text", "test", nil)))
	require.NoError(t, b.Publish(context.Background(), "task:other:event", NewEvent("text", "test", nil)))

	require.Len(t, got, 1)
	assert.Equal(t, "text", got[0].Type)
}

func TestDeliveryIsSynchronousAndOrdered(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	var seq []string
	_, err := b.Subscribe("pipeline:p1", func(ctx context.Context, e *Event) error {
		seq = append(seq, e.Type)
		return nil
	})
	require.NoError(t, err)

	for _, typ := range []string{"started", "step_started", "step_completed", "completed"} {
		require.NoError(t, b.Publish(context.Background(), "pipeline:p1", NewEvent(typ, "test", nil)))
	}

	assert.Equal(t, []string{"started", "step_started", "step_completed", "completed"}, seq)
}

func TestWildcardSingleToken(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	var topics []string
	var mu sync.Mutex
	_, err := b.Subscribe("task:*:complete", func(ctx context.Context, e *Event) error {
		mu.Lock()
		topics = append(topics, e.Type)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "task:t1:complete", NewEvent("complete", "test", nil)))
	require.NoError(t, b.Publish(context.Background(), "task:t1:event", NewEvent("event", "test", nil)))
	// "*" must not span multiple tokens
	require.NoError(t, b.Publish(context.Background(), "task:t1:x:complete", NewEvent("deep", "test", nil)))

	assert.Equal(t, []string{"complete"}, topics)
}

func TestWildcardRemainder(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	count := 0
	_, err := b.Subscribe("agent:a1:>", func(ctx context.Context, e *Event) error {
		count++
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "agent:a1:output", NewEvent("output", "test", nil)))
	require.NoError(t, b.Publish(context.Background(), "agent:a1:complete", NewEvent("complete", "test", nil)))
	require.NoError(t, b.Publish(context.Background(), "agent:a2:output", NewEvent("output", "test", nil)))

	assert.Equal(t, 2, count)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	count := 0
	sub, err := b.Subscribe("ask-user:env1", func(ctx context.Context, e *Event) error {
		count++
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "ask-user:env1", NewEvent("ask", "test", nil)))
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())
	require.NoError(t, b.Publish(context.Background(), "ask-user:env1", NewEvent("ask", "test", nil)))

	assert.Equal(t, 1, count)
}

func TestSubscribeFromHandlerDoesNotDeadlock(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	done := make(chan struct{})
	_, err := b.Subscribe("task:t1:complete", func(ctx context.Context, e *Event) error {
		_, subErr := b.Subscribe("task:t2:complete", func(ctx context.Context, e *Event) error { return nil })
		assert.NoError(t, subErr)
		close(done)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "task:t1:complete", NewEvent("complete", "test", nil)))
	<-done
}

func TestClosedBusRejectsOperations(t *testing.T) {
	b := newTestBus(t)
	b.Close()

	assert.False(t, b.IsConnected())
	assert.Error(t, b.Publish(context.Background(), "x", NewEvent("x", "test", nil)))
	_, err := b.Subscribe("x", func(ctx context.Context, e *Event) error { return nil })
	assert.Error(t, err)
}
