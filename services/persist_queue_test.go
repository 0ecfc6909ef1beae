package services

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestQueue(size, retries int, metrics *Metrics) *PersistQueue {
	q := NewPersistQueue(size, retries, metrics, zap.NewNop())
	q.backoff = time.Millisecond
	return q
}

func TestPersistQueue_RunsJobsInOrder(t *testing.T) {
	q := newTestQueue(8, 3, nil)

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		require.True(t, q.Enqueue(&PersistJob{Kind: "chunk", Write: func(context.Context) error {
			order = append(order, i)
			return nil
		}}))
	}
	assert.Equal(t, 5, q.Len())

	q.Drain(context.Background())
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.Equal(t, 0, q.Len())
}

func TestPersistQueue_RetriesUntilSuccess(t *testing.T) {
	metrics := NewMetrics("ecgmon")
	q := newTestQueue(8, 3, metrics)

	var calls atomic.Int32
	q.Enqueue(&PersistJob{Kind: "chunk", Write: func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("unavailable")
		}
		return nil
	}})
	q.Drain(context.Background())

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.persistWrites.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.persistWrites.WithLabelValues("success")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.messagesDropped.WithLabelValues(DropPersistFailed)))
}

func TestPersistQueue_GivesUpAfterMaxRetries(t *testing.T) {
	metrics := NewMetrics("ecgmon")
	q := newTestQueue(8, 3, metrics)

	var calls atomic.Int32
	q.Enqueue(&PersistJob{Kind: "chunk", Write: func(context.Context) error {
		calls.Add(1)
		return errors.New("unavailable")
	}})
	q.Drain(context.Background())

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.messagesDropped.WithLabelValues(DropPersistFailed)))
}

func TestPersistQueue_MissingSessionIsNotRetried(t *testing.T) {
	q := newTestQueue(8, 5, nil)

	var calls atomic.Int32
	q.Enqueue(&PersistJob{Kind: "chunk", Write: func(context.Context) error {
		calls.Add(1)
		return fmt.Errorf("write chunk: %w", ErrSessionNotFound)
	}})
	q.Drain(context.Background())

	assert.Equal(t, int32(1), calls.Load())
}

func TestPersistQueue_FullQueueDrops(t *testing.T) {
	metrics := NewMetrics("ecgmon")
	q := newTestQueue(2, 1, metrics)
	noop := func(context.Context) error { return nil }

	assert.True(t, q.Enqueue(&PersistJob{Write: noop}))
	assert.True(t, q.Enqueue(&PersistJob{Write: noop}))
	assert.False(t, q.Enqueue(&PersistJob{Kind: "chunk", Write: noop}))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.messagesDropped.WithLabelValues(DropPersistFull)))
}

func TestPersistQueue_SubmitWaitsForRoom(t *testing.T) {
	q := newTestQueue(1, 1, nil)
	noop := func(context.Context) error { return nil }
	require.True(t, q.Enqueue(&PersistJob{Write: noop}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Submit(ctx, &PersistJob{Write: noop})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	q.Drain(context.Background())
	assert.NoError(t, q.Submit(context.Background(), &PersistJob{Write: noop}))
}

func TestPersistQueue_ShutdownDrainsPending(t *testing.T) {
	q := newTestQueue(16, 1, nil)

	var done atomic.Int32
	for i := 0; i < 10; i++ {
		q.Enqueue(&PersistJob{Write: func(context.Context) error {
			done.Add(1)
			return nil
		}})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	go q.Start(ctx)

	require.True(t, q.WaitForShutdown(time.Second))
	assert.Equal(t, int32(10), done.Load())
}
