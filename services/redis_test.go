package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"ecgmon/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLivePublisher(t *testing.T) (*LiveStatePublisher, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLiveStatePublisherWithClient(client, "ecg:bpm:stream", 30*time.Second, zap.NewNop()), client, mr
}

func TestLiveStatePublisher_Publish(t *testing.T) {
	ctx := context.Background()
	pub, client, _ := newTestLivePublisher(t)
	require.NoError(t, pub.Ping(ctx))

	last := int64(1_700_000_000_000)
	require.NoError(t, pub.Publish(ctx, LiveState{
		DeviceID:     "p1",
		Bpm:          72,
		Source:       models.BpmSourceLocal,
		Online:       true,
		LastActivity: &last,
		UpdatedAt:    last + 100,
	}))

	raw, err := client.Get(ctx, LiveKey("p1")).Result()
	require.NoError(t, err)

	var state LiveState
	require.NoError(t, json.Unmarshal([]byte(raw), &state))
	assert.Equal(t, 72, state.Bpm)
	assert.Equal(t, models.BpmSourceLocal, state.Source)
	assert.True(t, state.Online)

	ttl, err := client.TTL(ctx, LiveKey("p1")).Result()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, ttl)

	entries, err := client.XRange(ctx, "ecg:bpm:stream", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "p1", entries[0].Values["device_id"])
	assert.Equal(t, "72", entries[0].Values["bpm"])
	assert.Equal(t, "true", entries[0].Values["online"])
}

func TestLiveStatePublisher_WorkerPublishesNotified(t *testing.T) {
	pub, client, _ := newTestLivePublisher(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pub.Start(ctx)

	pub.Notify(LiveState{DeviceID: "p2", Bpm: 88, Source: models.BpmSourceDevice})

	require.Eventually(t, func() bool {
		n, err := client.XLen(context.Background(), "ecg:bpm:stream").Result()
		return err == nil && n == 1
	}, time.Second, 5*time.Millisecond)

	exists, err := client.Exists(context.Background(), LiveKey("p2")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)
}

func TestLiveStatePublisher_PipelineMirrorsEstimates(t *testing.T) {
	pub, client, _ := newTestLivePublisher(t)
	p, _ := newTestPipeline(t, testConfig(), newFakeClock(), WithLiveStatePublisher(pub))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pub.Start(ctx)

	require.NoError(t, p.Route("ecg/p1/realtime", []byte(`{"baseTimestamp":1000,"sampleIntervalMs":10,"lead2":[1,2],"bpm":64}`)))
	p.Flush()

	require.Eventually(t, func() bool {
		raw, err := client.Get(context.Background(), LiveKey("p1")).Result()
		if err != nil {
			return false
		}
		var state LiveState
		return json.Unmarshal([]byte(raw), &state) == nil && state.Bpm == 64 && state.Online
	}, time.Second, 5*time.Millisecond)
}
