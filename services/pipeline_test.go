package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"ecgmon/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type publishedMessage struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeTransport struct {
	mu        sync.Mutex
	published []publishedMessage
	err       error
}

func (f *fakeTransport) Start(context.Context) error { return nil }

func (f *fakeTransport) Publish(_ context.Context, topic string, qos byte, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, publishedMessage{topic: topic, qos: qos, payload: payload})
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func TestPipeline_SendCommand(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	p, _ := newTestPipeline(t, testConfig(), clock)

	assert.Error(t, p.SendCommand(ctx, "p1", models.CommandStart), "no transport yet")

	transport := &fakeTransport{}
	p.SetTransport(transport)

	require.NoError(t, p.SendCommand(ctx, "p1", models.CommandStart))
	assert.ErrorIs(t, p.SendCommand(ctx, "p1", "reboot"), ErrUnknownCommand)

	require.Len(t, transport.published, 1)
	msg := transport.published[0]
	assert.Equal(t, "devices/p1/command", msg.topic)
	assert.Equal(t, byte(1), msg.qos)

	var cmd models.DeviceCommand
	require.NoError(t, json.Unmarshal(msg.payload, &cmd))
	assert.Equal(t, models.CommandStart, cmd.Command)
	assert.Equal(t, clock.Now().UnixMilli(), cmd.IssuedAt)

	transport.err = errors.New("not connected")
	assert.Error(t, p.SendCommand(ctx, "p1", models.CommandStop))
}

func TestPipeline_RejectsBadTopics(t *testing.T) {
	cfg := testConfig()
	cfg.TelemetryTopic = "ecg/realtime"

	_, err := NewPipeline(cfg, NewMemoryStore(), nil, zap.NewNop())
	assert.Error(t, err)
}

func TestPipeline_DeviceHintReachesEstimate(t *testing.T) {
	p, _ := newTestPipeline(t, testConfig(), newFakeClock())

	assert.Equal(t, 0, p.GetBpm("p1"))
	require.NoError(t, p.Route("ecg/p1/realtime", []byte(`{"baseTimestamp":1000,"sampleIntervalMs":10,"lead2":[1],"bpm":81.6}`)))
	assert.Equal(t, 82, p.GetBpm("p1"))

	est, ok := p.Bpm("p1")
	require.True(t, ok)
	assert.Equal(t, models.BpmSourceDevice, est.Source)
}

func TestPipeline_LocalEstimateFromWaveform(t *testing.T) {
	p, _ := newTestPipeline(t, testConfig(), newFakeClock())

	lead2 := values(waveform(0, 1990, 200, 900, 1600))
	require.NoError(t, p.Route("ecg/p1/realtime", telemetryJSON(0, 10, nil, lead2, nil)))
	assert.Equal(t, 0, p.GetBpm("p1"), "estimates follow the flush")

	p.Flush()
	assert.Equal(t, 86, p.GetBpm("p1"))
}

func TestPipeline_LivenessTransitionsSetStreamingFlag(t *testing.T) {
	clock := newFakeClock()
	p, store := newTestPipeline(t, testConfig(), clock)

	require.NoError(t, p.Route("ecg/p1/realtime", telemetryJSON(1000, 10, []float64{1}, nil, nil)))
	p.liveness.Poll()
	drain(p)

	flag, ok := store.DeviceFlag("p1", FlagStreaming)
	require.True(t, ok)
	assert.Equal(t, true, flag)

	clock.Advance(20 * time.Second)
	p.liveness.Poll()
	drain(p)

	flag, _ = store.DeviceFlag("p1", FlagStreaming)
	assert.Equal(t, false, flag)
}

func TestPipeline_AlertsFollowEstimatesAndLiveness(t *testing.T) {
	clock := newFakeClock()
	n := &recordingNotifier{name: "test"}
	dispatcher := NewAlertDispatcher([]Notifier{n}, time.Minute, nil, clock.Now, zap.NewNop())
	p, _ := newTestPipeline(t, testConfig(), clock, WithAlertDispatcher(dispatcher))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dispatcher.Start(ctx)

	require.NoError(t, p.Route("ecg/p1/realtime", []byte(`{"baseTimestamp":1000,"sampleIntervalMs":10,"lead2":[1],"bpm":140}`)))
	p.Flush()
	p.liveness.Poll()

	clock.Advance(20 * time.Second)
	p.liveness.Poll()

	require.Eventually(t, func() bool {
		return len(n.received()) == 2
	}, time.Second, 5*time.Millisecond)

	got := n.received()
	assert.Equal(t, models.BpmTooHigh, got[0].Type)
	assert.Equal(t, models.SeverityCritical, got[0].Severity)
	assert.Equal(t, models.DeviceWentDown, got[1].Type)
}

func TestPipeline_RunStopsRecordingsOnShutdown(t *testing.T) {
	p, store := newTestPipeline(t, testConfig(), newFakeClock())

	session, err := p.StartRecording(context.Background(), "p1", "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.NoError(t, p.Route("ecg/p1/realtime", telemetryJSON(5000, 10, []float64{1}, nil, nil)))
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
	}

	stored, err := store.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active)

	data, err := store.LoadRecording(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Contains(t, data.Chunks, int64(5000))
}
