package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"ecgmon/config"
	"ecgmon/models"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() *config.Config {
	return &config.Config{
		TelemetryTopic:       "ecg/+/realtime",
		StatusTopic:          "devices/+/status",
		CommandTopic:         "devices/+/command",
		StorageBackend:       config.StorageMemory,
		PersistQueueSize:     64,
		PersistMaxRetries:    3,
		DisplayCapacity:      300,
		FlushInterval:        100 * time.Millisecond,
		RPeakThreshold:       700,
		MinPeakIntervalMs:    300,
		BpmMin:               40,
		BpmMax:               200,
		BpmPrecedence:        config.PrecedenceDevice,
		OfflineThreshold:     15 * time.Second,
		LivenessPollInterval: time.Second,
		AlertThrottle:        15 * time.Second,
		BpmWarnLow:           60,
		BpmWarnHigh:          100,
		BpmCritLow:           50,
		BpmCritHigh:          120,
	}
}

func newTestPipeline(t *testing.T, cfg *config.Config, clock *fakeClock, opts ...Option) (*Pipeline, *MemoryStore) {
	t.Helper()

	store := NewMemoryStore()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	p, err := NewPipeline(cfg, store, NewMetrics("ecgmon"), zap.NewNop(), opts...)
	require.NoError(t, err)
	p.queue.backoff = time.Millisecond
	return p, store
}

// drain runs every queued persistence job.
func drain(p *Pipeline) {
	p.queue.Drain(context.Background())
}

func telemetryJSON(base, interval int64, lead1, lead2, lead3 []float64) []byte {
	return []byte(fmt.Sprintf(`{"baseTimestamp":%d,"sampleIntervalMs":%d,"lead1":%s,"lead2":%s,"lead3":%s}`,
		base, interval, floatsJSON(lead1), floatsJSON(lead2), floatsJSON(lead3)))
}

func floatsJSON(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("%g", v)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func timestamps(samples []models.Sample) []int64 {
	out := make([]int64, len(samples))
	for i, s := range samples {
		out[i] = s.Timestamp
	}
	return out
}

func values(samples []models.Sample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Value
	}
	return out
}

// waveform builds lead-II samples at 10 ms spacing with a peak of 1000 at each
// peak timestamp and a baseline of 100 elsewhere.
func waveform(from, to int64, peaks ...int64) []models.Sample {
	isPeak := make(map[int64]bool, len(peaks))
	for _, p := range peaks {
		isPeak[p] = true
	}
	var out []models.Sample
	for ts := from; ts <= to; ts += 10 {
		v := 100.0
		if isPeak[ts] {
			v = 1000
		}
		out = append(out, models.Sample{Timestamp: ts, Value: v})
	}
	return out
}
