package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"ecgmon/models"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingNotifier struct {
	name string
	err  error

	mu     sync.Mutex
	alerts []*models.Alert
}

func (n *recordingNotifier) Name() string {
	return n.name
}

func (n *recordingNotifier) Notify(_ context.Context, alert *models.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
	return n.err
}

func (n *recordingNotifier) received() []*models.Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*models.Alert(nil), n.alerts...)
}

func TestVitals_Evaluate(t *testing.T) {
	v := NewVitalsMonitor(testConfig())
	at := time.UnixMilli(1_700_000_000_000)

	tests := []struct {
		bpm      int
		typ      models.AlertType
		severity models.Severity
	}{
		{75, "", ""},
		{60, "", ""},
		{100, "", ""},
		{101, models.BpmTooHigh, models.SeverityWarning},
		{121, models.BpmTooHigh, models.SeverityCritical},
		{59, models.BpmTooLow, models.SeverityWarning},
		{49, models.BpmTooLow, models.SeverityCritical},
	}

	for _, tt := range tests {
		alerts := v.Evaluate("p1", models.BpmEstimate{Value: tt.bpm}, at)
		if tt.typ == "" {
			assert.Empty(t, alerts, "bpm %d", tt.bpm)
			continue
		}
		require.Len(t, alerts, 1, "bpm %d", tt.bpm)
		assert.Equal(t, tt.typ, alerts[0].Type)
		assert.Equal(t, tt.severity, alerts[0].Severity)
		assert.Equal(t, float64(tt.bpm), alerts[0].Value)
		assert.Equal(t, at, alerts[0].Timestamp)
	}
}

func TestVitals_LivenessAlert(t *testing.T) {
	v := NewVitalsMonitor(testConfig())
	last := int64(1_700_000_000_000)

	assert.Nil(t, v.LivenessAlert(models.LivenessTransition{DeviceID: "p1", Status: models.DeviceOnline}))

	down := v.LivenessAlert(models.LivenessTransition{
		DeviceID:     "p1",
		Status:       models.DeviceOffline,
		LastActivity: &last,
		At:           last + 16_000,
	})
	require.NotNil(t, down)
	assert.Equal(t, models.DeviceWentDown, down.Type)
	assert.Contains(t, down.Description, "16 seconds")

	up := v.LivenessAlert(models.LivenessTransition{
		DeviceID: "p1",
		Status:   models.DeviceRecovered,
		At:       last + 200_000,
		DownFor:  3 * time.Minute,
	})
	require.NotNil(t, up)
	assert.Equal(t, models.DeviceCameBack, up.Type)
	assert.Equal(t, 180.0, up.Value)
	assert.Contains(t, up.Description, "3 min 0 sec")
}

func TestAlertDispatcher_ThrottlesHeartRatePerDevice(t *testing.T) {
	clock := newFakeClock()
	metrics := NewMetrics("ecgmon")
	n := &recordingNotifier{name: "test"}
	d := NewAlertDispatcher([]Notifier{n}, 15*time.Second, metrics, clock.Now, zap.NewNop())
	ctx := context.Background()

	high := &models.Alert{Type: models.BpmTooHigh, DeviceID: "p1"}
	low := &models.Alert{Type: models.BpmTooLow, DeviceID: "p1"}
	other := &models.Alert{Type: models.BpmTooHigh, DeviceID: "p2"}

	assert.True(t, d.Dispatch(ctx, high))
	assert.False(t, d.Dispatch(ctx, high))
	assert.False(t, d.Dispatch(ctx, low), "high and low share a window")
	assert.True(t, d.Dispatch(ctx, other))

	clock.Advance(15 * time.Second)
	assert.True(t, d.Dispatch(ctx, low))

	assert.Len(t, n.received(), 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.alertsSent.WithLabelValues("test")))
}

func TestAlertDispatcher_LivenessIsNeverThrottled(t *testing.T) {
	n := &recordingNotifier{name: "test"}
	d := NewAlertDispatcher([]Notifier{n}, time.Hour, nil, newFakeClock().Now, zap.NewNop())
	ctx := context.Background()

	assert.True(t, d.Dispatch(ctx, &models.Alert{Type: models.DeviceWentDown, DeviceID: "p1"}))
	assert.True(t, d.Dispatch(ctx, &models.Alert{Type: models.DeviceCameBack, DeviceID: "p1"}))
	assert.True(t, d.Dispatch(ctx, &models.Alert{Type: models.DeviceWentDown, DeviceID: "p1"}))
	assert.Len(t, n.received(), 3)
}

func TestAlertDispatcher_FailingNotifierDoesNotBlockOthers(t *testing.T) {
	metrics := NewMetrics("ecgmon")
	bad := &recordingNotifier{name: "bad", err: errors.New("down")}
	good := &recordingNotifier{name: "good"}
	d := NewAlertDispatcher([]Notifier{bad, good}, 0, metrics, nil, zap.NewNop())

	d.Dispatch(context.Background(), &models.Alert{Type: models.BpmTooHigh, DeviceID: "p1"})

	assert.Len(t, good.received(), 1)
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.alertsSent.WithLabelValues("bad")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.alertsSent.WithLabelValues("good")))
}

func TestAlertDispatcher_StartDeliversSubmitted(t *testing.T) {
	n := &recordingNotifier{name: "test"}
	d := NewAlertDispatcher([]Notifier{n}, 0, nil, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(ctx)

	d.Submit(nil)
	d.Submit(&models.Alert{Type: models.BpmTooLow, DeviceID: "p1"})

	require.Eventually(t, func() bool {
		return len(n.received()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestFormatAlertMessage(t *testing.T) {
	msg := formatAlertMessage(&models.Alert{
		Type:        models.BpmTooHigh,
		Severity:    models.SeverityCritical,
		DeviceID:    "p1",
		Value:       130,
		Threshold:   120,
		Timestamp:   time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC),
		Description: "Heart rate 130 BPM exceeds critical limit of 120 BPM",
	})

	assert.True(t, strings.HasPrefix(msg, "📈 <b>HIGH HEART RATE</b>"))
	assert.Contains(t, msg, "<b>Device:</b> p1")
	assert.Contains(t, msg, "2024-03-01 10:30:00")
	assert.Contains(t, msg, "130 BPM (limit 120)")
	assert.Contains(t, msg, "<b>Status:</b> CRITICAL")

	recovered := formatAlertMessage(&models.Alert{
		Type:     models.DeviceCameBack,
		Severity: models.SeverityInfo,
		DeviceID: "p1",
		Value:    3725,
	})
	assert.Contains(t, recovered, "DEVICE RECOVERED")
	assert.Contains(t, recovered, "1 hr 2 min")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "42 seconds", formatDuration(42*time.Second))
	assert.Equal(t, "2 min 5 sec", formatDuration(125*time.Second))
	assert.Equal(t, "3 hr 15 min", formatDuration(3*time.Hour+15*time.Minute))
	assert.Equal(t, "2 days 1 hr", formatDuration(49*time.Hour))
}
