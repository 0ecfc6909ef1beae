package services

import (
	"context"
	"sync"
	"time"

	"ecgmon/models"

	"go.uber.org/zap"
)

// Notifier delivers alerts to one channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, alert *models.Alert) error
}

// AlertDispatcher fans alerts out to notifiers. Heart-rate alerts are throttled
// per device; liveness alerts are edge-triggered by the poller and pass through.
type AlertDispatcher struct {
	notifiers []Notifier
	throttle  time.Duration
	metrics   *Metrics
	logger    *zap.Logger
	now       func() time.Time
	alerts    chan *models.Alert

	mu             sync.Mutex
	lastAlertTimes map[string]time.Time
}

func NewAlertDispatcher(notifiers []Notifier, throttle time.Duration, metrics *Metrics, now func() time.Time, logger *zap.Logger) *AlertDispatcher {
	if now == nil {
		now = time.Now
	}
	return &AlertDispatcher{
		notifiers:      notifiers,
		throttle:       throttle,
		metrics:        metrics,
		logger:         logger,
		now:            now,
		alerts:         make(chan *models.Alert, 64),
		lastAlertTimes: make(map[string]time.Time),
	}
}

// Submit queues an alert without blocking.
func (d *AlertDispatcher) Submit(alert *models.Alert) {
	if alert == nil || len(d.notifiers) == 0 {
		return
	}
	select {
	case d.alerts <- alert:
	default:
		d.logger.Warn("Alert queue full, dropping alert",
			zap.String("device_id", alert.DeviceID),
			zap.String("type", string(alert.Type)))
	}
}

// Start delivers queued alerts until ctx is cancelled.
func (d *AlertDispatcher) Start(ctx context.Context) {
	names := make([]string, 0, len(d.notifiers))
	for _, n := range d.notifiers {
		names = append(names, n.Name())
	}
	d.logger.Info("Starting alert dispatcher",
		zap.Strings("notifiers", names),
		zap.Duration("throttle", d.throttle))

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Alert dispatcher stopped")
			return
		case alert := <-d.alerts:
			d.Dispatch(ctx, alert)
		}
	}
}

// Dispatch delivers one alert now. It returns false when the alert was throttled.
func (d *AlertDispatcher) Dispatch(ctx context.Context, alert *models.Alert) bool {
	if d.shouldThrottle(alert) {
		d.logger.Debug("Throttling alert",
			zap.String("device_id", alert.DeviceID),
			zap.String("type", string(alert.Type)))
		return false
	}

	for _, n := range d.notifiers {
		if err := n.Notify(ctx, alert); err != nil {
			d.logger.Error("Failed to send alert",
				zap.String("notifier", n.Name()),
				zap.String("device_id", alert.DeviceID),
				zap.String("type", string(alert.Type)),
				zap.Error(err))
			continue
		}
		d.metrics.AlertSent(n.Name())
		d.logger.Info("Alert sent",
			zap.String("notifier", n.Name()),
			zap.String("device_id", alert.DeviceID),
			zap.String("type", string(alert.Type)),
			zap.String("severity", string(alert.Severity)))
	}
	return true
}

func (d *AlertDispatcher) shouldThrottle(alert *models.Alert) bool {
	if alert.Family() == "liveness" || d.throttle <= 0 {
		return false
	}

	key := alert.DeviceID + "|" + alert.Family()
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.lastAlertTimes[key]; ok && now.Sub(last) < d.throttle {
		return true
	}
	d.lastAlertTimes[key] = now
	return false
}
