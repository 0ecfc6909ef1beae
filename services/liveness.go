package services

import (
	"context"
	"sync"
	"time"

	"ecgmon/config"
	"ecgmon/models"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

type livenessEntry struct {
	mu           sync.Mutex
	lastActivity *int64
	online       bool
	offlineAt    int64
}

// LivenessMonitor tracks the last activity of every device and re-evaluates the
// online predicate on a fixed cadence, so silence alone flips a device offline.
type LivenessMonitor struct {
	config  *config.Config
	logger  *zap.Logger
	metrics *Metrics
	now     func() time.Time
	devices *xsync.Map[string, *livenessEntry]

	listenersMu sync.RWMutex
	listeners   []func(models.LivenessTransition)
}

// NewLivenessMonitor creates a monitor. A nil now uses time.Now.
func NewLivenessMonitor(cfg *config.Config, metrics *Metrics, now func() time.Time, logger *zap.Logger) *LivenessMonitor {
	if now == nil {
		now = time.Now
	}
	return &LivenessMonitor{
		config:  cfg,
		logger:  logger,
		metrics: metrics,
		now:     now,
		devices: xsync.NewMap[string, *livenessEntry](),
	}
}

// OnTransition registers fn to receive online/offline changes from the poller.
func (l *LivenessMonitor) OnTransition(fn func(models.LivenessTransition)) {
	l.listenersMu.Lock()
	defer l.listenersMu.Unlock()
	l.listeners = append(l.listeners, fn)
}

func (l *LivenessMonitor) entry(deviceID string) *livenessEntry {
	if e, ok := l.devices.Load(deviceID); ok {
		return e
	}
	e, _ := l.devices.LoadOrStore(deviceID, &livenessEntry{})
	return e
}

// Touch extends liveness to now.
func (l *LivenessMonitor) Touch(deviceID string) {
	l.SetLastSeen(deviceID, l.now().UnixMilli())
}

// SetLastSeen records a device-reported activity timestamp in unix milliseconds.
func (l *LivenessMonitor) SetLastSeen(deviceID string, lastSeenMs int64) {
	e := l.entry(deviceID)
	e.mu.Lock()
	ts := lastSeenMs
	e.lastActivity = &ts
	e.mu.Unlock()
}

// MarkOffline nulls the device's last activity.
func (l *LivenessMonitor) MarkOffline(deviceID string) {
	e := l.entry(deviceID)
	e.mu.Lock()
	e.lastActivity = nil
	e.mu.Unlock()
}

// IsOnline reports whether the device was active within the offline threshold.
func (l *LivenessMonitor) IsOnline(deviceID string) bool {
	e, ok := l.devices.Load(deviceID)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return l.onlineAt(e.lastActivity, l.now())
}

func (l *LivenessMonitor) onlineAt(lastActivity *int64, now time.Time) bool {
	if lastActivity == nil {
		return false
	}
	return now.UnixMilli()-*lastActivity < l.config.OfflineThreshold.Milliseconds()
}

// Record returns the liveness record of a device.
func (l *LivenessMonitor) Record(deviceID string) models.LivenessRecord {
	rec := models.LivenessRecord{DeviceID: deviceID}
	e, ok := l.devices.Load(deviceID)
	if !ok {
		return rec
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastActivity != nil {
		ts := *e.lastActivity
		rec.LastActivity = &ts
	}
	rec.Online = l.onlineAt(e.lastActivity, l.now())
	return rec
}

// Start runs the poller until ctx is cancelled.
func (l *LivenessMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(l.config.LivenessPollInterval)
	defer ticker.Stop()

	l.logger.Info("Liveness poller started",
		zap.Duration("poll_interval", l.config.LivenessPollInterval),
		zap.Duration("offline_threshold", l.config.OfflineThreshold))

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("Liveness poller stopped")
			return
		case <-ticker.C:
			l.Poll()
		}
	}
}

// Poll re-evaluates every device and notifies listeners about state changes.
func (l *LivenessMonitor) Poll() []models.LivenessTransition {
	now := l.now()
	var transitions []models.LivenessTransition
	online := 0

	l.devices.Range(func(deviceID string, e *livenessEntry) bool {
		e.mu.Lock()
		isOnline := l.onlineAt(e.lastActivity, now)
		was := e.online
		e.online = isOnline
		var last *int64
		if e.lastActivity != nil {
			ts := *e.lastActivity
			last = &ts
		}
		offlineAt := e.offlineAt
		if was && !isOnline {
			e.offlineAt = now.UnixMilli()
		}
		e.mu.Unlock()

		if isOnline {
			online++
		}
		if isOnline == was {
			return true
		}

		t := models.LivenessTransition{
			DeviceID:     deviceID,
			Status:       models.DeviceOnline,
			LastActivity: last,
			At:           now.UnixMilli(),
		}
		switch {
		case !isOnline:
			t.Status = models.DeviceOffline
			l.logger.Warn("Device went offline",
				zap.String("device_id", deviceID),
				zap.Any("last_activity", last))
		case offlineAt > 0:
			t.Status = models.DeviceRecovered
			t.DownFor = time.Duration(now.UnixMilli()-offlineAt) * time.Millisecond
			l.logger.Info("Device recovered",
				zap.String("device_id", deviceID),
				zap.Duration("down_duration", t.DownFor))
		default:
			l.logger.Info("Device came online", zap.String("device_id", deviceID))
		}
		transitions = append(transitions, t)
		return true
	})

	l.metrics.SetDevicesOnline(online)

	l.listenersMu.RLock()
	listeners := l.listeners
	l.listenersMu.RUnlock()
	for _, t := range transitions {
		for _, fn := range listeners {
			fn(t)
		}
	}

	return transitions
}
