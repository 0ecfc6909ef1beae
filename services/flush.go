package services

import (
	"context"
	"sync"
	"time"

	"ecgmon/models"

	"go.uber.org/zap"
)

// FlushListener receives a device's heart rate after a tick changed it.
type FlushListener func(deviceID string, estimate models.BpmEstimate)

// FlushScheduler drains intake buffers into the bounded display windows on a
// fixed period, decoupling bursty arrival from steady rendering.
type FlushScheduler struct {
	store     *DeviceStore
	estimator *HeartRateEstimator
	metrics   *Metrics
	logger    *zap.Logger
	interval  time.Duration

	// serializes ticks so a device's swap never runs concurrently with itself
	tickMu sync.Mutex

	listenersMu sync.RWMutex
	listeners   []FlushListener
}

func NewFlushScheduler(store *DeviceStore, estimator *HeartRateEstimator, interval time.Duration, metrics *Metrics, logger *zap.Logger) *FlushScheduler {
	return &FlushScheduler{
		store:     store,
		estimator: estimator,
		metrics:   metrics,
		logger:    logger,
		interval:  interval,
	}
}

// OnEstimate registers fn to be called after a tick for every changed estimate.
func (f *FlushScheduler) OnEstimate(fn FlushListener) {
	f.listenersMu.Lock()
	defer f.listenersMu.Unlock()
	f.listeners = append(f.listeners, fn)
}

// Start ticks until ctx is cancelled, then runs a final flush.
func (f *FlushScheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.logger.Info("Starting render flush scheduler",
		zap.Duration("interval", f.interval),
		zap.Int("capacity", f.store.Capacity()))

	for {
		select {
		case <-ctx.Done():
			f.Tick()
			f.logger.Info("Render flush scheduler stopped")
			return
		case <-ticker.C:
			f.Tick()
		}
	}
}

// Tick flushes every device with pending intake and returns the ids it flushed.
func (f *FlushScheduler) Tick() []string {
	f.tickMu.Lock()
	defer f.tickMu.Unlock()

	f.metrics.FlushTick()

	var flushed []string
	f.store.forEach(func(deviceID string, st *deviceState) {
		drained, ok := st.swapIntake()
		if !ok {
			return
		}
		st.publish(drained, f.store.Capacity())
		f.estimator.Scan(deviceID, drained[models.Lead2])
		flushed = append(flushed, deviceID)
	})

	f.estimator.Advance()

	if len(flushed) > 0 {
		f.logger.Debug("Flushed intake to display", zap.Int("devices", len(flushed)))
	}

	f.notify()
	return flushed
}

// notify reports estimates changed by scans or device hints since the last tick.
func (f *FlushScheduler) notify() {
	f.listenersMu.RLock()
	listeners := f.listeners
	f.listenersMu.RUnlock()
	if len(listeners) == 0 {
		return
	}

	for _, deviceID := range f.store.Devices() {
		estimate, ok := f.estimator.TakeChanged(deviceID)
		if !ok {
			continue
		}
		for _, fn := range listeners {
			fn(deviceID, estimate)
		}
	}
}
