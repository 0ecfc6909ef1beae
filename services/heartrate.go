package services

import (
	"math"
	"sync"
	"sync/atomic"

	"ecgmon/config"
	"ecgmon/models"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

type bpmState struct {
	mu sync.Mutex

	lastPeak    int64
	hasPeak     bool
	lastScanned int64
	hasScanned  bool

	local     *models.BpmEstimate
	hintEpoch uint64
	hasHint   bool
	current   *models.BpmEstimate
	changed   bool
}

// HeartRateEstimator detects R-peaks on lead II with a fixed threshold and a
// refractory window and turns RR intervals into beats per minute.
type HeartRateEstimator struct {
	config *config.Config
	logger *zap.Logger
	states *xsync.Map[string, *bpmState]

	// epoch counts completed flush ticks. Hints carry the epoch they arrived in,
	// which is the epoch the next scan belongs to.
	epoch atomic.Uint64
}

func NewHeartRateEstimator(cfg *config.Config, logger *zap.Logger) *HeartRateEstimator {
	return &HeartRateEstimator{
		config: cfg,
		logger: logger,
		states: xsync.NewMap[string, *bpmState](),
	}
}

func (h *HeartRateEstimator) state(deviceID string) *bpmState {
	if st, ok := h.states.Load(deviceID); ok {
		return st
	}
	st, _ := h.states.LoadOrStore(deviceID, &bpmState{})
	return st
}

// Scan feeds newly displayed lead-II samples. Samples at or before the last scanned
// timestamp are ignored, so overlapping input is harmless. A jump back by more than
// the longest accepted beat interval means the device clock restarted, and peak
// detection starts over from that sample. It reports whether a new local estimate
// was accepted.
func (h *HeartRateEstimator) Scan(deviceID string, samples []models.Sample) bool {
	if len(samples) == 0 {
		return false
	}

	st := h.state(deviceID)
	st.mu.Lock()
	defer st.mu.Unlock()

	var accepted *models.BpmEstimate
	for _, s := range samples {
		if st.hasScanned && s.Timestamp <= st.lastScanned {
			if st.lastScanned-s.Timestamp <= h.maxBeatIntervalMs() {
				continue
			}
			h.logger.Info("Device clock went backwards, restarting peak detection",
				zap.String("device_id", deviceID),
				zap.Int64("last_scanned", st.lastScanned),
				zap.Int64("timestamp", s.Timestamp))
			st.hasPeak = false
		}
		st.lastScanned = s.Timestamp
		st.hasScanned = true

		if s.Value <= h.config.RPeakThreshold {
			continue
		}
		if st.hasPeak && s.Timestamp-st.lastPeak <= h.config.MinPeakIntervalMs {
			continue
		}

		if st.hasPeak {
			rr := s.Timestamp - st.lastPeak
			bpm := int(math.Round(60000 / float64(rr)))
			if bpm > h.config.BpmMin && bpm < h.config.BpmMax {
				accepted = &models.BpmEstimate{
					Value:             bpm,
					LastPeakTimestamp: s.Timestamp,
					Source:            models.BpmSourceLocal,
				}
			} else {
				h.logger.Debug("Discarding implausible heart rate",
					zap.String("device_id", deviceID),
					zap.Int("bpm", bpm),
					zap.Int64("rr_ms", rr))
			}
		}
		st.lastPeak = s.Timestamp
		st.hasPeak = true
	}

	if accepted == nil {
		return false
	}

	st.local = accepted
	if h.hintWins(st) {
		return false
	}
	st.current = accepted
	st.changed = true
	return true
}

// maxBeatIntervalMs is the RR interval of the lowest accepted heart rate.
func (h *HeartRateEstimator) maxBeatIntervalMs() int64 {
	if h.config.BpmMin <= 0 {
		return 60000
	}
	return int64(60000 / h.config.BpmMin)
}

// hintWins reports whether a device-reported value should shadow a local estimate
// produced in the current scan.
func (h *HeartRateEstimator) hintWins(st *bpmState) bool {
	if !st.hasHint || h.config.BpmPrecedence != config.PrecedenceDevice {
		return false
	}
	return st.hintEpoch == h.epoch.Load()
}

// RecordHint stores a bpm value reported by the device itself.
func (h *HeartRateEstimator) RecordHint(deviceID string, bpm float64) {
	if math.IsNaN(bpm) || math.IsInf(bpm, 0) || bpm <= 0 {
		return
	}

	st := h.state(deviceID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if h.config.BpmPrecedence == config.PrecedenceLocal && st.local != nil {
		return
	}

	var lastPeak int64
	if st.hasPeak {
		lastPeak = st.lastPeak
	}
	st.current = &models.BpmEstimate{
		Value:             int(math.Round(bpm)),
		LastPeakTimestamp: lastPeak,
		Source:            models.BpmSourceDevice,
	}
	st.hintEpoch = h.epoch.Load()
	st.hasHint = true
	st.changed = true
}

// Advance closes the current flush epoch.
func (h *HeartRateEstimator) Advance() {
	h.epoch.Add(1)
}

// Estimate returns the current heart rate of a device, if any.
func (h *HeartRateEstimator) Estimate(deviceID string) (models.BpmEstimate, bool) {
	st, ok := h.states.Load(deviceID)
	if !ok {
		return models.BpmEstimate{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.current == nil {
		return models.BpmEstimate{}, false
	}
	return *st.current, true
}

// TakeChanged returns the estimate if it changed since the last call.
func (h *HeartRateEstimator) TakeChanged(deviceID string) (models.BpmEstimate, bool) {
	st, ok := h.states.Load(deviceID)
	if !ok {
		return models.BpmEstimate{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.changed || st.current == nil {
		return models.BpmEstimate{}, false
	}
	st.changed = false
	return *st.current, true
}
