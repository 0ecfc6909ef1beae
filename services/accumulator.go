package services

import (
	"ecgmon/models"

	"go.uber.org/zap"
)

// LeadAccumulator expands chunks into timestamped samples and appends them to
// the device's intake buffer. It performs no I/O.
type LeadAccumulator struct {
	store     *DeviceStore
	liveness  *LivenessMonitor
	estimator *HeartRateEstimator
	metrics   *Metrics
	logger    *zap.Logger
}

func NewLeadAccumulator(store *DeviceStore, liveness *LivenessMonitor, estimator *HeartRateEstimator, metrics *Metrics, logger *zap.Logger) *LeadAccumulator {
	return &LeadAccumulator{
		store:     store,
		liveness:  liveness,
		estimator: estimator,
		metrics:   metrics,
		logger:    logger,
	}
}

// Accumulate appends one chunk and returns the number of samples added across leads.
func (a *LeadAccumulator) Accumulate(chunk *models.LeadChunk) int {
	added := a.store.state(chunk.DeviceID).appendIntake(chunk.Expand())
	a.metrics.SamplesAccumulated(added)

	a.liveness.Touch(chunk.DeviceID)

	if chunk.BpmHint != nil {
		a.estimator.RecordHint(chunk.DeviceID, *chunk.BpmHint)
	}

	a.logger.Debug("Accumulated chunk",
		zap.String("device_id", chunk.DeviceID),
		zap.Int64("base_timestamp", chunk.BaseTimestamp),
		zap.Int("samples", added))

	return added
}
