package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"ecgmon/models"

	"go.uber.org/zap"
)

// Message kinds produced by topic matching.
const (
	KindRealtime = "realtime"
	KindStatus   = "status"
)

// TopicPattern matches topics with exactly one single-level wildcard segment
// holding the device id, e.g. "ecg/+/realtime".
type TopicPattern struct {
	pattern  string
	segments []string
	wildcard int
}

// ParseTopicPattern validates a subscription pattern.
func ParseTopicPattern(pattern string) (TopicPattern, error) {
	segments := strings.Split(pattern, "/")
	wildcard := -1
	for i, seg := range segments {
		switch seg {
		case "+":
			if wildcard >= 0 {
				return TopicPattern{}, fmt.Errorf("topic pattern %q has more than one wildcard", pattern)
			}
			wildcard = i
		case "#":
			return TopicPattern{}, fmt.Errorf("topic pattern %q: multi-level wildcard not supported", pattern)
		}
	}
	if wildcard < 0 {
		return TopicPattern{}, fmt.Errorf("topic pattern %q has no device wildcard", pattern)
	}
	return TopicPattern{pattern: pattern, segments: segments, wildcard: wildcard}, nil
}

func (p TopicPattern) String() string {
	return p.pattern
}

// Match returns the device id when topic fits the pattern.
func (p TopicPattern) Match(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != len(p.segments) {
		return "", false
	}
	for i, seg := range p.segments {
		if i == p.wildcard {
			continue
		}
		if parts[i] != seg {
			return "", false
		}
	}
	deviceID := parts[p.wildcard]
	if deviceID == "" {
		return "", false
	}
	return deviceID, true
}

// Topic builds a concrete topic for a device.
func (p TopicPattern) Topic(deviceID string) string {
	parts := make([]string, len(p.segments))
	copy(parts, p.segments)
	parts[p.wildcard] = deviceID
	return strings.Join(parts, "/")
}

type telemetryPayload struct {
	BaseTimestamp    *float64  `json:"baseTimestamp"`
	StartMillis      *float64  `json:"startMillis"`
	SampleIntervalMs *float64  `json:"sampleIntervalMs"`
	Lead1            []float64 `json:"lead1"`
	Lead2            []float64 `json:"lead2"`
	Lead3            []float64 `json:"lead3"`
	Bpm              *float64  `json:"bpm"`
}

type statusPayload struct {
	LastSeen *float64 `json:"lastSeen"`
}

// Router parses raw transport messages and dispatches them. One router serves
// one delivery path, which keeps per-device arrival order.
type Router struct {
	telemetry   TopicPattern
	status      TopicPattern
	accumulator *LeadAccumulator
	recorder    *RecordingController
	liveness    *LivenessMonitor
	queue       *PersistQueue
	flags       DeviceFlagStore
	metrics     *Metrics
	logger      *zap.Logger
}

func NewRouter(telemetry, status TopicPattern, accumulator *LeadAccumulator, recorder *RecordingController, liveness *LivenessMonitor, queue *PersistQueue, flags DeviceFlagStore, metrics *Metrics, logger *zap.Logger) *Router {
	return &Router{
		telemetry:   telemetry,
		status:      status,
		accumulator: accumulator,
		recorder:    recorder,
		liveness:    liveness,
		queue:       queue,
		flags:       flags,
		metrics:     metrics,
		logger:      logger,
	}
}

// Route handles one message. Unknown topics are ignored. Invalid payloads are
// dropped and reported through the returned error, which callers only log.
func (r *Router) Route(topic string, payload []byte) error {
	if deviceID, ok := r.telemetry.Match(topic); ok {
		r.metrics.MessageReceived(KindRealtime)
		chunk, err := DecodeTelemetry(deviceID, payload)
		if err != nil {
			r.metrics.MessageDropped(DropMalformed)
			r.logger.Warn("Dropping realtime message",
				zap.String("topic", topic),
				zap.String("device_id", deviceID),
				zap.Error(err))
			return err
		}
		r.accumulator.Accumulate(chunk)
		r.recorder.OnChunk(chunk)
		return nil
	}

	if deviceID, ok := r.status.Match(topic); ok {
		r.metrics.MessageReceived(KindStatus)
		r.handleStatus(deviceID, payload)
		return nil
	}

	r.metrics.MessageDropped(DropUnknownTopic)
	r.logger.Debug("Ignoring message on unknown topic", zap.String("topic", topic))
	return nil
}

// DecodeTelemetry validates a realtime payload and converts it to a chunk.
func DecodeTelemetry(deviceID string, payload []byte) (*models.LeadChunk, error) {
	var p telemetryPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	base := p.BaseTimestamp
	if base == nil {
		base = p.StartMillis
	}
	if base == nil {
		return nil, fmt.Errorf("%w: baseTimestamp", ErrMissingField)
	}
	if p.SampleIntervalMs == nil {
		return nil, fmt.Errorf("%w: sampleIntervalMs", ErrMissingField)
	}

	interval := int64(math.Round(*p.SampleIntervalMs))
	if interval <= 0 {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidInterval, *p.SampleIntervalMs)
	}

	chunk := &models.LeadChunk{
		DeviceID:         deviceID,
		BaseTimestamp:    int64(math.Round(*base)),
		SampleIntervalMs: interval,
		Lead1:            p.Lead1,
		Lead2:            p.Lead2,
		Lead3:            p.Lead3,
	}
	if p.Bpm != nil {
		bpm := *p.Bpm
		chunk.BpmHint = &bpm
	}
	return chunk, nil
}

func (r *Router) handleStatus(deviceID string, payload []byte) {
	text := strings.TrimSpace(string(payload))
	if strings.EqualFold(strings.Trim(text, `"`), "offline") {
		r.liveness.MarkOffline(deviceID)
		r.logger.Info("Device reported offline", zap.String("device_id", deviceID))
		return
	}

	if strings.HasPrefix(text, "{") {
		var p statusPayload
		if err := json.Unmarshal([]byte(text), &p); err == nil && p.LastSeen != nil && *p.LastSeen > 0 {
			lastSeen := int64(math.Round(*p.LastSeen))
			r.liveness.SetLastSeen(deviceID, lastSeen)
			r.setFlag(deviceID, FlagLastSeen, lastSeen)
			return
		}
	}

	r.liveness.Touch(deviceID)
}

func (r *Router) setFlag(deviceID, flag string, value interface{}) {
	if r.flags == nil || r.queue == nil {
		return
	}
	r.queue.Enqueue(&PersistJob{
		Kind:     "device_flag",
		DeviceID: deviceID,
		Write: func(ctx context.Context) error {
			return r.flags.SetDeviceFlag(ctx, deviceID, flag, value)
		},
	})
}
