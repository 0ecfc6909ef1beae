package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"ecgmon/config"
	"ecgmon/models"

	"go.uber.org/zap"
)

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// WithAlertDispatcher routes heart-rate and liveness alerts to d.
func WithAlertDispatcher(d *AlertDispatcher) Option {
	return func(p *Pipeline) {
		p.alerts = d
	}
}

// WithLiveStatePublisher mirrors estimate and liveness changes to Redis.
func WithLiveStatePublisher(lp *LiveStatePublisher) Option {
	return func(p *Pipeline) {
		p.live = lp
	}
}

// Pipeline owns the per-device state and exposes the read and control
// operations used by the HTTP API.
type Pipeline struct {
	config  *config.Config
	logger  *zap.Logger
	metrics *Metrics
	now     func() time.Time

	store       Store
	queue       *PersistQueue
	devices     *DeviceStore
	liveness    *LivenessMonitor
	estimator   *HeartRateEstimator
	accumulator *LeadAccumulator
	flusher     *FlushScheduler
	recorder    *RecordingController
	router      *Router
	vitals      *VitalsMonitor

	alerts *AlertDispatcher
	live   *LiveStatePublisher

	commandTopic TopicPattern
	transportMu  sync.RWMutex
	transport    Transport
}

func NewPipeline(cfg *config.Config, store Store, metrics *Metrics, logger *zap.Logger, opts ...Option) (*Pipeline, error) {
	telemetry, err := ParseTopicPattern(cfg.TelemetryTopic)
	if err != nil {
		return nil, fmt.Errorf("invalid telemetry topic: %w", err)
	}
	status, err := ParseTopicPattern(cfg.StatusTopic)
	if err != nil {
		return nil, fmt.Errorf("invalid status topic: %w", err)
	}
	command, err := ParseTopicPattern(cfg.CommandTopic)
	if err != nil {
		return nil, fmt.Errorf("invalid command topic: %w", err)
	}

	p := &Pipeline{
		config:       cfg,
		logger:       logger,
		metrics:      metrics,
		now:          time.Now,
		store:        store,
		commandTopic: command,
	}
	for _, opt := range opts {
		opt(p)
	}

	p.queue = NewPersistQueue(cfg.PersistQueueSize, cfg.PersistMaxRetries, metrics, logger.Named("persist"))
	p.devices = NewDeviceStore(cfg.DisplayCapacity)
	p.liveness = NewLivenessMonitor(cfg, metrics, p.now, logger.Named("liveness"))
	p.estimator = NewHeartRateEstimator(cfg, logger.Named("heartrate"))
	p.accumulator = NewLeadAccumulator(p.devices, p.liveness, p.estimator, metrics, logger.Named("accumulator"))
	p.flusher = NewFlushScheduler(p.devices, p.estimator, cfg.FlushInterval, metrics, logger.Named("flush"))
	p.recorder = NewRecordingController(store, p.queue, p.devices, metrics, p.now, logger.Named("recording"))
	p.router = NewRouter(telemetry, status, p.accumulator, p.recorder, p.liveness, p.queue, store, metrics, logger.Named("router"))
	p.vitals = NewVitalsMonitor(cfg)

	p.flusher.OnEstimate(p.onEstimate)
	p.liveness.OnTransition(p.onTransition)

	return p, nil
}

// Route is the MessageHandler handed to the transport.
func (p *Pipeline) Route(topic string, payload []byte) error {
	return p.router.Route(topic, payload)
}

// SetTransport sets the connection used for device commands.
func (p *Pipeline) SetTransport(t Transport) {
	p.transportMu.Lock()
	defer p.transportMu.Unlock()
	p.transport = t
}

// Run starts the background loops and blocks until ctx is cancelled. On the way
// out it stops active recordings and drains pending writes.
func (p *Pipeline) Run(ctx context.Context) {
	var wg sync.WaitGroup
	start := func(fn func(context.Context), c context.Context) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(c)
		}()
	}

	queueCtx, cancelQueue := context.WithCancel(context.Background())
	defer cancelQueue()

	start(p.queue.Start, queueCtx)
	start(p.flusher.Start, ctx)
	start(p.liveness.Start, ctx)
	if p.alerts != nil {
		start(p.alerts.Start, ctx)
	}
	if p.live != nil {
		start(p.live.Start, ctx)
	}

	p.logger.Info("Pipeline running",
		zap.String("telemetry_topic", p.config.TelemetryTopic),
		zap.String("status_topic", p.config.StatusTopic))

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	p.recorder.StopAll(stopCtx)
	cancel()

	cancelQueue()
	if !p.queue.WaitForShutdown(5 * time.Second) {
		p.logger.Warn("Persist queue did not drain in time", zap.Int("pending", p.queue.Len()))
	}

	wg.Wait()
	p.logger.Info("Pipeline stopped")
}

// Flush runs one render flush immediately.
func (p *Pipeline) Flush() []string {
	return p.flusher.Tick()
}

// GetDisplayBuffer returns a copy of the device's display window.
func (p *Pipeline) GetDisplayBuffer(deviceID string) models.DisplaySnapshot {
	return p.devices.Snapshot(deviceID)
}

// GetBpm returns the current heart rate, or 0 when none is known.
func (p *Pipeline) GetBpm(deviceID string) int {
	estimate, ok := p.estimator.Estimate(deviceID)
	if !ok {
		return 0
	}
	return estimate.Value
}

// Bpm returns the full estimate.
func (p *Pipeline) Bpm(deviceID string) (models.BpmEstimate, bool) {
	return p.estimator.Estimate(deviceID)
}

func (p *Pipeline) IsOnline(deviceID string) bool {
	return p.liveness.IsOnline(deviceID)
}

func (p *Pipeline) Liveness(deviceID string) models.LivenessRecord {
	return p.liveness.Record(deviceID)
}

// Devices lists the devices that have sent telemetry.
func (p *Pipeline) Devices() []string {
	return p.devices.Devices()
}

func (p *Pipeline) StartRecording(ctx context.Context, deviceID, label string) (*models.RecordingSession, error) {
	return p.recorder.StartRecording(ctx, deviceID, label)
}

func (p *Pipeline) StopRecording(ctx context.Context, deviceID string) (*models.RecordingSession, error) {
	return p.recorder.StopRecording(ctx, deviceID)
}

func (p *Pipeline) ActiveSession(deviceID string) (*models.RecordingSession, bool) {
	return p.recorder.ActiveSession(deviceID)
}

func (p *Pipeline) SaveSnapshot(ctx context.Context, deviceID string) (*models.RecordingSession, error) {
	return p.recorder.SaveSnapshot(ctx, deviceID)
}

func (p *Pipeline) DeleteSession(ctx context.Context, sessionID string) error {
	return p.recorder.DeleteSession(ctx, sessionID)
}

func (p *Pipeline) ListSessions(ctx context.Context, limit int) ([]*models.RecordingSession, error) {
	return p.recorder.ListSessions(ctx, limit)
}

// ExportCSV writes a stored session as CSV and returns the row count.
func (p *Pipeline) ExportCSV(ctx context.Context, sessionID string, w io.Writer) (int, error) {
	data, err := p.store.LoadRecording(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	return WriteRecordingCSV(w, data)
}

// SendCommand publishes a start or stop command to the device.
func (p *Pipeline) SendCommand(ctx context.Context, deviceID, command string) error {
	if command != models.CommandStart && command != models.CommandStop {
		return fmt.Errorf("%w: %q", ErrUnknownCommand, command)
	}

	p.transportMu.RLock()
	transport := p.transport
	p.transportMu.RUnlock()
	if transport == nil {
		return errors.New("no transport connected")
	}

	payload, err := json.Marshal(models.DeviceCommand{
		Command:  command,
		IssuedAt: p.now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	topic := p.commandTopic.Topic(deviceID)
	if err := transport.Publish(ctx, topic, commandQoS, payload); err != nil {
		return err
	}

	p.logger.Info("Device command sent",
		zap.String("device_id", deviceID),
		zap.String("command", command),
		zap.String("topic", topic))
	return nil
}

func (p *Pipeline) onEstimate(deviceID string, estimate models.BpmEstimate) {
	if p.alerts != nil {
		for _, alert := range p.vitals.Evaluate(deviceID, estimate, p.now()) {
			p.alerts.Submit(alert)
		}
	}
	if p.live != nil {
		rec := p.liveness.Record(deviceID)
		p.live.Notify(LiveState{
			DeviceID:     deviceID,
			Bpm:          estimate.Value,
			Source:       estimate.Source,
			Online:       rec.Online,
			LastActivity: rec.LastActivity,
			UpdatedAt:    p.now().UnixMilli(),
		})
	}
}

func (p *Pipeline) onTransition(t models.LivenessTransition) {
	streaming := t.Status != models.DeviceOffline
	deviceID := t.DeviceID
	p.queue.Enqueue(&PersistJob{
		Kind:     "device_flag",
		DeviceID: deviceID,
		Write: func(ctx context.Context) error {
			return p.store.SetDeviceFlag(ctx, deviceID, FlagStreaming, streaming)
		},
	})

	if p.alerts != nil {
		p.alerts.Submit(p.vitals.LivenessAlert(t))
	}

	if p.live != nil {
		state := LiveState{
			DeviceID:     deviceID,
			Online:       streaming,
			LastActivity: t.LastActivity,
			UpdatedAt:    t.At,
		}
		if estimate, ok := p.estimator.Estimate(deviceID); ok {
			state.Bpm = estimate.Value
			state.Source = estimate.Source
		}
		p.live.Notify(state)
	}
}
