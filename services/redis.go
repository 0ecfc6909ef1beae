package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"ecgmon/config"
	"ecgmon/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const liveKeyPrefix = "ecg:live:"

// LiveState is the per-device state cached for dashboards.
type LiveState struct {
	DeviceID     string           `json:"device_id"`
	Bpm          int              `json:"bpm"`
	Source       models.BpmSource `json:"source"`
	Online       bool             `json:"online"`
	LastActivity *int64           `json:"last_activity"`
	UpdatedAt    int64            `json:"updated_at"`
}

// LiveKey returns the cache key of a device's live state.
func LiveKey(deviceID string) string {
	return liveKeyPrefix + deviceID
}

// LiveStatePublisher caches each device's latest heart rate in Redis and appends
// it to a stream consumed by other services.
type LiveStatePublisher struct {
	client  *redis.Client
	stream  string
	ttl     time.Duration
	logger  *zap.Logger
	pending chan LiveState
}

func NewLiveStatePublisher(cfg *config.Config, logger *zap.Logger) *LiveStatePublisher {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewLiveStatePublisherWithClient(client, cfg.RedisBpmStream, cfg.RedisLiveTTL, logger)
}

func NewLiveStatePublisherWithClient(client *redis.Client, stream string, ttl time.Duration, logger *zap.Logger) *LiveStatePublisher {
	return &LiveStatePublisher{
		client:  client,
		stream:  stream,
		ttl:     ttl,
		logger:  logger,
		pending: make(chan LiveState, 256),
	}
}

// Ping checks the Redis connection.
func (p *LiveStatePublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Publish writes the state synchronously.
func (p *LiveStatePublisher) Publish(ctx context.Context, state LiveState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal live state: %w", err)
	}

	if err := p.client.Set(ctx, LiveKey(state.DeviceID), data, p.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache live state for %s: %w", state.DeviceID, err)
	}

	values := map[string]interface{}{
		"device_id":  state.DeviceID,
		"bpm":        strconv.Itoa(state.Bpm),
		"source":     string(state.Source),
		"online":     strconv.FormatBool(state.Online),
		"updated_at": strconv.FormatInt(state.UpdatedAt, 10),
	}
	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: 10000,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("failed to append to stream %s: %w", p.stream, err)
	}
	return nil
}

// Notify queues a state for the background worker without blocking.
func (p *LiveStatePublisher) Notify(state LiveState) {
	select {
	case p.pending <- state:
	default:
		p.logger.Warn("Live state queue full, dropping update",
			zap.String("device_id", state.DeviceID))
	}
}

// Start publishes queued states until ctx is cancelled.
func (p *LiveStatePublisher) Start(ctx context.Context) {
	p.logger.Info("Starting live state publisher", zap.String("stream", p.stream))

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Live state publisher stopped")
			return
		case state := <-p.pending:
			writeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := p.Publish(writeCtx, state); err != nil {
				p.logger.Error("Failed to publish live state",
					zap.String("device_id", state.DeviceID),
					zap.Error(err))
			}
			cancel()
		}
	}
}

func (p *LiveStatePublisher) Close() error {
	return p.client.Close()
}
