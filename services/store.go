package services

import (
	"context"

	"ecgmon/models"
)

// Device flag names under devices/{id}.
const (
	FlagLastSeen    = "lastSeen"
	FlagStreaming   = "streaming"
	FlagIsRecording = "isRecording"
)

// RecordStore persists recording sessions and their chunks.
type RecordStore interface {
	// CreateSession stores the metadata and returns the id allocated by the store.
	CreateSession(ctx context.Context, session *models.RecordingSession) (string, error)
	FinishSession(ctx context.Context, sessionID string, endedAt int64, label string) error
	WriteChunk(ctx context.Context, sessionID string, baseTimestamp int64, chunk *models.StoredChunk) error
	// CreateSnapshot stores a non-live session together with its points in one write.
	CreateSnapshot(ctx context.Context, session *models.RecordingSession, snapshot *models.DisplaySnapshot) (string, error)
	GetSession(ctx context.Context, sessionID string) (*models.RecordingSession, error)
	// ListSessions returns sessions newest first. limit <= 0 means no limit.
	ListSessions(ctx context.Context, limit int) ([]*models.RecordingSession, error)
	LoadRecording(ctx context.Context, sessionID string) (*models.RecordingData, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// DeviceFlagStore writes the per-device flags read by dashboards.
type DeviceFlagStore interface {
	SetDeviceFlag(ctx context.Context, deviceID, flag string, value interface{}) error
}

// Store is implemented by every storage backend.
type Store interface {
	RecordStore
	DeviceFlagStore
	Close() error
}
