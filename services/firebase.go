package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"ecgmon/config"
	"ecgmon/models"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/db"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

const (
	recordsPath = "ecg/records"
	devicesPath = "devices"
)

// sessionDoc mirrors a node under ecg/records/{id}. Chunk data is decoded separately.
type sessionDoc struct {
	CreatedAt int64              `json:"createdAt"`
	PatientID string             `json:"patientId"`
	Note      string             `json:"note"`
	Active    bool               `json:"active"`
	Kind      models.SessionKind `json:"kind,omitempty"`
	EndedAt   int64              `json:"endedAt,omitempty"`
}

func (d *sessionDoc) toSession(id string) *models.RecordingSession {
	kind := d.Kind
	if kind == "" {
		kind = models.SessionLive
	}
	return &models.RecordingSession{
		ID:        id,
		DeviceID:  d.PatientID,
		CreatedAt: d.CreatedAt,
		EndedAt:   d.EndedAt,
		Active:    d.Active,
		Label:     d.Note,
		Kind:      kind,
	}
}

type recordingDoc struct {
	sessionDoc
	Data     map[string]*models.StoredChunk `json:"data,omitempty"`
	Snapshot *models.DisplaySnapshot        `json:"snapshot,omitempty"`
}

// FirebaseStore keeps recordings and device flags in the Firebase Realtime Database.
type FirebaseStore struct {
	client *db.Client
	config *config.Config
	logger *zap.Logger
}

func NewFirebaseStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*FirebaseStore, error) {
	conf := &firebase.Config{
		DatabaseURL: cfg.FirebaseDbUrl,
	}

	opt := option.WithCredentialsJSON([]byte(cfg.FirebaseServiceAccountJSON))
	app, err := firebase.NewApp(ctx, conf, opt)
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %w", err)
	}

	client, err := app.Database(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting database client: %w", err)
	}

	fs := &FirebaseStore{
		client: client,
		config: cfg,
		logger: logger,
	}

	if err := fs.testConnection(ctx); err != nil {
		logger.Error("Firebase connection test failed", zap.Error(err))
		return nil, fmt.Errorf("firebase connection test failed: %w", err)
	}

	return fs, nil
}

// testConnection reads the device root with linear backoff between attempts.
func (fs *FirebaseStore) testConnection(ctx context.Context) error {
	maxRetries := 3

	for attempt := 1; attempt <= maxRetries; attempt++ {
		fs.logger.Info("Testing Firebase connection", zap.Int("attempt", attempt), zap.Int("max_retries", maxRetries))

		var probe interface{}
		err := fs.client.NewRef(devicesPath).OrderByKey().LimitToFirst(1).Get(ctx, &probe)
		if err == nil {
			fs.logger.Info("Firebase connection successful")
			return nil
		}

		fs.logger.Warn("Firebase connection failed",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}

	return fmt.Errorf("failed to connect to Firebase after %d attempts", maxRetries)
}

func (fs *FirebaseStore) record(sessionID string) *db.Ref {
	return fs.client.NewRef(recordsPath).Child(sessionID)
}

func (fs *FirebaseStore) CreateSession(ctx context.Context, session *models.RecordingSession) (string, error) {
	doc := sessionDoc{
		CreatedAt: session.CreatedAt,
		PatientID: session.DeviceID,
		Note:      session.Label,
		Active:    session.Active,
		Kind:      session.Kind,
	}

	ref, err := fs.client.NewRef(recordsPath).Push(ctx, doc)
	if err != nil {
		return "", fmt.Errorf("error creating recording session: %w", err)
	}

	fs.logger.Info("Recording session created",
		zap.String("session_id", ref.Key),
		zap.String("device_id", session.DeviceID),
		zap.String("kind", string(session.Kind)))

	return ref.Key, nil
}

func (fs *FirebaseStore) FinishSession(ctx context.Context, sessionID string, endedAt int64, label string) error {
	err := fs.record(sessionID).Update(ctx, map[string]interface{}{
		"active":  false,
		"endedAt": endedAt,
		"note":    label,
	})
	if err != nil {
		return fmt.Errorf("error finishing session %s: %w", sessionID, err)
	}
	return nil
}

func (fs *FirebaseStore) WriteChunk(ctx context.Context, sessionID string, baseTimestamp int64, chunk *models.StoredChunk) error {
	ref := fs.record(sessionID).Child("data").Child(strconv.FormatInt(baseTimestamp, 10))
	if err := ref.Set(ctx, chunk); err != nil {
		return fmt.Errorf("error writing chunk %d to session %s: %w", baseTimestamp, sessionID, err)
	}
	return nil
}

func (fs *FirebaseStore) CreateSnapshot(ctx context.Context, session *models.RecordingSession, snapshot *models.DisplaySnapshot) (string, error) {
	doc := recordingDoc{
		sessionDoc: sessionDoc{
			CreatedAt: session.CreatedAt,
			PatientID: session.DeviceID,
			Note:      session.Label,
			Active:    session.Active,
			Kind:      session.Kind,
		},
		Snapshot: snapshot,
	}

	ref, err := fs.client.NewRef(recordsPath).Push(ctx, doc)
	if err != nil {
		return "", fmt.Errorf("error saving snapshot: %w", err)
	}

	fs.logger.Info("Snapshot session created",
		zap.String("session_id", ref.Key),
		zap.String("device_id", session.DeviceID))

	return ref.Key, nil
}

func (fs *FirebaseStore) GetSession(ctx context.Context, sessionID string) (*models.RecordingSession, error) {
	var doc *sessionDoc
	if err := fs.record(sessionID).Get(ctx, &doc); err != nil {
		return nil, fmt.Errorf("error getting session %s: %w", sessionID, err)
	}
	if doc == nil {
		return nil, ErrSessionNotFound
	}
	return doc.toSession(sessionID), nil
}

func (fs *FirebaseStore) ListSessions(ctx context.Context, limit int) ([]*models.RecordingSession, error) {
	query := fs.client.NewRef(recordsPath).OrderByChild("createdAt")
	if limit > 0 {
		query = query.LimitToLast(limit)
	}

	var docs map[string]*sessionDoc
	if err := query.Get(ctx, &docs); err != nil {
		return nil, fmt.Errorf("error listing sessions: %w", err)
	}

	sessions := make([]*models.RecordingSession, 0, len(docs))
	for id, doc := range docs {
		if doc == nil {
			continue
		}
		sessions = append(sessions, doc.toSession(id))
	}
	sortSessionsNewestFirst(sessions)
	return sessions, nil
}

func (fs *FirebaseStore) LoadRecording(ctx context.Context, sessionID string) (*models.RecordingData, error) {
	var doc *recordingDoc
	if err := fs.record(sessionID).Get(ctx, &doc); err != nil {
		return nil, fmt.Errorf("error loading session %s: %w", sessionID, err)
	}
	if doc == nil {
		return nil, ErrSessionNotFound
	}

	data := &models.RecordingData{
		Session:  doc.toSession(sessionID),
		Chunks:   make(map[int64]*models.StoredChunk, len(doc.Data)),
		Snapshot: doc.Snapshot,
	}
	for key, chunk := range doc.Data {
		base, err := strconv.ParseInt(key, 10, 64)
		if err != nil || chunk == nil {
			fs.logger.Warn("Skipping invalid chunk key",
				zap.String("session_id", sessionID),
				zap.String("key", key))
			continue
		}
		data.Chunks[base] = chunk
	}
	return data, nil
}

func (fs *FirebaseStore) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := fs.GetSession(ctx, sessionID); err != nil {
		return err
	}
	if err := fs.record(sessionID).Delete(ctx); err != nil {
		return fmt.Errorf("error deleting session %s: %w", sessionID, err)
	}
	fs.logger.Info("Recording session deleted", zap.String("session_id", sessionID))
	return nil
}

func (fs *FirebaseStore) SetDeviceFlag(ctx context.Context, deviceID, flag string, value interface{}) error {
	ref := fs.client.NewRef(devicesPath).Child(deviceID).Child(flag)
	if err := ref.Set(ctx, value); err != nil {
		return fmt.Errorf("error setting %s for device %s: %w", flag, deviceID, err)
	}
	return nil
}

// Close closes the Firebase store
func (fs *FirebaseStore) Close() error {
	fs.logger.Info("Closing Firebase store")
	// Firebase client doesn't require explicit closing but we log it
	return nil
}
