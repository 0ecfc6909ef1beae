package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ecgmon/models"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

type recorderStatus int

const (
	recorderIdle recorderStatus = iota
	recorderStarting
	recorderRecording
)

type recorderState struct {
	mu      sync.Mutex
	status  recorderStatus
	session *models.RecordingSession
}

// RecordingController runs the per-device Idle/Recording state machine and fans
// chunks out to durable storage while a session is active.
type RecordingController struct {
	store   Store
	queue   *PersistQueue
	display *DeviceStore
	metrics *Metrics
	logger  *zap.Logger
	now     func() time.Time
	states  *xsync.Map[string, *recorderState]

	// deleteMu orders deletes against queued session writes. Writers hold it
	// for reading, DeleteSession for writing.
	deleteMu sync.RWMutex
	deleted  map[string]struct{}
}

func NewRecordingController(store Store, queue *PersistQueue, display *DeviceStore, metrics *Metrics, now func() time.Time, logger *zap.Logger) *RecordingController {
	if now == nil {
		now = time.Now
	}
	return &RecordingController{
		store:   store,
		queue:   queue,
		display: display,
		metrics: metrics,
		logger:  logger,
		now:     now,
		states:  xsync.NewMap[string, *recorderState](),
		deleted: make(map[string]struct{}),
	}
}

func (r *RecordingController) state(deviceID string) *recorderState {
	if st, ok := r.states.Load(deviceID); ok {
		return st
	}
	st, _ := r.states.LoadOrStore(deviceID, &recorderState{})
	return st
}

// StartRecording creates a live session for the device. The store allocates the id.
func (r *RecordingController) StartRecording(ctx context.Context, deviceID, label string) (*models.RecordingSession, error) {
	st := r.state(deviceID)

	st.mu.Lock()
	if st.status != recorderIdle {
		st.mu.Unlock()
		return nil, ErrAlreadyRecording
	}
	st.status = recorderStarting
	st.mu.Unlock()

	started := r.now()
	if label == "" {
		label = "Rec Start: " + started.Format("15:04:05")
	}
	session := &models.RecordingSession{
		DeviceID:  deviceID,
		CreatedAt: started.UnixMilli(),
		Active:    true,
		Label:     label,
		Kind:      models.SessionLive,
	}

	id, err := r.store.CreateSession(ctx, session)
	if err != nil {
		st.mu.Lock()
		st.status = recorderIdle
		st.mu.Unlock()
		return nil, fmt.Errorf("failed to create recording session: %w", err)
	}
	session.ID = id

	st.mu.Lock()
	st.status = recorderRecording
	st.session = session
	r.enqueueFlag(deviceID, FlagIsRecording, true)
	st.mu.Unlock()

	r.logger.Info("Recording started",
		zap.String("device_id", deviceID),
		zap.String("session_id", id),
		zap.String("label", label))

	out := *session
	return &out, nil
}

// StopRecording ends the device's active session. Chunks received after the
// transition are not persisted.
func (r *RecordingController) StopRecording(ctx context.Context, deviceID string) (*models.RecordingSession, error) {
	st, ok := r.states.Load(deviceID)
	if !ok {
		return nil, ErrNotRecording
	}

	st.mu.Lock()
	if st.status != recorderRecording {
		st.mu.Unlock()
		return nil, ErrNotRecording
	}

	session := st.session
	st.status = recorderIdle
	st.session = nil

	ended := r.now()
	finished := *session
	finished.Active = false
	finished.EndedAt = ended.UnixMilli()
	finished.Label = stoppedLabel(session, ended)

	r.enqueueFlag(deviceID, FlagIsRecording, false)
	st.mu.Unlock()

	finish := func(ctx context.Context) error {
		return r.sessionWrite(ctx, finished.ID, func(ctx context.Context) error {
			return r.store.FinishSession(ctx, finished.ID, finished.EndedAt, finished.Label)
		})
	}

	// metadata goes behind the queued chunks so it lands after them
	err := r.queue.Submit(ctx, &PersistJob{
		Kind:      "finish_session",
		DeviceID:  deviceID,
		SessionID: finished.ID,
		Write:     finish,
	})
	if err != nil {
		r.logger.Warn("Persist queue unavailable, finishing session directly",
			zap.String("device_id", deviceID),
			zap.String("session_id", finished.ID),
			zap.Error(err))

		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.queue.writeTimeout)
		err = finish(writeCtx)
		cancel()
		if err != nil {
			return &finished, fmt.Errorf("failed to finish recording session %s: %w", finished.ID, err)
		}
	}

	r.logger.Info("Recording stopped",
		zap.String("device_id", deviceID),
		zap.String("session_id", finished.ID),
		zap.Duration("duration", time.Duration(finished.EndedAt-finished.CreatedAt)*time.Millisecond))

	return &finished, nil
}

func stoppedLabel(session *models.RecordingSession, ended time.Time) string {
	start := time.UnixMilli(session.CreatedAt).Format("15:04:05")
	end := ended.Format("15:04:05")
	if session.Label == "" || session.Label == "Rec Start: "+start {
		return fmt.Sprintf("Rec: %s - %s", start, end)
	}
	return fmt.Sprintf("%s (%s - %s)", session.Label, start, end)
}

// OnChunk persists the chunk when the device is recording. It never blocks on I/O.
func (r *RecordingController) OnChunk(chunk *models.LeadChunk) bool {
	st, ok := r.states.Load(chunk.DeviceID)
	if !ok {
		return false
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.status != recorderRecording {
		return false
	}

	sessionID := st.session.ID
	base := chunk.BaseTimestamp
	stored := models.NewStoredChunk(chunk)

	return r.queue.Enqueue(&PersistJob{
		Kind:      "chunk",
		DeviceID:  chunk.DeviceID,
		SessionID: sessionID,
		Write: func(ctx context.Context) error {
			return r.sessionWrite(ctx, sessionID, func(ctx context.Context) error {
				return r.store.WriteChunk(ctx, sessionID, base, stored)
			})
		},
	})
}

// ActiveSession returns the device's live session, if any.
func (r *RecordingController) ActiveSession(deviceID string) (*models.RecordingSession, bool) {
	st, ok := r.states.Load(deviceID)
	if !ok {
		return nil, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.status != recorderRecording {
		return nil, false
	}
	out := *st.session
	return &out, true
}

// SaveSnapshot persists the current display window as a one-shot session.
func (r *RecordingController) SaveSnapshot(ctx context.Context, deviceID string) (*models.RecordingSession, error) {
	if st, ok := r.states.Load(deviceID); ok {
		st.mu.Lock()
		busy := st.status != recorderIdle
		st.mu.Unlock()
		if busy {
			return nil, ErrRecordingActive
		}
	}

	snapshot := r.display.Snapshot(deviceID)
	if snapshot.Empty() {
		return nil, ErrEmptyBuffer
	}

	session := &models.RecordingSession{
		DeviceID:  deviceID,
		CreatedAt: r.now().UnixMilli(),
		Label:     "Manual snapshot",
		Kind:      models.SessionSnapshot,
	}

	id, err := r.store.CreateSnapshot(ctx, session, &snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to save snapshot: %w", err)
	}
	session.ID = id

	r.logger.Info("Snapshot saved",
		zap.String("device_id", deviceID),
		zap.String("session_id", id),
		zap.Int("lead2_points", len(snapshot.Lead2)))

	return session, nil
}

// DeleteSession removes a session and all of its chunks.
func (r *RecordingController) DeleteSession(ctx context.Context, sessionID string) error {
	var active bool
	r.states.Range(func(_ string, st *recorderState) bool {
		st.mu.Lock()
		active = st.status == recorderRecording && st.session.ID == sessionID
		st.mu.Unlock()
		return !active
	})
	if active {
		return ErrRecordingActive
	}

	r.deleteMu.Lock()
	defer r.deleteMu.Unlock()

	if err := r.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	r.deleted[sessionID] = struct{}{}
	r.logger.Info("Recording session deleted", zap.String("session_id", sessionID))
	return nil
}

// ListSessions returns stored sessions newest first.
func (r *RecordingController) ListSessions(ctx context.Context, limit int) ([]*models.RecordingSession, error) {
	return r.store.ListSessions(ctx, limit)
}

// StopAll ends every active recording, used on shutdown.
func (r *RecordingController) StopAll(ctx context.Context) {
	var recording []string
	r.states.Range(func(deviceID string, st *recorderState) bool {
		st.mu.Lock()
		if st.status == recorderRecording {
			recording = append(recording, deviceID)
		}
		st.mu.Unlock()
		return true
	})

	for _, deviceID := range recording {
		if _, err := r.StopRecording(ctx, deviceID); err != nil {
			r.logger.Warn("Failed to stop recording on shutdown",
				zap.String("device_id", deviceID),
				zap.Error(err))
		}
	}
}

// sessionWrite runs a queued write for a session unless the session was deleted.
// Writes that trail a delete would otherwise recreate the record.
func (r *RecordingController) sessionWrite(ctx context.Context, sessionID string, write func(context.Context) error) error {
	r.deleteMu.RLock()
	defer r.deleteMu.RUnlock()

	if _, gone := r.deleted[sessionID]; gone {
		r.logger.Debug("Skipping write to deleted session", zap.String("session_id", sessionID))
		return nil
	}
	return write(ctx)
}

func (r *RecordingController) enqueueFlag(deviceID, flag string, value interface{}) {
	r.queue.Enqueue(&PersistJob{
		Kind:     "device_flag",
		DeviceID: deviceID,
		Write: func(ctx context.Context) error {
			return r.store.SetDeviceFlag(ctx, deviceID, flag, value)
		},
	})
}
