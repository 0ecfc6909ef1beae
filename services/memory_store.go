package services

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"ecgmon/models"

	"github.com/google/uuid"
)

type memoryRecord struct {
	session  models.RecordingSession
	chunks   map[int64]*models.StoredChunk
	snapshot *models.DisplaySnapshot
}

// MemoryStore keeps recordings in process memory. It backs STORAGE_BACKEND=memory
// and the tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*memoryRecord
	flags   map[string]map[string]interface{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*memoryRecord),
		flags:   make(map[string]map[string]interface{}),
	}
}

func (m *MemoryStore) CreateSession(_ context.Context, session *models.RecordingSession) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.NewString()
	stored := *session
	stored.ID = id
	m.records[id] = &memoryRecord{
		session: stored,
		chunks:  make(map[int64]*models.StoredChunk),
	}
	return id, nil
}

func (m *MemoryStore) FinishSession(_ context.Context, sessionID string, endedAt int64, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[sessionID]
	if !ok {
		return fmt.Errorf("finish session %s: %w", sessionID, ErrSessionNotFound)
	}
	rec.session.Active = false
	rec.session.EndedAt = endedAt
	rec.session.Label = label
	return nil
}

func (m *MemoryStore) WriteChunk(_ context.Context, sessionID string, baseTimestamp int64, chunk *models.StoredChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[sessionID]
	if !ok {
		return fmt.Errorf("write chunk to %s: %w", sessionID, ErrSessionNotFound)
	}
	rec.chunks[baseTimestamp] = chunk
	return nil
}

func (m *MemoryStore) CreateSnapshot(_ context.Context, session *models.RecordingSession, snapshot *models.DisplaySnapshot) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.NewString()
	stored := *session
	stored.ID = id
	snap := *snapshot
	m.records[id] = &memoryRecord{
		session:  stored,
		chunks:   make(map[int64]*models.StoredChunk),
		snapshot: &snap,
	}
	return id, nil
}

func (m *MemoryStore) GetSession(_ context.Context, sessionID string) (*models.RecordingSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	session := rec.session
	return &session, nil
}

func (m *MemoryStore) ListSessions(_ context.Context, limit int) ([]*models.RecordingSession, error) {
	m.mu.RLock()
	sessions := make([]*models.RecordingSession, 0, len(m.records))
	for _, rec := range m.records {
		session := rec.session
		sessions = append(sessions, &session)
	}
	m.mu.RUnlock()

	sortSessionsNewestFirst(sessions)
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

func (m *MemoryStore) LoadRecording(_ context.Context, sessionID string) (*models.RecordingData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	session := rec.session
	data := &models.RecordingData{
		Session: &session,
		Chunks:  make(map[int64]*models.StoredChunk, len(rec.chunks)),
	}
	for base, chunk := range rec.chunks {
		data.Chunks[base] = chunk
	}
	if rec.snapshot != nil {
		snap := *rec.snapshot
		data.Snapshot = &snap
	}
	return data, nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[sessionID]; !ok {
		return ErrSessionNotFound
	}
	delete(m.records, sessionID)
	return nil
}

func (m *MemoryStore) SetDeviceFlag(_ context.Context, deviceID, flag string, value interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	flags, ok := m.flags[deviceID]
	if !ok {
		flags = make(map[string]interface{})
		m.flags[deviceID] = flags
	}
	flags[flag] = value
	return nil
}

// DeviceFlag returns a stored flag value.
func (m *MemoryStore) DeviceFlag(deviceID, flag string) (interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.flags[deviceID][flag]
	return v, ok
}

func (m *MemoryStore) Close() error {
	return nil
}

func sortSessionsNewestFirst(sessions []*models.RecordingSession) {
	sort.SliceStable(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt != sessions[j].CreatedAt {
			return sessions[i].CreatedAt > sessions[j].CreatedAt
		}
		return sessions[i].ID > sessions[j].ID
	})
}
