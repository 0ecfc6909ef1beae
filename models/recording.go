package models

// SessionKind distinguishes live recordings from one-shot snapshots.
type SessionKind string

const (
	SessionLive     SessionKind = "live"
	SessionSnapshot SessionKind = "snapshot"
)

// RecordingSession is the metadata stored under ecg/records/{id}.
type RecordingSession struct {
	ID        string      `json:"-"`
	DeviceID  string      `json:"patientId"`
	CreatedAt int64       `json:"createdAt"`
	EndedAt   int64       `json:"endedAt,omitempty"`
	Active    bool        `json:"active"`
	Label     string      `json:"note"`
	Kind      SessionKind `json:"kind"`
}

// StoredChunk is one persisted realtime message, keyed by its base timestamp
// under ecg/records/{id}/data.
type StoredChunk struct {
	Lead1    []float64 `json:"lead1"`
	Lead2    []float64 `json:"lead2"`
	Lead3    []float64 `json:"lead3"`
	Interval int64     `json:"interval"`
}

// NewStoredChunk copies the lead arrays of a chunk verbatim.
func NewStoredChunk(chunk *LeadChunk) *StoredChunk {
	return &StoredChunk{
		Lead1:    append([]float64(nil), chunk.Lead1...),
		Lead2:    append([]float64(nil), chunk.Lead2...),
		Lead3:    append([]float64(nil), chunk.Lead3...),
		Interval: chunk.SampleIntervalMs,
	}
}

// RecordingData is the full persisted content of one session.
type RecordingData struct {
	Session  *RecordingSession
	Chunks   map[int64]*StoredChunk
	Snapshot *DisplaySnapshot
}
