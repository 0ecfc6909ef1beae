package services

import (
	"encoding/json"
	"testing"

	"ecgmon/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordingDoc_DecodesStoredLayout(t *testing.T) {
	raw := `{
		"createdAt": 1700000000000,
		"patientId": "p1",
		"note": "Rec: 10:00:00 - 10:05:00",
		"active": false,
		"endedAt": 1700000300000,
		"data": {
			"1700000000100": {"lead1": [1, 2], "lead2": [3, 4], "lead3": [5, 6], "interval": 4}
		}
	}`

	var doc recordingDoc
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))

	session := doc.toSession("-Nabc")
	assert.Equal(t, "-Nabc", session.ID)
	assert.Equal(t, "p1", session.DeviceID)
	assert.Equal(t, models.SessionLive, session.Kind, "documents without a kind are live recordings")
	assert.Equal(t, int64(1700000300000), session.EndedAt)

	require.Contains(t, doc.Data, "1700000000100")
	assert.Equal(t, int64(4), doc.Data["1700000000100"].Interval)
}

func TestSessionDoc_OmitsEmptyEnd(t *testing.T) {
	out, err := json.Marshal(sessionDoc{CreatedAt: 1, PatientID: "p1", Active: true, Kind: models.SessionLive})
	require.NoError(t, err)
	assert.JSONEq(t, `{"createdAt":1,"patientId":"p1","note":"","active":true,"kind":"live"}`, string(out))
}

func TestRecordingDoc_SnapshotIsOneNode(t *testing.T) {
	doc := recordingDoc{
		sessionDoc: sessionDoc{CreatedAt: 1, PatientID: "p1", Note: "Manual snapshot", Kind: models.SessionSnapshot},
		Snapshot:   &models.DisplaySnapshot{Lead1: []models.Sample{{Timestamp: 1000, Value: 1}}},
	}

	out, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"createdAt": 1,
		"patientId": "p1",
		"note": "Manual snapshot",
		"active": false,
		"kind": "snapshot",
		"snapshot": {"lead1": [{"timestamp": 1000, "value": 1}], "lead2": null, "lead3": null}
	}`, string(out))
}
