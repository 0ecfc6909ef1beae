package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ecgmon/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWebhookNotifier_PostsAlert(t *testing.T) {
	var got WebhookPayload
	var path, agent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		agent = r.Header.Get("User-Agent")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(zap.NewNop(), srv.URL+"/")
	assert.Equal(t, "webhook", n.Name())

	err := n.Notify(context.Background(), &models.Alert{
		Type:      models.BpmTooLow,
		Severity:  models.SeverityWarning,
		DeviceID:  "p1",
		Value:     55,
		Timestamp: time.UnixMilli(1_700_000_000_000).UTC(),
	})
	require.NoError(t, err)

	assert.Equal(t, "/api/v1/ecg-alert", path)
	assert.Equal(t, "ecgmon/1.0", agent)
	assert.Equal(t, "warning", got.Severity)
	assert.Equal(t, "bpm_low", got.AlertType)
	require.NotNil(t, got.Alert)
	assert.Equal(t, "p1", got.Alert.DeviceID)
	assert.Equal(t, 55.0, got.Alert.Value)
}

func TestWebhookNotifier_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(zap.NewNop(), srv.URL)
	err := n.Notify(context.Background(), &models.Alert{Type: models.DeviceWentDown, DeviceID: "p1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
