package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type apiHarness struct {
	t        *testing.T
	pipeline *Pipeline
	handler  http.Handler
}

func newAPIHarness(t *testing.T) *apiHarness {
	p, _ := newTestPipeline(t, testConfig(), newFakeClock())
	return &apiHarness{
		t:        t,
		pipeline: p,
		handler:  NewAPIServer(":0", p, p.metrics, zap.NewNop()).Handler(),
	}
}

func (h *apiHarness) do(method, path, body string) *httptest.ResponseRecorder {
	h.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestAPI_Healthz(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestAPI_Metrics(t *testing.T) {
	h := newAPIHarness(t)
	require.NoError(t, h.pipeline.Route("ecg/p1/realtime", telemetryJSON(1000, 10, []float64{1}, nil, nil)))

	rec := h.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `ecgmon_messages_received_total{kind="realtime"} 1`)
}

func TestAPI_DisplayAndBpm(t *testing.T) {
	h := newAPIHarness(t)
	require.NoError(t, h.pipeline.Route("ecg/p1/realtime", []byte(`{"baseTimestamp":1000,"sampleIntervalMs":10,"lead2":[5,6],"bpm":70}`)))
	h.pipeline.Flush()

	rec := h.do(http.MethodGet, "/api/v1/devices/p1/display", "")
	require.Equal(t, http.StatusOK, rec.Code)
	display := decodeBody(t, rec)
	lead2, ok := display["lead2"].([]interface{})
	require.True(t, ok)
	assert.Len(t, lead2, 2)
	assert.Equal(t, []interface{}{}, display["lead1"])

	rec = h.do(http.MethodGet, "/api/v1/devices/p1/bpm", "")
	require.Equal(t, http.StatusOK, rec.Code)
	bpm := decodeBody(t, rec)
	assert.Equal(t, 70.0, bpm["bpm"])
	assert.Equal(t, "device", bpm["source"])

	rec = h.do(http.MethodGet, "/api/v1/devices/p9/bpm", "")
	assert.Nil(t, decodeBody(t, rec)["bpm"])
}

func TestAPI_DevicesAndStatus(t *testing.T) {
	h := newAPIHarness(t)
	require.NoError(t, h.pipeline.Route("ecg/p1/realtime", telemetryJSON(1000, 10, []float64{1}, nil, nil)))

	rec := h.do(http.MethodGet, "/api/v1/devices", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var devices []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &devices))
	require.Len(t, devices, 1)
	assert.Equal(t, "p1", devices[0]["device_id"])
	assert.Equal(t, true, devices[0]["online"])

	rec = h.do(http.MethodGet, "/api/v1/devices/p1/status", "")
	status := decodeBody(t, rec)
	assert.Equal(t, true, status["online"])
	assert.Nil(t, status["recording"])
}

func TestAPI_RecordingFlow(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(http.MethodPost, "/api/v1/devices/p1/recording/start", `{"label":"ward 3"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	session := decodeBody(t, rec)
	assert.Equal(t, "ward 3", session["note"])
	assert.Equal(t, true, session["active"])
	id, _ := session["id"].(string)
	require.NotEmpty(t, id)

	rec = h.do(http.MethodPost, "/api/v1/devices/p1/recording/start", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	status := decodeBody(t, h.do(http.MethodGet, "/api/v1/devices/p1/status", ""))
	recording, ok := status["recording"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, id, recording["id"])

	require.NoError(t, h.pipeline.Route("ecg/p1/realtime", telemetryJSON(2000, 10, []float64{1, 2}, []float64{3, 4}, []float64{5, 6})))

	rec = h.do(http.MethodDelete, "/api/v1/sessions/"+id, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(http.MethodPost, "/api/v1/devices/p1/recording/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["active"])

	rec = h.do(http.MethodPost, "/api/v1/devices/p1/recording/stop", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	drain(h.pipeline)

	rec = h.do(http.MethodGet, "/api/v1/sessions/"+id+"/csv", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Equal(t, "timestamp,lead1,lead2,lead3\n2000,1,3,5\n2010,2,4,6\n", rec.Body.String())

	rec = h.do(http.MethodGet, "/api/v1/sessions?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var sessions []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, id, sessions[0]["id"])

	rec = h.do(http.MethodDelete, "/api/v1/sessions/"+id, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(http.MethodGet, "/api/v1/sessions/"+id+"/csv", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_Snapshot(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(http.MethodPost, "/api/v1/devices/p1/snapshot", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	require.NoError(t, h.pipeline.Route("ecg/p1/realtime", telemetryJSON(1000, 10, []float64{1}, []float64{2}, []float64{3})))
	h.pipeline.Flush()

	rec = h.do(http.MethodPost, "/api/v1/devices/p1/snapshot", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "snapshot", decodeBody(t, rec)["kind"])
}

func TestAPI_BadRequests(t *testing.T) {
	h := newAPIHarness(t)

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/api/v1/sessions?limit=abc", "").Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/api/v1/devices/p1/recording/start", "{").Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/api/v1/devices/p1/command", `{"command":"reboot"}`).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, h.do(http.MethodPost, "/api/v1/devices", "").Code)
}
