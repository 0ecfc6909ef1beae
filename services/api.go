package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"ecgmon/models"

	"go.uber.org/zap"
)

// APIServer exposes the pipeline's read and control operations over HTTP.
type APIServer struct {
	pipeline *Pipeline
	metrics  *Metrics
	logger   *zap.Logger
	srv      *http.Server
}

func NewAPIServer(addr string, pipeline *Pipeline, metrics *Metrics, logger *zap.Logger) *APIServer {
	s := &APIServer{
		pipeline: pipeline,
		metrics:  metrics,
		logger:   logger,
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler builds the route table.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	mux.HandleFunc("GET /api/v1/devices", s.handleDevices)
	mux.HandleFunc("GET /api/v1/devices/{id}/display", s.handleDisplay)
	mux.HandleFunc("GET /api/v1/devices/{id}/bpm", s.handleBpm)
	mux.HandleFunc("GET /api/v1/devices/{id}/status", s.handleStatus)
	mux.HandleFunc("POST /api/v1/devices/{id}/recording/start", s.handleStartRecording)
	mux.HandleFunc("POST /api/v1/devices/{id}/recording/stop", s.handleStopRecording)
	mux.HandleFunc("POST /api/v1/devices/{id}/snapshot", s.handleSnapshot)
	mux.HandleFunc("POST /api/v1/devices/{id}/command", s.handleCommand)
	mux.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}/csv", s.handleExportCSV)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleDeleteSession)

	return mux
}

// Start serves until ctx is cancelled.
func (s *APIServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.srv.Addr, err)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("HTTP API listening", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP API stopped", zap.Error(err))
		}
	}()
	return nil
}

func (s *APIServer) handleDevices(w http.ResponseWriter, r *http.Request) {
	ids := s.pipeline.Devices()
	out := make([]models.LivenessRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.pipeline.Liveness(id))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *APIServer) handleDisplay(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipeline.GetDisplayBuffer(r.PathValue("id")))
}

func (s *APIServer) handleBpm(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")
	estimate, ok := s.pipeline.Bpm(deviceID)
	resp := map[string]interface{}{
		"device_id": deviceID,
		"bpm":       nil,
	}
	if ok {
		resp["bpm"] = estimate.Value
		resp["source"] = estimate.Source
		resp["last_peak_timestamp"] = estimate.LastPeakTimestamp
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")
	rec := s.pipeline.Liveness(deviceID)
	resp := map[string]interface{}{
		"device_id":     deviceID,
		"online":        rec.Online,
		"last_activity": rec.LastActivity,
		"recording":     nil,
	}
	if session, ok := s.pipeline.ActiveSession(deviceID); ok {
		resp["recording"] = sessionJSON(session)
	}
	writeJSON(w, http.StatusOK, resp)
}

type startRecordingRequest struct {
	Label string `json:"label"`
}

func (s *APIServer) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	var req startRecordingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("bad request: %w", err))
		return
	}

	session, err := s.pipeline.StartRecording(r.Context(), r.PathValue("id"), req.Label)
	if err != nil {
		s.writeOperatorError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionJSON(session))
}

func (s *APIServer) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	session, err := s.pipeline.StopRecording(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeOperatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionJSON(session))
}

func (s *APIServer) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	session, err := s.pipeline.SaveSnapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeOperatorError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionJSON(session))
}

func (s *APIServer) handleCommand(w http.ResponseWriter, r *http.Request) {
	var cmd models.DeviceCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("bad request: %w", err))
		return
	}

	if err := s.pipeline.SendCommand(r.Context(), r.PathValue("id"), cmd.Command); err != nil {
		s.writeOperatorError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *APIServer) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}

	sessions, err := s.pipeline.ListSessions(r.Context(), limit)
	if err != nil {
		s.writeOperatorError(w, err)
		return
	}

	out := make([]map[string]interface{}, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, sessionJSON(session))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *APIServer) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	var buf bytes.Buffer
	if _, err := s.pipeline.ExportCSV(r.Context(), sessionID, &buf); err != nil {
		s.writeOperatorError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "ecg_"+sessionID+".csv"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *APIServer) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		s.writeOperatorError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *APIServer) writeOperatorError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrAlreadyRecording), errors.Is(err, ErrRecordingActive):
		status = http.StatusConflict
	case errors.Is(err, ErrNotRecording), errors.Is(err, ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrEmptyBuffer):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, ErrUnknownCommand):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("API request failed", zap.Error(err))
	}
	writeError(w, status, err)
}

// sessionJSON includes the id, which the storage document keeps as its key.
func sessionJSON(session *models.RecordingSession) map[string]interface{} {
	out := map[string]interface{}{
		"id":         session.ID,
		"patient_id": session.DeviceID,
		"created_at": session.CreatedAt,
		"active":     session.Active,
		"note":       session.Label,
		"kind":       session.Kind,
	}
	if session.EndedAt != 0 {
		out["ended_at"] = session.EndedAt
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
