package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"ecgmon/models"

	"go.uber.org/zap"
)

// WebhookPayload is the body posted to the alert endpoint.
type WebhookPayload struct {
	Alert     *models.Alert `json:"alert"`
	Severity  string        `json:"severity"`
	AlertType string        `json:"alert_type"`
}

// WebhookNotifier posts alerts to an HTTP endpoint, e.g. a bedside buzzer bridge.
type WebhookNotifier struct {
	logger     *zap.Logger
	apiURL     string
	httpClient *http.Client
}

func NewWebhookNotifier(logger *zap.Logger, apiURL string) *WebhookNotifier {
	return &WebhookNotifier{
		logger: logger,
		apiURL: strings.TrimRight(apiURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (w *WebhookNotifier) Name() string {
	return "webhook"
}

// Notify sends the alert via HTTP POST
func (w *WebhookNotifier) Notify(ctx context.Context, alert *models.Alert) error {
	payload := WebhookPayload{
		Alert:     alert,
		Severity:  string(alert.Severity),
		AlertType: string(alert.Type),
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/v1/ecg-alert", w.apiURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "ecgmon/1.0")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		w.logger.Error("Failed to send webhook alert",
			zap.Error(err),
			zap.String("device_id", alert.DeviceID),
			zap.String("url", endpoint),
		)
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		w.logger.Debug("Webhook alert delivered",
			zap.String("device_id", alert.DeviceID),
			zap.Int("status_code", resp.StatusCode),
		)
		return nil
	}

	w.logger.Error("Webhook alert API returned error",
		zap.String("device_id", alert.DeviceID),
		zap.Int("status_code", resp.StatusCode),
		zap.String("status", resp.Status),
	)
	return fmt.Errorf("webhook alert API error: %s", resp.Status)
}
