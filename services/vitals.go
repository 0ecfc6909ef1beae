package services

import (
	"fmt"
	"time"

	"ecgmon/config"
	"ecgmon/models"
)

// VitalsMonitor classifies heart-rate estimates and liveness changes into alerts.
type VitalsMonitor struct {
	config *config.Config
}

func NewVitalsMonitor(cfg *config.Config) *VitalsMonitor {
	return &VitalsMonitor{
		config: cfg,
	}
}

// Evaluate returns the alerts raised by one estimate. A critical band violation
// replaces the warning for the same direction.
func (v *VitalsMonitor) Evaluate(deviceID string, estimate models.BpmEstimate, at time.Time) []*models.Alert {
	bpm := float64(estimate.Value)
	var alerts []*models.Alert

	switch {
	case bpm > v.config.BpmCritHigh:
		alerts = append(alerts, &models.Alert{
			Type:        models.BpmTooHigh,
			Severity:    models.SeverityCritical,
			DeviceID:    deviceID,
			Value:       bpm,
			Threshold:   v.config.BpmCritHigh,
			Timestamp:   at,
			Description: fmt.Sprintf("Heart rate %.0f BPM exceeds critical limit of %.0f BPM", bpm, v.config.BpmCritHigh),
		})
	case bpm > v.config.BpmWarnHigh:
		alerts = append(alerts, &models.Alert{
			Type:        models.BpmTooHigh,
			Severity:    models.SeverityWarning,
			DeviceID:    deviceID,
			Value:       bpm,
			Threshold:   v.config.BpmWarnHigh,
			Timestamp:   at,
			Description: fmt.Sprintf("Heart rate %.0f BPM is above %.0f BPM", bpm, v.config.BpmWarnHigh),
		})
	}

	switch {
	case bpm < v.config.BpmCritLow:
		alerts = append(alerts, &models.Alert{
			Type:        models.BpmTooLow,
			Severity:    models.SeverityCritical,
			DeviceID:    deviceID,
			Value:       bpm,
			Threshold:   v.config.BpmCritLow,
			Timestamp:   at,
			Description: fmt.Sprintf("Heart rate %.0f BPM is below critical limit of %.0f BPM", bpm, v.config.BpmCritLow),
		})
	case bpm < v.config.BpmWarnLow:
		alerts = append(alerts, &models.Alert{
			Type:        models.BpmTooLow,
			Severity:    models.SeverityWarning,
			DeviceID:    deviceID,
			Value:       bpm,
			Threshold:   v.config.BpmWarnLow,
			Timestamp:   at,
			Description: fmt.Sprintf("Heart rate %.0f BPM is below %.0f BPM", bpm, v.config.BpmWarnLow),
		})
	}

	return alerts
}

// LivenessAlert converts a liveness transition into an alert. A device coming
// online for the first time raises nothing.
func (v *VitalsMonitor) LivenessAlert(t models.LivenessTransition) *models.Alert {
	at := time.UnixMilli(t.At)

	switch t.Status {
	case models.DeviceOffline:
		desc := "Device stopped sending data and was never seen before"
		if t.LastActivity != nil {
			silent := time.Duration(t.At-*t.LastActivity) * time.Millisecond
			desc = fmt.Sprintf("No data from device for %s", formatDuration(silent))
		}
		return &models.Alert{
			Type:        models.DeviceWentDown,
			Severity:    models.SeverityWarning,
			DeviceID:    t.DeviceID,
			Threshold:   v.config.OfflineThreshold.Seconds(),
			Timestamp:   at,
			Description: desc,
		}
	case models.DeviceRecovered:
		return &models.Alert{
			Type:        models.DeviceCameBack,
			Severity:    models.SeverityInfo,
			DeviceID:    t.DeviceID,
			Value:       t.DownFor.Seconds(),
			Timestamp:   at,
			Description: fmt.Sprintf("Device back online after %s", formatDuration(t.DownFor)),
		}
	default:
		return nil
	}
}
