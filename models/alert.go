package models

import (
	"time"
)

// AlertType represents different kinds of alerts
type AlertType string

const (
	BpmTooHigh     AlertType = "bpm_high"
	BpmTooLow      AlertType = "bpm_low"
	DeviceWentDown AlertType = "device_offline"
	DeviceCameBack AlertType = "device_recovered"
)

// Severity of an alert
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert represents a detected condition worth notifying about
type Alert struct {
	Type        AlertType `json:"type"`
	Severity    Severity  `json:"severity"`
	DeviceID    string    `json:"device_id"`
	Value       float64   `json:"value"`
	Threshold   float64   `json:"threshold"`
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description"`
}

// Family groups alert types that share a throttle window.
func (a *Alert) Family() string {
	switch a.Type {
	case BpmTooHigh, BpmTooLow:
		return "bpm"
	case DeviceWentDown, DeviceCameBack:
		return "liveness"
	default:
		return string(a.Type)
	}
}

// GetAlertEmoji returns appropriate emoji for alert type
func (a *Alert) GetAlertEmoji() string {
	switch a.Type {
	case BpmTooHigh:
		return "📈"
	case BpmTooLow:
		return "📉"
	case DeviceWentDown:
		return "📴"
	case DeviceCameBack:
		return "📶"
	default:
		return "⚠️"
	}
}

// GetSeverityColor returns the marker used in chat messages
func (a *Alert) GetSeverityColor() string {
	switch a.Severity {
	case SeverityCritical:
		return "🔴"
	case SeverityWarning:
		return "🟡"
	case SeverityInfo:
		return "🟢"
	default:
		return "⚪"
	}
}
