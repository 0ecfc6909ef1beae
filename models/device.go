package models

import "time"

// DeviceHealthStatus is the liveness state reported to alerting.
type DeviceHealthStatus string

const (
	DeviceOnline    DeviceHealthStatus = "online"
	DeviceOffline   DeviceHealthStatus = "offline"
	DeviceRecovered DeviceHealthStatus = "recovered"
)

// LivenessRecord holds the last activity of a device in unix milliseconds.
// A nil LastActivity means the device was never seen or reported itself offline.
type LivenessRecord struct {
	DeviceID     string `json:"device_id"`
	LastActivity *int64 `json:"last_activity"`
	Online       bool   `json:"online"`
}

// LivenessTransition is emitted by the liveness poller when a device changes state.
// DownFor is set on recovery.
type LivenessTransition struct {
	DeviceID     string
	Status       DeviceHealthStatus
	LastActivity *int64
	At           int64
	DownFor      time.Duration
}

// DeviceCommand is published to a device's command topic.
type DeviceCommand struct {
	Command  string `json:"command"`
	IssuedAt int64  `json:"issuedAt"`
}

const (
	CommandStart = "start"
	CommandStop  = "stop"
)
