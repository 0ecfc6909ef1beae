package services

import "errors"

// Operator errors are returned synchronously and leave state untouched.
var (
	ErrAlreadyRecording = errors.New("recording already active for device")
	ErrNotRecording     = errors.New("no active recording for device")
	ErrRecordingActive  = errors.New("snapshot disabled while a live recording is active")
	ErrEmptyBuffer      = errors.New("display buffer is empty")
	ErrSessionNotFound  = errors.New("recording session not found")
	ErrUnknownCommand   = errors.New("unknown device command")
)

// Payload validation errors. The router drops the message and counts the reason.
var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrMissingField     = errors.New("missing required field")
	ErrInvalidInterval  = errors.New("sample interval must be positive")
)
