package core

import (
	"errors"
	"fmt"
)

var (
	// ErrTransactionAborted is returned when every branch of a coordinated
	// write was rolled back.
	ErrTransactionAborted = errors.New("transaction aborted")
	// ErrPartialCommit is returned when the commit decision was reached but
	// at least one participant failed to commit.
	ErrPartialCommit = errors.New("transaction partially committed")
	// ErrNotFound is used internally by backends to signal a missing record.
	// Readable endpoints translate it into a nil record.
	ErrNotFound = errors.New("record not found")
)

// ConfigurationError reports an unusable configuration. It is fatal at
// construction time and never retried.
type ConfigurationError struct {
	Component string
	Message   string
	Err       error
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("configuration error in %s: %s", e.Component, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// NewConfigurationError is a convenience constructor.
func NewConfigurationError(component, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Component: component, Message: fmt.Sprintf(format, args...)}
}

// BackendUnavailableError reports a connectivity or authentication failure.
// Drivers must stop rather than interpret the failure as a missing record.
type BackendUnavailableError struct {
	Endpoint string
	Op       string
	Err      error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("backend %s unavailable during %s: %v", e.Endpoint, e.Op, e.Err)
}

func (e *BackendUnavailableError) Unwrap() error { return e.Err }

// ParticipantFailure records a failed two-phase-commit phase call on one
// participant.
type ParticipantFailure struct {
	Participant string
	Phase       string
	BranchID    string
	Err         error
}

func (e *ParticipantFailure) Error() string {
	if e.BranchID == "" {
		return fmt.Sprintf("participant %s failed in %s: %v", e.Participant, e.Phase, e.Err)
	}
	return fmt.Sprintf("participant %s failed in %s (branch %s): %v", e.Participant, e.Phase, e.BranchID, e.Err)
}

func (e *ParticipantFailure) Unwrap() error { return e.Err }

// IsConfigurationError checks if err (or any error in its chain) is a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsBackendUnavailable checks if err (or any error in its chain) is a BackendUnavailableError.
func IsBackendUnavailable(err error) bool {
	var be *BackendUnavailableError
	return errors.As(err, &be)
}

// IsParticipantFailure checks if err (or any error in its chain) is a ParticipantFailure.
func IsParticipantFailure(err error) bool {
	var pf *ParticipantFailure
	return errors.As(err, &pf)
}
