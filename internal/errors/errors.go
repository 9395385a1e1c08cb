package errors

import (
	"context"
	"fmt"
	"strings"
)

// StartupError represents an engine startup failure for a resource
type StartupError struct {
	Kind     string `json:"kind"`
	Resource string `json:"resource,omitempty"`
	Cause    error  `json:"cause,omitempty"`
}

func (e *StartupError) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("startup error for %s engine on %s: %v", e.Kind, e.Resource, e.Cause)
	}
	return fmt.Sprintf("startup error for %s engine: %v", e.Kind, e.Cause)
}

func (e *StartupError) Unwrap() error {
	return e.Cause
}

// AlreadyStartedError reports a startup call on a handle that is not idle.
// This is a caller contract violation, never retried.
type AlreadyStartedError struct {
	Kind  string `json:"kind"`
	State string `json:"state"`
}

func (e *AlreadyStartedError) Error() string {
	return fmt.Sprintf("%s engine already started (state: %s)", e.Kind, e.State)
}

// UnsupportedPlatformError reports that the analysis engine cannot run here
type UnsupportedPlatformError struct {
	Findings []string `json:"findings"`
}

func (e *UnsupportedPlatformError) Error() string {
	return fmt.Sprintf("platform does not support the analysis engine: %s", strings.Join(e.Findings, "; "))
}

// DownloadError represents an engine artifact download failure
type DownloadError struct {
	URL   string `json:"url"`
	Cause error  `json:"cause,omitempty"`
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download error for %s: %v", e.URL, e.Cause)
}

func (e *DownloadError) Unwrap() error {
	return e.Cause
}

// ConfigError represents configuration validation errors
type ConfigError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error for field '%s': %s", e.Field, e.Message)
}

// SessionError represents engine process/session errors
type SessionError struct {
	Command string `json:"command"`
	Type    string `json:"type"` // "start", "stop", "communication"
	Cause   error  `json:"cause,omitempty"`
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session error (%s) for %s: %v", e.Type, e.Command, e.Cause)
}

func (e *SessionError) Unwrap() error {
	return e.Cause
}

// Error constructors

// NewStartupError creates a startup error with engine and resource context
func NewStartupError(kind, resource string, cause error) *StartupError {
	return &StartupError{
		Kind:     kind,
		Resource: resource,
		Cause:    cause,
	}
}

// NewAlreadyStartedError creates a double-start contract error
func NewAlreadyStartedError(kind, state string) *AlreadyStartedError {
	return &AlreadyStartedError{
		Kind:  kind,
		State: state,
	}
}

// NewUnsupportedPlatformError creates a platform support error from findings
func NewUnsupportedPlatformError(findings []string) *UnsupportedPlatformError {
	return &UnsupportedPlatformError{Findings: findings}
}

// NewDownloadError creates a download error for the given URL
func NewDownloadError(url string, cause error) *DownloadError {
	return &DownloadError{
		URL:   url,
		Cause: cause,
	}
}

// NewConfigError creates a config error for the specified field
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{
		Field:   field,
		Message: message,
	}
}

// NewSessionError creates a session error for engine process operations
func NewSessionError(command, errorType string, cause error) *SessionError {
	return &SessionError{
		Command: command,
		Type:    errorType,
		Cause:   cause,
	}
}

// Error classification functions

// IsStartupError checks if the error is an engine startup error
func IsStartupError(err error) bool {
	if err == nil {
		return false
	}

	if _, ok := err.(*StartupError); ok {
		return true
	}

	errMsg := strings.ToLower(err.Error())
	return strings.Contains(errMsg, "startup error")
}

// IsAlreadyStartedError checks if the error reports a double start
func IsAlreadyStartedError(err error) bool {
	if err == nil {
		return false
	}

	if _, ok := err.(*AlreadyStartedError); ok {
		return true
	}

	errMsg := strings.ToLower(err.Error())
	return strings.Contains(errMsg, "already started") ||
		strings.Contains(errMsg, "already active")
}

// IsUnsupportedPlatformError checks if the error reports missing platform support
func IsUnsupportedPlatformError(err error) bool {
	if err == nil {
		return false
	}

	if _, ok := err.(*UnsupportedPlatformError); ok {
		return true
	}

	errMsg := strings.ToLower(err.Error())
	return strings.Contains(errMsg, "platform does not support") ||
		strings.Contains(errMsg, "unsupported platform")
}

// IsDownloadError checks if the error is a download failure
func IsDownloadError(err error) bool {
	if err == nil {
		return false
	}

	if _, ok := err.(*DownloadError); ok {
		return true
	}

	errMsg := strings.ToLower(err.Error())
	return strings.Contains(errMsg, "download")
}

// IsCancellationError checks if the error is a cancellation error
func IsCancellationError(err error) bool {
	if err == nil {
		return false
	}

	if err == context.Canceled {
		return true
	}

	errMsg := strings.ToLower(err.Error())
	return strings.Contains(errMsg, "canceled") ||
		strings.Contains(errMsg, "cancelled") ||
		strings.Contains(errMsg, "context canceled")
}

// Error wrapping utilities

// WrapWithContext wraps an error with operation context
func WrapWithContext(operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", operation, err)
}
