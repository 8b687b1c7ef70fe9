package remote

import (
	"errors"
	"fmt"
)

// NetworkError marks a call that failed before the backend accepted or
// rejected it: transport failures, timeouts, throttling, and 5xx
// responses. Callers may retry the same operation with the same
// idempotency key.
type NetworkError struct {
	Op         string
	StatusCode int // 0 when no HTTP response was received
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: server returned %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ValidationError marks a call the backend received and permanently
// rejected (4xx). Retrying the identical payload cannot succeed.
type ValidationError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *ValidationError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server rejected request (%d %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("server rejected request (%d): %s", e.StatusCode, e.Message)
}

// VersionError reports a backend older than the minimum this client
// supports.
type VersionError struct {
	Server  string
	Minimum string
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("server version %s is below required minimum %s", e.Server, e.Minimum)
}

// IsNetwork reports whether err is a transient transport-level failure.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsValidation reports whether err is a permanent rejection.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
