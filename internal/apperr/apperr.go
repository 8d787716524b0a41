// Package apperr defines the error taxonomy shared by the job queue, the
// stage cache and the pipeline.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the system reacts to it.
type Kind string

const (
	// KindValidation is a bad submission. Never retried.
	KindValidation Kind = "validation"
	// KindTransientIO covers network and download failures. The job fails
	// but the user may resubmit.
	KindTransientIO Kind = "transient_io"
	// KindEngine is a transcription or diarization engine failure.
	KindEngine Kind = "engine"
	// KindCacheCorruption is a checksum mismatch on read. Treated as a miss.
	KindCacheCorruption Kind = "cache_corruption"
	// KindCrashRecovery marks jobs terminated by orphan recovery.
	KindCrashRecovery Kind = "crash_recovery"
	// KindInvalidTransition is an illegal job state change.
	KindInvalidTransition Kind = "invalid_transition"
	// KindNotFound is a lookup of an unknown job or cache entry.
	KindNotFound Kind = "not_found"
)

// Reasons refine a Kind for callers that need to branch on the cause.
const (
	ReasonNetwork     = "network"
	ReasonRestricted  = "restricted"
	ReasonRateLimited = "rate_limited"
	ReasonAuth        = "auth"
	ReasonUnavailable = "unavailable"
	ReasonFailed      = "failed"
)

// Error is the concrete error type carried through the pipeline.
type Error struct {
	Kind    Kind
	Reason  string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap exposes the cause for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind.
func New(kind Kind, reason, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Reason:  reason,
		Message: message,
		Err:     cause,
	}
}

// Validationf creates a validation error with a formatted message.
func Validationf(format string, args ...any) *Error {
	return New(KindValidation, "", fmt.Sprintf(format, args...), nil)
}

// TransientIO creates a download/network error.
func TransientIO(reason, message string, cause error) *Error {
	return New(KindTransientIO, reason, message, cause)
}

// Engine creates an inference engine error.
func Engine(reason, message string, cause error) *Error {
	return New(KindEngine, reason, message, cause)
}

// CacheCorruption creates a corrupt-entry error for logging.
func CacheCorruption(message string, cause error) *Error {
	return New(KindCacheCorruption, "", message, cause)
}

// CrashRecovery creates the synthetic error applied to orphaned jobs.
func CrashRecovery(message string) *Error {
	return New(KindCrashRecovery, "", message, nil)
}

// NotFoundf creates a not-found error.
func NotFoundf(format string, args ...any) *Error {
	return New(KindNotFound, "", fmt.Sprintf(format, args...), nil)
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ReasonOf returns the reason of the first *Error in err's chain, or "".
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
