// Package errdefs defines the stable error kinds shared by every webster
// component, and the structured error type that carries them across layer
// boundaries. Kinds are part of the wire contract: the protocol facade
// serializes them verbatim in the `errorKind` field, so their spelling
// never changes.
package errdefs

import (
	"context"
	"errors"
	"fmt"
)

// Kind categorizes a failure for retry decisions and client branching.
type Kind string

const (
	// KindConfigInvalid indicates unusable configuration. Fatal at startup.
	KindConfigInvalid Kind = "ConfigInvalid"

	// KindToolNotFound indicates a tools/call for a name not in the registry.
	KindToolNotFound Kind = "ToolNotFound"

	// KindArgumentInvalid indicates arguments that fail schema validation.
	KindArgumentInvalid Kind = "ArgumentInvalid"

	// KindQueueFull indicates a submission rejected at queue capacity.
	KindQueueFull Kind = "QueueFull"

	// KindQueueTimeout indicates a task that waited in queue past its deadline.
	KindQueueTimeout Kind = "QueueTimeout"

	// KindTimeout indicates a running task that exceeded timeoutSeconds.
	KindTimeout Kind = "Timeout"

	// KindCancelled indicates explicit cancellation by the caller.
	KindCancelled Kind = "Cancelled"

	// KindBrowserUnavailable indicates pool exhaustion past the acquire
	// deadline, or a crashed driver.
	KindBrowserUnavailable Kind = "BrowserUnavailable"

	// KindStepFailed indicates a browser primitive that failed after all
	// correction retries.
	KindStepFailed Kind = "StepFailed"

	// KindLMTransport indicates a network or server-side model failure.
	KindLMTransport Kind = "LMTransport"

	// KindLMRejection indicates the model refused the request (auth, quota,
	// content policy).
	KindLMRejection Kind = "LMRejection"

	// KindLMUnparseable indicates model output that could not be decoded
	// into the expected shape.
	KindLMUnparseable Kind = "LMUnparseable"

	// KindPersistenceFailed indicates a database write that failed after
	// bounded retries.
	KindPersistenceFailed Kind = "PersistenceFailed"

	// KindInternal indicates an unexpected failure.
	KindInternal Kind = "Internal"
)

// IsRetryable reports whether a task that failed with this kind should be
// re-enqueued by the executor. Only transient infrastructure failures
// qualify; everything else is terminal on first occurrence.
func (k Kind) IsRetryable() bool {
	switch k {
	case KindLMTransport, KindBrowserUnavailable:
		return true
	default:
		return false
	}
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindConfigInvalid, KindToolNotFound, KindArgumentInvalid,
		KindQueueFull, KindQueueTimeout, KindTimeout, KindCancelled,
		KindBrowserUnavailable, KindStepFailed, KindLMTransport,
		KindLMRejection, KindLMUnparseable, KindPersistenceFailed,
		KindInternal:
		return true
	default:
		return false
	}
}

// Error is the structured error passed between webster components. It keeps
// the kind separate from the message so callers branch on Kind and humans
// read Message.
type Error struct {
	// Kind categorizes the failure.
	Kind Kind

	// Message is the human-readable description.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" && e.Cause != nil {
		return fmt.Sprintf("[%s] %v", e.Kind, e.Cause)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that wraps cause. A nil cause yields a plain Error.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Wrapf creates a wrapping Error with a formatted message.
func Wrapf(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the kind from an error chain. Context cancellation and
// deadline errors map to Cancelled and Timeout; anything unclassified maps
// to Internal. A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// HasKind reports whether err carries the given kind anywhere in its chain.
func HasKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether err should trigger a task-level retry.
func IsRetryable(err error) bool {
	return KindOf(err).IsRetryable()
}
