package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/websterhq/webster/internal/errdefs"
)

// wrapProviderError maps a vendor SDK error onto the gateway's error
// vocabulary. Context cancellation passes through untouched so callers can
// tell a cancelled task from a dead provider.
func wrapProviderError(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return errdefs.Wrapf(errdefs.KindCancelled, err, "%s request cancelled", provider)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errdefs.Wrapf(errdefs.KindLMTransport, err, "%s request timed out", provider)
	}
	return errdefs.Wrapf(classifyKind(err), err, "%s request failed", provider)
}

// wrapStatusError classifies by HTTP status when the SDK surfaces one.
// Any status means the provider answered, so the call is a rejection
// rather than a transport failure.
func wrapStatusError(provider string, status int, err error) error {
	if status >= 400 {
		return errdefs.Wrapf(errdefs.KindLMRejection, err, "%s rejected request (status %d)", provider, status)
	}
	return wrapProviderError(provider, err)
}

// classifyKind guesses from the error text when no status is available.
// Anything that looks like the provider answered is a rejection; anything
// that looks like the wire is transport. Unclassified failures count as
// transport.
func classifyKind(err error) errdefs.Kind {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "429"),
		strings.Contains(msg, "quota"),
		strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "401"),
		strings.Contains(msg, "403"),
		strings.Contains(msg, "permission"),
		strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "billing"),
		strings.Contains(msg, "invalid request"),
		strings.Contains(msg, "400"),
		strings.Contains(msg, "model not found"),
		strings.Contains(msg, "404"),
		strings.Contains(msg, "500"),
		strings.Contains(msg, "502"),
		strings.Contains(msg, "503"),
		strings.Contains(msg, "overloaded"),
		strings.Contains(msg, "internal server error"):
		return errdefs.KindLMRejection
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "timed out"),
		strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "eof"):
		return errdefs.KindLMTransport
	default:
		return errdefs.KindLMTransport
	}
}
