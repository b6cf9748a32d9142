package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/websterhq/webster/internal/errdefs"
)

func TestWrapProviderError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want errdefs.Kind
	}{
		{"cancelled", context.Canceled, errdefs.KindCancelled},
		{"deadline", context.DeadlineExceeded, errdefs.KindLMTransport},
		{"rate limit", errors.New("rate limit exceeded"), errdefs.KindLMRejection},
		{"429", errors.New("HTTP 429 Too Many Requests"), errdefs.KindLMRejection},
		{"unauthorized", errors.New("401 unauthorized"), errdefs.KindLMRejection},
		{"invalid key", errors.New("invalid api key provided"), errdefs.KindLMRejection},
		{"quota", errors.New("quota exceeded for project"), errdefs.KindLMRejection},
		{"server error", errors.New("internal server error"), errdefs.KindLMRejection},
		{"overloaded", errors.New("overloaded_error: try again"), errdefs.KindLMRejection},
		{"model missing", errors.New("model not found"), errdefs.KindLMRejection},
		{"timeout text", errors.New("request timed out"), errdefs.KindLMTransport},
		{"conn refused", errors.New("dial tcp: connection refused"), errdefs.KindLMTransport},
		{"conn reset", errors.New("read: connection reset by peer"), errdefs.KindLMTransport},
		{"dns", errors.New("lookup api.example.com: no such host"), errdefs.KindLMTransport},
		{"eof", errors.New("unexpected EOF"), errdefs.KindLMTransport},
		{"unknown", errors.New("something odd happened"), errdefs.KindLMTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := wrapProviderError("fake", tt.err)
			if !errdefs.HasKind(got, tt.want) {
				t.Errorf("wrapProviderError(%q) kind = %s, want %s", tt.err, errdefs.KindOf(got), tt.want)
			}
			if !errors.Is(got, tt.err) {
				t.Errorf("wrapProviderError(%q) lost the cause", tt.err)
			}
		})
	}

	if got := wrapProviderError("fake", nil); got != nil {
		t.Errorf("wrapProviderError(nil) = %v, want nil", got)
	}
}

func TestWrapStatusError(t *testing.T) {
	cause := errors.New("api error")
	tests := []struct {
		name   string
		status int
		want   errdefs.Kind
	}{
		{"rate limited", 429, errdefs.KindLMRejection},
		{"unauthorized", 401, errdefs.KindLMRejection},
		{"bad request", 400, errdefs.KindLMRejection},
		{"server error", 500, errdefs.KindLMRejection},
		{"unavailable", 503, errdefs.KindLMRejection},
		{"no status", 0, errdefs.KindLMTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := wrapStatusError("fake", tt.status, cause)
			if !errdefs.HasKind(got, tt.want) {
				t.Errorf("wrapStatusError(%d) kind = %s, want %s", tt.status, errdefs.KindOf(got), tt.want)
			}
		})
	}
}

func TestTransportErrorsAreRetryable(t *testing.T) {
	transport := wrapProviderError("fake", errors.New("connection refused"))
	if !errdefs.IsRetryable(transport) {
		t.Error("transport failure not retryable")
	}
	rejection := wrapProviderError("fake", errors.New("quota exceeded"))
	if errdefs.IsRetryable(rejection) {
		t.Error("provider rejection marked retryable")
	}
}
