package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config LogConfig
	}{
		{name: "json format", config: LogConfig{Level: "info", Format: "json"}},
		{name: "text format", config: LogConfig{Level: "debug", Format: "text"}},
		{name: "defaults", config: LogConfig{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if logger := NewLogger(tt.config); logger == nil {
				t.Fatal("NewLogger returned nil")
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"debug", "DEBUG"},
		{"info", "INFO"},
		{"warn", "WARN"},
		{"warning", "WARN"},
		{"error", "ERROR"},
		{"nonsense", "INFO"},
		{"", "INFO"},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in).String(); got != tt.want {
			t.Errorf("ParseLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestRedaction(t *testing.T) {
	tests := []struct {
		name    string
		message string
		leak    string
	}{
		{"openai key", "request failed with api_key=sk-abcdefghijklmnopqrstuvwxyz123456789", "sk-abcdef"},
		{"anthropic key", "auth sk-ant-REDACTED failed", "sk-ant-"},
		{"bearer token", "header Bearer abcdefghijklmnop1234 rejected", "abcdefghijklmnop1234"},
		{"password", "password=hunter2secret rejected", "hunter2secret"},
		{"jwt", "got eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiIxIn0.abc123", "eyJhbGciOiJIUzI1NiJ9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(LogConfig{Format: "json", Output: &buf})
			logger.Info(context.Background(), tt.message)

			out := buf.String()
			if strings.Contains(out, tt.leak) {
				t.Errorf("log output leaked secret %q: %s", tt.leak, out)
			}
			if !strings.Contains(out, "[REDACTED]") {
				t.Errorf("expected [REDACTED] marker in output: %s", out)
			}
		})
	}
}

func TestRedactionOfErrorValues(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "json", Output: &buf})

	err := errors.New("provider rejected key sk-abcdefghijklmnopqrstuvwxyz123456789")
	logger.Error(context.Background(), "lm call failed", "error", err)

	if strings.Contains(buf.String(), "sk-abcdef") {
		t.Errorf("error value leaked secret: %s", buf.String())
	}
}

func TestContextCorrelation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "json", Output: &buf})

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithTaskID(ctx, "task-9")
	ctx = WithTool(ctx, "web_task")
	logger.Info(ctx, "dispatch")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if record["request_id"] != "req-1" {
		t.Errorf("request_id = %v, want req-1", record["request_id"])
	}
	if record["task_id"] != "task-9" {
		t.Errorf("task_id = %v, want task-9", record["task_id"])
	}
	if record["tool"] != "web_task" {
		t.Errorf("tool = %v, want web_task", record["tool"])
	}
}

func TestRedactMap(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "json", Output: &buf})

	logger.Info(context.Background(), "config loaded", "settings", map[string]any{
		"api_key": "plaintextsecret",
		"nested":  map[string]any{"password": "deepsecret"},
		"host":    "localhost",
	})

	out := buf.String()
	if strings.Contains(out, "plaintextsecret") || strings.Contains(out, "deepsecret") {
		t.Errorf("map values leaked: %s", out)
	}
	if !strings.Contains(out, "localhost") {
		t.Errorf("benign value dropped: %s", out)
	}
}

func TestWithAttachesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "json", Output: &buf}).With("component", "task-executor")
	logger.Info(context.Background(), "started")

	if !strings.Contains(buf.String(), `"component":"task-executor"`) {
		t.Errorf("component field missing: %s", buf.String())
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	if got := RequestID(context.Background()); got != "" {
		t.Errorf("RequestID on empty ctx = %q, want empty", got)
	}
	ctx := WithRequestID(context.Background(), "abc")
	if got := RequestID(ctx); got != "abc" {
		t.Errorf("RequestID = %q, want abc", got)
	}
}
