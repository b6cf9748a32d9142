package server

import (
	"encoding/json"
	"time"

	"github.com/websterhq/webster/internal/registry"
	"github.com/websterhq/webster/internal/storage"
)

// JSON-RPC types

// JSONRPCRequest is a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse is a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      any           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError is a JSON-RPC 2.0 error.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC error codes
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	// ErrCodeApplication carries tool and task failures; the error data
	// holds a stable errorKind string clients can branch on.
	ErrCodeApplication = -32000
)

// ListToolsResult holds the result of tools/list.
type ListToolsResult struct {
	Tools []registry.Descriptor `json:"tools"`
}

// ListResourcesResult holds the result of resources/list.
type ListResourcesResult struct {
	Resources []any `json:"resources"`
}

// ListPromptsResult holds the result of prompts/list.
type ListPromptsResult struct {
	Prompts []any `json:"prompts"`
}

// CallToolParams holds parameters for tools/call. The option fields
// matter only for asynchronous dispatch.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`

	// Async forces task dispatch for tools not flagged async.
	Async bool `json:"async,omitempty"`

	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
	// MaxRetries nil keeps the executor default; an explicit 0 disables
	// retries.
	MaxRetries     *int   `json:"maxRetries,omitempty"`
	Priority       int    `json:"priority,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`

	// ApprovalToken unlocks high-risk tools when the server is not
	// configured to allow them outright.
	ApprovalToken string `json:"approvalToken,omitempty"`
}

// ToolCallResult holds the result of a synchronous tools/call.
type ToolCallResult struct {
	Content []ToolResultContent `json:"content"`
	IsError bool                `json:"isError,omitempty"`
}

// ToolResultContent holds a piece of content from a tool result.
type ToolResultContent struct {
	Type     string `json:"type"` // text | image
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// SubmitResult holds the result of an asynchronous tools/call.
type SubmitResult struct {
	TaskID string `json:"taskId"`
}

// TaskStatusResult holds the result of the tasks/status pseudo-tool.
type TaskStatusResult struct {
	TaskID          string     `json:"taskId"`
	ToolName        string     `json:"toolName"`
	Status          string     `json:"status"`
	ProgressPercent int        `json:"progressPercent"`
	ProgressMessage string     `json:"progressMessage,omitempty"`
	RetriesSoFar    int        `json:"retriesSoFar"`
	ErrorKind       string     `json:"errorKind,omitempty"`
	ErrorMessage    string     `json:"errorMessage,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}

// CancelResult holds the result of the tasks/cancel pseudo-tool.
type CancelResult struct {
	TaskID    string `json:"taskId"`
	Cancelled bool   `json:"cancelled"`
}

// StatsResult holds the result of the tasks/stats pseudo-tool.
type StatsResult struct {
	ActiveTasks int            `json:"activeTasks"`
	QueueDepth  int            `json:"queueDepth"`
	Days        []DayStatsView `json:"days"`
}

// DayStatsView is one day of terminal-task counts.
type DayStatsView struct {
	Day               string  `json:"day"`
	Total             int64   `json:"total"`
	Completed         int64   `json:"completed"`
	Failed            int64   `json:"failed"`
	Cancelled         int64   `json:"cancelled"`
	TimedOut          int64   `json:"timedOut"`
	AvgDurationMillis float64 `json:"avgDurationMillis"`
}

func dayStatsView(stats []storage.DayStats) []DayStatsView {
	out := make([]DayStatsView, 0, len(stats))
	for i := 0; i < len(stats); i++ {
		day := stats[i]
		out = append(out, DayStatsView{
			Day:               day.Day.Format("2006-01-02"),
			Total:             day.Total,
			Completed:         day.Completed,
			Failed:            day.Failed,
			Cancelled:         day.Cancelled,
			TimedOut:          day.TimedOut,
			AvgDurationMillis: day.AvgDurationMillis,
		})
	}
	return out
}

// AgentCard is the discovery document served at /.well-known/agent.json.
type AgentCard struct {
	Name         string           `json:"name"`
	Description  string           `json:"description"`
	Version      string           `json:"version"`
	Capabilities CardCapabilities `json:"capabilities"`
	URL          string           `json:"url"`
}

// CardCapabilities advertises what the server supports.
type CardCapabilities struct {
	Streaming  bool `json:"streaming"`
	Tools      bool `json:"tools"`
	AsyncTasks bool `json:"asyncTasks"`
}
