package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/websterhq/webster/internal/auth"
	"github.com/websterhq/webster/internal/errdefs"
	"github.com/websterhq/webster/internal/observability"
	"github.com/websterhq/webster/internal/registry"
	"github.com/websterhq/webster/internal/tasks"
)

// maxRequestBytes bounds a single JSON-RPC request body.
const maxRequestBytes = 4 << 20

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		s.writeRPC(w, JSONRPCResponse{
			JSONRPC: "2.0",
			Error:   &JSONRPCError{Code: ErrCodeInvalidRequest, Message: "request body unreadable"},
		})
		return
	}

	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeRPC(w, JSONRPCResponse{
			JSONRPC: "2.0",
			Error:   &JSONRPCError{Code: ErrCodeParseError, Message: "parse error"},
		})
		return
	}
	if req.JSONRPC != "2.0" || strings.TrimSpace(req.Method) == "" {
		s.writeRPC(w, JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &JSONRPCError{Code: ErrCodeInvalidRequest, Message: "invalid request"},
		})
		return
	}

	s.writeRPC(w, s.dispatch(r.Context(), &req))
}

func (s *Server) dispatch(ctx context.Context, req *JSONRPCRequest) JSONRPCResponse {
	resp := JSONRPCResponse{JSONRPC: "2.0", ID: req.ID}
	s.logger.Debug(ctx, "rpc request", "method", req.Method)

	switch req.Method {
	case "tools/list":
		descriptors := s.tools.List()
		if descriptors == nil {
			descriptors = []registry.Descriptor{}
		}
		resp.Result = ListToolsResult{Tools: descriptors}
	case "tools/call":
		result, rpcErr := s.handleToolCall(ctx, req.Params)
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			resp.Result = result
		}
	case "resources/list":
		resp.Result = ListResourcesResult{Resources: []any{}}
	case "prompts/list":
		resp.Result = ListPromptsResult{Prompts: []any{}}
	default:
		resp.Error = &JSONRPCError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("method %q not found", req.Method)}
	}
	return resp
}

func (s *Server) handleToolCall(ctx context.Context, params json.RawMessage) (any, *JSONRPCError) {
	var call CallToolParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &call); err != nil {
			return nil, &JSONRPCError{Code: ErrCodeInvalidParams, Message: "params must be an object"}
		}
	}
	if strings.TrimSpace(call.Name) == "" {
		return nil, &JSONRPCError{Code: ErrCodeInvalidParams, Message: "params require a tool name"}
	}

	switch call.Name {
	case "tasks/status":
		return s.taskStatus(ctx, call.Arguments)
	case "tasks/cancel":
		return s.taskCancel(ctx, call.Arguments)
	case "tasks/results":
		return s.taskResults(ctx, call.Arguments)
	case "tasks/stats":
		return s.taskStats(ctx, call.Arguments)
	}

	tool, ok := s.tools.Resolve(call.Name)
	if !ok {
		return nil, rpcError(errdefs.Newf(errdefs.KindToolNotFound, "tool %q is not registered", call.Name))
	}

	if tool.RiskClass == registry.RiskHigh && !s.config.AllowHighRisk && strings.TrimSpace(call.ApprovalToken) == "" {
		return nil, rpcError(errdefs.Newf(errdefs.KindArgumentInvalid, "tool %q is high risk and requires an approvalToken", call.Name))
	}

	if err := s.validateArguments(ctx, tool, call.Arguments); err != nil {
		return nil, rpcError(err)
	}

	if tool.Async || call.Async {
		return s.submitTask(ctx, tool, call)
	}
	return s.callSync(ctx, tool, call)
}

func (s *Server) submitTask(ctx context.Context, tool *registry.Tool, call CallToolParams) (any, *JSONRPCError) {
	opts := tasks.Opts{
		TimeoutSeconds: call.TimeoutSeconds,
		Priority:       call.Priority,
		IdempotencyKey: call.IdempotencyKey,
		RequesterID:    requesterID(ctx),
	}
	if call.MaxRetries != nil {
		if *call.MaxRetries <= 0 {
			opts.MaxRetries = tasks.NoRetries
		} else {
			opts.MaxRetries = *call.MaxRetries
		}
	}

	taskID, err := s.exec.Submit(ctx, tool.Name, call.Arguments, opts)
	if err != nil {
		s.logger.Warn(ctx, "task submission rejected", "tool", tool.Name, "error", err)
		return nil, rpcError(err)
	}
	return SubmitResult{TaskID: taskID}, nil
}

func (s *Server) callSync(ctx context.Context, tool *registry.Tool, call CallToolParams) (any, *JSONRPCError) {
	args := map[string]any{}
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return nil, rpcError(errdefs.New(errdefs.KindArgumentInvalid, "arguments are not a JSON object"))
		}
	}

	ctx = observability.WithTool(ctx, tool.Name)
	start := time.Now()
	result, err := tool.Handler(ctx, args)
	status := "completed"
	if err != nil {
		status = "failed"
	}
	if s.metrics != nil {
		s.metrics.RecordToolExecution(tool.Name, "sync", status, time.Since(start).Seconds())
	}
	if err != nil {
		s.logger.Warn(ctx, "sync tool call failed", "tool", tool.Name, "error", err)
		return nil, rpcError(err)
	}
	return toolCallResult(result), nil
}

func toolCallResult(result *registry.Result) ToolCallResult {
	if result == nil {
		return ToolCallResult{Content: []ToolResultContent{{Type: "text"}}}
	}
	var content []ToolResultContent
	if result.ImageB64 != "" {
		mime := result.MimeType
		if mime == "" {
			mime = "image/png"
		}
		content = append(content, ToolResultContent{Type: "image", Data: result.ImageB64, MimeType: mime})
	}
	if result.Text != "" || len(content) == 0 {
		content = append(content, ToolResultContent{Type: "text", Text: result.Text})
	}
	return ToolCallResult{Content: content}
}

type taskRefArgs struct {
	TaskID string `json:"taskId"`
}

func parseTaskRef(raw json.RawMessage) (string, *JSONRPCError) {
	var args taskRefArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return "", &JSONRPCError{Code: ErrCodeInvalidParams, Message: "arguments must be an object"}
		}
	}
	if strings.TrimSpace(args.TaskID) == "" {
		return "", &JSONRPCError{Code: ErrCodeInvalidParams, Message: "arguments require a taskId"}
	}
	return args.TaskID, nil
}

func (s *Server) taskStatus(ctx context.Context, raw json.RawMessage) (any, *JSONRPCError) {
	taskID, rpcErr := parseTaskRef(raw)
	if rpcErr != nil {
		return nil, rpcErr
	}
	task, err := s.exec.Status(ctx, taskID)
	if err != nil {
		return nil, rpcError(err)
	}
	return TaskStatusResult{
		TaskID:          task.ID,
		ToolName:        task.ToolName,
		Status:          task.Status,
		ProgressPercent: task.ProgressPercent,
		ProgressMessage: task.ProgressMessage,
		RetriesSoFar:    task.RetriesSoFar,
		ErrorKind:       task.ErrorKind,
		ErrorMessage:    task.ErrorMessage,
		CreatedAt:       task.CreatedAt,
		StartedAt:       task.StartedAt,
		CompletedAt:     task.CompletedAt,
	}, nil
}

func (s *Server) taskCancel(ctx context.Context, raw json.RawMessage) (any, *JSONRPCError) {
	taskID, rpcErr := parseTaskRef(raw)
	if rpcErr != nil {
		return nil, rpcErr
	}
	cancelled := s.exec.Cancel(ctx, taskID)
	return CancelResult{TaskID: taskID, Cancelled: cancelled}, nil
}

func (s *Server) taskResults(ctx context.Context, raw json.RawMessage) (any, *JSONRPCError) {
	taskID, rpcErr := parseTaskRef(raw)
	if rpcErr != nil {
		return nil, rpcErr
	}
	payload, err := s.exec.Results(ctx, taskID)
	if err != nil {
		return nil, rpcError(err)
	}
	return payload, nil
}

type statsArgs struct {
	Days int `json:"days"`
}

func (s *Server) taskStats(ctx context.Context, raw json.RawMessage) (any, *JSONRPCError) {
	args := statsArgs{Days: 7}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, &JSONRPCError{Code: ErrCodeInvalidParams, Message: "arguments must be an object"}
		}
	}
	if args.Days < 1 {
		args.Days = 7
	}

	since := time.Now().UTC().Truncate(24 * time.Hour).AddDate(0, 0, -(args.Days - 1))
	days, err := s.exec.DailyStats(ctx, since)
	if err != nil {
		return nil, rpcError(err)
	}
	return StatsResult{
		ActiveTasks: s.exec.ActiveCount(),
		QueueDepth:  s.exec.QueueDepth(),
		Days:        dayStatsView(days),
	}, nil
}

// validateArguments checks the call arguments against the descriptor
// schema. Descriptors whose schema does not compile are let through with
// a warning; the handler still sees the raw arguments.
func (s *Server) validateArguments(ctx context.Context, tool *registry.Tool, raw json.RawMessage) error {
	schema := s.compiledSchema(ctx, tool)
	if schema == nil {
		return nil
	}

	var payload any = map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			return errdefs.New(errdefs.KindArgumentInvalid, "arguments are not valid JSON")
		}
	}
	if err := schema.Validate(payload); err != nil {
		return errdefs.Wrapf(errdefs.KindArgumentInvalid, err, "arguments for %q rejected", tool.Name)
	}
	return nil
}

func (s *Server) compiledSchema(ctx context.Context, tool *registry.Tool) *jsonschema.Schema {
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()

	if schema, ok := s.schemas[tool.Name]; ok {
		return schema
	}
	schema, err := jsonschema.CompileString(tool.Name, string(tool.Schema))
	if err != nil {
		s.logger.Warn(ctx, "tool schema does not compile, skipping validation", "tool", tool.Name, "error", err)
		schema = nil
	}
	s.schemas[tool.Name] = schema
	return schema
}

func rpcError(err error) *JSONRPCError {
	kind := errdefs.KindOf(err)
	code := ErrCodeApplication
	switch kind {
	case errdefs.KindToolNotFound, errdefs.KindArgumentInvalid:
		code = ErrCodeInvalidParams
	}
	return &JSONRPCError{
		Code:    code,
		Message: err.Error(),
		Data:    map[string]string{"errorKind": string(kind)},
	}
}

func requesterID(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity.Subject != "" {
		return identity.Subject
	}
	return "anonymous"
}

func (s *Server) writeRPC(w http.ResponseWriter, resp JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn(context.Background(), "rpc response write failed", "error", err)
	}
}
