package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/websterhq/webster/internal/errdefs"
	"github.com/websterhq/webster/internal/events"
	"github.com/websterhq/webster/internal/tasks"
)

// heartbeatInterval paces SSE keep-alive comments.
const heartbeatInterval = 15 * time.Second

type progressPayload struct {
	TaskID  string `json:"taskId"`
	Percent int    `json:"percent"`
	Message string `json:"message,omitempty"`
	TS      string `json:"ts"`
}

type logPayload struct {
	TaskID  string `json:"taskId"`
	Level   string `json:"level"`
	Message string `json:"message"`
	TS      string `json:"ts"`
}

type terminalPayload struct {
	TaskID    string `json:"taskId"`
	Status    string `json:"status"`
	ResultRef string `json:"resultRef,omitempty"`
	ErrorKind string `json:"errorKind,omitempty"`
	TS        string `json:"ts"`
}

// handleTaskEvents streams one task's lifecycle as server-sent events.
// The stream ends with the task's terminal event; reconnecting clients
// get no replay and should re-query tasks/status first.
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("taskId")
	if taskID == "" {
		writeJSONError(w, http.StatusBadRequest, "taskId required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	stream, cancel, err := s.exec.Subscribe(r.Context(), taskID)
	if err != nil {
		if errdefs.HasKind(err, errdefs.KindArgumentInvalid) {
			writeJSONError(w, http.StatusNotFound, "unknown task")
		} else {
			s.logger.Error(r.Context(), "event subscription failed", "task_id", taskID, "error", err)
			writeJSONError(w, http.StatusInternalServerError, "subscription failed")
		}
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if s.metrics != nil {
		s.metrics.SSEConnections.Inc()
		defer s.metrics.SSEConnections.Dec()
	}
	s.logger.Info(r.Context(), "event stream opened", "task_id", taskID)
	defer s.logger.Info(r.Context(), "event stream closed", "task_id", taskID)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case ev, open := <-stream:
			if !open {
				return
			}
			name, payload, err := renderEvent(ev)
			if err != nil {
				s.logger.Error(r.Context(), "event render failed", "task_id", taskID, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
				return
			}
			flusher.Flush()
			if ev.Terminal() {
				return
			}
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func renderEvent(ev events.Event) (string, []byte, error) {
	ts := ev.At.UTC().Format(time.RFC3339Nano)
	switch ev.Type {
	case events.TypeProgress:
		payload, err := json.Marshal(progressPayload{
			TaskID:  ev.TaskID,
			Percent: ev.Percent,
			Message: ev.Message,
			TS:      ts,
		})
		return "progress", payload, err
	case events.TypeLog:
		level := ev.Level
		if level == "" {
			level = "info"
		}
		payload, err := json.Marshal(logPayload{
			TaskID:  ev.TaskID,
			Level:   level,
			Message: ev.Message,
			TS:      ts,
		})
		return "log", payload, err
	case events.TypeTerminal:
		payload := terminalPayload{
			TaskID:    ev.TaskID,
			Status:    ev.Status,
			ErrorKind: ev.ErrorKind,
			TS:        ts,
		}
		if ev.Status == tasks.StatusCompleted {
			payload.ResultRef = "tasks/results?taskId=" + ev.TaskID
		}
		raw, err := json.Marshal(payload)
		return "terminal", raw, err
	}
	return "", nil, fmt.Errorf("unknown event type %q", ev.Type)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"error":%q}`, message)
}
