package server

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/websterhq/webster/internal/errdefs"
	"github.com/websterhq/webster/internal/events"
	"github.com/websterhq/webster/internal/tasks"
)

func TestTaskEventStream(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	svc := &fakeTaskService{stream: make(chan events.Event, 8)}
	svc.stream <- events.Event{TaskID: "t1", Type: events.TypeProgress, Status: tasks.StatusRunning, Percent: 25, Message: "opening page", At: now}
	svc.stream <- events.Event{TaskID: "t1", Type: events.TypeLog, Level: "warn", Message: "retrying selector", At: now}
	svc.stream <- events.Event{TaskID: "t1", Type: events.TypeTerminal, Status: tasks.StatusCompleted, Percent: 100, At: now}
	close(svc.stream)

	handler := newTestHandler(t, newFakeCatalog(), svc, Config{})
	req := httptest.NewRequest(http.MethodGet, "/events/tasks/t1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	body := rec.Body.String()
	progress := strings.Index(body, "event: progress")
	logIdx := strings.Index(body, "event: log")
	terminal := strings.Index(body, "event: terminal")
	if progress < 0 || logIdx < 0 || terminal < 0 {
		t.Fatalf("stream missing event frames:\n%s", body)
	}
	if !(progress < logIdx && logIdx < terminal) {
		t.Errorf("frames out of order: progress=%d log=%d terminal=%d", progress, logIdx, terminal)
	}

	for _, want := range []string{
		`"percent":25`,
		`"message":"opening page"`,
		`"level":"warn"`,
		`"status":"completed"`,
		`"resultRef":"tasks/results?taskId=t1"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %s:\n%s", want, body)
		}
	}
}

func TestTaskEventStreamFailedTask(t *testing.T) {
	svc := &fakeTaskService{stream: make(chan events.Event, 2)}
	svc.stream <- events.Event{
		TaskID:    "t2",
		Type:      events.TypeTerminal,
		Status:    tasks.StatusFailed,
		ErrorKind: string(errdefs.KindStepFailed),
		Message:   "click never landed",
		At:        time.Now(),
	}
	close(svc.stream)

	handler := newTestHandler(t, newFakeCatalog(), svc, Config{})
	req := httptest.NewRequest(http.MethodGet, "/events/tasks/t2", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, `"errorKind":"StepFailed"`) {
		t.Errorf("stream missing errorKind:\n%s", body)
	}
	if strings.Contains(body, "resultRef") {
		t.Errorf("failed task should not advertise a resultRef:\n%s", body)
	}
}

func TestTaskEventStreamUnknownTask(t *testing.T) {
	svc := &fakeTaskService{subscribeErr: errdefs.Newf(errdefs.KindArgumentInvalid, "unknown task %q", "nope")}
	handler := newTestHandler(t, newFakeCatalog(), svc, Config{})

	req := httptest.NewRequest(http.MethodGet, "/events/tasks/nope", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "unknown task") {
		t.Errorf("body = %s, want unknown task error", rec.Body.String())
	}
}

func TestTaskEventStreamDeliversOverHTTP(t *testing.T) {
	svc := &fakeTaskService{stream: make(chan events.Event, 1)}
	handler := newTestHandler(t, newFakeCatalog(), svc, Config{})
	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/events/tasks/t1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	svc.stream <- events.Event{TaskID: "t1", Type: events.TypeProgress, Status: tasks.StatusRunning, Percent: 10, Message: "started", At: time.Now()}

	frames := make(chan string, 1)
	go func() {
		reader := bufio.NewReader(resp.Body)
		var lines []string
		for i := 0; i < 2; i++ {
			line, err := reader.ReadString('\n')
			if err != nil {
				break
			}
			lines = append(lines, line)
		}
		frames <- strings.Join(lines, "")
	}()

	select {
	case got := <-frames:
		if !strings.Contains(got, "event: progress") || !strings.Contains(got, `"percent":10`) {
			t.Errorf("frames = %q, want a progress frame with percent 10", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for stream frames")
	}
	close(svc.stream)
}
