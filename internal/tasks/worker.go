package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/websterhq/webster/internal/analytics"
	"github.com/websterhq/webster/internal/backoff"
	"github.com/websterhq/webster/internal/errdefs"
	"github.com/websterhq/webster/internal/events"
	"github.com/websterhq/webster/internal/observability"
	"github.com/websterhq/webster/internal/registry"
	"github.com/websterhq/webster/internal/storage"
)

// persistAttempts bounds the write retries backing a status transition.
const persistAttempts = 4

func (e *Executor) workerLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		id, ok := e.queue.pop()
		if !ok {
			return
		}
		e.noteQueueDepth()
		e.runTask(ctx, id)
	}
}

// runTask drives one attempt of one task. The deadline is absolute from
// the first start, so a retried task re-enters here with less time left.
func (e *Executor) runTask(ctx context.Context, id string) {
	st := e.state(id)
	if st == nil {
		return
	}

	ctx = observability.WithTaskID(ctx, id)

	st.mu.Lock()
	if IsTerminal(st.task.Status) {
		st.mu.Unlock()
		return
	}
	if st.cancelled {
		st.mu.Unlock()
		e.finish(ctx, st, outcome{
			status:  StatusCancelled,
			kind:    errdefs.KindCancelled,
			message: "cancelled before start",
		})
		return
	}
	first := st.task.StartedAt == nil
	now := time.Now().UTC()
	if first {
		st.task.Status = StatusRunning
		st.task.StartedAt = &now
		st.deadline = now.Add(time.Duration(st.task.TimeoutSeconds) * time.Second)
	}
	st.task.UpdatedAt = now
	toolName := st.task.ToolName
	deadline := st.deadline
	timeoutSeconds := st.task.TimeoutSeconds
	snapshot := cloneTask(st.task)
	st.mu.Unlock()

	ctx = observability.WithTool(ctx, toolName)

	if !first && time.Now().After(deadline) {
		e.finish(ctx, st, outcome{
			status:  StatusTimedOut,
			kind:    errdefs.KindTimeout,
			message: fmt.Sprintf("execution exceeded %ds", timeoutSeconds),
		})
		return
	}

	if first {
		if err := e.persistTask(ctx, snapshot); err != nil {
			e.logger.Error(ctx, "running transition not persisted", "task", id, "error", err)
			e.finish(ctx, st, outcome{
				status:  StatusFailed,
				kind:    errdefs.KindPersistenceFailed,
				message: "running transition could not be persisted",
			})
			return
		}
		if e.metrics != nil {
			e.metrics.RecordTaskTransition(StatusRunning)
		}
		e.hub.Publish(ctx, events.Event{
			TaskID:  id,
			Type:    events.TypeLog,
			Level:   "info",
			Message: "task running",
		})
	}

	tool, ok := e.tools.Resolve(toolName)
	if !ok {
		e.finish(ctx, st, outcome{
			status:  StatusFailed,
			kind:    errdefs.KindToolNotFound,
			message: fmt.Sprintf("tool %q not in registry", toolName),
		})
		return
	}

	var args map[string]any
	if len(snapshot.Arguments) > 0 {
		if err := json.Unmarshal(snapshot.Arguments, &args); err != nil {
			e.finish(ctx, st, outcome{
				status:  StatusFailed,
				kind:    errdefs.KindArgumentInvalid,
				message: "arguments are not a JSON object",
			})
			return
		}
	}

	count := e.active.Add(1)
	if e.metrics != nil {
		e.metrics.ActiveTasks.Set(float64(count))
	}
	defer func() {
		remaining := e.active.Add(-1)
		if e.metrics != nil {
			e.metrics.ActiveTasks.Set(float64(remaining))
		}
	}()

	runCtx, cancelRun := context.WithDeadline(ctx, deadline)
	defer cancelRun()
	st.mu.Lock()
	st.cancel = cancelRun
	st.mu.Unlock()

	runCtx = registry.WithProgress(runCtx, e.progressSink(ctx, st))

	var span trace.Span
	if e.tracer != nil {
		runCtx, span = e.tracer.TraceTask(runCtx, id, toolName)
	}

	started := time.Now()
	result, err := e.invoke(runCtx, tool, args)
	duration := time.Since(started)

	if e.tracer != nil {
		if err != nil {
			e.tracer.RecordError(span, err)
		}
		span.End()
	}

	st.mu.Lock()
	cancelled := st.cancelled
	retries := st.task.RetriesSoFar
	maxRetries := st.task.MaxRetries
	st.cancel = nil
	st.mu.Unlock()

	kind := errdefs.KindOf(err)
	switch {
	case cancelled || (err != nil && kind == errdefs.KindCancelled):
		message := "cancelled by request"
		if !cancelled && err != nil {
			message = err.Error()
		}
		e.finish(ctx, st, outcome{
			status:   StatusCancelled,
			kind:     errdefs.KindCancelled,
			message:  message,
			duration: duration,
		})
	case time.Now().After(deadline) || (err != nil && kind == errdefs.KindTimeout):
		e.finish(ctx, st, outcome{
			status:   StatusTimedOut,
			kind:     errdefs.KindTimeout,
			message:  fmt.Sprintf("execution exceeded %ds", timeoutSeconds),
			duration: duration,
		})
	case err != nil && errdefs.IsRetryable(err) && retries < maxRetries:
		e.requeueAfterFailure(ctx, st, err, duration)
	case err != nil:
		e.finish(ctx, st, outcome{
			status:   StatusFailed,
			kind:     kind,
			message:  err.Error(),
			duration: duration,
		})
	default:
		e.finish(ctx, st, outcome{
			status:   StatusCompleted,
			result:   result,
			duration: duration,
		})
	}
}

// invoke runs the handler, converting panics into internal errors so a
// broken tool cannot take a worker down.
func (e *Executor) invoke(ctx context.Context, tool *registry.Tool, args map[string]any) (result *registry.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errdefs.Newf(errdefs.KindInternal, "tool %s panicked: %v", tool.Name, r)
			e.logger.Error(ctx, "tool handler panicked", "tool", tool.Name, "panic", r)
		}
	}()
	return tool.Handler(ctx, args)
}

// progressSink persists and publishes handler checkpoints. Progress is
// clamped non-decreasing, and a cancelled task reports nothing further.
func (e *Executor) progressSink(ctx context.Context, st *taskState) registry.ProgressFunc {
	noteCtx := context.WithoutCancel(ctx)
	return func(percent int, message string) {
		st.mu.Lock()
		if IsTerminal(st.task.Status) || st.cancelled {
			st.mu.Unlock()
			return
		}
		if percent > 100 {
			percent = 100
		}
		if percent < st.task.ProgressPercent {
			percent = st.task.ProgressPercent
		}
		st.task.ProgressPercent = percent
		if message != "" {
			st.task.ProgressMessage = message
		}
		st.task.UpdatedAt = time.Now().UTC()
		snapshot := cloneTask(st.task)
		st.mu.Unlock()

		if err := e.store.Update(noteCtx, snapshot); err != nil {
			e.logger.Warn(noteCtx, "progress update not persisted", "task", snapshot.ID, "error", err)
		}
		e.hub.Publish(noteCtx, events.Event{
			TaskID:  snapshot.ID,
			Type:    events.TypeProgress,
			Percent: snapshot.ProgressPercent,
			Message: snapshot.ProgressMessage,
		})
	}
}

// requeueAfterFailure books a retry and puts the task back on the queue
// after a delay. The task keeps its running status; only the retry
// counter moves.
func (e *Executor) requeueAfterFailure(ctx context.Context, st *taskState, cause error, duration time.Duration) {
	st.mu.Lock()
	if IsTerminal(st.task.Status) {
		st.mu.Unlock()
		return
	}
	st.task.RetriesSoFar++
	st.task.UpdatedAt = time.Now().UTC()
	id := st.task.ID
	attempt := st.task.RetriesSoFar
	priority := st.task.Priority
	maxRetries := st.task.MaxRetries
	snapshot := cloneTask(st.task)
	st.mu.Unlock()

	kind := errdefs.KindOf(cause)
	if err := e.persistTask(ctx, snapshot); err != nil {
		e.logger.Error(ctx, "retry bookkeeping not persisted", "task", id, "error", err)
		e.finish(ctx, st, outcome{
			status:   StatusFailed,
			kind:     errdefs.KindPersistenceFailed,
			message:  "retry bookkeeping could not be persisted",
			duration: duration,
		})
		return
	}

	if e.metrics != nil {
		e.metrics.RecordTaskRetry(string(kind))
	}
	e.logger.Warn(ctx, "task attempt failed, requeueing",
		"task", id, "attempt", attempt, "max_retries", maxRetries,
		"error_kind", string(kind), "error", cause)
	e.hub.Publish(ctx, events.Event{
		TaskID:  id,
		Type:    events.TypeLog,
		Level:   "warn",
		Message: fmt.Sprintf("attempt %d failed (%s), retrying", attempt, kind),
	})

	delay := backoff.Delay(e.retryDelay, attempt)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := backoff.Sleep(ctx, delay); err != nil {
			return
		}
		e.queue.requeue(id, priority)
		e.noteQueueDepth()
	}()
}

// outcome is a terminal decision for one task.
type outcome struct {
	status   string
	kind     errdefs.Kind
	message  string
	result   *registry.Result
	duration time.Duration
}

// finish commits a terminal transition: persist, then notify, then
// hand the fact to analytics. The first terminal decision wins; later
// calls are no-ops. Detached from ctx cancellation so shutdown cannot
// strand a transition halfway.
func (e *Executor) finish(ctx context.Context, st *taskState, oc outcome) {
	ctx = context.WithoutCancel(ctx)

	st.mu.Lock()
	if IsTerminal(st.task.Status) {
		st.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	st.task.Status = oc.status
	st.task.CompletedAt = &now
	st.task.UpdatedAt = now
	if oc.status == StatusCompleted {
		st.task.ProgressPercent = 100
		st.task.Result = marshalPayload(oc.result)
		st.task.ErrorKind = ""
		st.task.ErrorMessage = ""
	} else {
		st.task.ErrorKind = string(oc.kind)
		st.task.ErrorMessage = oc.message
	}
	snapshot := cloneTask(st.task)
	st.mu.Unlock()

	if err := e.persistTask(ctx, snapshot); err != nil {
		e.logger.Error(ctx, "terminal transition not persisted",
			"task", snapshot.ID, "status", oc.status, "error", err)
		st.mu.Lock()
		st.task.Status = StatusFailed
		st.task.ErrorKind = string(errdefs.KindPersistenceFailed)
		st.task.ErrorMessage = "terminal transition could not be persisted"
		st.task.Result = nil
		snapshot = cloneTask(st.task)
		st.mu.Unlock()
		oc.status = StatusFailed
		oc.kind = errdefs.KindPersistenceFailed
		oc.message = snapshot.ErrorMessage
		if err := e.store.Update(ctx, snapshot); err != nil {
			e.logger.Error(ctx, "failed-status fallback write lost", "task", snapshot.ID, "error", err)
		}
	}

	if oc.status == StatusCompleted && oc.result != nil {
		e.persistScreenshots(ctx, snapshot.ID, oc.result.Artifacts, now)
	}

	if e.metrics != nil {
		e.metrics.RecordTaskTransition(oc.status)
		e.metrics.RecordToolExecution(snapshot.ToolName, "async", oc.status, oc.duration.Seconds())
	}

	event := events.Event{
		TaskID:  snapshot.ID,
		Type:    events.TypeTerminal,
		Status:  oc.status,
		Percent: snapshot.ProgressPercent,
		At:      now,
	}
	if oc.status != StatusCompleted {
		event.ErrorKind = string(oc.kind)
		event.Message = oc.message
	}
	e.hub.Publish(ctx, event)

	fact := analytics.TaskFact{
		TaskID:    snapshot.ID,
		ToolName:  snapshot.ToolName,
		Requester: snapshot.RequesterID,
		Status:    oc.status,
		ErrorKind: snapshot.ErrorKind,
		Retries:   snapshot.RetriesSoFar,
	}
	if snapshot.StartedAt != nil {
		fact.StartedAt = *snapshot.StartedAt
		fact.Duration = now.Sub(*snapshot.StartedAt)
	}
	e.recorder.RecordTask(ctx, fact)

	e.mu.Lock()
	delete(e.live, snapshot.ID)
	e.mu.Unlock()

	e.logger.Info(ctx, "task finished",
		"task", snapshot.ID, "tool", snapshot.ToolName,
		"status", oc.status, "retries", snapshot.RetriesSoFar)
}

// persistScreenshots records artifact references rowwise so captures can
// be listed without decoding the result payload.
func (e *Executor) persistScreenshots(ctx context.Context, taskID string, refs []string, at time.Time) {
	for i := 0; i < len(refs); i++ {
		shot := &storage.Screenshot{
			TaskID:      taskID,
			StepNumber:  i + 1,
			ArtifactRef: refs[i],
			CapturedAt:  at,
		}
		if err := e.store.AppendScreenshot(ctx, shot); err != nil {
			e.logger.Warn(ctx, "screenshot row not persisted", "task", taskID, "step", i+1, "error", err)
		}
	}
}

func marshalPayload(result *registry.Result) json.RawMessage {
	var payload ResultPayload
	if result != nil {
		payload.Text = result.Text
		payload.MimeType = result.MimeType
		payload.Data = result.ImageB64
		payload.Screenshots = result.Artifacts
	}
	raw, _ := json.Marshal(payload)
	return raw
}

// persistTask updates the task row with bounded backoff. Transitions
// must land in the store before subscribers hear about them.
func (e *Executor) persistTask(ctx context.Context, task *storage.Task) error {
	return backoff.Retry(ctx, backoff.Persistence(), persistAttempts, func(attempt int) error {
		err := e.store.Update(ctx, task)
		if err != nil && attempt < persistAttempts {
			e.logger.Warn(ctx, "task update failed, retrying",
				"task", task.ID, "attempt", attempt, "error", err)
		}
		return err
	})
}

func (e *Executor) persistCreate(ctx context.Context, task *storage.Task) error {
	return backoff.Retry(ctx, backoff.Persistence(), persistAttempts, func(attempt int) error {
		err := e.store.Create(ctx, task)
		if err != nil && attempt < persistAttempts {
			e.logger.Warn(ctx, "task create failed, retrying",
				"task", task.ID, "attempt", attempt, "error", err)
		}
		return err
	})
}

func (e *Executor) sweepLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		next := e.sweepSched.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			e.sweepOnce(ctx)
		}
	}
}

// sweepOnce fails tasks that overstayed the queue and times out running
// tasks past their deadline, including tasks whose handlers ignore
// cancellation and tasks waiting out a retry delay.
func (e *Executor) sweepOnce(ctx context.Context) {
	now := time.Now()

	e.mu.RLock()
	states := make([]*taskState, 0, len(e.live))
	for _, st := range e.live {
		states = append(states, st)
	}
	e.mu.RUnlock()

	for i := 0; i < len(states); i++ {
		st := states[i]

		st.mu.Lock()
		id := st.task.ID
		status := st.task.Status
		created := st.task.CreatedAt
		timeoutSeconds := st.task.TimeoutSeconds
		deadline := st.deadline
		cancel := st.cancel
		st.mu.Unlock()

		switch {
		case status == StatusQueued && now.Sub(created) > e.config.QueueTimeout:
			if e.queue.remove(id) {
				e.noteQueueDepth()
				e.logger.Warn(ctx, "task expired in queue", "task", id, "queued_for", now.Sub(created))
				e.finish(ctx, st, outcome{
					status:  StatusFailed,
					kind:    errdefs.KindQueueTimeout,
					message: fmt.Sprintf("queued longer than %s", e.config.QueueTimeout),
				})
			}
		case status == StatusRunning && !deadline.IsZero() && now.After(deadline):
			if cancel != nil {
				cancel()
			}
			e.logger.Warn(ctx, "task deadline exceeded, sweeping", "task", id)
			e.finish(ctx, st, outcome{
				status:  StatusTimedOut,
				kind:    errdefs.KindTimeout,
				message: fmt.Sprintf("execution exceeded %ds", timeoutSeconds),
			})
		}
	}
}
