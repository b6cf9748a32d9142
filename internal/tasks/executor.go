// Package tasks runs tool invocations that outlive their request. A
// bounded priority queue feeds a fixed worker pool; every status
// transition is persisted before subscribers hear about it, and a
// periodic sweep reaps tasks that overstayed the queue or their
// execution deadline.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/websterhq/webster/internal/analytics"
	"github.com/websterhq/webster/internal/backoff"
	"github.com/websterhq/webster/internal/errdefs"
	"github.com/websterhq/webster/internal/events"
	"github.com/websterhq/webster/internal/observability"
	"github.com/websterhq/webster/internal/registry"
	"github.com/websterhq/webster/internal/storage"
)

// Task statuses. queued and running are live; the other four are
// terminal and final.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusTimedOut  = "timedOut"
)

// IsTerminal reports whether a status ends the task lifecycle.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// NoRetries disables re-enqueueing for a submission.
const NoRetries = -1

const (
	defaultTimeoutSeconds = 300
	defaultMaxRetries     = 2
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Opts carries per-submission options.
type Opts struct {
	// TimeoutSeconds bounds execution from first start across retries.
	// Zero selects the default of 300.
	TimeoutSeconds int

	// MaxRetries caps re-enqueues after retryable failures. Zero selects
	// the default of 2; NoRetries disables retries.
	MaxRetries int

	// RequesterID identifies the submitting principal.
	RequesterID string

	// Priority raises a task ahead of lower-priority queued work. It
	// never preempts a running task.
	Priority int

	// IdempotencyKey, when set, makes a re-submission with the same key
	// return the prior task ID instead of creating a new task.
	IdempotencyKey string
}

// Config configures the executor.
type Config struct {
	// Workers is the parallel worker count. Defaults to 3.
	Workers int

	// QueueDepth bounds pending submissions. Defaults to 100.
	QueueDepth int

	// QueueTimeout fails tasks still queued after this long.
	// Defaults to 10 minutes.
	QueueTimeout time.Duration

	// SweepSchedule is the housekeeping cron expression.
	// Defaults to "@every 1m".
	SweepSchedule string

	// DefaultTimeoutSeconds applies to submissions without their own
	// timeout. Defaults to 300.
	DefaultTimeoutSeconds int

	// DefaultMaxRetries applies to submissions without their own retry
	// budget. Defaults to 2.
	DefaultMaxRetries int

	// RetryBackoff shapes the delay before a retryable failure is
	// requeued. The zero value selects backoff.Requeue.
	RetryBackoff backoff.Policy
}

// ToolSource resolves tool names to executable tools. *registry.Registry
// satisfies it.
type ToolSource interface {
	Resolve(name string) (*registry.Tool, bool)
}

// ResultPayload is the persisted outcome of a completed task.
type ResultPayload struct {
	Text        string   `json:"text,omitempty"`
	MimeType    string   `json:"mimeType,omitempty"`
	Data        string   `json:"data,omitempty"`
	Screenshots []string `json:"screenshots,omitempty"`
}

// taskState is the live view of one non-terminal task. The deadline is
// fixed when the task first starts and spans retries.
type taskState struct {
	mu        sync.Mutex
	task      *storage.Task
	deadline  time.Time
	cancel    context.CancelFunc
	cancelled bool
}

// Executor drives submitted tasks to a terminal state.
type Executor struct {
	store    storage.TaskStore
	tools    ToolSource
	hub      *events.Hub
	idem     events.IdempotencyIndex
	recorder analytics.Recorder
	config   Config
	logger   *observability.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer

	queue      *taskQueue
	sweepSched cron.Schedule
	retryDelay backoff.Policy

	mu      sync.RWMutex
	running bool
	live    map[string]*taskState
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	active  atomic.Int64
}

// New builds an executor. The idempotency index defaults to the
// in-process one and the analytics recorder to a no-op; swap them with
// SetIdempotencyIndex and SetRecorder before Start.
func New(store storage.TaskStore, tools ToolSource, hub *events.Hub, config Config, logger *observability.Logger, metrics *observability.Metrics, tracer *observability.Tracer) (*Executor, error) {
	if config.Workers <= 0 {
		config.Workers = 3
	}
	if config.QueueDepth <= 0 {
		config.QueueDepth = 100
	}
	if config.QueueTimeout <= 0 {
		config.QueueTimeout = 10 * time.Minute
	}
	if config.SweepSchedule == "" {
		config.SweepSchedule = "@every 1m"
	}
	if config.DefaultTimeoutSeconds <= 0 {
		config.DefaultTimeoutSeconds = defaultTimeoutSeconds
	}
	if config.DefaultMaxRetries <= 0 {
		config.DefaultMaxRetries = defaultMaxRetries
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	sched, err := cronParser.Parse(config.SweepSchedule)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.KindConfigInvalid, err, "sweep schedule %q", config.SweepSchedule)
	}

	retryDelay := config.RetryBackoff
	if retryDelay.Initial <= 0 {
		retryDelay = backoff.Requeue()
	}

	return &Executor{
		store:      store,
		tools:      tools,
		hub:        hub,
		idem:       events.NewMemoryIdempotencyIndex(0),
		recorder:   analytics.NewNop(),
		config:     config,
		logger:     logger,
		metrics:    metrics,
		tracer:     tracer,
		queue:      newTaskQueue(config.QueueDepth),
		sweepSched: sched,
		retryDelay: retryDelay,
		live:       make(map[string]*taskState),
	}, nil
}

// SetIdempotencyIndex replaces the in-process index, typically with the
// redis-backed one. Call before Start.
func (e *Executor) SetIdempotencyIndex(idx events.IdempotencyIndex) {
	if idx != nil {
		e.idem = idx
	}
}

// SetRecorder replaces the no-op analytics recorder. Call before Start.
func (e *Executor) SetRecorder(r analytics.Recorder) {
	if r != nil {
		e.recorder = r
	}
}

// Start launches the worker pool and the housekeeping sweep.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.logger.Info(ctx, "starting task executor",
		"workers", e.config.Workers,
		"queue_depth", e.config.QueueDepth,
		"queue_timeout", e.config.QueueTimeout,
		"sweep_schedule", e.config.SweepSchedule,
	)

	for i := 0; i < e.config.Workers; i++ {
		e.wg.Add(1)
		go e.workerLoop(ctx)
	}

	e.wg.Add(1)
	go e.sweepLoop(ctx)

	return nil
}

// Stop shuts the executor down. Queued tasks are abandoned to the next
// startup's interrupted-task recovery; running tasks get their context
// cancelled and are waited for until ctx expires.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.mu.Unlock()

	e.logger.Info(ctx, "stopping task executor")

	e.queue.close()
	if e.cancel != nil {
		e.cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info(ctx, "task executor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit enqueues one tool invocation and returns its task ID. The
// queued row is persisted before Submit returns.
func (e *Executor) Submit(ctx context.Context, toolName string, args json.RawMessage, opts Opts) (string, error) {
	e.mu.RLock()
	running := e.running
	e.mu.RUnlock()
	if !running {
		return "", errdefs.New(errdefs.KindInternal, "task executor is not running")
	}

	if _, ok := e.tools.Resolve(toolName); !ok {
		return "", errdefs.Newf(errdefs.KindToolNotFound, "unknown tool %q", toolName)
	}

	if opts.TimeoutSeconds <= 0 {
		opts.TimeoutSeconds = e.config.DefaultTimeoutSeconds
	}
	switch {
	case opts.MaxRetries == 0:
		opts.MaxRetries = e.config.DefaultMaxRetries
	case opts.MaxRetries < 0:
		opts.MaxRetries = 0
	}

	if !e.queue.reserve() {
		return "", errdefs.Newf(errdefs.KindQueueFull, "queue at capacity (%d)", e.config.QueueDepth)
	}

	id := uuid.NewString()
	if opts.IdempotencyKey != "" {
		prior, claimed := e.idem.Claim(ctx, opts.IdempotencyKey, id)
		if !claimed {
			e.queue.unreserve()
			e.logger.Info(ctx, "submission deduplicated", "key", opts.IdempotencyKey, "task", prior)
			return prior, nil
		}
	}

	now := time.Now().UTC()
	task := &storage.Task{
		ID:             id,
		ToolName:       toolName,
		Arguments:      args,
		Status:         StatusQueued,
		RequesterID:    opts.RequesterID,
		Priority:       opts.Priority,
		IdempotencyKey: opts.IdempotencyKey,
		TimeoutSeconds: opts.TimeoutSeconds,
		MaxRetries:     opts.MaxRetries,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := e.persistCreate(ctx, task); err != nil {
		e.queue.unreserve()
		if opts.IdempotencyKey != "" {
			e.idem.Release(ctx, opts.IdempotencyKey)
		}
		return "", errdefs.Wrap(errdefs.KindPersistenceFailed, err, "create task")
	}

	st := &taskState{task: task}
	e.mu.Lock()
	e.live[id] = st
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.RecordTaskTransition(StatusQueued)
	}
	e.hub.Publish(ctx, events.Event{
		TaskID:  id,
		Type:    events.TypeLog,
		Level:   "info",
		Message: "task queued",
	})

	e.queue.push(id, opts.Priority)
	e.noteQueueDepth()

	e.logger.Info(ctx, "task submitted",
		"task", id, "tool", toolName, "priority", opts.Priority, "timeout_seconds", opts.TimeoutSeconds)
	return id, nil
}

// Status returns a snapshot of the task. Unknown IDs are an
// ArgumentInvalid error.
func (e *Executor) Status(ctx context.Context, id string) (*storage.Task, error) {
	if st := e.state(id); st != nil {
		st.mu.Lock()
		defer st.mu.Unlock()
		return cloneTask(st.task), nil
	}

	task, err := e.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errdefs.Wrapf(errdefs.KindArgumentInvalid, err, "unknown task %q", id)
		}
		return nil, errdefs.Wrap(errdefs.KindPersistenceFailed, err, "load task")
	}
	return task, nil
}

// Cancel requests cooperative cancellation. Queued tasks terminate
// immediately; running tasks observe the flag at their next progress
// checkpoint. Returns false for unknown or already-terminal tasks.
func (e *Executor) Cancel(ctx context.Context, id string) bool {
	st := e.state(id)
	if st == nil {
		return false
	}

	st.mu.Lock()
	if IsTerminal(st.task.Status) {
		st.mu.Unlock()
		return false
	}
	if st.cancelled {
		st.mu.Unlock()
		return true
	}
	st.cancelled = true
	status := st.task.Status
	cancel := st.cancel
	st.mu.Unlock()

	if status == StatusQueued && e.queue.remove(id) {
		e.noteQueueDepth()
		e.logger.Info(ctx, "task cancelled while queued", "task", id)
		e.finish(ctx, st, outcome{
			status:  StatusCancelled,
			kind:    errdefs.KindCancelled,
			message: "cancelled before start",
		})
		return true
	}

	if cancel != nil {
		cancel()
	}
	e.logger.Info(ctx, "task cancellation requested", "task", id)
	return true
}

// Results returns the payload of a completed task. Failed, cancelled and
// timed out tasks return their recorded error; non-terminal tasks are an
// ArgumentInvalid error.
func (e *Executor) Results(ctx context.Context, id string) (*ResultPayload, error) {
	task, err := e.Status(ctx, id)
	if err != nil {
		return nil, err
	}

	switch task.Status {
	case StatusCompleted:
		var payload ResultPayload
		if len(task.Result) > 0 {
			if err := json.Unmarshal(task.Result, &payload); err != nil {
				return nil, errdefs.Wrap(errdefs.KindInternal, err, "stored result unreadable")
			}
		}
		return &payload, nil
	case StatusFailed, StatusCancelled, StatusTimedOut:
		kind := errdefs.Kind(task.ErrorKind)
		if !kind.Valid() {
			kind = errdefs.KindInternal
		}
		message := task.ErrorMessage
		if message == "" {
			message = "task " + task.Status
		}
		return nil, errdefs.New(kind, message)
	default:
		return nil, errdefs.Newf(errdefs.KindArgumentInvalid,
			"task %q is %s; results are available once terminal", id, task.Status)
	}
}

// Subscribe returns the task's event stream. The channel closes after
// the terminal event; subscribing to an already-terminal task yields a
// single synthesized terminal event.
func (e *Executor) Subscribe(ctx context.Context, id string) (<-chan events.Event, func(), error) {
	task, err := e.Status(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if IsTerminal(task.Status) {
		return terminalStream(task), func() {}, nil
	}

	ch, cancel := e.hub.Subscribe(id)

	// The task may have finished between the status check and the
	// subscription; the hub would never close this channel.
	task, err = e.Status(ctx, id)
	if err == nil && IsTerminal(task.Status) {
		cancel()
		return terminalStream(task), func() {}, nil
	}
	return ch, cancel, nil
}

func terminalStream(task *storage.Task) <-chan events.Event {
	at := task.UpdatedAt
	if task.CompletedAt != nil {
		at = *task.CompletedAt
	}
	ch := make(chan events.Event, 1)
	ch <- events.Event{
		TaskID:    task.ID,
		Type:      events.TypeTerminal,
		Status:    task.Status,
		Percent:   task.ProgressPercent,
		Message:   task.ErrorMessage,
		ErrorKind: task.ErrorKind,
		At:        at,
	}
	close(ch)
	return ch
}

// ActiveCount reports tasks currently executing.
func (e *Executor) ActiveCount() int {
	return int(e.active.Load())
}

// QueueDepth reports tasks waiting for a worker.
func (e *Executor) QueueDepth() int {
	return e.queue.depth()
}

// DailyStats aggregates terminal tasks per UTC day.
func (e *Executor) DailyStats(ctx context.Context, since time.Time) ([]storage.DayStats, error) {
	return e.store.DailyStats(ctx, since)
}

func (e *Executor) state(id string) *taskState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.live[id]
}

func (e *Executor) noteQueueDepth() {
	if e.metrics != nil {
		e.metrics.QueueDepth.Set(float64(e.queue.depth()))
	}
}

func cloneTask(t *storage.Task) *storage.Task {
	c := *t
	if t.StartedAt != nil {
		started := *t.StartedAt
		c.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		c.CompletedAt = &completed
	}
	if t.Arguments != nil {
		c.Arguments = append(json.RawMessage(nil), t.Arguments...)
	}
	if t.Result != nil {
		c.Result = append(json.RawMessage(nil), t.Result...)
	}
	return &c
}
