package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Description is one generated tool description, keyed by (model, tool).
type Description struct {
	ModelID          string
	ToolName         string
	SchemaText       string
	Annotations      string
	GenerationMillis int64
	CreatedAt        time.Time
	LastUsedAt       time.Time
	UsageCount       int64
}

// ModelStats aggregates cached descriptions for one model.
type ModelStats struct {
	ModelID         string
	Count           int64
	AvgGenerationMS float64
}

// Task is the persisted state of one asynchronous tool invocation.
type Task struct {
	ID              string
	ToolName        string
	Arguments       json.RawMessage
	Status          string
	ProgressPercent int
	ProgressMessage string
	RequesterID     string
	Priority        int
	IdempotencyKey  string
	TimeoutSeconds  int
	MaxRetries      int
	RetriesSoFar    int
	Result          json.RawMessage
	ErrorKind       string
	ErrorMessage    string
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	UpdatedAt       time.Time
}

// Screenshot is one persisted step capture belonging to a task.
type Screenshot struct {
	TaskID      string
	StepNumber  int
	ArtifactRef string
	CapturedAt  time.Time
}

// LMCall is one language-model gateway invocation record.
type LMCall struct {
	ID            string
	CacheKey      string
	CacheHit      bool
	Provider      string
	ModelID       string
	RequestBytes  int
	ResponseBytes int
	InputTokens   int
	OutputTokens  int
	LatencyMillis int64
	EstimatedCost float64
	ToolName      string
	TaskID        string
	CreatedAt     time.Time
	CompletedAt   time.Time
}

// DayStats summarizes terminal task executions for one UTC day.
type DayStats struct {
	Day               time.Time
	Total             int64
	Completed         int64
	Failed            int64
	Cancelled         int64
	TimedOut          int64
	AvgDurationMillis float64
}

// DescriptionStore persists generated tool descriptions.
type DescriptionStore interface {
	// Lookup returns the description for (modelID, toolName) and atomically
	// bumps its usage counter and last-used timestamp. ErrNotFound on miss.
	Lookup(ctx context.Context, modelID, toolName string) (*Description, error)

	// Upsert inserts or replaces the description keyed by (ModelID, ToolName).
	// CreatedAt and UsageCount of an existing row are preserved.
	Upsert(ctx context.Context, desc *Description) (*Description, error)

	// StatsByModel returns per-model cache counts and mean generation time.
	StatsByModel(ctx context.Context) ([]ModelStats, error)

	// EvictOlderThan deletes rows last used before cutoff and reports how many.
	EvictOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// TaskStore persists task executions and their screenshots.
type TaskStore interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Update(ctx context.Context, task *Task) error

	AppendScreenshot(ctx context.Context, shot *Screenshot) error
	Screenshots(ctx context.Context, taskID string) ([]*Screenshot, error)

	// DailyStats aggregates terminal tasks per UTC day, newest day first.
	DailyStats(ctx context.Context, since time.Time) ([]DayStats, error)

	// FailInterrupted marks every queued or running task as failed. Called at
	// startup so rows stranded by a previous process don't read as live.
	FailInterrupted(ctx context.Context, errorKind, message string) (int64, error)
}

// CallLogStore records language-model gateway calls.
type CallLogStore interface {
	Record(ctx context.Context, call *LMCall) error
}

// StoreSet groups storage dependencies.
type StoreSet struct {
	Descriptions DescriptionStore
	Tasks        TaskStore
	Calls        CallLogStore
	closer       func() error
}

// Close closes any underlying resources.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
