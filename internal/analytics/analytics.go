// Package analytics defines the recorder interface the task executor
// feeds with terminal-task facts. The default recorder drops them; a
// graph-store implementation plugs in behind the same interface.
package analytics

import (
	"context"
	"time"
)

// TaskFact summarizes one finished task.
type TaskFact struct {
	TaskID    string
	ToolName  string
	Requester string
	Status    string
	ErrorKind string
	Retries   int
	Duration  time.Duration
	StartedAt time.Time
}

// Recorder receives terminal-task facts. Implementations must not block
// the caller; failures are the implementation's to log.
type Recorder interface {
	RecordTask(ctx context.Context, fact TaskFact)
}

// Nop discards every fact.
type Nop struct{}

// NewNop returns the discarding recorder.
func NewNop() Nop { return Nop{} }

// RecordTask implements Recorder.
func (Nop) RecordTask(ctx context.Context, fact TaskFact) {}
