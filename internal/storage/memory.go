package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryDescriptionStore provides an in-memory DescriptionStore.
type MemoryDescriptionStore struct {
	mu    sync.Mutex
	descs map[string]*Description
}

// NewMemoryDescriptionStore creates an in-memory description store.
func NewMemoryDescriptionStore() *MemoryDescriptionStore {
	return &MemoryDescriptionStore{descs: make(map[string]*Description)}
}

func descriptionKey(modelID, toolName string) string {
	return modelID + "|" + toolName
}

func (s *MemoryDescriptionStore) Lookup(ctx context.Context, modelID, toolName string) (*Description, error) {
	if modelID == "" || toolName == "" {
		return nil, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	desc, ok := s.descs[descriptionKey(modelID, toolName)]
	if !ok {
		return nil, ErrNotFound
	}
	desc.UsageCount++
	desc.LastUsedAt = time.Now()
	return cloneDescription(desc), nil
}

func (s *MemoryDescriptionStore) Upsert(ctx context.Context, desc *Description) (*Description, error) {
	if desc == nil || desc.ModelID == "" || desc.ToolName == "" {
		return nil, fmt.Errorf("description model and tool are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	key := descriptionKey(desc.ModelID, desc.ToolName)
	existing, ok := s.descs[key]
	if !ok {
		stored := cloneDescription(desc)
		stored.CreatedAt = now
		stored.LastUsedAt = now
		stored.UsageCount = 0
		s.descs[key] = stored
		return cloneDescription(stored), nil
	}

	existing.SchemaText = desc.SchemaText
	existing.Annotations = desc.Annotations
	existing.GenerationMillis = desc.GenerationMillis
	existing.LastUsedAt = now
	return cloneDescription(existing), nil
}

func (s *MemoryDescriptionStore) StatsByModel(ctx context.Context) ([]ModelStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	totals := make(map[string]*ModelStats)
	for _, desc := range s.descs {
		entry := totals[desc.ModelID]
		if entry == nil {
			entry = &ModelStats{ModelID: desc.ModelID}
			totals[desc.ModelID] = entry
		}
		entry.Count++
		entry.AvgGenerationMS += float64(desc.GenerationMillis)
	}

	stats := make([]ModelStats, 0, len(totals))
	for _, entry := range totals {
		if entry.Count > 0 {
			entry.AvgGenerationMS /= float64(entry.Count)
		}
		stats = append(stats, *entry)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].ModelID < stats[j].ModelID })
	return stats, nil
}

func (s *MemoryDescriptionStore) EvictOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted int64
	for key, desc := range s.descs {
		if desc.LastUsedAt.Before(cutoff) {
			delete(s.descs, key)
			evicted++
		}
	}
	return evicted, nil
}

// MemoryTaskStore provides an in-memory TaskStore.
type MemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	shots map[string][]*Screenshot
}

// NewMemoryTaskStore creates an in-memory task store.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{
		tasks: make(map[string]*Task),
		shots: make(map[string][]*Screenshot),
	}
}

func (s *MemoryTaskStore) Create(ctx context.Context, task *Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return ErrAlreadyExists
	}
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

func (s *MemoryTaskStore) Get(ctx context.Context, id string) (*Task, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTask(task), nil
}

func (s *MemoryTaskStore) Update(ctx context.Context, task *Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.tasks[task.ID]
	if !ok {
		return ErrNotFound
	}
	task.UpdatedAt = time.Now()
	clone := cloneTask(task)
	clone.CreatedAt = existing.CreatedAt
	s.tasks[task.ID] = clone
	return nil
}

func (s *MemoryTaskStore) AppendScreenshot(ctx context.Context, shot *Screenshot) error {
	if shot == nil || shot.TaskID == "" {
		return fmt.Errorf("screenshot is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.shots[shot.TaskID] {
		if existing.StepNumber == shot.StepNumber {
			return ErrAlreadyExists
		}
	}
	clone := *shot
	s.shots[shot.TaskID] = append(s.shots[shot.TaskID], &clone)
	return nil
}

func (s *MemoryTaskStore) Screenshots(ctx context.Context, taskID string) ([]*Screenshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.shots[taskID]) == 0 {
		return nil, nil
	}
	shots := make([]*Screenshot, 0, len(s.shots[taskID]))
	for _, shot := range s.shots[taskID] {
		clone := *shot
		shots = append(shots, &clone)
	}
	sort.Slice(shots, func(i, j int) bool { return shots[i].StepNumber < shots[j].StepNumber })
	return shots, nil
}

func (s *MemoryTaskStore) DailyStats(ctx context.Context, since time.Time) ([]DayStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totals := make(map[time.Time]*DayStats)
	durations := make(map[time.Time][]float64)
	for _, task := range s.tasks {
		if task.CompletedAt == nil || task.CompletedAt.Before(since) {
			continue
		}
		day := task.CompletedAt.UTC().Truncate(24 * time.Hour)
		entry := totals[day]
		if entry == nil {
			entry = &DayStats{Day: day}
			totals[day] = entry
		}
		entry.Total++
		switch task.Status {
		case "completed":
			entry.Completed++
		case "failed":
			entry.Failed++
		case "cancelled":
			entry.Cancelled++
		case "timedOut":
			entry.TimedOut++
		}
		if task.StartedAt != nil {
			millis := float64(task.CompletedAt.Sub(*task.StartedAt).Milliseconds())
			durations[day] = append(durations[day], millis)
		}
	}

	stats := make([]DayStats, 0, len(totals))
	for day, entry := range totals {
		if samples := durations[day]; len(samples) > 0 {
			var sum float64
			for _, millis := range samples {
				sum += millis
			}
			entry.AvgDurationMillis = sum / float64(len(samples))
		}
		stats = append(stats, *entry)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Day.After(stats[j].Day) })
	return stats, nil
}

func (s *MemoryTaskStore) FailInterrupted(ctx context.Context, errorKind, message string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var count int64
	for _, task := range s.tasks {
		if task.Status != "queued" && task.Status != "running" {
			continue
		}
		task.Status = "failed"
		task.ErrorKind = errorKind
		task.ErrorMessage = message
		task.CompletedAt = &now
		task.UpdatedAt = now
		count++
	}
	return count, nil
}

// MemoryCallLogStore provides an in-memory CallLogStore.
type MemoryCallLogStore struct {
	mu    sync.Mutex
	calls []*LMCall
}

// NewMemoryCallLogStore creates an in-memory call log.
func NewMemoryCallLogStore() *MemoryCallLogStore {
	return &MemoryCallLogStore{}
}

func (s *MemoryCallLogStore) Record(ctx context.Context, call *LMCall) error {
	if call == nil || call.ID == "" {
		return fmt.Errorf("call is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *call
	s.calls = append(s.calls, &clone)
	return nil
}

// Recorded returns a snapshot of recorded calls in insertion order.
func (s *MemoryCallLogStore) Recorded() []*LMCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	calls := make([]*LMCall, 0, len(s.calls))
	for _, call := range s.calls {
		clone := *call
		calls = append(calls, &clone)
	}
	return calls
}

// NewMemoryStores constructs a StoreSet backed by memory.
func NewMemoryStores() StoreSet {
	return StoreSet{
		Descriptions: NewMemoryDescriptionStore(),
		Tasks:        NewMemoryTaskStore(),
		Calls:        NewMemoryCallLogStore(),
	}
}

func cloneDescription(desc *Description) *Description {
	clone := *desc
	return &clone
}

func cloneTask(task *Task) *Task {
	clone := *task
	if task.Arguments != nil {
		clone.Arguments = append([]byte(nil), task.Arguments...)
	}
	if task.Result != nil {
		clone.Result = append([]byte(nil), task.Result...)
	}
	if task.StartedAt != nil {
		started := *task.StartedAt
		clone.StartedAt = &started
	}
	if task.CompletedAt != nil {
		completed := *task.CompletedAt
		clone.CompletedAt = &completed
	}
	return &clone
}
