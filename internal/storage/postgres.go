package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// PostgresConfig holds connection pool settings.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns default pool settings.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// NewPostgresStores creates Postgres-backed stores using a DSN.
func NewPostgresStores(dsn string, config *PostgresConfig) (StoreSet, error) {
	if strings.TrimSpace(dsn) == "" {
		return StoreSet{}, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return StoreSet{}, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return StoreSet{}, fmt.Errorf("ping database: %w", err)
	}

	return NewPostgresStoresFromDB(db), nil
}

// NewPostgresStoresFromDB wraps an existing database handle. The caller keeps
// ownership of db unless Close is called on the returned set.
func NewPostgresStoresFromDB(db *sql.DB) StoreSet {
	return StoreSet{
		Descriptions: &postgresDescriptionStore{db: db},
		Tasks:        &postgresTaskStore{db: db},
		Calls:        &postgresCallLogStore{db: db},
		closer:       db.Close,
	}
}

type postgresDescriptionStore struct {
	db *sql.DB
}

func (s *postgresDescriptionStore) Lookup(ctx context.Context, modelID, toolName string) (*Description, error) {
	if modelID == "" || toolName == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE tool_descriptions
		SET usage_count = usage_count + 1, last_used_at = $3
		WHERE model_id = $1 AND tool_name = $2
		RETURNING model_id, tool_name, schema_text, annotations, generation_millis,
		          created_at, last_used_at, usage_count
	`, modelID, toolName, time.Now())

	desc, err := scanDescription(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup description: %w", err)
	}
	return desc, nil
}

func (s *postgresDescriptionStore) Upsert(ctx context.Context, desc *Description) (*Description, error) {
	if desc == nil || desc.ModelID == "" || desc.ToolName == "" {
		return nil, fmt.Errorf("description model and tool are required")
	}
	now := time.Now()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO tool_descriptions (
			model_id, tool_name, schema_text, annotations, generation_millis,
			created_at, last_used_at, usage_count
		) VALUES ($1, $2, $3, $4, $5, $6, $6, 0)
		ON CONFLICT (model_id, tool_name) DO UPDATE SET
			schema_text = EXCLUDED.schema_text,
			annotations = EXCLUDED.annotations,
			generation_millis = EXCLUDED.generation_millis,
			last_used_at = EXCLUDED.last_used_at
		RETURNING model_id, tool_name, schema_text, annotations, generation_millis,
		          created_at, last_used_at, usage_count
	`,
		desc.ModelID,
		desc.ToolName,
		desc.SchemaText,
		desc.Annotations,
		desc.GenerationMillis,
		now,
	)

	stored, err := scanDescription(row)
	if err != nil {
		return nil, fmt.Errorf("upsert description: %w", err)
	}
	return stored, nil
}

func (s *postgresDescriptionStore) StatsByModel(ctx context.Context) ([]ModelStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model_id, COUNT(*), COALESCE(AVG(generation_millis), 0)
		FROM tool_descriptions
		GROUP BY model_id
		ORDER BY model_id
	`)
	if err != nil {
		return nil, fmt.Errorf("description stats: %w", err)
	}
	defer rows.Close()

	var stats []ModelStats
	for rows.Next() {
		var entry ModelStats
		if err := rows.Scan(&entry.ModelID, &entry.Count, &entry.AvgGenerationMS); err != nil {
			return nil, fmt.Errorf("scan description stats: %w", err)
		}
		stats = append(stats, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("description stats: %w", err)
	}
	return stats, nil
}

func (s *postgresDescriptionStore) EvictOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM tool_descriptions WHERE last_used_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("evict descriptions: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return count, nil
}

type postgresTaskStore struct {
	db *sql.DB
}

func (s *postgresTaskStore) Create(ctx context.Context, task *Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_executions (
			id, tool_name, arguments, status, progress_percent, progress_message,
			requester_id, priority, idempotency_key, timeout_seconds, max_retries,
			retries_so_far, result, error_kind, error_message,
			created_at, started_at, completed_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`,
		task.ID,
		task.ToolName,
		nullableBytes(task.Arguments),
		task.Status,
		task.ProgressPercent,
		nullableString(task.ProgressMessage),
		nullableString(task.RequesterID),
		task.Priority,
		nullableString(task.IdempotencyKey),
		task.TimeoutSeconds,
		task.MaxRetries,
		task.RetriesSoFar,
		nullableBytes(task.Result),
		nullableString(task.ErrorKind),
		nullableString(task.ErrorMessage),
		task.CreatedAt,
		nullableTime(task.StartedAt),
		nullableTime(task.CompletedAt),
		task.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *postgresTaskStore) Get(ctx context.Context, id string) (*Task, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tool_name, arguments, status, progress_percent, progress_message,
		       requester_id, priority, idempotency_key, timeout_seconds, max_retries,
		       retries_so_far, result, error_kind, error_message,
		       created_at, started_at, completed_at, updated_at
		FROM task_executions WHERE id = $1
	`, id)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

func (s *postgresTaskStore) Update(ctx context.Context, task *Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task is required")
	}
	task.UpdatedAt = time.Now()

	result, err := s.db.ExecContext(ctx, `
		UPDATE task_executions SET
			status = $2,
			progress_percent = $3,
			progress_message = $4,
			retries_so_far = $5,
			result = $6,
			error_kind = $7,
			error_message = $8,
			started_at = $9,
			completed_at = $10,
			updated_at = $11
		WHERE id = $1
	`,
		task.ID,
		task.Status,
		task.ProgressPercent,
		nullableString(task.ProgressMessage),
		task.RetriesSoFar,
		nullableBytes(task.Result),
		nullableString(task.ErrorKind),
		nullableString(task.ErrorMessage),
		nullableTime(task.StartedAt),
		nullableTime(task.CompletedAt),
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresTaskStore) AppendScreenshot(ctx context.Context, shot *Screenshot) error {
	if shot == nil || shot.TaskID == "" {
		return fmt.Errorf("screenshot is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_screenshots (task_id, step_number, artifact_ref, captured_at)
		VALUES ($1, $2, $3, $4)
	`,
		shot.TaskID,
		shot.StepNumber,
		shot.ArtifactRef,
		shot.CapturedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("append screenshot: %w", err)
	}
	return nil
}

func (s *postgresTaskStore) Screenshots(ctx context.Context, taskID string) ([]*Screenshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, step_number, artifact_ref, captured_at
		FROM task_screenshots
		WHERE task_id = $1
		ORDER BY step_number ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list screenshots: %w", err)
	}
	defer rows.Close()

	var shots []*Screenshot
	for rows.Next() {
		var shot Screenshot
		if err := rows.Scan(&shot.TaskID, &shot.StepNumber, &shot.ArtifactRef, &shot.CapturedAt); err != nil {
			return nil, fmt.Errorf("scan screenshot: %w", err)
		}
		shots = append(shots, &shot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list screenshots: %w", err)
	}
	return shots, nil
}

func (s *postgresTaskStore) DailyStats(ctx context.Context, since time.Time) ([]DayStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date_trunc('day', completed_at) AS day,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'completed'),
		       COUNT(*) FILTER (WHERE status = 'failed'),
		       COUNT(*) FILTER (WHERE status = 'cancelled'),
		       COUNT(*) FILTER (WHERE status = 'timedOut'),
		       COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at)) * 1000)
		                FILTER (WHERE started_at IS NOT NULL), 0)
		FROM task_executions
		WHERE completed_at IS NOT NULL AND completed_at >= $1
		GROUP BY day
		ORDER BY day DESC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("daily stats: %w", err)
	}
	defer rows.Close()

	var stats []DayStats
	for rows.Next() {
		var entry DayStats
		if err := rows.Scan(
			&entry.Day,
			&entry.Total,
			&entry.Completed,
			&entry.Failed,
			&entry.Cancelled,
			&entry.TimedOut,
			&entry.AvgDurationMillis,
		); err != nil {
			return nil, fmt.Errorf("scan daily stats: %w", err)
		}
		stats = append(stats, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("daily stats: %w", err)
	}
	return stats, nil
}

func (s *postgresTaskStore) FailInterrupted(ctx context.Context, errorKind, message string) (int64, error) {
	now := time.Now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE task_executions SET
			status = 'failed',
			error_kind = $1,
			error_message = $2,
			completed_at = $3,
			updated_at = $3
		WHERE status IN ('queued', 'running')
	`, errorKind, message, now)
	if err != nil {
		return 0, fmt.Errorf("fail interrupted tasks: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return count, nil
}

type postgresCallLogStore struct {
	db *sql.DB
}

func (s *postgresCallLogStore) Record(ctx context.Context, call *LMCall) error {
	if call == nil || call.ID == "" {
		return fmt.Errorf("call is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lm_calls (
			id, cache_key, cache_hit, provider, model_id,
			request_bytes, response_bytes, input_tokens, output_tokens,
			latency_millis, estimated_cost, tool_name, task_id,
			created_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		call.ID,
		call.CacheKey,
		call.CacheHit,
		call.Provider,
		call.ModelID,
		call.RequestBytes,
		call.ResponseBytes,
		call.InputTokens,
		call.OutputTokens,
		call.LatencyMillis,
		call.EstimatedCost,
		nullableString(call.ToolName),
		nullableString(call.TaskID),
		call.CreatedAt,
		call.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("record call: %w", err)
	}
	return nil
}

// Scanner interface for both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanDescription(s scanner) (*Description, error) {
	var desc Description
	err := s.Scan(
		&desc.ModelID,
		&desc.ToolName,
		&desc.SchemaText,
		&desc.Annotations,
		&desc.GenerationMillis,
		&desc.CreatedAt,
		&desc.LastUsedAt,
		&desc.UsageCount,
	)
	if err != nil {
		return nil, err
	}
	return &desc, nil
}

func scanTask(s scanner) (*Task, error) {
	var task Task
	var (
		arguments       []byte
		progressMessage sql.NullString
		requesterID     sql.NullString
		idempotencyKey  sql.NullString
		result          []byte
		errorKind       sql.NullString
		errorMessage    sql.NullString
		startedAt       sql.NullTime
		completedAt     sql.NullTime
	)

	err := s.Scan(
		&task.ID,
		&task.ToolName,
		&arguments,
		&task.Status,
		&task.ProgressPercent,
		&progressMessage,
		&requesterID,
		&task.Priority,
		&idempotencyKey,
		&task.TimeoutSeconds,
		&task.MaxRetries,
		&task.RetriesSoFar,
		&result,
		&errorKind,
		&errorMessage,
		&task.CreatedAt,
		&startedAt,
		&completedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Arguments = arguments
	task.Result = result
	if progressMessage.Valid {
		task.ProgressMessage = progressMessage.String
	}
	if requesterID.Valid {
		task.RequesterID = requesterID.String
	}
	if idempotencyKey.Valid {
		task.IdempotencyKey = idempotencyKey.String
	}
	if errorKind.Valid {
		task.ErrorKind = errorKind.String
	}
	if errorMessage.Valid {
		task.ErrorMessage = errorMessage.String
	}
	if startedAt.Valid {
		task.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	return &task, nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
