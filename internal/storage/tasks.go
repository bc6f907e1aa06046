package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vidreview/worker/internal/models"
)

const taskColumns = `id, video_id, kind, priority, attempts, max_attempts, last_attempt_at, created_at`

// GetOrCreateTask enqueues a task for a video unless a live (non-exhausted)
// entry of the same kind already exists, in which case the existing entry is
// returned. Backed by the partial unique index on (video_id, kind).
func (s *Store) GetOrCreateTask(ctx context.Context, videoID string, kind models.TaskKind, priority int) (*models.Task, bool, error) {
	insert := `
		INSERT INTO task_queue (id, video_id, kind, priority, max_attempts)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (video_id, kind) WHERE attempts < max_attempts DO NOTHING
		RETURNING ` + taskColumns

	task, err := scanTask(s.db.QueryRowContext(ctx, insert,
		models.NewTaskID(), videoID, kind, priority, models.DefaultMaxAttempts))
	if err == nil {
		return task, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to enqueue %s task: %w", kind, err)
	}

	// Insert skipped: a live entry already exists.
	query := `SELECT ` + taskColumns + ` FROM task_queue
		WHERE video_id = $1 AND kind = $2 AND attempts < max_attempts`
	task, err = scanTask(s.db.QueryRowContext(ctx, query, videoID, kind))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, ErrTaskNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to fetch pending %s task: %w", kind, err)
	}
	return task, false, nil
}

// ListEligible returns entries with attempts remaining, highest priority
// first and FIFO within a priority band. Read-only view for the admin
// surface; claiming goes through ClaimEligible.
func (s *Store) ListEligible(ctx context.Context) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM task_queue
		WHERE attempts < max_attempts
		ORDER BY priority DESC, created_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list eligible tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ClaimEligible atomically selects eligible entries and records an attempt
// on each within one transaction. FOR UPDATE SKIP LOCKED keeps concurrent
// pollers from double-claiming the same entry; the attempt is charged before
// execution so a crash mid-task still counts against the budget.
func (s *Store) ClaimEligible(ctx context.Context, now time.Time, limit int) ([]*models.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + taskColumns + ` FROM task_queue
		WHERE attempts < max_attempts
		ORDER BY priority DESC, created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`

	rows, err := tx.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable tasks: %w", err)
	}
	tasks, err := collectTasks(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	for _, t := range tasks {
		if _, err := tx.ExecContext(ctx,
			`UPDATE task_queue SET attempts = attempts + 1, last_attempt_at = $2 WHERE id = $1`,
			t.ID, now); err != nil {
			return nil, fmt.Errorf("failed to record attempt on task %s: %w", t.ID, err)
		}
		t.Attempts++
		at := now
		t.LastAttemptAt = &at
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return tasks, nil
}

// DeleteTask removes an entry after its work succeeded.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_queue WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// ListExhausted returns inert entries that have used up their retry budget.
// They are never claimed again; operators inspect them through the admin
// surface.
func (s *Store) ListExhausted(ctx context.Context) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM task_queue
		WHERE attempts >= max_attempts
		ORDER BY last_attempt_at DESC NULLS LAST`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list exhausted tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var t models.Task
	var lastAttempt sql.NullTime
	err := row.Scan(&t.ID, &t.VideoID, &t.Kind, &t.Priority, &t.Attempts, &t.MaxAttempts, &lastAttempt, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lastAttempt.Valid {
		t.LastAttemptAt = &lastAttempt.Time
	}
	return &t, nil
}

func collectTasks(rows *sql.Rows) ([]*models.Task, error) {
	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
