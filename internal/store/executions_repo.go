package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"sitepatrol/internal/core"
)

var (
	ErrExecutionNotFound = errors.New("patrol execution not found")
	// ErrStatusConflict is returned when an update would move an execution
	// backwards or out of a terminal status.
	ErrStatusConflict = errors.New("patrol execution status conflict")
)

const executionColumns = `id, patrol_task_id, trigger_type, status, started_at, completed_at,
	total_urls, passed_urls, failed_urls, test_results, email_sent, email_sent_at,
	error_message, duration_ms, created_at`

func (s *Store) InsertExecution(ctx context.Context, exec *core.PatrolExecution) error {
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = s.now()
	}
	results := exec.TestResults
	if results == nil {
		results = []core.PatrolTestResult{}
	}
	resultsJSON, err := encodeJSON(results)
	if err != nil {
		return fmt.Errorf("encode test results: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO patrol_executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, exec.ID, exec.PatrolTaskID, string(exec.Trigger), string(exec.Status),
		nullableTime(exec.StartedAt), nullableTime(exec.CompletedAt),
		exec.TotalURLs, exec.PassedURLs, exec.FailedURLs, resultsJSON,
		boolInt(exec.EmailSent), nullableTime(exec.EmailSentAt),
		nullableString(exec.ErrorMessage), nullableInt64(exec.DurationMs), formatTime(exec.CreatedAt))
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrTaskNotFound
		}
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (*core.PatrolExecution, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM patrol_executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrExecutionNotFound
		}
		return nil, err
	}
	return exec, nil
}

// UpdateExecution applies patch in one statement. A status change only
// matches rows whose current status may move to the new one, and
// completed_at keeps its first value.
func (s *Store) UpdateExecution(ctx context.Context, id string, patch core.ExecutionPatch) (*core.PatrolExecution, error) {
	var (
		sets []string
		args []any
	)
	set := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}
	if patch.Status != nil {
		set("status", string(*patch.Status))
	}
	if patch.StartedAt != nil {
		set("started_at", nullableTime(patch.StartedAt))
	}
	if patch.CompletedAt != nil {
		sets = append(sets, "completed_at = COALESCE(completed_at, ?)")
		args = append(args, nullableTime(patch.CompletedAt))
	}
	if patch.TotalURLs != nil {
		set("total_urls", *patch.TotalURLs)
	}
	if patch.PassedURLs != nil {
		set("passed_urls", *patch.PassedURLs)
	}
	if patch.FailedURLs != nil {
		set("failed_urls", *patch.FailedURLs)
	}
	if patch.TestResults != nil {
		resultsJSON, err := encodeJSON(patch.TestResults)
		if err != nil {
			return nil, fmt.Errorf("encode test results: %w", err)
		}
		set("test_results", resultsJSON)
	}
	if patch.EmailSent != nil {
		set("email_sent", boolInt(*patch.EmailSent))
	}
	if patch.EmailSentAt != nil {
		set("email_sent_at", nullableTime(patch.EmailSentAt))
	}
	if patch.ErrorMessage != nil {
		set("error_message", *patch.ErrorMessage)
	}
	if patch.DurationMs != nil {
		set("duration_ms", *patch.DurationMs)
	}
	if len(sets) == 0 {
		return s.GetExecution(ctx, id)
	}

	query := `UPDATE patrol_executions SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	args = append(args, id)
	if patch.Status != nil {
		from := append(core.AllowedPredecessors(*patch.Status), *patch.Status)
		placeholders := make([]string, len(from))
		for i, st := range from {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += ` AND status IN (` + strings.Join(placeholders, ", ") + `)`
	}

	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update execution: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update execution rows: %w", err)
	}
	if rows == 0 {
		current, err := s.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		if patch.Status == nil {
			return nil, ErrExecutionNotFound
		}
		return nil, fmt.Errorf("%w: %s is %s, cannot become %s", ErrStatusConflict, id, current.Status, *patch.Status)
	}
	return s.GetExecution(ctx, id)
}

// ListExecutions returns a task's executions, newest first.
func (s *Store) ListExecutions(ctx context.Context, taskID string, limit, offset int) ([]*core.PatrolExecution, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+executionColumns+`
		FROM patrol_executions
		WHERE patrol_task_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`, taskID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()
	var out []*core.PatrolExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// PruneExecutions deletes finished executions of a task beyond the
// retention limit. Pending and running rows are never pruned.
func (s *Store) PruneExecutions(ctx context.Context, taskID string) error {
	if s.Retention <= 0 {
		return nil
	}
	_, err := s.DB.ExecContext(ctx, `
		DELETE FROM patrol_executions
		WHERE id IN (
			SELECT id FROM patrol_executions
			WHERE patrol_task_id = ? AND status IN (?, ?)
			ORDER BY created_at DESC, rowid DESC
			LIMIT -1 OFFSET ?
		)
	`, taskID, string(core.ExecutionCompleted), string(core.ExecutionFailed), s.Retention)
	if err != nil {
		return fmt.Errorf("prune executions: %w", err)
	}
	return nil
}

// FailInterruptedExecutions marks executions left pending or running by a
// previous process as failed. It returns how many rows changed.
func (s *Store) FailInterruptedExecutions(ctx context.Context, reason string) (int64, error) {
	now := formatTime(s.now())
	res, err := s.DB.ExecContext(ctx, `
		UPDATE patrol_executions
		SET status = ?, error_message = ?, completed_at = COALESCE(completed_at, ?)
		WHERE status IN (?, ?)
	`, string(core.ExecutionFailed), reason, now, string(core.ExecutionPending), string(core.ExecutionRunning))
	if err != nil {
		return 0, fmt.Errorf("fail interrupted executions: %w", err)
	}
	return res.RowsAffected()
}

func scanExecution(row scanner) (*core.PatrolExecution, error) {
	var (
		exec                   core.PatrolExecution
		trigger, status        string
		startedAt, completedAt sql.NullString
		results                string
		emailSent              int
		emailSentAt            sql.NullString
		errMsg                 sql.NullString
		durationMs             sql.NullInt64
		createdAt              string
	)
	if err := row.Scan(&exec.ID, &exec.PatrolTaskID, &trigger, &status, &startedAt, &completedAt,
		&exec.TotalURLs, &exec.PassedURLs, &exec.FailedURLs, &results, &emailSent, &emailSentAt,
		&errMsg, &durationMs, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	exec.Trigger = core.Trigger(trigger)
	exec.Status = core.ExecutionStatus(status)
	exec.EmailSent = emailSent != 0
	if err := json.Unmarshal([]byte(results), &exec.TestResults); err != nil {
		return nil, fmt.Errorf("decode test results of %s: %w", exec.ID, err)
	}
	if errMsg.Valid {
		exec.ErrorMessage = &errMsg.String
	}
	if durationMs.Valid {
		exec.DurationMs = &durationMs.Int64
	}
	var err error
	if exec.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if exec.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	if exec.EmailSentAt, err = parseNullTime(emailSentAt); err != nil {
		return nil, err
	}
	if exec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &exec, nil
}
