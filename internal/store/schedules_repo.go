package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"sitepatrol/internal/core"
)

var ErrScheduleNotFound = errors.New("patrol schedule not found")

const scheduleColumns = `s.id, s.patrol_task_id, s.cron_expression, s.time_zone, s.enabled,
	s.last_execution_at, s.next_execution_at, s.created_at, s.updated_at`

func (s *Store) InsertSchedule(ctx context.Context, sched *core.PatrolSchedule) error {
	now := s.now()
	sched.CreatedAt = now
	sched.UpdatedAt = now
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO patrol_schedules (id, patrol_task_id, cron_expression, time_zone, enabled,
			last_execution_at, next_execution_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sched.ID, sched.PatrolTaskID, sched.CronExpression, sched.TimeZone, boolInt(sched.Enabled),
		nullableTime(sched.LastExecutionAt), nullableTime(sched.NextExecutionAt),
		formatTime(sched.CreatedAt), formatTime(sched.UpdatedAt))
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrTaskNotFound
		}
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

// UpdateSchedule writes the user-editable fields of a schedule.
func (s *Store) UpdateSchedule(ctx context.Context, sched *core.PatrolSchedule) error {
	sched.UpdatedAt = s.now()
	res, err := s.DB.ExecContext(ctx, `
		UPDATE patrol_schedules
		SET cron_expression = ?, time_zone = ?, enabled = ?, updated_at = ?
		WHERE id = ?
	`, sched.CronExpression, sched.TimeZone, boolInt(sched.Enabled), formatTime(sched.UpdatedAt), sched.ID)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	return requireRow(res, ErrScheduleNotFound)
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM patrol_schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return requireRow(res, ErrScheduleNotFound)
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*core.PatrolSchedule, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM patrol_schedules s WHERE s.id = ?`, id)
	sched, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrScheduleNotFound
		}
		return nil, err
	}
	return sched, nil
}

// ListSchedules returns the schedules of one task, oldest first.
func (s *Store) ListSchedules(ctx context.Context, taskID string) ([]*core.PatrolSchedule, error) {
	return s.querySchedules(ctx, `
		SELECT `+scheduleColumns+`
		FROM patrol_schedules s
		WHERE s.patrol_task_id = ?
		ORDER BY s.created_at ASC
	`, taskID)
}

// ListActiveSchedules returns enabled schedules whose task is enabled too.
func (s *Store) ListActiveSchedules(ctx context.Context) ([]*core.PatrolSchedule, error) {
	return s.querySchedules(ctx, `
		SELECT `+scheduleColumns+`
		FROM patrol_schedules s
		JOIN patrol_tasks t ON t.id = s.patrol_task_id
		WHERE s.enabled = 1 AND t.enabled = 1
		ORDER BY s.created_at ASC
	`)
}

func (s *Store) UpdateScheduleRunInfo(ctx context.Context, id string, lastExecutionAt, nextExecutionAt *time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE patrol_schedules
		SET last_execution_at = ?, next_execution_at = ?, updated_at = ?
		WHERE id = ?
	`, nullableTime(lastExecutionAt), nullableTime(nextExecutionAt), formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("update schedule run info: %w", err)
	}
	return nil
}

func (s *Store) UpdateScheduleNextRun(ctx context.Context, id string, nextExecutionAt *time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE patrol_schedules
		SET next_execution_at = ?, updated_at = ?
		WHERE id = ?
	`, nullableTime(nextExecutionAt), formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("update next_execution_at: %w", err)
	}
	return nil
}

func (s *Store) ClearInactiveNextRuns(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE patrol_schedules
		SET next_execution_at = NULL, updated_at = ?
		WHERE next_execution_at IS NOT NULL
		  AND (enabled = 0 OR patrol_task_id IN (SELECT id FROM patrol_tasks WHERE enabled = 0))
	`, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("clear inactive next_execution_at: %w", err)
	}
	return nil
}

func (s *Store) querySchedules(ctx context.Context, query string, args ...any) ([]*core.PatrolSchedule, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()
	var out []*core.PatrolSchedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanSchedule(row scanner) (*core.PatrolSchedule, error) {
	var (
		sched                core.PatrolSchedule
		enabled              int
		lastExec, nextExec   sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&sched.ID, &sched.PatrolTaskID, &sched.CronExpression, &sched.TimeZone, &enabled,
		&lastExec, &nextExec, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan schedule: %w", err)
	}
	sched.Enabled = enabled != 0
	var err error
	if sched.LastExecutionAt, err = parseNullTime(lastExec); err != nil {
		return nil, err
	}
	if sched.NextExecutionAt, err = parseNullTime(nextExec); err != nil {
		return nil, err
	}
	if sched.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if sched.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &sched, nil
}

func requireRow(res sql.Result, notFound error) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound
	}
	return nil
}
