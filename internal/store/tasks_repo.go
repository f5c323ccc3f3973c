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
	ErrTaskNotFound  = errors.New("patrol task not found")
	ErrDuplicateName = errors.New("patrol task name already exists")
)

const taskColumns = `id, name, description, targets, config, notification_emails, enabled, created_at, updated_at`

func (s *Store) InsertTask(ctx context.Context, task *core.PatrolTask) error {
	now := s.now()
	task.CreatedAt = now
	task.UpdatedAt = now
	args, err := taskArgs(task)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO patrol_tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, append([]any{task.ID}, append(args, formatTime(task.CreatedAt), formatTime(task.UpdatedAt))...)...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateName, task.Name)
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *Store) UpdateTask(ctx context.Context, task *core.PatrolTask) error {
	task.UpdatedAt = s.now()
	args, err := taskArgs(task)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE patrol_tasks
		SET name = ?, description = ?, targets = ?, config = ?, notification_emails = ?, enabled = ?, updated_at = ?
		WHERE id = ?
	`, append(args, formatTime(task.UpdatedAt), task.ID)...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateName, task.Name)
		}
		return fmt.Errorf("update task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task rows: %w", err)
	}
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// DeleteTask removes a task together with its schedules and executions.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM patrol_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*core.PatrolTask, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM patrol_tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

// FindTaskByName returns the task with the given unique name.
func (s *Store) FindTaskByName(ctx context.Context, name string) (*core.PatrolTask, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM patrol_tasks WHERE name = ?`, name)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

// ListTasks returns tasks newest first, optionally only enabled ones.
func (s *Store) ListTasks(ctx context.Context, enabledOnly bool) ([]*core.PatrolTask, error) {
	query := `SELECT ` + taskColumns + ` FROM patrol_tasks`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY created_at DESC`
	rows, err := s.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var tasks []*core.PatrolTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func taskArgs(task *core.PatrolTask) ([]any, error) {
	targets := task.Targets
	if targets == nil {
		targets = []core.PatrolTarget{}
	}
	targetsJSON, err := encodeJSON(targets)
	if err != nil {
		return nil, fmt.Errorf("encode targets: %w", err)
	}
	cfg := task.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	configJSON, err := encodeJSON(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	emails := task.NotificationEmails
	if emails == nil {
		emails = []string{}
	}
	emailsJSON, err := encodeJSON(emails)
	if err != nil {
		return nil, fmt.Errorf("encode notification emails: %w", err)
	}
	return []any{task.Name, task.Description, targetsJSON, configJSON, emailsJSON, boolInt(task.Enabled)}, nil
}

func scanTask(row scanner) (*core.PatrolTask, error) {
	var (
		task                    core.PatrolTask
		targets, config, emails string
		enabled                 int
		createdAt, updatedAt    string
	)
	if err := row.Scan(&task.ID, &task.Name, &task.Description, &targets, &config, &emails, &enabled, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	if err := json.Unmarshal([]byte(targets), &task.Targets); err != nil {
		return nil, fmt.Errorf("decode targets of %s: %w", task.ID, err)
	}
	if err := json.Unmarshal([]byte(config), &task.Config); err != nil {
		return nil, fmt.Errorf("decode config of %s: %w", task.ID, err)
	}
	if err := json.Unmarshal([]byte(emails), &task.NotificationEmails); err != nil {
		return nil, fmt.Errorf("decode notification emails of %s: %w", task.ID, err)
	}
	task.Enabled = enabled != 0
	var err error
	if task.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if task.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &task, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyViolation(err error) bool {
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
