// Package seed imports patrol tasks and schedules from a YAML file.
//
//	patrols:
//	  - name: shop
//	    targets:
//	      - url: https://shop.example
//	        monitoring_level: standard
//	    notification_emails: [ops@shop.example]
//	    schedules:
//	      - cron: "0 9 * * *"
//	        time_zone: Asia/Shanghai
//
// Tasks are matched by name, so applying the same file twice is a no-op.
package seed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"sitepatrol/internal/core"
	"sitepatrol/internal/store"
)

// File is the top-level document.
type File struct {
	Patrols []Patrol `yaml:"patrols"`
}

// Patrol is one task with its schedules.
type Patrol struct {
	Name               string              `yaml:"name"`
	Description        string              `yaml:"description"`
	Enabled            *bool               `yaml:"enabled"`
	Targets            []core.PatrolTarget `yaml:"targets"`
	Config             map[string]any      `yaml:"config"`
	NotificationEmails []string            `yaml:"notification_emails"`
	Schedules          []Schedule          `yaml:"schedules"`
}

// Schedule is a cron trigger of a seeded task.
type Schedule struct {
	Cron     string `yaml:"cron"`
	TimeZone string `yaml:"time_zone"`
	Enabled  *bool  `yaml:"enabled"`
}

// Store is the persistence Apply writes to.
type Store interface {
	FindTaskByName(ctx context.Context, name string) (*core.PatrolTask, error)
	InsertTask(ctx context.Context, task *core.PatrolTask) error
	UpdateTask(ctx context.Context, task *core.PatrolTask) error
	ListSchedules(ctx context.Context, taskID string) ([]*core.PatrolSchedule, error)
	InsertSchedule(ctx context.Context, sched *core.PatrolSchedule) error
	UpdateSchedule(ctx context.Context, sched *core.PatrolSchedule) error
}

// Result counts what Apply changed.
type Result struct {
	TasksCreated     int
	TasksUpdated     int
	SchedulesCreated int
	SchedulesUpdated int
}

// Load reads and validates a seed file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a seed document and validates every entry.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode seed file: %w", err)
	}
	seen := make(map[string]bool, len(f.Patrols))
	for i := range f.Patrols {
		p := &f.Patrols[i]
		p.Name = strings.TrimSpace(p.Name)
		if seen[p.Name] {
			return nil, fmt.Errorf("patrol %q is listed twice", p.Name)
		}
		seen[p.Name] = true
		if err := core.NormalizeTask(p.task()); err != nil {
			return nil, fmt.Errorf("patrol %d (%s): %w", i+1, p.Name, err)
		}
		for j, s := range p.Schedules {
			if _, err := core.ParseSchedule(s.Cron, s.TimeZone); err != nil {
				return nil, fmt.Errorf("patrol %s schedule %d: %w", p.Name, j+1, err)
			}
		}
	}
	return &f, nil
}

// Apply creates or updates every patrol in f. Existing schedules with the
// same cron expression and time zone are updated in place; schedules not
// listed in the file are left alone.
func Apply(ctx context.Context, st Store, f *File, logger *slog.Logger) (Result, error) {
	var res Result
	for _, p := range f.Patrols {
		task := p.task()
		if err := core.NormalizeTask(task); err != nil {
			return res, err
		}

		existing, err := st.FindTaskByName(ctx, task.Name)
		switch {
		case errors.Is(err, store.ErrTaskNotFound):
			task.ID = core.NewID()
			if err := st.InsertTask(ctx, task); err != nil {
				return res, fmt.Errorf("create patrol %s: %w", task.Name, err)
			}
			res.TasksCreated++
		case err != nil:
			return res, fmt.Errorf("find patrol %s: %w", task.Name, err)
		default:
			task.ID = existing.ID
			task.CreatedAt = existing.CreatedAt
			if err := st.UpdateTask(ctx, task); err != nil {
				return res, fmt.Errorf("update patrol %s: %w", task.Name, err)
			}
			res.TasksUpdated++
		}

		created, updated, err := applySchedules(ctx, st, task.ID, p.Schedules)
		if err != nil {
			return res, fmt.Errorf("schedules of %s: %w", task.Name, err)
		}
		res.SchedulesCreated += created
		res.SchedulesUpdated += updated
	}
	if logger != nil {
		logger.Info("seed applied",
			"tasks_created", res.TasksCreated, "tasks_updated", res.TasksUpdated,
			"schedules_created", res.SchedulesCreated, "schedules_updated", res.SchedulesUpdated)
	}
	return res, nil
}

func applySchedules(ctx context.Context, st Store, taskID string, wanted []Schedule) (created, updated int, err error) {
	current, err := st.ListSchedules(ctx, taskID)
	if err != nil {
		return 0, 0, err
	}
	for _, w := range wanted {
		enabled := w.Enabled == nil || *w.Enabled
		cronExpr := strings.TrimSpace(w.Cron)
		tz := strings.TrimSpace(w.TimeZone)

		var match *core.PatrolSchedule
		for _, c := range current {
			if c.CronExpression == cronExpr && c.TimeZone == tz {
				match = c
				break
			}
		}
		if match == nil {
			sched := &core.PatrolSchedule{
				ID:             core.NewID(),
				PatrolTaskID:   taskID,
				CronExpression: cronExpr,
				TimeZone:       tz,
				Enabled:        enabled,
			}
			if err := st.InsertSchedule(ctx, sched); err != nil {
				return created, updated, err
			}
			current = append(current, sched)
			created++
			continue
		}
		if match.Enabled != enabled {
			match.Enabled = enabled
			if err := st.UpdateSchedule(ctx, match); err != nil {
				return created, updated, err
			}
			updated++
		}
	}
	return created, updated, nil
}

func (p Patrol) task() *core.PatrolTask {
	targets := make([]core.PatrolTarget, len(p.Targets))
	copy(targets, p.Targets)
	return &core.PatrolTask{
		Name:               p.Name,
		Description:        p.Description,
		Targets:            targets,
		Config:             p.Config,
		NotificationEmails: append([]string(nil), p.NotificationEmails...),
		Enabled:            p.Enabled == nil || *p.Enabled,
	}
}
