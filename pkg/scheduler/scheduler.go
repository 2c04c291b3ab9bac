// Package scheduler syncs declared cron schedules into scheduled_tasks,
// fires due tasks through a dispatch callback, and exposes schedule CRUD for
// the schedule.* tools. TOML-declared tasks and DB-created tasks live in the
// same table, told apart by the source column.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robfig/cron/v3"

	"github.com/butler-platform/butlerd/pkg/config"
	"github.com/butler-platform/butlerd/pkg/postgres"
)

// Task sources.
const (
	SourceTOML = "toml"
	SourceDB   = "db"
)

// Task is one scheduled_tasks row.
type Task struct {
	ID              string
	Name            string
	CronExpr        string
	Prompt          string
	JobName         string
	JobArgs         map[string]any
	Source          string
	Enabled         bool
	NextRunAt       *time.Time
	LastRunAt       *time.Time
	LastResult      map[string]any
	Timezone        string
	StartAt         *time.Time
	EndAt           *time.Time
	UntilAt         *time.Time
	CalendarEventID string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Result is what a dispatch produces for last_result accounting.
// spawner.Result satisfies it.
type Result interface {
	ResultMap() map[string]any
}

// DispatchFunc runs one due task. The scheduler records the returned result
// (or the error) in last_result; it never interprets it.
type DispatchFunc func(ctx context.Context, task *Task) (Result, error)

// SyncStats reports what a config sync changed.
type SyncStats struct {
	Created  int
	Updated  int
	Disabled int
}

// Service owns scheduled_tasks for one butler.
type Service struct {
	db *postgres.Client
}

// NewService creates a scheduler service.
func NewService(db *postgres.Client) *Service {
	return &Service{db: db}
}

// nextRun computes the first fire time after the given instant, evaluated in
// the task's timezone (UTC when unset).
func nextRun(cronExpr, timezone string, after time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron %q: %w", cronExpr, err)
	}
	loc := time.UTC
	if timezone != "" {
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("load timezone %q: %w", timezone, err)
		}
	}
	return sched.Next(after.In(loc)), nil
}

// Sync reconciles TOML-declared schedules into the table: declared tasks are
// upserted with source='toml' and enabled; TOML rows no longer declared are
// disabled with next_run_at nulled, never deleted. next_run_at is recomputed
// when the cron expression changed or a disabled row comes back.
func (s *Service) Sync(ctx context.Context, declared []config.ScheduleDecl) (SyncStats, error) {
	var stats SyncStats
	now := time.Now()

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		names := make([]string, 0, len(declared))
		for _, decl := range declared {
			names = append(names, decl.Name)

			var (
				id         string
				storedCron string
				enabled    bool
			)
			err := tx.QueryRow(ctx,
				`SELECT id, cron_expr, enabled FROM scheduled_tasks WHERE name = $1`,
				decl.Name).Scan(&id, &storedCron, &enabled)

			switch {
			case errors.Is(err, pgx.ErrNoRows):
				next, err := nextRun(decl.Cron, decl.Timezone, now)
				if err != nil {
					return fmt.Errorf("schedule %q: %w", decl.Name, err)
				}
				_, err = tx.Exec(ctx,
					`INSERT INTO scheduled_tasks
					     (id, name, cron_expr, prompt, job_name, job_args, source, enabled, next_run_at, timezone)
					 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, true, $8, NULLIF($9, ''))`,
					uuid.Must(uuid.NewV7()).String(), decl.Name, decl.Cron,
					decl.Prompt, decl.JobName, jsonbParam(decl.JobArgs),
					SourceTOML, next, decl.Timezone)
				if err != nil {
					return fmt.Errorf("insert schedule %q: %w", decl.Name, err)
				}
				stats.Created++

			case err != nil:
				return fmt.Errorf("look up schedule %q: %w", decl.Name, err)

			default:
				recompute := storedCron != decl.Cron || !enabled
				if recompute {
					next, err := nextRun(decl.Cron, decl.Timezone, now)
					if err != nil {
						return fmt.Errorf("schedule %q: %w", decl.Name, err)
					}
					_, err = tx.Exec(ctx,
						`UPDATE scheduled_tasks
						 SET cron_expr = $2, prompt = NULLIF($3, ''), job_name = NULLIF($4, ''),
						     job_args = $5, timezone = NULLIF($6, ''), source = $7,
						     enabled = true, next_run_at = $8, updated_at = now()
						 WHERE id = $1`,
						id, decl.Cron, decl.Prompt, decl.JobName,
						jsonbParam(decl.JobArgs), decl.Timezone, SourceTOML, next)
					if err != nil {
						return fmt.Errorf("update schedule %q: %w", decl.Name, err)
					}
				} else {
					_, err = tx.Exec(ctx,
						`UPDATE scheduled_tasks
						 SET prompt = NULLIF($2, ''), job_name = NULLIF($3, ''),
						     job_args = $4, timezone = NULLIF($5, ''), source = $6,
						     updated_at = now()
						 WHERE id = $1`,
						id, decl.Prompt, decl.JobName,
						jsonbParam(decl.JobArgs), decl.Timezone, SourceTOML)
					if err != nil {
						return fmt.Errorf("update schedule %q: %w", decl.Name, err)
					}
				}
				stats.Updated++
			}
		}

		tag, err := tx.Exec(ctx,
			`UPDATE scheduled_tasks
			 SET enabled = false, next_run_at = NULL, updated_at = now()
			 WHERE source = $1 AND enabled AND NOT (name = ANY($2))`,
			SourceTOML, names)
		if err != nil {
			return fmt.Errorf("disable undeclared schedules: %w", err)
		}
		stats.Disabled = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return SyncStats{}, err
	}

	slog.Info("Schedule sync complete",
		"created", stats.Created, "updated", stats.Updated, "disabled", stats.Disabled)
	return stats, nil
}

// Tick fires every due task once and returns the number of successful
// dispatches. Each task is claimed (and its next_run_at advanced) in its own
// transaction before dispatch, so a concurrent daemon never double-fires it
// and a dispatch failure costs only that occurrence.
func (s *Service) Tick(ctx context.Context, dispatch DispatchFunc) int {
	s.expireFinishedTasks(ctx)

	success := 0
	for {
		task, err := s.claimDue(ctx)
		if err != nil {
			slog.Error("Failed to claim due schedule", "error", err)
			return success
		}
		if task == nil {
			return success
		}

		log := slog.With("task", task.Name, "task_id", task.ID)
		result, err := dispatch(ctx, task)

		var lastResult map[string]any
		if err != nil {
			log.Error("Scheduled dispatch failed", "error", err)
			lastResult = map[string]any{"error": err.Error()}
		} else {
			lastResult = resultMap(result)
			success++
			log.Info("Scheduled dispatch complete")
		}
		s.recordResult(ctx, task.ID, lastResult)
	}
}

// expireFinishedTasks disables tasks whose until_at boundary has passed.
func (s *Service) expireFinishedTasks(ctx context.Context) {
	n, err := s.db.Execute(ctx,
		`UPDATE scheduled_tasks
		 SET enabled = false, next_run_at = NULL, updated_at = now()
		 WHERE enabled AND until_at IS NOT NULL AND until_at <= now()`)
	if err != nil {
		slog.Error("Failed to expire finished schedules", "error", err)
		return
	}
	if n > 0 {
		slog.Info("Disabled schedules past until_at", "count", n)
	}
}

// claimDue picks one due task, advances its next_run_at and last_run_at, and
// commits before returning it. nil, nil means nothing is due.
func (s *Service) claimDue(ctx context.Context) (*Task, error) {
	var task *Task
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var (
			t                   Task
			prompt, jobName, tz *string
			jobArgs             map[string]any
		)
		err := tx.QueryRow(ctx,
			`SELECT id, name, cron_expr, prompt, job_name, job_args, timezone
			 FROM scheduled_tasks
			 WHERE enabled AND next_run_at <= now()
			 ORDER BY next_run_at
			 LIMIT 1
			 FOR UPDATE SKIP LOCKED`).
			Scan(&t.ID, &t.Name, &t.CronExpr, &prompt, &jobName, &jobArgs, &tz)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		t.Prompt = deref(prompt)
		t.JobName = deref(jobName)
		t.Timezone = deref(tz)
		t.JobArgs = jobArgs

		// Advance next_run_at inside the claim. A malformed stored cron
		// nulls it instead, so the row cannot hot-loop the ticker.
		var nextParam any
		next, err := nextRun(t.CronExpr, t.Timezone, time.Now())
		if err != nil {
			slog.Error("Stored cron no longer parses, suspending schedule",
				"task", t.Name, "error", err)
		} else {
			nextParam = next
		}
		_, err = tx.Exec(ctx,
			`UPDATE scheduled_tasks
			 SET last_run_at = now(), next_run_at = $2, updated_at = now()
			 WHERE id = $1`,
			t.ID, nextParam)
		if err != nil {
			return err
		}
		task = &t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (s *Service) recordResult(ctx context.Context, taskID string, result map[string]any) {
	_, err := s.db.Execute(ctx,
		`UPDATE scheduled_tasks SET last_result = $2, updated_at = now() WHERE id = $1`,
		taskID, result)
	if err != nil {
		slog.Error("Failed to record schedule result", "task_id", taskID, "error", err)
	}
}

func resultMap(r Result) map[string]any {
	if r == nil {
		return map[string]any{"success": true}
	}
	return r.ResultMap()
}

// jsonbParam maps empty args to SQL NULL instead of an empty JSON object.
func jsonbParam(m map[string]any) any {
	if len(m) == 0 {
		return nil
	}
	return m
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
