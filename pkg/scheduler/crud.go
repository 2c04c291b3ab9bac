package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/butler-platform/butlerd/pkg/config"
	"github.com/butler-platform/butlerd/pkg/fault"
	"github.com/butler-platform/butlerd/pkg/postgres"
)

const uniqueViolation = "23505"

// CreateInput describes a new DB-sourced schedule. Exactly one of Prompt or
// JobName must be set.
type CreateInput struct {
	Name            string
	Cron            string
	Prompt          string
	JobName         string
	JobArgs         map[string]any
	Timezone        string
	StartAt         *time.Time
	EndAt           *time.Time
	UntilAt         *time.Time
	CalendarEventID string
}

// UpdateInput carries partial updates; nil fields are left unchanged.
type UpdateInput struct {
	Cron     *string
	Prompt   *string
	JobName  *string
	JobArgs  map[string]any
	Timezone *string
	Enabled  *bool
	StartAt  *time.Time
	EndAt    *time.Time
	UntilAt  *time.Time
}

// Create validates and inserts a schedule with source='db'. Duplicate names
// map to fault.ErrAlreadyExists via the UNIQUE constraint.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Task, error) {
	decl := config.ScheduleDecl{
		Name:     in.Name,
		Cron:     in.Cron,
		Prompt:   in.Prompt,
		JobName:  in.JobName,
		JobArgs:  in.JobArgs,
		Timezone: in.Timezone,
	}
	if err := config.ValidateScheduleDecl(decl); err != nil {
		return nil, fmt.Errorf("%w: %w", fault.ErrInvalidInput, err)
	}

	next, err := nextRun(in.Cron, in.Timezone, time.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fault.ErrInvalidInput, err)
	}

	id := uuid.Must(uuid.NewV7()).String()
	_, err = s.db.Execute(ctx,
		`INSERT INTO scheduled_tasks
		     (id, name, cron_expr, prompt, job_name, job_args, source, enabled,
		      next_run_at, timezone, start_at, end_at, until_at, calendar_event_id)
		 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, true,
		         $8, NULLIF($9, ''), $10, $11, $12, NULLIF($13, ''))`,
		id, in.Name, in.Cron, in.Prompt, in.JobName, jsonbParam(in.JobArgs),
		SourceDB, next, in.Timezone, in.StartAt, in.EndAt, in.UntilAt,
		in.CalendarEventID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, fmt.Errorf("schedule %q: %w", in.Name, fault.ErrAlreadyExists)
		}
		return nil, fmt.Errorf("insert schedule: %w", err)
	}
	return s.Get(ctx, id)
}

// Update applies partial changes. Changing cron or re-enabling recomputes
// next_run_at; disabling nulls it.
func (s *Service) Update(ctx context.Context, id string, in UpdateInput) (*Task, error) {
	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.Cron != nil {
		task.CronExpr = *in.Cron
	}
	if in.Prompt != nil {
		task.Prompt = *in.Prompt
	}
	if in.JobName != nil {
		task.JobName = *in.JobName
	}
	if in.JobArgs != nil {
		task.JobArgs = in.JobArgs
	}
	if in.Timezone != nil {
		task.Timezone = *in.Timezone
	}
	if in.Enabled != nil {
		task.Enabled = *in.Enabled
	}
	if in.StartAt != nil {
		task.StartAt = in.StartAt
	}
	if in.EndAt != nil {
		task.EndAt = in.EndAt
	}
	if in.UntilAt != nil {
		task.UntilAt = in.UntilAt
	}

	decl := config.ScheduleDecl{
		Name:     task.Name,
		Cron:     task.CronExpr,
		Prompt:   task.Prompt,
		JobName:  task.JobName,
		JobArgs:  task.JobArgs,
		Timezone: task.Timezone,
	}
	if err := config.ValidateScheduleDecl(decl); err != nil {
		return nil, fmt.Errorf("%w: %w", fault.ErrInvalidInput, err)
	}

	switch {
	case in.Enabled != nil && !*in.Enabled:
		task.NextRunAt = nil
	case in.Cron != nil || (in.Enabled != nil && *in.Enabled):
		next, err := nextRun(task.CronExpr, task.Timezone, time.Now())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", fault.ErrInvalidInput, err)
		}
		task.NextRunAt = &next
	}

	_, err = s.db.Execute(ctx,
		`UPDATE scheduled_tasks
		 SET cron_expr = $2, prompt = NULLIF($3, ''), job_name = NULLIF($4, ''),
		     job_args = $5, timezone = NULLIF($6, ''), enabled = $7,
		     next_run_at = $8, start_at = $9, end_at = $10, until_at = $11,
		     updated_at = now()
		 WHERE id = $1`,
		task.ID, task.CronExpr, task.Prompt, task.JobName,
		jsonbParam(task.JobArgs), task.Timezone, task.Enabled,
		task.NextRunAt, task.StartAt, task.EndAt, task.UntilAt)
	if err != nil {
		return nil, fmt.Errorf("update schedule: %w", err)
	}
	return s.Get(ctx, id)
}

// Delete removes a DB-sourced schedule. TOML-declared schedules refuse:
// removing them is a config change, not an API call.
func (s *Service) Delete(ctx context.Context, id string) error {
	task, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if task.Source == SourceTOML {
		return fault.NewValidationError("id",
			fmt.Sprintf("schedule %q is declared in butler config; remove it there instead", task.Name))
	}

	n, err := s.db.Execute(ctx, `DELETE FROM scheduled_tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if n == 0 {
		return fault.ErrNotFound
	}
	return nil
}

// Get loads one schedule by id.
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	row, err := s.db.FetchRow(ctx,
		`SELECT * FROM scheduled_tasks WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, fault.ErrNotFound) {
			return nil, fmt.Errorf("schedule %s: %w", id, fault.ErrNotFound)
		}
		return nil, err
	}
	return taskFromRow(row)
}

// List returns all schedules ordered by name.
func (s *Service) List(ctx context.Context) ([]*Task, error) {
	rows, err := s.db.Fetch(ctx, `SELECT * FROM scheduled_tasks ORDER BY name`)
	if err != nil {
		return nil, err
	}
	tasks := make([]*Task, 0, len(rows))
	for _, row := range rows {
		task, err := taskFromRow(row)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func taskFromRow(row map[string]any) (*Task, error) {
	jobArgs, err := postgres.NormalizeJSONB(row["job_args"])
	if err != nil {
		return nil, fmt.Errorf("decode job_args: %w", err)
	}
	lastResult, err := postgres.NormalizeJSONB(row["last_result"])
	if err != nil {
		return nil, fmt.Errorf("decode last_result: %w", err)
	}

	return &Task{
		ID:              rowString(row, "id"),
		Name:            rowString(row, "name"),
		CronExpr:        rowString(row, "cron_expr"),
		Prompt:          rowString(row, "prompt"),
		JobName:         rowString(row, "job_name"),
		JobArgs:         asMap(jobArgs),
		Source:          rowString(row, "source"),
		Enabled:         row["enabled"] == true,
		NextRunAt:       rowTime(row, "next_run_at"),
		LastRunAt:       rowTime(row, "last_run_at"),
		LastResult:      asMap(lastResult),
		Timezone:        rowString(row, "timezone"),
		StartAt:         rowTime(row, "start_at"),
		EndAt:           rowTime(row, "end_at"),
		UntilAt:         rowTime(row, "until_at"),
		CalendarEventID: rowString(row, "calendar_event_id"),
		CreatedAt:       derefTime(rowTime(row, "created_at")),
		UpdatedAt:       derefTime(rowTime(row, "updated_at")),
	}, nil
}

func rowString(row map[string]any, key string) string {
	s, _ := row[key].(string)
	return s
}

func rowTime(row map[string]any, key string) *time.Time {
	t, ok := row[key].(time.Time)
	if !ok {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}
