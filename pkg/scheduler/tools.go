package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/butler-platform/butlerd/pkg/fault"
	"github.com/butler-platform/butlerd/pkg/tools"
)

// RegisterTools exposes schedule CRUD as schedule.* tools on the registry.
func RegisterTools(reg *tools.Registry, svc *Service) error {
	return reg.RegisterAll(
		tools.Func("schedule.create", svc.createTool),
		tools.Func("schedule.update", svc.updateTool),
		tools.Func("schedule.delete", svc.deleteTool),
		tools.Func("schedule.list", svc.listTool),
		tools.Func("schedule.show", svc.showTool),
	)
}

func (s *Service) createTool(ctx context.Context, args map[string]any) (map[string]any, error) {
	in := CreateInput{
		Name:            stringArg(args, "name"),
		Cron:            stringArg(args, "cron"),
		Prompt:          stringArg(args, "prompt"),
		JobName:         stringArg(args, "job_name"),
		Timezone:        stringArg(args, "timezone"),
		CalendarEventID: stringArg(args, "calendar_event_id"),
	}
	if m, ok := args["job_args"].(map[string]any); ok {
		in.JobArgs = m
	}

	var err error
	if in.StartAt, err = timeArg(args, "start_at"); err != nil {
		return nil, err
	}
	if in.EndAt, err = timeArg(args, "end_at"); err != nil {
		return nil, err
	}
	if in.UntilAt, err = timeArg(args, "until_at"); err != nil {
		return nil, err
	}

	task, err := s.Create(ctx, in)
	if err != nil {
		return nil, err
	}
	return taskMap(task), nil
}

func (s *Service) updateTool(ctx context.Context, args map[string]any) (map[string]any, error) {
	id := stringArg(args, "id")
	if id == "" {
		return nil, fault.NewValidationError("id", "required")
	}

	var in UpdateInput
	if v, ok := args["cron"].(string); ok {
		in.Cron = &v
	}
	if v, ok := args["prompt"].(string); ok {
		in.Prompt = &v
	}
	if v, ok := args["job_name"].(string); ok {
		in.JobName = &v
	}
	if m, ok := args["job_args"].(map[string]any); ok {
		in.JobArgs = m
	}
	if v, ok := args["timezone"].(string); ok {
		in.Timezone = &v
	}
	if v, ok := args["enabled"].(bool); ok {
		in.Enabled = &v
	}

	var err error
	if in.StartAt, err = timeArg(args, "start_at"); err != nil {
		return nil, err
	}
	if in.EndAt, err = timeArg(args, "end_at"); err != nil {
		return nil, err
	}
	if in.UntilAt, err = timeArg(args, "until_at"); err != nil {
		return nil, err
	}

	task, err := s.Update(ctx, id, in)
	if err != nil {
		return nil, err
	}
	return taskMap(task), nil
}

func (s *Service) deleteTool(ctx context.Context, args map[string]any) (map[string]any, error) {
	id := stringArg(args, "id")
	if id == "" {
		return nil, fault.NewValidationError("id", "required")
	}
	if err := s.Delete(ctx, id); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": true, "id": id}, nil
}

func (s *Service) listTool(ctx context.Context, _ map[string]any) (map[string]any, error) {
	list, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	schedules := make([]map[string]any, len(list))
	for i, task := range list {
		schedules[i] = taskMap(task)
	}
	return map[string]any{"schedules": schedules, "count": len(schedules)}, nil
}

func (s *Service) showTool(ctx context.Context, args map[string]any) (map[string]any, error) {
	id := stringArg(args, "id")
	if id == "" {
		return nil, fault.NewValidationError("id", "required")
	}
	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return taskMap(task), nil
}

func taskMap(t *Task) map[string]any {
	m := map[string]any{
		"id":      t.ID,
		"name":    t.Name,
		"cron":    t.CronExpr,
		"source":  t.Source,
		"enabled": t.Enabled,
	}
	if t.Prompt != "" {
		m["prompt"] = t.Prompt
	}
	if t.JobName != "" {
		m["job_name"] = t.JobName
	}
	if len(t.JobArgs) > 0 {
		m["job_args"] = t.JobArgs
	}
	if t.Timezone != "" {
		m["timezone"] = t.Timezone
	}
	if t.NextRunAt != nil {
		m["next_run_at"] = t.NextRunAt.Format(time.RFC3339)
	}
	if t.LastRunAt != nil {
		m["last_run_at"] = t.LastRunAt.Format(time.RFC3339)
	}
	if t.LastResult != nil {
		m["last_result"] = t.LastResult
	}
	if t.StartAt != nil {
		m["start_at"] = t.StartAt.Format(time.RFC3339)
	}
	if t.EndAt != nil {
		m["end_at"] = t.EndAt.Format(time.RFC3339)
	}
	if t.UntilAt != nil {
		m["until_at"] = t.UntilAt.Format(time.RFC3339)
	}
	if t.CalendarEventID != "" {
		m["calendar_event_id"] = t.CalendarEventID
	}
	return m
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// timeArg parses an optional RFC3339 timestamp argument. RFC3339 always
// carries a zone offset, so bare local timestamps are rejected here.
func timeArg(args map[string]any, key string) (*time.Time, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, fault.NewValidationError(key, "must be an RFC3339 timestamp string")
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fault.NewValidationError(key,
			fmt.Sprintf("invalid RFC3339 timestamp %q (timezone offset required)", s))
	}
	return &t, nil
}
