package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/qdeck/warden/internal/model"
	"github.com/qdeck/warden/internal/store"
)

const scheduleCols = `id, name, description, task_type, task_params, recurrence_rule,
	timezone, next_run_at, last_run_at, last_run_status, enabled, created_at, updated_at, created_by`

func (s *Store) CreateSchedule(ctx context.Context, sched *model.Schedule) error {
	params, err := marshalParams(sched.TaskParams)
	if err != nil {
		return fmt.Errorf("store/postgres: encode task params: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO schedules (`+scheduleCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		sched.ID, sched.Name, sched.Description, string(sched.TaskType), params,
		sched.RecurrenceRule, sched.Timezone, sched.NextRunAt, sched.LastRunAt,
		string(sched.LastRunStatus), sched.Enabled, sched.CreatedAt, sched.UpdatedAt,
		sched.CreatedBy,
	)
	if err != nil {
		return wrap("create schedule", err)
	}
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*model.Schedule, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+scheduleCols+` FROM schedules WHERE id = $1`, id)

	sched, err := scanSchedule(row)
	if err != nil {
		if isNoRows(err) {
			return nil, store.ErrNotFound
		}
		return nil, wrap("get schedule", err)
	}
	return sched, nil
}

func (s *Store) UpdateSchedule(ctx context.Context, sched *model.Schedule) error {
	params, err := marshalParams(sched.TaskParams)
	if err != nil {
		return fmt.Errorf("store/postgres: encode task params: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE schedules SET
			name = $2, description = $3, task_type = $4, task_params = $5,
			recurrence_rule = $6, timezone = $7, next_run_at = $8,
			last_run_at = $9, last_run_status = $10, enabled = $11,
			updated_at = $12, created_by = $13
		WHERE id = $1`,
		sched.ID, sched.Name, sched.Description, string(sched.TaskType), params,
		sched.RecurrenceRule, sched.Timezone, sched.NextRunAt,
		sched.LastRunAt, string(sched.LastRunStatus), sched.Enabled,
		sched.UpdatedAt, sched.CreatedBy,
	)
	if err != nil {
		return wrap("update schedule", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	// Runs are kept: history outlives the schedule.
	tag, err := s.pool.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return wrap("delete schedule", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListSchedules(ctx context.Context, f store.ScheduleFilter) ([]*model.Schedule, int, error) {
	var (
		where []string
		args  []any
	)
	if f.Enabled != nil {
		args = append(args, *f.Enabled)
		where = append(where, fmt.Sprintf("enabled = $%d", len(args)))
	}
	if f.TaskType != "" {
		args = append(args, string(f.TaskType))
		where = append(where, fmt.Sprintf("task_type = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM schedules`+clause, args...).Scan(&total); err != nil {
		return nil, 0, wrap("count schedules", err)
	}

	query := `SELECT ` + scheduleCols + ` FROM schedules` + clause + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, wrap("list schedules", err)
	}
	defer rows.Close()

	items, err := collectSchedules(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *Store) SetNextRun(ctx context.Context, id string, at *time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE schedules SET next_run_at = $2, updated_at = NOW() WHERE id = $1`, id, at)
	if err != nil {
		return wrap("set next run", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SetLastRun(ctx context.Context, id string, at time.Time, status model.RunStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE schedules SET last_run_at = $2, last_run_status = $3, updated_at = NOW() WHERE id = $1`,
		id, at, string(status))
	if err != nil {
		return wrap("set last run", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanSchedule(row pgx.Row) (*model.Schedule, error) {
	var (
		sched     model.Schedule
		taskType  string
		lastRun   string
		rawParams []byte
	)
	err := row.Scan(
		&sched.ID, &sched.Name, &sched.Description, &taskType, &rawParams,
		&sched.RecurrenceRule, &sched.Timezone, &sched.NextRunAt, &sched.LastRunAt,
		&lastRun, &sched.Enabled, &sched.CreatedAt, &sched.UpdatedAt, &sched.CreatedBy,
	)
	if err != nil {
		return nil, err
	}

	sched.TaskType = model.TaskType(taskType)
	sched.LastRunStatus = model.RunStatus(lastRun)
	if len(rawParams) > 0 {
		if err := json.Unmarshal(rawParams, &sched.TaskParams); err != nil {
			return nil, fmt.Errorf("store/postgres: decode task params for %s: %w", sched.ID, err)
		}
	}
	return &sched, nil
}

func collectSchedules(rows pgx.Rows) ([]*model.Schedule, error) {
	var items []*model.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, wrap("scan schedule row", err)
		}
		items = append(items, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate schedule rows", err)
	}
	return items, nil
}

func marshalParams(params map[string]any) ([]byte, error) {
	if params == nil {
		return nil, nil
	}
	return json.Marshal(params)
}
