package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/qdeck/warden/internal/model"
	"github.com/qdeck/warden/internal/store"
)

const scheduleCols = `id, name, description, task_type, task_params, recurrence_rule,
	timezone, next_run_at, last_run_at, last_run_status, enabled, created_at, updated_at, created_by`

func (s *Store) CreateSchedule(ctx context.Context, sched *model.Schedule) error {
	params, err := marshalJSON(sched.TaskParams)
	if err != nil {
		return fmt.Errorf("store/sqlite: encode task params: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schedules (`+scheduleCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.Name, sched.Description, string(sched.TaskType), params,
		sched.RecurrenceRule, sched.Timezone, fmtTimePtr(sched.NextRunAt),
		fmtTimePtr(sched.LastRunAt), string(sched.LastRunStatus), sched.Enabled,
		fmtTime(sched.CreatedAt), fmtTime(sched.UpdatedAt), sched.CreatedBy,
	)
	if err != nil {
		return wrap("create schedule", err)
	}
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*model.Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleCols+` FROM schedules WHERE id = ?`, id)

	sched, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, wrap("get schedule", err)
	}
	return sched, nil
}

func (s *Store) UpdateSchedule(ctx context.Context, sched *model.Schedule) error {
	params, err := marshalJSON(sched.TaskParams)
	if err != nil {
		return fmt.Errorf("store/sqlite: encode task params: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET
			name = ?, description = ?, task_type = ?, task_params = ?,
			recurrence_rule = ?, timezone = ?, next_run_at = ?,
			last_run_at = ?, last_run_status = ?, enabled = ?,
			updated_at = ?, created_by = ?
		WHERE id = ?`,
		sched.Name, sched.Description, string(sched.TaskType), params,
		sched.RecurrenceRule, sched.Timezone, fmtTimePtr(sched.NextRunAt),
		fmtTimePtr(sched.LastRunAt), string(sched.LastRunStatus), sched.Enabled,
		fmtTime(sched.UpdatedAt), sched.CreatedBy, sched.ID,
	)
	if err != nil {
		return wrap("update schedule", err)
	}
	return oneRowOrNotFound(res)
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	// Runs are kept: history outlives the schedule.
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return wrap("delete schedule", err)
	}
	return oneRowOrNotFound(res)
}

func (s *Store) ListSchedules(ctx context.Context, f store.ScheduleFilter) ([]*model.Schedule, int, error) {
	var (
		where []string
		args  []any
	)
	if f.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *f.Enabled)
	}
	if f.TaskType != "" {
		where = append(where, "task_type = ?")
		args = append(args, string(f.TaskType))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schedules`+clause, args...).Scan(&total); err != nil {
		return nil, 0, wrap("count schedules", err)
	}

	query := `SELECT ` + scheduleCols + ` FROM schedules` + clause + ` ORDER BY created_at DESC, id DESC`
	query, args = addPaging(query, args, f.Offset, f.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, wrap("list schedules", err)
	}
	defer rows.Close()

	var items []*model.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, 0, wrap("scan schedule row", err)
		}
		items = append(items, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, wrap("iterate schedule rows", err)
	}
	return items, total, nil
}

func (s *Store) SetNextRun(ctx context.Context, id string, at *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET next_run_at = ?, updated_at = ? WHERE id = ?`,
		fmtTimePtr(at), fmtTime(time.Now()), id)
	if err != nil {
		return wrap("set next run", err)
	}
	return oneRowOrNotFound(res)
}

func (s *Store) SetLastRun(ctx context.Context, id string, at time.Time, status model.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET last_run_at = ?, last_run_status = ?, updated_at = ? WHERE id = ?`,
		fmtTime(at), string(status), fmtTime(time.Now()), id)
	if err != nil {
		return wrap("set last run", err)
	}
	return oneRowOrNotFound(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (*model.Schedule, error) {
	var (
		sched     model.Schedule
		taskType  string
		lastRun   string
		rawParams sql.NullString
		nextRun   sql.NullString
		lastRunAt sql.NullString
		createdAt string
		updatedAt string
	)
	err := row.Scan(
		&sched.ID, &sched.Name, &sched.Description, &taskType, &rawParams,
		&sched.RecurrenceRule, &sched.Timezone, &nextRun, &lastRunAt,
		&lastRun, &sched.Enabled, &createdAt, &updatedAt, &sched.CreatedBy,
	)
	if err != nil {
		return nil, err
	}

	sched.TaskType = model.TaskType(taskType)
	sched.LastRunStatus = model.RunStatus(lastRun)
	if sched.NextRunAt, err = parseTimePtr(nextRun); err != nil {
		return nil, err
	}
	if sched.LastRunAt, err = parseTimePtr(lastRunAt); err != nil {
		return nil, err
	}
	if sched.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if sched.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(rawParams, &sched.TaskParams); err != nil {
		return nil, fmt.Errorf("store/sqlite: decode task params for %s: %w", sched.ID, err)
	}
	return &sched, nil
}

func addPaging(query string, args []any, offset, limit int) (string, []any) {
	switch {
	case limit > 0:
		query += " LIMIT ?"
		args = append(args, limit)
	case offset > 0:
		// SQLite requires a LIMIT clause before OFFSET.
		query += " LIMIT -1"
	}
	if offset > 0 {
		query += " OFFSET ?"
		args = append(args, offset)
	}
	return query, args
}

func oneRowOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("rows affected", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func marshalJSON(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func unmarshalJSON(ns sql.NullString, dst *map[string]any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), dst)
}
