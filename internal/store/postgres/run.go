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

const runCols = `id, schedule_id, dispatch_id, status, started_at, completed_at,
	result, error_message, created_at`

func (s *Store) CreateRun(ctx context.Context, r *model.ScheduleRun) error {
	result, err := marshalParams(r.Result)
	if err != nil {
		return fmt.Errorf("store/postgres: encode run result: %w", err)
	}

	// Retry attempts re-create the same row; the first write wins.
	_, err = s.pool.Exec(ctx, `
		INSERT INTO schedule_runs (`+runCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		r.ID, r.ScheduleID, r.DispatchID, string(r.Status), r.StartedAt, r.CompletedAt,
		result, r.ErrorMessage, r.CreatedAt,
	)
	if err != nil {
		return wrap("create run", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*model.ScheduleRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runCols+` FROM schedule_runs WHERE id = $1`, id)

	r, err := scanRun(row)
	if err != nil {
		if isNoRows(err) {
			return nil, store.ErrNotFound
		}
		return nil, wrap("get run", err)
	}
	return r, nil
}

func (s *Store) ListRuns(ctx context.Context, f store.RunFilter) ([]*model.ScheduleRun, int, error) {
	var (
		where []string
		args  []any
	)
	if f.ScheduleID != "" {
		args = append(args, f.ScheduleID)
		where = append(where, fmt.Sprintf("schedule_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM schedule_runs`+clause, args...).Scan(&total); err != nil {
		return nil, 0, wrap("count runs", err)
	}

	query := `SELECT ` + runCols + ` FROM schedule_runs` + clause + ` ORDER BY created_at DESC, id DESC`
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
		return nil, 0, wrap("list runs", err)
	}
	defer rows.Close()

	var items []*model.ScheduleRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, wrap("scan run row", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, wrap("iterate run rows", err)
	}
	return items, total, nil
}

func (s *Store) MarkRunRunning(ctx context.Context, runID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE schedule_runs SET status = 'running', started_at = $2
		WHERE id = $1 AND status = 'pending'`,
		runID, at)
	if err != nil {
		return wrap("mark run running", err)
	}
	if tag.RowsAffected() == 0 {
		// Either already running (a retry) or missing entirely.
		return s.checkRunExists(ctx, runID)
	}
	return nil
}

func (s *Store) CompleteRun(ctx context.Context, runID string, status model.RunStatus, result map[string]any, errMsg string, at time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("store/postgres: %s is not a terminal run status", status)
	}
	raw, err := marshalParams(result)
	if err != nil {
		return fmt.Errorf("store/postgres: encode run result: %w", err)
	}

	// Terminal state is written exactly once; a second write is a no-op.
	tag, err := s.pool.Exec(ctx, `
		UPDATE schedule_runs
		SET status = $2, result = $3, error_message = $4, completed_at = $5
		WHERE id = $1 AND status IN ('pending', 'running')`,
		runID, string(status), raw, errMsg, at)
	if err != nil {
		return wrap("complete run", err)
	}
	if tag.RowsAffected() == 0 {
		return s.checkRunExists(ctx, runID)
	}
	return nil
}

func (s *Store) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM schedule_runs WHERE created_at < $1 AND status != 'running'`, cutoff)
	if err != nil {
		return 0, wrap("delete runs", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) checkRunExists(ctx context.Context, runID string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM schedule_runs WHERE id = $1)`, runID).Scan(&exists); err != nil {
		return wrap("check run", err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return nil
}

func scanRun(row pgx.Row) (*model.ScheduleRun, error) {
	var (
		r         model.ScheduleRun
		status    string
		rawResult []byte
	)
	err := row.Scan(
		&r.ID, &r.ScheduleID, &r.DispatchID, &status, &r.StartedAt, &r.CompletedAt,
		&rawResult, &r.ErrorMessage, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Status = model.RunStatus(status)
	if len(rawResult) > 0 {
		if err := json.Unmarshal(rawResult, &r.Result); err != nil {
			return nil, fmt.Errorf("store/postgres: decode run result for %s: %w", r.ID, err)
		}
	}
	return &r, nil
}
