package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/qdeck/warden/internal/model"
	"github.com/qdeck/warden/internal/store"
)

const runCols = `id, schedule_id, dispatch_id, status, started_at, completed_at,
	result, error_message, created_at`

func (s *Store) CreateRun(ctx context.Context, run *model.ScheduleRun) error {
	result, err := marshalJSON(run.Result)
	if err != nil {
		return fmt.Errorf("store/sqlite: encode run result: %w", err)
	}

	// Retry attempts reuse the row created by the first attempt.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schedule_runs (`+runCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		run.ID, run.ScheduleID, run.DispatchID, string(run.Status),
		fmtTimePtr(run.StartedAt), fmtTimePtr(run.CompletedAt),
		result, run.ErrorMessage, fmtTime(run.CreatedAt),
	)
	if err != nil {
		return wrap("create run", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*model.ScheduleRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runCols+` FROM schedule_runs WHERE id = ?`, id)

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, wrap("get run", err)
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context, f store.RunFilter) ([]*model.ScheduleRun, int, error) {
	var (
		where []string
		args  []any
	)
	if f.ScheduleID != "" {
		where = append(where, "schedule_id = ?")
		args = append(args, f.ScheduleID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schedule_runs`+clause, args...).Scan(&total); err != nil {
		return nil, 0, wrap("count runs", err)
	}

	query := `SELECT ` + runCols + ` FROM schedule_runs` + clause + ` ORDER BY created_at DESC, id DESC`
	query, args = addPaging(query, args, f.Offset, f.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, wrap("list runs", err)
	}
	defer rows.Close()

	var items []*model.ScheduleRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, wrap("scan run row", err)
		}
		items = append(items, run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, wrap("iterate run rows", err)
	}
	return items, total, nil
}

func (s *Store) MarkRunRunning(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedule_runs SET status = ?, started_at = ?
		WHERE id = ? AND status = ?`,
		string(model.RunRunning), fmtTime(at), id, string(model.RunPending))
	if err != nil {
		return wrap("mark run running", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("rows affected", err)
	}
	if n == 0 {
		// Already running (a retry attempt) or already terminal: keep the
		// first transition. Only a missing row is an error.
		return s.checkRunExists(ctx, id)
	}
	return nil
}

func (s *Store) CompleteRun(ctx context.Context, id string, status model.RunStatus, result map[string]any, errMsg string, at time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("store/sqlite: %q is not a terminal run status", status)
	}
	raw, err := marshalJSON(result)
	if err != nil {
		return fmt.Errorf("store/sqlite: encode run result: %w", err)
	}

	// The terminal state is written exactly once; later writes are no-ops.
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedule_runs SET status = ?, completed_at = ?, result = ?, error_message = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(status), fmtTime(at), raw, errMsg,
		id, string(model.RunPending), string(model.RunRunning))
	if err != nil {
		return wrap("complete run", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("rows affected", err)
	}
	if n == 0 {
		return s.checkRunExists(ctx, id)
	}
	return nil
}

func (s *Store) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	// In-flight runs are never pruned, however old their row is.
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM schedule_runs WHERE created_at < ? AND status != ?`,
		fmtTime(cutoff), string(model.RunRunning))
	if err != nil {
		return 0, wrap("delete runs before", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrap("rows affected", err)
	}
	return int(n), nil
}

func (s *Store) checkRunExists(ctx context.Context, id string) error {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM schedule_runs WHERE id = ?)`, id).Scan(&exists)
	if err != nil {
		return wrap("check run exists", err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return nil
}

func scanRun(row rowScanner) (*model.ScheduleRun, error) {
	var (
		run         model.ScheduleRun
		status      string
		startedAt   sql.NullString
		completedAt sql.NullString
		rawResult   sql.NullString
		createdAt   string
	)
	err := row.Scan(
		&run.ID, &run.ScheduleID, &run.DispatchID, &status,
		&startedAt, &completedAt, &rawResult, &run.ErrorMessage, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	run.Status = model.RunStatus(status)
	if run.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if run.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	if run.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(rawResult, &run.Result); err != nil {
		return nil, fmt.Errorf("store/sqlite: decode run result for %s: %w", run.ID, err)
	}
	return &run, nil
}
