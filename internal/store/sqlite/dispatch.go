package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/qdeck/warden/internal/model"
	"github.com/qdeck/warden/internal/store"
)

const dispatchCols = `id, schedule_id, run_id, task_type, task_params, run_at,
	status, attempts, manual, claimed_by, claimed_at, created_at, updated_at`

func (s *Store) EnqueueDispatch(ctx context.Context, d *model.Dispatch) error {
	params, err := marshalJSON(d.TaskParams)
	if err != nil {
		return fmt.Errorf("store/sqlite: encode task params: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dispatches (`+dispatchCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ScheduleID, d.RunID, string(d.TaskType), params,
		fmtTime(d.RunAt), string(d.Status), d.Attempts, d.Manual,
		d.ClaimedBy, fmtTimePtr(d.ClaimedAt), fmtTime(d.CreatedAt), fmtTime(d.UpdatedAt),
	)
	if err != nil {
		return wrap("enqueue dispatch", err)
	}
	return nil
}

func (s *Store) GetDispatch(ctx context.Context, id string) (*model.Dispatch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+dispatchCols+` FROM dispatches WHERE id = ?`, id)

	d, err := scanDispatch(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, wrap("get dispatch", err)
	}
	return d, nil
}

// ClaimDueDispatches selects due pending rows and flips them to claimed in
// one transaction. The single-connection pool serializes competing claimers,
// so two dispatchers sharing a file never double-claim a row.
func (s *Store) ClaimDueDispatches(ctx context.Context, now time.Time, owner string, limit int) ([]*model.Dispatch, error) {
	if limit <= 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrap("begin claim", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+dispatchCols+` FROM dispatches
		WHERE status = ? AND run_at <= ?
		ORDER BY run_at ASC, id ASC
		LIMIT ?`,
		string(model.DispatchPending), fmtTime(now), limit)
	if err != nil {
		return nil, wrap("select due dispatches", err)
	}

	var due []*model.Dispatch
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			rows.Close()
			return nil, wrap("scan dispatch row", err)
		}
		due = append(due, d)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, wrap("iterate dispatch rows", err)
	}
	rows.Close()

	claimedAt := now.UTC()
	for _, d := range due {
		_, err := tx.ExecContext(ctx, `
			UPDATE dispatches SET status = ?, claimed_by = ?, claimed_at = ?, updated_at = ?
			WHERE id = ?`,
			string(model.DispatchClaimed), owner, fmtTime(claimedAt), fmtTime(claimedAt), d.ID)
		if err != nil {
			return nil, wrap("claim dispatch", err)
		}
		d.Status = model.DispatchClaimed
		d.ClaimedBy = owner
		d.ClaimedAt = &claimedAt
		d.UpdatedAt = claimedAt
	}

	if err := tx.Commit(); err != nil {
		return nil, wrap("commit claim", err)
	}
	return due, nil
}

func (s *Store) RescheduleDispatch(ctx context.Context, id string, runAt time.Time, attempts int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dispatches SET status = ?, run_at = ?, attempts = ?,
			claimed_by = '', claimed_at = NULL, updated_at = ?
		WHERE id = ?`,
		string(model.DispatchPending), fmtTime(runAt), attempts, fmtTime(time.Now()), id)
	if err != nil {
		return wrap("reschedule dispatch", err)
	}
	return oneRowOrNotFound(res)
}

func (s *Store) CompleteDispatch(ctx context.Context, id string, status model.DispatchStatus) error {
	if !status.Finished() {
		return fmt.Errorf("store/sqlite: %q is not a finished dispatch status", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE dispatches SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), fmtTime(time.Now()), id)
	if err != nil {
		return wrap("complete dispatch", err)
	}
	return oneRowOrNotFound(res)
}

func (s *Store) CancelPendingDispatches(ctx context.Context, scheduleID string) (int, error) {
	// Rows mid-retry (attempts > 0) keep flowing so their run reaches a
	// terminal state; manual rows are left for the user's trigger to finish.
	res, err := s.db.ExecContext(ctx, `
		UPDATE dispatches SET status = ?, updated_at = ?
		WHERE schedule_id = ? AND status = ? AND manual = 0 AND attempts = 0`,
		string(model.DispatchCanceled), fmtTime(time.Now()),
		scheduleID, string(model.DispatchPending))
	if err != nil {
		return 0, wrap("cancel pending dispatches", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrap("rows affected", err)
	}
	return int(n), nil
}

func (s *Store) ReleaseStaleClaims(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dispatches SET status = ?, claimed_by = '', claimed_at = NULL, updated_at = ?
		WHERE status = ? AND claimed_at < ?`,
		string(model.DispatchPending), fmtTime(time.Now()),
		string(model.DispatchClaimed), fmtTime(olderThan))
	if err != nil {
		return 0, wrap("release stale claims", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrap("rows affected", err)
	}
	return int(n), nil
}

func (s *Store) CountPendingDispatches(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dispatches WHERE status = ?`,
		string(model.DispatchPending)).Scan(&n)
	if err != nil {
		return 0, wrap("count pending dispatches", err)
	}
	return n, nil
}

func (s *Store) DeleteFinishedDispatchesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM dispatches
		WHERE status IN (?, ?, ?) AND updated_at < ?`,
		string(model.DispatchCompleted), string(model.DispatchFailed),
		string(model.DispatchCanceled), fmtTime(cutoff))
	if err != nil {
		return 0, wrap("delete finished dispatches", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrap("rows affected", err)
	}
	return int(n), nil
}

func scanDispatch(row rowScanner) (*model.Dispatch, error) {
	var (
		d         model.Dispatch
		taskType  string
		rawParams sql.NullString
		runAt     string
		status    string
		claimedAt sql.NullString
		createdAt string
		updatedAt string
	)
	err := row.Scan(
		&d.ID, &d.ScheduleID, &d.RunID, &taskType, &rawParams, &runAt,
		&status, &d.Attempts, &d.Manual, &d.ClaimedBy, &claimedAt,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.TaskType = model.TaskType(taskType)
	d.Status = model.DispatchStatus(status)
	if d.RunAt, err = parseTime(runAt); err != nil {
		return nil, err
	}
	if d.ClaimedAt, err = parseTimePtr(claimedAt); err != nil {
		return nil, err
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(rawParams, &d.TaskParams); err != nil {
		return nil, fmt.Errorf("store/sqlite: decode task params for %s: %w", d.ID, err)
	}
	return &d, nil
}
