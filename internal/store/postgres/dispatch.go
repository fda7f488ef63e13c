package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/qdeck/warden/internal/model"
	"github.com/qdeck/warden/internal/store"
)

const dispatchCols = `id, schedule_id, run_id, task_type, task_params, run_at,
	status, attempts, manual, claimed_by, claimed_at, created_at, updated_at`

func (s *Store) EnqueueDispatch(ctx context.Context, d *model.Dispatch) error {
	params, err := marshalParams(d.TaskParams)
	if err != nil {
		return fmt.Errorf("store/postgres: encode task params: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO dispatches (`+dispatchCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		d.ID, d.ScheduleID, d.RunID, string(d.TaskType), params, d.RunAt,
		string(d.Status), d.Attempts, d.Manual, d.ClaimedBy, d.ClaimedAt,
		d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return wrap("enqueue dispatch", err)
	}
	return nil
}

func (s *Store) GetDispatch(ctx context.Context, id string) (*model.Dispatch, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+dispatchCols+` FROM dispatches WHERE id = $1`, id)

	d, err := scanDispatch(row)
	if err != nil {
		if isNoRows(err) {
			return nil, store.ErrNotFound
		}
		return nil, wrap("get dispatch", err)
	}
	return d, nil
}

// ClaimDueDispatches uses FOR UPDATE SKIP LOCKED so concurrent dispatchers
// never claim the same row.
func (s *Store) ClaimDueDispatches(ctx context.Context, now time.Time, owner string, limit int) ([]*model.Dispatch, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		WITH claimed AS (
			UPDATE dispatches
			SET status = 'claimed', claimed_by = $2, claimed_at = $1, updated_at = $1
			WHERE id IN (
				SELECT id FROM dispatches
				WHERE status = 'pending' AND run_at <= $1
				ORDER BY run_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT $3
			)
			RETURNING `+dispatchCols+`
		)
		SELECT * FROM claimed ORDER BY run_at ASC`,
		now, owner, limit,
	)
	if err != nil {
		return nil, wrap("claim due dispatches", err)
	}
	defer rows.Close()

	var items []*model.Dispatch
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			return nil, wrap("scan dispatch row", err)
		}
		items = append(items, d)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate dispatch rows", err)
	}
	return items, nil
}

func (s *Store) RescheduleDispatch(ctx context.Context, id string, runAt time.Time, attempts int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dispatches
		SET status = 'pending', run_at = $2, attempts = $3,
		    claimed_by = '', claimed_at = NULL, updated_at = NOW()
		WHERE id = $1`,
		id, runAt, attempts)
	if err != nil {
		return wrap("reschedule dispatch", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CompleteDispatch(ctx context.Context, id string, status model.DispatchStatus) error {
	if !status.Finished() {
		return fmt.Errorf("store/postgres: %s is not a finished dispatch status", status)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE dispatches
		SET status = $2, claimed_by = '', claimed_at = NULL, updated_at = NOW()
		WHERE id = $1`,
		id, string(status))
	if err != nil {
		return wrap("complete dispatch", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CancelPendingDispatches(ctx context.Context, scheduleID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dispatches
		SET status = 'canceled', updated_at = NOW()
		WHERE schedule_id = $1 AND status = 'pending' AND manual = FALSE AND attempts = 0`,
		scheduleID)
	if err != nil {
		return 0, wrap("cancel pending dispatches", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) ReleaseStaleClaims(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dispatches
		SET status = 'pending', claimed_by = '', claimed_at = NULL, updated_at = NOW()
		WHERE status = 'claimed' AND claimed_at < $1`,
		olderThan)
	if err != nil {
		return 0, wrap("release stale claims", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) CountPendingDispatches(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM dispatches WHERE status = 'pending'`).Scan(&n); err != nil {
		return 0, wrap("count pending dispatches", err)
	}
	return n, nil
}

func (s *Store) DeleteFinishedDispatchesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM dispatches
		WHERE status IN ('completed', 'failed', 'canceled') AND updated_at < $1`,
		cutoff)
	if err != nil {
		return 0, wrap("delete finished dispatches", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanDispatch(row pgx.Row) (*model.Dispatch, error) {
	var (
		d         model.Dispatch
		taskType  string
		status    string
		rawParams []byte
	)
	err := row.Scan(
		&d.ID, &d.ScheduleID, &d.RunID, &taskType, &rawParams, &d.RunAt,
		&status, &d.Attempts, &d.Manual, &d.ClaimedBy, &d.ClaimedAt,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.TaskType = model.TaskType(taskType)
	d.Status = model.DispatchStatus(status)
	if len(rawParams) > 0 {
		if err := json.Unmarshal(rawParams, &d.TaskParams); err != nil {
			return nil, fmt.Errorf("store/postgres: decode task params for %s: %w", d.ID, err)
		}
	}
	return &d, nil
}
