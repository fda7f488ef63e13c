package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/qdeck/warden/internal/model"
	"github.com/qdeck/warden/internal/store"
)

func (s *Store) EnqueueDispatch(ctx context.Context, d *model.Dispatch) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.dispatches.InsertOne(ctxTimeout, d)
	if err != nil {
		return wrap("enqueue dispatch", err)
	}
	return nil
}

func (s *Store) GetDispatch(ctx context.Context, id string) (*model.Dispatch, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var d model.Dispatch
	err := s.dispatches.FindOne(ctxTimeout, bson.M{"_id": id}).Decode(&d)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, wrap("get dispatch", err)
	}
	return &d, nil
}

// ClaimDueDispatches atomically flips due pending documents to claimed, one
// FindOneAndUpdate at a time, so competing dispatcher instances never claim
// the same dispatch.
func (s *Store) ClaimDueDispatches(ctx context.Context, now time.Time, owner string, limit int) ([]*model.Dispatch, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	filter := bson.M{
		"status": model.DispatchPending,
		"run_at": bson.M{"$lte": now.UTC()},
	}
	claimedAt := now.UTC()
	update := bson.M{"$set": bson.M{
		"status":     model.DispatchClaimed,
		"claimed_by": owner,
		"claimed_at": claimedAt,
		"updated_at": claimedAt,
	}}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "run_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetReturnDocument(options.After)

	var claimed []*model.Dispatch
	for len(claimed) < limit {
		var d model.Dispatch
		err := s.dispatches.FindOneAndUpdate(ctxTimeout, filter, update, opts).Decode(&d)
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				break
			}
			return claimed, wrap("claim dispatch", err)
		}
		claimed = append(claimed, &d)
	}
	return claimed, nil
}

func (s *Store) RescheduleDispatch(ctx context.Context, id string, runAt time.Time, attempts int) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	update := bson.M{
		"$set": bson.M{
			"status":     model.DispatchPending,
			"run_at":     runAt.UTC(),
			"attempts":   attempts,
			"updated_at": time.Now().UTC(),
		},
		"$unset": bson.M{
			"claimed_by": "",
			"claimed_at": "",
		},
	}
	result, err := s.dispatches.UpdateOne(ctxTimeout, bson.M{"_id": id}, update)
	if err != nil {
		return wrap("reschedule dispatch", err)
	}
	if result.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CompleteDispatch(ctx context.Context, id string, status model.DispatchStatus) error {
	if !status.Finished() {
		return fmt.Errorf("store/mongo: %q is not a finished dispatch status", status)
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	update := bson.M{"$set": bson.M{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}}
	result, err := s.dispatches.UpdateOne(ctxTimeout, bson.M{"_id": id}, update)
	if err != nil {
		return wrap("complete dispatch", err)
	}
	if result.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CancelPendingDispatches(ctx context.Context, scheduleID string) (int, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// Documents mid-retry (attempts > 0) keep flowing so their run reaches a
	// terminal state; manual documents are left for the user's trigger.
	filter := bson.M{
		"schedule_id": scheduleID,
		"status":      model.DispatchPending,
		"manual":      bson.M{"$ne": true},
		"attempts":    0,
	}
	update := bson.M{"$set": bson.M{
		"status":     model.DispatchCanceled,
		"updated_at": time.Now().UTC(),
	}}
	result, err := s.dispatches.UpdateMany(ctxTimeout, filter, update)
	if err != nil {
		return 0, wrap("cancel pending dispatches", err)
	}
	return int(result.ModifiedCount), nil
}

func (s *Store) ReleaseStaleClaims(ctx context.Context, olderThan time.Time) (int, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	filter := bson.M{
		"status":     model.DispatchClaimed,
		"claimed_at": bson.M{"$lt": olderThan.UTC()},
	}
	update := bson.M{
		"$set": bson.M{
			"status":     model.DispatchPending,
			"updated_at": time.Now().UTC(),
		},
		"$unset": bson.M{
			"claimed_by": "",
			"claimed_at": "",
		},
	}
	result, err := s.dispatches.UpdateMany(ctxTimeout, filter, update)
	if err != nil {
		return 0, wrap("release stale claims", err)
	}
	return int(result.ModifiedCount), nil
}

func (s *Store) CountPendingDispatches(ctx context.Context) (int, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	n, err := s.dispatches.CountDocuments(ctxTimeout, bson.M{
		"status": model.DispatchPending,
	})
	if err != nil {
		return 0, wrap("count pending dispatches", err)
	}
	return int(n), nil
}

func (s *Store) DeleteFinishedDispatchesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	res, err := s.dispatches.DeleteMany(ctxTimeout, bson.M{
		"status": bson.M{"$in": []model.DispatchStatus{
			model.DispatchCompleted, model.DispatchFailed, model.DispatchCanceled,
		}},
		"updated_at": bson.M{"$lt": cutoff.UTC()},
	})
	if err != nil {
		return 0, wrap("delete finished dispatches", err)
	}
	return int(res.DeletedCount), nil
}
