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

func (s *Store) CreateRun(ctx context.Context, run *model.ScheduleRun) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// Retry attempts reuse the row created by the first attempt.
	_, err := s.runs.InsertOne(ctxTimeout, run)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return wrap("create run", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*model.ScheduleRun, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var run model.ScheduleRun
	err := s.runs.FindOne(ctxTimeout, bson.M{"_id": id}).Decode(&run)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, wrap("get run", err)
	}
	return &run, nil
}

func (s *Store) ListRuns(ctx context.Context, f store.RunFilter) ([]*model.ScheduleRun, int, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	filter := bson.M{}
	if f.ScheduleID != "" {
		filter["schedule_id"] = f.ScheduleID
	}
	if f.Status != "" {
		filter["status"] = f.Status
	}

	total, err := s.runs.CountDocuments(ctxTimeout, filter)
	if err != nil {
		return nil, 0, wrap("count runs", err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if f.Offset > 0 {
		opts.SetSkip(int64(f.Offset))
	}
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}

	cursor, err := s.runs.Find(ctxTimeout, filter, opts)
	if err != nil {
		return nil, 0, wrap("list runs", err)
	}
	defer cursor.Close(ctxTimeout)

	var items []*model.ScheduleRun
	if err := cursor.All(ctxTimeout, &items); err != nil {
		return nil, 0, wrap("decode runs", err)
	}
	return items, int(total), nil
}

func (s *Store) MarkRunRunning(ctx context.Context, id string, at time.Time) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	update := bson.M{"$set": bson.M{
		"status":     model.RunRunning,
		"started_at": at.UTC(),
	}}
	result, err := s.runs.UpdateOne(ctxTimeout,
		bson.M{"_id": id, "status": model.RunPending}, update)
	if err != nil {
		return wrap("mark run running", err)
	}
	if result.MatchedCount == 0 {
		// Already past pending: keep the first transition. Only a missing
		// document is an error.
		return s.checkRunExists(ctxTimeout, id)
	}
	return nil
}

func (s *Store) CompleteRun(ctx context.Context, id string, status model.RunStatus, result map[string]any, errMsg string, at time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("store/mongo: %q is not a terminal run status", status)
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	set := bson.M{
		"status":       status,
		"completed_at": at.UTC(),
	}
	if result != nil {
		set["result"] = result
	}
	if errMsg != "" {
		set["error_message"] = errMsg
	}

	// The terminal state is written exactly once; later writes are no-ops.
	res, err := s.runs.UpdateOne(ctxTimeout,
		bson.M{"_id": id, "status": bson.M{"$in": []model.RunStatus{model.RunPending, model.RunRunning}}},
		bson.M{"$set": set})
	if err != nil {
		return wrap("complete run", err)
	}
	if res.MatchedCount == 0 {
		return s.checkRunExists(ctxTimeout, id)
	}
	return nil
}

func (s *Store) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// In-flight runs are never pruned, however old their document is.
	res, err := s.runs.DeleteMany(ctxTimeout, bson.M{
		"created_at": bson.M{"$lt": cutoff.UTC()},
		"status":     bson.M{"$ne": model.RunRunning},
	})
	if err != nil {
		return 0, wrap("delete runs before", err)
	}
	return int(res.DeletedCount), nil
}

func (s *Store) checkRunExists(ctx context.Context, id string) error {
	err := s.runs.FindOne(ctx, bson.M{"_id": id},
		options.FindOne().SetProjection(bson.M{"_id": 1})).Err()
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return store.ErrNotFound
		}
		return wrap("check run exists", err)
	}
	return nil
}
