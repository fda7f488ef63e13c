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

func (s *Store) CreateSchedule(ctx context.Context, sched *model.Schedule) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.schedules.InsertOne(ctxTimeout, sched)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("store/mongo: schedule %q already exists", sched.ID)
		}
		return wrap("create schedule", err)
	}
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*model.Schedule, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var sched model.Schedule
	err := s.schedules.FindOne(ctxTimeout, bson.M{"_id": id}).Decode(&sched)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, wrap("get schedule", err)
	}
	return &sched, nil
}

func (s *Store) UpdateSchedule(ctx context.Context, sched *model.Schedule) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result, err := s.schedules.ReplaceOne(ctxTimeout, bson.M{"_id": sched.ID}, sched)
	if err != nil {
		return wrap("update schedule", err)
	}
	if result.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// Runs are kept: history outlives the schedule.
	result, err := s.schedules.DeleteOne(ctxTimeout, bson.M{"_id": id})
	if err != nil {
		return wrap("delete schedule", err)
	}
	if result.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListSchedules(ctx context.Context, f store.ScheduleFilter) ([]*model.Schedule, int, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	filter := bson.M{}
	if f.Enabled != nil {
		filter["enabled"] = *f.Enabled
	}
	if f.TaskType != "" {
		filter["task_type"] = f.TaskType
	}

	total, err := s.schedules.CountDocuments(ctxTimeout, filter)
	if err != nil {
		return nil, 0, wrap("count schedules", err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if f.Offset > 0 {
		opts.SetSkip(int64(f.Offset))
	}
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}

	cursor, err := s.schedules.Find(ctxTimeout, filter, opts)
	if err != nil {
		return nil, 0, wrap("list schedules", err)
	}
	defer cursor.Close(ctxTimeout)

	var items []*model.Schedule
	if err := cursor.All(ctxTimeout, &items); err != nil {
		return nil, 0, wrap("decode schedules", err)
	}
	return items, int(total), nil
}

func (s *Store) SetNextRun(ctx context.Context, id string, at *time.Time) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	update := bson.M{"$set": bson.M{
		"next_run_at": at,
		"updated_at":  time.Now().UTC(),
	}}
	result, err := s.schedules.UpdateOne(ctxTimeout, bson.M{"_id": id}, update)
	if err != nil {
		return wrap("set next run", err)
	}
	if result.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SetLastRun(ctx context.Context, id string, at time.Time, status model.RunStatus) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	update := bson.M{"$set": bson.M{
		"last_run_at":     at.UTC(),
		"last_run_status": status,
		"updated_at":      time.Now().UTC(),
	}}
	result, err := s.schedules.UpdateOne(ctxTimeout, bson.M{"_id": id}, update)
	if err != nil {
		return wrap("set last run", err)
	}
	if result.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}
