package mongo

import (
	"context"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EnsureIndexes creates all necessary indexes for the collections
func (s *Store) EnsureIndexes(ctx context.Context) error {
	slog.Info("Creating MongoDB indexes")

	if err := s.createScheduleIndexes(ctx); err != nil {
		return wrap("create schedule indexes", err)
	}
	if err := s.createRunIndexes(ctx); err != nil {
		return wrap("create run indexes", err)
	}
	if err := s.createDispatchIndexes(ctx); err != nil {
		return wrap("create dispatch indexes", err)
	}

	slog.Info("Successfully created all MongoDB indexes")
	return nil
}

func (s *Store) createScheduleIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "created_at", Value: -1}},
			Options: options.Index().SetName("idx_created_at"),
		},
		{
			Keys: bson.D{
				{Key: "enabled", Value: 1},
				{Key: "created_at", Value: -1},
			},
			Options: options.Index().SetName("idx_enabled_created_at"),
		},
		{
			Keys:    bson.D{{Key: "task_type", Value: 1}},
			Options: options.Index().SetName("idx_task_type"),
		},
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := s.schedules.Indexes().CreateMany(ctxTimeout, indexes)
	return err
}

func (s *Store) createRunIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "schedule_id", Value: 1},
				{Key: "created_at", Value: -1},
			},
			Options: options.Index().SetName("idx_schedule_id_created_at"),
		},
		{
			Keys:    bson.D{{Key: "created_at", Value: -1}},
			Options: options.Index().SetName("idx_created_at"),
		},
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "created_at", Value: -1},
			},
			Options: options.Index().SetName("idx_status_created_at"),
		},
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := s.runs.Indexes().CreateMany(ctxTimeout, indexes)
	return err
}

func (s *Store) createDispatchIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "run_at", Value: 1},
			},
			Options: options.Index().SetName("idx_status_run_at"),
		},
		{
			Keys: bson.D{
				{Key: "schedule_id", Value: 1},
				{Key: "status", Value: 1},
			},
			Options: options.Index().SetName("idx_schedule_id_status"),
		},
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := s.dispatches.Indexes().CreateMany(ctxTimeout, indexes)
	return err
}
