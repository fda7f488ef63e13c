// Package mongo implements the store on MongoDB. All claim operations use
// FindOneAndUpdate so multiple dispatcher instances can share one database.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/qdeck/warden/internal/store"
)

// Collection names
const (
	CollectionSchedules    = "schedules"
	CollectionScheduleRuns = "schedule_runs"
	CollectionDispatches   = "dispatches"
)

type Store struct {
	client     *mongo.Client
	database   *mongo.Database
	schedules  *mongo.Collection
	runs       *mongo.Collection
	dispatches *mongo.Collection
}

var _ store.Store = (*Store)(nil)

// Connect establishes a connection to MongoDB with proper configuration
func Connect(ctx context.Context, uri, database string, timeout time.Duration) (*Store, error) {
	slog.Info("Connecting to MongoDB", "database", database)

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(100).
		SetMinPoolSize(10).
		SetMaxConnIdleTime(30 * time.Second).
		SetConnectTimeout(10 * time.Second).
		SetSocketTimeout(30 * time.Second).
		SetServerSelectionTimeout(10 * time.Second).
		SetRetryWrites(true).
		SetRetryReads(true).
		SetCompressors([]string{"snappy"})

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("store/mongo: connect: %w", err)
	}

	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("store/mongo: ping: %w: %w", store.ErrUnavailable, err)
	}

	db := client.Database(database)

	slog.Info("Successfully connected to MongoDB")

	return &Store{
		client:     client,
		database:   db,
		schedules:  db.Collection(CollectionSchedules),
		runs:       db.Collection(CollectionScheduleRuns),
		dispatches: db.Collection(CollectionDispatches),
	}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.client.Ping(ctxTimeout, nil); err != nil {
		return fmt.Errorf("store/mongo: ping: %w: %w", store.ErrUnavailable, err)
	}
	return nil
}

// Close disconnects from MongoDB
func (s *Store) Close(ctx context.Context) error {
	slog.Info("Disconnecting from MongoDB")

	disconnectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.client.Disconnect(disconnectCtx); err != nil {
		return fmt.Errorf("store/mongo: disconnect: %w", err)
	}
	return nil
}

func wrap(op string, err error) error {
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("store/mongo: %s: %w: %w", op, store.ErrUnavailable, err)
	}
	return fmt.Errorf("store/mongo: %s: %w", op, err)
}
