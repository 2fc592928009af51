package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/lllypuk/evstore/internal/application/appcore"
	"github.com/lllypuk/evstore/internal/config"
	"github.com/lllypuk/evstore/internal/infrastructure/checkpoint"
	"github.com/lllypuk/evstore/internal/infrastructure/eventstore"
	mongodbinfra "github.com/lllypuk/evstore/internal/infrastructure/mongodb"
)

const mongoDisconnectTimeout = 10 * time.Second

// Storage is an opened backend: the event store and the forwarder checkpoints
// living next to it.
type Storage struct {
	Backend     string
	Store       appcore.EventStore
	Checkpoints appcore.CheckpointStore

	mongo  *mongo.Client
	sqlite *sql.DB
}

// OpenStorage connects the backend selected by cfg.Storage.Backend and prepares its schema.
func OpenStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Storage, error) {
	switch cfg.Storage.Backend {
	case config.BackendMongoDB:
		return openMongo(ctx, cfg, logger)
	case config.BackendSQLite:
		return openSQLite(ctx, cfg, logger)
	case config.BackendMemory:
		logger.WarnContext(ctx, "using in-memory storage, events are lost on restart")
		return &Storage{
			Backend:     config.BackendMemory,
			Store:       eventstore.NewInMemoryEventStore(eventstore.WithLogger(logger)),
			Checkpoints: checkpoint.NewInMemoryStore(),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidBackend, cfg.Storage.Backend)
	}
}

func openMongo(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Storage, error) {
	clientOpts := options.Client().
		ApplyURI(cfg.MongoDB.URI).
		SetMaxPoolSize(cfg.MongoDB.MaxPoolSize)

	client, err := mongo.Connect(clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.MongoDB.Timeout)
	defer cancel()

	if err = client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	store := eventstore.NewMongoEventStore(client, cfg.MongoDB.Database, eventstore.WithLogger(logger))
	if err = store.EnsureSchema(pingCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to prepare mongodb schema: %w", err)
	}

	logger.InfoContext(ctx, "connected to MongoDB", slog.String("database", cfg.MongoDB.Database))

	checkpoints := checkpoint.NewMongoStore(
		client.Database(cfg.MongoDB.Database).Collection(mongodbinfra.CollectionCheckpoints),
		checkpoint.WithLogger(logger),
	)

	return &Storage{
		Backend:     config.BackendMongoDB,
		Store:       store,
		Checkpoints: checkpoints,
		mongo:       client,
	}, nil
}

func openSQLite(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Storage, error) {
	db, err := eventstore.OpenSQLite(ctx, cfg.SQLite.Path, cfg.SQLite.BusyTimeout)
	if err != nil {
		return nil, err
	}

	store, err := eventstore.NewSQLiteEventStore(ctx, db, eventstore.WithLogger(logger))
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	checkpoints, err := checkpoint.NewSQLiteStore(ctx, db, checkpoint.WithLogger(logger))
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.InfoContext(ctx, "opened SQLite database", slog.String("path", cfg.SQLite.Path))

	return &Storage{
		Backend:     config.BackendSQLite,
		Store:       store,
		Checkpoints: checkpoints,
		sqlite:      db,
	}, nil
}

// Ping checks the backend connectivity.
func (s *Storage) Ping(ctx context.Context) error {
	return s.Store.Ping(ctx)
}

// Close releases the backend connection.
func (s *Storage) Close() error {
	var errs []error

	if s.mongo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mongoDisconnectTimeout)
		defer cancel()
		if err := s.mongo.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("mongodb disconnect: %w", err))
		}
	}
	if s.sqlite != nil {
		if err := s.sqlite.Close(); err != nil {
			errs = append(errs, fmt.Errorf("sqlite close: %w", err))
		}
	}

	return errors.Join(errs...)
}
