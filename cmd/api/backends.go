package main

import (
	"context"
	"fmt"
	"time"

	"dpsim-api/internal/config"
	"dpsim-api/internal/messaging"
	"dpsim-api/internal/repository"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	r "gopkg.in/rethinkdb/rethinkdb-go.v6"
)

const maxConnectAttempts = 10

// withRetry retries connect with a linearly growing pause.
func withRetry[T any](ctx context.Context, logger *zap.Logger, name string, connect func(context.Context) (T, error)) (T, error) {
	var (
		result T
		err    error
	)

	for i := 1; i <= maxConnectAttempts; i++ {
		logger.Info("Connecting", zap.String("backend", name), zap.Int("attempt", i), zap.Int("max_attempts", maxConnectAttempts))

		result, err = connect(ctx)
		if err == nil {
			logger.Info("✓ Connected", zap.String("backend", name))
			return result, nil
		}

		if i < maxConnectAttempts {
			wait := time.Duration(i) * 2 * time.Second
			logger.Warn("Connection failed, retrying",
				zap.String("backend", name),
				zap.Error(err),
				zap.Duration("retry_in", wait))

			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(wait):
			}
		}
	}

	return result, fmt.Errorf("failed to connect to %s after %d attempts: %w", name, maxConnectAttempts, err)
}

func openBackends(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backends, error) {
	b := &backends{}

	var redisClient *redis.Client
	connectRedis := func() (*redis.Client, error) {
		if redisClient != nil {
			return redisClient, nil
		}
		client, err := withRetry(ctx, logger, "redis", func(ctx context.Context) (*redis.Client, error) {
			return repository.NewRedisClient(ctx, cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB)
		})
		if err != nil {
			return nil, err
		}
		redisClient = client
		return client, nil
	}

	switch cfg.StoreBackend {
	case config.StoreRedis:
		client, err := connectRedis()
		if err != nil {
			return nil, err
		}
		b.store = repository.NewRedisRepository(client, cfg.CounterKey, logger)

	case config.StoreRethinkDB:
		session, err := withRetry(ctx, logger, "rethinkdb", func(ctx context.Context) (*r.Session, error) {
			return repository.ConnectRethinkDB(ctx, cfg.RethinkDBURL, cfg.DBName)
		})
		if err != nil {
			return nil, err
		}

		setupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = repository.SetupDatabase(setupCtx, session, cfg.DBName, cfg.TableName, cfg.CounterTable)
		cancel()
		if err != nil {
			session.Close()
			return nil, fmt.Errorf("failed to setup database: %w", err)
		}
		logger.Info("✓ Database setup completed", zap.String("db", cfg.DBName))

		b.store = repository.NewRethinkDBRepository(session, cfg.TableName, cfg.CounterTable, cfg.CounterKey, logger)

	case config.StoreSQLite:
		store, err := repository.NewSQLiteRepository(cfg.SQLitePath, cfg.CounterKey, logger)
		if err != nil {
			return nil, err
		}
		b.store = store
	}

	switch cfg.DispatchBackend {
	case config.DispatchAMQP:
		b.dispatcher = messaging.NewAMQPDispatcher(cfg.AMQPAddr, cfg.AMQPQueue, cfg.AMQPConfirm, logger)

	case config.DispatchRedis:
		shared := redisClient != nil
		client, err := connectRedis()
		if err != nil {
			b.Close(logger)
			return nil, err
		}
		if !shared {
			b.closers = append(b.closers, client.Close)
		}
		b.dispatcher = messaging.NewRedisStreamDispatcher(client, cfg.StreamName, cfg.ConsumerGroup, logger)

	case config.DispatchNATS:
		b.dispatcher = messaging.NewNATSDispatcher(cfg.NATSURL, cfg.NATSStream, cfg.NATSSubject, logger)
	}

	return b, nil
}
