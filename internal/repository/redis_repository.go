package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dpsim-api/internal/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type redisRepository struct {
	client     redis.UniversalClient
	counterKey string
	logger     *zap.Logger
}

// NewRedisRepository keeps records as JSON strings under their decimal id and
// the id sequence under counterKey.
func NewRedisRepository(client redis.UniversalClient, counterKey string, logger *zap.Logger) Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &redisRepository{
		client:     client,
		counterKey: counterKey,
		logger:     logger,
	}
}

// NewRedisClient opens and pings a client.
func NewRedisClient(ctx context.Context, url, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         url,
		Password:     password,
		DB:           db,
		PoolSize:     20,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

func (repo *redisRepository) Allocate(ctx context.Context) (uint64, error) {
	id, err := repo.client.Incr(ctx, repo.counterKey).Uint64()
	if err != nil {
		return 0, &AllocationError{Err: err}
	}
	return id, nil
}

func (repo *redisRepository) Put(ctx context.Context, sim *domain.Simulation) error {
	data, err := json.Marshal(persisted(sim))
	if err != nil {
		return ioFailure("put", sim.SimulationID, fmt.Errorf("failed to encode record: %w", err))
	}

	if err := repo.client.Set(ctx, Key(sim.SimulationID), data, 0).Err(); err != nil {
		return ioFailure("put", sim.SimulationID, err)
	}

	repo.logger.Debug("simulation stored", zap.Uint64("simulation_id", sim.SimulationID))
	return nil
}

func (repo *redisRepository) Get(ctx context.Context, id uint64) (*domain.Simulation, error) {
	data, err := repo.client.Get(ctx, Key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound("get", id)
	}
	if err != nil {
		return nil, ioFailure("get", id, err)
	}

	var sim domain.Simulation
	if err := json.Unmarshal(data, &sim); err != nil {
		return nil, corrupt("get", id, err)
	}

	return &sim, nil
}

func (repo *redisRepository) Count(ctx context.Context) (uint64, error) {
	count, err := repo.client.Get(ctx, repo.counterKey).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, ioFailure("count", 0, err)
	}
	return count, nil
}

func (repo *redisRepository) HealthCheck(ctx context.Context) error {
	if err := repo.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("Redis ping failed: %w", err)
	}
	return nil
}

func (repo *redisRepository) Close() error {
	return repo.client.Close()
}
