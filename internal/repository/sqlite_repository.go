package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"dpsim-api/internal/domain"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

type sqliteRepository struct {
	db         *sql.DB
	counterKey string
	logger     *zap.Logger
}

// NewSQLiteRepository opens (and migrates) an embedded store at dbPath.
// ":memory:" keeps everything in process.
func NewSQLiteRepository(dbPath, counterKey string, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dsn := dbPath
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		dsn = dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time; a single connection also
	// keeps an in-memory database alive for the lifetime of the pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	repo := &sqliteRepository{db: db, counterKey: counterKey, logger: logger}
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return repo, nil
}

func (repo *sqliteRepository) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS simulations (
		id TEXT PRIMARY KEY,
		body TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS counters (
		name TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);
	`
	_, err := repo.db.Exec(schema)
	return err
}

func (repo *sqliteRepository) Allocate(ctx context.Context) (uint64, error) {
	var id uint64
	err := repo.db.QueryRowContext(ctx, `
		INSERT INTO counters (name, value) VALUES (?, 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1
		RETURNING value`, repo.counterKey).Scan(&id)
	if err != nil {
		return 0, &AllocationError{Err: err}
	}
	return id, nil
}

func (repo *sqliteRepository) Put(ctx context.Context, sim *domain.Simulation) error {
	body, err := json.Marshal(persisted(sim))
	if err != nil {
		return ioFailure("put", sim.SimulationID, fmt.Errorf("failed to encode record: %w", err))
	}

	_, err = repo.db.ExecContext(ctx, `
		INSERT INTO simulations (id, body) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET body = excluded.body`,
		Key(sim.SimulationID), string(body))
	if err != nil {
		return ioFailure("put", sim.SimulationID, err)
	}

	repo.logger.Debug("simulation stored", zap.Uint64("simulation_id", sim.SimulationID))
	return nil
}

func (repo *sqliteRepository) Get(ctx context.Context, id uint64) (*domain.Simulation, error) {
	var body string
	err := repo.db.QueryRowContext(ctx, `SELECT body FROM simulations WHERE id = ?`, Key(id)).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("get", id)
	}
	if err != nil {
		return nil, ioFailure("get", id, err)
	}

	var sim domain.Simulation
	if err := json.Unmarshal([]byte(body), &sim); err != nil {
		return nil, corrupt("get", id, err)
	}

	return &sim, nil
}

func (repo *sqliteRepository) Count(ctx context.Context) (uint64, error) {
	var count uint64
	err := repo.db.QueryRowContext(ctx, `SELECT value FROM counters WHERE name = ?`, repo.counterKey).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, ioFailure("count", 0, err)
	}
	return count, nil
}

func (repo *sqliteRepository) HealthCheck(ctx context.Context) error {
	return repo.db.PingContext(ctx)
}

func (repo *sqliteRepository) Close() error {
	return repo.db.Close()
}
