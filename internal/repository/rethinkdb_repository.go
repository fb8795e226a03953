package repository

import (
	"context"
	"fmt"
	"slices"
	"time"

	"dpsim-api/internal/domain"

	"go.uber.org/zap"
	r "gopkg.in/rethinkdb/rethinkdb-go.v6"
)

type rethinkDBRepository struct {
	session      r.QueryExecutor
	table        string
	counterTable string
	counterKey   string
	logger       *zap.Logger
}

// NewRethinkDBRepository stores records as documents keyed by simulation id.
// The id sequence lives in a single document of counterTable.
func NewRethinkDBRepository(session r.QueryExecutor, table, counterTable, counterKey string, logger *zap.Logger) Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &rethinkDBRepository{
		session:      session,
		table:        table,
		counterTable: counterTable,
		counterKey:   counterKey,
		logger:       logger,
	}
}

func ConnectRethinkDB(ctx context.Context, address, dbName string) (*r.Session, error) {
	session, err := r.Connect(r.ConnectOpts{
		Address:    address,
		Database:   dbName,
		MaxOpen:    20,
		InitialCap: 5,
		Timeout:    10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RethinkDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cursor, err := r.Now().Run(session, r.RunOpts{Context: pingCtx})
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("connection test failed: %w", err)
	}
	cursor.Close()

	return session, nil
}

// SetupDatabase creates the database and both tables when missing.
func SetupDatabase(ctx context.Context, session *r.Session, dbName string, tables ...string) error {
	runOpts := r.RunOpts{Context: ctx}

	cursor, err := r.DBList().Run(session, runOpts)
	if err != nil {
		return fmt.Errorf("failed to list databases: %w", err)
	}
	var dbList []string
	err = cursor.All(&dbList)
	cursor.Close()
	if err != nil {
		return fmt.Errorf("failed to read database list: %w", err)
	}

	if !slices.Contains(dbList, dbName) {
		if _, err := r.DBCreate(dbName).RunWrite(session, runOpts); err != nil {
			return fmt.Errorf("failed to create database: %w", err)
		}
	}

	session.Use(dbName)

	cursor, err = r.TableList().Run(session, runOpts)
	if err != nil {
		return fmt.Errorf("failed to list tables: %w", err)
	}
	var tableList []string
	err = cursor.All(&tableList)
	cursor.Close()
	if err != nil {
		return fmt.Errorf("failed to read table list: %w", err)
	}

	for _, table := range tables {
		if slices.Contains(tableList, table) {
			continue
		}
		if _, err := r.TableCreate(table).RunWrite(session, runOpts); err != nil {
			return fmt.Errorf("failed to create table %s: %w", table, err)
		}
	}

	return nil
}

// incrementCounter bumps the counter document, creating it at 1. Replace on a
// single document is atomic, so concurrent callers each observe a distinct
// value.
func incrementCounter(counterTable, counterKey string) r.Term {
	return r.Table(counterTable).Get(counterKey).Replace(func(row r.Term) interface{} {
		return r.Branch(row.Eq(nil),
			map[string]interface{}{"id": counterKey, "value": 1},
			row.Merge(map[string]interface{}{"value": row.Field("value").Add(1)}),
		)
	}, r.ReplaceOpts{ReturnChanges: true})
}

func counterValue(counterTable, counterKey string) r.Term {
	return r.Table(counterTable).Get(counterKey).Field("value").Default(0)
}

func upsertSimulation(table string, sim *domain.Simulation) r.Term {
	return r.Table(table).Insert(persisted(sim), r.InsertOpts{Conflict: "replace"})
}

func (repo *rethinkDBRepository) Allocate(ctx context.Context) (uint64, error) {
	res, err := incrementCounter(repo.counterTable, repo.counterKey).
		RunWrite(repo.session, r.RunOpts{Context: ctx})
	if err != nil {
		return 0, &AllocationError{Err: err}
	}

	if len(res.Changes) == 0 {
		return 0, &AllocationError{Err: fmt.Errorf("counter %s returned no changes", repo.counterKey)}
	}

	doc, ok := res.Changes[0].NewValue.(map[string]interface{})
	if !ok {
		return 0, &AllocationError{Err: fmt.Errorf("unexpected counter document %T", res.Changes[0].NewValue)}
	}

	value, ok := doc["value"].(float64)
	if !ok || value < 1 {
		return 0, &AllocationError{Err: fmt.Errorf("unexpected counter value %v", doc["value"])}
	}

	return uint64(value), nil
}

func (repo *rethinkDBRepository) Put(ctx context.Context, sim *domain.Simulation) error {
	_, err := upsertSimulation(repo.table, sim).
		RunWrite(repo.session, r.RunOpts{Context: ctx})
	if err != nil {
		return ioFailure("put", sim.SimulationID, err)
	}

	repo.logger.Debug("simulation stored", zap.Uint64("simulation_id", sim.SimulationID))
	return nil
}

func (repo *rethinkDBRepository) Get(ctx context.Context, id uint64) (*domain.Simulation, error) {
	cursor, err := r.Table(repo.table).Get(id).Run(repo.session, r.RunOpts{Context: ctx})
	if err != nil {
		return nil, ioFailure("get", id, err)
	}
	defer cursor.Close()

	if cursor.IsNil() {
		return nil, notFound("get", id)
	}

	var sim domain.Simulation
	if err := cursor.One(&sim); err != nil {
		return nil, corrupt("get", id, err)
	}

	return &sim, nil
}

func (repo *rethinkDBRepository) Count(ctx context.Context) (uint64, error) {
	cursor, err := counterValue(repo.counterTable, repo.counterKey).
		Run(repo.session, r.RunOpts{Context: ctx})
	if err != nil {
		return 0, ioFailure("count", 0, err)
	}
	defer cursor.Close()

	var count uint64
	if err := cursor.One(&count); err != nil {
		return 0, ioFailure("count", 0, err)
	}

	return count, nil
}

func (repo *rethinkDBRepository) HealthCheck(ctx context.Context) error {
	cursor, err := r.Expr(1).Run(repo.session, r.RunOpts{Context: ctx})
	if err != nil {
		return fmt.Errorf("RethinkDB: %w", err)
	}
	return cursor.Close()
}

func (repo *rethinkDBRepository) Close() error {
	if session, ok := repo.session.(*r.Session); ok {
		return session.Close()
	}
	return nil
}
