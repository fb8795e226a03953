package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"dpsim-api/internal/domain"
)

var (
	ErrNotFound = errors.New("simulation not found")
	ErrCorrupt  = errors.New("simulation record is corrupt")
)

// IDAllocator hands out simulation ids. Ids come from the same sequence that
// SimulationRepository.Count reports.
type IDAllocator interface {
	Allocate(ctx context.Context) (uint64, error)
}

// SimulationRepository is the durable home of simulation records.
type SimulationRepository interface {
	Put(ctx context.Context, sim *domain.Simulation) error
	Get(ctx context.Context, id uint64) (*domain.Simulation, error)
	Count(ctx context.Context) (uint64, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// Store is what every backend provides.
type Store interface {
	IDAllocator
	SimulationRepository
}

type AllocationError struct {
	Err error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("failed to allocate simulation id: %v", e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }

type StoreErrorKind int

const (
	KindIO StoreErrorKind = iota
	KindNotFound
	KindCorrupt
)

func (k StoreErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindCorrupt:
		return "corrupt"
	default:
		return "io"
	}
}

type StoreError struct {
	Op   string
	ID   uint64
	Kind StoreErrorKind
	Err  error
}

func (e *StoreError) Error() string {
	switch e.Kind {
	case KindNotFound:
		return fmt.Sprintf("%s simulation %d: not found", e.Op, e.ID)
	case KindCorrupt:
		return fmt.Sprintf("%s simulation %d: corrupt record: %v", e.Op, e.ID, e.Err)
	}
	if e.ID == 0 {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s simulation %d: %v", e.Op, e.ID, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrCorrupt:
		return e.Kind == KindCorrupt
	}
	return false
}

func notFound(op string, id uint64) error {
	return &StoreError{Op: op, ID: id, Kind: KindNotFound}
}

func corrupt(op string, id uint64, err error) error {
	return &StoreError{Op: op, ID: id, Kind: KindCorrupt, Err: err}
}

func ioFailure(op string, id uint64, err error) error {
	return &StoreError{Op: op, ID: id, Kind: KindIO, Err: err}
}

// Key is the storage key of a record.
func Key(id uint64) string {
	return strconv.FormatUint(id, 10)
}

// persisted returns the copy of sim that goes to storage: results data is
// never stored.
func persisted(sim *domain.Simulation) domain.Simulation {
	out := *sim
	out.ResultsData = ""
	return out
}
