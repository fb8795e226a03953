// Package testutil provides in-memory stand-ins for the record store, the
// content registry and the dispatcher, shared by the orchestrator and api
// tests. Every fake appends to a shared call log so tests can assert ordering.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"dpsim-api/internal/domain"
	"dpsim-api/internal/infrastructure"
	"dpsim-api/internal/messaging"
	"dpsim-api/internal/repository"
)

type CallLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *CallLog) Add(format string, args ...any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
}

func (l *CallLog) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// Store is an in-memory repository.Store. Records are kept as JSON so that
// Raw can plant undecodable bytes.
type Store struct {
	Log *CallLog

	AllocErr error
	PutErr   error
	CountErr error
	GetErr   map[uint64]error

	mu      sync.Mutex
	counter uint64
	records map[uint64][]byte
}

var _ repository.Store = (*Store)(nil)

func NewStore(log *CallLog) *Store {
	return &Store{Log: log, records: make(map[uint64][]byte), GetErr: make(map[uint64]error)}
}

func (s *Store) Allocate(ctx context.Context) (uint64, error) {
	s.Log.Add("allocate")
	if s.AllocErr != nil {
		return 0, &repository.AllocationError{Err: s.AllocErr}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter++
	return s.counter, nil
}

func (s *Store) Put(ctx context.Context, sim *domain.Simulation) error {
	s.Log.Add("put %d", sim.SimulationID)
	if s.PutErr != nil {
		return &repository.StoreError{Op: "put", ID: sim.SimulationID, Kind: repository.KindIO, Err: s.PutErr}
	}
	stored := *sim
	stored.ResultsData = ""
	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[sim.SimulationID] = data
	return nil
}

func (s *Store) Get(ctx context.Context, id uint64) (*domain.Simulation, error) {
	s.Log.Add("get %d", id)
	if err := s.GetErr[id]; err != nil {
		return nil, &repository.StoreError{Op: "get", ID: id, Kind: repository.KindIO, Err: err}
	}
	s.mu.Lock()
	data, ok := s.records[id]
	s.mu.Unlock()
	if !ok {
		return nil, &repository.StoreError{Op: "get", ID: id, Kind: repository.KindNotFound}
	}
	var sim domain.Simulation
	if err := json.Unmarshal(data, &sim); err != nil {
		return nil, &repository.StoreError{Op: "get", ID: id, Kind: repository.KindCorrupt, Err: err}
	}
	return &sim, nil
}

func (s *Store) Count(ctx context.Context) (uint64, error) {
	s.Log.Add("count")
	if s.CountErr != nil {
		return 0, &repository.StoreError{Op: "count", Kind: repository.KindIO, Err: s.CountErr}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter, nil
}

// Seed stores sim directly and advances the counter to cover its id.
func (s *Store) Seed(sim domain.Simulation) {
	data, _ := json.Marshal(sim)
	s.Raw(sim.SimulationID, data)
}

// Raw stores arbitrary bytes under id and advances the counter to cover it.
func (s *Store) Raw(id uint64, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = data
	if id > s.counter {
		s.counter = id
	}
}

func (s *Store) HealthCheck(ctx context.Context) error { return nil }
func (s *Store) Close() error                          { return nil }

// Resolver is an in-memory infrastructure.ContentResolver. Unknown references
// resolve to BaseURL + "/" + ref; unknown URLs fetch as empty payloads.
type Resolver struct {
	Log     *CallLog
	BaseURL string

	NextSlot     string
	ProvisionErr error
	ResolveErr   map[string]error
	Payloads     map[string][]byte
	FetchErr     map[string]error
}

var _ infrastructure.ContentResolver = (*Resolver)(nil)

func NewResolver(log *CallLog) *Resolver {
	return &Resolver{
		Log:        log,
		BaseURL:    "http://files.test",
		NextSlot:   "100",
		ResolveErr: make(map[string]error),
		Payloads:   make(map[string][]byte),
		FetchErr:   make(map[string]error),
	}
}

func (r *Resolver) URL(ref string) string {
	return r.BaseURL + "/" + ref
}

func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	if domain.IsNoContent(ref) {
		return "", nil
	}
	r.Log.Add("resolve %s", ref)
	if err := r.ResolveErr[ref]; err != nil {
		return "", err
	}
	return r.URL(ref), nil
}

func (r *Resolver) ProvisionSlot(ctx context.Context) (string, error) {
	r.Log.Add("provision")
	if r.ProvisionErr != nil {
		return "", r.ProvisionErr
	}
	return r.NextSlot, nil
}

func (r *Resolver) Fetch(ctx context.Context, url string) ([]byte, error) {
	r.Log.Add("fetch %s", url)
	if err := r.FetchErr[url]; err != nil {
		return nil, err
	}
	return r.Payloads[url], nil
}

// Dispatcher records the work orders it is given.
type Dispatcher struct {
	Log *CallLog
	Err error

	mu     sync.Mutex
	Orders []domain.WorkOrder
}

var _ messaging.Dispatcher = (*Dispatcher)(nil)

func (d *Dispatcher) Dispatch(ctx context.Context, order domain.WorkOrder) error {
	d.Log.Add("dispatch %s", order.Parameters.ResultsFile)
	if d.Err != nil {
		return d.Err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Orders = append(d.Orders, order)
	return nil
}

func (d *Dispatcher) HealthCheck(ctx context.Context) error { return nil }
func (d *Dispatcher) Close() error                          { return nil }
