package orchestrator

import (
	"context"
	"errors"
	"unicode/utf8"

	"dpsim-api/internal/domain"
	"dpsim-api/internal/infrastructure"
	"dpsim-api/internal/logging"
	"dpsim-api/internal/metrics"
	"dpsim-api/internal/repository"

	"go.uber.org/zap"
)

var ErrResultsNotUTF8 = errors.New("results payload is not valid UTF-8")

type RetrievalOrchestrator struct {
	records  repository.SimulationRepository
	resolver infrastructure.ContentResolver
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func NewRetrievalOrchestrator(
	records repository.SimulationRepository,
	resolver infrastructure.ContentResolver,
	m *metrics.Metrics,
	logger *zap.Logger,
) *RetrievalOrchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetrievalOrchestrator{
		records:  records,
		resolver: resolver,
		metrics:  m,
		logger:   logger,
	}
}

// GetByID loads a record and attaches its results. A slot the backend has not
// written to yet yields empty results, not an error; a registry that refuses
// to resolve the slot is a ResultsResolution failure.
func (o *RetrievalOrchestrator) GetByID(ctx context.Context, id uint64) (*domain.Simulation, error) {
	logger := logging.FromContext(ctx, o.logger)

	sim, err := o.records.Get(ctx, id)
	if err != nil {
		return nil, o.fail(logger, "get", &RetrievalError{Stage: storeStage(err), SimulationID: id, Err: err})
	}

	resultsURL, err := o.resolver.Resolve(ctx, sim.ResultsID)
	if err != nil {
		return nil, o.fail(logger, "get", &RetrievalError{Stage: StageResultsResolution, SimulationID: id, Err: err})
	}

	if resultsURL != "" {
		payload, err := o.resolver.Fetch(ctx, resultsURL)
		if err != nil {
			return nil, o.fail(logger, "get", &RetrievalError{Stage: StageResultsFetch, SimulationID: id, Err: err})
		}
		if !utf8.Valid(payload) {
			return nil, o.fail(logger, "get", &RetrievalError{Stage: StageResultsDecode, SimulationID: id, Err: ErrResultsNotUTF8})
		}
		sim.ResultsData = string(payload)
	}

	o.metrics.Retrieval("get", "ok")
	return sim, nil
}

// ListAll enumerates ids 1..Count. The first id that fails to load aborts the
// whole listing; ids spent by failed submissions therefore fail it too.
func (o *RetrievalOrchestrator) ListAll(ctx context.Context) ([]domain.SimulationSummary, error) {
	logger := logging.FromContext(ctx, o.logger)

	count, err := o.records.Count(ctx)
	if err != nil {
		return nil, o.fail(logger, "list", &RetrievalError{Stage: StageStorage, Err: err})
	}

	summaries := make([]domain.SimulationSummary, 0, min(count, 1024))
	for id := uint64(1); id <= count; id++ {
		sim, err := o.records.Get(ctx, id)
		if err != nil {
			return nil, o.fail(logger, "list", &RetrievalError{Stage: storeStage(err), SimulationID: id, Err: err})
		}
		summaries = append(summaries, sim.Summary())
	}

	o.metrics.Retrieval("list", "ok")
	return summaries, nil
}

func (o *RetrievalOrchestrator) fail(logger *zap.Logger, operation string, err *RetrievalError) error {
	o.metrics.Retrieval(operation, string(err.Stage))

	log := logger.Warn
	if err.Stage == StageNotFound {
		log = logger.Debug
	}
	log("simulation retrieval failed",
		zap.String("operation", operation),
		zap.String("stage", string(err.Stage)),
		zap.Uint64("simulation_id", err.SimulationID),
		zap.Error(err.Err))

	return err
}
