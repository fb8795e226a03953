package orchestrator

import (
	"context"

	"dpsim-api/internal/domain"
	"dpsim-api/internal/infrastructure"
	"dpsim-api/internal/logging"
	"dpsim-api/internal/messaging"
	"dpsim-api/internal/metrics"
	"dpsim-api/internal/repository"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

type SubmissionOrchestrator struct {
	allocator  repository.IDAllocator
	records    repository.SimulationRepository
	resolver   infrastructure.ContentResolver
	dispatcher messaging.Dispatcher
	profile    domain.ExecutionProfile
	validate   *validator.Validate
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

func NewSubmissionOrchestrator(
	allocator repository.IDAllocator,
	records repository.SimulationRepository,
	resolver infrastructure.ContentResolver,
	dispatcher messaging.Dispatcher,
	profile domain.ExecutionProfile,
	m *metrics.Metrics,
	logger *zap.Logger,
) *SubmissionOrchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubmissionOrchestrator{
		allocator:  allocator,
		records:    records,
		resolver:   resolver,
		dispatcher: dispatcher,
		profile:    profile,
		validate:   validator.New(),
		metrics:    m,
		logger:     logger,
	}
}

// Submit runs the submission steps in order, each consuming the previous
// step's output. There is no rollback: on failure, the id, the results slot
// and the persisted record produced by earlier steps stay behind and are
// reported as orphaned.
func (o *SubmissionOrchestrator) Submit(ctx context.Context, form domain.SimulationForm) (*domain.Simulation, error) {
	logger := logging.FromContext(ctx, o.logger)

	form.ApplyDefaults()
	if err := o.validate.Struct(form); err != nil {
		return nil, o.fail(logger, &SubmissionError{Stage: StageValidation, Err: err})
	}

	id, err := o.allocator.Allocate(ctx)
	if err != nil {
		return nil, o.fail(logger, &SubmissionError{Stage: StageIDAllocation, Err: err})
	}

	resultsID, err := o.resolver.ProvisionSlot(ctx)
	if err != nil {
		return nil, o.fail(logger, &SubmissionError{Stage: StageResultsSlot, SimulationID: id, Err: err})
	}

	sim := domain.NewSimulation(id, resultsID, form)

	if err := o.records.Put(ctx, &sim); err != nil {
		return nil, o.fail(logger, &SubmissionError{Stage: StagePersistence, SimulationID: id, ResultsID: resultsID, Err: err})
	}

	modelURL, err := o.resolver.Resolve(ctx, sim.ModelID)
	if err != nil {
		return nil, o.fail(logger, &SubmissionError{Stage: StageModelResolution, SimulationID: id, ResultsID: resultsID, Err: err})
	}

	profileURL := ""
	if !domain.IsNoContent(sim.LoadProfileID) {
		profileURL, err = o.resolver.Resolve(ctx, sim.LoadProfileID)
		if err != nil {
			return nil, o.fail(logger, &SubmissionError{Stage: StageProfileResolution, SimulationID: id, ResultsID: resultsID, Err: err})
		}
	}

	order := domain.NewWorkOrder(sim, modelURL, profileURL, o.profile)

	if err := o.dispatcher.Dispatch(ctx, order); err != nil {
		return nil, o.fail(logger, &SubmissionError{Stage: StageDispatch, SimulationID: id, ResultsID: resultsID, Err: err})
	}

	o.metrics.Submission("ok")
	logger.Info("simulation submitted",
		zap.Uint64("simulation_id", id),
		zap.String("results_id", resultsID),
		zap.String("model_id", sim.ModelID),
		zap.String("simulation_type", string(sim.SimulationType)))

	return &sim, nil
}

// fail records what the failed submission left behind.
func (o *SubmissionOrchestrator) fail(logger *zap.Logger, err *SubmissionError) error {
	o.metrics.Submission(string(err.Stage))

	fields := []zap.Field{
		zap.String("stage", string(err.Stage)),
		zap.Error(err.Err),
	}

	var orphans []string
	switch err.Stage {
	case StageValidation, StageIDAllocation:
	case StageResultsSlot:
		orphans = []string{"id"}
	case StagePersistence:
		orphans = []string{"id", "results_slot"}
	default:
		orphans = []string{"id", "results_slot", "record"}
	}

	if len(orphans) == 0 {
		logger.Warn("simulation submission rejected", fields...)
		return err
	}

	for _, resource := range orphans {
		o.metrics.Orphaned(resource, string(err.Stage))
	}
	fields = append(fields,
		zap.Uint64("simulation_id", err.SimulationID),
		zap.String("results_id", err.ResultsID),
		zap.Strings("orphaned", orphans))
	logger.Warn("simulation submission failed after partial commit", fields...)

	return err
}
