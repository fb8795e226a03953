package orchestrator

import (
	"errors"
	"fmt"

	"dpsim-api/internal/repository"
)

// Stage names the step of an orchestrated operation that failed. It is the
// classification the transport layer maps to a status code.
type Stage string

const (
	StageValidation        Stage = "validation"
	StageIDAllocation      Stage = "id_allocation"
	StageResultsSlot       Stage = "results_slot_provisioning"
	StagePersistence       Stage = "persistence"
	StageModelResolution   Stage = "model_resolution"
	StageProfileResolution Stage = "profile_resolution"
	StageDispatch          Stage = "dispatch"

	StageNotFound          Stage = "not_found"
	StageCorrupt           Stage = "corrupt"
	StageStorage           Stage = "storage"
	StageResultsResolution Stage = "results_resolution"
	StageResultsFetch      Stage = "results_fetch"
	StageResultsDecode     Stage = "results_decode"
)

// SubmissionError reports the first failing step of a submission. Everything
// before that step has already taken effect.
type SubmissionError struct {
	Stage        Stage
	SimulationID uint64
	ResultsID    string
	Err          error
}

func (e *SubmissionError) Error() string {
	if e.SimulationID == 0 {
		return fmt.Sprintf("submission failed at %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("submission of simulation %d failed at %s: %v", e.SimulationID, e.Stage, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

type RetrievalError struct {
	Stage        Stage
	SimulationID uint64
	Err          error
}

func (e *RetrievalError) Error() string {
	if e.SimulationID == 0 {
		return fmt.Sprintf("retrieval failed at %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("retrieval of simulation %d failed at %s: %v", e.SimulationID, e.Stage, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// StageOf returns the stage of a SubmissionError or RetrievalError in err's
// chain, or "" when there is none.
func StageOf(err error) Stage {
	var subErr *SubmissionError
	if errors.As(err, &subErr) {
		return subErr.Stage
	}
	var retErr *RetrievalError
	if errors.As(err, &retErr) {
		return retErr.Stage
	}
	return ""
}

func storeStage(err error) Stage {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return StageNotFound
	case errors.Is(err, repository.ErrCorrupt):
		return StageCorrupt
	default:
		return StageStorage
	}
}
