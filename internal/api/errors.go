package api

import (
	"errors"
	"net/http"

	"dpsim-api/internal/infrastructure"
	"dpsim-api/internal/orchestrator"
)

type errorResponse struct {
	Err          string `json:"err"`
	Stage        string `json:"stage,omitempty"`
	SimulationID uint64 `json:"simulation_id,omitempty"`
}

func newErrorResponse(err error) errorResponse {
	body := errorResponse{Err: err.Error(), Stage: string(orchestrator.StageOf(err))}

	var subErr *orchestrator.SubmissionError
	var retErr *orchestrator.RetrievalError
	switch {
	case errors.As(err, &subErr):
		body.SimulationID = subErr.SimulationID
	case errors.As(err, &retErr):
		body.SimulationID = retErr.SimulationID
	}

	return body
}

func submissionStatus(err error) int {
	switch orchestrator.StageOf(err) {
	case orchestrator.StageValidation:
		return http.StatusNotAcceptable
	case orchestrator.StageIDAllocation, orchestrator.StageDispatch:
		return http.StatusBadGateway
	case orchestrator.StageModelResolution, orchestrator.StageProfileResolution, orchestrator.StageResultsSlot:
		if unauthorized(err) {
			return http.StatusUnauthorized
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func retrievalStatus(err error) int {
	switch orchestrator.StageOf(err) {
	case orchestrator.StageNotFound:
		return http.StatusNotFound
	case orchestrator.StageCorrupt:
		return http.StatusUnprocessableEntity
	case orchestrator.StageResultsResolution:
		return http.StatusUnauthorized
	case orchestrator.StageResultsFetch:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func unauthorized(err error) bool {
	var resErr *infrastructure.ResolutionError
	return errors.As(err, &resErr) && resErr.Unauthorized()
}
