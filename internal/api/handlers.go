package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"dpsim-api/internal/domain"
	"dpsim-api/internal/orchestrator"

	"github.com/gorilla/mux"
)

const maxFormMemory = 1 << 20

type simulationList struct {
	Simulations []domain.SimulationSummary `json:"simulations"`
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/api", http.StatusSeeOther)
}

// apiDocs lists every registered route as "METHOD path".
func (s *Server) apiDocs(w http.ResponseWriter, r *http.Request) {
	var lines []string
	err := s.router.Walk(func(route *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		tpl, err := route.GetPathTemplate()
		if err != nil {
			return nil
		}
		methods, err := route.GetMethods()
		if err != nil {
			return nil
		}
		for _, method := range methods {
			lines = append(lines, method+" "+tpl)
		}
		return nil
	})
	if err != nil {
		s.respondWithError(w, http.StatusInternalServerError, errorResponse{Err: err.Error()})
		return
	}

	sort.Strings(lines)
	s.respondWithText(w, http.StatusOK, strings.Join(lines, "\n")+"\n")
}

func (s *Server) createSimulation(w http.ResponseWriter, r *http.Request) {
	form, err := decodeForm(r)
	if err != nil {
		s.respondWithError(w, http.StatusNotAcceptable, errorResponse{
			Err:   err.Error(),
			Stage: string(orchestrator.StageValidation),
		})
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	sim, err := s.submissions.Submit(ctx, form)
	if err != nil {
		s.respondWithError(w, submissionStatus(err), newErrorResponse(err))
		return
	}

	s.respondWithJSON(w, http.StatusAccepted, sim)
}

func (s *Server) getSimulation(w http.ResponseWriter, r *http.Request) {
	id, ok := s.simulationID(w, r)
	if !ok {
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	sim, err := s.retrievals.GetByID(ctx, id)
	if err != nil {
		s.respondWithError(w, retrievalStatus(err), newErrorResponse(err))
		return
	}

	s.respondWithJSON(w, http.StatusOK, sim)
}

func (s *Server) getResults(w http.ResponseWriter, r *http.Request) {
	id, ok := s.simulationID(w, r)
	if !ok {
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	sim, err := s.retrievals.GetByID(ctx, id)
	if err != nil {
		s.respondWithError(w, retrievalStatus(err), newErrorResponse(err))
		return
	}

	s.respondWithText(w, http.StatusOK, sim.ResultsData)
}

func (s *Server) listSimulations(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	summaries, err := s.retrievals.ListAll(ctx)
	if err != nil {
		s.respondWithError(w, http.StatusUnprocessableEntity, newErrorResponse(err))
		return
	}
	if summaries == nil {
		summaries = []domain.SimulationSummary{}
	}

	s.respondWithJSON(w, http.StatusOK, simulationList{Simulations: summaries})
}

func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	s.respondWithError(w, http.StatusNotFound, errorResponse{Err: "endpoint not found"})
}

func (s *Server) methodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	s.respondWithError(w, http.StatusMethodNotAllowed, errorResponse{
		Err: fmt.Sprintf("method %s not allowed on %s", r.Method, r.URL.Path),
	})
}

// simulationID parses the path id. The route only matches digits, so the
// remaining failure is an id outside the uint64 range, which cannot exist.
func (s *Server) simulationID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		s.respondWithError(w, http.StatusNotFound, errorResponse{
			Err:   fmt.Sprintf("simulation %s not found", raw),
			Stage: string(orchestrator.StageNotFound),
		})
		return 0, false
	}
	return id, true
}

// decodeForm reads a SimulationForm from a JSON, urlencoded or multipart body.
// Omitted fields keep their defaults.
func decodeForm(r *http.Request) (domain.SimulationForm, error) {
	form := domain.NewSimulationForm()

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		mediaType = "application/json"
	}

	switch mediaType {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if err := r.ParseMultipartForm(maxFormMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			return form, fmt.Errorf("invalid form body: %w", err)
		}
		return form, applyFormValues(&form, r)
	default:
		dec := json.NewDecoder(io.LimitReader(r.Body, maxFormMemory))
		if err := dec.Decode(&form); err != nil {
			return form, fmt.Errorf("invalid request body: %w", err)
		}
		return form, nil
	}
}

func applyFormValues(form *domain.SimulationForm, r *http.Request) error {
	if v := r.FormValue("simulation_type"); v != "" {
		form.SimulationType = domain.SimulationType(v)
	}
	if v := r.FormValue("model_id"); v != "" {
		form.ModelID = v
	}
	if v := r.FormValue("load_profile_id"); v != "" {
		form.LoadProfileID = v
	}
	if v := r.FormValue("domain"); v != "" {
		form.Domain = domain.Domain(v)
	}
	if v := r.FormValue("solver"); v != "" {
		form.Solver = domain.Solver(v)
	}

	for field, dst := range map[string]*float64{
		"timestep":  &form.Timestep,
		"finaltime": &form.FinalTime,
	} {
		v := r.FormValue(field)
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", field, v, err)
		}
		*dst = f
	}

	return nil
}
