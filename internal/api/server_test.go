package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"dpsim-api/internal/config"
	"dpsim-api/internal/domain"
	"dpsim-api/internal/infrastructure"
	"dpsim-api/internal/metrics"
	"dpsim-api/internal/orchestrator"
	"dpsim-api/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fixture struct {
	store      *testutil.Store
	resolver   *testutil.Resolver
	dispatcher *testutil.Dispatcher
	handler    http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newLoggedFixture(t, nil)
}

// newLoggedFixture hands logger to the server only; the orchestrators see it
// through the request context.
func newLoggedFixture(t *testing.T, logger *zap.Logger) *fixture {
	t.Helper()
	log := &testutil.CallLog{}
	f := &fixture{
		store:      testutil.NewStore(log),
		resolver:   testutil.NewResolver(log),
		dispatcher: &testutil.Dispatcher{Log: log},
	}
	m := metrics.New()
	submissions := orchestrator.NewSubmissionOrchestrator(f.store, f.store, f.resolver, f.dispatcher, domain.DefaultExecutionProfile(), m, nil)
	retrievals := orchestrator.NewRetrievalOrchestrator(f.store, f.resolver, m, nil)
	cfg := &config.Config{ServerPort: ":0", RequestTimeout: 5 * time.Second}
	f.handler = NewServer(submissions, retrievals, m, cfg, logger).Handler()
	return f
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func postJSON(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/simulation", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

const powerflowJSON = `{"simulation_type":"Powerflow","model_id":"m1","load_profile_id":"None","domain":"SP","solver":"NRP","timestep":1,"finaltime":30}`

func TestCreateSimulation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(postJSON(powerflowJSON))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	assert.JSONEq(t, `{
		"error": "",
		"simulation_id": 1,
		"simulation_type": "Powerflow",
		"domain": "SP",
		"solver": "NRP",
		"timestep": 1,
		"finaltime": 30,
		"model_id": "m1",
		"load_profile_id": "None",
		"results_id": "100",
		"results_data": ""
	}`, rec.Body.String())

	require.Len(t, f.dispatcher.Orders, 1)
	assert.Equal(t, []string{f.resolver.URL("m1")}, f.dispatcher.Orders[0].Model.URL)
}

func TestCreateSimulation_Defaults(t *testing.T) {
	f := newFixture(t)

	rec := f.do(postJSON(`{"simulation_type":"Outage","model_id":"m9"}`))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var sim domain.Simulation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sim))
	assert.Equal(t, domain.DomainSP, sim.Domain)
	assert.Equal(t, domain.SolverNRP, sim.Solver)
	assert.Equal(t, 1.0, sim.Timestep)
	assert.Equal(t, 30.0, sim.FinalTime)
}

func TestCreateSimulation_URLEncoded(t *testing.T) {
	f := newFixture(t)

	values := url.Values{
		"simulation_type": {"Powerflow"},
		"model_id":        {"m1"},
		"load_profile_id": {"lp1"},
		"timestep":        {"0.5"},
		"finaltime":       {"10"},
	}
	req := httptest.NewRequest(http.MethodPost, "/simulation", strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := f.do(req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var sim domain.Simulation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sim))
	assert.Equal(t, 0.5, sim.Timestep)
	assert.Equal(t, 10.0, sim.FinalTime)
	assert.Equal(t, f.resolver.URL("lp1"), f.dispatcher.Orders[0].Parameters.LoadProfileURL)
}

func TestCreateSimulation_Multipart(t *testing.T) {
	f := newFixture(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("simulation_type", "Outage"))
	require.NoError(t, mw.WriteField("model_id", "m3"))
	require.NoError(t, mw.WriteField("domain", "EMT"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/simulation", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	rec := f.do(req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var sim domain.Simulation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sim))
	assert.Equal(t, domain.DomainEMT, sim.Domain)
	assert.Equal(t, "m3", sim.ModelID)
}

func TestCreateSimulation_NotAcceptable(t *testing.T) {
	tests := map[string]*http.Request{
		"malformed json":  postJSON(`{"simulation_type":`),
		"unknown type":    postJSON(`{"simulation_type":"Harmonics","model_id":"m1"}`),
		"missing model":   postJSON(`{"simulation_type":"Powerflow"}`),
		"bad form number": formRequest(url.Values{"simulation_type": {"Powerflow"}, "model_id": {"m1"}, "timestep": {"fast"}}),
	}

	for name, req := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)

			rec := f.do(req)
			assert.Equal(t, http.StatusNotAcceptable, rec.Code)
			body := decodeError(t, rec)
			assert.Equal(t, string(orchestrator.StageValidation), body.Stage)
			assert.NotEmpty(t, body.Err)

			count, err := f.store.Count(context.Background())
			require.NoError(t, err)
			assert.Zero(t, count)
		})
	}
}

func TestCreateSimulation_FinalTimeBelowTimestep(t *testing.T) {
	f := newFixture(t)

	rec := f.do(postJSON(`{"simulation_type":"Outage","model_id":"m1","timestep":10,"finaltime":5}`))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var sim domain.Simulation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sim))
	assert.Equal(t, 10.0, sim.Timestep)
	assert.Equal(t, 5.0, sim.FinalTime)
}

func formRequest(values url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/simulation", strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestCreateSimulation_FailureStatus(t *testing.T) {
	boom := errors.New("boom")
	unauthorized := &infrastructure.ResolutionError{Op: "resolve", Ref: "m1", Kind: infrastructure.KindUnauthorized, StatusCode: http.StatusUnauthorized}

	tests := []struct {
		name   string
		setup  func(f *fixture)
		status int
		stage  orchestrator.Stage
		id     uint64
	}{
		{"allocation", func(f *fixture) { f.store.AllocErr = boom }, http.StatusBadGateway, orchestrator.StageIDAllocation, 0},
		{"slot", func(f *fixture) { f.resolver.ProvisionErr = boom }, http.StatusInternalServerError, orchestrator.StageResultsSlot, 1},
		{"persistence", func(f *fixture) { f.store.PutErr = boom }, http.StatusInternalServerError, orchestrator.StagePersistence, 1},
		{"model unauthorized", func(f *fixture) { f.resolver.ResolveErr["m1"] = unauthorized }, http.StatusUnauthorized, orchestrator.StageModelResolution, 1},
		{"model failure", func(f *fixture) { f.resolver.ResolveErr["m1"] = boom }, http.StatusInternalServerError, orchestrator.StageModelResolution, 1},
		{"dispatch", func(f *fixture) { f.dispatcher.Err = boom }, http.StatusBadGateway, orchestrator.StageDispatch, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f)

			rec := f.do(postJSON(powerflowJSON))
			assert.Equal(t, tt.status, rec.Code)

			body := decodeError(t, rec)
			assert.Equal(t, string(tt.stage), body.Stage)
			assert.Equal(t, tt.id, body.SimulationID)
			assert.NotEmpty(t, body.Err)
		})
	}
}

func TestGetSimulation(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusAccepted, f.do(postJSON(powerflowJSON)).Code)
	f.resolver.Payloads[f.resolver.URL("100")] = []byte("t,v\n0,1\n")

	rec := f.do(httptest.NewRequest(http.MethodGet, "/simulation/1", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var sim domain.Simulation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sim))
	assert.Equal(t, uint64(1), sim.SimulationID)
	assert.Equal(t, "t,v\n0,1\n", sim.ResultsData)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/simulation/1/results", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "t,v\n0,1\n", rec.Body.String())
}

func TestGetSimulation_FailureStatus(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(f *fixture)
		path   string
		status int
	}{
		{"not found", func(f *fixture) {}, "/simulation/999", http.StatusNotFound},
		{"out of range", func(f *fixture) {}, "/simulation/99999999999999999999", http.StatusNotFound},
		{"corrupt", func(f *fixture) { f.store.Raw(1, []byte("{")) }, "/simulation/1", http.StatusUnprocessableEntity},
		{"storage", func(f *fixture) { f.store.GetErr[1] = errors.New("timeout") }, "/simulation/1", http.StatusInternalServerError},
		{
			"results resolution",
			func(f *fixture) {
				f.store.Seed(domain.Simulation{SimulationID: 1, ResultsID: "100"})
				f.resolver.ResolveErr["100"] = errors.New("file not found")
			},
			"/simulation/1",
			http.StatusUnauthorized,
		},
		{
			"results fetch",
			func(f *fixture) {
				f.store.Seed(domain.Simulation{SimulationID: 1, ResultsID: "100"})
				f.resolver.FetchErr[f.resolver.URL("100")] = errors.New("connection reset")
			},
			"/simulation/1/results",
			http.StatusBadGateway,
		},
		{
			"results decode",
			func(f *fixture) {
				f.store.Seed(domain.Simulation{SimulationID: 1, ResultsID: "100"})
				f.resolver.Payloads[f.resolver.URL("100")] = []byte{0xff}
			},
			"/simulation/1",
			http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f)

			rec := f.do(httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.status, rec.Code)
			assert.NotEmpty(t, decodeError(t, rec).Err)
		})
	}
}

func TestListSimulations(t *testing.T) {
	f := newFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/simulation", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"simulations":[]}`, rec.Body.String())

	require.Equal(t, http.StatusAccepted, f.do(postJSON(powerflowJSON)).Code)
	require.Equal(t, http.StatusAccepted, f.do(postJSON(`{"simulation_type":"Outage","model_id":"m2"}`)).Code)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/simulation", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"simulations":[
		{"simulation_id":1,"model_id":"m1","simulation_type":"Powerflow"},
		{"simulation_id":2,"model_id":"m2","simulation_type":"Outage"}
	]}`, rec.Body.String())
}

func TestListSimulations_Unprocessable(t *testing.T) {
	f := newFixture(t)
	f.store.Seed(domain.Simulation{SimulationID: 1, ModelID: "m1"})
	f.store.Raw(2, []byte("garbage"))

	rec := f.do(httptest.NewRequest(http.MethodGet, "/simulation", nil))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	body := decodeError(t, rec)
	assert.Equal(t, string(orchestrator.StageCorrupt), body.Stage)
	assert.Equal(t, uint64(2), body.SimulationID)
}

func TestIndexAndDocs(t *testing.T) {
	f := newFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/api", rec.Header().Get("Location"))

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	for _, line := range []string{
		"POST /simulation",
		"GET /simulation",
		"GET /simulation/{id:[0-9]+}",
		"GET /simulation/{id:[0-9]+}/results",
	} {
		assert.Contains(t, rec.Body.String(), line+"\n")
	}
	assert.NotContains(t, rec.Body.String(), "OPTIONS")
	assert.NotContains(t, rec.Body.String(), "DELETE")
}

func TestNotFoundAndCORS(t *testing.T) {
	f := newFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"err":"endpoint not found"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = f.do(httptest.NewRequest(http.MethodOptions, "/simulation", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestIDPropagates(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/simulation", nil)
	req.Header.Set(requestIDHeader, "req-42")

	rec := f.do(req)
	assert.Equal(t, "req-42", rec.Header().Get(requestIDHeader))
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodDelete, "/simulation", nil)
	req.Header.Set(requestIDHeader, "req-405")

	rec := f.do(req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"err":"method DELETE not allowed on /simulation"}`, rec.Body.String())
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "req-405", rec.Header().Get(requestIDHeader))

	rec = f.do(httptest.NewRequest(http.MethodPut, "/simulation/1", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRouteLabel(t *testing.T) {
	s := NewServer(nil, nil, nil, nil, nil)

	tests := []struct {
		method, path, want string
	}{
		{http.MethodGet, "/simulation/17", "/simulation/{id:[0-9]+}"},
		{http.MethodGet, "/simulation/17/results", "/simulation/{id:[0-9]+}/results"},
		{http.MethodPost, "/simulation", "/simulation"},
		{http.MethodGet, "/nope/123", "unmatched"},
		{http.MethodDelete, "/simulation", "unmatched"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, s.routeLabel(httptest.NewRequest(tt.method, tt.path, nil)))
		})
	}
}

func TestSubmissionFailureLogCarriesRequestID(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	f := newLoggedFixture(t, zap.New(core))
	f.dispatcher.Err = errors.New("broker down")

	req := postJSON(powerflowJSON)
	req.Header.Set(requestIDHeader, "req-77")
	rec := f.do(req)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	failures := logs.FilterMessage("simulation submission failed after partial commit").All()
	require.Len(t, failures, 1)
	assert.Equal(t, zapcore.WarnLevel, failures[0].Level)
	assert.Equal(t, "req-77", failures[0].ContextMap()["request_id"])
	assert.Equal(t, string(orchestrator.StageDispatch), failures[0].ContextMap()["stage"])

	completed := logs.FilterMessage("Request completed").All()
	require.Len(t, completed, 1)
	assert.Equal(t, "req-77", completed[0].ContextMap()["request_id"])
}

func TestShutdownBeforeStart(t *testing.T) {
	cfg := &config.Config{ServerPort: "127.0.0.1:0", RequestTimeout: time.Second}
	s := NewServer(nil, nil, nil, cfg, nil)

	require.NoError(t, s.Shutdown(context.Background()))

	done := make(chan error, 1)
	go func() { done <- s.Start() }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, http.ErrServerClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Start kept serving after Shutdown")
	}
}

type panickingRetriever struct{}

func (panickingRetriever) GetByID(context.Context, uint64) (*domain.Simulation, error) {
	panic("store exploded")
}

func (panickingRetriever) ListAll(context.Context) ([]domain.SimulationSummary, error) {
	panic("store exploded")
}

func TestRecovery(t *testing.T) {
	cfg := &config.Config{RequestTimeout: time.Second}
	handler := NewServer(nil, panickingRetriever{}, nil, cfg, nil).Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/simulation/1", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"err":"internal server error"}`, rec.Body.String())
}
