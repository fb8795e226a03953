// api/server.go
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"dpsim-api/internal/config"
	"dpsim-api/internal/domain"
	"dpsim-api/internal/metrics"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Submitter accepts simulation requests.
type Submitter interface {
	Submit(ctx context.Context, form domain.SimulationForm) (*domain.Simulation, error)
}

// Retriever reads simulations back, with their results attached.
type Retriever interface {
	GetByID(ctx context.Context, id uint64) (*domain.Simulation, error)
	ListAll(ctx context.Context) ([]domain.SimulationSummary, error)
}

type Server struct {
	router      *mux.Router
	handler     http.Handler
	submissions Submitter
	retrievals  Retriever
	metrics     *metrics.Metrics
	config      *config.Config
	logger      *zap.Logger
	server      *http.Server
}

func NewServer(submissions Submitter, retrievals Retriever, m *metrics.Metrics, cfg *config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		router:      mux.NewRouter(),
		submissions: submissions,
		retrievals:  retrievals,
		metrics:     m,
		config:      cfg,
		logger:      logger,
	}

	s.setupRoutes()
	s.setupMiddleware()
	s.server = s.newHTTPServer()

	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/", s.index).Methods(http.MethodGet)
	s.router.HandleFunc("/api", s.apiDocs).Methods(http.MethodGet)

	// Simulations
	s.router.HandleFunc("/simulation", s.createSimulation).Methods(http.MethodPost)
	s.router.HandleFunc("/simulation", s.listSimulations).Methods(http.MethodGet)
	s.router.HandleFunc("/simulation/{id:[0-9]+}", s.getSimulation).Methods(http.MethodGet)
	s.router.HandleFunc("/simulation/{id:[0-9]+}/results", s.getResults).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(s.notFoundHandler)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(s.methodNotAllowedHandler)
}

// setupMiddleware wraps the whole router rather than using router.Use, which
// mux only applies to matched routes.
func (s *Server) setupMiddleware() {
	s.handler = s.corsMiddleware(s.loggingMiddleware(s.recoveryMiddleware(s.router)))
}

// Handler exposes the API with its middleware, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// requestContext detaches the orchestration from the client connection:
// steps that already took effect are not undone when the caller goes away,
// so the remaining ones are allowed to finish within the configured timeout.
func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx := context.WithoutCancel(r.Context())
	if s.config == nil || s.config.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.config.RequestTimeout)
}

// Helper functions
func (s *Server) respondWithJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) respondWithError(w http.ResponseWriter, status int, body errorResponse) {
	s.respondWithJSON(w, status, body)
}

func (s *Server) respondWithText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(text)); err != nil {
		s.logger.Warn("Failed to write response", zap.Error(err))
	}
}

// Server lifecycle
func (s *Server) newHTTPServer() *http.Server {
	addr := ""
	writeTimeout := 15 * time.Second
	if s.config != nil {
		addr = s.config.ServerPort
		if s.config.RequestTimeout > 0 {
			writeTimeout = s.config.RequestTimeout + 5*time.Second
		}
	}

	return &http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}
}

// Start blocks serving the API. After Shutdown it returns
// http.ErrServerClosed, also when Shutdown ran first.
func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.String("addr", s.server.Addr))
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server...")
	return s.server.Shutdown(ctx)
}
