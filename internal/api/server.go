// Package api exposes the read-only operational HTTP surface: health,
// aggregate status, and Prometheus metrics. There is no job submission
// endpoint; work enters through discovery or batch submission.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/streamherd/vodmon/internal/metrics"
	"github.com/streamherd/vodmon/internal/orchestrator"
	"github.com/streamherd/vodmon/internal/ratelimit"
)

// Server wires the ops routes to the in-memory status accessors.
type Server struct {
	router  chi.Router
	orch    *orchestrator.Orchestrator
	limiter *ratelimit.Limiter
	sources []string
	logger  *zap.Logger
}

// NewServer constructs a Server with routes registered.
func NewServer(
	orch *orchestrator.Orchestrator,
	limiter *ratelimit.Limiter,
	sources []string,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		orch:    orch,
		limiter: limiter,
		sources: sources,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Get("/healthz", s.healthz)
	r.Get("/status", s.status)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Running bool                       `json:"running"`
	Queue   any                        `json:"queue"`
	Sources map[string]ratelimit.State `json:"sources"`
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Sources: make(map[string]ratelimit.State, len(s.sources)),
	}
	if s.orch != nil {
		resp.Running = s.orch.Running()
		resp.Queue = s.orch.Status()
	}
	if s.limiter != nil {
		for _, source := range s.sources {
			resp.Sources[source] = s.limiter.State(source)
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("status response write failed", zap.Error(err))
	}
}
