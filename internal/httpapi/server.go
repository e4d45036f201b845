package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/voxpipe/internal/config"
	"github.com/ent0n29/voxpipe/internal/history"
	"github.com/ent0n29/voxpipe/internal/observability"
	"github.com/ent0n29/voxpipe/internal/pipeline"
	"github.com/ent0n29/voxpipe/internal/protocol"
	"github.com/ent0n29/voxpipe/internal/session"
)

const (
	defaultRunsLimit = 50
	maxRunsLimit     = 500
)

// Describer is the part of the orchestrator the ops server reads from.
type Describer interface {
	Pipeline() config.Pipeline
	Describe(ctx context.Context, role config.Role, timeout time.Duration) (protocol.Info, bool, error)
}

// Server is the read-only ops surface: health, metrics, live runs and
// persisted history.
type Server struct {
	cfg      config.Config
	runs     *session.Manager
	history  history.Store
	pipeline Describer
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer
}

type Options struct {
	Config   config.Config
	Runs     *session.Manager
	History  history.Store
	Pipeline Describer
	Metrics  *observability.Metrics
	// Gatherer serves /metrics. Nil means the default registry.
	Gatherer prometheus.Gatherer
}

func New(opts Options) *Server {
	return &Server{
		cfg:      opts.Config,
		runs:     opts.Runs,
		history:  opts.History,
		pipeline: opts.Pipeline,
		metrics:  opts.Metrics,
		gatherer: opts.Gatherer,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if s.gatherer != nil {
			observability.MetricsHandlerFor(s.gatherer).ServeHTTP(w, r)
			return
		}
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/status", s.handleStatus)
	r.Get("/v1/runs", s.handleListRuns)
	r.Get("/v1/runs/{id}", s.handleGetRun)
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Get("/v1/components", s.handleListComponents)
	r.Get("/v1/components/{role}/describe", s.handleDescribe)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"history_mode": s.historyMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.pipeline == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "pipeline is not loaded")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ready",
		"pipeline": s.pipeline.Pipeline().Name,
	})
}

type statusResponse struct {
	Pipeline   string         `json:"pipeline"`
	Loop       bool           `json:"loop"`
	ActiveRuns int            `json:"active_runs"`
	Runs       []*session.Run `json:"runs"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Loop: s.cfg.Loop, Runs: []*session.Run{}}
	if s.pipeline != nil {
		resp.Pipeline = s.pipeline.Pipeline().Name
	}
	if s.runs != nil {
		resp.ActiveRuns = s.runs.ActiveCount()
		resp.Runs = s.runs.List()
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondError(w, http.StatusServiceUnavailable, "history_unavailable", "run history is not configured")
		return
	}
	limit := defaultRunsLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunsLimit)
	}
	name := strings.TrimSpace(r.URL.Query().Get("pipeline"))

	records, err := s.history.RecentRuns(r.Context(), name, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "history_failed", err.Error())
		return
	}
	if records == nil {
		records = []history.RunRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"runs": records})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		respondError(w, http.StatusNotFound, "not_found", session.ErrNotFound.Error())
		return
	}
	run, err := s.runs.Get(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, run)
}

type componentView struct {
	Role string `json:"role"`
	Name string `json:"name"`
	Kind string `json:"kind"`
	URI  string `json:"uri,omitempty"`
}

func (s *Server) handleListComponents(w http.ResponseWriter, _ *http.Request) {
	out := []componentView{}
	if s.pipeline != nil {
		p := s.pipeline.Pipeline()
		for _, role := range config.Roles {
			c := p.Component(role)
			if c == nil {
				continue
			}
			out = append(out, componentView{Role: string(role), Name: c.Name, Kind: c.Kind(), URI: c.URI})
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"components": out})
}

type describeResponse struct {
	Role      string         `json:"role"`
	Supported bool           `json:"supported"`
	Info      *protocol.Info `json:"info,omitempty"`
}

func (s *Server) handleDescribe(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "pipeline is not loaded")
		return
	}
	role := config.Role(chi.URLParam(r, "role"))
	info, ok, err := s.pipeline.Describe(r.Context(), role, s.describeTimeout())
	switch {
	case errors.Is(err, config.ErrConfig):
		respondError(w, http.StatusNotFound, "not_configured", err.Error())
		return
	case errors.Is(err, pipeline.ErrComponentFailed):
		respondError(w, http.StatusBadGateway, "component_failed", err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	resp := describeResponse{Role: string(role), Supported: ok}
	if ok {
		resp.Info = &info
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) describeTimeout() time.Duration {
	if s.cfg.ReadTimeout > 0 && s.cfg.ReadTimeout < 2*time.Second {
		return s.cfg.ReadTimeout
	}
	return 2 * time.Second
}

func (s *Server) historyMode() string {
	switch s.history.(type) {
	case nil:
		return "disabled"
	case *history.Redacting:
		return "redacted"
	default:
		return "plain"
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
