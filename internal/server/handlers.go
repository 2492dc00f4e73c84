package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/bottomsky/algoserve/algorithm"
	"github.com/bottomsky/algoserve/internal/store"
	"github.com/bottomsky/algoserve/lifecycle"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// algorithmSummary is one row of GET /algorithms.
type algorithmSummary struct {
	Name                 string            `json:"name"`
	Version              string            `json:"version"`
	Description          string            `json:"description,omitempty"`
	AlgorithmType        string            `json:"algorithmType"`
	CreatedTime          string            `json:"createdTime"`
	Author               string            `json:"author"`
	Category             string            `json:"category"`
	ApplicationScenarios string            `json:"applicationScenarios,omitempty"`
	Extra                map[string]string `json:"extra,omitempty"`
}

// algorithmSchema is the body of GET /algorithms/{name}/{version}/schema.
type algorithmSchema struct {
	Input                json.RawMessage           `json:"input"`
	Output               json.RawMessage           `json:"output"`
	Hyperparams          json.RawMessage           `json:"hyperparams,omitempty"`
	Execution            algorithm.ExecutionConfig `json:"execution"`
	AlgorithmType        string                    `json:"algorithmType"`
	CreatedTime          string                    `json:"createdTime"`
	Author               string                    `json:"author"`
	Category             string                    `json:"category"`
	ApplicationScenarios string                    `json:"applicationScenarios,omitempty"`
	Extra                map[string]string         `json:"extra,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports readiness: only the ready and running lifecycle
// states accept traffic, and the executor must have its workers up.
func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	checks := map[string]bool{
		"lifecycle": s.machine.ReadyForTraffic(),
		"executor":  s.executor.Started(),
	}

	ready := true
	for _, ok := range checks {
		ready = ready && ok
	}

	body := map[string]any{
		"ready":  ready,
		"state":  string(s.machine.State()),
		"checks": checks,
	}
	if !ready {
		s.writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleListAlgorithms(w http.ResponseWriter, _ *http.Request) {
	specs := s.registry.List()
	summaries := make([]algorithmSummary, 0, len(specs))
	for _, spec := range specs {
		summaries = append(summaries, algorithmSummary{
			Name:                 spec.Name,
			Version:              spec.Version,
			Description:          spec.Description,
			AlgorithmType:        string(spec.AlgorithmType),
			CreatedTime:          spec.CreatedTime,
			Author:               spec.Author,
			Category:             spec.Category,
			ApplicationScenarios: spec.ApplicationScenarios,
			Extra:                spec.Extra,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"algorithms": summaries})
}

func (s *Server) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	version := chi.URLParam(r, "version")

	spec, err := s.registry.Get(name, version)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	schema := algorithmSchema{
		Input:                spec.InputSchema(),
		Output:               spec.OutputSchema(),
		Execution:            spec.Execution,
		AlgorithmType:        string(spec.AlgorithmType),
		CreatedTime:          spec.CreatedTime,
		Author:               spec.Author,
		Category:             spec.Category,
		ApplicationScenarios: spec.ApplicationScenarios,
		Extra:                spec.Extra,
	}
	if spec.Hyperparams != nil {
		schema.Hyperparams = spec.Hyperparams.Schema()
	}
	s.writeJSON(w, http.StatusOK, schema)
}

func (s *Server) handleServiceInfo(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"service":    s.cfg.ServiceName,
		"baseUrl":    s.cfg.AdvertisedURL(),
		"state":      string(s.machine.State()),
		"algorithms": s.registry.Len(),
	})
}

// listExecutionsResponse wraps the paginated execution-history response.
type listExecutionsResponse struct {
	Executions []*store.ExecutionRecord `json:"executions"`
	Total      int                      `json:"total"`
	Limit      int                      `json:"limit"`
	Offset     int                      `json:"offset"`
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	records, total, err := s.store.ListExecutions(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list executions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}
	if records == nil {
		records = []*store.ExecutionRecord{}
	}

	s.writeJSON(w, http.StatusOK, listExecutionsResponse{
		Executions: records,
		Total:      total,
		Limit:      limit,
		Offset:     offset,
	})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.store.GetExecution(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		s.logger.Error("get execution", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get execution")
		return
	}

	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRegistryCatalogs(w http.ResponseWriter, r *http.Request) {
	docs, err := s.publisher.Catalogs(r.Context())
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"catalogs": docs})
}

// handleReloadOverrides re-reads the metadata override directory. Loads are
// an administrative operation gated on the provisioning and ready states, so
// the registry never mutates mid-traffic.
func (s *Server) handleReloadOverrides(w http.ResponseWriter, _ *http.Request) {
	if !s.machine.AcceptsAdminLoads() {
		s.writeError(w, http.StatusConflict,
			"override loads are only permitted while provisioning or ready")
		return
	}
	if err := s.registry.LoadOverrides(s.cfg.MetadataDir); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (s *Server) handleLifecycleState(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"state": string(s.machine.State()),
	})
}

// lifecycleTransition returns a handler that drives the machine into the
// target state. Illegal transitions map to 409.
func (s *Server) lifecycleTransition(target lifecycle.State) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.machine.To(r.Context(), target, "admin request"); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, lifecycle.ErrInvalidTransition) {
				status = http.StatusConflict
			}
			s.writeError(w, status, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{
			"state": string(s.machine.State()),
		})
	}
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return defaultVal
	}
	return v
}
