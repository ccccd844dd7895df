// Package server exposes the depth service, the job queue and stored
// evaluation runs over HTTP.
package server

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/ticdso/depthserve/auth"
	"github.com/ticdso/depthserve/depthsvc"
	"github.com/ticdso/depthserve/evalstore"
	"github.com/ticdso/depthserve/jobqueue"
	"github.com/ticdso/depthserve/stream"
	"github.com/ticdso/depthserve/tasks"
)

// DefaultMaxUploadBytes bounds request bodies on the predict endpoints.
const DefaultMaxUploadBytes = 32 << 20

// Dependencies are the services the handlers use. Only Service is
// required; routes whose dependency is nil are not registered.
type Dependencies struct {
	Service *depthsvc.Service
	Queue   *jobqueue.Queue
	Tasks   *tasks.Registry
	Runs    *evalstore.Store
	Auth    *auth.Service
	Hub     *stream.Hub
	Runners interface{ Running() int }

	// Files read and written by the legacy GET /predict endpoint.
	LegacyInput  string
	LegacyOutput string

	AllowedOrigins []string
	MaxUploadBytes int64
}

type Server struct {
	deps Dependencies
	mux  *http.ServeMux
}

// New registers all routes and returns the root handler.
func New(deps Dependencies) http.Handler {
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = DefaultMaxUploadBytes
	}
	s := &Server{deps: deps, mux: http.NewServeMux()}
	s.routes()
	return CORS(deps.AllowedOrigins, s.mux)
}

func (s *Server) routes() {
	m := s.mux
	m.HandleFunc("/health", s.apply(healthHandler(s.deps), RolePublic))
	m.HandleFunc("/api/v1/info", s.apply(infoHandler(s.deps), RolePublic))
	m.HandleFunc("/api/v1/predict", s.apply(predictHandler(s.deps), RoleUser))
	m.HandleFunc("/api/v1/predict_raw", s.apply(predictRawHandler(s.deps), RoleUser))
	m.HandleFunc("/predict", s.apply(legacyPredictHandler(s.deps), RoleUser))

	if s.deps.Auth != nil {
		m.HandleFunc("/api/v1/login", s.apply(loginHandler(s.deps), RolePublic))
	}
	if s.deps.Hub != nil {
		m.HandleFunc("/api/v1/events", s.apply(s.deps.Hub.Handler(), RoleUser))
	}
	if s.deps.Queue != nil {
		m.HandleFunc("/api/v1/jobs", s.apply(jobsHandler(s.deps), RoleUser))
		m.HandleFunc("/api/v1/jobs/clear", s.apply(clearJobsHandler(s.deps), RoleUser))
		m.HandleFunc("/api/v1/jobs/{id}", s.apply(jobHandler(s.deps), RoleUser))
		m.HandleFunc("/api/v1/jobs/{id}/cancel", s.apply(cancelJobHandler(s.deps), RoleUser))
	}
	if s.deps.Tasks != nil {
		m.HandleFunc("/api/v1/tasks", s.apply(tasksHandler(s.deps), RoleUser))
	}
	if s.deps.Runs != nil {
		m.HandleFunc("/api/v1/runs", s.apply(runsHandler(s.deps), RoleUser))
		m.HandleFunc("/api/v1/runs/{id}", s.apply(runHandler(s.deps), RoleUser))
	}
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Status string   `json:"status"`
	Error  apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Status: "error", Error: apiError{Code: code, Message: message}})
}

func readJSONBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func healthHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Use GET", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, deps.Service.Health())
	}
}

type infoResponse struct {
	depthsvc.Info
	Stats map[string]any `json:"stats"`
}

func infoHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Use GET", http.StatusMethodNotAllowed)
			return
		}
		served, failed := deps.Service.Stats()
		stats := map[string]any{
			"served": served,
			"failed": failed,
		}
		if deps.Hub != nil {
			stats["stream"] = deps.Hub.Stats()
		}
		if deps.Queue != nil {
			counts := map[string]int{}
			for _, j := range deps.Queue.GetJobs() {
				counts[j.State.String()]++
			}
			stats["jobs"] = counts
		}
		if deps.Runners != nil {
			stats["running"] = deps.Runners.Running()
		}
		writeJSON(w, http.StatusOK, infoResponse{Info: deps.Service.Info(), Stats: stats})
	}
}
