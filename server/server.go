package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"superagent/cache"
	"superagent/keypool"
	"superagent/orchestrator"
)

// Runner is the orchestration surface the API exposes.
type Runner interface {
	Execute(ctx context.Context, description string, opts orchestrator.Options) (*orchestrator.TaskResult, error)
}

// TaskRequest is the POST /api/v1/task/execute body.
type TaskRequest struct {
	TaskDescription string `json:"task_description"`
	Options         struct {
		UseBrowser bool `json:"use_browser"`
		UseSandbox bool `json:"use_sandbox"`
		NoCache    bool `json:"no_cache"`
	} `json:"options"`
}

// TaskResponse is the execute endpoint body for both success and failure.
type TaskResponse struct {
	TaskID    string                  `json:"task_id,omitempty"`
	Status    string                  `json:"status"`
	Summary   string                  `json:"summary,omitempty"`
	Artifacts []orchestrator.Artifact `json:"artifacts,omitempty"`
	Cached    bool                    `json:"cached,omitempty"`
	Error     string                  `json:"error,omitempty"`
}

// HealthResponse reports component health for the /health endpoint.
type HealthResponse struct {
	Status      string                   `json:"status"`
	CacheHits   int64                    `json:"cache_hits"`
	CacheMisses int64                    `json:"cache_misses"`
	Credentials []keypool.CredentialInfo `json:"credentials"`
	Time        time.Time                `json:"time"`
}

// APIServer is the HTTP front end for the task execution core.
type APIServer struct {
	router *mux.Router
	runner Runner
	cache  *cache.Cache
	pool   *keypool.Pool
	server *http.Server
}

func NewAPIServer(addr string, runner Runner, c *cache.Cache, pool *keypool.Pool) *APIServer {
	s := &APIServer{
		router: mux.NewRouter(),
		runner: runner,
		cache:  c,
		pool:   pool,
	}
	s.registerRoutes()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 6 * time.Minute, // tasks can run up to their deadline
	}
	return s
}

func (s *APIServer) registerRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/v1/task/execute", s.handleExecuteTask).Methods("POST")
}

// Handler exposes the router for tests.
func (s *APIServer) Handler() http.Handler {
	return s.router
}

func (s *APIServer) Start() error {
	log.Printf("🚀 [API] Listening on %s", s.server.Addr)
	return s.server.ListenAndServe()
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *APIServer) handleExecuteTask(w http.ResponseWriter, r *http.Request) {
	var req TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.TaskDescription == "" {
		http.Error(w, "task_description is required", http.StatusBadRequest)
		return
	}

	result, err := s.runner.Execute(r.Context(), req.TaskDescription, orchestrator.Options{
		UseBrowser: req.Options.UseBrowser,
		UseSandbox: req.Options.UseSandbox,
		NoCache:    req.Options.NoCache,
	})

	if err != nil {
		switch {
		case orchestrator.IsResourceExhausted(err):
			w.Header().Set("Retry-After", "10")
			writeJSON(w, http.StatusTooManyRequests, TaskResponse{
				Status: string(orchestrator.StatusFailed),
				Error:  "all sandbox slots busy, retry later",
			})
		case orchestrator.IsRateLimited(err):
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, TaskResponse{
				Status: string(orchestrator.StatusFailed),
				Error:  "all LLM providers are rate limited",
			})
		default:
			resp := TaskResponse{Status: string(orchestrator.StatusFailed), Error: err.Error()}
			if result != nil {
				resp.TaskID = result.TaskID
			}
			writeJSON(w, http.StatusBadGateway, resp)
		}
		return
	}

	writeJSON(w, http.StatusOK, TaskResponse{
		TaskID:    result.TaskID,
		Status:    string(result.Status),
		Summary:   result.Summary,
		Artifacts: result.Artifacts,
		Cached:    result.Cached,
	})
}

func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	hits, misses := s.cache.Stats()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:      "healthy",
		CacheHits:   hits,
		CacheMisses: misses,
		Credentials: s.pool.Snapshot(),
		Time:        time.Now().UTC(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("⚠️ [API] Failed to encode response: %v", err)
	}
}
