package wsserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/chroxy/chroxy/internal/broker"
)

const drainPollInterval = 200 * time.Millisecond

type healthResponse struct {
	Status string `json:"status"`
	Mode   string `json:"mode"`
}

type versionResponse struct {
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	GitBranch string `json:"gitBranch"`
	Uptime    string `json:"uptime"`
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /", s.handleHealth)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.requireBearer(s.handleVersion))
	mux.HandleFunc("GET /ws", s.HandleWS)
	mux.HandleFunc("POST /permission", s.requireBearer(s.handlePermissionHook))
	mux.HandleFunc("POST /drain", s.requireBearer(s.handleDrain))
}

// handleHealth is unauthenticated (spec §6 "GET / and GET /health").
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthResponse{Status: "ok", Mode: "worker"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(versionResponse{
		Version:   s.cfg.Build.Version,
		GitCommit: s.cfg.Build.GitCommit,
		GitBranch: s.cfg.Build.GitBranch,
		Uptime:    time.Since(s.startAt).String(),
	})
}

// requireBearer enforces the bearer-token requirement on /version,
// /permission and /drain (spec §4.2 "The HTTP endpoints /version and /permission
// require the same bearer token").
func (s *Server) requireBearer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.NoAuth && !s.auth.ValidateToken(BearerTokenFromRequest(r)) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// handleDrain implements the supervisor/worker drain IPC (spec §5 deploy-
// restart protocol): the supervisor POSTs `{timeoutSeconds}`, the worker
// sets its draining flag, broadcasts `server_status`, and blocks until
// every session goes idle or timeoutSeconds-2s elapses, then responds —
// the response itself is the `drain_complete` reply the supervisor waits
// on before terminating this process.
func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TimeoutSeconds float64 `json:"timeoutSeconds"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	timeout := time.Duration(req.TimeoutSeconds * float64(time.Second))
	if timeout <= 2*time.Second {
		timeout = 30 * time.Second
	}
	budget := timeout - 2*time.Second

	s.draining.Store(true)
	s.broadcastAll("server_status", map[string]any{"status": "draining"})

	deadline := time.Now().Add(budget)
	for time.Now().Before(deadline) {
		if s.allSessionsIdle() {
			break
		}
		time.Sleep(drainPollInterval)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "drain_complete", "allIdle": s.allSessionsIdle()})
}

// handlePermissionHook is the out-of-process HTTP hook rendezvous for the
// headless variant's Agent subprocess (spec §4.5 "Out-of-process HTTP
// hook"). The session id is read from the sessionId query parameter;
// nothing in the daemon builds a hook URL carrying it.
func (s *Server) handlePermissionHook(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "missing sessionId", http.StatusBadRequest)
		return
	}
	broker.HookHandler(s.broker, sessionID)(w, r)
}
