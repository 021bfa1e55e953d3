// Package wsserver implements the WsServer component (spec §4.2): the
// transport, authentication, message routing, and fanout layer that
// bridges authenticated WebSocket clients to the SessionManager and the
// PermissionBroker. Grounded on the teacher's internal/server package
// (server.go's route/CORS/upgrader shape, websocket.go's origin-check and
// keepalive pattern), generalised from a single-workspace devcontainer
// proxy to chroxy's single-process multi-session bridge.
package wsserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chroxy/chroxy/internal/broker"
	"github.com/chroxy/chroxy/internal/session"
	"github.com/chroxy/chroxy/internal/sessionmanager"
)

// BuildInfo is reported by GET /version.
type BuildInfo struct {
	Version   string
	GitCommit string
	GitBranch string
}

// Config controls the Server's listening and policy surface.
type Config struct {
	Addr            string
	AllowedOrigins  []string
	NoAuth          bool
	Token           string
	JWKSURL         string
	JWTIssuer       string
	JWTAudience     string
	Cwd             string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	WSReadBufSize   int
	WSWriteBufSize  int
	Build           BuildInfo

	AgentLaunch    session.LaunchConfig
	TerminalLaunch session.TerminalLaunch
}

// Server is the WsServer: it owns every authenticated client connection,
// the HTTP side-channels, and the fanout bridging sessions to clients.
type Server struct {
	cfg     Config
	auth    *Authenticator
	sm      *sessionmanager.Manager
	broker  *broker.Broker
	http    *http.Server
	startAt time.Time

	mu        sync.RWMutex
	clients   map[string]*Client
	clientSeq int64
	// primary maps sessionId to the clientId of its last writer (spec §3
	// "PrimaryClient map"), not a single server-wide primary client.
	primary map[string]string

	deltas   *deltaCoalescer
	draining atomic.Bool
}

// New constructs a Server bound to a SessionManager and PermissionBroker.
func New(ctx context.Context, cfg Config, sm *sessionmanager.Manager, b *broker.Broker) (*Server, error) {
	a, err := NewAuthenticator(ctx, cfg.Token, cfg.NoAuth, cfg.JWKSURL, cfg.JWTIssuer, cfg.JWTAudience)
	if err != nil {
		return nil, fmt.Errorf("init authenticator: %w", err)
	}
	s := &Server{
		cfg:     cfg,
		auth:    a,
		sm:      sm,
		broker:  b,
		clients: make(map[string]*Client),
		primary: make(map[string]string),
		startAt: time.Now(),
	}
	s.deltas = newDeltaCoalescer(s.flushDelta)

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	s.http = &http.Server{
		Addr:        cfg.Addr,
		Handler:     corsMiddleware(mux, cfg.AllowedOrigins),
		ReadTimeout: cfg.ReadTimeout,
		// WriteTimeout intentionally left at zero: WebSocket connections
		// are long-lived and Go's http.Server.WriteTimeout would kill a
		// hijacked connection after the timeout elapses.
	}

	sm.Subscribe(s.onSessionEvent)
	return s, nil
}

// Run starts the HTTP/WebSocket listener and the delta-coalescing flush
// loop, blocking until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go s.deltas.run(ctx)
	go s.keepaliveLoop(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- s.http.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// corsMiddleware mirrors the teacher's wildcard-subdomain origin matching
// (internal/server/server.go), generalised for SPEC_FULL.md §12's
// wildcard-origin supplement.
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if isOriginAllowed(origin, allowedOrigins) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isOriginAllowed(origin string, allowed []string) bool {
	if origin == "" {
		return true
	}
	for _, o := range allowed {
		if o == "*" || o == origin {
			return true
		}
		if strings.Contains(o, "*.") {
			idx := strings.Index(o, "*.")
			prefix, suffix := o[:idx], o[idx+1:]
			if strings.HasPrefix(origin, prefix) && strings.HasSuffix(origin, suffix) {
				return true
			}
		}
	}
	return false
}

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  s.cfg.WSReadBufSize,
		WriteBufferSize: s.cfg.WSWriteBufSize,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), s.cfg.AllowedOrigins)
		},
	}
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	for sid, clientID := range s.primary {
		if clientID == c.id {
			delete(s.primary, sid)
		}
	}
	s.mu.Unlock()

	s.broadcastExcept(c.id, "client_left", map[string]any{"clientId": c.id})
}

// setPrimary records c as the most recent writer for sessionID and
// broadcasts primary_changed only when that actually changes the session's
// primary client (spec §3 "PrimaryClient map: sessionId -> clientId, last
// writer wins"). A disconnect drops the client's entries without a
// broadcast.
func (s *Server) setPrimary(sessionID string, c *Client) {
	s.mu.Lock()
	prev := s.primary[sessionID]
	changed := prev != c.id
	if changed {
		s.primary[sessionID] = c.id
	}
	s.mu.Unlock()
	if changed {
		s.broadcastAll("primary_changed", map[string]any{"sessionId": sessionID, "clientId": c.id})
	}
}

func (s *Server) eachClient(fn func(*Client)) {
	s.mu.RLock()
	cs := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		cs = append(cs, c)
	}
	s.mu.RUnlock()
	for _, c := range cs {
		fn(c)
	}
}

func (s *Server) broadcastAll(event string, data any) {
	s.eachClient(func(c *Client) { c.sendJSON(event, data) })
}

func (s *Server) broadcastExcept(exceptID, event string, data any) {
	s.eachClient(func(c *Client) {
		if c.id != exceptID {
			c.sendJSON(event, data)
		}
	})
}

// allSessionsIdle reports whether every live session is currently idle
// (spec §4.2 "Drain mode": a drain completes once every session is idle).
func (s *Server) allSessionsIdle() bool {
	for _, info := range s.sm.ListInfo() {
		if info.Busy {
			return false
		}
	}
	return true
}

func (s *Server) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.eachClient(func(c *Client) {
				if !c.authenticated {
					return
				}
				if !c.alive.CompareAndSwap(true, false) {
					slog.Info("client missed keepalive ping, closing", "clientId", c.id)
					c.close()
					return
				}
				_ = c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			})
		}
	}
}
