package wsserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chroxy/chroxy/internal/session"
)

// ViewMode selects which session-scoped data a client receives (spec §4.2
// fanout, P6): chat clients get coalesced stream events and
// raw_background terminal previews; terminal clients get raw bytes for
// their active session only.
type ViewMode string

const (
	ModeChat     ViewMode = "chat"
	ModeTerminal ViewMode = "terminal"
)

const authTimeout = 10 * time.Second

// Client is one authenticated WebSocket connection (spec §3 "Client").
type Client struct {
	id            string
	conn          *websocket.Conn
	addr          string
	authenticated bool
	alive         atomic.Bool

	mu            sync.Mutex
	mode          ViewMode
	activeSession string
	deviceInfo    map[string]any

	writeMu sync.Mutex
	closed  bool
}

func (c *Client) sendJSON(event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		slog.Error("failed to marshal outbound message", "event", event, "err", err)
		return
	}
	frame := map[string]json.RawMessage{
		"type": json.RawMessage(`"` + event + `"`),
		"data": payload,
	}
	b, err := json.Marshal(frame)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_ = c.conn.WriteMessage(websocket.TextMessage, b)
}

func (c *Client) close() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.conn.Close()
}

// HandleWS upgrades the HTTP request and runs the client's read loop
// until disconnect (spec §4.2 "terminate the transport").
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}

	c := &Client{
		id:   uuid.NewString(),
		conn: conn,
		addr: r.RemoteAddr,
		mode: ModeChat,
	}
	c.alive.Store(true)
	conn.SetPongHandler(func(string) error { c.alive.Store(true); return nil })

	s.runClient(r.Context(), c)
}

func (s *Server) runClient(ctx context.Context, c *Client) {
	defer c.close()

	if s.cfg.NoAuth {
		c.authenticated = true
		s.registerClient(c)
		s.onAuthenticated(c)
	} else {
		authDeadline := time.AfterFunc(authTimeout, func() {
			if !c.authenticated {
				c.sendJSON("auth_fail", map[string]any{"reason": "timeout"})
				c.close()
			}
		})
		defer authDeadline.Stop()
	}

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		s.dispatch(ctx, c, raw)
	}

	if c.authenticated {
		s.unregisterClient(c)
	}
}

type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (s *Server) dispatch(ctx context.Context, c *Client, raw []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		slog.Warn("dropping malformed websocket frame", "addr", c.addr, "err", err)
		return
	}

	if !c.authenticated {
		if msg.Type == "auth" {
			s.handleAuth(ctx, c, msg.Data)
			return
		}
		slog.Info("ignoring message from unauthenticated client", "type", msg.Type)
		return
	}

	// Drain mode: only permission/question responses are allowed through;
	// everything else is dropped, and each dropped `input` gets a
	// server_status reply telling the client a restart is underway (spec
	// §4.2 "Drain mode").
	if s.draining.Load() && msg.Type != "permission_response" && msg.Type != "user_question_response" {
		if msg.Type == "input" {
			c.sendJSON("server_status", map[string]any{"status": "draining"})
		}
		return
	}

	switch msg.Type {
	case "input":
		s.handleInput(c, msg.Data)
	case "interrupt":
		s.handleInterrupt(c)
	case "resize":
		s.handleResize(c, msg.Data)
	case "mode":
		s.handleModeChange(c, msg.Data)
	case "set_model":
		s.handleSetModel(c, msg.Data)
	case "set_permission_mode":
		s.handleSetPermissionMode(c, msg.Data)
	case "permission_response":
		s.handlePermissionResponse(c, msg.Data)
	case "user_question_response":
		s.handleUserQuestionResponse(c, msg.Data)
	case "list_sessions":
		s.handleListSessions(c)
	case "switch_session":
		s.handleSwitchSession(c, msg.Data)
	case "create_session":
		s.handleCreateSession(c, msg.Data)
	case "destroy_session":
		s.handleDestroySession(c, msg.Data)
	case "attach_session":
		s.handleAttachSession(c, msg.Data)
	case "rename_session":
		s.handleRenameSession(c, msg.Data)
	case "discover_sessions", "trigger_discovery":
		s.handleDiscoverSessions(c)
	case "register_push_token":
		// Accepted and acknowledged implicitly; push delivery is a mobile
		// client concern outside the daemon's surface.
	default:
		slog.Info("ignoring unrecognised message type", "type", msg.Type)
	}
}

func (s *Server) handleAuth(ctx context.Context, c *Client, data json.RawMessage) {
	var req struct {
		Token      string         `json:"token"`
		DeviceInfo map[string]any `json:"deviceInfo"`
	}
	_ = json.Unmarshal(data, &req)

	if s.auth.Blocked(c.addr) {
		c.sendJSON("auth_fail", map[string]any{"reason": "rate_limited"})
		c.close()
		return
	}
	if !s.auth.ValidateToken(req.Token) {
		s.auth.RecordFailure(c.addr)
		c.sendJSON("auth_fail", map[string]any{"reason": "invalid_token"})
		c.close()
		return
	}
	s.auth.ClearFailures(c.addr)

	c.authenticated = true
	c.mu.Lock()
	c.deviceInfo = req.DeviceInfo
	c.mu.Unlock()

	s.registerClient(c)
	s.onAuthenticated(c)
}

// onAuthenticated sends the post-auth snapshot and broadcasts
// client_joined to everyone else (spec §4.2 "On success").
func (s *Server) onAuthenticated(c *Client) {
	sessions := s.sm.ListInfo()
	active := ""
	if len(sessions) > 0 {
		active = sessions[0].ID
		c.mu.Lock()
		c.activeSession = active
		c.mu.Unlock()
	}

	c.sendJSON("auth_ok", map[string]any{
		"clientId":         c.id,
		"serverMode":       "worker",
		"serverVersion":    s.cfg.Build.Version,
		"serverCommit":     s.cfg.Build.GitCommit,
		"cwd":              s.cfg.Cwd,
		"connectedClients": s.clientCount(),
	})
	c.sendJSON("session_list", map[string]any{"sessions": sessions})
	if active != "" {
		s.replayHistory(c, active)
	}
	s.broadcastExcept(c.id, "client_joined", map[string]any{"clientId": c.id, "deviceInfo": c.deviceInfo})
}

func (s *Server) clientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) currentSession(c *Client) (session.Capability, string, bool) {
	c.mu.Lock()
	id := c.activeSession
	c.mu.Unlock()
	if id == "" {
		return nil, "", false
	}
	sess, err := s.sm.Attach(id)
	if err != nil {
		return nil, id, false
	}
	return sess, id, true
}

func (s *Server) handleInput(c *Client, data json.RawMessage) {
	var req struct {
		Data string `json:"data"`
	}
	_ = json.Unmarshal(data, &req)

	sess, id, ok := s.currentSession(c)
	if !ok {
		c.sendJSON("session_error", map[string]any{"message": "no active session"})
		return
	}
	if err := sess.Send(context.Background(), req.Data); err != nil {
		c.sendJSON("session_error", map[string]any{"message": err.Error(), "sessionId": id})
		return
	}
	s.setPrimary(id, c)
}

func (s *Server) handleInterrupt(c *Client) {
	if sess, _, ok := s.currentSession(c); ok {
		sess.Interrupt()
	}
}

func (s *Server) handleResize(c *Client, data json.RawMessage) {
	var req struct {
		Cols, Rows int
	}
	_ = json.Unmarshal(data, &req)
	sess, _, ok := s.currentSession(c)
	if !ok {
		return
	}
	if t, ok := sess.(interface{ Resize(int, int) error }); ok {
		_ = t.Resize(req.Rows, req.Cols)
	}
}

func (s *Server) handleModeChange(c *Client, data json.RawMessage) {
	var req struct {
		Mode string `json:"mode"`
	}
	_ = json.Unmarshal(data, &req)
	c.mu.Lock()
	c.mode = ViewMode(req.Mode)
	c.mu.Unlock()
}

// handleSetModel guards on the model already in effect so a repeated
// set_model(m) is a no-op: no respawn, no second model_changed broadcast
// (spec §8 L1).
func (s *Server) handleSetModel(c *Client, data json.RawMessage) {
	var req struct {
		Model string `json:"model"`
	}
	_ = json.Unmarshal(data, &req)
	sess, id, ok := s.currentSession(c)
	if !ok {
		return
	}
	if sess.Info().Model == req.Model {
		return
	}
	if err := sess.SetModel(req.Model); err != nil {
		c.sendJSON("session_error", map[string]any{"message": err.Error(), "sessionId": id})
		return
	}
	s.broadcastAll("model_changed", map[string]any{"sessionId": id, "model": req.Model})
}

// handleSetPermissionMode implements the two-round-trip auto-mode
// confirmation policy (spec §6 "Policy notes", L3).
func (s *Server) handleSetPermissionMode(c *Client, data json.RawMessage) {
	var req struct {
		Mode      string `json:"mode"`
		Confirmed bool   `json:"confirmed"`
	}
	_ = json.Unmarshal(data, &req)

	if req.Mode == string(session.PermissionAuto) && !req.Confirmed {
		c.sendJSON("confirm_permission_mode", map[string]any{
			"mode":    req.Mode,
			"warning": "auto mode skips all tool-use confirmations for this session",
		})
		return
	}

	sess, id, ok := s.currentSession(c)
	if !ok {
		return
	}
	if err := sess.SetPermissionMode(session.PermissionMode(req.Mode)); err != nil {
		c.sendJSON("session_error", map[string]any{"message": err.Error(), "sessionId": id})
		return
	}
	s.broadcastAll("permission_mode_changed", map[string]any{"sessionId": id, "mode": req.Mode})
}

// handlePermissionResponse routes by requestId only, never by the
// client's active session (spec §9 fixed bug #1, scenario 2).
func (s *Server) handlePermissionResponse(c *Client, data json.RawMessage) {
	var req struct {
		RequestID string `json:"requestId"`
		Decision  string `json:"decision"`
	}
	_ = json.Unmarshal(data, &req)
	if err := s.broker.Resolve(req.RequestID, c.id, req.Decision, ""); err != nil {
		c.sendJSON("session_error", map[string]any{"message": err.Error()})
	}
}

// handleUserQuestionResponse routes by the client's active session rather
// than by requestId, unlike handlePermissionResponse: the wire message
// (spec §6 "user_question_response{answer}") carries no requestId field to
// route on, so the active session is the only handle available here.
func (s *Server) handleUserQuestionResponse(c *Client, data json.RawMessage) {
	var req struct {
		Answer string `json:"answer"`
	}
	_ = json.Unmarshal(data, &req)
	sess, id, ok := s.currentSession(c)
	if !ok {
		return
	}
	if err := sess.RespondToQuestion(session.QuestionAnswer{Answer: req.Answer}); err != nil {
		c.sendJSON("session_error", map[string]any{"message": err.Error(), "sessionId": id})
	}
}

func (s *Server) handleListSessions(c *Client) {
	c.sendJSON("session_list", map[string]any{"sessions": s.sm.ListInfo()})
}

func (s *Server) handleSwitchSession(c *Client, data json.RawMessage) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	_ = json.Unmarshal(data, &req)
	if _, err := s.sm.Attach(req.SessionID); err != nil {
		c.sendJSON("session_error", map[string]any{"message": "unknown session"})
		return
	}
	c.mu.Lock()
	c.activeSession = req.SessionID
	c.mu.Unlock()
	c.sendJSON("session_switched", map[string]any{"sessionId": req.SessionID})
	s.replayHistory(c, req.SessionID)
}

// handleRenameSession applies a client-supplied display name to a live
// session and notifies every client (spec §6 "rename_session{sessionId,
// name}").
func (s *Server) handleRenameSession(c *Client, data json.RawMessage) {
	var req struct {
		SessionID string `json:"sessionId"`
		Name      string `json:"name"`
	}
	_ = json.Unmarshal(data, &req)

	if req.Name == "" {
		c.sendJSON("session_error", map[string]any{"message": "name must not be empty", "sessionId": req.SessionID})
		return
	}
	if err := s.sm.Rename(req.SessionID, req.Name); err != nil {
		c.sendJSON("session_error", map[string]any{"message": err.Error(), "sessionId": req.SessionID})
		return
	}
	s.broadcastAll("session_renamed", map[string]any{"sessionId": req.SessionID, "name": req.Name})
}

func (s *Server) handleDiscoverSessions(c *Client) {
	ids, err := s.sm.DiscoverPersisted()
	if err != nil {
		c.sendJSON("session_error", map[string]any{"message": err.Error()})
		return
	}
	c.sendJSON("discovered_sessions", map[string]any{"sessions": ids})
}
