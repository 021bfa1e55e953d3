package wsserver

import (
	"encoding/json"
	"regexp"

	"github.com/google/uuid"

	"github.com/chroxy/chroxy/internal/session"
)

// terminalNameWhitelist matches the spec §4.3 "attach" constraint: a
// conservative whitelist (alphanumeric, dot, underscore, hyphen) for the
// requested terminal session name. The name only becomes the session's
// default display name: NewTerminal starts the configured shell, does not
// attach to a terminal session of that name, and passes it to no exec.
var terminalNameWhitelist = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

func (s *Server) handleCreateSession(c *Client, data json.RawMessage) {
	var req struct {
		Name string `json:"name"`
		Cwd  string `json:"cwd"`
	}
	_ = json.Unmarshal(data, &req)

	cwd := req.Cwd
	if cwd == "" {
		cwd = s.cfg.Cwd
	}
	name := req.Name
	if name == "" {
		name = "session"
	}
	id := uuid.NewString()

	sess, err := session.NewHeadless(id, name, cwd, s.sm.Emitter(id), s.agentLaunchConfig())
	if err != nil {
		c.sendJSON("session_error", map[string]any{"message": err.Error()})
		return
	}
	if err := s.sm.Register(sess); err != nil {
		_ = sess.Destroy()
		c.sendJSON("session_error", map[string]any{"message": err.Error()})
		return
	}
	s.broadcastAll("session_created", map[string]any{"sessionId": id, "name": name, "cwd": cwd})
}

func (s *Server) handleAttachSession(c *Client, data json.RawMessage) {
	var req struct {
		TmuxSession string `json:"tmuxSession"`
		Name        string `json:"name"`
	}
	_ = json.Unmarshal(data, &req)

	if !terminalNameWhitelist.MatchString(req.TmuxSession) {
		c.sendJSON("session_error", map[string]any{"message": "invalid terminal session name"})
		return
	}

	id := uuid.NewString()
	name := req.Name
	if name == "" {
		name = req.TmuxSession
	}

	sess, err := session.NewTerminal(id, name, s.cfg.Cwd, s.sm.Emitter(id), s.cfg.TerminalLaunch)
	if err != nil {
		c.sendJSON("session_error", map[string]any{"message": err.Error()})
		return
	}
	if err := s.sm.Register(sess); err != nil {
		_ = sess.Destroy()
		c.sendJSON("session_error", map[string]any{"message": err.Error()})
		return
	}
	s.broadcastAll("session_created", map[string]any{"sessionId": id, "name": name})
}

// handleDestroySession enforces P5 (the last remaining session cannot be
// destroyed) and migrates clients whose active session was destroyed to
// the first remaining session (spec §4.3 "destroy").
func (s *Server) handleDestroySession(c *Client, data json.RawMessage) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	_ = json.Unmarshal(data, &req)

	if s.sm.Count() <= 1 {
		c.sendJSON("session_error", map[string]any{"message": "cannot destroy the last remaining session"})
		return
	}
	if err := s.sm.Destroy(req.SessionID); err != nil {
		c.sendJSON("session_error", map[string]any{"message": err.Error()})
		return
	}
	s.broadcastAll("session_destroyed", map[string]any{"sessionId": req.SessionID})

	remaining := s.sm.ListInfo()
	if len(remaining) == 0 {
		return
	}
	fallback := remaining[0].ID
	s.eachClient(func(cl *Client) {
		cl.mu.Lock()
		wasActive := cl.activeSession == req.SessionID
		if wasActive {
			cl.activeSession = fallback
		}
		cl.mu.Unlock()
		if wasActive {
			cl.sendJSON("session_switched", map[string]any{"sessionId": fallback})
		}
	})
}

// agentLaunchConfig builds the session.LaunchConfig used for every new
// headless session from the server's configured Agent launch settings.
func (s *Server) agentLaunchConfig() session.LaunchConfig {
	cfg := s.cfg.AgentLaunch
	cfg.Broker = s.broker
	return cfg
}
