package wsserver

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// deltaCoalescer accumulates stream_delta text per (sessionId, messageId)
// and flushes every 50 ms (spec §4.2 "Fanout", P1/P2, scenario 4).
type deltaCoalescer struct {
	mu      sync.Mutex
	buffers map[string]*strings.Builder
	flush   func(sessionID, messageID, text string)
}

func newDeltaCoalescer(flush func(sessionID, messageID, text string)) *deltaCoalescer {
	return &deltaCoalescer{buffers: make(map[string]*strings.Builder), flush: flush}
}

func deltaKey(sessionID, messageID string) string { return sessionID + "\x00" + messageID }

func (d *deltaCoalescer) add(sessionID, messageID, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := deltaKey(sessionID, messageID)
	b, ok := d.buffers[key]
	if !ok {
		b = &strings.Builder{}
		d.buffers[key] = b
	}
	b.WriteString(text)
}

// flushOne is called for stream_end, to flush immediately before sending
// stream_end (spec §4.2: "On stream_end, flush first, then send stream_end").
func (d *deltaCoalescer) flushOne(sessionID, messageID string) {
	d.mu.Lock()
	key := deltaKey(sessionID, messageID)
	b, ok := d.buffers[key]
	if ok {
		delete(d.buffers, key)
	}
	d.mu.Unlock()
	if ok && b.Len() > 0 {
		d.flush(sessionID, messageID, b.String())
	}
}

func (d *deltaCoalescer) run(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.flushAll()
		}
	}
}

func (d *deltaCoalescer) flushAll() {
	d.mu.Lock()
	pending := d.buffers
	d.buffers = make(map[string]*strings.Builder)
	d.mu.Unlock()

	for key, b := range pending {
		if b.Len() == 0 {
			continue
		}
		sessionID, messageID := splitDeltaKey(key)
		d.flush(sessionID, messageID, b.String())
	}
}

func splitDeltaKey(key string) (string, string) {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

func (s *Server) flushDelta(sessionID, messageID, text string) {
	s.fanoutSessionEvent(sessionID, "stream_delta", map[string]any{"messageId": messageID, "delta": text})
}

// onSessionEvent is the sessionmanager.Listener callback (spec §4.2
// "Per-session fanout"): every event emitted by any session passes
// through here before reaching clients.
func (s *Server) onSessionEvent(sessionID, event string, seqNum int64, data any) {
	switch event {
	case "stream_delta":
		var payload struct {
			MessageID string `json:"messageId"`
			Delta     string `json:"delta"`
		}
		remarshal(data, &payload)
		s.deltas.add(sessionID, payload.MessageID, payload.Delta)
		return
	case "stream_end":
		var payload struct {
			MessageID string `json:"messageId"`
		}
		remarshal(data, &payload)
		s.deltas.flushOne(sessionID, payload.MessageID)
		s.fanoutSessionEvent(sessionID, "stream_end", data)
		return
	case "raw":
		s.fanoutRaw(sessionID, data)
		return
	}
	s.fanoutSessionEvent(sessionID, event, data)
}

func remarshal(src any, dst any) {
	b, err := json.Marshal(src)
	if err != nil {
		return
	}
	_ = json.Unmarshal(b, dst)
}

// fanoutSessionEvent delivers a session-scoped event to every authenticated
// client, tagged with sessionId (spec §4.2 "Session-scoped messages are
// tagged with sessionId before send").
func (s *Server) fanoutSessionEvent(sessionID, event string, data any) {
	tagged := tagWithSessionID(data, sessionID)
	s.eachClient(func(c *Client) {
		c.sendJSON(event, tagged)
	})
}

func tagWithSessionID(data any, sessionID string) map[string]any {
	out := map[string]any{"sessionId": sessionID}
	b, err := json.Marshal(data)
	if err == nil {
		var m map[string]any
		if json.Unmarshal(b, &m) == nil {
			for k, v := range m {
				out[k] = v
			}
		}
	}
	return out
}

// fanoutRaw implements P6: terminal-mode clients on the originating
// session get `raw`; chat-mode clients on that session get
// `raw_background`; everyone else gets nothing.
func (s *Server) fanoutRaw(sessionID string, data any) {
	s.eachClient(func(c *Client) {
		c.mu.Lock()
		mode, active := c.mode, c.activeSession
		c.mu.Unlock()
		if active != sessionID {
			return
		}
		if mode == ModeTerminal {
			c.sendJSON("raw", tagWithSessionID(data, sessionID))
		} else {
			c.sendJSON("raw_background", tagWithSessionID(data, sessionID))
		}
	})
}

// replayHistory replays durable history starting at the most recent
// `result` event (or at the start of the buffer when there is none) to the
// end of the buffer, bracketed by history_replay_start/end (spec §4.2
// "History replay").
func (s *Server) replayHistory(c *Client, sessionID string) {
	events, err := s.sm.History(sessionID, 0)
	if err != nil || len(events) == 0 {
		return
	}

	fromIdx := 0
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Event == "result" {
			fromIdx = i
			break
		}
	}

	c.sendJSON("history_replay_start", map[string]any{"sessionId": sessionID})
	for _, e := range events[fromIdx:] {
		var payload any
		_ = json.Unmarshal([]byte(e.Data), &payload)
		c.sendJSON(e.Event, tagWithSessionID(payload, sessionID))
	}
	c.sendJSON("history_replay_end", map[string]any{"sessionId": sessionID})
}
