package broker

import (
	"encoding/json"
	"io"
	"net/http"
)

// hookRequest is the body an Agent subprocess's pre-tool hook posts to
// POST /permission (spec §4.5, §6).
type hookRequest struct {
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input"`
}

type hookResponse struct {
	Decision Decision `json:"decision"`
}

// HookHandler returns an http.HandlerFunc implementing the out-of-process
// HTTP hook rendezvous: the handler blocks until the broker resolves the
// request, then replies with {decision}. sessionID is fixed per handler
// instance because headless hooks are wired per-session subprocess.
func HookHandler(b *Broker, sessionID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, MaxHookBodyBytes+1))
		if err != nil {
			http.Error(w, "read error", http.StatusInternalServerError)
			return
		}
		if len(body) > MaxHookBodyBytes {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			_ = json.NewEncoder(w).Encode(hookResponse{Decision: Deny})
			return
		}

		var req hookRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "malformed JSON", http.StatusBadRequest)
			return
		}

		requestID, err := b.Submit(sessionID, "", KindPermission, req.ToolName, req.ToolInput)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(hookResponse{Decision: Deny})
			return
		}

		// If the underlying connection closes before resolution, auto-deny
		// (spec §4.5.5) — CloseNotifier semantics are provided by the
		// request context being cancelled on client disconnect.
		done := make(chan Resolution, 1)
		go func() {
			res, _ := b.Await(requestID)
			done <- res
		}()

		select {
		case res := <-done:
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(hookResponse{Decision: res.Decision})
		case <-r.Context().Done():
			_ = b.Resolve(requestID, "", string(Deny), "")
		}
	}
}
