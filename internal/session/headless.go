package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"

	"github.com/chroxy/chroxy/internal/backoff"
	"github.com/chroxy/chroxy/internal/broker"
)

// respawnBackoff is the {1,2,4,8,15}s sequence, capped at 5 attempts,
// spec §4.4.1 names for the headless child's respawn policy.
var respawnBackoff = backoff.NewSequence(1, 2, 4, 8, 15)

const (
	maxRespawnAttempts = 5
	turnHardTimeout    = 5 * time.Minute
	interruptSafety    = 5 * time.Second
	teardownTimeout    = 10 * time.Second
	toolInputCap       = 256 * 1024
)

// LaunchConfig describes how to spawn the Agent subprocess for a headless
// session and how to reach the PermissionBroker.
type LaunchConfig struct {
	Command string
	BaseArgs []string
	Cwd     string
	Broker  *broker.Broker
	// HookURL is carried in the config but spawn does not read it: no hook
	// endpoint or CHROXY_PORT/CHROXY_TOKEN env is passed to the Agent.
	// Permission requests from the headless child arrive through the ACP
	// RequestPermission callback over the stdio pipe.
	HookURL string
}

// Headless owns a persistent Agent subprocess in NDJSON mode (spec §4.4.1).
type Headless struct {
	*base

	launch LaunchConfig

	mu            sync.Mutex
	process       *AgentProcess
	conn          *acpsdk.ClientSideConnection
	upstreamSessID acpsdk.SessionId
	stderrTail    strings.Builder
	intentionalTeardown bool
	interruptArmed bool
	turnCancel     context.CancelFunc
}

// NewHeadless constructs and starts a headless session.
func NewHeadless(id, name, cwd string, emitter Emitter, launch LaunchConfig) (*Headless, error) {
	h := &Headless{
		base:   newBase(id, name, cwd, VariantHeadless, emitter),
		launch: launch,
	}
	if err := h.spawn(context.Background(), 0); err != nil {
		return nil, err
	}
	return h, nil
}

// spawn starts (or restarts) the Agent subprocess and performs the ACP
// Initialize/NewSession (or LoadSession, when resuming) handshake.
func (h *Headless) spawn(ctx context.Context, attempt int) error {
	args := append([]string{}, h.launch.BaseArgs...)
	proc, err := StartProcess(ProcessConfig{
		Command: h.launch.Command,
		Args:    args,
		WorkDir: h.launch.Cwd,
	})
	if err != nil {
		return fmt.Errorf("spawn agent: %w", err)
	}

	client := &acpClient{h: h}
	conn := acpsdk.NewClientSideConnection(client, proc.Stdin(), proc.Stdout())

	h.mu.Lock()
	h.process = proc
	h.conn = conn
	h.mu.Unlock()

	go h.monitorStderr(proc)
	go h.monitorExit(proc)

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	initResp, err := conn.Initialize(initCtx, acpsdk.InitializeRequest{
		ProtocolVersion: acpsdk.ProtocolVersionNumber,
		ClientCapabilities: acpsdk.ClientCapabilities{
			Fs: acpsdk.FileSystemCapability{ReadTextFile: true, WriteTextFile: true},
		},
	})
	if err != nil {
		_ = proc.Stop()
		return fmt.Errorf("ACP initialize: %w", err)
	}

	h.mu.Lock()
	prevConvID := h.upstreamConvID
	h.mu.Unlock()

	if prevConvID != "" && initResp.AgentCapabilities.LoadSession {
		if _, loadErr := conn.LoadSession(initCtx, acpsdk.LoadSessionRequest{
			SessionId:  acpsdk.SessionId(prevConvID),
			Cwd:        h.launch.Cwd,
			McpServers: []acpsdk.McpServer{},
		}); loadErr == nil {
			h.mu.Lock()
			h.upstreamSessID = acpsdk.SessionId(prevConvID)
			h.mu.Unlock()
			h.emitReady(h.model, nil)
			return nil
		}
		slog.Warn("LoadSession failed, falling back to NewSession", "session", h.id)
	}

	sessResp, err := conn.NewSession(initCtx, acpsdk.NewSessionRequest{
		Cwd:        h.launch.Cwd,
		McpServers: []acpsdk.McpServer{},
	})
	if err != nil {
		_ = proc.Stop()
		return fmt.Errorf("ACP new session: %w", err)
	}

	h.mu.Lock()
	h.upstreamSessID = sessResp.SessionId
	h.upstreamConvID = string(sessResp.SessionId)
	h.ready = true
	h.mu.Unlock()

	h.emitReady(h.model, nil)
	h.dispatchPendingSend()
	return nil
}

func (h *Headless) monitorStderr(proc *AgentProcess) {
	scanner := bufio.NewScanner(proc.Stderr())
	for scanner.Scan() {
		line := scanner.Text()
		h.mu.Lock()
		if h.stderrTail.Len() < 4096 {
			if h.stderrTail.Len() > 0 {
				h.stderrTail.WriteByte('\n')
			}
			h.stderrTail.WriteString(line)
		}
		h.mu.Unlock()
	}
}

// monitorExit watches the subprocess and triggers the respawn policy on
// unintentional exit (spec §4.4.1 "Respawn policy").
func (h *Headless) monitorExit(proc *AgentProcess) {
	_ = proc.Wait()

	h.mu.Lock()
	intentional := h.intentionalTeardown
	h.intentionalTeardown = false
	stderrTail := h.stderrTail.String()
	h.mu.Unlock()

	if intentional {
		return
	}

	h.closeAllOpenStreams()
	h.setBusy(false)
	h.setReady(false)

	msg := "agent process exited unexpectedly"
	if stderrTail != "" {
		msg = msg + ": " + stderrTail
	}
	h.emit("error", map[string]any{"message": msg, "recoverable": true})

	h.respawn(0)
}

func (h *Headless) respawn(attempt int) {
	if attempt >= maxRespawnAttempts {
		h.emit("error", map[string]any{"message": "respawn attempts exhausted", "recoverable": false})
		return
	}
	delay := respawnBackoff.Delay(attempt)
	time.AfterFunc(delay, func() {
		if err := h.spawn(context.Background(), attempt); err != nil {
			slog.Error("respawn failed", "session", h.id, "attempt", attempt, "err", err)
			h.respawn(attempt + 1)
		}
	})
}

func (h *Headless) setBusy(v bool) {
	h.mu.Lock()
	h.busy = v
	h.mu.Unlock()
}

func (h *Headless) setReady(v bool) {
	h.mu.Lock()
	h.ready = v
	h.mu.Unlock()
}

// Send dispatches one user turn. A second send while busy is rejected
// immediately (spec §4.4.1, P4). If the process is not yet ready, one
// pending prompt is buffered (spec §4.4.1 "Queue discipline").
func (h *Headless) Send(ctx context.Context, text string) error {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return ErrAlreadyDestroyed
	}
	if h.busy {
		h.mu.Unlock()
		return ErrBusy
	}
	if !h.ready {
		if h.pendingSend != nil {
			h.mu.Unlock()
			return ErrPendingSend
		}
		h.pendingSend = &text
		h.mu.Unlock()
		return nil
	}
	h.busy = true
	conn := h.conn
	sessID := h.upstreamSessID
	turnCtx, cancel := context.WithTimeout(ctx, turnHardTimeout)
	h.turnCancel = cancel
	h.mu.Unlock()

	go h.runTurn(turnCtx, cancel, conn, sessID, text)
	return nil
}

func (h *Headless) dispatchPendingSend() {
	h.mu.Lock()
	pending := h.pendingSend
	h.pendingSend = nil
	h.mu.Unlock()
	if pending != nil {
		_ = h.Send(context.Background(), *pending)
	}
}

func (h *Headless) runTurn(ctx context.Context, cancel context.CancelFunc, conn *acpsdk.ClientSideConnection, sessID acpsdk.SessionId, text string) {
	defer cancel()

	resp, err := conn.Prompt(ctx, acpsdk.PromptRequest{
		SessionId: sessID,
		Prompt:    []acpsdk.ContentBlock{acpsdk.TextBlock(text)},
	})

	h.closeAllOpenStreams()

	if ctx.Err() != nil {
		h.emit("error", map[string]any{"message": "turn exceeded 5 minute hard timeout"})
		h.setBusy(false)
		return
	}
	if err != nil {
		h.emit("error", map[string]any{"message": err.Error(), "recoverable": true})
		h.setBusy(false)
		return
	}

	h.mu.Lock()
	planEnded := h.planMode
	prompts := h.allowedPrompts
	h.planMode = false
	h.allowedPrompts = nil
	h.mu.Unlock()
	if planEnded {
		h.emit("plan_ready", map[string]any{"allowedPrompts": prompts})
	}

	h.emit("result", map[string]any{"sessionId": h.id, "stopReason": string(resp.StopReason)})
	h.completeAllAgentMarkers()

	h.broker().ResolveSession(h.id)
	h.setBusy(false)
}

func (h *Headless) broker() *broker.Broker { return h.launch.Broker }

// Interrupt sends an interrupt and arms a 5s safety timer (spec §4.4.1).
func (h *Headless) Interrupt() {
	h.mu.Lock()
	cancel := h.turnCancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	time.AfterFunc(interruptSafety, func() {
		if h.Info().Busy {
			h.closeAllOpenStreams()
			h.setBusy(false)
		}
	})
}

// SetModel tears down and respawns the child with the new model, clearing
// the upstream conversation id so a fresh conversation starts (spec §4.4.1).
// Setting the model already in effect is a no-op — no respawn, no event
// (spec §8 L1: set_model(m) twice produces exactly one model_changed).
func (h *Headless) SetModel(model string) error {
	h.mu.Lock()
	unchanged := h.model == model
	h.mu.Unlock()
	if unchanged {
		return nil
	}
	if h.Info().Busy {
		return ErrBusy
	}
	h.mu.Lock()
	h.model = model
	h.upstreamConvID = ""
	h.mu.Unlock()
	return h.teardownAndRespawn()
}

// SetPermissionMode updates the permission mode, respawning the child the
// same way SetModel does (spec §4.4.1).
func (h *Headless) SetPermissionMode(mode PermissionMode) error {
	if h.Info().Busy {
		return ErrBusy
	}
	h.mu.Lock()
	h.permissionMode = mode
	h.upstreamConvID = ""
	h.mu.Unlock()
	return h.teardownAndRespawn()
}

func (h *Headless) teardownAndRespawn() error {
	h.mu.Lock()
	h.intentionalTeardown = true
	proc := h.process
	h.mu.Unlock()

	if proc != nil {
		done := make(chan struct{})
		go func() { _ = proc.Stop(); close(done) }()
		select {
		case <-done:
		case <-time.After(teardownTimeout):
		}
	}
	return h.spawn(context.Background(), 0)
}

func (h *Headless) RespondToPermission(requestID string, decision string) error {
	return h.broker().Resolve(requestID, "", decision, "")
}

func (h *Headless) RespondToQuestion(answer QuestionAnswer) error {
	h.mu.Lock()
	conn := h.conn
	sessID := h.upstreamSessID
	h.mu.Unlock()
	if conn == nil {
		return ErrAlreadyDestroyed
	}
	// Re-enter the conversation mid-turn with a follow-up NDJSON user
	// message carrying the answer (spec §4.4.1 AskUserQuestion handling).
	go func() {
		_, _ = conn.Prompt(context.Background(), acpsdk.PromptRequest{
			SessionId: sessID,
			Prompt:    []acpsdk.ContentBlock{acpsdk.TextBlock(answer.Answer)},
		})
	}()
	return nil
}

func (h *Headless) Destroy() error {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return nil
	}
	h.destroyed = true
	h.intentionalTeardown = true
	proc := h.process
	h.mu.Unlock()

	h.broker().ResolveSession(h.id)
	if proc != nil {
		return proc.Stop()
	}
	return nil
}

// acpClient implements the acp-go-sdk Client interface, translating
// session/update notifications into the uniform event schema and routing
// permission/question requests through the PermissionBroker (grounded on
// the teacher's gatewayClient in internal/acp/gateway.go).
type acpClient struct {
	h *Headless
}

func (c *acpClient) SessionUpdate(_ context.Context, params acpsdk.SessionNotification) error {
	c.h.handleSessionUpdate(params)
	return nil
}

func (c *acpClient) RequestPermission(ctx context.Context, params acpsdk.RequestPermissionRequest) (acpsdk.RequestPermissionResponse, error) {
	input, _ := json.Marshal(params)
	tool := ""
	if len(params.Options) > 0 {
		tool = params.Options[0].OptionId
	}
	reqID, err := c.h.broker().Submit(c.h.id, "", broker.KindPermission, tool, input)
	if err != nil {
		return acpsdk.RequestPermissionResponse{Outcome: acpsdk.NewRequestPermissionOutcomeCancelled()}, nil
	}
	c.h.emit("permission_request", map[string]any{
		"requestId": reqID, "tool": tool, "input": json.RawMessage(input),
	})

	res, err := c.h.broker().Await(reqID)
	if err != nil || len(params.Options) == 0 {
		return acpsdk.RequestPermissionResponse{Outcome: acpsdk.NewRequestPermissionOutcomeCancelled()}, nil
	}
	switch res.Decision {
	case broker.Allow, broker.AllowAlways:
		return acpsdk.RequestPermissionResponse{
			Outcome: acpsdk.NewRequestPermissionOutcomeSelected(params.Options[0].OptionId),
		}, nil
	default:
		return acpsdk.RequestPermissionResponse{Outcome: acpsdk.NewRequestPermissionOutcomeCancelled()}, nil
	}
}

func (c *acpClient) ReadTextFile(_ context.Context, _ acpsdk.ReadTextFileRequest) (acpsdk.ReadTextFileResponse, error) {
	return acpsdk.ReadTextFileResponse{}, fmt.Errorf("ReadTextFile not supported")
}
func (c *acpClient) WriteTextFile(_ context.Context, _ acpsdk.WriteTextFileRequest) (acpsdk.WriteTextFileResponse, error) {
	return acpsdk.WriteTextFileResponse{}, fmt.Errorf("WriteTextFile not supported")
}
func (c *acpClient) CreateTerminal(_ context.Context, _ acpsdk.CreateTerminalRequest) (acpsdk.CreateTerminalResponse, error) {
	return acpsdk.CreateTerminalResponse{}, fmt.Errorf("CreateTerminal not supported")
}
func (c *acpClient) KillTerminalCommand(_ context.Context, _ acpsdk.KillTerminalCommandRequest) (acpsdk.KillTerminalCommandResponse, error) {
	return acpsdk.KillTerminalCommandResponse{}, fmt.Errorf("KillTerminalCommand not supported")
}
func (c *acpClient) TerminalOutput(_ context.Context, _ acpsdk.TerminalOutputRequest) (acpsdk.TerminalOutputResponse, error) {
	return acpsdk.TerminalOutputResponse{}, fmt.Errorf("TerminalOutput not supported")
}
func (c *acpClient) ReleaseTerminal(_ context.Context, _ acpsdk.ReleaseTerminalRequest) (acpsdk.ReleaseTerminalResponse, error) {
	return acpsdk.ReleaseTerminalResponse{}, fmt.Errorf("ReleaseTerminal not supported")
}
func (c *acpClient) WaitForTerminalExit(_ context.Context, _ acpsdk.WaitForTerminalExitRequest) (acpsdk.WaitForTerminalExitResponse, error) {
	return acpsdk.WaitForTerminalExitResponse{}, fmt.Errorf("WaitForTerminalExit not supported")
}
func (c *acpClient) ListTextFiles(_ context.Context, _ acpsdk.ListTextFilesRequest) (acpsdk.ListTextFilesResponse, error) {
	return acpsdk.ListTextFilesResponse{}, fmt.Errorf("ListTextFiles not supported")
}
func (c *acpClient) EditTextFile(_ context.Context, _ acpsdk.EditTextFileRequest) (acpsdk.EditTextFileResponse, error) {
	return acpsdk.EditTextFileResponse{}, fmt.Errorf("EditTextFile not supported")
}
func (c *acpClient) CreateDirectory(_ context.Context, _ acpsdk.CreateDirectoryRequest) (acpsdk.CreateDirectoryResponse, error) {
	return acpsdk.CreateDirectoryResponse{}, fmt.Errorf("CreateDirectory not supported")
}
func (c *acpClient) MoveResource(_ context.Context, _ acpsdk.MoveResourceRequest) (acpsdk.MoveResourceResponse, error) {
	return acpsdk.MoveResourceResponse{}, fmt.Errorf("MoveResource not supported")
}
func (c *acpClient) StartTerminal(_ context.Context, _ acpsdk.StartTerminalRequest) (acpsdk.StartTerminalResponse, error) {
	return acpsdk.StartTerminalResponse{}, fmt.Errorf("StartTerminal not supported")
}
func (c *acpClient) SendTerminalInput(_ context.Context, _ acpsdk.SendTerminalInputRequest) (acpsdk.SendTerminalInputResponse, error) {
	return acpsdk.SendTerminalInputResponse{}, fmt.Errorf("SendTerminalInput not supported")
}
func (c *acpClient) ResizeTerminal(_ context.Context, _ acpsdk.ResizeTerminalRequest) (acpsdk.ResizeTerminalResponse, error) {
	return acpsdk.ResizeTerminalResponse{}, fmt.Errorf("ResizeTerminal not supported")
}
func (c *acpClient) CloseTerminal(_ context.Context, _ acpsdk.CloseTerminalRequest) (acpsdk.CloseTerminalResponse, error) {
	return acpsdk.CloseTerminalResponse{}, fmt.Errorf("CloseTerminal not supported")
}

// handleSessionUpdate normalises an ACP session/update notification into
// the uniform event schema (spec §4.4.1 "Event normalisation").
func (h *Headless) handleSessionUpdate(notif acpsdk.SessionNotification) {
	u := notif.Update

	if u.AgentMessageChunk != nil && u.AgentMessageChunk.Content.Text != nil {
		messageID := string(notif.SessionId)
		text := u.AgentMessageChunk.Content.Text.Text
		h.delta(messageID, text)
		return
	}

	if u.ToolCall != nil {
		tc := u.ToolCall
		inputCapped := capToolInput(tc)
		h.emit("tool_start", map[string]any{"messageId": string(tc.ToolCallId), "tool": string(tc.Kind), "input": inputCapped})

		switch string(tc.Kind) {
		case "AskUserQuestion":
			h.handleAskUserQuestion(tc)
		case "Task":
			h.markAgentSpawned(string(tc.ToolCallId), tc.Title)
		case "EnterPlanMode":
			h.mu.Lock()
			h.planMode = true
			h.mu.Unlock()
		case "ExitPlanMode":
			// Not tracked: allowedPrompts is never filled in, so plan_ready
			// (emitted after result when EnterPlanMode was seen) carries none.
		}
	}
}

// capToolInput returns the JSON-encoded tool call as the tool_start input,
// or nil when that encoding exceeds 256 KiB (spec §4.4.1); nothing of an
// oversize input is kept, but the tool still starts.
func capToolInput(tc *acpsdk.ToolCallStart) any {
	raw, err := json.Marshal(tc)
	if err != nil {
		return nil
	}
	if len(raw) > toolInputCap {
		return nil
	}
	return json.RawMessage(raw)
}

func (h *Headless) handleAskUserQuestion(tc *acpsdk.ToolCallStart) {
	h.emit("user_question", map[string]any{"toolUseId": string(tc.ToolCallId), "questions": []string{tc.Title}})
}
