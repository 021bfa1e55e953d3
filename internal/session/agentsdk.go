package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	acpsdk "github.com/coder/acp-go-sdk"

	"github.com/chroxy/chroxy/internal/broker"
)

// AgentSDKLaunch configures an in-process agent-sdk session: a query
// function that runs one turn to completion, given the current permission
// mode, and returns the upstream conversation id to resume from next time
// (spec §4.4.2).
type AgentSDKLaunch struct {
	// Query runs a single prompt turn in-process (no child process, no
	// stdio transport) and streams updates via the client callbacks.
	Query func(ctx context.Context, req AgentSDKTurn) (resumeID string, stopReason string, err error)
	Broker *broker.Broker
}

// AgentSDKTurn carries everything one turn needs.
type AgentSDKTurn struct {
	Text           string
	ResumeID       string
	PermissionMode PermissionMode
	Client         acpsdk.Client
}

// AgentSDK is the in-process session variant: no child process, no
// respawn state, resume tracked purely as a conversation id passed to the
// next query (spec §4.4.2).
type AgentSDK struct {
	*base

	launch AgentSDKLaunch

	mu              sync.Mutex
	turnCancel      context.CancelFunc
	lastQuestionReqID string
}

// NewAgentSDK constructs an in-process session, ready immediately (there
// is no child process to wait for).
func NewAgentSDK(id, name, cwd string, emitter Emitter, launch AgentSDKLaunch) *AgentSDK {
	a := &AgentSDK{base: newBase(id, name, cwd, VariantAgentSDK, emitter), launch: launch}
	a.ready = true
	a.emitReady(a.model, nil)
	return a
}

func (a *AgentSDK) Send(ctx context.Context, text string) error {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return ErrAlreadyDestroyed
	}
	if a.busy {
		a.mu.Unlock()
		return ErrBusy
	}
	a.busy = true
	turnCtx, cancel := context.WithTimeout(ctx, turnHardTimeout)
	a.turnCancel = cancel
	a.mu.Unlock()

	go a.runTurn(turnCtx, cancel, text)
	return nil
}

func (a *AgentSDK) runTurn(ctx context.Context, cancel context.CancelFunc, text string) {
	defer cancel()

	client := &agentSDKClient{a: a}
	a.mu.Lock()
	resumeID := a.upstreamConvID
	mode := a.permissionMode
	a.mu.Unlock()

	resumeID2, stopReason, err := a.launch.Query(ctx, AgentSDKTurn{
		Text: text, ResumeID: resumeID, PermissionMode: mode, Client: client,
	})

	a.closeAllOpenStreams()

	a.mu.Lock()
	a.upstreamConvID = resumeID2
	a.busy = false
	a.mu.Unlock()

	if ctx.Err() != nil {
		a.emit("error", map[string]any{"message": "turn exceeded 5 minute hard timeout"})
		return
	}
	if err != nil {
		a.emit("error", map[string]any{"message": err.Error(), "recoverable": true})
		return
	}

	a.completeAllAgentMarkers()
	a.launch.Broker.ResolveSession(a.id)
	a.emit("result", map[string]any{"sessionId": a.id, "stopReason": stopReason})
}

func (a *AgentSDK) Interrupt() {
	a.mu.Lock()
	cancel := a.turnCancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// SetModel and SetPermissionMode take effect on the next turn; there is no
// process to tear down for the in-process variant (spec §4.4.2).
func (a *AgentSDK) SetModel(model string) error {
	a.mu.Lock()
	unchanged := a.model == model
	a.mu.Unlock()
	if unchanged {
		return nil
	}
	if a.Info().Busy {
		return ErrBusy
	}
	a.mu.Lock()
	a.model = model
	a.mu.Unlock()
	return nil
}

func (a *AgentSDK) SetPermissionMode(mode PermissionMode) error {
	if a.Info().Busy {
		return ErrBusy
	}
	a.mu.Lock()
	a.permissionMode = mode
	a.mu.Unlock()
	return nil
}

func (a *AgentSDK) RespondToPermission(requestID string, decision string) error {
	return a.launch.Broker.Resolve(requestID, "", decision, "")
}

func (a *AgentSDK) RespondToQuestion(answer QuestionAnswer) error {
	a.mu.Lock()
	reqID := a.lastQuestionReqID
	a.mu.Unlock()
	if reqID == "" {
		return fmt.Errorf("session: no outstanding question")
	}
	return a.launch.Broker.Resolve(reqID, "", "answered", answer.Answer)
}

func (a *AgentSDK) Destroy() error {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return nil
	}
	a.destroyed = true
	cancel := a.turnCancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.launch.Broker.ResolveSession(a.id)
	return nil
}

// agentSDKClient implements acpsdk.Client the same way acpClient does for
// the headless variant, routing permission requests through the broker
// with explicit allow/allowAlways/deny branches (spec §9 fixed bug #2:
// "allowAlways" is a distinct decision honoured for the remainder of the
// conversation, not folded into "allow").
type agentSDKClient struct {
	a *AgentSDK
}

func (c *agentSDKClient) SessionUpdate(_ context.Context, params acpsdk.SessionNotification) error {
	u := params.Update
	if u.AgentMessageChunk != nil && u.AgentMessageChunk.Content.Text != nil {
		c.a.delta(string(params.SessionId), u.AgentMessageChunk.Content.Text.Text)
	}
	if u.ToolCall != nil {
		tc := u.ToolCall
		raw, _ := json.Marshal(tc)
		c.a.emit("tool_start", map[string]any{"messageId": string(tc.ToolCallId), "tool": string(tc.Kind), "input": json.RawMessage(raw)})
		switch string(tc.Kind) {
		case "Task":
			c.a.markAgentSpawned(string(tc.ToolCallId), tc.Title)
		case "AskUserQuestion":
			reqID, err := c.a.launch.Broker.Submit(c.a.id, "", broker.KindQuestion, tc.Title, raw)
			if err == nil {
				c.a.mu.Lock()
				c.a.lastQuestionReqID = reqID
				c.a.mu.Unlock()
				c.a.emit("user_question", map[string]any{"requestId": reqID, "toolUseId": string(tc.ToolCallId), "questions": []string{tc.Title}})
			}
		}
	}
	return nil
}

func (c *agentSDKClient) RequestPermission(ctx context.Context, params acpsdk.RequestPermissionRequest) (acpsdk.RequestPermissionResponse, error) {
	input, _ := json.Marshal(params)
	tool := ""
	if len(params.Options) > 0 {
		tool = params.Options[0].OptionId
	}

	c.a.mu.Lock()
	mode := c.a.permissionMode
	c.a.mu.Unlock()
	if mode == PermissionAuto {
		if len(params.Options) > 0 {
			return acpsdk.RequestPermissionResponse{Outcome: acpsdk.NewRequestPermissionOutcomeSelected(params.Options[0].OptionId)}, nil
		}
		return acpsdk.RequestPermissionResponse{Outcome: acpsdk.NewRequestPermissionOutcomeCancelled()}, nil
	}

	reqID, err := c.a.launch.Broker.Submit(c.a.id, "", broker.KindPermission, tool, input)
	if err != nil {
		return acpsdk.RequestPermissionResponse{Outcome: acpsdk.NewRequestPermissionOutcomeCancelled()}, nil
	}
	c.a.emit("permission_request", map[string]any{"requestId": reqID, "tool": tool, "input": json.RawMessage(input)})

	res, err := c.a.launch.Broker.Await(reqID)
	if err != nil || len(params.Options) == 0 {
		return acpsdk.RequestPermissionResponse{Outcome: acpsdk.NewRequestPermissionOutcomeCancelled()}, nil
	}

	switch res.Decision {
	case broker.AllowAlways:
		c.a.mu.Lock()
		c.a.permissionMode = PermissionAuto
		c.a.mu.Unlock()
		return acpsdk.RequestPermissionResponse{Outcome: acpsdk.NewRequestPermissionOutcomeSelected(params.Options[0].OptionId)}, nil
	case broker.Allow:
		return acpsdk.RequestPermissionResponse{Outcome: acpsdk.NewRequestPermissionOutcomeSelected(params.Options[0].OptionId)}, nil
	default:
		return acpsdk.RequestPermissionResponse{Outcome: acpsdk.NewRequestPermissionOutcomeCancelled()}, nil
	}
}

func (c *agentSDKClient) ReadTextFile(_ context.Context, _ acpsdk.ReadTextFileRequest) (acpsdk.ReadTextFileResponse, error) {
	return acpsdk.ReadTextFileResponse{}, fmt.Errorf("ReadTextFile not supported")
}
func (c *agentSDKClient) WriteTextFile(_ context.Context, _ acpsdk.WriteTextFileRequest) (acpsdk.WriteTextFileResponse, error) {
	return acpsdk.WriteTextFileResponse{}, fmt.Errorf("WriteTextFile not supported")
}
func (c *agentSDKClient) CreateTerminal(_ context.Context, _ acpsdk.CreateTerminalRequest) (acpsdk.CreateTerminalResponse, error) {
	return acpsdk.CreateTerminalResponse{}, fmt.Errorf("CreateTerminal not supported")
}
func (c *agentSDKClient) KillTerminalCommand(_ context.Context, _ acpsdk.KillTerminalCommandRequest) (acpsdk.KillTerminalCommandResponse, error) {
	return acpsdk.KillTerminalCommandResponse{}, fmt.Errorf("KillTerminalCommand not supported")
}
func (c *agentSDKClient) TerminalOutput(_ context.Context, _ acpsdk.TerminalOutputRequest) (acpsdk.TerminalOutputResponse, error) {
	return acpsdk.TerminalOutputResponse{}, fmt.Errorf("TerminalOutput not supported")
}
func (c *agentSDKClient) ReleaseTerminal(_ context.Context, _ acpsdk.ReleaseTerminalRequest) (acpsdk.ReleaseTerminalResponse, error) {
	return acpsdk.ReleaseTerminalResponse{}, fmt.Errorf("ReleaseTerminal not supported")
}
func (c *agentSDKClient) WaitForTerminalExit(_ context.Context, _ acpsdk.WaitForTerminalExitRequest) (acpsdk.WaitForTerminalExitResponse, error) {
	return acpsdk.WaitForTerminalExitResponse{}, fmt.Errorf("WaitForTerminalExit not supported")
}
func (c *agentSDKClient) ListTextFiles(_ context.Context, _ acpsdk.ListTextFilesRequest) (acpsdk.ListTextFilesResponse, error) {
	return acpsdk.ListTextFilesResponse{}, fmt.Errorf("ListTextFiles not supported")
}
func (c *agentSDKClient) EditTextFile(_ context.Context, _ acpsdk.EditTextFileRequest) (acpsdk.EditTextFileResponse, error) {
	return acpsdk.EditTextFileResponse{}, fmt.Errorf("EditTextFile not supported")
}
func (c *agentSDKClient) CreateDirectory(_ context.Context, _ acpsdk.CreateDirectoryRequest) (acpsdk.CreateDirectoryResponse, error) {
	return acpsdk.CreateDirectoryResponse{}, fmt.Errorf("CreateDirectory not supported")
}
func (c *agentSDKClient) MoveResource(_ context.Context, _ acpsdk.MoveResourceRequest) (acpsdk.MoveResourceResponse, error) {
	return acpsdk.MoveResourceResponse{}, fmt.Errorf("MoveResource not supported")
}
func (c *agentSDKClient) StartTerminal(_ context.Context, _ acpsdk.StartTerminalRequest) (acpsdk.StartTerminalResponse, error) {
	return acpsdk.StartTerminalResponse{}, fmt.Errorf("StartTerminal not supported")
}
func (c *agentSDKClient) SendTerminalInput(_ context.Context, _ acpsdk.SendTerminalInputRequest) (acpsdk.SendTerminalInputResponse, error) {
	return acpsdk.SendTerminalInputResponse{}, fmt.Errorf("SendTerminalInput not supported")
}
func (c *agentSDKClient) ResizeTerminal(_ context.Context, _ acpsdk.ResizeTerminalRequest) (acpsdk.ResizeTerminalResponse, error) {
	return acpsdk.ResizeTerminalResponse{}, fmt.Errorf("ResizeTerminal not supported")
}
func (c *agentSDKClient) CloseTerminal(_ context.Context, _ acpsdk.CloseTerminalRequest) (acpsdk.CloseTerminalResponse, error) {
	return acpsdk.CloseTerminalResponse{}, fmt.Errorf("CloseTerminal not supported")
}
