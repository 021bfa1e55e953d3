// Package session implements the three Session variants (headless,
// agent-sdk, attached-terminal) that each encapsulate one Agent
// conversation and normalise its event stream to the uniform schema in
// spec §4.6.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// Variant tags which backend a Session uses (spec §3).
type Variant string

const (
	VariantHeadless        Variant = "headless"
	VariantAgentSDK        Variant = "agent-sdk"
	VariantAttachedTerminal Variant = "attached-terminal"
)

// PermissionMode is the session's tool-use confirmation policy.
type PermissionMode string

const (
	PermissionApprove PermissionMode = "approve"
	PermissionAuto    PermissionMode = "auto"
	PermissionPlan    PermissionMode = "plan"
)

// Event is one entry in the uniform `session_event{sessionId,event,data}`
// stream (spec §4.6, Design Note "Event bus").
type Event struct {
	SessionID string          `json:"sessionId"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	SeqNum    int64           `json:"seqNum"`
	Timestamp time.Time       `json:"-"`
}

// Emitter is implemented by whatever owns the session-tagged fanout (the
// SessionManager). Sessions call Emit for every normalised event; they
// never know about WsServer or individual clients (spec §3 Ownership).
type Emitter interface {
	Emit(sessionID, event string, data any)
}

var (
	ErrBusy            = errors.New("session: busy, turn already in flight")
	ErrPendingSend      = errors.New("session: a send is already pending")
	ErrVariantForbids   = errors.New("session: operation not permitted for this variant")
	ErrAlreadyDestroyed = errors.New("session: already destroyed")
)

// QuestionAnswer is the reply delivered to RespondToQuestion: the single
// text answer the mobile client supplies. No per-question mapping is
// built from it.
type QuestionAnswer struct {
	Answer string
}

// Capability is the common interface every session variant exposes (spec
// §9 Design Note "Polymorphism over session variants").
type Capability interface {
	ID() string
	Variant() Variant
	Info() Info

	Send(ctx context.Context, text string) error
	Interrupt()
	SetModel(model string) error
	SetPermissionMode(mode PermissionMode) error
	RespondToPermission(requestID string, decision string) error
	RespondToQuestion(answer QuestionAnswer) error
	Destroy() error
}

// Info is the read-only snapshot returned by SessionManager.List (spec
// §4.3 "list").
type Info struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Cwd            string         `json:"cwd"`
	Variant        Variant        `json:"variant"`
	Model          string         `json:"model"`
	PermissionMode PermissionMode `json:"permissionMode"`
	Busy           bool           `json:"busy"`
	Ready          bool           `json:"ready"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// base holds the state and bookkeeping shared by every variant: the busy
// flag, event sequence counter, agent-marker map, and plan-mode flag.
// Variants embed base and add their own backend.
type base struct {
	mu sync.Mutex

	id             string
	name           string
	cwd            string
	variant        Variant
	model          string
	permissionMode PermissionMode
	busy           bool
	ready          bool
	destroyed      bool
	createdAt      time.Time

	upstreamConvID string // last-known upstream conversation id, for resume

	seq      int64
	emitter  Emitter
	agentMarkers map[string]time.Time // toolUseId -> start time

	pendingSend    *string // one buffered prompt while not-yet-ready
	streamOpen     map[string]bool // messageId -> stream currently open
	streamedText   map[string]string
	planMode       bool
	allowedPrompts []string
}

func newBase(id, name, cwd string, variant Variant, emitter Emitter) *base {
	return &base{
		id:           id,
		name:         name,
		cwd:          cwd,
		variant:      variant,
		permissionMode: PermissionApprove,
		emitter:      emitter,
		createdAt:    time.Now(),
		agentMarkers: make(map[string]time.Time),
		streamOpen:   make(map[string]bool),
		streamedText: make(map[string]string),
	}
}

func (b *base) nextSeq() int64 {
	b.seq++
	return b.seq
}

func (b *base) emit(event string, data any) {
	b.emitter.Emit(b.id, event, data)
}

// emitReady emits `ready` on init and on recovery (spec §4.6).
func (b *base) emitReady(model string, tools []string) {
	b.emit("ready", map[string]any{"sessionId": b.id, "model": model, "tools": tools})
}

// startStream emits stream_start idempotently: duplicate calls for a live
// message id are suppressed (spec §4.4.1 Event normalisation).
func (b *base) startStream(messageID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.streamOpen[messageID] {
		return
	}
	b.streamOpen[messageID] = true
	b.streamedText[messageID] = ""
	b.emit("stream_start", map[string]any{"messageId": messageID})
}

// delta emits stream_delta and tracks already-streamed text so a later
// non-streaming assistant message doesn't re-emit it.
func (b *base) delta(messageID, text string) {
	b.mu.Lock()
	if !b.streamOpen[messageID] {
		b.mu.Unlock()
		b.startStream(messageID)
		b.mu.Lock()
	}
	b.streamedText[messageID] += text
	b.mu.Unlock()
	b.emit("stream_delta", map[string]any{"messageId": messageID, "delta": text})
}

// endStream emits stream_end exactly once per open stream.
func (b *base) endStream(messageID string) {
	b.mu.Lock()
	open := b.streamOpen[messageID]
	if open {
		delete(b.streamOpen, messageID)
	}
	b.mu.Unlock()
	if open {
		b.emit("stream_end", map[string]any{"messageId": messageID})
	}
}

// closeAllOpenStreams defensively closes any stream left open when a
// result/timeout/error terminates a turn (spec §4.4.1).
func (b *base) closeAllOpenStreams() {
	b.mu.Lock()
	open := make([]string, 0, len(b.streamOpen))
	for id := range b.streamOpen {
		open = append(open, id)
	}
	b.mu.Unlock()
	for _, id := range open {
		b.endStream(id)
	}
}

func (b *base) alreadyStreamed(messageID, text string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streamedText[messageID] == text
}

func (b *base) markAgentSpawned(toolUseID, description string) {
	b.mu.Lock()
	b.agentMarkers[toolUseID] = time.Now()
	b.mu.Unlock()
	b.emit("agent_spawned", map[string]any{"toolUseId": toolUseID, "description": description, "startedAt": time.Now()})
}

// completeAllAgentMarkers emits agent_completed for every live marker and
// clears the map; called on turn end (spec §4.6).
func (b *base) completeAllAgentMarkers() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.agentMarkers))
	for id := range b.agentMarkers {
		ids = append(ids, id)
	}
	b.agentMarkers = make(map[string]time.Time)
	b.mu.Unlock()
	for _, id := range ids {
		b.emit("agent_completed", map[string]any{"toolUseId": id})
	}
}

func (b *base) Info() Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Info{
		ID: b.id, Name: b.name, Cwd: b.cwd, Variant: b.variant,
		Model: b.model, PermissionMode: b.permissionMode,
		Busy: b.busy, Ready: b.ready, CreatedAt: b.createdAt,
	}
}

func (b *base) ID() string      { return b.id }
func (b *base) Variant() Variant { return b.variant }

// SetName updates the session's display name (spec §6 "rename_session").
func (b *base) SetName(name string) {
	b.mu.Lock()
	b.name = name
	b.mu.Unlock()
}
