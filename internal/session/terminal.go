package session

import (
	"context"
	"fmt"

	"github.com/chroxy/chroxy/internal/pty"
)

// TerminalLaunch configures an attached-terminal session (spec §4.4.3):
// a plain shell PTY with no Agent involvement. Raw bytes pass through
// untouched; there is no model, no tool calls, no permission broker.
type TerminalLaunch struct {
	Shell   string
	Rows    int
	Cols    int
	Env     []string
	WorkDir string
}

// Terminal is the attached-terminal session variant: it forwards raw PTY
// bytes as stream_delta events under a single fixed messageId and ignores
// every Agent-specific operation (spec §4.4.3 "Variant forbids").
type Terminal struct {
	*base

	ptySession *pty.Session
}

const terminalMessageID = "terminal"

// NewTerminal starts the shell and begins forwarding its output.
func NewTerminal(id, name, cwd string, emitter Emitter, launch TerminalLaunch) (*Terminal, error) {
	t := &Terminal{base: newBase(id, name, cwd, VariantAttachedTerminal, emitter)}

	sess, err := pty.NewSession(pty.SessionConfig{
		ID:      id,
		Name:    name,
		Shell:   launch.Shell,
		Rows:    launch.Rows,
		Cols:    launch.Cols,
		Env:     launch.Env,
		WorkDir: launch.WorkDir,
	})
	if err != nil {
		return nil, fmt.Errorf("start terminal: %w", err)
	}
	t.ptySession = sess
	t.ready = true

	t.startStream(terminalMessageID)
	sess.StartOutputReader(
		func(_ string, data []byte) { t.delta(terminalMessageID, string(data)) },
		func(_ string) {
			t.endStream(terminalMessageID)
			t.setDead()
		},
	)

	t.emitReady("", nil)
	return t, nil
}

func (t *Terminal) setDead() {
	t.mu.Lock()
	t.ready = false
	t.mu.Unlock()
}

// Send writes raw bytes to the PTY; there is no turn lifecycle, so the
// session never reports busy (spec §4.4.3).
func (t *Terminal) Send(_ context.Context, text string) error {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return ErrAlreadyDestroyed
	}
	t.mu.Unlock()
	_, err := t.ptySession.Write([]byte(text))
	return err
}

// Resize forwards a terminal resize, an attached-terminal-only operation.
func (t *Terminal) Resize(rows, cols int) error {
	return t.ptySession.Resize(rows, cols)
}

// Interrupt forwards Ctrl-C (0x03) to the shell, the terminal equivalent
// of interrupting a turn.
func (t *Terminal) Interrupt() {
	_, _ = t.ptySession.Write([]byte{0x03})
}

func (t *Terminal) SetModel(string) error                      { return ErrVariantForbids }
func (t *Terminal) SetPermissionMode(PermissionMode) error      { return ErrVariantForbids }
func (t *Terminal) RespondToPermission(string, string) error    { return ErrVariantForbids }
func (t *Terminal) RespondToQuestion(QuestionAnswer) error      { return ErrVariantForbids }

func (t *Terminal) Destroy() error {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return nil
	}
	t.destroyed = true
	t.mu.Unlock()
	return t.ptySession.Close()
}
