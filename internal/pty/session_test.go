package pty

import (
	"bytes"
	"sync"
	"testing"
	"time"
)

func TestStartOutputReader_ForwardsOutput(t *testing.T) {
	session, err := NewSession(SessionConfig{
		ID:    "sess-output-test",
		Shell: "/bin/sh",
		Rows:  24,
		Cols:  80,
	})
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	defer session.Close()

	var buf bytes.Buffer
	var mu sync.Mutex
	session.StartOutputReader(
		func(_ string, data []byte) {
			mu.Lock()
			buf.Write(data)
			mu.Unlock()
		},
		nil,
	)

	if _, err := session.Write([]byte("echo hello-pty\n")); err != nil {
		t.Fatalf("write error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := buf.String()
		mu.Unlock()
		if bytes.Contains([]byte(got), []byte("hello-pty")) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected output reader to forward shell output containing 'hello-pty'")
}

func TestStartOutputReader_SetsProcessExitedOnExit(t *testing.T) {
	session, err := NewSession(SessionConfig{
		ID:    "sess-exit-test",
		Shell: "/bin/sh",
		Rows:  24,
		Cols:  80,
	})
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	exitCh := make(chan string, 1)
	session.StartOutputReader(nil, func(sessionID string) {
		exitCh <- sessionID
	})

	_, _ = session.Write([]byte("exit\n"))

	select {
	case id := <-exitCh:
		if id != "sess-exit-test" {
			t.Fatalf("expected session ID sess-exit-test, got %s", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for process exit callback")
	}

	session.mu.RLock()
	exited := session.ProcessExited
	session.mu.RUnlock()

	if !exited {
		t.Fatal("expected ProcessExited to be true after process exits")
	}
}

func TestResize_UpdatesDimensions(t *testing.T) {
	session, err := NewSession(SessionConfig{
		ID:    "sess-resize-test",
		Shell: "/bin/sh",
		Rows:  24,
		Cols:  80,
	})
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	defer session.Close()

	if err := session.Resize(40, 120); err != nil {
		t.Fatalf("resize error: %v", err)
	}

	session.mu.RLock()
	rows, cols := session.Rows, session.Cols
	session.mu.RUnlock()

	if rows != 40 || cols != 120 {
		t.Fatalf("expected 40x120, got %dx%d", rows, cols)
	}
}
