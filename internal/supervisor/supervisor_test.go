package supervisor

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"
)

type fakeWorker struct {
	exitCh      chan error
	drainCalled chan struct{}
	terminated  bool
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{exitCh: make(chan error, 1), drainCalled: make(chan struct{}, 1)}
}

func (w *fakeWorker) SendDrain(ctx context.Context, timeout time.Duration) error {
	select {
	case w.drainCalled <- struct{}{}:
	default:
	}
	return nil
}
func (w *fakeWorker) Terminate() error {
	w.terminated = true
	select {
	case w.exitCh <- nil:
	default:
	}
	return nil
}
func (w *fakeWorker) Kill() error                               { return w.Terminate() }
func (w *fakeWorker) Wait() error                                { return <-w.exitCh }
func (w *fakeWorker) Ready(ctx context.Context, timeout time.Duration) error { return nil }

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestRun_GivesUpAfterMaxRestarts(t *testing.T) {
	attempts := 0
	sup := New(Config{
		Addr:        freePort(t),
		MaxRestarts: 2,
		Command: func(ctx context.Context) (Worker, error) {
			attempts++
			w := newFakeWorker()
			w.exitCh <- fmt.Errorf("crash %d", attempts)
			return w, nil
		},
	})

	err := sup.Run(context.Background())
	if err == nil {
		t.Fatal("expected Run() to return an error after exceeding max restarts")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3 (1 initial + 2 restarts)", attempts)
	}
}

func TestRun_ShutsDownOnContextCancel(t *testing.T) {
	w := newFakeWorker()
	sup := New(Config{
		Addr:        freePort(t),
		MaxRestarts: 10,
		Command: func(ctx context.Context) (Worker, error) {
			return w, nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}
}

func TestRequestRestart_TriggersDrainProtocol(t *testing.T) {
	w := newFakeWorker()
	sup := New(Config{
		Addr:        freePort(t),
		MaxRestarts: 10,
		Command: func(ctx context.Context) (Worker, error) {
			return w, nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	// Wait for the worker to reach READY before requesting a restart.
	deadline := time.After(2 * time.Second)
	for sup.State() != StateReady {
		select {
		case <-deadline:
			t.Fatal("supervisor never reached READY")
		case <-time.After(5 * time.Millisecond):
		}
	}

	sup.RequestRestart()

	select {
	case <-w.drainCalled:
	case <-time.After(2 * time.Second):
		t.Fatal("drain was never requested on the worker")
	}
}

func TestRequestRestart_IgnoredWhenNotReady(t *testing.T) {
	sup := New(Config{Addr: freePort(t), MaxRestarts: 1})
	sup.RequestRestart() // state is INIT; must be a no-op, not a panic
	if len(sup.drainReq) != 0 {
		t.Error("drain request should not have been queued while not READY")
	}
}
