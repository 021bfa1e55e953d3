// Package supervisor implements the process that owns the public tunnel
// and runs the worker server as a restartable child, with health-gated
// restart, crash-window detection, and rollback (spec §4.1).
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/chroxy/chroxy/internal/backoff"
)

// WorkerState is the supervisor's view of the worker child's lifecycle
// (spec §4.1 state machine).
type WorkerState string

const (
	StateInit     WorkerState = "INIT"
	StateSpawned  WorkerState = "SPAWNED"
	StateReady    WorkerState = "READY"
	StateDraining WorkerState = "DRAINING"
	StateExited   WorkerState = "EXITED"
	StateBackoff  WorkerState = "BACKOFF"
	StateGivingUp WorkerState = "GIVING_UP"
	StateShutdown WorkerState = "SHUTDOWN"
)

// restartBackoff is the {2,2,3,3,5,5,8,8,10,10}s sequence spec §4.1 names.
var restartBackoff = backoff.NewSequence(2, 2, 3, 3, 5, 5, 8, 8, 10, 10)

const (
	drainTimeout       = 30 * time.Second
	drainGraceWindow   = 5 * time.Second
	standbyRetryPeriod = 500 * time.Millisecond
	deployWindow       = 60 * time.Second
	deployRollbackN    = 3
)

// Config controls the supervisor's behaviour.
type Config struct {
	// Command spawns one instance of the worker. Tests inject a fake to
	// avoid forking a real binary (spec §9 "Unit vs integration test split").
	Command       func(ctx context.Context) (Worker, error)
	Addr          string // listen address for standby health + the worker
	MaxRestarts   int
	PIDFilePath   string
	KnownGoodRefPath string
	DeployMarkerPath string
}

// Worker is the minimal surface the Supervisor needs from a running
// worker child: drain and termination requests, a readiness check, and a
// blocking Wait for its exit.
type Worker interface {
	// SendDrain asks the worker to drain; returns once drain_complete is
	// observed or timeout elapses.
	SendDrain(ctx context.Context, timeout time.Duration) error
	// Terminate sends a graceful termination signal.
	Terminate() error
	// Kill force-kills the worker.
	Kill() error
	// Wait blocks until the worker process exits.
	Wait() error
	// Ready reports whether the worker has signalled readiness (e.g. bound
	// its listener and passed its own health check).
	Ready(ctx context.Context, timeout time.Duration) error
}

// Supervisor owns the worker lifecycle and the standby health server.
type Supervisor struct {
	cfg Config

	mu           sync.Mutex
	state        WorkerState
	restartCount int
	deployExits  []time.Time
	worker       Worker
	drainReq     chan struct{}
	standbySrv   *http.Server

	startTime time.Time
}

// New constructs a Supervisor in state INIT.
func New(cfg Config) *Supervisor {
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = 10
	}
	return &Supervisor{cfg: cfg, state: StateInit, drainReq: make(chan struct{}, 1)}
}

// Run starts the supervision loop and blocks until ctx is cancelled or the
// worker gives up permanently.
func (s *Supervisor) Run(ctx context.Context) error {
	s.startTime = time.Now()
	s.writePIDFile()

	s.startStandby()

	for {
		select {
		case <-ctx.Done():
			s.setState(StateShutdown)
			if w := s.currentWorker(); w != nil {
				_ = w.Terminate()
			}
			s.stopStandby()
			return ctx.Err()
		default:
		}

		s.setState(StateSpawned)
		w, err := s.cfg.Command(ctx)
		if err != nil {
			slog.Error("failed to spawn worker", "err", err)
			if !s.recordExitAndMaybeRollback(ctx) && ctx.Err() == nil {
				return s.giveUp()
			}
			continue
		}
		s.mu.Lock()
		s.worker = w
		s.mu.Unlock()

		if err := w.Ready(ctx, 30*time.Second); err != nil {
			slog.Error("worker failed to become ready", "err", err)
		} else {
			s.setState(StateReady)
			s.stopStandby()
		}

		exitErr := s.superviseUntilExit(ctx, w)
		if ctx.Err() != nil {
			continue // the loop head shuts down
		}
		s.startStandby()

		if exitErr == errDrainedAndTerminated {
			// Drain requested a restart immediately, no backoff.
			s.mu.Lock()
			s.restartCount = 0
			s.mu.Unlock()
			continue
		}

		slog.Warn("worker exited", "err", exitErr)
		if !s.recordExitAndMaybeRollback(ctx) && ctx.Err() == nil {
			return s.giveUp()
		}
	}
}

var errDrainedAndTerminated = fmt.Errorf("worker drained and terminated by request")

// superviseUntilExit waits for either a drain request or the worker to
// exit on its own, handling the supervisor-initiated drain protocol
// (spec §4.1 Restart request, §5 deploy-restart protocol).
func (s *Supervisor) superviseUntilExit(ctx context.Context, w Worker) error {
	exitCh := make(chan error, 1)
	go func() { exitCh <- w.Wait() }()

	select {
	case <-s.drainReq:
		s.setState(StateDraining)
		drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
		defer cancel()
		if err := w.SendDrain(drainCtx, drainTimeout); err != nil {
			slog.Warn("drain did not complete cleanly, forcing termination", "err", err)
		}
		_ = w.Terminate()

		select {
		case <-exitCh:
		case <-time.After(drainGraceWindow):
			_ = w.Kill()
			<-exitCh
		}
		return errDrainedAndTerminated
	case err := <-exitCh:
		s.setState(StateExited)
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestRestart is the external signal handler for an operator-initiated
// restart. If a drain is already underway or the worker is not yet ready,
// the request is ignored (spec §4.1).
func (s *Supervisor) RequestRestart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		slog.Info("restart request ignored: worker not ready or already draining", "state", s.state)
		return
	}
	select {
	case s.drainReq <- struct{}{}:
	default:
	}
}

// recordExitAndMaybeRollback applies the backoff/rollback policy after a
// worker exit. It returns false if the restart ceiling was exceeded (the
// caller must give up) or ctx was cancelled during the backoff wait.
func (s *Supervisor) recordExitAndMaybeRollback(ctx context.Context) bool {
	s.mu.Lock()
	s.restartCount++
	count := s.restartCount
	maxRestarts := s.cfg.MaxRestarts
	s.mu.Unlock()

	if s.deployJustHappened() {
		s.mu.Lock()
		now := time.Now()
		s.deployExits = append(s.deployExits, now)
		cutoff := now.Add(-deployWindow)
		kept := s.deployExits[:0]
		for _, t := range s.deployExits {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		s.deployExits = kept
		exitsInWindow := len(s.deployExits)
		s.mu.Unlock()

		if exitsInWindow >= deployRollbackN {
			if err := s.rollback(ctx); err != nil {
				slog.Error("rollback failed, continuing normal restart policy", "err", err)
			} else {
				s.mu.Lock()
				s.restartCount = 0
				s.deployExits = nil
				s.mu.Unlock()
				return true
			}
		}
	}

	if count > maxRestarts {
		return false
	}

	s.setState(StateBackoff)
	delay := restartBackoff.Delay(count - 1)
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
	}
	return true
}

func (s *Supervisor) giveUp() error {
	s.setState(StateGivingUp)
	s.stopStandby()
	return fmt.Errorf("supervisor: exceeded max restarts (%d)", s.cfg.MaxRestarts)
}

// deployJustHappened checks for an externally-written deploy marker file
// (spec §4.1 "if an external trigger marked a deploy just happened").
func (s *Supervisor) deployJustHappened() bool {
	if s.cfg.DeployMarkerPath == "" {
		return false
	}
	_, err := os.Stat(s.cfg.DeployMarkerPath)
	return err == nil
}

// rollback checks out the known-good commit recorded in KnownGoodRefPath.
func (s *Supervisor) rollback(ctx context.Context) error {
	if s.cfg.KnownGoodRefPath == "" {
		return fmt.Errorf("no known-good-ref configured")
	}
	data, err := os.ReadFile(s.cfg.KnownGoodRefPath)
	if err != nil {
		return fmt.Errorf("read known-good-ref: %w", err)
	}
	ref := strings.TrimSpace(string(data))
	if ref == "" {
		return fmt.Errorf("known-good-ref is empty")
	}
	cmd := exec.CommandContext(ctx, "git", "checkout", ref)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git checkout %s: %w (%s)", ref, err, out)
	}
	slog.Info("rolled back to known-good ref", "ref", ref)
	return nil
}

func (s *Supervisor) setState(st WorkerState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Supervisor) currentWorker() Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.worker
}

func (s *Supervisor) writePIDFile() {
	if s.cfg.PIDFilePath == "" {
		return
	}
	if err := os.WriteFile(s.cfg.PIDFilePath, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
		slog.Warn("failed to write PID file, continuing", "path", s.cfg.PIDFilePath, "err", err)
	}
}

// standbyStatus is the response served by the standby health server. The
// worker's own /health answers with a different body ({status:"ok",
// mode:"worker"}).
type standbyStatus struct {
	Status  string         `json:"status"`
	Metrics map[string]any `json:"metrics"`
}

// startStandby binds the listen port with a minimal HTTP server while the
// worker is down (spec §4.1 "Standby health"). Safe to call when a standby
// server is already running (no-op) or the port is momentarily held by the
// outgoing worker process (retries every 500ms).
func (s *Supervisor) startStandby() {
	s.mu.Lock()
	if s.standbySrv != nil {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	mux := http.NewServeMux()
	handler := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(standbyStatus{
			Status: "restarting",
			Metrics: map[string]any{
				"uptimeSeconds": time.Since(s.startTime).Seconds(),
				"restartCount":  s.currentRestartCount(),
			},
		})
	}
	mux.HandleFunc("/", handler)
	mux.HandleFunc("/health", handler)

	srv := &http.Server{Addr: s.cfg.Addr, Handler: mux}

	go func() {
		for {
			ln, err := net.Listen("tcp", s.cfg.Addr)
			if err != nil {
				if strings.Contains(err.Error(), "address already in use") {
					time.Sleep(standbyRetryPeriod)
					continue
				}
				slog.Error("standby server failed to bind", "err", err)
				return
			}
			s.mu.Lock()
			s.standbySrv = srv
			s.mu.Unlock()
			_ = srv.Serve(ln)
			return
		}
	}()
}

// stopStandby releases the standby listener as soon as the worker reports
// ready, or on shutdown.
func (s *Supervisor) stopStandby() {
	s.mu.Lock()
	srv := s.standbySrv
	s.standbySrv = nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func (s *Supervisor) currentRestartCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restartCount
}

// State reports the supervisor's current worker-lifecycle state.
func (s *Supervisor) State() WorkerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
