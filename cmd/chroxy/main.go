// Command chroxy bridges a remote mobile client over a public tunnel to
// one or more long-running Agent sessions on this host.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/chroxy/chroxy/internal/broker"
	"github.com/chroxy/chroxy/internal/config"
	"github.com/chroxy/chroxy/internal/eventstore"
	"github.com/chroxy/chroxy/internal/logging"
	"github.com/chroxy/chroxy/internal/session"
	"github.com/chroxy/chroxy/internal/sessionmanager"
	"github.com/chroxy/chroxy/internal/supervisor"
	"github.com/chroxy/chroxy/internal/tunnel"
	"github.com/chroxy/chroxy/internal/wsserver"
)

var (
	version   = "dev"
	gitCommit = "unknown"
	gitBranch = "unknown"
)

func main() {
	logging.Setup()

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: chroxy <init|start|config|tunnel|wrap>")
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "init":
		err = runInit(os.Args[2:])
	case "start":
		err = runStart(os.Args[2:])
	case "config":
		err = runShowConfig(os.Args[2:])
	case "tunnel":
		err = runTunnelSetup(os.Args[2:])
	case "wrap":
		err = runWrap(os.Args[2:])
	default:
		err = fmt.Errorf("unknown command %q", os.Args[1])
	}

	if err != nil {
		slog.Error("chroxy exited with error", "err", err)
		os.Exit(1)
	}
}

// runInit writes a fresh ~/.chroxy/config.json with sane defaults (spec §6
// CLI surface "init").
func runInit(args []string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	dir := filepath.Join(home, ".chroxy")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	cfg, err := config.Load(args)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Println("wrote", path)
	return nil
}

func runShowConfig(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

// runTunnelSetup walks the operator through capturing named-tunnel
// credentials (spec §6 "tunnel setup"). It only prints a hint to run the
// tunnel provider's own login flow; it neither validates nor persists any
// credentials itself.
func runTunnelSetup(args []string) error {
	fmt.Println("Run your tunnel provider's login flow, then re-run `chroxy start --tunnel named`.")
	return nil
}

// runWrap is the `wrap --name` entry point (spec §6). It checks that
// --name is given and prints the name; it does not create a terminal
// session or start the Agent.
func runWrap(args []string) error {
	fs := flagSetWithName(args)
	name := fs.name
	if name == "" {
		return fmt.Errorf("wrap requires --name")
	}
	fmt.Println("wrap: hosting Agent under named terminal session", name)
	return nil
}

type wrapFlags struct{ name string }

func flagSetWithName(args []string) wrapFlags {
	var f wrapFlags
	for i, a := range args {
		if a == "--name" && i+1 < len(args) {
			f.name = args[i+1]
		}
	}
	return f
}

// runStart is the main entry point: it dispatches to the supervisor
// process or the worker process depending on CHROXY_SUPERVISED, exactly
// as the teacher dispatches its own node/agent roles (spec §4.1).
func runStart(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Verbose {
		logging.SetupWithConfig("debug", "text", os.Stderr)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.Supervised {
		return runWorker(ctx, cfg)
	}
	if cfg.NoSupervisor {
		return runWorker(ctx, cfg)
	}
	return runSupervisor(ctx, cfg)
}

// runSupervisor owns the tunnel and re-execs this same binary as the
// worker child with CHROXY_SUPERVISED=1 (spec §4.1).
func runSupervisor(ctx context.Context, cfg *config.Config) error {
	home, _ := os.UserHomeDir()
	dir := filepath.Join(home, ".chroxy")
	_ = os.MkdirAll(dir, 0o755)

	var tun *tunnel.Tunnel
	if cfg.TunnelMode != string(tunnel.ModeNone) {
		starter := tunnel.NewExecStarter("cloudflared")
		tun = tunnel.New(starter, tunnel.Mode(cfg.TunnelMode), "")
		go func() {
			for ev := range tun.Events {
				slog.Info("tunnel event", "type", ev.Type, "url", ev.URL)
			}
		}()
		url, err := tun.Start(ctx)
		if err != nil {
			slog.Error("tunnel failed to start", "err", err)
		} else {
			slog.Info("tunnel established", "url", url)
		}
		defer tun.Stop()
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable path: %w", err)
	}

	sup := supervisor.New(supervisor.Config{
		Addr:             fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		MaxRestarts:      cfg.MaxRestarts,
		PIDFilePath:      filepath.Join(dir, "supervisor.pid"),
		KnownGoodRefPath: filepath.Join(dir, "known-good-ref"),
		Command: func(ctx context.Context) (supervisor.Worker, error) {
			return supervisor.NewExecWorker(ctx, exe, []string{"start"}, append(os.Environ(), "CHROXY_SUPERVISED=1"), cfg.Host, cfg.Port, cfg.APIToken)
		},
	})
	return sup.Run(ctx)
}

func runWorker(ctx context.Context, cfg *config.Config) error {
	home, _ := os.UserHomeDir()
	dbPath := filepath.Join(home, ".chroxy", "events.db")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	store, err := eventstore.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer store.Close()

	b := broker.New()
	sm := sessionmanager.New(store, cfg.SessionCapacity)

	srv, err := wsserver.New(ctx, wsserver.Config{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		AllowedOrigins: cfg.AllowedOrigins,
		NoAuth:         cfg.NoAuth,
		Token:          cfg.APIToken,
		JWKSURL:        cfg.JWKSURL,
		JWTIssuer:      cfg.JWTIssuer,
		JWTAudience:    cfg.JWTAudience,
		Cwd:            cfg.Cwd,
		ReadTimeout:    cfg.HTTPReadTimeout,
		WriteTimeout:   cfg.HTTPWriteTimeout,
		WSReadBufSize:  cfg.WSReadBufferSize,
		WSWriteBufSize: cfg.WSWriteBufferSize,
		Build:          wsserver.BuildInfo{Version: version, GitCommit: gitCommit, GitBranch: gitBranch},
		AgentLaunch: session.LaunchConfig{
			Command:  cfg.ShellCmd,
			BaseArgs: []string{"--acp"},
			Cwd:      cfg.Cwd,
		},
		TerminalLaunch: session.TerminalLaunch{
			Shell: cfg.ShellCmd,
			Rows:  cfg.DefaultRows,
			Cols:  cfg.DefaultCols,
		},
	}, sm, b)
	if err != nil {
		return fmt.Errorf("init wsserver: %w", err)
	}

	first, err := session.NewHeadless("default", "main", cfg.Cwd, sm.Emitter("default"), session.LaunchConfig{
		Command:  cfg.ShellCmd,
		BaseArgs: []string{"--acp"},
		Cwd:      cfg.Cwd,
		Broker:   b,
	})
	if err != nil {
		return fmt.Errorf("start default session: %w", err)
	}
	if err := sm.Register(first); err != nil {
		return fmt.Errorf("register default session: %w", err)
	}

	slog.Info("chroxy worker starting", "addr", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), "version", version)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go drainWatcher(runCtx, sm)

	err = srv.Run(ctx)
	sm.DestroyAll()
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// drainWatcher persists a lightweight drain marker on shutdown so an
// operator can see the last known session set (spec §6 "persisted state",
// "~/.chroxy/session-state.json").
func drainWatcher(ctx context.Context, sm *sessionmanager.Manager) {
	<-ctx.Done()
	home, _ := os.UserHomeDir()
	path := filepath.Join(home, ".chroxy", "session-state.json")
	infos := sm.ListInfo()
	b, err := json.MarshalIndent(map[string]any{
		"sessions":  infos,
		"drainedAt": time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(path, b, 0o600)
}
