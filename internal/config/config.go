// Package config loads the chroxy daemon's configuration with precedence
// CLI flags > environment variables > ~/.chroxy/config.json > built-in
// defaults.
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable the supervisor and worker processes need.
// Fields are exported and JSON-tagged so the same struct doubles as the
// shape written to ~/.chroxy/config.json by the `init` CLI subcommand and
// printed by the `config` subcommand.
type Config struct {
	// Network
	Port           int      `json:"port"`
	Host           string   `json:"host"`
	AllowedOrigins []string `json:"allowedOrigins"`

	// Auth
	APIToken   string `json:"-"` // never persisted to disk
	NoAuth     bool   `json:"-"`
	JWKSURL    string `json:"jwksUrl,omitempty"`
	JWTIssuer  string `json:"jwtIssuer,omitempty"`
	JWTAudience string `json:"jwtAudience,omitempty"`

	// Workspace / Agent
	Cwd           string   `json:"cwd"`
	Model         string   `json:"model,omitempty"`
	AllowedTools  []string `json:"allowedTools,omitempty"`
	Resume        bool     `json:"-"`
	ShellCmd      string   `json:"shellCmd"`
	DefaultRows   int      `json:"defaultRows"`
	DefaultCols   int      `json:"defaultCols"`

	// Tunnel
	TunnelMode string `json:"tunnelMode"` // "quick" | "named" | "none"

	// Supervisor
	Supervised        bool          `json:"-"`
	NoSupervisor      bool          `json:"-"`
	MaxRestarts       int           `json:"maxRestarts"`
	DiscoveryInterval time.Duration `json:"discoveryInterval"`

	// Session capacity
	SessionCapacity int `json:"sessionCapacity"`

	// HTTP tuning
	HTTPReadTimeout  time.Duration `json:"httpReadTimeout"`
	HTTPWriteTimeout time.Duration `json:"httpWriteTimeout"`
	WSReadBufferSize  int `json:"wsReadBufferSize"`
	WSWriteBufferSize int `json:"wsWriteBufferSize"`

	Verbose bool `json:"-"`
}

// Load resolves configuration with precedence: CLI flags (parsed from
// args) > environment variables > ~/.chroxy/config.json > defaults.
//
// args is the CLI argument slice after the subcommand (e.g. the tail of
// `chroxy start --tunnel quick --verbose`). Load is intentionally tolerant
// of an empty args slice so the worker process (spawned by the supervisor
// with only environment variables set) resolves the same configuration.
func Load(args []string) (*Config, error) {
	cfg := defaults()

	if home, err := os.UserHomeDir(); err == nil {
		applyFile(cfg, filepath.Join(home, ".chroxy", "config.json"))
	}

	applyEnv(cfg)

	if err := applyFlags(cfg, args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	if !cfg.NoAuth && cfg.APIToken == "" {
		return nil, fmt.Errorf("API_TOKEN is required unless --no-auth is set")
	}
	if cfg.Cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		cfg.Cwd = wd
	}
	if info, err := os.Stat(cfg.Cwd); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("cwd %q is not a directory", cfg.Cwd)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Port:              8765,
		Host:              "0.0.0.0",
		AllowedOrigins:    []string{"*"},
		ShellCmd:          "/bin/bash",
		DefaultRows:       24,
		DefaultCols:       80,
		TunnelMode:        "quick",
		MaxRestarts:       10,
		DiscoveryInterval: 30 * time.Second,
		SessionCapacity:   5,
		HTTPReadTimeout:   15 * time.Second,
		HTTPWriteTimeout:  15 * time.Second,
		WSReadBufferSize:  1024,
		WSWriteBufferSize: 1024,
	}
}

// applyFile overlays values found in the JSON config file, if present.
// A missing file is not an error — it just means "use env/defaults".
func applyFile(cfg *Config, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var onDisk Config
	if err := json.Unmarshal(data, &onDisk); err != nil {
		return
	}
	if onDisk.Port != 0 {
		cfg.Port = onDisk.Port
	}
	if onDisk.Host != "" {
		cfg.Host = onDisk.Host
	}
	if len(onDisk.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = onDisk.AllowedOrigins
	}
	if onDisk.Cwd != "" {
		cfg.Cwd = onDisk.Cwd
	}
	if onDisk.Model != "" {
		cfg.Model = onDisk.Model
	}
	if len(onDisk.AllowedTools) > 0 {
		cfg.AllowedTools = onDisk.AllowedTools
	}
	if onDisk.ShellCmd != "" {
		cfg.ShellCmd = onDisk.ShellCmd
	}
	if onDisk.TunnelMode != "" {
		cfg.TunnelMode = onDisk.TunnelMode
	}
	if onDisk.MaxRestarts != 0 {
		cfg.MaxRestarts = onDisk.MaxRestarts
	}
	if onDisk.SessionCapacity != 0 {
		cfg.SessionCapacity = onDisk.SessionCapacity
	}
	if onDisk.JWKSURL != "" {
		cfg.JWKSURL = onDisk.JWKSURL
	}
	if onDisk.JWTIssuer != "" {
		cfg.JWTIssuer = onDisk.JWTIssuer
	}
	if onDisk.JWTAudience != "" {
		cfg.JWTAudience = onDisk.JWTAudience
	}
}

// applyEnv overlays environment variables per §6's table.
func applyEnv(cfg *Config) {
	cfg.APIToken = getEnv("API_TOKEN", cfg.APIToken)
	cfg.Port = getEnvInt("PORT", cfg.Port)
	cfg.Port = getEnvInt("CHROXY_PORT", cfg.Port)
	cfg.ShellCmd = getEnv("SHELL_CMD", cfg.ShellCmd)
	cfg.Cwd = getEnv("CHROXY_CWD", cfg.Cwd)
	cfg.Model = getEnv("CHROXY_MODEL", cfg.Model)
	cfg.AllowedTools = getEnvStringSlice("CHROXY_ALLOWED_TOOLS", cfg.AllowedTools)
	cfg.Resume = getEnvBool("CHROXY_RESUME", cfg.Resume)
	cfg.NoAuth = getEnvBool("CHROXY_NO_AUTH", cfg.NoAuth)
	cfg.Supervised = getEnvBool("CHROXY_SUPERVISED", cfg.Supervised)
	cfg.TunnelMode = getEnv("CHROXY_TUNNEL", cfg.TunnelMode)
	cfg.DiscoveryInterval = getEnvDuration("CHROXY_DISCOVERY_INTERVAL", cfg.DiscoveryInterval)
	cfg.JWKSURL = getEnv("JWKS_ENDPOINT", cfg.JWKSURL)
	cfg.JWTIssuer = getEnv("JWT_ISSUER", cfg.JWTIssuer)
	cfg.JWTAudience = getEnv("JWT_AUDIENCE", cfg.JWTAudience)
	cfg.AllowedOrigins = getEnvStringSlice("CHROXY_ALLOWED_ORIGINS", cfg.AllowedOrigins)
}

// applyFlags overlays CLI flags, the highest-precedence layer. Every
// subcommand that calls Load shares this one flag set; an unknown flag is
// a parse error (flag.ContinueOnError returns it rather than exiting).
func applyFlags(cfg *Config, args []string) error {
	fs := flag.NewFlagSet("chroxy", flag.ContinueOnError)
	fs.SetOutput(nil)

	configPath := fs.String("config", "", "path to config.json")
	tunnel := fs.String("tunnel", cfg.TunnelMode, "tunnel mode: quick|named|none")
	noAuth := fs.Bool("no-auth", cfg.NoAuth, "disable authentication")
	noSupervisor := fs.Bool("no-supervisor", cfg.NoSupervisor, "run the worker directly, without a supervisor")
	model := fs.String("model", cfg.Model, "default model identifier")
	cwd := fs.String("cwd", cfg.Cwd, "working directory")
	allowedTools := fs.String("allowed-tools", strings.Join(cfg.AllowedTools, ","), "comma-separated allowed tool names")
	verbose := fs.Bool("verbose", cfg.Verbose, "verbose logging")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *configPath != "" {
		applyFile(cfg, *configPath)
		applyEnv(cfg) // env still outranks any config file
	}
	if isFlagPassed(fs, "tunnel") {
		cfg.TunnelMode = *tunnel
	}
	if isFlagPassed(fs, "no-auth") {
		cfg.NoAuth = *noAuth
	}
	if isFlagPassed(fs, "no-supervisor") {
		cfg.NoSupervisor = *noSupervisor
	}
	if isFlagPassed(fs, "model") {
		cfg.Model = *model
	}
	if isFlagPassed(fs, "cwd") {
		cfg.Cwd = *cwd
	}
	if isFlagPassed(fs, "allowed-tools") {
		var tools []string
		for _, p := range strings.Split(*allowedTools, ",") {
			if t := strings.TrimSpace(p); t != "" {
				tools = append(tools, t)
			}
		}
		cfg.AllowedTools = tools
	}
	if isFlagPassed(fs, "verbose") {
		cfg.Verbose = *verbose
	}

	return nil
}

func isFlagPassed(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if key == "" {
		return defaultValue
	}
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if t := strings.TrimSpace(p); t != "" {
				result = append(result, t)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
