package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_DefaultsAndNoAuth(t *testing.T) {
	t.Setenv("API_TOKEN", "")
	t.Setenv("CHROXY_NO_AUTH", "true")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 8765 {
		t.Errorf("Port = %d, want default 8765", cfg.Port)
	}
	if cfg.SessionCapacity != 5 {
		t.Errorf("SessionCapacity = %d, want default 5", cfg.SessionCapacity)
	}
	if cfg.Cwd == "" {
		t.Error("Cwd should default to the process working directory")
	}
}

func TestLoad_RequiresTokenUnlessNoAuth(t *testing.T) {
	t.Setenv("API_TOKEN", "")
	t.Setenv("CHROXY_NO_AUTH", "false")

	if _, err := Load(nil); err == nil {
		t.Fatal("expected an error when API_TOKEN is unset and auth is required")
	}
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("API_TOKEN", "secret")
	t.Setenv("PORT", "9999")
	t.Setenv("CHROXY_MODEL", "opus")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 9999 {
		t.Errorf("Port = %d, want 9999", cfg.Port)
	}
	if cfg.Model != "opus" {
		t.Errorf("Model = %q, want %q", cfg.Model, "opus")
	}
}

func TestLoad_FlagsOverrideEnv(t *testing.T) {
	t.Setenv("API_TOKEN", "secret")
	t.Setenv("CHROXY_MODEL", "opus")

	cfg, err := Load([]string{"--model", "sonnet", "--tunnel", "named"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Model != "sonnet" {
		t.Errorf("Model = %q, want flag value %q", cfg.Model, "sonnet")
	}
	if cfg.TunnelMode != "named" {
		t.Errorf("TunnelMode = %q, want %q", cfg.TunnelMode, "named")
	}
}

func TestLoad_FileOverriddenByEnv(t *testing.T) {
	dir := t.TempDir()
	home := dir
	t.Setenv("HOME", home)
	chroxyDir := filepath.Join(home, ".chroxy")
	if err := os.MkdirAll(chroxyDir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(chroxyDir, "config.json"), []byte(`{"port":1234,"model":"from-file"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("API_TOKEN", "secret")
	t.Setenv("CHROXY_MODEL", "from-env")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 1234 {
		t.Errorf("Port = %d, want file value 1234", cfg.Port)
	}
	if cfg.Model != "from-env" {
		t.Errorf("Model = %q, want env value to win over file", cfg.Model)
	}
}

func TestLoad_RejectsMissingCwd(t *testing.T) {
	t.Setenv("API_TOKEN", "secret")
	t.Setenv("CHROXY_CWD", filepath.Join(t.TempDir(), "does-not-exist"))

	if _, err := Load(nil); err == nil {
		t.Fatal("expected an error for a missing cwd")
	}
}
