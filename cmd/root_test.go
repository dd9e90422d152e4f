package cmd

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"arforward/config"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// TestExecute_Version verifies --version prints a version string.
func TestExecute_Version(t *testing.T) {
	if err := Execute(context.Background(), []string{"--version"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// TestExecute_Help verifies --help returns without error.
func TestExecute_Help(t *testing.T) {
	if err := Execute(context.Background(), []string{"--help"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// TestExecute_Check verifies --check validates and exits cleanly.
func TestExecute_Check(t *testing.T) {
	keys := writeFile(t, "client.keys", "001 web01 any 9f86d081884c7d659a2feaa0c55ad015\n")
	err := Execute(context.Background(), []string{"-k", keys, "--check"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// TestExecute_CheckInvalid verifies --check still catches bad configs.
func TestExecute_CheckInvalid(t *testing.T) {
	keys := writeFile(t, "client.keys", "")
	err := Execute(context.Background(), []string{"-k", keys, "--mode-sentinels", "AR", "--check"})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "hint:") {
		t.Errorf("error should carry a hint: %v", err)
	}
}

// TestExecute_InvalidFlags verifies unknown flags produce an error.
func TestExecute_InvalidFlags(t *testing.T) {
	if err := Execute(context.Background(), []string{"--nonexistent-flag"}); err == nil {
		t.Fatal("expected error for unknown flag")
	}
	if err := Execute(context.Background(), []string{"stray"}); err == nil {
		t.Fatal("expected error for positional argument")
	}
}

// TestLoadConfig_Precedence verifies flags > env > file > defaults.
func TestLoadConfig_Precedence(t *testing.T) {
	file := writeFile(t, "arforward.toml", `
queue = "/from/file"
keys = "/from/file/keys"
listen = "127.0.0.1:1600"
notify_interval = "5m"
`)
	t.Setenv("ARFORWARD_CONFIG", file)
	t.Setenv("ARFORWARD_KEYS", "/from/env/keys")
	t.Setenv("ARFORWARD_LISTEN", "127.0.0.1:1700")

	cfg, _, _, err := loadConfig([]string{"--listen", "127.0.0.1:1800", "-vv"})
	if err != nil {
		t.Fatal(err)
	}

	if cfg.QueuePath != "/from/file" {
		t.Errorf("QueuePath = %q, want file value", cfg.QueuePath)
	}
	if cfg.KeysPath != "/from/env/keys" {
		t.Errorf("KeysPath = %q, want env value", cfg.KeysPath)
	}
	if cfg.ListenAddr != "127.0.0.1:1800" {
		t.Errorf("ListenAddr = %q, want flag value", cfg.ListenAddr)
	}
	if cfg.NotifyInterval != 5*time.Minute {
		t.Errorf("NotifyInterval = %v, want file value", cfg.NotifyInterval)
	}
	if cfg.ModeSentinels != config.DefaultModeSentinels {
		t.Errorf("ModeSentinels = %q, want default", cfg.ModeSentinels)
	}
	if cfg.Verbose != 3 {
		t.Errorf("Verbose = %d, want 3 for -vv", cfg.Verbose)
	}
}

func TestLoadConfig_ExplicitConfigFlagWins(t *testing.T) {
	envFile := writeFile(t, "env.toml", `queue = "/env/file"`)
	flagFile := writeFile(t, "flag.toml", `queue = "/flag/file"`)
	t.Setenv("ARFORWARD_CONFIG", envFile)

	cfg, _, _, err := loadConfig([]string{"--config", flagFile})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.QueuePath != "/flag/file" {
		t.Errorf("QueuePath = %q, want /flag/file", cfg.QueuePath)
	}
}

func TestLoadConfig_Quiet(t *testing.T) {
	for _, args := range [][]string{{"-Q"}, {"-Q", "-v"}, {"-vv", "-Q"}, {"--quiet", "--verbose"}} {
		cfg, _, _, err := loadConfig(args)
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Verbose != 0 {
			t.Errorf("loadConfig(%v) Verbose = %d, want 0", args, cfg.Verbose)
		}
	}
}
