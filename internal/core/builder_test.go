package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"arforward/config"
	"arforward/util"
)

const testKeys = "001 web01 any 9f86d081884c7d659a2feaa0c55ad015\n002 db01 10.0.0.2 60303ae22b998861bce3b28f33eec1be\n"

func writeKeys(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "client.keys")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// TestBuild_Daemon verifies that Build loads the roster without opening
// any socket.
func TestBuild_Daemon(t *testing.T) {
	cfg := config.Default()
	cfg.KeysPath = writeKeys(t, testKeys)

	d, err := Build(cfg, util.NewLogger(0))
	if err != nil {
		t.Fatal(err)
	}
	if d.Roster().Len() != 2 {
		t.Errorf("roster has %d agents, want 2", d.Roster().Len())
	}
	if d.LocalAddr() != nil {
		t.Error("no socket should be bound before Run")
	}
	if got := Describe(cfg, d); !strings.Contains(got, "agents=2") || !strings.Contains(got, "stale-after=20m0s") {
		t.Errorf("Describe() = %q", got)
	}
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantSub string
	}{
		{"invalid config", func(c *config.Config) { c.ModeSentinels = "A" }, "mode-sentinels"},
		{"missing keys file", func(c *config.Config) { c.KeysPath = filepath.Join(t.TempDir(), "none") }, "open keys"},
		{"duplicate agents", func(c *config.Config) {
			c.KeysPath = writeKeys(t, "001 a any k\n002 a any k\n")
		}, "duplicate peer name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.KeysPath = writeKeys(t, testKeys)
			tt.mutate(cfg)
			_, err := Build(cfg, util.NewLogger(0))
			if err == nil || !strings.Contains(err.Error(), tt.wantSub) {
				t.Fatalf("Build() = %v, want error containing %q", err, tt.wantSub)
			}
		})
	}
}
