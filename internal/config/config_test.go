package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/hookrelay/internal/testutil/testlog"
)

const testSecret = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestDefaults(t *testing.T) {
	testlog.Start(t)

	cfg := Default()
	if cfg.Port != DefaultPort {
		t.Fatalf("port = %d, want %d", cfg.Port, DefaultPort)
	}
	if cfg.BindMode != BindLoopback {
		t.Fatalf("bind mode = %q", cfg.BindMode)
	}
	if cfg.SocketPath != DefaultSocketPath {
		t.Fatalf("socket path = %q", cfg.SocketPath)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Fatalf("heartbeat = %s", cfg.HeartbeatInterval)
	}
}

func TestLoadTOML(t *testing.T) {
	testlog.Start(t)

	path := filepath.Join(t.TempDir(), "hookrelay.toml")
	doc := `
socket_path = "/tmp/test-relay.sock"
bind_mode = "all"
port = 5999
secret = "` + testSecret + `"
trusted_networks = true
trusted_cidrs = ["100.64.0.0/10"]
heartbeat_seconds = 10
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 5999 || cfg.BindMode != BindAll || cfg.SocketPath != "/tmp/test-relay.sock" {
		t.Fatalf("loaded config = %+v", cfg)
	}
	if cfg.HeartbeatInterval != 10*time.Second {
		t.Fatalf("heartbeat = %s", cfg.HeartbeatInterval)
	}
	// Unset keys fall back to defaults.
	if cfg.AdminAddr == "" || cfg.ServiceName == "" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestValidateSecret(t *testing.T) {
	testlog.Start(t)

	if err := ValidateSecret(testSecret); err != nil {
		t.Fatalf("valid secret rejected: %v", err)
	}
	if err := ValidateSecret("short"); err == nil {
		t.Fatalf("short secret accepted")
	}
	if err := ValidateSecret(strings.Repeat("g", 64)); err == nil {
		t.Fatalf("non-hex secret accepted")
	}
}

func TestValidateRequiresCredential(t *testing.T) {
	testlog.Start(t)

	cfg := Default()
	cfg.BindMode = BindAll
	if err := cfg.Validate(); err == nil {
		t.Fatalf("network bind without secret or trust accepted")
	}
	cfg.TrustedNetworks = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("trusted network bind rejected: %v", err)
	}
	cfg.TrustedNetworks = false
	cfg.Secret = testSecret
	if err := cfg.Validate(); err != nil {
		t.Fatalf("secret bind rejected: %v", err)
	}
}

func TestListenAddr(t *testing.T) {
	testlog.Start(t)

	cfg := Default()
	cfg.BindMode = BindOff
	if got := cfg.ListenAddr(); got != "" {
		t.Fatalf("off addr = %q", got)
	}
	cfg.BindMode = BindLoopback
	if got := cfg.ListenAddr(); got != "127.0.0.1:4851" {
		t.Fatalf("loopback addr = %q", got)
	}
	cfg.BindMode = BindAll
	if got := cfg.ListenAddr(); got != ":4851" {
		t.Fatalf("all addr = %q", got)
	}
}
