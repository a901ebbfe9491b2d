package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/die-net/proxytun/internal/upstream"
)

func TestKnobsClamp(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		k           Knobs
		connect     time.Duration
		handshake   time.Duration
		check       time.Duration
		concurrency int
	}{
		{
			name:        "zero selects defaults",
			connect:     7 * time.Second,
			handshake:   7 * time.Second,
			check:       5 * time.Second,
			concurrency: 10,
		},
		{
			name:        "negative selects defaults",
			k:           Knobs{ConnectTimeout: -1, HandshakeTimeout: -time.Second, CheckTimeout: -5, Concurrency: -3},
			connect:     7 * time.Second,
			handshake:   7 * time.Second,
			check:       5 * time.Second,
			concurrency: 10,
		},
		{
			name:        "below minimum",
			k:           Knobs{ConnectTimeout: time.Millisecond, HandshakeTimeout: 99 * time.Millisecond, CheckTimeout: 1, Concurrency: 1},
			connect:     100 * time.Millisecond,
			handshake:   100 * time.Millisecond,
			check:       100 * time.Millisecond,
			concurrency: 1,
		},
		{
			name:        "above maximum",
			k:           Knobs{ConnectTimeout: time.Hour, HandshakeTimeout: 61 * time.Second, CheckTimeout: 2 * time.Minute, Concurrency: 129},
			connect:     60 * time.Second,
			handshake:   60 * time.Second,
			check:       60 * time.Second,
			concurrency: 128,
		},
		{
			name:        "in range",
			k:           Knobs{ConnectTimeout: 1500 * time.Millisecond, HandshakeTimeout: 2 * time.Second, CheckTimeout: 3 * time.Second, Concurrency: 64},
			connect:     1500 * time.Millisecond,
			handshake:   2 * time.Second,
			check:       3 * time.Second,
			concurrency: 64,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := tt.k.Connect(); got != tt.connect {
				t.Errorf("Connect()=%v want %v", got, tt.connect)
			}
			if got := tt.k.Handshake(); got != tt.handshake {
				t.Errorf("Handshake()=%v want %v", got, tt.handshake)
			}
			if got := tt.k.Check(); got != tt.check {
				t.Errorf("Check()=%v want %v", got, tt.check)
			}
			if got := tt.k.Workers(); got != tt.concurrency {
				t.Errorf("Workers()=%d want %d", got, tt.concurrency)
			}
		})
	}
}

func TestLoadIni(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "proxytun.ini")
	data := `
[proxy]
connect_timeout_ms = 2500
default_type = socks5

[check]
concurrency = 32
target = irc.example.net:6667

[log]
level = debug
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := Default()
	if err := LoadIni(&cfg, path); err != nil {
		t.Fatal(err)
	}

	if cfg.ConnectTimeoutMS != 2500 {
		t.Errorf("connect_timeout_ms=%d", cfg.ConnectTimeoutMS)
	}
	if cfg.HandshakeTimeoutMS != 7000 {
		t.Errorf("handshake_timeout_ms=%d, want default kept", cfg.HandshakeTimeoutMS)
	}
	if cfg.Concurrency != 32 || cfg.Target != "irc.example.net:6667" || cfg.Level != "debug" {
		t.Errorf("unexpected values: %+v", cfg)
	}

	k := cfg.Knobs()
	if k.DefaultType != upstream.TypeSOCKS5 {
		t.Errorf("DefaultType=%v", k.DefaultType)
	}
	if k.Connect() != 2500*time.Millisecond {
		t.Errorf("Connect()=%v", k.Connect())
	}
}

func TestLoadIniErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	cfg := Default()
	if err := LoadIni(&cfg, filepath.Join(dir, "missing.ini")); err == nil {
		t.Fatal("expected error for missing file")
	}

	path := filepath.Join(dir, "bad.ini")
	if err := os.WriteFile(path, []byte("[proxy]\ndefault_type = gopher\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg = Default()
	if err := LoadIni(&cfg, path); err == nil {
		t.Fatal("expected error for invalid default_type")
	}
}
