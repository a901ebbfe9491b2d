// Package config holds the runtime knobs shared by the connector, the
// handshakes and the validator, and loads them from an INI file.
package config

import (
	"fmt"
	"time"

	"gopkg.in/ini.v1"

	"github.com/die-net/proxytun/internal/upstream"
)

const (
	DefaultConnectTimeout   = 7000 * time.Millisecond
	DefaultHandshakeTimeout = 7000 * time.Millisecond
	DefaultCheckTimeout     = 5000 * time.Millisecond
	DefaultConcurrency      = 10

	MinTimeout     = 100 * time.Millisecond
	MaxTimeout     = 60000 * time.Millisecond
	MinConcurrency = 1
	MaxConcurrency = 128

	DefaultCheckTarget = "example.com:80"
)

// Knobs are read-only for the duration of a validation run. Zero or negative
// values select the default; everything else is clamped on read.
type Knobs struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	CheckTimeout     time.Duration
	Concurrency      int
	DefaultType      upstream.Type
}

func (k Knobs) Connect() time.Duration {
	return clampTimeout(k.ConnectTimeout, DefaultConnectTimeout)
}

func (k Knobs) Handshake() time.Duration {
	return clampTimeout(k.HandshakeTimeout, DefaultHandshakeTimeout)
}

// Check is the per-attempt budget used by the validator for both connect and
// handshake.
func (k Knobs) Check() time.Duration {
	return clampTimeout(k.CheckTimeout, DefaultCheckTimeout)
}

func (k Knobs) Workers() int {
	switch {
	case k.Concurrency <= 0:
		return DefaultConcurrency
	case k.Concurrency < MinConcurrency:
		return MinConcurrency
	case k.Concurrency > MaxConcurrency:
		return MaxConcurrency
	default:
		return k.Concurrency
	}
}

func clampTimeout(d, def time.Duration) time.Duration {
	switch {
	case d <= 0:
		return def
	case d < MinTimeout:
		return MinTimeout
	case d > MaxTimeout:
		return MaxTimeout
	default:
		return d
	}
}

// ProxyConf is the [proxy] section.
type ProxyConf struct {
	ConnectTimeoutMS   int    `ini:"connect_timeout_ms"`
	HandshakeTimeoutMS int    `ini:"handshake_timeout_ms"`
	DefaultType        string `ini:"default_type"`
}

// CheckConf is the [check] section.
type CheckConf struct {
	Concurrency int    `ini:"concurrency"`
	TimeoutMS   int    `ini:"timeout_ms"`
	Target      string `ini:"target"`
}

// LogConf is the [log] section.
type LogConf struct {
	Level string `ini:"level"`
}

// File is the on-disk configuration.
type File struct {
	ProxyConf `ini:"proxy"`
	CheckConf `ini:"check"`
	LogConf   `ini:"log"`
}

// Default returns a File populated with the built-in defaults.
func Default() File {
	return File{
		ProxyConf: ProxyConf{
			ConnectTimeoutMS:   int(DefaultConnectTimeout / time.Millisecond),
			HandshakeTimeoutMS: int(DefaultHandshakeTimeout / time.Millisecond),
		},
		CheckConf: CheckConf{
			Concurrency: DefaultConcurrency,
			TimeoutMS:   int(DefaultCheckTimeout / time.Millisecond),
			Target:      DefaultCheckTarget,
		},
		LogConf: LogConf{Level: "info"},
	}
}

// LoadIni maps fileName onto cfg. Keys missing from the file keep the values
// already in cfg.
func LoadIni(cfg *File, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return fmt.Errorf("load config %s: %w", fileName, err)
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return fmt.Errorf("map config %s: %w", fileName, err)
	}
	if _, ok := upstream.ParseType(cfg.DefaultType); !ok {
		return fmt.Errorf("config %s: invalid default_type %q", fileName, cfg.DefaultType)
	}
	return nil
}

// Knobs converts the file values. DefaultType must already be valid.
func (f File) Knobs() Knobs {
	t, _ := upstream.ParseType(f.DefaultType)
	return Knobs{
		ConnectTimeout:   time.Duration(f.ConnectTimeoutMS) * time.Millisecond,
		HandshakeTimeout: time.Duration(f.HandshakeTimeoutMS) * time.Millisecond,
		CheckTimeout:     time.Duration(f.TimeoutMS) * time.Millisecond,
		Concurrency:      f.Concurrency,
		DefaultType:      t,
	}
}
