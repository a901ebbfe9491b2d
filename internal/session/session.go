// Package session owns one proxy pool from load to shutdown: the knobs, the
// registry, validation passes and the dialers handed to consumers.
//
// A Session replaces process-wide state. Everything that used to be global
// hangs off the value and is passed explicitly.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/die-net/proxytun/internal/config"
	"github.com/die-net/proxytun/internal/conn"
	"github.com/die-net/proxytun/internal/dialer"
	"github.com/die-net/proxytun/internal/logger"
	"github.com/die-net/proxytun/internal/registry"
	"github.com/die-net/proxytun/internal/report"
	"github.com/die-net/proxytun/internal/upstream"
	"github.com/die-net/proxytun/internal/validator"
)

// ErrClosed is returned by operations on a closed Session.
var ErrClosed = errors.New("session closed")

type Options struct {
	Knobs config.Knobs

	// CheckTarget is the host:port validation tunnels to.
	CheckTarget string
	Verbose     bool

	KeepAlive net.KeepAliveConfig
	Resolver  upstream.Resolver

	// Dial replaces conn.Dial during validation.
	Dial conn.DialFunc
}

type Session struct {
	opts Options
	reg  *registry.Registry
	log  zerolog.Logger

	// mu serialises Load, Validate, Save and Close. Next and Dialer only
	// touch the registry, which has its own lock.
	mu     sync.Mutex
	closed bool
}

func New(opts Options) *Session {
	return &Session{
		opts: opts,
		reg:  registry.New(opts.Resolver),
		log:  logger.WithComponent("session"),
	}
}

// Load replaces the pool with the proxies listed in path.
func (s *Session) Load(ctx context.Context, path string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}
	return s.reg.Load(ctx, path, s.opts.Knobs.DefaultType)
}

// LoadFrom is Load reading from rd.
func (s *Session) LoadFrom(ctx context.Context, rd io.Reader) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}
	return s.reg.LoadFrom(ctx, rd, s.opts.Knobs.DefaultType)
}

// Validate checks every proxy and drops the ones that do not work.
func (s *Session) Validate(ctx context.Context) (validator.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return validator.Result{}, ErrClosed
	}

	v, err := validator.New(validator.Options{
		Target:      s.opts.CheckTarget,
		Timeout:     s.opts.Knobs.Check(),
		Concurrency: s.opts.Knobs.Workers(),
		Verbose:     s.opts.Verbose,
		Resolver:    s.opts.Resolver,
		Dial:        s.opts.Dial,
	})
	if err != nil {
		return validator.Result{}, err
	}
	return v.Run(ctx, s.reg)
}

// Next returns the next proxy round-robin, or nil if the pool is empty.
func (s *Session) Next() *upstream.Proxy {
	return s.reg.Next()
}

// Len returns the pool size.
func (s *Session) Len() int {
	return s.reg.Len()
}

// Proxies returns the pool in order.
func (s *Session) Proxies() []*upstream.Proxy {
	return s.reg.Snapshot()
}

// DialerConfig is the dialer configuration derived from the knobs.
func (s *Session) DialerConfig() dialer.Config {
	return dialer.Config{
		ConnectTimeout:   s.opts.Knobs.Connect(),
		HandshakeTimeout: s.opts.Knobs.Handshake(),
		KeepAlive:        s.opts.KeepAlive,
		Resolver:         s.opts.Resolver,
	}
}

// Dialer returns a dialer that tunnels each connection through the pool,
// round-robin.
func (s *Session) Dialer() *dialer.RotatingDialer {
	return dialer.NewRotatingDialer(s.DialerConfig(), s.reg)
}

// Save writes the pool to path, one canonical descriptor per line.
func (s *Session) Save(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	return s.reg.Save(path)
}

// SaveReport writes res as a YAML report to path.
func (s *Session) SaveReport(path string, res validator.Result) error {
	target := s.opts.CheckTarget
	if target == "" {
		target = config.DefaultCheckTarget
	}
	if err := report.Save(path, report.New(target, res, time.Now())); err != nil {
		return fmt.Errorf("save report %s: %w", path, err)
	}
	return nil
}

// Close empties the pool. Later calls to Load, Validate and Save fail with
// ErrClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.reg.Clear()
	s.log.Debug().Msg("closed")
	return nil
}
