// Package validator checks every proxy in a registry by tunnelling to a test
// destination, detects the protocol of proxies that did not declare one, and
// prunes the proxies that could not be used.
package validator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/proxytun/internal/config"
	"github.com/die-net/proxytun/internal/conn"
	"github.com/die-net/proxytun/internal/dialer"
	"github.com/die-net/proxytun/internal/logger"
	"github.com/die-net/proxytun/internal/proxyerr"
	"github.com/die-net/proxytun/internal/upstream"
)

// ErrEmptyRegistry is returned by Run when there is nothing to validate. It
// is distinct from a run that removed every proxy.
var ErrEmptyRegistry = errors.New("registry is empty")

// detectOrder is tried, in order, for proxies without a declared type.
var detectOrder = []upstream.Type{upstream.TypeSOCKS5, upstream.TypeSOCKS4, upstream.TypeHTTP}

// Registry is the part of *registry.Registry the validator needs.
type Registry interface {
	Snapshot() []*upstream.Proxy
	Prune(keep func(*upstream.Proxy) bool) []*upstream.Proxy
}

// Options configure a validation run.
type Options struct {
	// Target is the host:port tunnelled to. Empty means
	// config.DefaultCheckTarget.
	Target string

	// Timeout bounds the connect and every handshake stage of one attempt.
	Timeout     time.Duration
	Concurrency int

	// Verbose logs every attempt at debug level.
	Verbose bool

	// Resolver resolves the target for SOCKS4 attempts.
	Resolver upstream.Resolver

	// Dial replaces conn.Dial.
	Dial conn.DialFunc
}

// Outcome is what happened to one proxy.
type Outcome struct {
	Proxy *upstream.Proxy
	OK    bool
	// Type is the protocol that worked.
	Type upstream.Type
	RTT  time.Duration
	Auth bool
	// Err is the last failure; nil when OK.
	Err error
}

// Result summarises a run. Outcomes are in registry order.
type Result struct {
	Total   int
	Working int
	Removed int
	SOCKS5  int
	SOCKS4  int
	HTTP    int

	Outcomes []Outcome
}

// Validator runs validation passes. It is safe to reuse but not to run
// concurrently against the same registry.
type Validator struct {
	opts   Options
	host   string
	port   int
	dial   conn.DialFunc
	hs     dialer.Config
	log    zerolog.Logger
	budget time.Duration
}

// New checks opts and returns a Validator.
func New(opts Options) (*Validator, error) {
	target := opts.Target
	if target == "" {
		target = config.DefaultCheckTarget
	}
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return nil, fmt.Errorf("check target %q: %w", target, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 || host == "" {
		return nil, fmt.Errorf("check target %q: invalid host or port", target)
	}

	budget := config.Knobs{CheckTimeout: opts.Timeout}.Check()
	v := &Validator{
		opts:   opts,
		host:   host,
		port:   port,
		dial:   opts.Dial,
		hs:     dialer.Config{HandshakeTimeout: budget, Resolver: opts.Resolver},
		log:    logger.WithComponent("validator"),
		budget: budget,
	}
	if v.dial == nil {
		v.dial = conn.Dial
	}
	return v, nil
}

// stats are the per-type totals, updated by workers under mu.
type stats struct {
	mu      sync.Mutex
	working int
	failed  int
	byType  map[upstream.Type]int
}

func (s *stats) record(o Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !o.OK {
		s.failed++
		return
	}
	s.working++
	t := o.Type
	if t == upstream.TypeHTTPS {
		t = upstream.TypeHTTP
	}
	s.byType[t]++
}

// Run validates every proxy in reg and removes those that failed. It returns
// ErrEmptyRegistry if reg has no proxies. If ctx is canceled the registry is
// left unpruned and ctx's error is returned.
func (v *Validator) Run(ctx context.Context, reg Registry) (Result, error) {
	snap := reg.Snapshot()
	n := len(snap)
	if n == 0 {
		return Result{}, ErrEmptyRegistry
	}

	for _, p := range snap {
		p.ResetValidation()
	}

	outcomes := make([]Outcome, n)
	st := &stats{byType: make(map[upstream.Type]int)}
	next := atomic.NewInt64(-1)

	workers := min(config.Knobs{Concurrency: v.opts.Concurrency}.Workers(), n)
	v.log.Info().Int("proxies", n).Int("workers", workers).Str("target", net.JoinHostPort(v.host, strconv.Itoa(v.port))).Msg("validating")

	g, gctx := errgroup.WithContext(ctx)
	for range workers {
		g.Go(func() error {
			for {
				i := int(next.Inc())
				if i >= n {
					return nil
				}
				if err := gctx.Err(); err != nil {
					return err
				}
				o := v.check(gctx, snap[i])
				outcomes[i] = o
				st.record(o)
			}
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	checked := make(map[*upstream.Proxy]struct{}, n)
	for _, p := range snap {
		checked[p] = struct{}{}
	}
	removed := reg.Prune(func(p *upstream.Proxy) bool {
		_, ok := checked[p]
		return !ok || p.Validated
	})

	for i := range outcomes {
		o := &outcomes[i]
		if !o.OK {
			v.log.Warn().Str("proxy", o.Proxy.HostPort()).Err(o.Err).Msg("removed")
		}
	}

	res := Result{
		Total:    n,
		Working:  st.working,
		Removed:  len(removed),
		SOCKS5:   st.byType[upstream.TypeSOCKS5],
		SOCKS4:   st.byType[upstream.TypeSOCKS4],
		HTTP:     st.byType[upstream.TypeHTTP],
		Outcomes: outcomes,
	}
	v.log.Info().
		Int("total", res.Total).
		Int("removed", res.Removed).
		Int("working", res.Working).
		Int("socks5", res.SOCKS5).
		Int("socks4", res.SOCKS4).
		Int("http", res.HTTP).
		Msg("validation finished")
	return res, nil
}

// check tries the trial order for p, each attempt on a fresh connection,
// and records the first protocol that works. A failed connect ends the
// trials since it affects every protocol alike.
func (v *Validator) check(ctx context.Context, p *upstream.Proxy) Outcome {
	o := Outcome{Proxy: p}

	order := detectOrder
	if p.Type != upstream.TypeNone {
		order = []upstream.Type{p.Type}
	}

	for _, typ := range order {
		rtt, err := v.attempt(ctx, p, typ)
		if v.opts.Verbose {
			v.log.Debug().Str("proxy", p.HostPort()).Stringer("type", typ).Int64("rtt_ms", rtt.Milliseconds()).AnErr("error", err).Msg("attempt")
		}
		if err == nil {
			o.OK = true
			o.Type = typ
			o.RTT = rtt
			o.Auth = p.HasCredentials()
			o.Err = nil

			p.DetectedType = typ
			p.LastRTT = rtt
			p.HasAuth = o.Auth
			p.Validated = true
			p.Active = true

			v.log.Info().Str("proxy", p.HostPort()).Stringer("type", typ).Int64("rtt_ms", rtt.Milliseconds()).Bool("auth", o.Auth).Msg("working")
			return o
		}

		o.Err = err
		if !proxyerr.Retryable(err) {
			break
		}
	}
	return o
}

func (v *Validator) attempt(ctx context.Context, p *upstream.Proxy, typ upstream.Type) (time.Duration, error) {
	c, rtt, err := v.dial(ctx, p.Addr, v.budget)
	if err != nil {
		return 0, err
	}
	defer c.Close()

	return rtt, v.hs.Handshake(ctx, c, p, typ, v.host, v.port)
}
