// Package registry keeps the ordered set of usable upstream proxies and hands
// them out round-robin.
package registry

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/die-net/proxytun/internal/logger"
	"github.com/die-net/proxytun/internal/upstream"
)

const (
	resolveWorkers = 16
	maxLineLength  = 64 * 1024
)

// Registry is an ordered collection of resolved proxies with a round-robin
// cursor. The cursor is the index of the record Next returns; it is 0 after
// every Load.
//
// All methods are safe for concurrent use.
type Registry struct {
	resolver upstream.Resolver
	log      zerolog.Logger

	mu          sync.Mutex
	proxies     []*upstream.Proxy
	cursor      int
	defaultType upstream.Type
}

// New returns an empty registry. A nil resolver uses net.DefaultResolver.
func New(r upstream.Resolver) *Registry {
	if r == nil {
		r = net.DefaultResolver
	}
	return &Registry{resolver: r, log: logger.WithComponent("registry")}
}

// Load replaces the registry with the proxies parsed from path. On error the
// registry is left unchanged.
func (r *Registry) Load(ctx context.Context, path string, defaultType upstream.Type) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("load proxies: %w", err)
	}
	defer f.Close()

	n, err := r.LoadFrom(ctx, f, defaultType)
	if err != nil {
		return 0, fmt.Errorf("load proxies %s: %w", path, err)
	}
	return n, nil
}

// LoadFrom is Load reading descriptors from rd. Lines that do not parse or
// resolve are logged and dropped; the accepted ones keep their input order.
func (r *Registry) LoadFrom(ctx context.Context, rd io.Reader, defaultType upstream.Type) (int, error) {
	type candidate struct {
		line int
		p    *upstream.Proxy
		err  error
	}

	var candidates []*candidate
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 0, 4096), maxLineLength)
	for lineNo := 1; sc.Scan(); lineNo++ {
		p, err := upstream.ParseLine(sc.Text(), defaultType)
		if errors.Is(err, upstream.ErrSkip) {
			continue
		}
		if err != nil {
			r.log.Warn().Int("line", lineNo).Err(err).Msg("rejected proxy descriptor")
			continue
		}
		candidates = append(candidates, &candidate{line: lineNo, p: p})
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}

	shared := &sharedResolver{r: r.resolver}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(resolveWorkers)
	for _, c := range candidates {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			c.err = c.p.Resolve(gctx, shared)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	proxies := make([]*upstream.Proxy, 0, len(candidates))
	for _, c := range candidates {
		if c.err != nil {
			r.log.Warn().Int("line", c.line).Str("proxy", c.p.HostPort()).Err(c.err).Msg("rejected proxy descriptor")
			continue
		}
		proxies = append(proxies, c.p)
	}

	r.mu.Lock()
	r.proxies = proxies
	r.cursor = 0
	r.defaultType = defaultType
	r.mu.Unlock()

	r.log.Info().Int("accepted", len(proxies)).Int("rejected", len(candidates)-len(proxies)).Msg("loaded proxies")
	return len(proxies), nil
}

// Add appends a resolved proxy.
func (r *Registry) Add(p *upstream.Proxy) error {
	if !p.Addr.IsValid() {
		return fmt.Errorf("add %s: address not resolved", p.HostPort())
	}

	r.mu.Lock()
	r.proxies = append(r.proxies, p)
	r.mu.Unlock()
	return nil
}

// Next returns the record at the cursor and advances it, wrapping to the
// first record after the last. It returns nil when the registry is empty.
func (r *Registry) Next() *upstream.Proxy {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.proxies) == 0 {
		return nil
	}
	if r.cursor >= len(r.proxies) {
		r.cursor = 0
	}
	p := r.proxies[r.cursor]
	r.cursor = (r.cursor + 1) % len(r.proxies)
	return p
}

// Remove deletes p, identified by pointer, preserving the order of the rest.
// It is O(n): the record is found by a linear scan and the tail is shifted
// down. Bulk removal should use Prune, which is a single pass. If the cursor
// pointed at p it now points at the record that followed p, or the first
// record if p was last.
func (r *Registry) Remove(p *upstream.Proxy) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, q := range r.proxies {
		if q == p {
			r.removeAt(i)
			return true
		}
	}
	return false
}

func (r *Registry) removeAt(i int) {
	r.proxies = append(r.proxies[:i], r.proxies[i+1:]...)
	if i < r.cursor {
		r.cursor--
	}
	if r.cursor >= len(r.proxies) {
		r.cursor = 0
	}
}

// Prune removes every record for which keep returns false and returns the
// removed records in their original order.
func (r *Registry) Prune(keep func(*upstream.Proxy) bool) []*upstream.Proxy {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []*upstream.Proxy
	kept := r.proxies[:0]
	cursor := r.cursor
	for i, p := range r.proxies {
		if keep(p) {
			kept = append(kept, p)
			continue
		}
		removed = append(removed, p)
		if i < r.cursor {
			cursor--
		}
	}
	clear(r.proxies[len(kept):])
	r.proxies = kept
	r.cursor = cursor
	if r.cursor >= len(r.proxies) {
		r.cursor = 0
	}
	return removed
}

// Clear drops every record.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.proxies = nil
	r.cursor = 0
	r.mu.Unlock()
}

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.proxies)
}

// Snapshot returns the records in order. The slice is a copy; the records
// are shared.
func (r *Registry) Snapshot() []*upstream.Proxy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*upstream.Proxy(nil), r.proxies...)
}

// DefaultType returns the type given to the last Load.
func (r *Registry) DefaultType() upstream.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.defaultType
}

// WriteTo writes one canonical descriptor per line.
func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var n int64
	for _, p := range r.Snapshot() {
		m, err := fmt.Fprintln(bw, p.String())
		n += int64(m)
		if err != nil {
			return n, err
		}
	}
	return n, bw.Flush()
}

// Save writes the registry to path in canonical form.
func (r *Registry) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("save proxies: %w", err)
	}
	if _, err := r.WriteTo(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("save proxies %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("save proxies %s: %w", path, err)
	}
	return nil
}

// sharedResolver collapses concurrent lookups of the same name.
type sharedResolver struct {
	r upstream.Resolver
	g singleflight.Group
}

func (s *sharedResolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	v, err, _ := s.g.Do(network+"/"+host, func() (any, error) {
		return s.r.LookupNetIP(ctx, network, host)
	})
	if err != nil {
		return nil, err
	}
	return v.([]netip.Addr), nil
}
