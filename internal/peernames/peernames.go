// Package peernames names socket peers by scanning the strings a process was
// started with.
//
// A connection to 10.0.0.5:5432 says little on its own. Processes usually
// carry their important endpoints in environment variables (DATABASE_URL,
// REDIS_HOST) and arguments (curl https://example.com). The Resolver scans
// those strings for hostnames and IP literals, resolves hostnames once, and
// keeps a reverse map from address to the names that led to it.
//
// This misses endpoints discovered at runtime but catches most meaningful
// connections cheaply.
package peernames

import (
	"context"
	"net"
	"net/netip"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"
)

// LookupFunc resolves a hostname to addresses.
type LookupFunc func(ctx context.Context, host string) ([]netip.Addr, error)

// Source yields the strings a process was started with.
type Source interface {
	Strings(pid uint32) ([]string, error)
}

// DefaultLookupTimeout bounds a single hostname resolution.
const DefaultLookupTimeout = 2 * time.Second

var (
	hostnameRegex = regexp.MustCompile(`(?i)(?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.)+[a-z]{2,}`)
	hostPortRegex = regexp.MustCompile(`(?i)(?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.)+[a-z]{2,}:\d{1,5}`)
	ipv4Regex     = regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`)
	ipv6Regex     = regexp.MustCompile(`(?i)(?:\[)?(?:[0-9a-f]{0,4}:){2,7}[0-9a-f]{0,4}(?:\])?`)
)

// Resolver builds reverse lookups from endpoint strings. It is safe for
// concurrent use.
type Resolver struct {
	lookup  LookupFunc
	timeout time.Duration
	logger  *zap.Logger

	mu        sync.RWMutex
	names     map[netip.Addr]mapset.Set[string]
	processed mapset.Set[string]
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithLookup replaces the DNS lookup.
func WithLookup(lookup LookupFunc) Option {
	return func(r *Resolver) { r.lookup = lookup }
}

// WithLogger sets the logger for failed resolutions.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// New creates a Resolver using the system resolver.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		lookup: func(ctx context.Context, host string) ([]netip.Addr, error) {
			return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		},
		timeout:   DefaultLookupTimeout,
		logger:    zap.NewNop(),
		names:     make(map[netip.Addr]mapset.Set[string]),
		processed: mapset.NewThreadUnsafeSet[string](),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Ingest scans each string for hostnames and IP literals.
func (r *Resolver) Ingest(ctx context.Context, values ...string) {
	for _, v := range values {
		r.scan(ctx, v)
	}
}

// IngestProcess scans the strings src reports for pid.
func (r *Resolver) IngestProcess(ctx context.Context, src Source, pid uint32) error {
	values, err := src.Strings(pid)
	if err != nil {
		return err
	}
	r.Ingest(ctx, values...)
	return nil
}

// Lookup returns the names that led to addr, sorted. IPv4-mapped IPv6
// addresses match their IPv4 form.
func (r *Resolver) Lookup(addr netip.Addr) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names, ok := r.names[addr.Unmap()]
	if !ok {
		return nil
	}
	out := names.ToSlice()
	sort.Strings(out)
	return out
}

// Len returns the number of known addresses.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.names)
}

func (r *Resolver) scan(ctx context.Context, s string) {
	for _, match := range hostPortRegex.FindAllString(s, -1) {
		host, port, ok := strings.Cut(match, ":")
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
			continue
		}
		r.addHostname(ctx, host)
	}
	for _, match := range hostnameRegex.FindAllString(s, -1) {
		r.addHostname(ctx, match)
	}
	for _, match := range ipv4Regex.FindAllString(s, -1) {
		if addr, err := netip.ParseAddr(match); err == nil {
			r.add(addr, match)
		}
	}
	for _, match := range ipv6Regex.FindAllString(s, -1) {
		literal := strings.Trim(match, "[]")
		if addr, err := netip.ParseAddr(literal); err == nil && addr.Is6() && !addr.Is4In6() {
			r.add(addr, addr.String())
		}
	}
}

func (r *Resolver) addHostname(ctx context.Context, host string) {
	host = strings.ToLower(host)

	r.mu.Lock()
	seen := !r.processed.Add(host)
	r.mu.Unlock()
	if seen {
		return
	}

	lookupCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	addrs, err := r.lookup(lookupCtx, host)
	if err != nil {
		r.logger.Debug("resolving peer name", zap.String("host", host), zap.Error(err))
		return
	}
	for _, addr := range addrs {
		r.add(addr, host)
	}
}

func (r *Resolver) add(addr netip.Addr, name string) {
	addr = addr.Unmap()

	r.mu.Lock()
	defer r.mu.Unlock()
	names, ok := r.names[addr]
	if !ok {
		names = mapset.NewThreadUnsafeSet[string]()
		r.names[addr] = names
	}
	names.Add(name)
}
