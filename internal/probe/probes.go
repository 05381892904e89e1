package probe

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mrzor/activity-tracer/internal/bpf"
	"github.com/mrzor/activity-tracer/internal/timesync"
)

// orderingBump is added to a recorded timestamp when it is reused for the
// second event of a pair (Create/Start, End/Join) so that sorting by timestamp
// always puts the pair in causal order.
const orderingBump = 1

// Config holds the load-time constants of the probes.
type Config struct {
	// PidFilter is the pid of the trace root; 0 traces every pid.
	PidFilter uint32
	// CommFilter is matched exactly against the task command name; empty disables it.
	CommFilter string
	// TableCapacity bounds each in-memory correlation table.
	TableCapacity int
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if len(c.CommFilter) >= bpf.TaskCommLen {
		return fmt.Errorf("command filter %q is longer than %d bytes", c.CommFilter, bpf.TaskCommLen-1)
	}
	if c.TableCapacity < 0 {
		return fmt.Errorf("table capacity must not be negative, got %d", c.TableCapacity)
	}
	return nil
}

// Probes holds the entry points for every kernel observation moment.
// All methods are safe for concurrent use.
type Probes struct {
	filter  *Filter
	tables  Tables
	out     Output
	clock   Clock
	metrics *Metrics
	logger  *zap.Logger
}

// Option customizes Probes.
type Option func(*Probes)

// WithClock overrides the monotonic clock.
func WithClock(clock Clock) Option {
	return func(p *Probes) { p.clock = clock }
}

// WithLogger sets the logger used for drop and table-full diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Probes) { p.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *Metrics) Option {
	return func(p *Probes) { p.metrics = metrics }
}

// WithTables supplies correlation tables, e.g. kernel-backed ones. Unset
// tables fall back to in-memory tables.
func WithTables(tables Tables) Option {
	return func(p *Probes) { p.tables = tables }
}

// New creates the probes writing to out.
func New(cfg Config, out Output, opts ...Option) (*Probes, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("output is required")
	}

	capacity := cfg.TableCapacity
	if capacity == 0 {
		capacity = DefaultTableCapacity
	}

	p := &Probes{
		out:    out,
		clock:  timesync.MonotonicClock{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = NewMetrics(nil)
	}
	p.tables = p.tables.withDefaults(capacity)

	var comm bpf.Comm
	if cfg.CommFilter != "" {
		comm = bpf.MakeComm(cfg.CommFilter)
	}
	p.filter = NewFilter(cfg.PidFilter, comm, p.tables.TracedPids)

	return p, nil
}

// Filter returns the predicate used by the probes.
func (p *Probes) Filter() *Filter {
	return p.filter
}

// emit builds one record and submits it. It never touches correlation tables.
func (p *Probes) emit(kind bpf.EventKind, t Task, timestamp uint64, socket *bpf.SocketInfo, payload uint32) {
	event := bpf.Event{
		Kind:      kind,
		Pid:       t.Pid,
		Tgid:      t.Tgid,
		Timestamp: timestamp,
		Comm:      t.Comm,
		Payload:   payload,
	}
	if socket != nil {
		event.Socket = *socket
	}

	if !p.out.Submit(event) {
		p.metrics.dropped.Inc()
		if ce := p.logger.Check(zapcore.DebugLevel, "output full, event dropped"); ce != nil {
			ce.Write(zap.Stringer("kind", kind), zap.Uint32("pid", t.Pid))
		}
		return
	}
	p.metrics.emitted[kind].Inc()
}

func (p *Probes) miss(probe string) {
	p.metrics.misses[probe].Inc()
}

// insertFailed accounts for a refused insert into table. Only ErrTableFull
// counts as a full table.
func (p *Probes) insertFailed(table string, key uint32, err error) {
	if errors.Is(err, ErrTableFull) {
		p.metrics.tableFull[table].Inc()
		if ce := p.logger.Check(zapcore.DebugLevel, "correlation table full"); ce != nil {
			ce.Write(zap.String("table", table), zap.Uint32("key", key))
		}
		return
	}
	p.metrics.tableErrors[table].Inc()
	if ce := p.logger.Check(zapcore.DebugLevel, "correlation table insert failed"); ce != nil {
		ce.Write(zap.String("table", table), zap.Uint32("key", key), zap.Error(err))
	}
}
