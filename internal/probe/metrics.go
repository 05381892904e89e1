package probe

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mrzor/activity-tracer/internal/bpf"
)

const metricsNamespace = "activity_tracer"

// Probe and table names used as metric labels.
const (
	probeConnectExit = "connect_exit"
	probeSendExit    = "send_exit"
	probeRecvExit    = "recv_exit"
	probeSchedStart  = "sched_start"
	probeWaitExit    = "wait_exit"

	tableEntryTimestamps = "entry_timestamps"
	tablePendingSockets  = "pending_sockets"
	tablePendingForks    = "pending_forks"
	tablePendingExits    = "pending_exits"
	tableTracedPids      = "traced_pids"
)

// Metrics counts what the probes emitted, dropped and could not correlate.
// Counters are resolved up front so the probe path only does map reads.
type Metrics struct {
	emitted     map[bpf.EventKind]prometheus.Counter
	dropped     prometheus.Counter
	misses      map[string]prometheus.Counter
	tableFull   map[string]prometheus.Counter
	tableErrors map[string]prometheus.Counter
}

// NewMetrics creates the probe metrics and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	emittedVec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "events_emitted_total",
		Help:      "Events submitted to the output, by kind.",
	}, []string{"kind"})
	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "events_dropped_total",
		Help:      "Events dropped because the output was full.",
	})
	missesVec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "correlation_misses_total",
		Help:      "Exit, start or join observations without a pending entry.",
	}, []string{"probe"})
	tableFullVec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "table_full_total",
		Help:      "Inserts refused because a correlation table was full.",
	}, []string{"table"})

	tableErrorsVec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "table_errors_total",
		Help:      "Inserts that failed for a reason other than a full table.",
	}, []string{"table"})

	if reg != nil {
		reg.MustRegister(emittedVec, dropped, missesVec, tableFullVec, tableErrorsVec)
	}

	m := &Metrics{
		emitted:     make(map[bpf.EventKind]prometheus.Counter),
		dropped:     dropped,
		misses:      make(map[string]prometheus.Counter),
		tableFull:   make(map[string]prometheus.Counter),
		tableErrors: make(map[string]prometheus.Counter),
	}
	for _, kind := range bpf.Kinds() {
		m.emitted[kind] = emittedVec.WithLabelValues(kind.String())
	}
	for _, name := range []string{probeConnectExit, probeSendExit, probeRecvExit, probeSchedStart, probeWaitExit} {
		m.misses[name] = missesVec.WithLabelValues(name)
	}
	for _, table := range []string{tableEntryTimestamps, tablePendingSockets, tablePendingForks, tablePendingExits, tableTracedPids} {
		m.tableFull[table] = tableFullVec.WithLabelValues(table)
		m.tableErrors[table] = tableErrorsVec.WithLabelValues(table)
	}
	return m
}
