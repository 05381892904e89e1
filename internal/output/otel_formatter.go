package output

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mrzor/activity-tracer/internal/attributes"
	"github.com/mrzor/activity-tracer/internal/bpf"
	"github.com/mrzor/activity-tracer/internal/config"
	"github.com/mrzor/activity-tracer/internal/eventprocessor"
	tracerotel "github.com/mrzor/activity-tracer/internal/otel"
	"github.com/mrzor/activity-tracer/internal/procmeta"
	"github.com/mrzor/activity-tracer/internal/timesync"
)

// OTELSpanInfo holds span and timing information for one process.
type OTELSpanInfo struct {
	Span      trace.Span
	SpanCtx   trace.SpanContext
	StartTime uint64 // monotonic timestamp in nanoseconds
	LastSeen  uint64
	Metadata  procmeta.ProcessMetadata
	// Adopted is set when the span was opened by a later event because the
	// process start was not observed.
	Adopted  bool
	warnings []attribute.KeyValue
}

// OTELFormatter formats events as OpenTelemetry spans.
// Handlers are called from a single goroutine and are not safe for concurrent use.
type OTELFormatter struct {
	tracer            trace.Tracer
	converter         *timesync.Converter
	evaluator         *attributes.Evaluator
	traceIDEvaluator  *attributes.TraceIDEvaluator
	parentIDEvaluator *attributes.ParentIDEvaluator
	logger            *zap.Logger
	spans             map[uint32]*OTELSpanInfo // PID -> process span info
}

// NewOTELFormatter creates a new OTELFormatter.
// traceIDExpr and parentIDExpr select the trace and remote parent of root process spans.
func NewOTELFormatter(
	tracer trace.Tracer,
	converter *timesync.Converter,
	customAttrs []config.CustomAttribute,
	traceIDExpr string,
	parentIDExpr string,
	logger *zap.Logger,
) (*OTELFormatter, error) {
	evaluator, err := attributes.NewEvaluator(customAttrs)
	if err != nil {
		return nil, err
	}
	traceIDEvaluator, err := attributes.NewTraceIDEvaluator(traceIDExpr)
	if err != nil {
		return nil, err
	}
	parentIDEvaluator, err := attributes.NewParentIDEvaluator(parentIDExpr)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &OTELFormatter{
		tracer:            tracer,
		converter:         converter,
		evaluator:         evaluator,
		traceIDEvaluator:  traceIDEvaluator,
		parentIDEvaluator: parentIDEvaluator,
		logger:            logger,
		spans:             make(map[uint32]*OTELSpanInfo),
	}, nil
}

// OpenSpans returns the number of process spans not yet ended.
func (f *OTELFormatter) OpenSpans() int {
	return len(f.spans)
}

// HandleProcessCreate records the creation as an event on the creator's span.
func (f *OTELFormatter) HandleProcessCreate(event *bpf.Event, child procmeta.ProcessMetadata) error {
	info := f.spanFor(event, nil)
	name := "process.create"
	if child.Pid == event.Pid {
		name = "process.exec"
	}
	//nolint:gosec // pid fits in int
	info.Span.AddEvent(name,
		trace.WithTimestamp(f.wallClock(event.Timestamp)),
		trace.WithAttributes(attribute.Int("process.child_pid", int(child.Pid))),
	)
	return nil
}

// HandleProcessStart opens the process span.
func (f *OTELFormatter) HandleProcessStart(event *bpf.Event, metadata procmeta.ProcessMetadata) error {
	if stale, ok := f.spans[event.Pid]; ok {
		// pid reuse without an observed exit
		stale.warnings = append(stale.warnings, attribute.String("_tracing_warning_pid_reused", "process span closed by a later start of the same pid"))
		f.finish(event.Pid, stale, stale.LastSeen, nil, nil)
	}
	f.startSpan(event, &metadata, false)
	return nil
}

// HandleProcessEnd finalizes the process span.
func (f *OTELFormatter) HandleProcessEnd(event *bpf.Event, metadata procmeta.ProcessMetadata, issues []string) error {
	info := f.spanFor(event, &metadata)
	info.Metadata = metadata
	f.finish(event.Pid, info, event.Timestamp, event, issues)
	return nil
}

// HandleProcessJoin records the reap as an event on the joiner's span.
func (f *OTELFormatter) HandleProcessJoin(event *bpf.Event, child procmeta.ProcessMetadata) error {
	info := f.spanFor(event, nil)
	//nolint:gosec // pid fits in int
	attrs := []attribute.KeyValue{attribute.Int("process.child_pid", int(child.Pid))}
	if child.StartedAt != 0 && child.EndedAt >= child.StartedAt {
		//nolint:gosec // durations fit in int64
		attrs = append(attrs, attribute.Int64("process.child_duration_ns", int64(child.EndedAt-child.StartedAt)))
	}
	info.Span.AddEvent("process.join",
		trace.WithTimestamp(f.wallClock(event.Timestamp)),
		trace.WithAttributes(attrs...),
	)
	return nil
}

// HandleDurableWrite records an fsync completion on the process span.
func (f *OTELFormatter) HandleDurableWrite(event *bpf.Event) error {
	info := f.spanFor(event, nil)
	info.Span.AddEvent("fs.durable_write", trace.WithTimestamp(f.wallClock(event.Timestamp)))
	return nil
}

// HandleSocketEvent turns connect and accept into short spans and transfers
// into events on the process span.
func (f *OTELFormatter) HandleSocketEvent(event *bpf.Event, flow eventprocessor.Flow) error {
	info := f.spanFor(event, nil)
	ts := f.wallClock(event.Timestamp)
	attrs := socketAttributes(event, flow)

	switch event.Kind {
	case bpf.SocketConnect, bpf.SocketAccept:
		name, kind := "socket.connect", trace.SpanKindClient
		if event.Kind == bpf.SocketAccept {
			name, kind = "socket.accept", trace.SpanKindServer
		}
		ctx := trace.ContextWithSpanContext(context.Background(), info.SpanCtx)
		_, span := f.tracer.Start(ctx, name,
			trace.WithSpanKind(kind),
			trace.WithTimestamp(ts),
			trace.WithAttributes(attrs...),
		)
		span.SetAttributes(f.customAttributes(event, &info.Metadata)...)
		span.SetStatus(codes.Ok, "")
		span.End(trace.WithTimestamp(ts))
	case bpf.SocketSend, bpf.SocketReceive:
		name := "socket.send"
		if event.Kind == bpf.SocketReceive {
			name = "socket.receive"
		}
		//nolint:gosec // byte counts fit in int
		attrs = append(attrs, attribute.Int("network.io.bytes", int(event.ByteCount())))
		info.Span.AddEvent(name, trace.WithTimestamp(ts), trace.WithAttributes(attrs...))
	}
	return nil
}

// Flush ends every open process span at the last time it was seen.
func (f *OTELFormatter) Flush() {
	for pid, info := range f.spans {
		info.Span.SetAttributes(attribute.Bool("process.incomplete", true))
		f.finish(pid, info, info.LastSeen, nil, nil)
	}
}

// spanFor returns the span of event's process, adopting one if its start
// was not observed.
func (f *OTELFormatter) spanFor(event *bpf.Event, metadata *procmeta.ProcessMetadata) *OTELSpanInfo {
	if info, ok := f.spans[event.Pid]; ok {
		if event.Timestamp > info.LastSeen {
			info.LastSeen = event.Timestamp
		}
		return info
	}
	return f.startSpan(event, metadata, true)
}

func (f *OTELFormatter) startSpan(event *bpf.Event, metadata *procmeta.ProcessMetadata, adopted bool) *OTELSpanInfo {
	meta := procmeta.ProcessMetadata{Pid: event.Pid, Tgid: event.Tgid, Comm: event.Comm.String()}
	if metadata != nil {
		meta = *metadata
	}

	ctx := context.Background()
	var warnings []attribute.KeyValue
	if parent, ok := f.spans[meta.ParentPid]; ok && meta.ParentPid != 0 && meta.ParentPid != event.Pid {
		ctx = trace.ContextWithSpanContext(ctx, parent.SpanCtx)
	} else {
		ctx, warnings = f.rootContext(ctx, event, &meta)
	}

	name := meta.Comm
	if name == "" {
		name = "process"
	}

	_, span := f.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithTimestamp(f.wallClock(event.Timestamp)),
	)

	info := &OTELSpanInfo{
		Span:      span,
		SpanCtx:   span.SpanContext(),
		StartTime: event.Timestamp,
		LastSeen:  event.Timestamp,
		Metadata:  meta,
		Adopted:   adopted,
		warnings:  warnings,
	}
	f.spans[event.Pid] = info
	return info
}

// rootContext applies the configured trace ID and remote parent to a span
// with no traced parent.
func (f *OTELFormatter) rootContext(ctx context.Context, event *bpf.Event, meta *procmeta.ProcessMetadata) (context.Context, []attribute.KeyValue) {
	subject := attributes.Subject{Event: event, Process: meta}

	traceID, warnings, err := f.traceIDEvaluator.EvaluateAndValidate(subject)
	if err != nil {
		f.logger.Warn("evaluating trace id", zap.Uint32("pid", event.Pid), zap.Error(err))
	}
	parentID, parentWarnings, err := f.parentIDEvaluator.EvaluateAndValidate(subject)
	if err != nil {
		f.logger.Warn("evaluating parent id", zap.Uint32("pid", event.Pid), zap.Error(err))
	}
	warnings = append(warnings, parentWarnings...)

	if parentID.IsValid() {
		if !traceID.IsValid() {
			traceID = tracerotel.RandomTraceID()
		}
		return trace.ContextWithRemoteSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    traceID,
			SpanID:     parentID,
			TraceFlags: trace.FlagsSampled,
			Remote:     true,
		})), warnings
	}
	if traceID.IsValid() {
		return tracerotel.ContextWithTraceID(ctx, traceID), warnings
	}
	return ctx, warnings
}

// finish sets the final attributes, ends the span at endTs and forgets it.
// A nil event skips custom attributes.
func (f *OTELFormatter) finish(pid uint32, info *OTELSpanInfo, endTs uint64, event *bpf.Event, issues []string) {
	meta := info.Metadata
	var duration uint64
	if endTs > info.StartTime {
		duration = endTs - info.StartTime
	}

	//nolint:gosec // pids fit in int, durations fit in int64
	info.Span.SetAttributes(
		semconv.ProcessPID(int(pid)),
		semconv.ProcessParentPID(int(meta.ParentPid)),
		attribute.Int("process.thread_group_id", int(meta.Tgid)),
		semconv.ProcessCommand(meta.Comm),
		attribute.Int64("process.duration_ns", int64(duration)),
	)
	if info.Adopted {
		info.Span.SetAttributes(attribute.Bool("process.adopted", true))
	}
	if len(info.warnings) > 0 {
		info.Span.SetAttributes(info.warnings...)
	}
	for i, issue := range issues {
		info.Span.SetAttributes(attribute.String(fmt.Sprintf("_tracing_warning_%d", i), issue))
	}
	if event != nil {
		info.Span.SetAttributes(f.customAttributes(event, &meta)...)
	}
	info.Span.End(trace.WithTimestamp(f.wallClock(endTs)))
	delete(f.spans, pid)
}

func (f *OTELFormatter) customAttributes(event *bpf.Event, meta *procmeta.ProcessMetadata) []attribute.KeyValue {
	attrs, err := f.evaluator.EvaluateCustomAttributes(attributes.Subject{Event: event, Process: meta})
	if err != nil {
		f.logger.Warn("evaluating custom attributes", zap.Uint32("pid", event.Pid), zap.Error(err))
	}
	return attrs
}

func (f *OTELFormatter) wallClock(monotonicNanos uint64) time.Time {
	return f.converter.MonotonicToWallClock(monotonicNanos)
}

// socketAttributes describes the peer and local endpoints of a socket event.
func socketAttributes(event *bpf.Event, flow eventprocessor.Flow) []attribute.KeyValue {
	//nolint:gosec // small integers
	attrs := []attribute.KeyValue{
		semconv.ProcessPID(int(event.Pid)),
		attribute.Int("network.family", int(event.Socket.Family)),
		attribute.String("network.io.direction", flow.Direction.String()),
	}

	local := event.Socket.LocalAddrPort()
	remote := event.Socket.RemoteAddrPort()
	if remote.IsValid() {
		attrs = append(attrs,
			semconv.NetworkPeerAddress(remote.Addr().String()),
			semconv.NetworkPeerPort(int(remote.Port())),
		)
	}
	if local.IsValid() {
		attrs = append(attrs,
			semconv.NetworkLocalAddress(local.Addr().String()),
			semconv.NetworkLocalPort(int(local.Port())),
		)
	}
	if len(flow.PeerNames) > 0 {
		attrs = append(attrs, attribute.StringSlice("network.peer.names", flow.PeerNames))
	}
	return attrs
}
