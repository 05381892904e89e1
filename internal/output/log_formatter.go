package output

import (
	"go.uber.org/zap"

	"github.com/mrzor/activity-tracer/internal/attributes"
	"github.com/mrzor/activity-tracer/internal/bpf"
	"github.com/mrzor/activity-tracer/internal/config"
	"github.com/mrzor/activity-tracer/internal/eventprocessor"
	"github.com/mrzor/activity-tracer/internal/procmeta"
)

// LogFormatter writes one structured log entry per event.
type LogFormatter struct {
	logger    *zap.Logger
	evaluator *attributes.Evaluator
}

// NewLogFormatter creates a LogFormatter that also logs the given custom attributes.
func NewLogFormatter(logger *zap.Logger, customAttrs []config.CustomAttribute) (*LogFormatter, error) {
	evaluator, err := attributes.NewEvaluator(customAttrs)
	if err != nil {
		return nil, err
	}
	return &LogFormatter{logger: logger, evaluator: evaluator}, nil
}

// HandleProcessCreate logs a create.
func (f *LogFormatter) HandleProcessCreate(event *bpf.Event, child procmeta.ProcessMetadata) error {
	f.log(event, nil, zap.Uint32("child_pid", child.Pid))
	return nil
}

// HandleProcessStart logs a start.
func (f *LogFormatter) HandleProcessStart(event *bpf.Event, metadata procmeta.ProcessMetadata) error {
	f.log(event, &metadata, zap.Uint32("parent_pid", metadata.ParentPid))
	return nil
}

// HandleProcessEnd logs an exit.
func (f *LogFormatter) HandleProcessEnd(event *bpf.Event, metadata procmeta.ProcessMetadata, issues []string) error {
	fields := []zap.Field{zap.Uint32("parent_pid", metadata.ParentPid)}
	if metadata.StartedAt != 0 && event.Timestamp >= metadata.StartedAt {
		fields = append(fields, zap.Uint64("duration_ns", event.Timestamp-metadata.StartedAt))
	}
	if len(issues) > 0 {
		fields = append(fields, zap.Strings("issues", issues))
	}
	f.log(event, &metadata, fields...)
	return nil
}

// HandleProcessJoin logs a reap.
func (f *LogFormatter) HandleProcessJoin(event *bpf.Event, child procmeta.ProcessMetadata) error {
	f.log(event, nil, zap.Uint32("child_pid", child.Pid), zap.String("child_comm", child.Comm))
	return nil
}

// HandleDurableWrite logs an fsync completion.
func (f *LogFormatter) HandleDurableWrite(event *bpf.Event) error {
	f.log(event, nil)
	return nil
}

// HandleSocketEvent logs a socket event with its direction.
func (f *LogFormatter) HandleSocketEvent(event *bpf.Event, flow eventprocessor.Flow) error {
	fields := []zap.Field{
		zap.Uint16("family", event.Socket.Family),
		zap.Stringer("direction", flow.Direction),
	}
	if flow.Src.IsValid() {
		fields = append(fields, zap.Stringer("src", flow.Src), zap.Stringer("dst", flow.Dst))
	}
	if len(flow.PeerNames) > 0 {
		fields = append(fields, zap.Strings("peer_names", flow.PeerNames))
	}
	if event.Kind.HasByteCount() {
		fields = append(fields, zap.Uint32("bytes", event.ByteCount()))
	}
	f.log(event, nil, fields...)
	return nil
}

func (f *LogFormatter) log(event *bpf.Event, meta *procmeta.ProcessMetadata, extra ...zap.Field) {
	fields := make([]zap.Field, 0, 5+len(extra)+f.evaluator.Len())
	fields = append(fields,
		zap.Stringer("kind", event.Kind),
		zap.Uint32("pid", event.Pid),
		zap.Uint32("tgid", event.Tgid),
		zap.String("comm", event.Comm.String()),
		zap.Uint64("ts", event.Timestamp),
	)
	fields = append(fields, extra...)

	attrs, err := f.evaluator.EvaluateCustomAttributes(attributes.Subject{Event: event, Process: meta})
	if err != nil {
		fields = append(fields, zap.NamedError("attribute_error", err))
	}
	for _, kv := range attrs {
		fields = append(fields, zap.String(string(kv.Key), kv.Value.Emit()))
	}

	f.logger.Info("event", fields...)
}
