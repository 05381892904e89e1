package eventprocessor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mrzor/activity-tracer/internal/bpf"
	"github.com/mrzor/activity-tracer/internal/peernames"
	"github.com/mrzor/activity-tracer/internal/procmeta"
)

// ProcessEventHandler handles processed process and filesystem events.
type ProcessEventHandler interface {
	HandleProcessCreate(event *bpf.Event, child procmeta.ProcessMetadata) error
	HandleProcessStart(event *bpf.Event, metadata procmeta.ProcessMetadata) error
	HandleProcessEnd(event *bpf.Event, metadata procmeta.ProcessMetadata, issues []string) error
	HandleProcessJoin(event *bpf.Event, child procmeta.ProcessMetadata) error
	HandleDurableWrite(event *bpf.Event) error
}

// SocketEventHandler handles processed socket events.
type SocketEventHandler interface {
	HandleSocketEvent(event *bpf.Event, flow Flow) error
}

// Processor coordinates event processing.
// It routes events to specialized handlers and maintains process lineage.
type Processor struct {
	metadataManager *procmeta.Manager
	processHandler  ProcessEventHandler
	socketHandler   SocketEventHandler
	logger          *zap.Logger
	peers           *peernames.Resolver
	peerSource      peernames.Source
}

// Option customizes a Processor.
type Option func(*Processor)

// WithPeerNames scans the strings of every started or exec'd process with
// resolver and attaches the names found for the remote address to each Flow.
func WithPeerNames(resolver *peernames.Resolver, src peernames.Source) Option {
	return func(p *Processor) {
		p.peers = resolver
		p.peerSource = src
	}
}

// NewProcessor creates a new event processor.
func NewProcessor(
	metadataManager *procmeta.Manager,
	processHandler ProcessEventHandler,
	socketHandler SocketEventHandler,
	logger *zap.Logger,
	opts ...Option,
) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Processor{
		metadataManager: metadataManager,
		processHandler:  processHandler,
		socketHandler:   socketHandler,
		logger:          logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HandleEvent routes events by kind to specialized handlers.
func (p *Processor) HandleEvent(event *bpf.Event) error {
	switch event.Kind {
	case bpf.SocketConnect, bpf.SocketAccept, bpf.SocketSend, bpf.SocketReceive:
		return p.handleSocket(event)
	case bpf.ProcessCreate:
		return p.handleCreate(event)
	case bpf.ProcessStart:
		return p.handleStart(event)
	case bpf.ProcessEnd:
		return p.handleEnd(event)
	case bpf.ProcessJoin:
		return p.handleJoin(event)
	case bpf.DurableWriteComplete:
		return p.processHandler.HandleDurableWrite(event)
	default:
		return fmt.Errorf("unknown event kind: %s", event.Kind)
	}
}

// handleCreate links the child to its creator. An exec reports the same pid
// on both sides and keeps the existing parent link.
func (p *Processor) handleCreate(event *bpf.Event) error {
	child := event.ChildPid()
	if child != event.Pid {
		p.metadataManager.RecordCreate(child, event.Pid, event.Timestamp)
	}
	meta := p.metadataManager.GetOrCreate(child)
	if child == event.Pid {
		p.ingestPeers(child)
	}
	return p.processHandler.HandleProcessCreate(event, meta)
}

func (p *Processor) handleStart(event *bpf.Event) error {
	if !p.metadataManager.RecordStart(event.Pid, event.Tgid, event.Comm, event.Timestamp) {
		p.metadataManager.AddIssue(event.Pid, "process start observed without a matching create")
		p.logger.Debug("start without create", zap.Uint32("pid", event.Pid))
	}
	meta, _ := p.metadataManager.Get(event.Pid)
	p.ingestPeers(event.Pid)
	return p.processHandler.HandleProcessStart(event, meta)
}

// handleEnd records the exit. Threads are never joined, so their lineage is
// dropped here instead of on ProcessJoin.
func (p *Processor) handleEnd(event *bpf.Event) error {
	p.metadataManager.RecordEnd(event.Pid, event.Comm, event.Timestamp)
	meta, _ := p.metadataManager.Get(event.Pid)
	err := p.processHandler.HandleProcessEnd(event, meta, p.metadataManager.GetIssues(event.Pid))
	if event.Tgid != 0 && event.Pid != event.Tgid {
		p.metadataManager.Delete(event.Pid)
	}
	return err
}

// handleJoin hands the child's lineage to the handler, then forgets it.
func (p *Processor) handleJoin(event *bpf.Event) error {
	child := event.ChildPid()
	meta, ok := p.metadataManager.Get(child)
	if !ok {
		meta = procmeta.ProcessMetadata{Pid: child}
	}
	err := p.processHandler.HandleProcessJoin(event, meta)
	p.metadataManager.Delete(child)
	return err
}

func (p *Processor) handleSocket(event *bpf.Event) error {
	flow := FlowOf(event)
	if p.peers != nil {
		flow.PeerNames = p.peers.Lookup(flow.Peer().Addr())
	}
	return p.socketHandler.HandleSocketEvent(event, flow)
}

// ingestPeers learns endpoint names from pid. Short-lived processes may be
// gone by the time their start is consumed.
func (p *Processor) ingestPeers(pid uint32) {
	if p.peers == nil {
		return
	}
	if err := p.peers.IngestProcess(context.Background(), p.peerSource, pid); err != nil {
		p.logger.Debug("reading process endpoints", zap.Uint32("pid", pid), zap.Error(err))
	}
}
