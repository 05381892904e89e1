// Package eventstream reads raw event records and dispatches decoded events to a handler.
package eventstream

import (
	"context"
	"errors"
	"sync"

	"github.com/cilium/ebpf/ringbuf"
	"go.uber.org/zap"

	"github.com/mrzor/activity-tracer/internal/bpf"
)

// Reader yields raw records. *ringbuf.Reader and *probe.ChannelOutput both satisfy it.
type Reader interface {
	Read() (ringbuf.Record, error)
}

// Handler receives decoded events.
type Handler interface {
	HandleEvent(event *bpf.Event) error
}

// Stream reads events from a Reader and dispatches them to a handler.
type Stream struct {
	reader   Reader
	handler  Handler
	logger   *zap.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu     sync.Mutex
	stats  Stats
	runErr error
}

// Stats counts what the stream has seen.
type Stats struct {
	Handled       uint64
	DecodeErrors  uint64
	HandlerErrors uint64
}

// New creates a new Stream with the given reader and event handler.
func New(reader Reader, handler Handler, logger *zap.Logger) *Stream {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stream{
		reader:  reader,
		handler: handler,
		logger:  logger,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start begins reading events in a goroutine.
// It returns immediately and processes events in the background until
// the reader is closed, the context is cancelled or Stop is called.
func (s *Stream) Start(ctx context.Context) error {
	go func() {
		_ = s.Run(ctx) //nolint:errcheck // Reported through Err
	}()
	return nil
}

// Stop signals the event processing goroutine to stop.
// A goroutine blocked in Read only notices once the reader is closed.
func (s *Stream) Stop() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	return nil
}

// Done is closed when the processing loop has returned.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns the error the background loop ended with, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runErr
}

// Stats returns a snapshot of the counters.
func (s *Stream) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Run is the main event loop. It returns nil once the reader reports
// ringbuf.ErrClosed, and ctx.Err() on cancellation.
func (s *Stream) Run(ctx context.Context) (err error) {
	defer func() {
		s.mu.Lock()
		s.runErr = err
		s.mu.Unlock()
		close(s.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return nil
		default:
		}

		record, err := s.reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				s.logger.Debug("event reader closed")
				return nil
			}
			s.logger.Warn("reading event record", zap.Error(err))
			continue
		}

		event, err := bpf.Decode(record.RawSample)
		if err != nil {
			s.count(func(st *Stats) { st.DecodeErrors++ })
			s.logger.Warn("decoding event record", zap.Error(err), zap.Int("size", len(record.RawSample)))
			continue
		}

		if err := s.handler.HandleEvent(&event); err != nil {
			s.count(func(st *Stats) { st.HandlerErrors++ })
			s.logger.Warn("handling event",
				zap.Error(err),
				zap.Stringer("kind", event.Kind),
				zap.Uint32("pid", event.Pid),
			)
			continue
		}
		s.count(func(st *Stats) { st.Handled++ })
	}
}

func (s *Stream) count(f func(*Stats)) {
	s.mu.Lock()
	f(&s.stats)
	s.mu.Unlock()
}
