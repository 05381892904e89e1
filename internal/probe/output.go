package probe

import (
	"sync"
	"sync/atomic"

	"github.com/cilium/ebpf/ringbuf"

	"github.com/mrzor/activity-tracer/internal/bpf"
)

// Output receives finished event records. Submit must not block; it reports
// false when the record was dropped.
type Output interface {
	Submit(event bpf.Event) bool
}

// ChannelOutput is a bounded multi-producer, single-consumer record channel.
// Records are stored in their wire encoding. It implements the same Read
// contract as a ring buffer reader so the consumer side can treat both alike.
type ChannelOutput struct {
	records   chan [bpf.EventSize]byte
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
}

// NewChannelOutput creates an output holding up to size records.
func NewChannelOutput(size int) *ChannelOutput {
	if size <= 0 {
		size = 1
	}
	return &ChannelOutput{
		records: make(chan [bpf.EventSize]byte, size),
		done:    make(chan struct{}),
	}
}

// Submit encodes event and enqueues it, dropping it when the channel is full.
func (o *ChannelOutput) Submit(event bpf.Event) bool {
	var buf [bpf.EventSize]byte
	event.Encode(&buf)

	select {
	case o.records <- buf:
		return true
	default:
		o.dropped.Add(1)
		return false
	}
}

// Read blocks until a record is available or the output is closed. Records
// still queued at close time are returned before ringbuf.ErrClosed.
func (o *ChannelOutput) Read() (ringbuf.Record, error) {
	select {
	case buf := <-o.records:
		return ringbuf.Record{RawSample: buf[:]}, nil
	default:
	}

	select {
	case buf := <-o.records:
		return ringbuf.Record{RawSample: buf[:]}, nil
	case <-o.done:
		select {
		case buf := <-o.records:
			return ringbuf.Record{RawSample: buf[:]}, nil
		default:
			return ringbuf.Record{}, ringbuf.ErrClosed
		}
	}
}

// Close unblocks readers. Submit keeps working and never panics after Close.
func (o *ChannelOutput) Close() error {
	o.closeOnce.Do(func() { close(o.done) })
	return nil
}

// Pending returns the number of queued records.
func (o *ChannelOutput) Pending() int {
	return len(o.records)
}

// Dropped returns the number of records dropped because the channel was full.
func (o *ChannelOutput) Dropped() uint64 {
	return o.dropped.Load()
}
