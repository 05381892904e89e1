package probe

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/mrzor/activity-tracer/internal/bpf"
)

func TestConcurrentTasks(t *testing.T) {
	const workers = 32
	h := newHarness(t, Config{PidFilter: 1})
	root := task(1, "init")

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(child Task) {
			defer wg.Done()
			h.probes.CloneExit(root, int64(child.Pid))
			h.probes.SchedStart(child)
			h.probes.ConnectEnter(child, ipv4Sock([4]byte{10, 0, 0, 1}, 443))
			h.probes.ConnectExit(child, 0)
			h.probes.TaskExit(child)
			h.probes.WaitExit(root, int64(child.Pid))
		}(task(uint32(2000+i), "worker"))
	}
	wg.Wait()

	counts := make(map[bpf.EventKind]int)
	joined := make(map[uint32]bool)
	for _, event := range h.events(t) {
		counts[event.Kind]++
		if event.Kind == bpf.ProcessJoin {
			joined[event.ChildPid()] = true
		}
	}
	assert.Equal(t, map[bpf.EventKind]int{
		bpf.ProcessCreate: workers,
		bpf.ProcessStart:  workers,
		bpf.SocketConnect: workers,
		bpf.ProcessEnd:    workers,
		bpf.ProcessJoin:   workers,
	}, counts)
	assert.Len(t, joined, workers)

	for _, kind := range []bpf.EventKind{bpf.ProcessCreate, bpf.ProcessStart, bpf.SocketConnect, bpf.ProcessEnd, bpf.ProcessJoin} {
		assert.Equal(t, float64(workers), testutil.ToFloat64(h.probes.metrics.emitted[kind]), kind.String())
	}
	for _, name := range []string{probeConnectExit, probeSchedStart, probeWaitExit} {
		assert.Zero(t, testutil.ToFloat64(h.probes.metrics.misses[name]), name)
	}
	for i := 0; i < workers; i++ {
		assert.False(t, h.probes.Filter().ShouldTrace(uint32(2000+i), bpf.MakeComm("worker")))
	}
}
