package replay

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mrzor/activity-tracer/internal/probe"
)

// Clock is set by the runner before each step.
type Clock struct {
	now atomic.Uint64
}

// Now implements probe.Clock.
func (c *Clock) Now() uint64 {
	return c.now.Load()
}

// Set moves the clock to ns.
func (c *Clock) Set(ns uint64) {
	c.now.Store(ns)
}

// Runner fires probes as a scenario dictates.
type Runner struct {
	probes *probe.Probes
	clock  *Clock
	logger *zap.Logger
}

// NewRunner builds probes writing to out whose clock follows the scenario.
// A clock passed in opts is overridden.
func NewRunner(cfg probe.Config, out probe.Output, logger *zap.Logger, opts ...probe.Option) (*Runner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := &Clock{}
	opts = append(opts, probe.WithClock(clock), probe.WithLogger(logger))

	probes, err := probe.New(cfg, out, opts...)
	if err != nil {
		return nil, err
	}
	return &Runner{probes: probes, clock: clock, logger: logger}, nil
}

// Probes returns the driven probes.
func (r *Runner) Probes() *probe.Probes {
	return r.probes
}

// Run fires every step in order. It stops early when ctx is done.
func (r *Runner) Run(ctx context.Context, sc *Scenario) error {
	socks := make(map[string]probe.Sock, len(sc.Sockets))
	for name, spec := range sc.Sockets {
		sk, err := spec.sock()
		if err != nil {
			return fmt.Errorf("socket %q: %w", name, err)
		}
		socks[name] = sk
	}

	var prev uint64
	for i, step := range sc.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}

		at := stepTime(step, prev)
		prev = at
		r.clock.Set(at)

		r.logger.Debug("replay step",
			zap.Int("step", i),
			zap.String("probe", step.Probe),
			zap.Uint32("pid", step.Task.Pid),
			zap.Uint64("at", at),
		)
		if err := r.fire(step, socks[step.Socket]); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	return nil
}

// fire dispatches one step. sk is nil for the null handle.
func (r *Runner) fire(step Step, sk probe.Sock) error {
	t := step.Task.task()
	p := r.probes

	switch step.Probe {
	case ProbeConnectEnter:
		p.ConnectEnter(t, sk)
	case ProbeConnectExit:
		p.ConnectExit(t, step.Ret)
	case ProbeAcceptExit:
		p.AcceptExit(t, sk)
	case ProbeSendEnter:
		p.SendEnter(t, sk)
	case ProbeSendExit:
		p.SendExit(t, step.Ret)
	case ProbeRecvEnter:
		p.RecvEnter(t, sk)
	case ProbeRecvExit:
		p.RecvExit(t, step.Ret)
	case ProbeCloneExit:
		p.CloneExit(t, step.Ret)
	case ProbeExec:
		oldPid := step.OldPid
		if oldPid == 0 {
			oldPid = t.Pid
		}
		p.Exec(t, oldPid)
	case ProbeSchedStart:
		p.SchedStart(t)
	case ProbeTaskExit:
		p.TaskExit(t)
	case ProbeWaitExit:
		p.WaitExit(t, step.Ret)
	case ProbeFsyncExit:
		p.FsyncExit(t, step.Ret)
	default:
		return fmt.Errorf("unknown probe %q", step.Probe)
	}
	return nil
}
