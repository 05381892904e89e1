package replay

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mrzor/activity-tracer/internal/bpf"
	"github.com/mrzor/activity-tracer/internal/probe"
)

// Probe names accepted in a step.
const (
	ProbeConnectEnter = "connect_enter"
	ProbeConnectExit  = "connect_exit"
	ProbeAcceptExit   = "accept_exit"
	ProbeSendEnter    = "send_enter"
	ProbeSendExit     = "send_exit"
	ProbeRecvEnter    = "recv_enter"
	ProbeRecvExit     = "recv_exit"
	ProbeCloneExit    = "clone_exit"
	ProbeExec         = "exec"
	ProbeSchedStart   = "sched_start"
	ProbeTaskExit     = "task_exit"
	ProbeWaitExit     = "wait_exit"
	ProbeFsyncExit    = "fsync_exit"
)

// DefaultStep is the clock advance applied to steps without an explicit time.
const DefaultStep = 1000

// NullSocket names the null socket handle.
const NullSocket = "null"

//go:embed scenarios/*.yaml
var builtinFS embed.FS

// Scenario is a scripted sequence of probe firings.
type Scenario struct {
	Name        string                `yaml:"name"`
	Description string                `yaml:"description"`
	Filter      FilterSpec            `yaml:"filter"`
	Sockets     map[string]SocketSpec `yaml:"sockets"`
	Steps       []Step                `yaml:"steps"`
}

// FilterSpec is the filter the scenario was written for.
type FilterSpec struct {
	Pid  uint32 `yaml:"pid"`
	Comm string `yaml:"comm"`
}

// SocketSpec describes a socket handle.
type SocketSpec struct {
	// Family is inet, inet6, unix or a numeric address family.
	Family string `yaml:"family"`
	Local  string `yaml:"local"`
	Remote string `yaml:"remote"`
	// Faults lists fields whose reads fail: family, num, dport, rcv_saddr,
	// daddr, v6_rcv_saddr, v6_daddr.
	Faults []string `yaml:"faults"`
}

// TaskSpec identifies the thread a probe fires in. Tgid defaults to Pid.
type TaskSpec struct {
	Pid  uint32 `yaml:"pid"`
	Tgid uint32 `yaml:"tgid"`
	Comm string `yaml:"comm"`
}

// Step is one probe firing.
type Step struct {
	// At is the monotonic clock value in nanoseconds. Zero means DefaultStep
	// after the previous step.
	At     uint64   `yaml:"at"`
	Probe  string   `yaml:"probe"`
	Task   TaskSpec `yaml:"task"`
	Socket string   `yaml:"socket"`
	Ret    int64    `yaml:"ret"`
	OldPid uint32   `yaml:"old_pid"`
}

var socketProbes = map[string]bool{
	ProbeConnectEnter: true,
	ProbeAcceptExit:   true,
	ProbeSendEnter:    true,
	ProbeRecvEnter:    true,
}

var knownProbes = map[string]bool{
	ProbeConnectEnter: true, ProbeConnectExit: true, ProbeAcceptExit: true,
	ProbeSendEnter: true, ProbeSendExit: true, ProbeRecvEnter: true, ProbeRecvExit: true,
	ProbeCloneExit: true, ProbeExec: true, ProbeSchedStart: true, ProbeTaskExit: true,
	ProbeWaitExit: true, ProbeFsyncExit: true,
}

// Parse decodes and validates a scenario. Unknown fields are rejected.
func Parse(data []byte) (*Scenario, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var sc Scenario
	if err := dec.Decode(&sc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty scenario")
		}
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Load reads a scenario file.
func Load(file string) (*Scenario, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	sc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	if sc.Name == "" {
		sc.Name = strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	}
	return sc, nil
}

// Builtin returns an embedded scenario by name.
func Builtin(name string) (*Scenario, error) {
	data, err := builtinFS.ReadFile("scenarios/" + name + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("unknown builtin scenario %q (have %s)", name, strings.Join(BuiltinNames(), ", "))
	}
	sc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("builtin %s: %w", name, err)
	}
	if sc.Name == "" {
		sc.Name = name
	}
	return sc, nil
}

// BuiltinNames lists the embedded scenarios.
func BuiltinNames() []string {
	entries, err := builtinFS.ReadDir("scenarios")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, strings.TrimSuffix(entry.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names
}

// Validate checks probe names, task ids, socket references and step times.
func (s *Scenario) Validate() error {
	if len(s.Filter.Comm) >= bpf.TaskCommLen {
		return fmt.Errorf("filter comm %q is longer than %d bytes", s.Filter.Comm, bpf.TaskCommLen-1)
	}
	for name, spec := range s.Sockets {
		if _, err := spec.sock(); err != nil {
			return fmt.Errorf("socket %q: %w", name, err)
		}
	}

	var prev uint64
	for i, step := range s.Steps {
		if !knownProbes[step.Probe] {
			return fmt.Errorf("step %d: unknown probe %q", i, step.Probe)
		}
		if step.Task.Pid == 0 {
			return fmt.Errorf("step %d: task pid is required", i)
		}
		if len(step.Task.Comm) >= bpf.TaskCommLen {
			return fmt.Errorf("step %d: comm %q is longer than %d bytes", i, step.Task.Comm, bpf.TaskCommLen-1)
		}
		if step.Socket != "" && !socketProbes[step.Probe] {
			return fmt.Errorf("step %d: probe %s takes no socket", i, step.Probe)
		}
		if step.Socket != "" && step.Socket != NullSocket {
			if _, ok := s.Sockets[step.Socket]; !ok {
				return fmt.Errorf("step %d: unknown socket %q", i, step.Socket)
			}
		}
		if step.At != 0 && step.At < prev {
			return fmt.Errorf("step %d: time %d goes backwards (previous %d)", i, step.At, prev)
		}
		prev = stepTime(step, prev)
	}
	return nil
}

// ApplyFilter fills the filter fields cfg leaves unset from the scenario.
func (s *Scenario) ApplyFilter(cfg *probe.Config) {
	if cfg.PidFilter == 0 {
		cfg.PidFilter = s.Filter.Pid
	}
	if cfg.CommFilter == "" {
		cfg.CommFilter = s.Filter.Comm
	}
}

func stepTime(step Step, prev uint64) uint64 {
	if step.At != 0 {
		return step.At
	}
	return prev + DefaultStep
}

func (t TaskSpec) task() probe.Task {
	tgid := t.Tgid
	if tgid == 0 {
		tgid = t.Pid
	}
	return probe.Task{Pid: t.Pid, Tgid: tgid, Comm: bpf.MakeComm(t.Comm)}
}

func parseFamily(s string) (uint16, error) {
	switch strings.ToLower(s) {
	case "inet", "ipv4", "":
		return bpf.AF_INET, nil
	case "inet6", "ipv6":
		return bpf.AF_INET6, nil
	case "unix", "local":
		return 1, nil
	}
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("unknown family %q", s)
	}
	return uint16(n), nil
}

func parseEndpoint(s string) (netip.AddrPort, error) {
	if s == "" {
		return netip.AddrPort{}, nil
	}
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("endpoint %q: %w", s, err)
	}
	return ap, nil
}

func (spec SocketSpec) sock() (*scriptedSock, error) {
	family, err := parseFamily(spec.Family)
	if err != nil {
		return nil, err
	}
	local, err := parseEndpoint(spec.Local)
	if err != nil {
		return nil, err
	}
	remote, err := parseEndpoint(spec.Remote)
	if err != nil {
		return nil, err
	}

	faults := make(map[string]bool, len(spec.Faults))
	for _, f := range spec.Faults {
		if !sockFields[f] {
			return nil, fmt.Errorf("unknown fault field %q", f)
		}
		faults[f] = true
	}
	return &scriptedSock{family: family, local: local, remote: remote, faults: faults}, nil
}
