// Package instrument orchestrates one measurement run. Each instrument
// variant composes the control channel, a measurement backend, and the
// statistics reducer behind one lifecycle contract, so the CLI layer
// drives valgrind-class, sampling, and allocation measurements the same
// way.
package instrument

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Kind selects the measurement backend. The set is closed: each kind
// needs distinct setup and teardown resource handling, dispatched
// through the shared lifecycle rather than open-ended plugins.
type Kind int

const (
	KindValgrind Kind = iota
	KindWalltime
	KindMemory
)

func (k Kind) String() string {
	switch k {
	case KindValgrind:
		return "valgrind"
	case KindWalltime:
		return "walltime"
	case KindMemory:
		return "memory"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// State is one lifecycle phase.
type State int

const (
	StateIdle State = iota
	StateSetup
	StateArmed
	StateRunning
	StateDraining
	StateFinalizing
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSetup:
		return "setup"
	case StateArmed:
		return "armed"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateFinalizing:
		return "finalizing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// transitions is the closed edge set of the lifecycle. Any phase may
// fail; everything else moves strictly forward.
var transitions = map[State][]State{
	StateIdle:       {StateSetup},
	StateSetup:      {StateArmed},
	StateArmed:      {StateRunning},
	StateRunning:    {StateDraining},
	StateDraining:   {StateFinalizing},
	StateFinalizing: {StateDone},
}

// PhaseError ties a failure to the lifecycle phase it occurred in, so a
// user-visible failure always names what was being attempted.
type PhaseError struct {
	Phase State
	Err   error
}

func (e *PhaseError) Error() string { return fmt.Sprintf("%s phase: %v", e.Phase, e.Err) }
func (e *PhaseError) Unwrap() error { return e.Err }

// core carries the state shared by all instrument variants.
type core struct {
	state State
	kind  Kind
	ectx  *ExecutionContext
}

// advance moves to next, or reports the violated edge.
func (c *core) advance(next State) error {
	for _, allowed := range transitions[c.state] {
		if allowed == next {
			c.state = next
			return nil
		}
	}
	return fmt.Errorf("instrument: illegal transition %s -> %s", c.state, next)
}

// fail moves to Failed from any state and wraps err with the phase that
// produced it.
func (c *core) fail(err error) error {
	phase := c.state
	c.state = StateFailed
	return &PhaseError{Phase: phase, Err: err}
}

// State returns the current lifecycle phase.
func (c *core) State() State { return c.state }

// DefaultMaxTime bounds the measurement phase when the caller does not.
const DefaultMaxTime = 3 * time.Second

// ExecutionContext fixes everything about one invocation before the run
// begins. The owning instrument treats it as immutable from Run onward.
type ExecutionContext struct {
	// Command is the target benchmark argv.
	Command []string
	// WorkingDir is the target's working directory; empty means inherit.
	WorkingDir string
	// Env is the base environment for the target; nil means inherit.
	Env []string
	// OutputDir receives the artifact bundle.
	OutputDir string

	// AllowEmpty makes a run with zero captured rounds succeed with an
	// empty result set instead of failing.
	AllowEmpty bool
	// WarmupRounds are discarded from the head of every benchmark's
	// round sequence before reduction.
	WarmupRounds int
	// MaxRounds caps measured rounds per benchmark; zero means no cap.
	MaxRounds int
	// MaxTime bounds the measurement phase; zero means DefaultMaxTime.
	MaxTime time.Duration

	// PinCPUs confines the target to the given CPU list through a
	// transient cgroup scope; empty disables pinning.
	PinCPUs string
	// Elevate runs the measurement tool under sudo when the process is
	// not already root. The target itself stays unprivileged: elevation
	// wraps the profiler invocation, pinning wraps the target inside it.
	Elevate bool

	// CtlPath and AckPath override the control pipe locations, mainly
	// for concurrent test runs.
	CtlPath string
	AckPath string

	// PerfPath overrides sampling profiler discovery.
	PerfPath string
	// ProbeObjectPath overrides the allocation probe object location.
	ProbeObjectPath string
	// ValgrindPath overrides valgrind discovery.
	ValgrindPath string
}

func (ec *ExecutionContext) maxTime() time.Duration {
	if ec.MaxTime > 0 {
		return ec.MaxTime
	}
	return DefaultMaxTime
}

// wrapTarget confines argv to the pinned CPUs through a transient scope.
// The scope keeps the whole benchmark process tree in one cgroup, so the
// profiler sees forks too.
func (ec *ExecutionContext) wrapTarget(argv []string) []string {
	if ec.PinCPUs == "" {
		return argv
	}
	return append([]string{
		"systemd-run", "--quiet", "--scope", "--same-dir",
		"--property=AllowedCPUs=" + ec.PinCPUs,
		"--uid=" + strconv.Itoa(os.Getuid()),
		"--gid=" + strconv.Itoa(os.Getgid()),
		"--",
	}, argv...)
}

// wrapTool prepends the elevation mechanism to a measurement-tool argv.
// No-op when elevation is off or the process already runs as root.
func (ec *ExecutionContext) wrapTool(argv []string) []string {
	if !ec.Elevate || os.Geteuid() == 0 {
		return argv
	}
	return append([]string{"sudo", "--non-interactive", "--preserve-env", "--"}, argv...)
}
