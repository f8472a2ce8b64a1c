//go:build linux

package control

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
)

// EnvLock marks a process tree as already owning an initialized hook
// connection. A forked grandchild finding it set must not re-initialize
// instrumentation its parent already owns.
const EnvLock = "BENCHPILOT_HOOKS_LOCK"

// EnvCtlPath and EnvAckPath carry the pipe locations into the target
// process environment.
const (
	EnvCtlPath = "BENCHPILOT_CTL_FIFO"
	EnvAckPath = "BENCHPILOT_ACK_FIFO"
)

// ErrAlreadyInitialized is returned by Connect when an ancestor process in
// the same benchmark run already holds the hook connection.
var ErrAlreadyInitialized = errors.New("control hooks already initialized by an ancestor process")

// Hooks is the target-process side of the protocol. A benchmark harness
// obtains one handle via Connect and threads it through its run loop;
// there is deliberately no implicit global instance.
type Hooks struct {
	ch *Channel
}

// Connect opens the target end of the control channel using the pipe
// paths injected by the measuring process. It refuses to double-initialize
// within one process family by honoring the lock environment marker.
func Connect(ctx context.Context, integration, version string) (*Hooks, error) {
	if v := os.Getenv(EnvLock); v != "" && v != strconv.Itoa(os.Getpid()) {
		return nil, ErrAlreadyInitialized
	}

	ctlPath := os.Getenv(EnvCtlPath)
	ackPath := os.Getenv(EnvAckPath)
	if ctlPath == "" || ackPath == "" {
		ctlPath, ackPath = DefaultCtlPath, DefaultAckPath
	}
	ch, err := NewTargetChannel(ctlPath, ackPath)
	if err != nil {
		return nil, err
	}
	h := &Hooks{ch: ch}

	if err := h.roundTrip(ctx, SetVersion{Version: CurrentProtocolVersion}); err != nil {
		ch.Close()
		return nil, err
	}
	if err := h.roundTrip(ctx, SetIntegration{Name: integration, Version: version}); err != nil {
		ch.Close()
		return nil, err
	}
	// Children forked from here on inherit the lock and skip their own
	// initialization.
	os.Setenv(EnvLock, strconv.Itoa(os.Getpid()))
	return h, nil
}

// Close releases the channel and clears the lock marker.
func (h *Hooks) Close() error {
	os.Unsetenv(EnvLock)
	return h.ch.Close()
}

// SetExecutedBenchmark reports the identity of the benchmark the process
// is measuring.
func (h *Hooks) SetExecutedBenchmark(ctx context.Context, uri string) error {
	return h.roundTrip(ctx, CurrentBenchmark{PID: int32(os.Getpid()), URI: uri})
}

// StartBenchmark opens a round and blocks until it is acknowledged.
func (h *Hooks) StartBenchmark(ctx context.Context) error {
	return h.roundTrip(ctx, StartBenchmark{})
}

// StopBenchmark seals the round and blocks until it is acknowledged.
func (h *Hooks) StopBenchmark(ctx context.Context) error {
	return h.roundTrip(ctx, StopBenchmark{})
}

func (h *Hooks) roundTrip(ctx context.Context, cmd Command) error {
	if err := h.ch.Send(ctx, cmd); err != nil {
		return err
	}
	resp, err := h.ch.Recv(ctx)
	if err != nil {
		return err
	}
	switch resp.(type) {
	case Ack:
		return nil
	case Err:
		return fmt.Errorf("%w: peer rejected %T", ErrProtocol, cmd)
	default:
		return fmt.Errorf("%w: expected Ack, got %T", ErrProtocol, resp)
	}
}

// Guard wraps one benchmark in Start/Stop so the stop is sent even when
// the protected code fails. Usage:
//
//	g, err := hooks.Begin(ctx, uri)
//	if err != nil { ... }
//	defer g.End()
//	... benchmarked code ...
type Guard struct {
	h      *Hooks
	ctx    context.Context
	closed bool
}

// Begin announces uri and opens a round.
func (h *Hooks) Begin(ctx context.Context, uri string) (*Guard, error) {
	if err := h.SetExecutedBenchmark(ctx, uri); err != nil {
		return nil, err
	}
	if err := h.StartBenchmark(ctx); err != nil {
		return nil, err
	}
	return &Guard{h: h, ctx: ctx}, nil
}

// End seals the round. It is idempotent so it can sit in a defer next to
// an explicit call on the success path.
func (g *Guard) End() error {
	if g.closed {
		return nil
	}
	g.closed = true
	return g.h.StopBenchmark(g.ctx)
}
