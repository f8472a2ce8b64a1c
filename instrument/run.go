//go:build linux

package instrument

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"benchpilot.dev/benchpilot/control"
)

// Round is one sealed measurement interval in monotonic nanoseconds.
type Round struct {
	Start uint64
	Stop  uint64
}

// roundRecorder is the control.RoundSink shared by all variants: it
// collects per-benchmark rounds and forwards boundaries to the variant's
// hooks (profiler toggles, table snapshots).
type roundRecorder struct {
	mu sync.Mutex

	currentURI string
	open       bool
	openStart  uint64

	order  []string
	rounds map[string][]Round

	maxRounds int
	capped    bool

	onCurrent func(pid int32, uri string) error
	onStart   func(ts uint64) error
	onStop    func(ts uint64) error
}

func newRoundRecorder(maxRounds int) *roundRecorder {
	return &roundRecorder{rounds: make(map[string][]Round), maxRounds: maxRounds}
}

func (r *roundRecorder) CurrentBenchmark(pid int32, uri string) error {
	r.mu.Lock()
	if _, seen := r.rounds[uri]; !seen {
		r.order = append(r.order, uri)
		r.rounds[uri] = nil
	}
	r.currentURI = uri
	onCurrent := r.onCurrent
	r.mu.Unlock()

	log.WithField("pid", pid).WithField("uri", uri).Debug("benchmark announced")
	if onCurrent != nil {
		return onCurrent(pid, uri)
	}
	return nil
}

// CurrentURI returns the identity most recently announced.
func (r *roundRecorder) CurrentURI() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentURI
}

func (r *roundRecorder) RoundStarted(ts uint64) error {
	r.mu.Lock()
	r.open = true
	r.openStart = ts
	onStart := r.onStart
	r.mu.Unlock()
	if onStart != nil {
		return onStart(ts)
	}
	return nil
}

func (r *roundRecorder) RoundStopped(ts uint64) error {
	r.mu.Lock()
	if r.open {
		r.open = false
		uri := r.currentURI
		if uri == "" {
			uri = "unnamed"
		}
		if r.maxRounds > 0 && len(r.rounds[uri]) >= r.maxRounds {
			r.capped = true
		} else {
			r.rounds[uri] = append(r.rounds[uri], Round{Start: r.openStart, Stop: ts})
		}
	}
	onStop := r.onStop
	r.mu.Unlock()
	if onStop != nil {
		return onStop(ts)
	}
	return nil
}

// Rounds returns the benchmark identities in announcement order with
// their sealed rounds.
func (r *roundRecorder) Rounds() ([]string, map[string][]Round) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order := append([]string(nil), r.order...)
	rounds := make(map[string][]Round, len(r.rounds))
	for uri, rs := range r.rounds {
		rounds[uri] = append([]Round(nil), rs...)
	}
	return order, rounds
}

// execution owns the per-run control channel and child process. It is
// shared by the instrument variants; each contributes the command to run
// and the boundary hooks.
type execution struct {
	ectx *ExecutionContext
	ch   *control.Channel
	rec  *roundRecorder
	sess *control.Session

	cmd      *exec.Cmd
	waitErr  chan error
	reaped   bool
	childErr error
}

// arm creates the control pipes fresh and prepares the recorder.
func arm(ectx *ExecutionContext) (*execution, error) {
	ctl, ack := ectx.CtlPath, ectx.AckPath
	if ctl == "" {
		ctl = control.DefaultCtlPath
	}
	if ack == "" {
		ack = control.DefaultAckPath
	}
	ch, err := control.NewRunnerChannel(ctl, ack)
	if err != nil {
		return nil, err
	}
	return &execution{
		ectx:    ectx,
		ch:      ch,
		rec:     newRoundRecorder(ectx.MaxRounds),
		waitErr: make(chan error, 1),
	}, nil
}

// childEnv builds the target environment: the pipe paths for the hook
// library, with any stale initialization lock cleared so the new target
// may claim it.
func (e *execution) childEnv() []string {
	base := e.ectx.Env
	if base == nil {
		base = os.Environ()
	}
	env := make([]string, 0, len(base)+3)
	for _, kv := range base {
		if strings.HasPrefix(kv, control.EnvLock+"=") ||
			strings.HasPrefix(kv, control.EnvCtlPath+"=") ||
			strings.HasPrefix(kv, control.EnvAckPath+"=") {
			continue
		}
		env = append(env, kv)
	}
	ctl, ack := e.ectx.CtlPath, e.ectx.AckPath
	if ctl == "" {
		ctl = control.DefaultCtlPath
	}
	if ack == "" {
		ack = control.DefaultAckPath
	}
	return append(env,
		control.EnvCtlPath+"="+ctl,
		control.EnvAckPath+"="+ack,
	)
}

// run starts cmd and serves the control channel until the child exits,
// the measurement window elapses, or the context is cancelled. The
// session survives errors so partial results remain inspectable.
func (e *execution) run(ctx context.Context, cmd *exec.Cmd) error {
	if err := e.start(cmd); err != nil {
		return err
	}
	return e.serve(ctx)
}

// start launches the target and begins reaping it.
func (e *execution) start(cmd *exec.Cmd) error {
	e.cmd = cmd
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting target: %w", err)
	}
	go func() { e.waitErr <- cmd.Wait() }()
	return nil
}

// serve drives the control loop against the already-started child.
func (e *execution) serve(ctx context.Context) error {
	runCtx, cancel := context.WithTimeout(ctx, e.ectx.maxTime()+5*time.Second)
	defer cancel()

	srv := control.NewServer(e.ch, e.rec)
	srv.HealthCheck = func() bool {
		select {
		case err := <-e.waitErr:
			// Preserve the exit status for the caller's inspection.
			e.waitErr <- err
			return false
		default:
			return true
		}
	}

	sess, err := srv.Serve(runCtx)
	e.sess = sess
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return nil
}

// drain re-enters the serve loop once, briefly, to pick up commands the
// target wrote before exiting. It is detached from the caller's
// cancellation: buffered commands are collected whether the run ended
// normally, by signal, or by external cancel.
func (e *execution) drain(ctx context.Context) {
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 1500*time.Millisecond)
	defer cancel()
	srv := control.NewServer(e.ch, e.rec)
	sess, err := srv.Serve(drainCtx)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		log.WithError(err).Warn("error while draining control channel")
	}
	e.merge(sess)
}

func (e *execution) merge(extra *control.Session) {
	if extra == nil {
		return
	}
	if e.sess == nil {
		e.sess = extra
		return
	}
	e.sess.BenchOrder = append(e.sess.BenchOrder, extra.BenchOrder...)
	for pid := range extra.PIDs {
		e.sess.PIDs[pid] = struct{}{}
	}
	if extra.IntegrationName != "" {
		e.sess.IntegrationName = extra.IntegrationName
		e.sess.IntegrationVersion = extra.IntegrationVersion
	}
}

// awaitChild reaps the child, killing it first if the run was cut short.
// It returns the child's exit error, if any. Idempotent.
func (e *execution) awaitChild(kill bool) error {
	if e.cmd == nil || e.cmd.Process == nil || e.reaped {
		return e.childErr
	}
	if kill {
		_ = e.cmd.Process.Kill()
	}
	select {
	case e.childErr = <-e.waitErr:
	case <-time.After(5 * time.Second):
		_ = e.cmd.Process.Kill()
		e.childErr = <-e.waitErr
	}
	e.reaped = true
	return e.childErr
}

// cleanup tears down the channel and removes the pipes from disk. Safe
// to call more than once.
func (e *execution) cleanup() {
	if e.ch != nil {
		e.ch.Close()
		e.ch.Remove()
		e.ch = nil
	}
}
