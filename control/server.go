//go:build linux

package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// RoundSink receives benchmark boundary notifications as they arrive on
// the channel. Implementations are per-instrument: the walltime instrument
// toggles the profiler's event stream, the memory instrument snapshots the
// live-allocation table.
type RoundSink interface {
	// CurrentBenchmark is called when the target announces the identity
	// it is about to measure.
	CurrentBenchmark(pid int32, uri string) error
	// RoundStarted opens a round at the given monotonic timestamp.
	RoundStarted(ts uint64) error
	// RoundStopped seals the open round.
	RoundStopped(ts uint64) error
}

// TimedURI records when a benchmark identity was announced, in monotonic
// nanoseconds, so samples can later be attributed to identities.
type TimedURI struct {
	Timestamp uint64
	URI       string
}

// Session is the outcome of one Serve loop.
type Session struct {
	BenchOrder         []TimedURI
	PIDs               map[int32]struct{}
	IntegrationName    string
	IntegrationVersion string
}

// Server drives the measuring side of the control protocol: it receives
// commands, validates sequencing, forwards boundaries to the sink, and
// acknowledges each command exactly once.
type Server struct {
	ch   *Channel
	sink RoundSink
	// HealthCheck, when set, is consulted between commands; returning
	// false ends the loop. It must never sit on the Start/Stop hot path,
	// so it is only invoked while the channel is idle.
	HealthCheck func() bool

	now func() uint64
}

func NewServer(ch *Channel, sink RoundSink) *Server {
	return &Server{ch: ch, sink: sink, now: monotonicNow}
}

func monotonicNow() uint64 {
	// Round timestamps must share a clock with the sampling profiler's
	// trace, which records CLOCK_MONOTONIC.
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return uint64(ts.Nano())
}

// Serve processes commands until the context is cancelled or the health
// check reports the target gone. Sequencing violations abort the loop with
// ErrProtocol; the caller treats that as a failed, non-retryable run.
func (s *Server) Serve(ctx context.Context) (*Session, error) {
	sess := &Session{PIDs: make(map[int32]struct{})}
	roundOpen := false

	for {
		if err := ctx.Err(); err != nil {
			return sess, err
		}
		if s.HealthCheck != nil && !s.HealthCheck() {
			return sess, nil
		}

		recvCtx, cancel := context.WithTimeout(ctx, time.Second)
		cmd, err := s.ch.Recv(recvCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, context.Canceled) {
				return sess, ctx.Err()
			}
			return sess, err
		}
		log.WithField("cmd", fmt.Sprintf("%T", cmd)).Trace("received control command")

		switch c := cmd.(type) {
		case CurrentBenchmark:
			sess.BenchOrder = append(sess.BenchOrder, TimedURI{Timestamp: s.now(), URI: c.URI})
			sess.PIDs[c.PID] = struct{}{}
			if err := s.sink.CurrentBenchmark(c.PID, c.URI); err != nil {
				return sess, err
			}
			if err := s.ack(ctx); err != nil {
				return sess, err
			}
		case StartBenchmark:
			if roundOpen {
				// Integrations occasionally re-enter their harness; a
				// duplicate start is harmless and keeps the open round.
				log.Warn("duplicate StartBenchmark, ignoring")
				if err := s.ack(ctx); err != nil {
					return sess, err
				}
				continue
			}
			roundOpen = true
			if err := s.sink.RoundStarted(s.now()); err != nil {
				return sess, err
			}
			if err := s.ack(ctx); err != nil {
				return sess, err
			}
		case StopBenchmark:
			if !roundOpen {
				_ = s.ch.Send(ctx, Err{})
				return sess, fmt.Errorf("%w: StopBenchmark without an open round", ErrProtocol)
			}
			roundOpen = false
			if err := s.sink.RoundStopped(s.now()); err != nil {
				return sess, err
			}
			if err := s.ack(ctx); err != nil {
				return sess, err
			}
		case SetIntegration:
			sess.IntegrationName, sess.IntegrationVersion = c.Name, c.Version
			if err := s.ack(ctx); err != nil {
				return sess, err
			}
		case SetVersion:
			if err := s.negotiate(ctx, c.Version); err != nil {
				return sess, err
			}
		default:
			log.WithField("cmd", fmt.Sprintf("%T", cmd)).Warn("unhandled control command")
			if err := s.ch.Send(ctx, Err{}); err != nil {
				return sess, err
			}
		}
	}
}

func (s *Server) ack(ctx context.Context) error {
	return s.ch.Send(ctx, Ack{})
}

func (s *Server) negotiate(ctx context.Context, version uint64) error {
	switch {
	case version < MinProtocolVersion:
		_ = s.ch.Send(ctx, Err{})
		return fmt.Errorf("%w: integration protocol version %d below minimum %d",
			ErrProtocol, version, MinProtocolVersion)
	case version > CurrentProtocolVersion:
		_ = s.ch.Send(ctx, Err{})
		return fmt.Errorf("%w: integration protocol version %d newer than supported %d",
			ErrProtocol, version, CurrentProtocolVersion)
	default:
		return s.ack(ctx)
	}
}
