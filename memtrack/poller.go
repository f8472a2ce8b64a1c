//go:build linux

package memtrack

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"time"

	"github.com/cilium/ebpf/ringbuf"
	log "github.com/sirupsen/logrus"
)

// pollInterval bounds how long a blocked ring-buffer read can delay
// cancellation.
const pollInterval = 100 * time.Millisecond

// Poller drains the ring buffer into a channel. Lifecycle events update
// the hierarchy mirror before delivery, so consumers always observe a
// hierarchy at least as current as the event they hold.
type Poller struct {
	tracker *Tracker
	out     chan Event

	malformed atomic.Uint64
}

// NewPoller returns a poller over the tracker's ring buffer.
func NewPoller(t *Tracker) *Poller {
	return &Poller{tracker: t, out: make(chan Event, 1024)}
}

// Events returns the delivery channel. It is closed when Run returns.
func (p *Poller) Events() <-chan Event { return p.out }

// Malformed returns the number of records that failed to decode.
func (p *Poller) Malformed() uint64 { return p.malformed.Load() }

// Run reads records until the context is cancelled or the ring buffer is
// closed. It always closes the delivery channel on return.
func (p *Poller) Run(ctx context.Context) error {
	defer close(p.out)
	for {
		p.tracker.reader.SetDeadline(time.Now().Add(pollInterval))
		rec, err := p.tracker.reader.Read()
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
					continue
				}
			}
			if errors.Is(err, ringbuf.ErrClosed) {
				return nil
			}
			return err
		}

		ev, err := ParseEvent(rec.RawSample)
		if err != nil {
			p.malformed.Add(1)
			log.WithError(err).Debug("dropping malformed ring buffer record")
			continue
		}
		p.apply(ev)

		select {
		case p.out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Poller) apply(ev Event) {
	h := p.tracker.Hierarchy()
	if h == nil {
		return
	}
	switch ev.Kind {
	case EvFork:
		h.Fork(ev.PID, ev.ChildPID)
	case EvExit:
		h.Exit(ev.PID)
	}
}
