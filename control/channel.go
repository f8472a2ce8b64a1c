//go:build linux

package control

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Fixed pipe locations shared with the in-process hooks of the target.
// These have to stay in sync with every released integration.
const (
	DefaultCtlPath = "/tmp/benchpilot.ctl.fifo"
	DefaultAckPath = "/tmp/benchpilot.ack.fifo"
)

// ioTimeout bounds every single pipe read/write so a killed peer degrades
// to a retry-then-fail path instead of an indefinite block.
const ioTimeout = 250 * time.Millisecond

// Channel is one end of the control protocol. The measuring process reads
// commands from the ctl pipe and writes acknowledgements to the ack pipe;
// the target side holds the mirrored pair.
type Channel struct {
	ctlPath string
	ackPath string
	rd      *os.File
	wr      *os.File
}

// NewRunnerChannel creates both pipes fresh (removing stale ones from a
// previous crashed run) and opens the measuring-process end.
func NewRunnerChannel(ctlPath, ackPath string) (*Channel, error) {
	for _, p := range []string{ctlPath, ackPath} {
		if err := makeFifo(p); err != nil {
			return nil, err
		}
	}
	rd, err := openPipe(ctlPath)
	if err != nil {
		return nil, err
	}
	wr, err := openPipe(ackPath)
	if err != nil {
		rd.Close()
		return nil, err
	}
	return &Channel{ctlPath: ctlPath, ackPath: ackPath, rd: rd, wr: wr}, nil
}

// NewTargetChannel opens the target-process end of an existing pipe pair.
func NewTargetChannel(ctlPath, ackPath string) (*Channel, error) {
	wr, err := openPipe(ctlPath)
	if err != nil {
		return nil, err
	}
	rd, err := openPipe(ackPath)
	if err != nil {
		wr.Close()
		return nil, err
	}
	return &Channel{ctlPath: ctlPath, ackPath: ackPath, rd: rd, wr: wr}, nil
}

func makeFifo(path string) error {
	_ = os.Remove(path)
	if err := unix.Mkfifo(path, 0o700); err != nil {
		return fmt.Errorf("creating fifo %s: %w", path, err)
	}
	return nil
}

// openPipe opens a FIFO read-write and non-blocking. Opening read-write
// means the open itself never blocks waiting for a peer and the pipe never
// reports EOF when the peer goes away mid-run; non-blocking registers the
// fd with the runtime poller so read/write deadlines work.
func openPipe(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("opening fifo %s: %w", path, err)
	}
	return f, nil
}

// Close closes both pipe ends. Pipe files on disk are only removed by the
// side that created them, via Remove.
func (ch *Channel) Close() error {
	var err error
	if ch.rd != nil {
		err = errors.Join(err, ch.rd.Close())
	}
	if ch.wr != nil {
		err = errors.Join(err, ch.wr.Close())
	}
	return err
}

// Remove deletes the pipe files. Called by the creating side during
// teardown so no stale pipes survive a run, cancelled or not.
func (ch *Channel) Remove() {
	for _, p := range []string{ch.ctlPath, ch.ackPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.WithError(err).WithField("path", p).Warn("failed to remove control pipe")
		}
	}
}

// Send writes one length-prefixed frame. Writes retry on timeout while the
// context is alive, so a slow reader stalls the sender only transiently.
func (ch *Channel) Send(ctx context.Context, cmd Command) error {
	payload, err := Encode(cmd)
	if err != nil {
		return err
	}
	frame := make([]byte, 0, 4+len(payload))
	frame = binary.LittleEndian.AppendUint32(frame, uint32(len(payload)))
	frame = append(frame, payload...)

	off := 0
	for off < len(frame) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := ch.wr.SetWriteDeadline(time.Now().Add(ioTimeout)); err != nil {
			return err
		}
		n, err := ch.wr.Write(frame[off:])
		off += n
		if err != nil && !os.IsTimeout(err) {
			return fmt.Errorf("writing control frame: %w", err)
		}
	}
	return nil
}

// Recv reads one command. It blocks until a full frame arrives, the
// context is cancelled, or the frame is malformed. A partially received
// frame is never decoded: the declared byte count must arrive in full.
func (ch *Channel) Recv(ctx context.Context) (Command, error) {
	var header [4]byte
	if err := ch.readFull(ctx, header[:], false); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(header[:])
	if n == 0 || n > maxFrameSize {
		return nil, fmt.Errorf("%w: frame length %d out of range", ErrProtocol, n)
	}
	payload := make([]byte, n)
	// The header already arrived, so the rest of the frame is owed to us:
	// keep retrying short reads, but treat cancellation mid-frame as a
	// protocol-level truncation rather than silently decoding a prefix.
	if err := ch.readFull(ctx, payload, true); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: frame truncated at cancellation", ErrProtocol)
		}
		return nil, err
	}
	return Decode(payload)
}

// readFull fills buf, retrying bounded-timeout reads. With midFrame set, a
// short read followed by an error is reported as a truncation.
func (ch *Channel) readFull(ctx context.Context, buf []byte, midFrame bool) error {
	off := 0
	for off < len(buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := ch.rd.SetReadDeadline(time.Now().Add(ioTimeout)); err != nil {
			return err
		}
		n, err := ch.rd.Read(buf[off:])
		off += n
		if err != nil {
			if os.IsTimeout(err) {
				continue
			}
			if err == io.EOF {
				continue
			}
			if midFrame && off > 0 {
				return fmt.Errorf("%w: short frame (%d of %d bytes)", ErrProtocol, off, len(buf))
			}
			return fmt.Errorf("reading control frame: %w", err)
		}
	}
	return nil
}
