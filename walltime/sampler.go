//go:build linux

package walltime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ioTimeout is the per-attempt deadline on control fifo reads and
// writes; a dead profiler is detected after at most a few attempts
// instead of blocking forever.
const ioTimeout = 250 * time.Millisecond

// Sampler runs the profiler around the target command. Sampling starts
// disabled; the round loop toggles it through the profiler's fifo
// control protocol so only the measured intervals are captured.
type Sampler struct {
	profiler *Profiler

	OutputPath string
	ctlPath    string
	ackPath    string

	ctl *os.File
	ack *os.File
}

// NewSampler creates the control fifos and reserves the capture path
// under dir.
func NewSampler(p *Profiler, dir string) (*Sampler, error) {
	s := &Sampler{
		profiler:   p,
		OutputPath: filepath.Join(dir, "capture.data"),
		ctlPath:    filepath.Join(dir, "perf.ctl.fifo"),
		ackPath:    filepath.Join(dir, "perf.ack.fifo"),
	}
	for _, path := range []string{s.ctlPath, s.ackPath} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("removing stale fifo %s: %w", path, err)
		}
		if err := unix.Mkfifo(path, 0o600); err != nil {
			return nil, fmt.Errorf("creating fifo %s: %w", path, err)
		}
	}

	var err error
	// Read-write keeps open from blocking on the absent peer and the
	// descriptors pollable for deadlines.
	if s.ctl, err = os.OpenFile(s.ctlPath, os.O_RDWR|unix.O_NONBLOCK, 0); err != nil {
		s.Remove()
		return nil, err
	}
	if s.ack, err = os.OpenFile(s.ackPath, os.O_RDWR|unix.O_NONBLOCK, 0); err != nil {
		s.Remove()
		return nil, err
	}
	return s, nil
}

// Args builds the full profiler invocation wrapping argv, profiler
// executable first. Frame-pointer unwinding keeps the whole user stack
// in the capture's callchain records, which is what the converter
// consumes.
func (s *Sampler) Args(argv []string) []string {
	args := []string{
		s.profiler.Path,
		"record",
		"--freq", strconv.Itoa(SampleFrequency),
		"-g", "--call-graph", "fp",
		"-k", "CLOCK_MONOTONIC",
		"--delay", "-1",
		"--control", "fifo:" + s.ctlPath + "," + s.ackPath,
		"--output", s.OutputPath,
		"--",
	}
	return append(args, argv...)
}

// Command builds the profiler invocation wrapping argv. The caller owns
// the returned command's environment, directory, and stdio, and starts
// and waits on it.
func (s *Sampler) Command(ctx context.Context, argv []string) *exec.Cmd {
	args := s.Args(argv)
	return exec.CommandContext(ctx, args[0], args[1:]...)
}

// Enable starts sample capture.
func (s *Sampler) Enable(ctx context.Context) error { return s.command(ctx, "enable") }

// Disable stops sample capture.
func (s *Sampler) Disable(ctx context.Context) error { return s.command(ctx, "disable") }

// command sends one control verb and waits for the profiler's ack.
func (s *Sampler) command(ctx context.Context, verb string) error {
	msg := []byte(verb + "\n")
	for len(msg) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.ctl.SetWriteDeadline(time.Now().Add(ioTimeout))
		n, err := s.ctl.Write(msg)
		msg = msg[n:]
		if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
			return fmt.Errorf("profiler control %s: %w", verb, err)
		}
	}
	return s.awaitAck(ctx, verb)
}

func (s *Sampler) awaitAck(ctx context.Context, verb string) error {
	var got []byte
	buf := make([]byte, 16)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.ack.SetReadDeadline(time.Now().Add(ioTimeout))
		n, err := s.ack.Read(buf)
		got = append(got, buf[:n]...)
		if bytes.Contains(got, []byte("ack")) {
			return nil
		}
		if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
			return fmt.Errorf("profiler control %s: awaiting ack: %w", verb, err)
		}
	}
}

// Close releases the control descriptors.
func (s *Sampler) Close() {
	if s.ctl != nil {
		s.ctl.Close()
		s.ctl = nil
	}
	if s.ack != nil {
		s.ack.Close()
		s.ack = nil
	}
}

// Remove deletes the control fifos from disk.
func (s *Sampler) Remove() {
	s.Close()
	for _, path := range []string{s.ctlPath, s.ackPath} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.WithError(err).WithField("path", path).Warn("leaving stale control fifo behind")
		}
	}
}
