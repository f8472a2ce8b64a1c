//go:build linux

package control

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newPipePair(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	dir := t.TempDir()
	ctl := filepath.Join(dir, "ctl.fifo")
	ack := filepath.Join(dir, "ack.fifo")

	runner, err := NewRunnerChannel(ctl, ack)
	require.NoError(t, err)
	t.Cleanup(func() { runner.Close(); runner.Remove() })

	target, err := NewTargetChannel(ctl, ack)
	require.NoError(t, err)
	t.Cleanup(func() { target.Close() })

	return runner, target
}

func TestChannelSendRecv(t *testing.T) {
	runner, target := newPipePair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	want := CurrentBenchmark{PID: int32(os.Getpid()), URI: "bench::channel"}
	require.NoError(t, target.Send(ctx, want))

	got, err := runner.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestChannelRecvTimesOutWithoutPeer(t *testing.T) {
	runner, _ := newPipePair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 600*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := runner.Recv(ctx)
	require.Error(t, err)
	// The read must degrade to retry-then-fail, never block past the
	// context deadline.
	require.Less(t, time.Since(start), 3*time.Second)
}

func TestChannelRemoveCleansPipes(t *testing.T) {
	dir := t.TempDir()
	ctl := filepath.Join(dir, "ctl.fifo")
	ack := filepath.Join(dir, "ack.fifo")

	runner, err := NewRunnerChannel(ctl, ack)
	require.NoError(t, err)
	require.NoError(t, runner.Close())
	runner.Remove()

	_, err = os.Stat(ctl)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(ack)
	require.True(t, os.IsNotExist(err))
}

func TestChannelRecreatesStalePipes(t *testing.T) {
	dir := t.TempDir()
	ctl := filepath.Join(dir, "ctl.fifo")
	ack := filepath.Join(dir, "ack.fifo")

	// Leave a stale regular file where the fifo should go.
	require.NoError(t, os.WriteFile(ctl, []byte("stale"), 0o600))

	runner, err := NewRunnerChannel(ctl, ack)
	require.NoError(t, err)
	defer func() { runner.Close(); runner.Remove() }()

	fi, err := os.Stat(ctl)
	require.NoError(t, err)
	require.Equal(t, os.ModeNamedPipe, fi.Mode()&os.ModeNamedPipe)
}

type recordingSink struct {
	uris    []string
	starts  int
	stops   int
	started chan struct{}
}

func (r *recordingSink) CurrentBenchmark(pid int32, uri string) error {
	r.uris = append(r.uris, uri)
	return nil
}

func (r *recordingSink) RoundStarted(ts uint64) error {
	r.starts++
	if r.started != nil {
		close(r.started)
		r.started = nil
	}
	return nil
}

func (r *recordingSink) RoundStopped(ts uint64) error {
	r.stops++
	return nil
}

func TestServerAcksEveryCommand(t *testing.T) {
	runner, target := newPipePair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sink := &recordingSink{}
	srv := NewServer(runner, sink)

	done := make(chan error, 1)
	serveCtx, stopServe := context.WithCancel(ctx)
	var sess *Session
	go func() {
		var err error
		sess, err = srv.Serve(serveCtx)
		done <- err
	}()

	sendAndAwaitAck := func(cmd Command) {
		t.Helper()
		require.NoError(t, target.Send(ctx, cmd))
		resp, err := target.Recv(ctx)
		require.NoError(t, err)
		require.IsType(t, Ack{}, resp)
	}

	sendAndAwaitAck(SetVersion{Version: CurrentProtocolVersion})
	sendAndAwaitAck(SetIntegration{Name: "go-benchpilot", Version: "0.3.1"})
	sendAndAwaitAck(CurrentBenchmark{PID: 7, URI: "bench::one"})
	sendAndAwaitAck(StartBenchmark{})
	sendAndAwaitAck(StopBenchmark{})

	stopServe()
	require.ErrorIs(t, <-done, context.Canceled)

	require.Equal(t, []string{"bench::one"}, sink.uris)
	require.Equal(t, 1, sink.starts)
	require.Equal(t, 1, sink.stops)
	require.Equal(t, "go-benchpilot", sess.IntegrationName)
	require.Contains(t, sess.PIDs, int32(7))
	require.Len(t, sess.BenchOrder, 1)
}

func TestServerRejectsStopWithoutStart(t *testing.T) {
	runner, target := newPipePair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := NewServer(runner, &recordingSink{})
	done := make(chan error, 1)
	go func() {
		_, err := srv.Serve(ctx)
		done <- err
	}()

	require.NoError(t, target.Send(ctx, StopBenchmark{}))
	resp, err := target.Recv(ctx)
	require.NoError(t, err)
	require.IsType(t, Err{}, resp)

	require.ErrorIs(t, <-done, ErrProtocol)
}

func TestServerRejectsStaleProtocolVersion(t *testing.T) {
	runner, target := newPipePair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := NewServer(runner, &recordingSink{})
	done := make(chan error, 1)
	go func() {
		_, err := srv.Serve(ctx)
		done <- err
	}()

	require.NoError(t, target.Send(ctx, SetVersion{Version: MinProtocolVersion - 1}))
	resp, err := target.Recv(ctx)
	require.NoError(t, err)
	require.IsType(t, Err{}, resp)

	require.ErrorIs(t, <-done, ErrProtocol)
}

func TestHooksGuardSendsStartStop(t *testing.T) {
	dir := t.TempDir()
	ctl := filepath.Join(dir, "ctl.fifo")
	ack := filepath.Join(dir, "ack.fifo")

	runner, err := NewRunnerChannel(ctl, ack)
	require.NoError(t, err)
	defer func() { runner.Close(); runner.Remove() }()

	t.Setenv(EnvCtlPath, ctl)
	t.Setenv(EnvAckPath, ack)
	t.Setenv(EnvLock, "")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sink := &recordingSink{}
	srv := NewServer(runner, sink)
	serveCtx, stopServe := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		_, err := srv.Serve(serveCtx)
		done <- err
	}()

	hooks, err := Connect(ctx, "test-integration", "0.0.1")
	require.NoError(t, err)
	defer hooks.Close()

	g, err := hooks.Begin(ctx, "bench::guarded")
	require.NoError(t, err)
	require.NoError(t, g.End())
	// End is idempotent; a second call must not send another stop.
	require.NoError(t, g.End())

	stopServe()
	<-done
	require.Equal(t, 1, sink.starts)
	require.Equal(t, 1, sink.stops)
	require.Equal(t, []string{"bench::guarded"}, sink.uris)
}

func TestConnectHonorsEnvLock(t *testing.T) {
	t.Setenv(EnvLock, "99999")
	ctx := context.Background()
	_, err := Connect(ctx, "test", "0")
	require.ErrorIs(t, err, ErrAlreadyInitialized)
}
