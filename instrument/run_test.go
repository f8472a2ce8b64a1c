//go:build linux

package instrument

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"benchpilot.dev/benchpilot/control"
)

func testContext(dir string) *ExecutionContext {
	return &ExecutionContext{
		Command:   []string{"/bin/sleep", "60"},
		OutputDir: dir,
		CtlPath:   filepath.Join(dir, "ctl.fifo"),
		AckPath:   filepath.Join(dir, "ack.fifo"),
		MaxTime:   2 * time.Second,
	}
}

func TestRoundRecorderOrderAndRounds(t *testing.T) {
	rec := newRoundRecorder(0)
	require.NoError(t, rec.CurrentBenchmark(1, "pkg::a"))
	require.NoError(t, rec.RoundStarted(100))
	require.NoError(t, rec.RoundStopped(150))
	require.NoError(t, rec.RoundStarted(200))
	require.NoError(t, rec.RoundStopped(260))
	require.NoError(t, rec.CurrentBenchmark(1, "pkg::b"))
	require.NoError(t, rec.RoundStarted(300))
	require.NoError(t, rec.RoundStopped(330))

	order, rounds := rec.Rounds()
	require.Equal(t, []string{"pkg::a", "pkg::b"}, order)
	require.Equal(t, []Round{{100, 150}, {200, 260}}, rounds["pkg::a"])
	require.Equal(t, []Round{{300, 330}}, rounds["pkg::b"])
}

func TestRoundRecorderCapsRounds(t *testing.T) {
	rec := newRoundRecorder(2)
	require.NoError(t, rec.CurrentBenchmark(1, "b"))
	for i := 0; i < 5; i++ {
		require.NoError(t, rec.RoundStarted(uint64(i*100)))
		require.NoError(t, rec.RoundStopped(uint64(i*100+10)))
	}
	_, rounds := rec.Rounds()
	require.Len(t, rounds["b"], 2)
	require.True(t, rec.capped)
}

func TestRoundRecorderHooksFireOnBoundaries(t *testing.T) {
	rec := newRoundRecorder(0)
	var starts, stops int
	rec.onStart = func(uint64) error { starts++; return nil }
	rec.onStop = func(uint64) error { stops++; return nil }

	require.NoError(t, rec.RoundStarted(1))
	require.NoError(t, rec.RoundStopped(2))
	require.Equal(t, 1, starts)
	require.Equal(t, 1, stops)
}

func TestChildEnvInjectsPipesAndClearsLock(t *testing.T) {
	ectx := testContext(t.TempDir())
	ectx.Env = []string{
		"PATH=/usr/bin",
		control.EnvLock + "=1234",
	}
	e, err := arm(ectx)
	require.NoError(t, err)
	defer e.cleanup()

	env := e.childEnv()
	require.Contains(t, env, "PATH=/usr/bin")
	require.Contains(t, env, control.EnvCtlPath+"="+ectx.CtlPath)
	require.Contains(t, env, control.EnvAckPath+"="+ectx.AckPath)
	for _, kv := range env {
		require.False(t, len(kv) > len(control.EnvLock) && kv[:len(control.EnvLock)+1] == control.EnvLock+"=")
	}
}

func TestCancelledRunKillsChildAndRemovesPipes(t *testing.T) {
	dir := t.TempDir()
	ectx := testContext(dir)
	e, err := arm(ectx)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, ectx.Command[0], ectx.Command[1:]...)
	cmd.Env = e.childEnv()

	done := make(chan error, 1)
	go func() { done <- e.run(ctx, cmd) }()

	time.Sleep(200 * time.Millisecond)
	pid := cmd.Process.Pid
	cancel()

	err = <-done
	require.ErrorIs(t, err, context.Canceled)

	_ = e.awaitChild(true)
	e.cleanup()

	// No stale pipes on disk.
	_, statErr := os.Stat(ectx.CtlPath)
	require.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(ectx.AckPath)
	require.True(t, os.IsNotExist(statErr))

	// The child is gone: signalling it fails once it has been reaped.
	require.Error(t, syscall.Kill(pid, 0))
}

func TestDrainCollectsBufferedRoundsAfterCancel(t *testing.T) {
	ectx := testContext(t.TempDir())
	e, err := arm(ectx)
	require.NoError(t, err)
	defer e.cleanup()

	// A target wrote a full round into the pipe before the run was cut
	// short; the frames sit buffered in the fifo.
	tch, err := control.NewTargetChannel(ectx.CtlPath, ectx.AckPath)
	require.NoError(t, err)
	defer tch.Close()
	send := context.Background()
	require.NoError(t, tch.Send(send, control.CurrentBenchmark{PID: 7, URI: "pkg::late"}))
	require.NoError(t, tch.Send(send, control.StartBenchmark{}))
	require.NoError(t, tch.Send(send, control.StopBenchmark{}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.drain(ctx)

	order, rounds := e.rec.Rounds()
	require.Equal(t, []string{"pkg::late"}, order)
	require.Len(t, rounds["pkg::late"], 1)
}

func TestParseCallgrindSummary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "callgrind.out.1")
	content := "# callgrind format\nversion: 1\nevents: Ir\nfn=(1) main\n0 100\n\nsummary: 987654\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	n, err := parseCallgrindSummary(path)
	require.NoError(t, err)
	require.Equal(t, uint64(987654), n)
}

func TestParseCallgrindSummaryMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "callgrind.out.2")
	require.NoError(t, os.WriteFile(path, []byte("events: Ir\n"), 0o644))
	_, err := parseCallgrindSummary(path)
	require.Error(t, err)
}
