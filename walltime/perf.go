// Package walltime drives the CPU sampling profiler: it discovers and
// version-checks the perf executable, preflights the kernel settings
// sampling depends on, runs perf around the target command with a fifo
// control channel, and converts the resulting capture into symbolized,
// per-benchmark stack aggregates.
package walltime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// SampleFrequency is the sampling rate in Hz. Prime, so the sampler does
// not phase-lock with periodic system activity.
const SampleFrequency = 997

// EnvPerfPath overrides perf discovery.
const EnvPerfPath = "BENCHPILOT_PERF"

// ErrUnavailable reports that no usable profiler was found. Runs fail on
// it before any measurement starts.
var ErrUnavailable = errors.New("walltime: sampling profiler unavailable")

// Profiler is a discovered, version-checked perf executable.
type Profiler struct {
	Path    string
	Version string
}

// FindProfiler locates the perf executable and probes its version.
func FindProfiler(ctx context.Context) (*Profiler, error) {
	path := os.Getenv(EnvPerfPath)
	if path == "" {
		var err error
		if path, err = exec.LookPath("perf"); err != nil {
			return nil, fmt.Errorf("%w: perf not in PATH", ErrUnavailable)
		}
	}
	return FindProfilerAt(ctx, path)
}

// FindProfilerAt version-checks a specific perf executable.
func FindProfilerAt(ctx context.Context, path string) (*Profiler, error) {
	out, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		return nil, fmt.Errorf("%w: %s --version: %v", ErrUnavailable, path, err)
	}
	version := strings.TrimSpace(string(out))
	version = strings.TrimPrefix(version, "perf version ")
	if version == "" {
		return nil, fmt.Errorf("%w: %s reported no version", ErrUnavailable, path)
	}

	log.WithField("path", path).WithField("version", version).Debug("profiler located")
	return &Profiler{Path: path, Version: version}, nil
}

// Preflight verifies the kernel settings sampling depends on. A
// paranoia level that forbids system-wide sampling for the current user
// is fatal; a restricted kptr setting only degrades kernel symbol
// quality and is logged.
func Preflight() error {
	paranoid, err := readSysctl("/proc/sys/kernel/perf_event_paranoid")
	if err != nil {
		log.WithError(err).Warn("cannot read perf_event_paranoid, assuming permissive")
	} else if paranoid > 2 && os.Geteuid() != 0 {
		return fmt.Errorf("%w: kernel.perf_event_paranoid=%d forbids unprivileged sampling", ErrUnavailable, paranoid)
	}

	if restrict, err := readSysctl("/proc/sys/kernel/kptr_restrict"); err == nil && restrict != 0 {
		log.WithField("kptr_restrict", restrict).Debug("kernel addresses hidden, kernel frames will not symbolize")
	}
	return nil
}

func readSysctl(path string) (int64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
}
