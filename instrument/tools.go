package instrument

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"benchpilot.dev/benchpilot/walltime"
)

// minValgrindMajor/Minor is the oldest valgrind whose client-request
// counter interface the integrations target.
const (
	minValgrindMajor = 3
	minValgrindMinor = 16
)

// ValgrindInfo is a discovered, version-checked valgrind executable.
type ValgrindInfo struct {
	Path    string
	Version string
}

// toolCache makes Setup idempotent: repeated setups of the same process
// reuse the probed tool metadata instead of re-executing version checks.
var toolCache struct {
	mu       sync.Mutex
	profiler map[string]*walltime.Profiler
	valgrind map[string]*ValgrindInfo
}

func cachedProfiler(ctx context.Context, override string) (*walltime.Profiler, error) {
	toolCache.mu.Lock()
	defer toolCache.mu.Unlock()
	if p, ok := toolCache.profiler[override]; ok {
		return p, nil
	}

	var p *walltime.Profiler
	var err error
	if override != "" {
		p, err = walltime.FindProfilerAt(ctx, override)
	} else {
		p, err = walltime.FindProfiler(ctx)
	}
	if err != nil {
		return nil, err
	}
	if toolCache.profiler == nil {
		toolCache.profiler = make(map[string]*walltime.Profiler)
	}
	toolCache.profiler[override] = p
	return p, nil
}

func cachedValgrind(ctx context.Context, override string) (*ValgrindInfo, error) {
	toolCache.mu.Lock()
	defer toolCache.mu.Unlock()
	if v, ok := toolCache.valgrind[override]; ok {
		return v, nil
	}

	path := override
	if path == "" {
		var err error
		if path, err = exec.LookPath("valgrind"); err != nil {
			return nil, fmt.Errorf("%w: valgrind not in PATH", walltime.ErrUnavailable)
		}
	}
	out, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		return nil, fmt.Errorf("%w: %s --version: %v", walltime.ErrUnavailable, path, err)
	}
	version := strings.TrimSpace(string(out))
	version = strings.TrimPrefix(version, "valgrind-")
	if err := checkValgrindVersion(version); err != nil {
		return nil, err
	}

	info := &ValgrindInfo{Path: path, Version: version}
	if toolCache.valgrind == nil {
		toolCache.valgrind = make(map[string]*ValgrindInfo)
	}
	toolCache.valgrind[override] = info
	log.WithField("path", path).WithField("version", version).Debug("valgrind located")
	return info, nil
}

func checkValgrindVersion(version string) error {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) < 2 {
		return fmt.Errorf("%w: unparseable valgrind version %q", walltime.ErrUnavailable, version)
	}
	major, err1 := strconv.Atoi(parts[0])
	minor, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return fmt.Errorf("%w: unparseable valgrind version %q", walltime.ErrUnavailable, version)
	}
	if major < minValgrindMajor || (major == minValgrindMajor && minor < minValgrindMinor) {
		return fmt.Errorf("%w: valgrind %s older than %d.%d",
			walltime.ErrUnavailable, version, minValgrindMajor, minValgrindMinor)
	}
	return nil
}
