//go:build linux

package instrument

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// ValgrindInstrument measures instruction counts: the target runs under
// callgrind with collection off at start, and the in-process hooks
// toggle the counter around each round through client requests, dumping
// one profile per benchmark.
type ValgrindInstrument struct {
	core

	info    *ValgrindInfo
	exec    *execution
	scratch string
	target  *TargetInfo

	childErr error
}

// NewValgrind returns an idle valgrind instrument for one invocation.
func NewValgrind(ectx *ExecutionContext) *ValgrindInstrument {
	return &ValgrindInstrument{core: core{state: StateIdle, kind: KindValgrind, ectx: ectx}}
}

// Setup discovers and version-checks valgrind. Idempotent.
func (v *ValgrindInstrument) Setup(ctx context.Context) error {
	if err := v.advance(StateSetup); err != nil {
		return err
	}
	info, err := cachedValgrind(ctx, v.ectx.ValgrindPath)
	if err != nil {
		return v.fail(err)
	}
	target, err := inspectTarget(v.ectx.Command)
	if err != nil {
		return v.fail(err)
	}
	v.info = info
	v.target = target
	return nil
}

// Run arms the control channel and executes the target under callgrind.
func (v *ValgrindInstrument) Run(ctx context.Context) error {
	if err := v.advance(StateArmed); err != nil {
		return err
	}

	scratch, err := os.MkdirTemp(v.ectx.OutputDir, "callgrind-")
	if err != nil {
		return v.fail(err)
	}
	v.scratch = scratch

	if v.exec, err = arm(v.ectx); err != nil {
		return v.fail(err)
	}

	args := []string{
		v.info.Path,
		"--tool=callgrind",
		"--collect-atstart=no",
		"--dump-line=no",
		"--compress-strings=no",
		"--compress-pos=no",
		"--callgrind-out-file=" + filepath.Join(scratch, "callgrind.out.%p"),
	}
	args = append(args, v.ectx.Command...)
	argv := v.ectx.wrapTool(v.ectx.wrapTarget(args))
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = v.ectx.WorkingDir
	cmd.Env = v.exec.childEnv()
	cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr

	if err := v.advance(StateRunning); err != nil {
		return err
	}
	runErr := v.exec.run(ctx, cmd)

	if err := v.advance(StateDraining); err != nil {
		return err
	}
	v.exec.drain(ctx)
	v.childErr = v.exec.awaitChild(runErr != nil)
	v.exec.cleanup()

	if runErr != nil {
		return v.fail(runErr)
	}
	if v.childErr != nil {
		return v.fail(fmt.Errorf("target: %w", v.childErr))
	}
	return nil
}

// Collect parses the callgrind dumps into instruction totals, pairing
// them with the benchmark announcement order, and seals the bundle.
func (v *ValgrindInstrument) Collect(ctx context.Context) (*RunResult, error) {
	if err := v.advance(StateFinalizing); err != nil {
		return nil, err
	}

	order, rounds := v.exec.rec.Rounds()
	if _, err := reduceRounds(order, rounds, v.ectx.WarmupRounds, v.ectx.AllowEmpty); err != nil {
		return nil, v.fail(err)
	}

	counts, dumpFiles, err := collectCallgrindDumps(v.scratch)
	if err != nil {
		return nil, v.fail(err)
	}

	results := make([]BenchmarkResult, 0, len(order))
	for i, uri := range order {
		r := BenchmarkResult{URI: uri}
		if i < len(counts) {
			r.Instructions = &InstructionCounts{Total: counts[i]}
		} else {
			log.WithField("uri", uri).Warn("no callgrind dump for benchmark")
		}
		results = append(results, r)
	}

	res := &RunResult{Instrument: v.kind.String(), Results: results, Target: v.target}
	if v.exec.sess != nil {
		res.IntegrationName = v.exec.sess.IntegrationName
		res.IntegrationVersion = v.exec.sess.IntegrationVersion
	}

	bundle, err := NewBundle(v.ectx.OutputDir)
	if err != nil {
		return nil, v.fail(err)
	}
	for _, f := range dumpFiles {
		if err := bundle.AddFile(filepath.Base(f), f); err != nil {
			return nil, v.fail(err)
		}
	}
	if v.exec.sess != nil {
		if err := harvestPerfMaps(bundle, perfMapDir, v.exec.sess.PIDs); err != nil {
			log.WithError(err).Warn("cannot harvest jit symbol maps")
		}
	}
	if err := bundle.WriteJSON("results.json", res); err != nil {
		return nil, v.fail(err)
	}
	if err := bundle.Finalize(); err != nil {
		return nil, v.fail(err)
	}
	res.BundlePath = bundle.Path

	if err := v.advance(StateDone); err != nil {
		return nil, err
	}
	return res, nil
}

// Teardown releases anything the run left behind.
func (v *ValgrindInstrument) Teardown() error {
	if v.exec != nil {
		_ = v.exec.awaitChild(true)
		v.exec.cleanup()
	}
	if v.scratch != "" {
		os.RemoveAll(v.scratch)
		v.scratch = ""
	}
	return nil
}

// collectCallgrindDumps returns the summary instruction count of every
// dump under dir, in dump order.
func collectCallgrindDumps(dir string) ([]uint64, []string, error) {
	entries, err := filepath.Glob(filepath.Join(dir, "callgrind.out.*"))
	if err != nil {
		return nil, nil, err
	}
	sort.Strings(entries)

	counts := make([]uint64, 0, len(entries))
	for _, path := range entries {
		n, err := parseCallgrindSummary(path)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		counts = append(counts, n)
	}
	return counts, entries, nil
}

// parseCallgrindSummary extracts the Ir total from a callgrind output
// file's summary line.
func parseCallgrindSummary(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "summary:") && !strings.HasPrefix(line, "totals:") {
			continue
		}
		fields := strings.Fields(strings.TrimSpace(line[strings.Index(line, ":")+1:]))
		if len(fields) == 0 {
			break
		}
		return strconv.ParseUint(fields[0], 10, 64)
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("no summary line")
}
