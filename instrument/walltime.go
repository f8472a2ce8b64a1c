//go:build linux

package instrument

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"benchpilot.dev/benchpilot/perfdata"
	"benchpilot.dev/benchpilot/symbolize"
	"benchpilot.dev/benchpilot/walltime"
)

// WalltimeInstrument measures wall-clock round durations while a CPU
// sampling profiler captures stacks for the measured intervals only.
type WalltimeInstrument struct {
	core

	profiler *walltime.Profiler
	sampler  *walltime.Sampler
	exec     *execution
	scratch  string
	target   *TargetInfo

	childErr error
}

// NewWalltime returns an idle walltime instrument for one invocation.
func NewWalltime(ectx *ExecutionContext) *WalltimeInstrument {
	return &WalltimeInstrument{core: core{state: StateIdle, kind: KindWalltime, ectx: ectx}}
}

// Setup discovers and version-checks the profiler and preflights the
// kernel settings it depends on. Idempotent across instruments in the
// same process.
func (w *WalltimeInstrument) Setup(ctx context.Context) error {
	if err := w.advance(StateSetup); err != nil {
		return err
	}
	p, err := cachedProfiler(ctx, w.ectx.PerfPath)
	if err != nil {
		return w.fail(err)
	}
	if err := walltime.Preflight(); err != nil {
		return w.fail(err)
	}
	target, err := inspectTarget(w.ectx.Command)
	if err != nil {
		return w.fail(err)
	}
	w.profiler = p
	w.target = target
	return nil
}

// Run arms the control channel, launches the target under the profiler,
// and serves round boundaries until the target exits or the measurement
// window closes. Sampling is enabled only inside rounds.
func (w *WalltimeInstrument) Run(ctx context.Context) error {
	if err := w.advance(StateArmed); err != nil {
		return err
	}

	scratch, err := os.MkdirTemp(w.ectx.OutputDir, "walltime-")
	if err != nil {
		return w.fail(err)
	}
	w.scratch = scratch

	w.sampler, err = walltime.NewSampler(w.profiler, scratch)
	if err != nil {
		return w.fail(err)
	}
	w.exec, err = arm(w.ectx)
	if err != nil {
		w.sampler.Remove()
		return w.fail(err)
	}
	w.exec.rec.onStart = func(uint64) error { return w.sampler.Enable(ctx) }
	w.exec.rec.onStop = func(uint64) error { return w.sampler.Disable(ctx) }

	argv := w.ectx.wrapTool(w.sampler.Args(w.ectx.wrapTarget(w.ectx.Command)))
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = w.ectx.WorkingDir
	cmd.Env = w.exec.childEnv()
	cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr

	if err := w.advance(StateRunning); err != nil {
		return err
	}
	runErr := w.exec.run(ctx, cmd)

	if err := w.advance(StateDraining); err != nil {
		return err
	}
	w.exec.drain(ctx)
	w.childErr = w.exec.awaitChild(runErr != nil)

	// Pipes must not outlive the run, however it ended.
	w.exec.cleanup()
	w.sampler.Remove()

	if runErr != nil {
		return w.fail(runErr)
	}
	if w.childErr != nil {
		return w.fail(fmt.Errorf("target: %w", w.childErr))
	}
	return nil
}

// Collect symbolizes the capture, reduces the rounds, and seals the
// artifact bundle.
func (w *WalltimeInstrument) Collect(ctx context.Context) (*RunResult, error) {
	if err := w.advance(StateFinalizing); err != nil {
		return nil, err
	}

	order, rounds := w.exec.rec.Rounds()
	results, err := reduceRounds(order, rounds, w.ectx.WarmupRounds, w.ectx.AllowEmpty)
	if err != nil {
		return nil, w.fail(err)
	}

	var report *walltime.Report
	reader, err := perfdata.Open(w.sampler.OutputPath)
	if err != nil {
		// A missing or empty capture degrades symbol output, not timing.
		log.WithError(err).Warn("profiler capture unusable, bundle will lack stacks")
	} else {
		var windows []walltime.RoundWindow
		for uri, rs := range rounds {
			for _, r := range rs {
				windows = append(windows, walltime.RoundWindow{URI: uri, Start: r.Start, Stop: r.Stop})
			}
		}
		if report, err = walltime.Convert(reader, windows, symbolize.ELFLoader{}); err != nil {
			return nil, w.fail(fmt.Errorf("converting capture: %w", err))
		}
		if report.Unattributed > 0 {
			log.WithField("samples", report.Unattributed).Debug("samples outside any round window")
		}
	}

	res := &RunResult{Instrument: w.kind.String(), Results: results, Target: w.target}
	if w.exec.sess != nil {
		res.IntegrationName = w.exec.sess.IntegrationName
		res.IntegrationVersion = w.exec.sess.IntegrationVersion
	}

	bundle, err := NewBundle(w.ectx.OutputDir)
	if err != nil {
		return nil, w.fail(err)
	}
	if _, statErr := os.Stat(w.sampler.OutputPath); statErr == nil {
		if err := bundle.AddFile("capture.data", w.sampler.OutputPath); err != nil {
			return nil, w.fail(err)
		}
	}
	if report != nil {
		if err := writeStacks(bundle, report); err != nil {
			return nil, w.fail(err)
		}
		if err := bundle.WriteJSON("modules.json", report.Modules); err != nil {
			return nil, w.fail(err)
		}
		if err := report.WritePprof(filepath.Join(bundle.Dir(), "profile.pb.gz")); err != nil {
			return nil, w.fail(err)
		}
	}
	if w.exec.sess != nil {
		if err := harvestPerfMaps(bundle, perfMapDir, w.exec.sess.PIDs); err != nil {
			log.WithError(err).Warn("cannot harvest jit symbol maps")
		}
	}
	if err := bundle.WriteJSON("results.json", res); err != nil {
		return nil, w.fail(err)
	}
	if err := bundle.Finalize(); err != nil {
		return nil, w.fail(err)
	}
	res.BundlePath = bundle.Path

	if err := w.advance(StateDone); err != nil {
		return nil, err
	}
	return res, nil
}

// writeStacks emits every benchmark's folded stacks into one artifact,
// each line prefixed with its benchmark identity.
func writeStacks(bundle *Bundle, report *walltime.Report) error {
	uris := make([]string, 0, len(report.ByBenchmark))
	for uri := range report.ByBenchmark {
		uris = append(uris, uri)
	}
	sort.Strings(uris)

	var sb strings.Builder
	for _, uri := range uris {
		var folded strings.Builder
		if err := report.ByBenchmark[uri].WriteFolded(&folded); err != nil {
			return err
		}
		for _, line := range strings.Split(strings.TrimRight(folded.String(), "\n"), "\n") {
			if line == "" {
				continue
			}
			sb.WriteString(uri)
			sb.WriteByte(';')
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
	}
	return os.WriteFile(filepath.Join(bundle.Dir(), "stacks.folded"), []byte(sb.String()), 0o644)
}

// Teardown releases anything the run left behind. Safe after failure at
// any phase.
func (w *WalltimeInstrument) Teardown() error {
	if w.exec != nil {
		_ = w.exec.awaitChild(true)
		w.exec.cleanup()
	}
	if w.sampler != nil {
		w.sampler.Remove()
	}
	if w.scratch != "" {
		os.RemoveAll(w.scratch)
		w.scratch = ""
	}
	return nil
}
