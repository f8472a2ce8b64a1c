//go:build linux

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v3"
	log "github.com/sirupsen/logrus"

	"benchpilot.dev/benchpilot/instrument"
)

func main() {
	fs := flag.NewFlagSet("benchpilot", flag.ExitOnError)
	var (
		mode       = fs.String("instrument", "walltime", "instrument to run: walltime, valgrind, memory")
		outputDir  = fs.String("output-dir", ".", "directory receiving the artifact bundle")
		workingDir = fs.String("working-dir", "", "working directory for the target command")
		allowEmpty = fs.Bool("allow-empty", false, "succeed with an empty result set when no rounds were captured")
		warmup     = fs.Int("warmup-rounds", 0, "rounds discarded from the head of each benchmark")
		maxRounds  = fs.Int("max-rounds", 0, "cap on measured rounds per benchmark, 0 for none")
		maxTime    = fs.Duration("max-time", instrument.DefaultMaxTime, "bound on the measurement phase")
		perfPath   = fs.String("perf", "", "path to the perf executable, discovered when empty")
		valgrind   = fs.String("valgrind", "", "path to the valgrind executable, discovered when empty")
		probeObj   = fs.String("probe-object", "", "path to the allocation probe object")
		pinCPUs    = fs.String("pin-cpus", "", "CPU list the target is confined to, empty for no pinning")
		elevate    = fs.Bool("elevate", false, "run the measurement tool under sudo when not already root")
		verbose    = fs.Bool("verbose", false, "enable debug logging")
	)
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("BENCHPILOT")); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: benchpilot [flags] -- <command> [args...]")
		os.Exit(2)
	}

	var kind instrument.Kind
	switch *mode {
	case "walltime":
		kind = instrument.KindWalltime
	case "valgrind":
		kind = instrument.KindValgrind
	case "memory":
		kind = instrument.KindMemory
	default:
		fmt.Fprintf(os.Stderr, "unknown instrument %q\n", *mode)
		os.Exit(2)
	}

	ectx := &instrument.ExecutionContext{
		Command:         fs.Args(),
		WorkingDir:      *workingDir,
		OutputDir:       *outputDir,
		AllowEmpty:      *allowEmpty,
		WarmupRounds:    *warmup,
		MaxRounds:       *maxRounds,
		MaxTime:         *maxTime,
		PinCPUs:         *pinCPUs,
		Elevate:         *elevate,
		PerfPath:        *perfPath,
		ValgrindPath:    *valgrind,
		ProbeObjectPath: *probeObj,
	}

	if err := run(kind, ectx); err != nil {
		var perr *instrument.PhaseError
		if errors.As(err, &perr) {
			log.WithField("phase", perr.Phase.String()).Error(perr.Err)
		} else {
			log.Error(err)
		}
		os.Exit(1)
	}
}

func run(kind instrument.Kind, ectx *instrument.ExecutionContext) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	inst := instrument.New(kind, ectx)
	defer inst.Teardown()

	start := time.Now()
	if err := inst.Setup(ctx); err != nil {
		return err
	}
	if err := inst.Run(ctx); err != nil {
		return err
	}
	res, err := inst.Collect(ctx)
	if err != nil {
		return err
	}
	log.WithField("elapsed", time.Since(start)).
		WithField("benchmarks", len(res.Results)).
		Debug("run complete")

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
