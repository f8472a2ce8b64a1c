package walltime

import (
	"io"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"benchpilot.dev/benchpilot/perfdata"
	"benchpilot.dev/benchpilot/symbolize"
)

// RecordSource yields trace records in file order. *perfdata.Reader
// satisfies it.
type RecordSource interface {
	Next() (perfdata.Record, error)
}

// RoundWindow is one measured interval: samples whose timestamp falls in
// [Start, Stop) belong to the named benchmark.
type RoundWindow struct {
	URI   string
	Start uint64
	Stop  uint64
}

// Aggregate holds the symbolized stacks of one benchmark, folded
// root-first with ';' separators and counted.
type Aggregate struct {
	Stacks  map[string]uint64
	Samples uint64
}

// ModuleInfo describes one executable mapping observed in the trace,
// preserved as unwind metadata in the artifact bundle.
type ModuleInfo struct {
	PID   uint32 `json:"pid"`
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
	Path  string `json:"path"`
}

// Report is the outcome of converting one capture.
type Report struct {
	ByBenchmark map[string]*Aggregate
	Modules     []ModuleInfo

	TotalSamples uint64
	// Unattributed counts samples falling outside every round window
	// (warmup iterations, inter-round gaps).
	Unattributed uint64
}

type rawSample struct {
	pid   uint32
	time  uint64
	chain []uint64
}

// Convert streams a capture into a per-benchmark report. Module maps are
// rebuilt from the trace's mapping records rather than /proc, since they
// are timestamp-ordered and survive target exit. Symbolization runs in
// parallel across processes once the capture has been read.
func Convert(src RecordSource, windows []RoundWindow, loader symbolize.Loader) (*Report, error) {
	windows = append([]RoundWindow(nil), windows...)
	sort.Slice(windows, func(i, j int) bool { return windows[i].Start < windows[j].Start })

	maps := make(map[uint32]*symbolize.ModuleMap)
	var samples []rawSample
	for {
		rec, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch r := rec.(type) {
		case perfdata.Mmap:
			mm := maps[r.PID]
			if mm == nil {
				mm = &symbolize.ModuleMap{}
				maps[r.PID] = mm
			}
			mm.AddTraceMapping(r.Addr, r.Len, r.FileOffset, r.Filename)
		case perfdata.Fork:
			// The child starts with a copy of the parent's address space.
			if parent := maps[r.PPID]; parent != nil && maps[r.PID] == nil {
				mm := &symbolize.ModuleMap{}
				for _, m := range parent.Modules() {
					mm.AddTraceMapping(m.Start, m.End-m.Start, m.FileOffset, m.Path)
				}
				maps[r.PID] = mm
			}
		case perfdata.Sample:
			if len(r.Callchain) == 0 {
				continue
			}
			samples = append(samples, rawSample{pid: r.PID, time: r.Time, chain: r.Callchain})
		}
	}

	report := &Report{ByBenchmark: make(map[string]*Aggregate)}
	for pid, mm := range maps {
		for _, m := range mm.Modules() {
			report.Modules = append(report.Modules, ModuleInfo{PID: pid, Start: m.Start, End: m.End, Path: m.Path})
		}
	}
	sort.Slice(report.Modules, func(i, j int) bool {
		if report.Modules[i].PID != report.Modules[j].PID {
			return report.Modules[i].PID < report.Modules[j].PID
		}
		return report.Modules[i].Start < report.Modules[j].Start
	})
	for _, w := range windows {
		if _, ok := report.ByBenchmark[w.URI]; !ok {
			report.ByBenchmark[w.URI] = &Aggregate{Stacks: make(map[string]uint64)}
		}
	}

	// Samples grouped by pid form independent symbolization batches: each
	// worker owns its process's module map and symbol caches outright.
	byPID := make(map[uint32][]rawSample)
	for _, s := range samples {
		byPID[s.pid] = append(byPID[s.pid], s)
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for pid, batch := range byPID {
		pid, batch := pid, batch
		g.Go(func() error {
			mm := maps[pid]
			if mm == nil {
				mm = &symbolize.ModuleMap{}
				log.WithField("pid", pid).Debug("samples without mapping records, all frames unknown")
			}
			sym := symbolize.NewSymbolizer(mm, loader)

			local := make(map[string]map[string]uint64)
			var attributed, dropped uint64
			for _, s := range batch {
				uri, ok := attribute(windows, s.time)
				if !ok {
					dropped++
					continue
				}
				attributed++
				key := foldStack(sym, s.chain)
				stacks := local[uri]
				if stacks == nil {
					stacks = make(map[string]uint64)
					local[uri] = stacks
				}
				stacks[key]++
			}

			mu.Lock()
			defer mu.Unlock()
			report.TotalSamples += attributed + dropped
			report.Unattributed += dropped
			for uri, stacks := range local {
				agg := report.ByBenchmark[uri]
				for key, n := range stacks {
					agg.Stacks[key] += n
					agg.Samples += n
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return report, nil
}

// attribute finds the window containing ts.
func attribute(windows []RoundWindow, ts uint64) (string, bool) {
	i := sort.Search(len(windows), func(i int) bool { return windows[i].Start > ts })
	if i == 0 {
		return "", false
	}
	w := windows[i-1]
	if ts >= w.Stop {
		return "", false
	}
	return w.URI, true
}

// foldStack renders a callchain root-first in folded notation. Chains
// arrive leaf-first from the profiler; inline expansion keeps innermost
// frames closest to the leaf.
func foldStack(sym *symbolize.Symbolizer, chain []uint64) string {
	var names []string
	for _, addr := range chain {
		for _, f := range sym.Resolve(addr) {
			names = append(names, f.Name)
		}
	}
	for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
		names[i], names[j] = names[j], names[i]
	}
	return strings.Join(names, ";")
}

// WriteFolded emits one benchmark's stacks in folded format, one
// "stack count" line per unique stack, sorted for stable output.
func (a *Aggregate) WriteFolded(w io.Writer) error {
	keys := make([]string, 0, len(a.Stacks))
	for k := range a.Stacks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := io.WriteString(w, k+" "+strconv.FormatUint(a.Stacks[k], 10)+"\n"); err != nil {
			return err
		}
	}
	return nil
}
