package instrument

import (
	"fmt"

	"benchpilot.dev/benchpilot/stats"
)

// TargetInfo is what setup learns about the benchmark executable before
// any measurement starts.
type TargetInfo struct {
	Path      string `json:"path"`
	BuildID   string `json:"build_id,omitempty"`
	GoVersion string `json:"go_version,omitempty"`
	// Stripped means the binary carries no symbol table; walltime stacks
	// will mostly resolve to the unknown sentinel.
	Stripped bool `json:"stripped,omitempty"`
}

// InstructionCounts is the valgrind-class measurement for one benchmark.
type InstructionCounts struct {
	Total uint64 `json:"total"`
}

// MemoryFigures is the allocation measurement for one round sequence.
type MemoryFigures struct {
	PeakBytes    uint64 `json:"peak_bytes"`
	EndLiveBytes uint64 `json:"end_live_bytes"`
	AllocCount   uint64 `json:"alloc_count"`
	FreeCount    uint64 `json:"free_count"`
}

// BenchmarkResult is the reduced outcome for one benchmark identity.
// Exactly one measurement field is set, matching the instrument kind.
type BenchmarkResult struct {
	URI          string             `json:"uri"`
	Time         *stats.Summary     `json:"time,omitempty"`
	Instructions *InstructionCounts `json:"instructions,omitempty"`
	Memory       *MemoryFigures     `json:"memory,omitempty"`
}

// RunResult is what Collect hands back to the CLI layer.
type RunResult struct {
	Instrument         string            `json:"instrument"`
	IntegrationName    string            `json:"integration_name,omitempty"`
	IntegrationVersion string            `json:"integration_version,omitempty"`
	Results            []BenchmarkResult `json:"results"`
	Target             *TargetInfo       `json:"target,omitempty"`
	// BundlePath locates the artifact bundle: a directory, or a single
	// archive when the bundle crossed the compression threshold.
	BundlePath string `json:"bundle_path,omitempty"`
}

// reduceRounds turns sealed rounds into timing results, discarding the
// warmup head of each sequence. Zero captured rounds fail the run unless
// empty results were explicitly allowed.
func reduceRounds(order []string, rounds map[string][]Round, warmup int, allowEmpty bool) ([]BenchmarkResult, error) {
	results := make([]BenchmarkResult, 0, len(order))
	for _, uri := range order {
		rs := rounds[uri]
		if warmup < len(rs) {
			rs = rs[warmup:]
		} else {
			rs = nil
		}
		if len(rs) == 0 {
			if allowEmpty {
				continue
			}
			return nil, fmt.Errorf("benchmark %s: %w", uri, stats.ErrEmptyResults)
		}

		times := make([]uint64, len(rs))
		iters := make([]uint64, len(rs))
		for i, r := range rs {
			times[i] = r.Stop - r.Start
			iters[i] = 1
		}
		summary, err := stats.Reduce(times, iters)
		if err != nil {
			return nil, fmt.Errorf("benchmark %s: %w", uri, err)
		}
		results = append(results, BenchmarkResult{URI: uri, Time: &summary})
	}
	if len(results) == 0 && !allowEmpty {
		return nil, stats.ErrEmptyResults
	}
	return results, nil
}
