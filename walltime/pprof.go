package walltime

import (
	"os"
	"sort"
	"strings"

	"github.com/google/pprof/profile"
)

// Pprof renders the report as a pprof CPU profile, one sample per unique
// stack with the benchmark identity attached as a label. Frame order in
// pprof is leaf-first, the reverse of folded notation.
func (r *Report) Pprof() *profile.Profile {
	period := int64(1e9) / SampleFrequency
	prof := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "samples", Unit: "count"},
			{Type: "cpu", Unit: "nanoseconds"},
		},
		PeriodType: &profile.ValueType{Type: "cpu", Unit: "nanoseconds"},
		Period:     period,
	}

	functions := make(map[string]*profile.Function)
	locations := make(map[string]*profile.Location)
	locationFor := func(name string) *profile.Location {
		if loc, ok := locations[name]; ok {
			return loc
		}
		fn, ok := functions[name]
		if !ok {
			fn = &profile.Function{
				ID:         uint64(len(functions) + 1),
				Name:       name,
				SystemName: name,
			}
			functions[name] = fn
			prof.Function = append(prof.Function, fn)
		}
		loc := &profile.Location{
			ID:   uint64(len(locations) + 1),
			Line: []profile.Line{{Function: fn}},
		}
		locations[name] = loc
		prof.Location = append(prof.Location, loc)
		return loc
	}

	uris := make([]string, 0, len(r.ByBenchmark))
	for uri := range r.ByBenchmark {
		uris = append(uris, uri)
	}
	sort.Strings(uris)

	for _, uri := range uris {
		agg := r.ByBenchmark[uri]
		stacks := make([]string, 0, len(agg.Stacks))
		for s := range agg.Stacks {
			stacks = append(stacks, s)
		}
		sort.Strings(stacks)

		for _, stack := range stacks {
			count := agg.Stacks[stack]
			names := strings.Split(stack, ";")
			locs := make([]*profile.Location, 0, len(names))
			// Root-first folded order becomes leaf-first pprof order.
			for i := len(names) - 1; i >= 0; i-- {
				locs = append(locs, locationFor(names[i]))
			}
			prof.Sample = append(prof.Sample, &profile.Sample{
				Location: locs,
				Value:    []int64{int64(count), int64(count) * period},
				Label:    map[string][]string{"benchmark": {uri}},
			})
		}
	}
	return prof
}

// WritePprof serializes the report's profile to path in the compressed
// protobuf format pprof tooling expects.
func (r *Report) WritePprof(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := r.Pprof().Write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
