// Package symbolize resolves raw instruction-pointer addresses from
// profiler samples to function names, via a per-process module map and
// per-module debug information. Inlined call chains are expanded until the
// first non-inlined frame.
package symbolize

import (
	"fmt"
	"io"
	"sort"

	"github.com/google/pprof/profile"
)

// UnknownSymbol is emitted when an address cannot be attributed to any
// module or symbol. Resolution always terminates here rather than failing
// the run: missing debug info only degrades symbol quality.
const UnknownSymbol = "[unknown]"

// Module is one executable mapping of a process: an address range backed
// by a file region, plus the load bias required to translate runtime
// addresses back to link-time addresses.
type Module struct {
	Start      uint64
	End        uint64
	FileOffset uint64
	Path       string

	// LoadBias is the difference between the module's actual and
	// preferred load address. Zero for modules loaded at their preferred
	// base; applying it twice would mis-resolve every addr, so it is set
	// exactly once, when the module's ELF is first opened.
	LoadBias uint64
	// PreferredBase is the link-time address of the module's first
	// loadable segment. Module-relative offsets are computed against it.
	PreferredBase uint64

	biasKnown bool
}

// Relative translates a runtime address inside the module into a
// module-relative offset suitable for symbol lookup.
func (m *Module) Relative(addr uint64) uint64 {
	return addr - m.LoadBias - m.PreferredBase
}

// SetBias records load bias and preferred base once the module's ELF
// headers have been inspected.
func (m *Module) SetBias(loadBias, preferredBase uint64) {
	m.LoadBias = loadBias
	m.PreferredBase = preferredBase
	m.biasKnown = true
}

// BiasKnown reports whether SetBias has run for this module.
func (m *Module) BiasKnown() bool { return m.biasKnown }

// ModuleMap is the ordered set of executable mappings of one process,
// built once per process lifetime.
type ModuleMap struct {
	modules []*Module
}

// Add inserts a mapping, keeping the set ordered by start address.
// Overlapping re-maps (dlclose/dlopen churn) replace the older entry.
func (mm *ModuleMap) Add(m *Module) {
	i := sort.Search(len(mm.modules), func(i int) bool {
		return mm.modules[i].Start >= m.Start
	})
	if i < len(mm.modules) && mm.modules[i].Start == m.Start {
		mm.modules[i] = m
		return
	}
	mm.modules = append(mm.modules, nil)
	copy(mm.modules[i+1:], mm.modules[i:])
	mm.modules[i] = m
}

// Find returns the module containing addr.
func (mm *ModuleMap) Find(addr uint64) (*Module, bool) {
	i := sort.Search(len(mm.modules), func(i int) bool {
		return mm.modules[i].Start > addr
	})
	if i == 0 {
		return nil, false
	}
	m := mm.modules[i-1]
	if addr >= m.End {
		return nil, false
	}
	return m, true
}

// Modules returns the mappings in address order.
func (mm *ModuleMap) Modules() []*Module { return mm.modules }

// AddTraceMapping records a memory-mapping event observed in the profiler
// trace. Trace events are timestamp-ordered and therefore preferred over
// /proc inspection, which races with process termination.
func (mm *ModuleMap) AddTraceMapping(start, length, fileOffset uint64, path string) {
	if path == "" || length == 0 {
		return
	}
	mm.Add(&Module{
		Start:      start,
		End:        start + length,
		FileOffset: fileOffset,
		Path:       path,
	})
}

// FromProcMaps builds a ModuleMap by parsing a /proc/<pid>/maps file.
// Fallback for instruments whose trace carries no mapping events.
func FromProcMaps(r io.Reader) (*ModuleMap, error) {
	mappings, err := profile.ParseProcMaps(r)
	if err != nil {
		return nil, fmt.Errorf("parsing proc maps: %w", err)
	}
	mm := &ModuleMap{}
	for _, pm := range mappings {
		if pm.File == "" || pm.Unsymbolizable() {
			continue
		}
		mm.Add(&Module{
			Start:      pm.Start,
			End:        pm.Limit,
			FileOffset: pm.Offset,
			Path:       pm.File,
		})
	}
	return mm, nil
}
