package symbolize

import (
	"sort"

	log "github.com/sirupsen/logrus"
)

// Frame is one resolved call frame. A single sampled address expands to a
// chain of frames when the compiler inlined calls at that location.
type Frame struct {
	Name    string
	Inlined bool
}

// Sym is one symbol at a module-relative offset.
type Sym struct {
	Name string
	// Addr is module-relative (link-time address minus preferred base).
	Addr uint64
	Size uint64
}

// InlineResolver maps a module-relative offset to the inlined-call chain
// at that point, innermost first, excluding the enclosing non-inlined
// function. Nil when the module carries no inline debug info.
type InlineResolver func(rel uint64) []string

// ModuleSymbols is the searchable debug info of one module.
type ModuleSymbols struct {
	syms   []Sym
	inline InlineResolver
}

// NewModuleSymbols builds a symbol table. Symbols with empty names or
// zero size are dropped here so resolution never emits them.
func NewModuleSymbols(syms []Sym, inline InlineResolver) *ModuleSymbols {
	kept := make([]Sym, 0, len(syms))
	for _, s := range syms {
		if s.Name == "" || s.Size == 0 {
			continue
		}
		kept = append(kept, s)
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Addr < kept[j].Addr })
	return &ModuleSymbols{syms: kept, inline: inline}
}

// lookup finds the symbol covering the module-relative offset.
func (ms *ModuleSymbols) lookup(rel uint64) (string, bool) {
	i := sort.Search(len(ms.syms), func(i int) bool {
		return ms.syms[i].Addr > rel
	})
	if i == 0 {
		return "", false
	}
	s := ms.syms[i-1]
	if rel >= s.Addr+s.Size {
		return "", false
	}
	return s.Name, true
}

// Loader opens debug info for a module on first use and fills in its load
// bias. The ELF-backed implementation lives in elf.go; tests substitute
// in-memory tables.
type Loader interface {
	Load(m *Module) (*ModuleSymbols, error)
}

// Symbolizer resolves addresses of one process against its ModuleMap.
// Module debug info is loaded lazily and cached; a module that fails to
// load degrades to the unknown sentinel instead of failing resolution.
type Symbolizer struct {
	mm     *ModuleMap
	loader Loader
	cache  map[string]*ModuleSymbols
	failed map[string]struct{}
}

func NewSymbolizer(mm *ModuleMap, loader Loader) *Symbolizer {
	return &Symbolizer{
		mm:     mm,
		loader: loader,
		cache:  make(map[string]*ModuleSymbols),
		failed: make(map[string]struct{}),
	}
}

// Resolve expands one sampled address into its frame chain: zero or more
// inlined frames (innermost first) followed by exactly one non-inlined
// frame. The chain always terminates, at worst at the unknown sentinel.
func (s *Symbolizer) Resolve(addr uint64) []Frame {
	m, ok := s.mm.Find(addr)
	if !ok {
		return []Frame{{Name: UnknownSymbol}}
	}
	ms := s.symbols(m)
	if ms == nil {
		return []Frame{{Name: UnknownSymbol}}
	}

	rel := m.Relative(addr)
	name, ok := ms.lookup(rel)
	if !ok {
		return []Frame{{Name: UnknownSymbol}}
	}

	var frames []Frame
	if ms.inline != nil {
		for _, inlined := range ms.inline(rel) {
			if inlined == "" {
				continue
			}
			frames = append(frames, Frame{Name: inlined, Inlined: true})
		}
	}
	return append(frames, Frame{Name: name})
}

func (s *Symbolizer) symbols(m *Module) *ModuleSymbols {
	if ms, ok := s.cache[m.Path]; ok {
		return ms
	}
	if _, ok := s.failed[m.Path]; ok {
		return nil
	}
	ms, err := s.loader.Load(m)
	if err != nil {
		log.WithError(err).WithField("module", m.Path).Debug("failed to load module symbols")
		s.failed[m.Path] = struct{}{}
		return nil
	}
	s.cache[m.Path] = ms
	return ms
}
