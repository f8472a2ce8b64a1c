package symbolize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// tableLoader serves fixed in-memory symbol tables keyed by module path.
type tableLoader struct {
	tables map[string]*ModuleSymbols
	bias   map[string][2]uint64 // loadBias, preferredBase
}

func (l *tableLoader) Load(m *Module) (*ModuleSymbols, error) {
	if b, ok := l.bias[m.Path]; ok && !m.BiasKnown() {
		m.SetBias(b[0], b[1])
	}
	ms, ok := l.tables[m.Path]
	if !ok {
		return nil, errNoTable
	}
	return ms, nil
}

var errNoTable = &moduleError{"no table"}

type moduleError struct{ s string }

func (e *moduleError) Error() string { return e.s }

func newTestSymbolizer(t *testing.T, inline InlineResolver) *Symbolizer {
	t.Helper()
	mm := &ModuleMap{}
	mod := &Module{Start: 0x1000, End: 0x2000, Path: "/lib/mod.so"}
	mod.SetBias(0, 0x1000)
	mm.Add(mod)

	loader := &tableLoader{
		tables: map[string]*ModuleSymbols{
			"/lib/mod.so": NewModuleSymbols([]Sym{
				{Name: "foo", Addr: 0x10, Size: 0x40},
				{Name: "bar", Addr: 0x50, Size: 0x20},
				{Name: "", Addr: 0x100, Size: 0x10},      // filtered: empty name
				{Name: "ghost", Addr: 0x200, Size: 0x00}, // filtered: zero size
			}, inline),
		},
	}
	return NewSymbolizer(mm, loader)
}

func TestResolveModuleRelativeSymbol(t *testing.T) {
	s := newTestSymbolizer(t, nil)

	// 0x1020 lands at module-relative 0x20, inside foo's [0x10, 0x50).
	frames := s.Resolve(0x1020)
	require.Equal(t, []Frame{{Name: "foo"}}, frames)

	frames = s.Resolve(0x1050)
	require.Equal(t, []Frame{{Name: "bar"}}, frames)
}

func TestResolveOutsideAnyModule(t *testing.T) {
	s := newTestSymbolizer(t, nil)
	frames := s.Resolve(0x5000)
	require.Equal(t, []Frame{{Name: UnknownSymbol}}, frames)
}

func TestResolveBetweenSymbolsIsUnknown(t *testing.T) {
	s := newTestSymbolizer(t, nil)
	// 0x1080 is past bar's end but inside the module.
	frames := s.Resolve(0x1080)
	require.Equal(t, []Frame{{Name: UnknownSymbol}}, frames)
}

func TestResolveFilteredSymbolsNeverEmitted(t *testing.T) {
	s := newTestSymbolizer(t, nil)
	for _, addr := range []uint64{0x1100, 0x1200} {
		frames := s.Resolve(addr)
		for _, f := range frames {
			require.NotEmpty(t, f.Name)
			require.NotEqual(t, "ghost", f.Name)
		}
	}
}

func TestResolveInlineChainInnermostFirst(t *testing.T) {
	inline := func(rel uint64) []string {
		if rel >= 0x10 && rel < 0x50 {
			return []string{"inner", "middle"}
		}
		return nil
	}
	s := newTestSymbolizer(t, inline)

	frames := s.Resolve(0x1020)
	require.Equal(t, []Frame{
		{Name: "inner", Inlined: true},
		{Name: "middle", Inlined: true},
		{Name: "foo"},
	}, frames)
	// The chain terminates at exactly one non-inlined frame.
	require.False(t, frames[len(frames)-1].Inlined)
}

func TestResolveLoadBiasApplied(t *testing.T) {
	mm := &ModuleMap{}
	// PIE module preferred at 0x0, actually loaded at 0x7f0000000000.
	mod := &Module{Start: 0x7f0000000000, End: 0x7f0000010000, Path: "/bin/pie"}
	mm.Add(mod)

	loader := &tableLoader{
		tables: map[string]*ModuleSymbols{
			"/bin/pie": NewModuleSymbols([]Sym{{Name: "main", Addr: 0x1100, Size: 0x80}}, nil),
		},
		bias: map[string][2]uint64{"/bin/pie": {0x7f0000000000, 0}},
	}
	s := NewSymbolizer(mm, loader)

	frames := s.Resolve(0x7f0000001120)
	require.Equal(t, []Frame{{Name: "main"}}, frames)
}

func TestResolveZeroBiasNotDoubleApplied(t *testing.T) {
	// Module loaded at its preferred base: bias must stay zero and the
	// preferred base subtracted exactly once.
	mm := &ModuleMap{}
	mod := &Module{Start: 0x400000, End: 0x500000, Path: "/bin/nopie"}
	mod.SetBias(0, 0x400000)
	mm.Add(mod)

	loader := &tableLoader{
		tables: map[string]*ModuleSymbols{
			"/bin/nopie": NewModuleSymbols([]Sym{{Name: "fib", Addr: 0x1126, Size: 0x30}}, nil),
		},
	}
	s := NewSymbolizer(mm, loader)

	frames := s.Resolve(0x401130)
	require.Equal(t, []Frame{{Name: "fib"}}, frames)
}

func TestResolveFailedModuleDegrades(t *testing.T) {
	mm := &ModuleMap{}
	mod := &Module{Start: 0x1000, End: 0x2000, Path: "/lib/gone.so"}
	mod.SetBias(0, 0x1000)
	mm.Add(mod)

	s := NewSymbolizer(mm, &tableLoader{tables: map[string]*ModuleSymbols{}})
	frames := s.Resolve(0x1500)
	require.Equal(t, []Frame{{Name: UnknownSymbol}}, frames)
	// Second resolution hits the failure cache, same result.
	frames = s.Resolve(0x1600)
	require.Equal(t, []Frame{{Name: UnknownSymbol}}, frames)
}

func TestModuleMapOrderingAndReplacement(t *testing.T) {
	mm := &ModuleMap{}
	mm.AddTraceMapping(0x3000, 0x1000, 0, "/lib/c.so")
	mm.AddTraceMapping(0x1000, 0x1000, 0, "/lib/a.so")
	mm.AddTraceMapping(0x2000, 0x1000, 0, "/lib/b.so")

	mods := mm.Modules()
	require.Len(t, mods, 3)
	require.Equal(t, "/lib/a.so", mods[0].Path)
	require.Equal(t, "/lib/b.so", mods[1].Path)
	require.Equal(t, "/lib/c.so", mods[2].Path)

	// Remapping the same base replaces the stale entry.
	mm.AddTraceMapping(0x2000, 0x1000, 0, "/lib/b2.so")
	mods = mm.Modules()
	require.Len(t, mods, 3)
	require.Equal(t, "/lib/b2.so", mods[1].Path)

	m, ok := mm.Find(0x27ff)
	require.True(t, ok)
	require.Equal(t, "/lib/b2.so", m.Path)
	_, ok = mm.Find(0x4000)
	require.False(t, ok)
}

func TestFromProcMaps(t *testing.T) {
	maps := strings.Join([]string{
		"00400000-00452000 r-xp 00000000 08:02 173521 /usr/bin/dbus-daemon",
		"7f0e8a000000-7f0e8a1b0000 r-xp 00000000 08:02 135522 /usr/lib/libc-2.31.so",
		"7ffc0a000000-7ffc0a021000 rw-p 00000000 00:00 0 [stack]",
	}, "\n")

	mm, err := FromProcMaps(strings.NewReader(maps))
	require.NoError(t, err)

	mods := mm.Modules()
	require.Len(t, mods, 2)
	require.Equal(t, "/usr/bin/dbus-daemon", mods[0].Path)
	require.Equal(t, uint64(0x00400000), mods[0].Start)
	require.Equal(t, "/usr/lib/libc-2.31.so", mods[1].Path)
}
