package symbolize

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// ELFLoader loads symbol tables and inline debug info from the module
// files on disk. It also derives the module's load bias from its program
// headers on first load.
type ELFLoader struct{}

func (ELFLoader) Load(m *Module) (*ModuleSymbols, error) {
	ef, err := elf.Open(m.Path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", m.Path, err)
	}
	defer ef.Close()

	if !m.BiasKnown() {
		loadBias, preferredBase := computeBias(ef, m)
		m.SetBias(loadBias, preferredBase)
	}

	syms, err := ef.Symbols()
	if err != nil {
		// Stripped binaries often still carry a dynamic symbol table.
		syms, err = ef.DynamicSymbols()
		if err != nil {
			return nil, fmt.Errorf("reading symbols of %s: %w", m.Path, err)
		}
	}

	table := make([]Sym, 0, len(syms))
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC {
			continue
		}
		if s.Value < m.PreferredBase {
			continue
		}
		table = append(table, Sym{
			Name: s.Name,
			Addr: s.Value - m.PreferredBase,
			Size: s.Size,
		})
	}

	var inline InlineResolver
	if dw, err := ef.DWARF(); err == nil {
		inline = dwarfInlineResolver(dw, m.PreferredBase, m.Path)
	}

	return NewModuleSymbols(table, inline), nil
}

// computeBias locates the loadable segment backing the mapping and
// derives the load bias from it. A module mapped at its preferred base
// gets bias zero, so the bias is never applied twice.
func computeBias(ef *elf.File, m *Module) (loadBias, preferredBase uint64) {
	first := true
	var backing *elf.ProgHeader
	for _, p := range ef.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if first || p.Vaddr < preferredBase {
			preferredBase = p.Vaddr
			first = false
		}
		if p.Off == m.FileOffset && backing == nil {
			ph := p.ProgHeader
			backing = &ph
		}
	}
	if backing == nil {
		return 0, preferredBase
	}
	if m.Start == backing.Vaddr {
		return 0, preferredBase
	}
	return m.Start - backing.Vaddr, preferredBase
}

// dwarfInlineResolver walks the DWARF tree for the inlined-subroutine
// chain covering a pc. The chain is returned innermost first and excludes
// the enclosing non-inlined subprogram, which the caller takes from the
// symbol table.
func dwarfInlineResolver(dw *dwarf.Data, preferredBase uint64, path string) InlineResolver {
	return func(rel uint64) []string {
		pc := rel + preferredBase
		chain, err := inlineChainAt(dw, pc)
		if err != nil {
			log.WithError(err).WithField("module", path).Trace("inline chain walk failed")
			return nil
		}
		return chain
	}
}

func inlineChainAt(dw *dwarf.Data, pc uint64) ([]string, error) {
	r := dw.Reader()
	cu, err := r.SeekPC(pc)
	if err != nil {
		// No compile unit covers the pc: common for assembly and linker
		// stubs, not an error worth surfacing.
		return nil, nil
	}
	_ = cu

	type hit struct {
		depth int
		name  string
	}
	var hits []hit
	depth := 0
	for {
		e, err := r.Next()
		if err != nil {
			return nil, err
		}
		if e == nil {
			break
		}
		if e.Tag == 0 {
			depth--
			if depth < 0 {
				break
			}
			continue
		}
		if e.Tag == dwarf.TagInlinedSubroutine {
			ranges, err := dw.Ranges(e)
			if err == nil && rangesContain(ranges, pc) {
				if name := entryName(dw, e); name != "" {
					hits = append(hits, hit{depth: depth, name: name})
				}
			}
		}
		if e.Children {
			depth++
		}
		if depth == 0 && e.Tag == dwarf.TagCompileUnit && e.Offset != cu.Offset {
			// Ran past the seeked compile unit.
			break
		}
	}

	// Innermost (deepest) frame first.
	out := make([]string, 0, len(hits))
	for i := len(hits) - 1; i >= 0; i-- {
		out = append(out, hits[i].name)
	}
	return out, nil
}

func rangesContain(ranges [][2]uint64, pc uint64) bool {
	for _, r := range ranges {
		if pc >= r[0] && pc < r[1] {
			return true
		}
	}
	return false
}

// entryName resolves the subroutine name, chasing abstract origin and
// specification references the way inlined instances require.
func entryName(dw *dwarf.Data, e *dwarf.Entry) string {
	for hops := 0; e != nil && hops < 4; hops++ {
		if name, ok := e.Val(dwarf.AttrName).(string); ok {
			return name
		}
		ref, ok := e.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset)
		if !ok {
			ref, ok = e.Val(dwarf.AttrSpecification).(dwarf.Offset)
			if !ok {
				return ""
			}
		}
		r := dw.Reader()
		r.Seek(ref)
		next, err := r.Next()
		if err != nil {
			return ""
		}
		e = next
	}
	return ""
}
