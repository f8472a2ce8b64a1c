package memtrack

import (
	log "github.com/sirupsen/logrus"
)

// LiveTable tracks outstanding allocations of one benchmark round and
// derives its memory figures. It is not safe for concurrent use; the run
// loop owns it.
type LiveTable struct {
	live map[uint64]uint64 // addr -> size

	current uint64
	peak    uint64
	allocs  uint64
	frees   uint64
}

// NewLiveTable returns an empty table.
func NewLiveTable() *LiveTable {
	return &LiveTable{live: make(map[uint64]uint64)}
}

// Apply folds one event into the table. Lifecycle events are ignored.
func (t *LiveTable) Apply(ev Event) {
	switch ev.Kind {
	case EvMalloc, EvCalloc, EvAlignedAlloc, EvMemalign, EvMmap, EvBrk:
		t.insert(ev.Addr, ev.Size)
	case EvFree, EvMunmap:
		t.remove(ev.Addr)
	case EvRealloc:
		// A realloc moves the allocation: the old address is retired and
		// the new one inserted, counting as a single allocation site.
		if ev.OldAddr != 0 {
			if old, ok := t.live[ev.OldAddr]; ok {
				t.current -= old
				delete(t.live, ev.OldAddr)
			}
		}
		t.insert(ev.Addr, ev.Size)
	}
}

func (t *LiveTable) insert(addr, size uint64) {
	if addr == 0 {
		return
	}
	if old, ok := t.live[addr]; ok {
		// Allocator reused an address we never saw freed; replace.
		log.WithField("addr", addr).Debug("allocation address reused without free")
		t.current -= old
	}
	t.live[addr] = size
	t.current += size
	t.allocs++
	if t.current > t.peak {
		t.peak = t.current
	}
}

func (t *LiveTable) remove(addr uint64) {
	size, ok := t.live[addr]
	if !ok {
		// Frees of addresses allocated before tracking started are
		// expected and carry no information.
		return
	}
	delete(t.live, addr)
	t.current -= size
	t.frees++
}

// CurrentBytes returns the bytes currently outstanding.
func (t *LiveTable) CurrentBytes() uint64 { return t.current }

// PeakBytes returns the high-water mark of outstanding bytes.
func (t *LiveTable) PeakBytes() uint64 { return t.peak }

// AllocCount returns the number of allocations applied.
func (t *LiveTable) AllocCount() uint64 { return t.allocs }

// FreeCount returns the number of matched frees applied.
func (t *LiveTable) FreeCount() uint64 { return t.frees }

// LeakedBytes returns outstanding bytes, i.e. allocations never freed
// while the table was live.
func (t *LiveTable) LeakedBytes() uint64 { return t.current }

// Reset clears the table for the next round.
func (t *LiveTable) Reset() {
	t.live = make(map[uint64]uint64)
	t.current, t.peak, t.allocs, t.frees = 0, 0, 0, 0
}
