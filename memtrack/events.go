// Package memtrack collects allocation events from a traced process
// family. Kernel probes on the allocator entry points and on process
// lifecycle tracepoints write fixed-layout records into a ring buffer; a
// userspace poller decodes them and feeds the instrument's run loop,
// which maintains a live-allocation table.
//
// All interpretation of raw ring-buffer bytes is confined to this file
// and unit-tested against fixed layouts.
package memtrack

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// EventKind discriminates ring-buffer records. Values are part of the
// probe ABI and must match the BPF object.
type EventKind uint32

const (
	EvMalloc EventKind = iota
	EvFree
	EvCalloc
	EvRealloc
	EvAlignedAlloc
	EvMemalign
	EvMmap
	EvMunmap
	EvBrk
	EvFork
	EvExec
	EvExit
)

func (k EventKind) String() string {
	switch k {
	case EvMalloc:
		return "malloc"
	case EvFree:
		return "free"
	case EvCalloc:
		return "calloc"
	case EvRealloc:
		return "realloc"
	case EvAlignedAlloc:
		return "aligned_alloc"
	case EvMemalign:
		return "memalign"
	case EvMmap:
		return "mmap"
	case EvMunmap:
		return "munmap"
	case EvBrk:
		return "brk"
	case EvFork:
		return "fork"
	case EvExec:
		return "exec"
	case EvExit:
		return "exit"
	}
	return fmt.Sprintf("kind(%d)", uint32(k))
}

// IsAllocation reports whether the kind belongs to the allocation family
// (as opposed to process lifecycle).
func (k EventKind) IsAllocation() bool { return k <= EvBrk }

// rawEvent is the exact wire layout of one ring-buffer record. It must
// stay in sync with the C struct in the probe object; the decode test
// pins the byte layout.
type rawEvent struct {
	Kind      EventKind
	_         uint32
	Timestamp uint64
	PID       uint32
	TID       uint32
	Addr      uint64
	Size      uint64
	// OldAddr carries the pre-move address for realloc, the child PID
	// for fork, and the exit code for exit.
	OldAddr uint64
}

// rawEventSize is the record size the probes produce.
const rawEventSize = 48

// Event is one decoded record.
type Event struct {
	Kind      EventKind
	Timestamp uint64
	PID       int32
	TID       int32
	Addr      uint64
	Size      uint64
	// OldAddr is set for realloc only: the allocation moved from
	// OldAddr to Addr and was resized, it was not freed.
	OldAddr uint64
	// ChildPID is set for fork events.
	ChildPID int32
	// ExitCode is set for exit events.
	ExitCode int32
}

// ParseEvent decodes one ring-buffer record.
func ParseEvent(data []byte) (Event, error) {
	if len(data) < rawEventSize {
		return Event{}, fmt.Errorf("memtrack: short event record: %d bytes", len(data))
	}
	var raw rawEvent
	if err := binary.Read(bytes.NewReader(data[:rawEventSize]), binary.LittleEndian, &raw); err != nil {
		return Event{}, err
	}
	if raw.Kind > EvExit {
		return Event{}, fmt.Errorf("memtrack: unknown event kind %d", raw.Kind)
	}

	ev := Event{
		Kind:      raw.Kind,
		Timestamp: raw.Timestamp,
		PID:       int32(raw.PID),
		TID:       int32(raw.TID),
		Addr:      raw.Addr,
		Size:      raw.Size,
	}
	switch raw.Kind {
	case EvRealloc:
		ev.OldAddr = raw.OldAddr
	case EvFork:
		ev.ChildPID = int32(raw.OldAddr)
	case EvExit:
		ev.ExitCode = int32(raw.OldAddr)
	}
	return ev, nil
}
