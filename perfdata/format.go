// Package perfdata decodes the binary trace files produced by the
// sampling profiler. Two capture layouts are supported: the legacy
// single-event layout and the current multi-event layout with richer
// counter metadata; the reader selects by file magic. Captures compressed
// by the artifact layer are decoded transparently.
package perfdata

// File magics. The legacy layout stores one implicit event description;
// the current layout stores an array of event attributes.
var (
	magicLegacy  = [8]byte{'P', 'E', 'R', 'F', 'F', 'I', 'L', 'E'}
	magicCurrent = [8]byte{'P', 'E', 'R', 'F', 'I', 'L', 'E', '2'}
)

// fileHeader is the on-disk trace header.
type fileHeader struct {
	Magic    [8]byte
	Size     uint64
	AttrSize uint64
	Attrs    fileSection
	Data     fileSection
	_        fileSection // event type section, unused in both layouts

	Features [4]uint64
}

type fileSection struct {
	Offset, Size uint64
}

// SampleFormat is the bitmap describing which fields each sample record
// carries. Bit numbering follows perf_event_sample_format in
// include/uapi/linux/perf_event.h; the on-record field order is fixed by
// the kernel and does not track the bit order (stream_id sits between id
// and cpu in the record body despite its higher bit).
type SampleFormat uint64

const (
	SampleIP SampleFormat = 1 << iota
	SampleTID
	SampleTime
	SampleAddr
	SampleRead
	SampleCallchain
	SampleID
	SampleCPU
	SamplePeriod
	SampleStreamID
	SampleRaw
)

// EventAttr is the decoded prefix of one event description. Only the
// fields the sampler consumes are retained; the on-disk attribute is
// skipped to its declared size.
type EventAttr struct {
	Type         uint32
	Size         uint32
	Config       uint64
	SampleFreq   uint64
	SampleFormat SampleFormat
}

// Record types present in the data section.
type recordType uint32

const (
	recordMmap   recordType = 1
	recordComm   recordType = 3
	recordExit   recordType = 4
	recordFork   recordType = 7
	recordSample recordType = 9
	recordMmap2  recordType = 10
)

type recordHeader struct {
	Type recordType
	Misc uint16
	Size uint16
}

// Record is one decoded trace record.
type Record interface {
	record()
}

// Mmap records a new executable mapping in the target process. These are
// timestamp-ordered within the trace and are the preferred source for
// module maps.
type Mmap struct {
	PID, TID   uint32
	Addr       uint64
	Len        uint64
	FileOffset uint64
	Filename   string
}

// Comm records a process naming itself.
type Comm struct {
	PID, TID uint32
	Comm     string
}

// Fork records process creation.
type Fork struct {
	PID, PPID uint32
	TID, PTID uint32
	Time      uint64
}

// Exit records process termination.
type Exit struct {
	PID, PPID uint32
	TID, PTID uint32
	Time      uint64
}

// Sample is one profiler snapshot: a timestamped call stack of raw
// addresses for one thread.
type Sample struct {
	IP        uint64
	PID, TID  uint32
	Time      uint64
	CPU       uint32
	Period    uint64
	Callchain []uint64
}

func (Mmap) record()   {}
func (Comm) record()   {}
func (Fork) record()   {}
func (Exit) record()   {}
func (Sample) record() {}

// Callchain entries above this value are kernel context markers, not
// return addresses, and are dropped during decode.
const contextMarkerBase = 0xfffffffffffff000
