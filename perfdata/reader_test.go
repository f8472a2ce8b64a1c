package perfdata

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

type captureBuilder struct {
	legacy       bool
	sampleFormat SampleFormat
	records      []byte
}

func (cb *captureBuilder) addRecord(typ recordType, body []byte) {
	var hdr bytes.Buffer
	binary.Write(&hdr, binary.LittleEndian, recordHeader{
		Type: typ,
		Size: uint16(8 + len(body)),
	})
	cb.records = append(cb.records, hdr.Bytes()...)
	cb.records = append(cb.records, body...)
}

func (cb *captureBuilder) addMmap(pid uint32, addr, length, pgoff uint64, file string) {
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, pid)
	binary.Write(&b, binary.LittleEndian, pid) // tid
	binary.Write(&b, binary.LittleEndian, addr)
	binary.Write(&b, binary.LittleEndian, length)
	binary.Write(&b, binary.LittleEndian, pgoff)
	b.WriteString(file)
	b.WriteByte(0)
	cb.addRecord(recordMmap, b.Bytes())
}

func (cb *captureBuilder) addSample(pid uint32, ts uint64, chain []uint64) {
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, uint64(0xdead)) // ip
	binary.Write(&b, binary.LittleEndian, pid)
	binary.Write(&b, binary.LittleEndian, pid) // tid
	binary.Write(&b, binary.LittleEndian, ts)
	binary.Write(&b, binary.LittleEndian, uint32(2)) // cpu
	binary.Write(&b, binary.LittleEndian, uint32(0)) // res
	binary.Write(&b, binary.LittleEndian, uint64(1)) // period
	binary.Write(&b, binary.LittleEndian, uint64(len(chain)))
	for _, a := range chain {
		binary.Write(&b, binary.LittleEndian, a)
	}
	cb.addRecord(recordSample, b.Bytes())
}

func (cb *captureBuilder) addFork(pid, ppid uint32, ts uint64) {
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, pid)
	binary.Write(&b, binary.LittleEndian, ppid)
	binary.Write(&b, binary.LittleEndian, pid)
	binary.Write(&b, binary.LittleEndian, ppid)
	binary.Write(&b, binary.LittleEndian, ts)
	cb.addRecord(recordFork, b.Bytes())
}

func (cb *captureBuilder) build(t *testing.T) []byte {
	t.Helper()
	const attrLen = 32
	stride := uint64(attrLen)
	if !cb.legacy {
		stride += 16
	}

	var attr bytes.Buffer
	binary.Write(&attr, binary.LittleEndian, uint32(1))       // type: software
	binary.Write(&attr, binary.LittleEndian, uint32(attrLen)) // size
	binary.Write(&attr, binary.LittleEndian, uint64(0))       // config
	binary.Write(&attr, binary.LittleEndian, uint64(997))     // freq
	binary.Write(&attr, binary.LittleEndian, uint64(cb.sampleFormat))
	if !cb.legacy {
		attr.Write(make([]byte, 16)) // id fileSection
	}

	const headerSize = 104
	hdr := fileHeader{
		Size:     headerSize,
		AttrSize: stride,
		Attrs:    fileSection{Offset: headerSize, Size: uint64(attr.Len())},
		Data:     fileSection{Offset: headerSize + uint64(attr.Len()), Size: uint64(len(cb.records))},
	}
	if cb.legacy {
		hdr.Magic = magicLegacy
	} else {
		hdr.Magic = magicCurrent
	}

	var out bytes.Buffer
	require.NoError(t, binary.Write(&out, binary.LittleEndian, hdr))
	require.Equal(t, headerSize, out.Len())
	out.Write(attr.Bytes())
	out.Write(cb.records)
	return out.Bytes()
}

func defaultFormat() SampleFormat {
	return SampleIP | SampleTID | SampleTime | SampleCallchain | SampleCPU | SamplePeriod
}

func TestReaderDecodesCurrentLayout(t *testing.T) {
	cb := &captureBuilder{sampleFormat: defaultFormat()}
	cb.addMmap(42, 0x1000, 0x1000, 0, "/lib/mod.so")
	cb.addSample(42, 111, []uint64{0x1020, 0x1050})
	cb.addFork(43, 42, 222)
	cb.addSample(43, 333, []uint64{contextMarkerBase + 1, 0x1030})

	r, err := New(cb.build(t))
	require.NoError(t, err)
	require.Len(t, r.Attrs(), 1)
	require.Equal(t, uint64(997), r.Attrs()[0].SampleFreq)

	rec, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, Mmap{PID: 42, TID: 42, Addr: 0x1000, Len: 0x1000, Filename: "/lib/mod.so"}, rec)

	rec, err = r.Next()
	require.NoError(t, err)
	s := rec.(Sample)
	require.Equal(t, uint32(42), s.PID)
	require.Equal(t, uint64(111), s.Time)
	require.Equal(t, []uint64{0x1020, 0x1050}, s.Callchain)

	rec, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, Fork{PID: 43, PPID: 42, TID: 43, PTID: 42, Time: 222}, rec)

	rec, err = r.Next()
	require.NoError(t, err)
	s = rec.(Sample)
	// The kernel context marker is dropped from the chain.
	require.Equal(t, []uint64{0x1030}, s.Callchain)

	_, err = r.Next()
	require.ErrorIs(t, err, io.EOF)
}

// Bit values straight out of perf_event.h, independent of the package
// constants, so a renumbering regression cannot hide behind a symmetric
// round trip.
const (
	abiIP        = 1 << 0
	abiTID       = 1 << 1
	abiTime      = 1 << 2
	abiCallchain = 1 << 5
	abiID        = 1 << 6
	abiCPU       = 1 << 7
	abiPeriod    = 1 << 8
	abiStreamID  = 1 << 9
)

func TestReaderKernelABISampleBits(t *testing.T) {
	cb := &captureBuilder{sampleFormat: SampleFormat(abiIP | abiTID | abiTime | abiCallchain | abiCPU | abiPeriod)}
	cb.addSample(9, 77, []uint64{0x111})

	r, err := New(cb.build(t))
	require.NoError(t, err)
	rec, err := r.Next()
	require.NoError(t, err)

	s := rec.(Sample)
	require.Equal(t, uint32(9), s.PID)
	require.Equal(t, uint64(77), s.Time)
	require.Equal(t, uint32(2), s.CPU)
	require.Equal(t, uint64(1), s.Period)
	require.Equal(t, []uint64{0x111}, s.Callchain)
}

func TestReaderKernelABIStreamIDOrdering(t *testing.T) {
	// id and stream_id precede cpu in the record body even though the
	// stream_id bit is above the cpu and period bits.
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, uint64(0xbeef))  // ip
	binary.Write(&b, binary.LittleEndian, uint32(12))      // pid
	binary.Write(&b, binary.LittleEndian, uint32(12))      // tid
	binary.Write(&b, binary.LittleEndian, uint64(555))     // time
	binary.Write(&b, binary.LittleEndian, uint64(7))       // id
	binary.Write(&b, binary.LittleEndian, uint64(99))      // stream_id
	binary.Write(&b, binary.LittleEndian, uint32(3))       // cpu
	binary.Write(&b, binary.LittleEndian, uint32(0))       // res
	binary.Write(&b, binary.LittleEndian, uint64(1002003)) // period
	binary.Write(&b, binary.LittleEndian, uint64(1))       // nr
	binary.Write(&b, binary.LittleEndian, uint64(0x222))   // ips[0]

	cb := &captureBuilder{sampleFormat: SampleFormat(abiIP | abiTID | abiTime | abiCallchain | abiID | abiCPU | abiPeriod | abiStreamID)}
	cb.addRecord(recordSample, b.Bytes())

	r, err := New(cb.build(t))
	require.NoError(t, err)
	rec, err := r.Next()
	require.NoError(t, err)

	s := rec.(Sample)
	require.Equal(t, uint32(12), s.PID)
	require.Equal(t, uint64(555), s.Time)
	require.Equal(t, uint32(3), s.CPU)
	require.Equal(t, uint64(1002003), s.Period)
	require.Equal(t, []uint64{0x222}, s.Callchain)
}

func TestReaderDecodesLegacyLayout(t *testing.T) {
	cb := &captureBuilder{legacy: true, sampleFormat: defaultFormat()}
	cb.addSample(7, 99, []uint64{0xabc})

	r, err := New(cb.build(t))
	require.NoError(t, err)

	rec, err := r.Next()
	require.NoError(t, err)
	s := rec.(Sample)
	require.Equal(t, uint32(7), s.PID)
	require.Equal(t, []uint64{0xabc}, s.Callchain)

	_, err = r.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestReaderDecodesCompressedCapture(t *testing.T) {
	cb := &captureBuilder{sampleFormat: defaultFormat()}
	cb.addSample(1, 5, []uint64{0x42})
	raw := cb.build(t)

	var z bytes.Buffer
	zw := gzip.NewWriter(&z)
	_, err := zw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	r, err := New(z.Bytes())
	require.NoError(t, err)
	rec, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, []uint64{0x42}, rec.(Sample).Callchain)
}

func TestReaderRejectsBadMagic(t *testing.T) {
	raw := make([]byte, 200)
	copy(raw, "NOTATRACE")
	_, err := New(raw)
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestReaderRejectsTruncatedRecord(t *testing.T) {
	cb := &captureBuilder{sampleFormat: defaultFormat()}
	cb.addSample(1, 5, []uint64{0x42})
	raw := cb.build(t)

	// Chop the tail off the data section without fixing up the header.
	_, err := New(raw[:len(raw)-4])
	require.Error(t, err)
}

func TestReaderSkipsUnknownRecordTypes(t *testing.T) {
	cb := &captureBuilder{sampleFormat: defaultFormat()}
	cb.addRecord(recordType(70), []byte{1, 2, 3, 4})
	cb.addSample(1, 5, []uint64{0x42})

	r, err := New(cb.build(t))
	require.NoError(t, err)
	rec, err := r.Next()
	require.NoError(t, err)
	require.IsType(t, Sample{}, rec)
}
