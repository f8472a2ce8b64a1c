package perfdata

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrBadMagic reports a file that is not a capture in either supported
// layout.
var ErrBadMagic = errors.New("perfdata: unrecognized trace magic")

// Reader iterates over the records of one capture.
type Reader struct {
	data   []byte
	attrs  []EventAttr
	legacy bool

	// sampleFormat applies to all samples. With the multi-event layout,
	// all events must agree on the fields they sample; mixed layouts are
	// rejected at open.
	sampleFormat SampleFormat

	pos uint64
	end uint64
}

// Open reads a capture from disk. Compressed captures (written by the
// artifact layer when the raw trace crosses its size threshold) are
// decompressed transparently.
func Open(path string) (*Reader, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return New(raw)
}

// New parses a capture held in memory.
func New(raw []byte) (*Reader, error) {
	if len(raw) >= 2 && raw[0] == 0x1f && raw[1] == 0x8b {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("perfdata: opening compressed capture: %w", err)
		}
		defer zr.Close()
		if raw, err = io.ReadAll(zr); err != nil {
			return nil, fmt.Errorf("perfdata: decompressing capture: %w", err)
		}
	}

	var hdr fileHeader
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("perfdata: reading header: %w", err)
	}

	r := &Reader{data: raw}
	switch hdr.Magic {
	case magicLegacy:
		r.legacy = true
	case magicCurrent:
	default:
		return nil, ErrBadMagic
	}

	if err := r.readAttrs(hdr); err != nil {
		return nil, err
	}
	r.pos = hdr.Data.Offset
	r.end = hdr.Data.Offset + hdr.Data.Size
	if r.end > uint64(len(raw)) {
		return nil, fmt.Errorf("perfdata: data section [%d, %d) exceeds file size %d",
			hdr.Data.Offset, r.end, len(raw))
	}
	return r, nil
}

// Attrs returns the event descriptions of the capture.
func (r *Reader) Attrs() []EventAttr { return r.attrs }

func (r *Reader) readAttrs(hdr fileHeader) error {
	if hdr.AttrSize == 0 {
		return errors.New("perfdata: zero attribute size")
	}
	sec := hdr.Attrs
	if sec.Offset+sec.Size > uint64(len(r.data)) {
		return errors.New("perfdata: attribute section exceeds file size")
	}
	// The legacy layout stores bare attributes; the current layout stores
	// attribute plus an id fileSection per event.
	stride := hdr.AttrSize
	attrLen := hdr.AttrSize
	if !r.legacy {
		if attrLen < 16 {
			return errors.New("perfdata: attribute size too small")
		}
		attrLen -= 16
	}

	for off := sec.Offset; off+stride <= sec.Offset+sec.Size; off += stride {
		buf := bytes.NewReader(r.data[off : off+attrLen])
		var a EventAttr
		// Only the leading fields matter; the rest of the attribute is
		// version-dependent padding skipped via the declared size.
		fields := []any{&a.Type, &a.Size, &a.Config, &a.SampleFreq, &a.SampleFormat}
		for _, f := range fields {
			if err := binary.Read(buf, binary.LittleEndian, f); err != nil {
				return fmt.Errorf("perfdata: reading event attribute: %w", err)
			}
		}
		r.attrs = append(r.attrs, a)
	}
	if len(r.attrs) == 0 {
		return errors.New("perfdata: capture describes no events")
	}

	r.sampleFormat = r.attrs[0].SampleFormat
	for _, a := range r.attrs[1:] {
		if a.SampleFormat != r.sampleFormat {
			return errors.New("perfdata: events disagree on sample layout")
		}
	}
	return nil
}

// Next returns the next record, or io.EOF at the end of the data section.
// Unknown record types are skipped, since newer profilers interleave
// bookkeeping records older consumers do not know.
func (r *Reader) Next() (Record, error) {
	for {
		if r.pos+8 > r.end {
			return nil, io.EOF
		}
		var hdr recordHeader
		hb := bytes.NewReader(r.data[r.pos : r.pos+8])
		if err := binary.Read(hb, binary.LittleEndian, &hdr); err != nil {
			return nil, err
		}
		if hdr.Size < 8 || r.pos+uint64(hdr.Size) > r.end {
			return nil, fmt.Errorf("perfdata: record at %d overruns data section", r.pos)
		}
		body := r.data[r.pos+8 : r.pos+uint64(hdr.Size)]
		r.pos += uint64(hdr.Size)

		rec, err := r.decode(hdr, body)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		return rec, nil
	}
}

func (r *Reader) decode(hdr recordHeader, body []byte) (Record, error) {
	b := &decoder{buf: body}
	switch hdr.Type {
	case recordMmap, recordMmap2:
		m := Mmap{
			PID:  b.u32(),
			TID:  b.u32(),
			Addr: b.u64(),
			Len:  b.u64(),
		}
		m.FileOffset = b.u64()
		if hdr.Type == recordMmap2 {
			// maj, min, ino, ino generation, prot, flags.
			b.skip(4 + 4 + 8 + 8 + 4 + 4)
		}
		m.Filename = b.cstr()
		return m, b.err
	case recordComm:
		c := Comm{PID: b.u32(), TID: b.u32()}
		c.Comm = b.cstr()
		return c, b.err
	case recordFork:
		f := Fork{PID: b.u32(), PPID: b.u32(), TID: b.u32(), PTID: b.u32(), Time: b.u64()}
		return f, b.err
	case recordExit:
		e := Exit{PID: b.u32(), PPID: b.u32(), TID: b.u32(), PTID: b.u32(), Time: b.u64()}
		return e, b.err
	case recordSample:
		return r.decodeSample(b)
	default:
		return nil, nil
	}
}

// decodeSample walks the fields in the kernel's record-body order, which
// is not the SampleFormat bit order.
func (r *Reader) decodeSample(b *decoder) (Record, error) {
	var s Sample
	f := r.sampleFormat
	if f&SampleIP != 0 {
		s.IP = b.u64()
	}
	if f&SampleTID != 0 {
		s.PID = b.u32()
		s.TID = b.u32()
	}
	if f&SampleTime != 0 {
		s.Time = b.u64()
	}
	if f&SampleAddr != 0 {
		b.skip(8)
	}
	if f&SampleID != 0 {
		b.skip(8)
	}
	if f&SampleStreamID != 0 {
		b.skip(8)
	}
	if f&SampleCPU != 0 {
		s.CPU = b.u32()
		b.skip(4)
	}
	if f&SamplePeriod != 0 {
		s.Period = b.u64()
	}
	if f&SampleCallchain != 0 {
		n := b.u64()
		if n > uint64(len(b.buf)) {
			return nil, fmt.Errorf("perfdata: callchain of %d entries overruns record", n)
		}
		s.Callchain = make([]uint64, 0, n)
		for i := uint64(0); i < n; i++ {
			addr := b.u64()
			if addr >= contextMarkerBase {
				continue
			}
			s.Callchain = append(s.Callchain, addr)
		}
	}
	return s, b.err
}

// decoder is a little-endian cursor over one record body. Reads past the
// end set err instead of panicking, and the first error sticks.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) u32() uint32 {
	if d.err != nil || len(d.buf) < 4 {
		d.fail(4)
		return 0
	}
	v := binary.LittleEndian.Uint32(d.buf)
	d.buf = d.buf[4:]
	return v
}

func (d *decoder) u64() uint64 {
	if d.err != nil || len(d.buf) < 8 {
		d.fail(8)
		return 0
	}
	v := binary.LittleEndian.Uint64(d.buf)
	d.buf = d.buf[8:]
	return v
}

func (d *decoder) skip(n int) {
	if d.err != nil || len(d.buf) < n {
		d.fail(n)
		return
	}
	d.buf = d.buf[n:]
}

func (d *decoder) cstr() string {
	if d.err != nil {
		return ""
	}
	if i := bytes.IndexByte(d.buf, 0); i >= 0 {
		s := string(d.buf[:i])
		d.buf = nil
		return s
	}
	s := string(d.buf)
	d.buf = nil
	return s
}

func (d *decoder) fail(n int) {
	if d.err == nil {
		d.err = fmt.Errorf("perfdata: truncated record (wanted %d bytes, have %d)", n, len(d.buf))
	}
}
