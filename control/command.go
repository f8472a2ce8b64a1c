// Package control implements the benchmark control channel: a binary,
// length-prefixed command protocol carried over a pair of named pipes
// between the measuring process and the benchmarked process.
//
// The wire format is deliberately hand-written rather than generated so
// that it stays stable across independently updated binaries: every frame
// is a 4-byte little-endian payload length followed by a one-byte command
// tag and the command's fields.
package control

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Protocol versions negotiated via SetVersion. Integrations announcing a
// version below MinProtocolVersion are rejected.
const (
	MinProtocolVersion     = 1
	CurrentProtocolVersion = 2
)

// Command tags on the wire. The tag values are part of the protocol and
// must never be reordered.
const (
	tagCurrentBenchmark = 0x00
	tagStartBenchmark   = 0x01
	tagStopBenchmark    = 0x02
	tagAck              = 0x03
	tagErr              = 0x04
	tagSetIntegration   = 0x05
	tagSetVersion       = 0x06
)

// maxFrameSize bounds a single frame so a corrupted length prefix cannot
// make the receiver allocate unbounded memory.
const maxFrameSize = 64 * 1024

// ErrProtocol indicates a malformed or out-of-sequence control message.
// Runs observing it are aborted and not retried.
var ErrProtocol = errors.New("control protocol violation")

// Command is one control channel message. Exactly one of the variant
// structs below is carried per frame.
type Command interface {
	tag() byte
}

// CurrentBenchmark announces which benchmark the target process is about
// to run. The pid lets the measuring process inspect the right process
// tree; the uri is the opaque benchmark identity.
type CurrentBenchmark struct {
	PID int32
	URI string
}

// StartBenchmark opens a measurement round.
type StartBenchmark struct{}

// StopBenchmark seals the currently open round.
type StopBenchmark struct{}

// Ack confirms receipt of the previous command. Every non-Ack command is
// answered with exactly one Ack (or Err) before the sender proceeds.
type Ack struct{}

// Err is the negative acknowledgement.
type Err struct{}

// SetIntegration reports the name and version of the integration driving
// the benchmarks.
type SetIntegration struct {
	Name    string
	Version string
}

// SetVersion negotiates the protocol version before any other traffic.
type SetVersion struct {
	Version uint64
}

func (CurrentBenchmark) tag() byte { return tagCurrentBenchmark }
func (StartBenchmark) tag() byte   { return tagStartBenchmark }
func (StopBenchmark) tag() byte    { return tagStopBenchmark }
func (Ack) tag() byte              { return tagAck }
func (Err) tag() byte              { return tagErr }
func (SetIntegration) tag() byte   { return tagSetIntegration }
func (SetVersion) tag() byte       { return tagSetVersion }

// Encode serializes cmd into a payload (without the length prefix).
func Encode(cmd Command) ([]byte, error) {
	buf := []byte{cmd.tag()}
	switch c := cmd.(type) {
	case CurrentBenchmark:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(c.PID))
		buf = appendString(buf, c.URI)
	case StartBenchmark, StopBenchmark, Ack, Err:
	case SetIntegration:
		buf = appendString(buf, c.Name)
		buf = appendString(buf, c.Version)
	case SetVersion:
		buf = binary.LittleEndian.AppendUint64(buf, c.Version)
	default:
		return nil, fmt.Errorf("%w: unknown command %T", ErrProtocol, cmd)
	}
	return buf, nil
}

// Decode parses one payload produced by Encode. The whole payload must be
// consumed: trailing bytes mean the frame was built by an incompatible
// peer and are rejected.
func Decode(payload []byte) (Command, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrProtocol)
	}
	tag, rest := payload[0], payload[1:]

	var (
		cmd Command
		err error
	)
	switch tag {
	case tagCurrentBenchmark:
		var c CurrentBenchmark
		var pid uint32
		pid, rest, err = readUint32(rest)
		if err == nil {
			c.PID = int32(pid)
			c.URI, rest, err = readString(rest)
		}
		cmd = c
	case tagStartBenchmark:
		cmd = StartBenchmark{}
	case tagStopBenchmark:
		cmd = StopBenchmark{}
	case tagAck:
		cmd = Ack{}
	case tagErr:
		cmd = Err{}
	case tagSetIntegration:
		var c SetIntegration
		c.Name, rest, err = readString(rest)
		if err == nil {
			c.Version, rest, err = readString(rest)
		}
		cmd = c
	case tagSetVersion:
		var c SetVersion
		if len(rest) < 8 {
			err = fmt.Errorf("%w: truncated SetVersion", ErrProtocol)
		} else {
			c.Version = binary.LittleEndian.Uint64(rest)
			rest = rest[8:]
		}
		cmd = c
	default:
		return nil, fmt.Errorf("%w: unknown tag 0x%02x", ErrProtocol, tag)
	}
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after tag 0x%02x", ErrProtocol, len(rest), tag)
	}
	return cmd, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func readUint32(buf []byte) (uint32, []byte, error) {
	if len(buf) < 4 {
		return 0, nil, fmt.Errorf("%w: truncated u32", ErrProtocol)
	}
	return binary.LittleEndian.Uint32(buf), buf[4:], nil
}

func readString(buf []byte) (string, []byte, error) {
	n, rest, err := readUint32(buf)
	if err != nil {
		return "", nil, err
	}
	if uint32(len(rest)) < n {
		return "", nil, fmt.Errorf("%w: string length %d exceeds frame", ErrProtocol, n)
	}
	return string(rest[:n]), rest[n:], nil
}
