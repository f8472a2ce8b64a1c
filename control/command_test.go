package control

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommandRoundTrip(t *testing.T) {
	cmds := []Command{
		StartBenchmark{},
		StopBenchmark{},
		Ack{},
		Err{},
		CurrentBenchmark{PID: 4242, URI: "pkg/bench.py::test_sort"},
		CurrentBenchmark{PID: -1, URI: ""},
		SetIntegration{Name: "pytest-benchpilot", Version: "1.4.0"},
		SetVersion{Version: 2},
	}
	for _, cmd := range cmds {
		payload, err := Encode(cmd)
		require.NoError(t, err)
		decoded, err := Decode(payload)
		require.NoError(t, err)
		require.Equal(t, cmd, decoded)
	}
}

func TestDecodeRejectsEmptyFrame(t *testing.T) {
	_, err := Decode(nil)
	require.ErrorIs(t, err, ErrProtocol)
}

func TestDecodeRejectsUnknownTag(t *testing.T) {
	_, err := Decode([]byte{0x7f})
	require.ErrorIs(t, err, ErrProtocol)
}

func TestDecodeRejectsTruncatedPayload(t *testing.T) {
	payload, err := Encode(CurrentBenchmark{PID: 1, URI: "bench::a"})
	require.NoError(t, err)
	for i := 1; i < len(payload); i++ {
		_, err := Decode(payload[:i])
		require.Error(t, err, "prefix of %d bytes must not decode", i)
	}
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	payload, err := Encode(StartBenchmark{})
	require.NoError(t, err)
	_, err = Decode(append(payload, 0x00))
	require.ErrorIs(t, err, ErrProtocol)
}

func TestDecodeRejectsOversizedStringLength(t *testing.T) {
	// A string length pointing past the end of the frame.
	payload := []byte{tagCurrentBenchmark, 1, 0, 0, 0, 0xff, 0xff, 0xff, 0xff}
	_, err := Decode(payload)
	require.ErrorIs(t, err, ErrProtocol)
}
