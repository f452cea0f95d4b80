package record

import (
	"bufio"
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, rec Record) Record {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, rec))

	got, err := Decode(bufio.NewReader(&buf))
	require.NoError(t, err)
	return got
}

func TestRoundTripAllVariants(t *testing.T) {
	cases := []Record{
		Version{Version: 1},
		Exec{Command: "ls -la /tmp"},
		Image{Name: "/bin/ls", StartAddress: 0x1000, Size: 0x2000},
		PageInfo{Size: 4096, Pages: 256},
		Trace{IP: 0x1100, ParentIdx: 0},
		Alloc{Ptr: 0xdead, Size: 8, ParentIdx: 1},
		Free{Ptr: 0xdead},
		Duration{Duration: 5 * time.Millisecond},
		RSS{Size: 4096},
	}

	for _, c := range cases {
		assert.Equal(t, c, roundTrip(t, c))
	}
}

func TestDecodeEmptyStreamYieldsEOF(t *testing.T) {
	_, err := Decode(bufio.NewReader(bytes.NewReader(nil)))
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodeTruncatedPayloadIsInvalidFormat(t *testing.T) {
	// length prefix says 10 bytes follow, but none are provided
	buf := []byte{10, 0}
	_, err := Decode(bufio.NewReader(bytes.NewReader(buf)))
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestDecodeUnknownTagIsInvalidFormat(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, Free{Ptr: 1}))
	raw := buf.Bytes()
	raw[2] = 0xFF // corrupt the tag byte
	_, err := Decode(bufio.NewReader(bytes.NewReader(raw)))
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestExecPreservesEmbeddedWhitespace(t *testing.T) {
	got := roundTrip(t, Exec{Command: "cmd  with   spaces"})
	assert.Equal(t, Exec{Command: "cmd  with   spaces"}, got)
}
