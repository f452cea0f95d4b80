package trace

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterParserRoundTripBasicLines(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	require.NoError(t, w.WriteVersion(1))
	require.NoError(t, w.WritePageInfo(0x1000, 0x100))
	require.NoError(t, w.WriteExec("some command with spaces"))
	require.NoError(t, w.WriteString("hello world"))
	require.NoError(t, w.WriteInstruction(0x1100, 1, []Frame{
		{FunctionIdx: 2},
		{FunctionIdx: 3, HasLocation: true, FileIdx: 4, LineNumber: 42},
	}))
	require.NoError(t, w.WriteTrace(1, 0))
	require.NoError(t, w.WriteTraceAlloc(8, 1))
	require.NoError(t, w.WriteAlloc(0))
	require.NoError(t, w.WriteFree(0))
	require.NoError(t, w.WriteDuration(5))
	require.NoError(t, w.WriteRSS(4096))
	require.NoError(t, w.Flush())

	data, err := NewParser().Parse(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	require.Len(t, data.Strings, 1)
	assert.Equal(t, "hello world", data.Strings[0])

	require.Len(t, data.InstructionPointers, 1)
	ip := data.InstructionPointers[0]
	assert.Equal(t, uint64(0x1100), ip.IP)
	assert.Equal(t, 1, ip.ModuleIdx)
	assert.Equal(t, Frame{FunctionIdx: 2}, ip.Frame)
	require.Len(t, ip.Inlined, 1)
	assert.Equal(t, Frame{FunctionIdx: 3, HasLocation: true, FileIdx: 4, LineNumber: 42}, ip.Inlined[0])

	require.Len(t, data.Traces, 1)
	assert.Equal(t, Edge{IPIdx: 1, ParentIdx: 0}, data.Traces[0])

	assert.Equal(t, 5*time.Millisecond, data.Duration)
	assert.Equal(t, uint64(4096), data.PeakRSS)
	assert.Equal(t, uint64(0x1000), data.PageSize)
	assert.Equal(t, uint64(0x100), data.Pages)
}

func TestParseFrameSingleVsMultiple(t *testing.T) {
	f, n, err := parseFrame([]string{"1"})
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, 1, n)
	assert.False(t, f.HasLocation)

	f, n, err = parseFrame([]string{"1", "2", "2a"})
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, 3, n)
	assert.True(t, f.HasLocation)
	assert.Equal(t, 1, f.FunctionIdx)
	assert.Equal(t, 2, f.FileIdx)
	assert.Equal(t, uint32(0x2a), f.LineNumber)
}

func TestParseFrameEmptyReturnsNil(t *testing.T) {
	f, n, err := parseFrame(nil)
	require.NoError(t, err)
	assert.Nil(t, f)
	assert.Equal(t, 0, n)
}

func TestInstructionRequiresAtLeastOneFrame(t *testing.T) {
	p := NewParser()
	err := p.parseLine("i 1100 1")
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestAllocReferencingMissingInfoIsInternalError(t *testing.T) {
	p := NewParser()
	err := p.parseLine("+ 0")
	assert.ErrorIs(t, err, ErrInternal)
}

func TestUnknownFirstTokenIsIgnored(t *testing.T) {
	p := NewParser()
	assert.NoError(t, p.parseLine("z some nonsense"))
	assert.NoError(t, p.parseLine(""))
	assert.NoError(t, p.parseLine("# a comment"))
}

func TestSignatureDedupProducesOneAllocationPerTraceIdx(t *testing.T) {
	p := NewParser()
	require.NoError(t, p.parseLine("a 8 1"))
	require.NoError(t, p.parseLine("a 10 1"))
	require.NoError(t, p.parseLine("a 8 2"))

	assert.Len(t, p.data.Allocations, 2)
	assert.Len(t, p.data.AllocationInfos, 3)
}
