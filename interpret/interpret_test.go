package interpret

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blkmlk/memtrace/record"
	"github.com/blkmlk/memtrace/resolver"
	"github.com/blkmlk/memtrace/trace"
)

// fakeResolver resolves only the IPs registered on it (via withFrame or
// its locations map) and misses every other IP, letting these tests
// exercise the Interpreter without real debug images.
type fakeResolver struct {
	locations map[uint64]resolver.LookupResult
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{locations: make(map[uint64]resolver.LookupResult)}
}

func (f *fakeResolver) AddModule(id int, path string, start, size uint64) error {
	return nil
}

func (f *fakeResolver) Lookup(ip uint64) (resolver.LookupResult, bool) {
	res, ok := f.locations[ip]
	return res, ok
}

func (f *fakeResolver) withFrame(ip uint64, functionName string) *fakeResolver {
	f.locations[ip] = resolver.LookupResult{
		ModuleID:  1,
		Locations: []resolver.Location{{FunctionName: functionName}},
	}
	return f
}

func run(t *testing.T, res Resolver, records []record.Record) (*Interpreter, *trace.AccumulatedData) {
	t.Helper()

	var buf bytes.Buffer
	w := trace.NewWriter(&buf)
	ip := New(w, res)

	for _, r := range records {
		require.NoError(t, ip.Handle(r))
	}
	require.NoError(t, ip.Finish())

	data, err := trace.NewParser().Parse(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	return ip, data
}

// Scenario 1: single alloc+free.
func TestScenarioSingleAllocFree(t *testing.T) {
	res := newFakeResolver().withFrame(0x1100, "f")

	_, data := run(t, res, []record.Record{
		record.Version{Version: 1},
		record.Image{Name: "bin", StartAddress: 0x1000, Size: 0x1000},
		record.Trace{IP: 0x1100, ParentIdx: 0},
		record.Alloc{Ptr: 0xdead, Size: 8, ParentIdx: 1},
		record.Free{Ptr: 0xdead},
		record.Duration{Duration: 5 * time.Millisecond},
		record.RSS{Size: 4096},
	})

	assert.Equal(t, trace.AllocationData{Allocations: 1, Temporary: 1, Leaked: 0, Peak: 8}, data.Total)
	assert.Equal(t, 5*time.Millisecond, data.Duration)
	assert.Equal(t, uint64(4096), data.PeakRSS)
	require.Len(t, data.Allocations, 1)
	assert.Equal(t, trace.AllocationData{Allocations: 1, Temporary: 1, Leaked: 0, Peak: 8}, data.Allocations[0].Data)
}

// Scenario 2: leak (omit the Free).
func TestScenarioLeak(t *testing.T) {
	res := newFakeResolver().withFrame(0x1100, "f")

	_, data := run(t, res, []record.Record{
		record.Trace{IP: 0x1100, ParentIdx: 0},
		record.Alloc{Ptr: 0xdead, Size: 8, ParentIdx: 1},
	})

	assert.Equal(t, trace.AllocationData{Allocations: 1, Temporary: 0, Leaked: 8, Peak: 8}, data.Total)
}

// Scenario 3: non-temporary free -- last_ptr after second alloc is B,
// so freeing A is non-temporary. B has a different parent trace because
// the Parser tracks last_ptr per trace_idx bucket, not per pointer.
func TestScenarioNonTemporaryFree(t *testing.T) {
	res := newFakeResolver().withFrame(0x1100, "f")

	_, data := run(t, res, []record.Record{
		record.Trace{IP: 0x1100, ParentIdx: 0},
		record.Alloc{Ptr: 0xA, Size: 8, ParentIdx: 1},
		record.Alloc{Ptr: 0xB, Size: 16, ParentIdx: 2},
		record.Free{Ptr: 0xA},
	})

	assert.Equal(t, trace.AllocationData{Allocations: 2, Temporary: 0, Leaked: 16, Peak: 24}, data.Total)
}

// Scenario 4: free of an unknown pointer emits nothing and leaves
// counters unchanged.
func TestScenarioFreeUnknownPointer(t *testing.T) {
	res := newFakeResolver().withFrame(0x1100, "f")

	interp, data := run(t, res, []record.Record{
		record.Trace{IP: 0x1100, ParentIdx: 0},
		record.Alloc{Ptr: 0xA, Size: 8, ParentIdx: 1},
		record.Free{Ptr: 0xBAD},
	})

	assert.Equal(t, trace.AllocationData{Allocations: 1, Temporary: 0, Leaked: 8, Peak: 8}, data.Total)
	assert.Equal(t, uint64(1), interp.Stats().LeakedAllocations)
}

// Scenario 5: signature dedup -- two Allocs with an identical
// (size, parent_idx) produce exactly one "a" line, but each still
// produces its own "+" line.
func TestScenarioSignatureDedup(t *testing.T) {
	res := newFakeResolver().withFrame(0x1100, "f")

	_, data := run(t, res, []record.Record{
		record.Trace{IP: 0x1100, ParentIdx: 0},
		record.Alloc{Ptr: 0xA, Size: 8, ParentIdx: 1},
		record.Alloc{Ptr: 0xB, Size: 8, ParentIdx: 1},
	})

	assert.Len(t, data.AllocationInfos, 1)
	assert.Equal(t, uint64(2), data.Total.Allocations)
}

// Scenario 6: collision -- two pointers that share a split-pointer
// bucket (same big part, different low parts) are freed independently.
func TestScenarioPointerBucketCollision(t *testing.T) {
	res := newFakeResolver().withFrame(0x1100, "f")

	p1 := uint64(0x00010000)
	p2 := p1 + 1

	interp, data := run(t, res, []record.Record{
		record.Trace{IP: 0x1100, ParentIdx: 0},
		record.Alloc{Ptr: p1, Size: 8, ParentIdx: 1},
		record.Alloc{Ptr: p2, Size: 16, ParentIdx: 1},
		record.Free{Ptr: p1},
	})

	assert.Equal(t, uint64(1), interp.Stats().LeakedAllocations)
	assert.Equal(t, uint64(16), data.Total.Leaked)
}

func TestFrameDedupEmitsOneInstructionLinePerIP(t *testing.T) {
	res := newFakeResolver().withFrame(0x1100, "f")

	_, data := run(t, res, []record.Record{
		record.Trace{IP: 0x1100, ParentIdx: 0},
		record.Trace{IP: 0x1100, ParentIdx: 1},
	})

	assert.Len(t, data.InstructionPointers, 1)
	require.Len(t, data.Traces, 2)
	assert.Equal(t, data.Traces[0].IPIdx, data.Traces[1].IPIdx)
}

func TestStringInterningIsStableAcrossRecords(t *testing.T) {
	res := newFakeResolver().withFrame(0x1100, "same_name")

	_, data := run(t, res, []record.Record{
		record.Exec{Command: "ignored by parser but still a string-free line"},
		record.Trace{IP: 0x1100, ParentIdx: 0},
	})

	require.Len(t, data.Strings, 1)
	assert.Equal(t, "same_name", data.Strings[0])
}

func TestResolverMissIsFatal(t *testing.T) {
	res := newFakeResolver() // no frames registered

	var buf bytes.Buffer
	w := trace.NewWriter(&buf)
	ip := New(w, res)

	err := ip.Handle(record.Trace{IP: 0x9999, ParentIdx: 0})
	assert.ErrorIs(t, err, ErrResolverMiss)
}

func TestInlinedFramesProduceOneInstructionLineWithAllGroups(t *testing.T) {
	res := newFakeResolver()
	res.locations[0x1100] = resolver.LookupResult{
		ModuleID: 1,
		Locations: []resolver.Location{
			{FunctionName: "inlined_inner", FileName: "a.c", HasFileName: true, LineNumber: 5},
			{FunctionName: "outer"},
		},
	}

	_, data := run(t, res, []record.Record{
		record.Trace{IP: 0x1100, ParentIdx: 0},
	})

	require.Len(t, data.InstructionPointers, 1)
	ipEntry := data.InstructionPointers[0]
	assert.True(t, ipEntry.Frame.HasLocation)
	require.Len(t, ipEntry.Inlined, 1)
	assert.False(t, ipEntry.Inlined[0].HasLocation)
}

func TestStatsObserverReceivesEvents(t *testing.T) {
	res := newFakeResolver().withFrame(0x1100, "f")

	var allocs int
	var leaked int64
	var tmp int

	observer := &countingObserver{
		onAlloc:     func() { allocs++ },
		onLeaked:    func(d int64) { leaked += d },
		onTemporary: func() { tmp++ },
	}

	var buf bytes.Buffer
	w := trace.NewWriter(&buf)
	ip := New(w, res, WithStatsObserver(observer))

	require.NoError(t, ip.Handle(record.Trace{IP: 0x1100, ParentIdx: 0}))
	require.NoError(t, ip.Handle(record.Alloc{Ptr: 1, Size: 8, ParentIdx: 1}))
	require.NoError(t, ip.Handle(record.Free{Ptr: 1}))

	assert.Equal(t, 1, allocs)
	assert.Equal(t, int64(0), leaked)
	assert.Equal(t, 1, tmp)
}

type countingObserver struct {
	onAlloc     func()
	onLeaked    func(int64)
	onTemporary func()
}

func (c *countingObserver) OnAlloc()         { c.onAlloc() }
func (c *countingObserver) OnLeaked(d int64) { c.onLeaked(d) }
func (c *countingObserver) OnTemporary()     { c.onTemporary() }
