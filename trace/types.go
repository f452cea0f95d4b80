// Package trace implements the line-oriented textual trace grammar
// (§4.1) that is the sole persisted artifact between the Interpreter
// and the Parser/Aggregator: a Writer emits it, a Parser reconstructs
// an AccumulatedData from it. All integers on the wire are lowercase
// hexadecimal without a "0x" prefix.
package trace

import "time"

// FileVersion is the fixed textual-trace format version written on
// the header line; VER on that line is the source protocol version,
// which may differ.
const FileVersion = 3

// Frame is one symbolicated call-frame entry attached to an
// instruction-pointer line: either a bare function name (Single) or a
// function name plus file/line (Multiple).
type Frame struct {
	FunctionIdx int
	// HasLocation is true for a Multiple frame (file+line attached).
	HasLocation bool
	FileIdx     int
	LineNumber  uint32
}

// Edge is one (ip, parent) call-graph edge, as emitted by a Trace
// record.
type Edge struct {
	IPIdx     uint64
	ParentIdx uint64
}

// InstructionPointer is a fully resolved IP: its module and ordered
// frame list (innermost-first; additional entries are inlined
// call-site frames).
type InstructionPointer struct {
	IP        uint64
	ModuleIdx int
	Frame     Frame
	Inlined   []Frame
}

// AllocationData is the running tally for either the whole trace or a
// single trace_idx bucket: allocations/temporary/leaked/peak are all
// non-negative, and peak >= leaked always.
type AllocationData struct {
	Allocations uint64
	Temporary   uint64
	Leaked      uint64
	Peak        uint64
}

// AllocationInfo is one interned (size, trace_idx) signature as parsed
// from an "a" line.
type AllocationInfo struct {
	AllocationIdx uint64
	Size          uint64
}

// Allocation aggregates every AllocationInfo sharing the same
// trace_idx. Note (see spec §9 open question 1): multiple distinct
// (size, parent) signatures that share a trace_idx collapse into this
// one bucket, so Peak is not a true per-signature peak — preserved as
// specified.
type Allocation struct {
	TraceIdx uint64
	Data     AllocationData
}

// AccumulatedData is the Parser's reconstruction of everything the
// Interpreter emitted, plus the global rollup in Total.
type AccumulatedData struct {
	Strings              []string
	Traces               []Edge
	InstructionPointers  []InstructionPointer
	AllocationInfos      []AllocationInfo
	Allocations          []Allocation
	allocationIndices    map[uint64]int // trace_idx -> index into Allocations
	Total                AllocationData
	Duration             time.Duration
	PeakRSS              uint64
	PageSize             uint64
	Pages                uint64
}

func durationFromMillis(ms uint64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func newAccumulatedData() *AccumulatedData {
	return &AccumulatedData{
		Strings:             make([]string, 0, 4096),
		Traces:              make([]Edge, 0, 1024),
		InstructionPointers: make([]InstructionPointer, 0, 1024),
		AllocationInfos:     make([]AllocationInfo, 0, 1024),
		Allocations:         make([]Allocation, 0, 1024),
		allocationIndices:   make(map[uint64]int),
	}
}
