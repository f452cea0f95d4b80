package trace

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalidFormat reports a malformed trace line.
var ErrInvalidFormat = errors.New("trace: invalid format")

// ErrInternal reports an invariant violation while aggregating an
// otherwise well-formed trace, e.g. a "+"/"-" line referencing an
// allocation index that doesn't exist.
var ErrInternal = errors.New("trace: internal error")

// maxLineSize bounds a single trace line. The default bufio.Scanner
// buffer (64KiB) can be exceeded by a long "X" command line or an "i"
// line with many inlined frames, so the scanner is given a much larger
// ceiling up front.
const maxLineSize = 8 << 20

// Parser reloads a textual trace emitted by trace.Writer and
// reconstructs an AccumulatedData, rolling up per-trace and global
// allocation statistics as it goes.
type Parser struct {
	data    *AccumulatedData
	lastPtr uint64
}

// NewParser returns a Parser ready to consume a trace.
func NewParser() *Parser {
	return &Parser{data: newAccumulatedData()}
}

// Parse reads every line from r and returns the reconstructed
// AccumulatedData. It fails fast on the first malformed or internally
// inconsistent line.
func (p *Parser) Parse(r io.Reader) (*AccumulatedData, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for sc.Scan() {
		if err := p.parseLine(sc.Text()); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "trace: read")
	}

	return p.data, nil
}

func (p *Parser) parseLine(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch fields[0] {
	case "s":
		return p.parseString(line, fields)
	case "t":
		return p.parseTrace(fields)
	case "i":
		return p.parseInstruction(fields)
	case "a":
		return p.parseTraceAlloc(fields)
	case "+":
		return p.parseAlloc(fields)
	case "-":
		return p.parseFree(fields)
	case "c":
		return p.parseDuration(fields)
	case "R":
		return p.parseRSS(fields)
	case "I":
		return p.parsePageInfo(fields)
	case "v", "X", "#":
		return nil // header/exec/comment lines carry no aggregated state
	default:
		return nil // unknown first token: ignored silently
	}
}

// parseString extracts the value as the last LEN bytes of the raw
// line, not a whitespace split, so that embedded spaces survive.
func (p *Parser) parseString(line string, fields []string) error {
	if len(fields) < 2 {
		return ErrInvalidFormat
	}
	n, err := strconv.ParseUint(fields[1], 16, 64)
	if err != nil {
		return ErrInvalidFormat
	}
	if int(n) > len(line) {
		return ErrInvalidFormat
	}
	p.data.Strings = append(p.data.Strings, line[len(line)-int(n):])
	return nil
}

func parseHexUint(s string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(s, 16, bits)
	if err != nil {
		return 0, ErrInvalidFormat
	}
	return v, nil
}

func (p *Parser) parseTrace(fields []string) error {
	if len(fields) < 3 {
		return ErrInvalidFormat
	}
	ipIdx, err := parseHexUint(fields[1], 64)
	if err != nil {
		return err
	}
	parentIdx, err := parseHexUint(fields[2], 64)
	if err != nil {
		return err
	}
	p.data.Traces = append(p.data.Traces, Edge{IPIdx: ipIdx, ParentIdx: parentIdx})
	return nil
}

func (p *Parser) parseInstruction(fields []string) error {
	if len(fields) < 3 {
		return ErrInvalidFormat
	}
	ip, err := parseHexUint(fields[1], 64)
	if err != nil {
		return err
	}
	moduleIdx, err := parseHexUint(fields[2], 64)
	if err != nil {
		return err
	}

	rest := fields[3:]
	frame, n, err := parseFrame(rest)
	if err != nil {
		return err
	}
	if frame == nil {
		return ErrInvalidFormat
	}
	rest = rest[n:]

	inlined := make([]Frame, 0, len(rest))
	for len(rest) > 0 {
		f, n, err := parseFrame(rest)
		if err != nil {
			return err
		}
		if f == nil {
			break
		}
		inlined = append(inlined, *f)
		rest = rest[n:]
	}

	p.data.InstructionPointers = append(p.data.InstructionPointers, InstructionPointer{
		IP:        ip,
		ModuleIdx: int(moduleIdx),
		Frame:     *frame,
		Inlined:   inlined,
	})
	return nil
}

// parseFrame reads one token as function_idx; if the next two tokens
// exist and are hex, it consumes them as (file_idx, line_number)
// producing a Multiple frame, else it produces a Single frame. It
// returns how many tokens it consumed.
func parseFrame(tokens []string) (*Frame, int, error) {
	if len(tokens) == 0 {
		return nil, 0, nil
	}

	functionIdx, err := strconv.ParseUint(tokens[0], 16, 64)
	if err != nil {
		return nil, 0, ErrInvalidFormat
	}

	if len(tokens) < 3 {
		return &Frame{FunctionIdx: int(functionIdx)}, 1, nil
	}

	fileIdx, err1 := strconv.ParseUint(tokens[1], 16, 64)
	lineNumber, err2 := strconv.ParseUint(tokens[2], 16, 32)
	if err1 != nil || err2 != nil {
		return &Frame{FunctionIdx: int(functionIdx)}, 1, nil
	}

	return &Frame{
		FunctionIdx: int(functionIdx),
		HasLocation: true,
		FileIdx:     int(fileIdx),
		LineNumber:  uint32(lineNumber),
	}, 3, nil
}

func (p *Parser) parseTraceAlloc(fields []string) error {
	if len(fields) < 3 {
		return ErrInvalidFormat
	}
	size, err := parseHexUint(fields[1], 64)
	if err != nil {
		return err
	}
	traceIdx, err := parseHexUint(fields[2], 64)
	if err != nil {
		return err
	}

	allocationIdx := p.internAllocation(traceIdx)
	p.data.AllocationInfos = append(p.data.AllocationInfos, AllocationInfo{
		AllocationIdx: allocationIdx,
		Size:          size,
	})
	return nil
}

func (p *Parser) internAllocation(traceIdx uint64) uint64 {
	if idx, ok := p.data.allocationIndices[traceIdx]; ok {
		return uint64(idx)
	}
	idx := len(p.data.Allocations)
	p.data.allocationIndices[traceIdx] = idx
	p.data.Allocations = append(p.data.Allocations, Allocation{TraceIdx: traceIdx})
	return uint64(idx)
}

func (p *Parser) parseAlloc(fields []string) error {
	if len(fields) < 2 {
		return ErrInvalidFormat
	}
	infoIdx, err := parseHexUint(fields[1], 64)
	if err != nil {
		return err
	}
	if int(infoIdx) >= len(p.data.AllocationInfos) {
		return errors.Wrap(ErrInternal, "allocation info not found")
	}
	info := p.data.AllocationInfos[infoIdx]

	if int(info.AllocationIdx) >= len(p.data.Allocations) {
		return errors.Wrap(ErrInternal, "allocation not found")
	}
	alloc := &p.data.Allocations[info.AllocationIdx]

	p.lastPtr = info.AllocationIdx

	alloc.Data.Leaked += info.Size
	if alloc.Data.Leaked > alloc.Data.Peak {
		alloc.Data.Peak = alloc.Data.Leaked
	}
	alloc.Data.Allocations++

	p.data.Total.Leaked += info.Size
	p.data.Total.Allocations++
	if p.data.Total.Leaked > p.data.Total.Peak {
		p.data.Total.Peak = p.data.Total.Leaked
	}

	return nil
}

func (p *Parser) parseFree(fields []string) error {
	if len(fields) < 2 {
		return ErrInvalidFormat
	}
	infoIdx, err := parseHexUint(fields[1], 64)
	if err != nil {
		return err
	}
	if int(infoIdx) >= len(p.data.AllocationInfos) {
		return errors.Wrap(ErrInternal, "allocation info not found")
	}
	info := p.data.AllocationInfos[infoIdx]

	if int(info.AllocationIdx) >= len(p.data.Allocations) {
		return errors.Wrap(ErrInternal, "allocation not found")
	}
	alloc := &p.data.Allocations[info.AllocationIdx]

	p.data.Total.Leaked -= info.Size
	alloc.Data.Leaked -= info.Size

	temporary := p.lastPtr == info.AllocationIdx
	p.lastPtr = 0

	if temporary {
		p.data.Total.Temporary++
		alloc.Data.Temporary++
	}

	return nil
}

func (p *Parser) parseDuration(fields []string) error {
	if len(fields) < 2 {
		return ErrInvalidFormat
	}
	ms, err := parseHexUint(fields[1], 64)
	if err != nil {
		return err
	}
	p.data.Duration = durationFromMillis(ms)
	return nil
}

func (p *Parser) parseRSS(fields []string) error {
	if len(fields) < 2 {
		return ErrInvalidFormat
	}
	rss, err := parseHexUint(fields[1], 64)
	if err != nil {
		return err
	}
	if rss > p.data.PeakRSS {
		p.data.PeakRSS = rss
	}
	return nil
}

func (p *Parser) parsePageInfo(fields []string) error {
	if len(fields) < 3 {
		return ErrInvalidFormat
	}
	size, err := parseHexUint(fields[1], 64)
	if err != nil {
		return err
	}
	pages, err := parseHexUint(fields[2], 64)
	if err != nil {
		return err
	}
	p.data.PageSize = size
	p.data.Pages = pages
	return nil
}
