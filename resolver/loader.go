package resolver

import (
	"bytes"
	"debug/dwarf"
	"debug/elf"
	"debug/macho"
	"io"
	"os"

	"github.com/pkg/errors"
)

// ErrModuleNotFound reports that a debug image could not be opened at
// module-registration time.
var ErrModuleNotFound = errors.New("resolver: module not found")

// loader owns one module's debug-info handle: its DWARF data plus
// whatever symbol-table fallback the underlying object format exposes.
// Grounded on golang.org/x/debug/debug/dwarf/symbol.go's EntryForPC
// linear PC-range scan, generalized across every compile unit (the
// teacher's own Reader() already walks the whole Data, compile-unit
// boundaries and all) and extended with debug/dwarf's inlined-
// subroutine children for inline-chain support, since target binaries
// here are arbitrary native executables rather than the teacher's
// Go-only assumption.
type loader struct {
	data *dwarf.Data
	syms []symbolEntry
}

type symbolEntry struct {
	name string
	addr uint64
	size uint64
}

// openLoader opens the debug image at path, auto-detecting ELF vs
// Mach-O by file magic the same way golang.org/x/debug/core sniffs its
// core-dump format.
func openLoader(path string) (*loader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(ErrModuleNotFound, err.Error())
	}
	defer f.Close()

	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return nil, errors.Wrap(ErrModuleNotFound, "short read")
	}

	switch {
	case bytes.Equal(magic[:], []byte{0x7f, 'E', 'L', 'F'}):
		return loadELF(path)
	case isMachOMagic(magic):
		return loadMachO(path)
	default:
		return nil, errors.Wrap(ErrModuleNotFound, "unrecognized object format")
	}
}

func isMachOMagic(magic [4]byte) bool {
	le := uint32(magic[0]) | uint32(magic[1])<<8 | uint32(magic[2])<<16 | uint32(magic[3])<<24
	switch le {
	case macho.Magic32, macho.Magic64, macho.MagicFat:
		return true
	}
	return false
}

func loadELF(path string) (*loader, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, errors.Wrap(ErrModuleNotFound, err.Error())
	}
	defer f.Close()

	d, err := f.DWARF()
	if err != nil {
		return nil, errors.Wrap(ErrModuleNotFound, "no DWARF data: "+err.Error())
	}

	var syms []symbolEntry
	if elfSyms, err := f.Symbols(); err == nil {
		for _, s := range elfSyms {
			if s.Name == "" || elf.ST_TYPE(s.Info) != elf.STT_FUNC {
				continue
			}
			syms = append(syms, symbolEntry{name: s.Name, addr: s.Value, size: s.Size})
		}
	}

	return &loader{data: d, syms: syms}, nil
}

func loadMachO(path string) (*loader, error) {
	f, err := macho.Open(path)
	if err != nil {
		return nil, errors.Wrap(ErrModuleNotFound, err.Error())
	}
	defer f.Close()

	d, err := f.DWARF()
	if err != nil {
		return nil, errors.Wrap(ErrModuleNotFound, "no DWARF data: "+err.Error())
	}

	var syms []symbolEntry
	if f.Symtab != nil {
		for _, s := range f.Symtab.Syms {
			if s.Name == "" {
				continue
			}
			syms = append(syms, symbolEntry{name: s.Name, addr: s.Value})
		}
	}

	return &loader{data: d, syms: syms}, nil
}

// findFrames returns the ordered, innermost-first location chain for
// ip: the concrete subprogram containing ip, preceded by any inlined
// subroutines nested inside it that also contain ip.
func (l *loader) findFrames(ip uint64) ([]Location, error) {
	entry, cu, err := l.entryForPC(ip)
	if err != nil {
		return nil, nil // not found: caller falls back to symbol lookup
	}

	inlined := l.inlinedChainForPC(entry, ip)

	var locs []Location
	for _, ie := range inlined {
		locs = append(locs, l.locationForInlined(ie, cu))
	}
	locs = append(locs, l.locationForSubprogram(entry, ip, cu))

	return locs, nil
}

// entryForPC scans every compile unit for a TagSubprogram entry whose
// [lowpc,highpc) range contains ip. Mirrors
// golang.org/x/debug/debug/dwarf/symbol.go's EntryForPC, which already
// performs this scan across the Data's single flat Reader (compile
// unit boundaries and all).
func (l *loader) entryForPC(ip uint64) (*dwarf.Entry, *dwarf.Entry, error) {
	r := l.data.Reader()
	var cu *dwarf.Entry
	for {
		entry, err := r.Next()
		if err != nil {
			return nil, nil, err
		}
		if entry == nil {
			break
		}
		if entry.Tag == dwarf.TagCompileUnit {
			cu = entry
		}
		if entry.Tag != dwarf.TagSubprogram {
			continue
		}
		lowpc, lok := entry.Val(dwarf.AttrLowpc).(uint64)
		highpc, hok := entryHighpc(entry, lowpc)
		if !lok || !hok || ip < lowpc || ip >= highpc {
			continue
		}
		return entry, cu, nil
	}
	return nil, nil, errors.Errorf("PC %#x not found", ip)
}

// entryHighpc resolves DW_AT_high_pc, which DWARF4+ encodes either as
// an absolute address or as an offset from low_pc depending on its
// attribute class.
func entryHighpc(entry *dwarf.Entry, lowpc uint64) (uint64, bool) {
	switch v := entry.Val(dwarf.AttrHighpc).(type) {
	case uint64:
		if v > lowpc {
			return v, true
		}
		return lowpc + v, true
	case int64:
		return lowpc + uint64(v), true
	default:
		return 0, false
	}
}

// inlinedChainForPC walks subprogram's children looking for
// TagInlinedSubroutine entries whose range contains ip. Each match is
// prepended as it is found, so the returned chain is already
// innermost-first and the caller appends it in order.
func (l *loader) inlinedChainForPC(subprogram *dwarf.Entry, ip uint64) []*dwarf.Entry {
	r := l.data.Reader()
	r.Seek(subprogram.Offset)
	r.Next() // skip the subprogram entry itself, land on its first child

	var chain []*dwarf.Entry
	depth := 0
	for {
		entry, err := r.Next()
		if err != nil || entry == nil {
			break
		}
		if entry.Tag == 0 { // end-of-children marker
			if depth == 0 {
				break
			}
			depth--
			continue
		}
		if entry.Children {
			depth++
		}
		if entry.Tag != dwarf.TagInlinedSubroutine {
			continue
		}
		lowpc, lok := entry.Val(dwarf.AttrLowpc).(uint64)
		highpc, hok := entryHighpc(entry, lowpc)
		if lok && hok && ip >= lowpc && ip < highpc {
			chain = append([]*dwarf.Entry{entry}, chain...)
		}
	}
	return chain
}

func (l *loader) locationForSubprogram(entry *dwarf.Entry, ip uint64, cu *dwarf.Entry) Location {
	name, _ := entry.Val(dwarf.AttrName).(string)
	file, line, ok := l.fileLineForPC(cu, ip)
	if !ok {
		return Location{FunctionName: name}
	}
	return Location{FunctionName: name, FileName: file, HasFileName: true, LineNumber: line}
}

func (l *loader) locationForInlined(entry *dwarf.Entry, cu *dwarf.Entry) Location {
	name := l.abstractOriginName(entry)
	callFile, fok := entry.Val(dwarf.AttrCallFile).(int64)
	callLine, lok := entry.Val(dwarf.AttrCallLine).(int64)
	if !fok || !lok {
		return Location{FunctionName: name}
	}
	file := l.fileName(cu, callFile)
	if file == "" {
		return Location{FunctionName: name}
	}
	return Location{FunctionName: name, FileName: file, HasFileName: true, LineNumber: uint32(callLine)}
}

func (l *loader) abstractOriginName(entry *dwarf.Entry) string {
	off, ok := entry.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset)
	if !ok {
		if name, ok := entry.Val(dwarf.AttrName).(string); ok {
			return name
		}
		return ""
	}
	r := l.data.Reader()
	r.Seek(off)
	e, err := r.Next()
	if err != nil || e == nil {
		return ""
	}
	name, _ := e.Val(dwarf.AttrName).(string)
	return name
}

// fileLineForPC finds the source file/line for ip using cu's line
// table, returning ok=false if no line-table entry covers ip (missing
// line numbers must survive, not error out).
func (l *loader) fileLineForPC(cu *dwarf.Entry, ip uint64) (string, uint32, bool) {
	if cu == nil {
		return "", 0, false
	}
	lr, err := l.data.LineReader(cu)
	if err != nil || lr == nil {
		return "", 0, false
	}

	var best dwarf.LineEntry
	found := false
	var entry dwarf.LineEntry
	for {
		err := lr.Next(&entry)
		if err != nil {
			break
		}
		if entry.EndSequence {
			continue
		}
		if entry.Address <= ip && (!found || entry.Address > best.Address) {
			best = entry
			found = true
		}
	}
	if !found || best.File == nil {
		return "", 0, false
	}
	return best.File.Name, uint32(best.Line), true
}

func (l *loader) fileName(cu *dwarf.Entry, fileIdx int64) string {
	lr, err := l.data.LineReader(cu)
	if err != nil || lr == nil {
		return ""
	}
	files := lr.Files()
	if fileIdx < 0 || int(fileIdx) >= len(files) || files[fileIdx] == nil {
		return ""
	}
	return files[fileIdx].Name
}

// findSymbol is the fallback used when no DWARF subprogram covers ip:
// the nearest preceding function symbol from the object's symbol
// table.
func (l *loader) findSymbol(ip uint64) (string, bool) {
	var best *symbolEntry
	for i := range l.syms {
		s := &l.syms[i]
		if s.addr > ip {
			continue
		}
		if s.size != 0 && ip >= s.addr+s.size {
			continue
		}
		if best == nil || s.addr > best.addr {
			best = s
		}
	}
	if best == nil {
		return "", false
	}
	return best.name, true
}
