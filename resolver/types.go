// Package resolver implements the Symbol Resolver: it maps a runtime
// instruction pointer to a (module, ordered list of source locations)
// tuple by loading DWARF/debug info from the module on disk, handling
// inlined call chains and symbol-only fallback, with a per-IP cache.
// Grounded on golang.org/x/debug's debug/dwarf wrapper
// (debug/dwarf/symbol.go's linear PC-range scan) and
// internal/gocore/dwarf.go's DWARF-data loading pattern, generalized
// from "Go runtime heap introspection" to arbitrary native
// executables.
package resolver

// Location is one symbolicated source position. If FileName is
// present, LineNumber is always meaningful (0 is a valid "unknown
// line", never an absent one); if FileName is empty, the location is
// function-name-only.
type Location struct {
	FunctionName string
	FileName     string
	HasFileName  bool
	LineNumber   uint32
}

// LookupResult is what Lookup returns for a resolved IP: the owning
// module and an ordered, non-empty list of locations. The first
// Location is the innermost frame; any further entries are inlined
// call-site frames, in the same order the underlying frame iterator
// produced them.
type LookupResult struct {
	ModuleID  int
	Locations []Location
}

// Clone returns a deep copy of r, so cache hits never hand out a
// LookupResult a caller could mutate out from under the cache.
func (r LookupResult) Clone() LookupResult {
	locs := make([]Location, len(r.Locations))
	copy(locs, r.Locations)
	return LookupResult{ModuleID: r.ModuleID, Locations: locs}
}
