package resolver

import "sort"

// rangeMap is a non-overlapping half-open interval map [start,end) ->
// *Module with point lookup, realized as a sorted slice plus binary
// search (spec §9: module counts are small -- tens, not the millions
// of pages golang.org/x/debug/core's page-table lookup handles -- so a
// balanced tree buys nothing here).
type rangeMap struct {
	entries []*Module // kept sorted by Start
}

// insert adds m's range to the map. Overlapping inserts are the
// caller's responsibility to avoid (spec §4.4: "undefined behavior if
// called with overlaps"); insert does not check for overlap.
func (rm *rangeMap) insert(m *Module) {
	i := sort.Search(len(rm.entries), func(i int) bool {
		return rm.entries[i].Start >= m.Start
	})
	rm.entries = append(rm.entries, nil)
	copy(rm.entries[i+1:], rm.entries[i:])
	rm.entries[i] = m
}

// lookup returns the module whose [Start,End) range contains ip, or
// nil if none does.
func (rm *rangeMap) lookup(ip uint64) *Module {
	i := sort.Search(len(rm.entries), func(i int) bool {
		return rm.entries[i].Start > ip
	})
	if i == 0 {
		return nil
	}
	m := rm.entries[i-1]
	if ip >= m.Start && ip < m.End {
		return m
	}
	return nil
}
