// Package splitptr implements the sparse live-pointer table the
// Interpreter uses to track in-flight allocations. Pointers in a traced
// process's address space are 64-bit and sparse but spatially
// clustered, so a two-level split keeps lookups and removals cheap
// without paying hashing cost on every free, mirroring the page-table
// style lookup golang.org/x/debug/core uses for its own sparse address
// space (core/mapping.go's findMapping), generalized here to a much
// coarser, dynamically sized bucket scheme since the table must track
// arbitrary live pointers rather than a bounded set of OS mappings.
package splitptr

// PageSize is the bucket width used to split a pointer into a (big,
// small) pair. u16::MAX / 4 in the original implementation; kept
// verbatim for wire/behavioral compatibility even though it is not a
// power of two.
const PageSize = 0xFFFF / 4

type bucket struct {
	small []uint16
	idx   []int
}

// Table is a live ptr -> allocation-info-index map, split into buckets
// keyed by ptr/PageSize so that a free only ever does a linear scan
// over the handful of pointers sharing that bucket.
type Table struct {
	buckets map[uint64]*bucket
}

// New returns an empty Table.
func New() *Table {
	return &Table{buckets: make(map[uint64]*bucket)}
}

func split(ptr uint64) (big uint64, small uint16) {
	return ptr / PageSize, uint16(ptr % PageSize)
}

// Insert records ptr -> idx, overwriting any existing entry for ptr.
func (t *Table) Insert(ptr uint64, idx int) {
	big, small := split(ptr)

	b, ok := t.buckets[big]
	if !ok {
		b = &bucket{}
		t.buckets[big] = b
	}

	for i, s := range b.small {
		if s == small {
			b.idx[i] = idx
			return
		}
	}

	b.small = append(b.small, small)
	b.idx = append(b.idx, idx)
}

// Take removes ptr from the table and returns its allocation-info
// index, or (0, false) if ptr was never inserted (or already taken).
func (t *Table) Take(ptr uint64) (int, bool) {
	big, small := split(ptr)

	b, ok := t.buckets[big]
	if !ok {
		return 0, false
	}

	pos := -1
	for i, s := range b.small {
		if s == small {
			pos = i
			break
		}
	}
	if pos < 0 {
		return 0, false
	}

	idx := b.idx[pos]

	last := len(b.small) - 1
	b.small[pos] = b.small[last]
	b.idx[pos] = b.idx[last]
	b.small = b.small[:last]
	b.idx = b.idx[:last]

	if len(b.small) == 0 {
		delete(t.buckets, big)
	}

	return idx, true
}
