package resolver

// Module is a loaded object file's identity and address range, keyed
// by a half-open range: ranges registered do not overlap; end =
// start+size.
type Module struct {
	ID    int
	Path  string
	Start uint64
	End   uint64
}
