package resolver

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// frameResolver is the subset of *loader's behavior Resolver depends
// on, broken out so tests can substitute a fake module without a real
// on-disk debug image.
type frameResolver interface {
	findFrames(ip uint64) ([]Location, error)
	findSymbol(ip uint64) (string, bool)
}

// Resolver maps a runtime instruction pointer to a LookupResult. It is
// single-threaded, owns its modules and loader handles, and caches
// results by value so repeated lookups of a hot IP never re-pay DWARF
// cost (spec §4.4: "Caching is mandatory").
type Resolver struct {
	modules   rangeMap
	loaders   map[uint64]frameResolver // keyed by module start address
	cache     map[uint64]LookupResult
	demangle  Demangler
	latencies prometheus.Observer // optional; nil-safe
}

// Option configures a Resolver at construction time.
type Option func(*Resolver)

// WithDemangler overrides the default Itanium demangler.
func WithDemangler(d Demangler) Option {
	return func(r *Resolver) { r.demangle = d }
}

// WithLookupLatencyObserver records each non-cached Lookup's wall time,
// wiring internal/metrics' resolver-latency histogram (see
// SPEC_FULL.md's Domain Stack section) without making the Resolver
// depend on the metrics package directly.
func WithLookupLatencyObserver(obs prometheus.Observer) Option {
	return func(r *Resolver) { r.latencies = obs }
}

// New returns an empty Resolver.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		loaders:  make(map[uint64]frameResolver),
		cache:    make(map[uint64]LookupResult),
		demangle: DefaultDemangler,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddModule registers a module's address range and opens its debug
// image. On failure the module is NOT registered and ErrModuleNotFound
// is returned; the caller (the Interpreter, per spec §4.3) tolerates
// this silently and the module will simply be unresolvable later.
func (r *Resolver) AddModule(id int, path string, start, size uint64) error {
	ld, err := openLoader(path)
	if err != nil {
		return err
	}
	r.addModule(id, path, start, size, ld)
	return nil
}

func (r *Resolver) addModule(id int, path string, start, size uint64, ld frameResolver) {
	r.loaders[start] = ld
	r.modules.insert(&Module{ID: id, Path: path, Start: start, End: start + size})
}

// Lookup resolves ip to a module and ordered location chain, or
// reports false if ip falls outside every registered module.
func (r *Resolver) Lookup(ip uint64) (LookupResult, bool) {
	if cached, ok := r.cache[ip]; ok {
		return cached.Clone(), true
	}

	module := r.modules.lookup(ip)
	if module == nil {
		return LookupResult{}, false
	}
	ld, ok := r.loaders[module.Start]
	if !ok {
		return LookupResult{}, false
	}

	start := time.Now()
	locs, found := r.resolve(ld, ip)
	if r.latencies != nil {
		r.latencies.Observe(time.Since(start).Seconds())
	}
	if !found {
		return LookupResult{}, false
	}

	result := LookupResult{ModuleID: module.ID, Locations: locs}
	r.cache[ip] = result
	return result.Clone(), true
}

// resolve implements the module lookup contract in spec §4.4 step 3-4:
// try inline-frame iteration first, fall back to a single symbol-table
// location if no DWARF subprogram covers ip.
func (r *Resolver) resolve(ld frameResolver, ip uint64) ([]Location, bool) {
	locs, err := ld.findFrames(ip)
	if err == nil && len(locs) > 0 {
		for i := range locs {
			locs[i].FunctionName = r.demangle(locs[i].FunctionName)
		}
		return locs, true
	}

	name, ok := ld.findSymbol(ip)
	if !ok {
		return nil, false
	}
	return []Location{{FunctionName: r.demangle(name)}}, true
}
