package chirp

import (
	"reflect"

	"github.com/chirp-discovery/chirp/lib/sync"
)

// DiscoverCallback is invoked once per state transition of a given
// DiscoveredService: departing is false when the service was just
// discovered, true when it just left. user is the opaque value the
// callback was registered with.
//
// Go func values are not comparable, so the registry identifies fn by its
// code pointer (reflect.Value.Pointer). Every closure created from the same
// function literal, and every method value of the same method, shares one
// code pointer and therefore one identity, whatever it captures or is
// bound to; such callbacks are told apart only by user. user must also be
// comparable; a pointer or an interface wrapping a comparable value both
// work.
type DiscoverCallback func(service DiscoveredService, departing bool, user any)

// CallbackEntry is a registered (fn,user) pair. A given pair may be
// registered at most once; re-registering it is a no-op.
type CallbackEntry struct {
	fn   DiscoverCallback
	user any
}

type callbackKey struct {
	fn   uintptr
	user any
}

// callbackRegistry is a mutex-guarded set of CallbackEntry, keyed by
// (fn,user) identity. Dispatch is not a registry operation: callers take
// the lock, copy a snapshot, release the lock, and invoke entries
// themselves — see Manager.dispatch.
type callbackRegistry struct {
	mut     sync.Mutex
	entries map[callbackKey]CallbackEntry
}

func newCallbackRegistry() *callbackRegistry {
	return &callbackRegistry{
		mut:     sync.NewMutex(),
		entries: make(map[callbackKey]CallbackEntry),
	}
}

func keyOf(fn DiscoverCallback, user any) callbackKey {
	return callbackKey{fn: reflect.ValueOf(fn).Pointer(), user: user}
}

// register adds (fn,user) if not already present, returning true iff it
// was newly inserted.
func (r *callbackRegistry) register(fn DiscoverCallback, user any) bool {
	r.mut.Lock()
	defer r.mut.Unlock()

	k := keyOf(fn, user)
	if _, ok := r.entries[k]; ok {
		return false
	}
	r.entries[k] = CallbackEntry{fn: fn, user: user}
	return true
}

// unregister removes (fn,user) if present, returning true iff it was
// actually removed.
func (r *callbackRegistry) unregister(fn DiscoverCallback, user any) bool {
	r.mut.Lock()
	defer r.mut.Unlock()

	k := keyOf(fn, user)
	if _, ok := r.entries[k]; !ok {
		return false
	}
	delete(r.entries, k)
	return true
}

// clear removes every registered entry.
func (r *callbackRegistry) clear() {
	r.mut.Lock()
	defer r.mut.Unlock()

	r.entries = make(map[callbackKey]CallbackEntry)
}

// snapshot returns a copy of the currently registered entries, taken under
// the registry lock and safe to iterate without it.
func (r *callbackRegistry) snapshot() []CallbackEntry {
	r.mut.Lock()
	defer r.mut.Unlock()

	out := make([]CallbackEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}
