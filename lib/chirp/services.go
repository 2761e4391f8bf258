package chirp

import (
	"net"
	"sort"

	"github.com/chirp-discovery/chirp/lib/sync"
)

// RegisteredService is a service this Manager advertises under its own
// group and name. Group and name are process-wide properties of the
// Manager, not fields here: the same {identifier,port} pair registered by
// two different Managers is two distinct services on the wire.
type RegisteredService struct {
	Identifier ServiceIdentifier
	Port       uint16
}

// Less orders first by identifier tag, then by port, matching the wire
// order in which a REQUEST replay walks the registered set.
func (s RegisteredService) Less(other RegisteredService) bool {
	if s.Identifier != other.Identifier {
		return s.Identifier < other.Identifier
	}
	return s.Port < other.Port
}

// DiscoveredService is a remote peer's service as observed on the wire.
// Address is deliberately excluded from comparison: the same peer may be
// reachable via more than one source address, and a service is deduped by
// who/what/port, not by network path.
type DiscoveredService struct {
	Address    net.Addr
	NameHash   Hash
	Identifier ServiceIdentifier
	Port       uint16
}

// Less orders by name hash, then identifier tag, then port. Address never
// participates.
func (s DiscoveredService) Less(other DiscoveredService) bool {
	if c := s.NameHash.Compare(other.NameHash); c != 0 {
		return c < 0
	}
	if s.Identifier != other.Identifier {
		return s.Identifier < other.Identifier
	}
	return s.Port < other.Port
}

// Equal reports equality under the same fields Less compares: everything
// but Address.
func (s DiscoveredService) Equal(other DiscoveredService) bool {
	return s.NameHash.Equals(other.NameHash) && s.Identifier == other.Identifier && s.Port == other.Port
}

// registeredSet is a mutex-guarded ordered set of RegisteredService,
// sorted as defined by RegisteredService.Less. Its lock is a leaf lock in
// the sense that no method takes another set's lock while holding it, but
// withIdentifier runs its callback with the lock held, and the REQUEST
// replay path sends OFFERs from that callback.
type registeredSet struct {
	mut   sync.Mutex
	items []RegisteredService
}

func newRegisteredSet() *registeredSet {
	return &registeredSet{mut: sync.NewMutex()}
}

func (s *registeredSet) search(v RegisteredService) int {
	return sort.Search(len(s.items), func(i int) bool {
		return !s.items[i].Less(v)
	})
}

// insert adds v if not already present, returning true iff it was newly
// inserted.
func (s *registeredSet) insert(v RegisteredService) bool {
	s.mut.Lock()
	defer s.mut.Unlock()

	i := s.search(v)
	if i < len(s.items) && s.items[i] == v {
		return false
	}
	s.items = append(s.items, RegisteredService{})
	copy(s.items[i+1:], s.items[i:])
	s.items[i] = v
	return true
}

// erase removes v if present, returning true iff it was actually removed.
func (s *registeredSet) erase(v RegisteredService) bool {
	s.mut.Lock()
	defer s.mut.Unlock()

	i := s.search(v)
	if i >= len(s.items) || s.items[i] != v {
		return false
	}
	s.items = append(s.items[:i], s.items[i+1:]...)
	return true
}

// snapshot returns an isolated copy of the set's contents, in sorted
// order.
func (s *registeredSet) snapshot() []RegisteredService {
	s.mut.Lock()
	defer s.mut.Unlock()

	out := make([]RegisteredService, len(s.items))
	copy(out, s.items)
	return out
}

// clear empties the set and returns what it held, in sorted order, for the
// caller to emit LEAVING on its way out.
func (s *registeredSet) clear() []RegisteredService {
	s.mut.Lock()
	defer s.mut.Unlock()

	out := s.items
	s.items = nil
	return out
}

// withIdentifier calls fn for every registered service matching id, with
// the set's lock held for the duration — this is the REQUEST replay path,
// where the original implementation holds registered_mu across the
// SendBroadcast calls because the transport never calls back into the
// Manager.
func (s *registeredSet) withIdentifier(id ServiceIdentifier, fn func(RegisteredService)) {
	s.mut.Lock()
	defer s.mut.Unlock()

	for _, svc := range s.items {
		if svc.Identifier == id {
			fn(svc)
		}
	}
}

// discoveredSet is a mutex-guarded ordered set of DiscoveredService,
// sorted as defined by DiscoveredService.Less/Equal (ignoring Address).
type discoveredSet struct {
	mut   sync.Mutex
	items []DiscoveredService
}

func newDiscoveredSet() *discoveredSet {
	return &discoveredSet{mut: sync.NewMutex()}
}

func (s *discoveredSet) search(v DiscoveredService) int {
	return sort.Search(len(s.items), func(i int) bool {
		return !s.items[i].Less(v)
	})
}

// insert adds v if no equal entry (ignoring Address) is already present,
// returning true iff it was newly inserted.
func (s *discoveredSet) insert(v DiscoveredService) bool {
	s.mut.Lock()
	defer s.mut.Unlock()

	i := s.search(v)
	if i < len(s.items) && s.items[i].Equal(v) {
		return false
	}
	s.items = append(s.items, DiscoveredService{})
	copy(s.items[i+1:], s.items[i:])
	s.items[i] = v
	return true
}

// erase removes the entry equal to v (ignoring Address) if present,
// returning true iff it was actually removed.
func (s *discoveredSet) erase(v DiscoveredService) bool {
	s.mut.Lock()
	defer s.mut.Unlock()

	i := s.search(v)
	if i >= len(s.items) || !s.items[i].Equal(v) {
		return false
	}
	s.items = append(s.items[:i], s.items[i+1:]...)
	return true
}

// snapshot returns an isolated copy of the set's contents, in sorted
// order.
func (s *discoveredSet) snapshot() []DiscoveredService {
	s.mut.Lock()
	defer s.mut.Unlock()

	out := make([]DiscoveredService, len(s.items))
	copy(out, s.items)
	return out
}
