package chirp

import (
	"context"
	"errors"
	"net"

	"github.com/google/uuid"

	"github.com/chirp-discovery/chirp/lib/events"
	"github.com/chirp-discovery/chirp/lib/svcutil"
)

// ErrAlreadyStarted is returned by Start if the Manager's receive loop has
// already been spawned once. Starting a Manager twice is a programming
// error, not a recoverable condition.
var ErrAlreadyStarted = errors.New("chirp: manager already started")

// Manager owns the registered and discovered service sets and the
// REQUEST/OFFER/LEAVING receive loop for one group/name pair. It is
// transport-agnostic: Transport does the actual sending and receiving of
// opaque datagrams, typically a lib/beacon.Interface.
type Manager struct {
	transport Transport
	group     string
	name      string
	groupHash Hash
	nameHash  Hash

	registered *registeredSet
	discovered *discoveredSet
	callbacks  *callbackRegistry

	events *events.Logger

	started bool
	done    chan struct{}
}

// Transport is what a Manager needs from its carrier: best-effort send of
// an assembled datagram, and a blocking receive of the next datagram with
// its source address. lib/beacon.Interface satisfies this directly. Recv
// must return a non-nil error, rather than block forever, once the
// transport has been shut down — this is how the receive loop gets
// unblocked without a self-addressed wakeup datagram.
type Transport interface {
	Send(data []byte)
	Recv() ([]byte, net.Addr, error)
}

// NewManager constructs a Manager for the given group and host name,
// carried over transport. The Manager starts idle; call Start to spawn its
// receive loop. evLog may be nil, in which case protocol events are
// discarded.
func NewManager(transport Transport, group, name string, evLog *events.Logger) *Manager {
	if evLog == nil {
		evLog = events.NewLogger()
	}
	return &Manager{
		transport:  transport,
		group:      group,
		name:       name,
		groupHash:  HashString(group),
		nameHash:   HashString(name),
		registered: newRegisteredSet(),
		discovered: newDiscoveredSet(),
		callbacks:  newCallbackRegistry(),
		events:     evLog,
		done:       make(chan struct{}),
	}
}

// Start spawns the receive loop in a new goroutine. Calling Start more than
// once returns ErrAlreadyStarted; the Manager does not attempt to be
// idempotent beyond rejecting the second call.
func (m *Manager) Start(ctx context.Context) error {
	if m.started {
		return ErrAlreadyStarted
	}
	m.started = true
	go m.run(ctx)
	return nil
}

// Group returns the group name this Manager was constructed with.
func (m *Manager) Group() string { return m.group }

// Name returns the host name this Manager was constructed with.
func (m *Manager) Name() string { return m.name }

// Done returns a channel closed once the receive loop has exited and the
// shutdown sweep has completed, mirroring the original implementation's
// run_thread_.join().
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Serve runs the receive loop inline and blocks until ctx is cancelled,
// then performs the shutdown sweep (emitting LEAVING for every still
// registered service) before returning. This is the suture.Service shape;
// Start is the fire-and-forget shape for callers that manage their own
// supervision.
func (m *Manager) Serve(ctx context.Context) error {
	if m.started {
		return ErrAlreadyStarted
	}
	m.started = true
	m.run(ctx)
	// run only returns once ctx is done, so this is always a clean
	// shutdown: tell suture not to bother restarting us.
	return svcutil.NoRestartErr(ctx.Err())
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	defer m.shutdownSweep()

	type inbound struct {
		data []byte
		src  net.Addr
	}
	rx := make(chan inbound)

	go func() {
		for {
			data, src, err := m.transport.Recv()
			if err != nil {
				// The transport has shut down (context cancelled, socket
				// closed, or a permanent failure). Either way there is
				// nothing more to receive.
				return
			}
			select {
			case rx <- inbound{data, src}:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case in := <-rx:
			m.handleDatagram(in.data, in.src)
		}
	}
}

// handleDatagram implements one iteration of the receive loop's state
// machine: parse, filter, dispatch. A DecodeError never interrupts the
// loop; it is logged at debug level and reported through the event hook,
// nothing more.
func (m *Manager) handleDatagram(data []byte, src net.Addr) {
	msg, err := Parse(data)
	if err != nil {
		l.Debugf("discarding malformed datagram from %v: %v", src, err)
		m.events.Log(events.MessageDecodeFailed, err)
		return
	}

	if !msg.GroupHash.Equals(m.groupHash) {
		return
	}
	if msg.NameHash.Equals(m.nameHash) {
		// Self-echo: our own broadcast looping back.
		return
	}

	d := DiscoveredService{
		Address:    src,
		NameHash:   msg.NameHash,
		Identifier: msg.Identifier,
		Port:       msg.Port,
	}

	switch msg.Type {
	case Request:
		m.registered.withIdentifier(d.Identifier, func(svc RegisteredService) {
			l.Debugf("replaying REQUEST from %v with OFFER for %v:%d", src, svc.Identifier, svc.Port)
			m.send(Offer, svc)
		})
	case Offer:
		if m.discovered.insert(d) {
			m.events.Log(events.PeerDiscovered, d)
			m.dispatch(d, false)
		}
	case Leaving:
		if m.discovered.erase(d) {
			m.events.Log(events.PeerDeparted, d)
			m.dispatch(d, true)
		}
	}
}

// dispatch copies a snapshot of the callback registry under its lock, then
// invokes each entry on its own goroutine after releasing every set lock.
// This is the detached-task design of the original implementation: a slow
// or re-entrant callback can never block the receive loop, and no two of
// the three leaf locks are ever held at once.
func (m *Manager) dispatch(d DiscoveredService, departing bool) {
	for _, entry := range m.callbacks.snapshot() {
		go entry.fn(d, departing, entry.user)
	}
}

// errorTransport is satisfied by lib/beacon.Interface; it is checked with a
// type assertion rather than added to Transport itself so a test double can
// implement the minimal two-method contract without also faking a transport
// error.
type errorTransport interface {
	Error() error
}

func (m *Manager) send(t MessageType, svc RegisteredService) {
	msg := Message{
		Type:       t,
		GroupHash:  m.groupHash,
		NameHash:   m.nameHash,
		Identifier: svc.Identifier,
		Port:       svc.Port,
	}
	m.transport.Send(Assemble(msg))
	if et, ok := m.transport.(errorTransport); ok {
		if err := et.Error(); err != nil {
			l.Debugf("send %v for %v:%d: transport reports %v", t, svc.Identifier, svc.Port, err)
		}
	}
}

// RegisterService adds service to the registered set. If it was not
// already present, an OFFER is broadcast and RegisterService returns true;
// otherwise it returns false and nothing is sent.
func (m *Manager) RegisterService(service RegisteredService) bool {
	inserted := m.registered.insert(service)
	if inserted {
		m.send(Offer, service)
		m.events.Log(events.ServiceOffered, withCorrelation(service))
	}
	return inserted
}

// UnregisterService removes service from the registered set. A LEAVING is
// broadcast, and UnregisterService returns true, only if the service was
// actually present.
func (m *Manager) UnregisterService(service RegisteredService) bool {
	removed := m.registered.erase(service)
	if removed {
		m.send(Leaving, service)
		m.events.Log(events.ServiceWithdrawn, withCorrelation(service))
	}
	return removed
}

// UnregisterServices removes every registered service, broadcasting
// LEAVING for each in the set's sorted order.
func (m *Manager) UnregisterServices() {
	for _, svc := range m.registered.clear() {
		m.send(Leaving, svc)
		m.events.Log(events.ServiceWithdrawn, withCorrelation(svc))
	}
}

// GetRegisteredServices returns an isolated snapshot of the registered
// set, in sorted order.
func (m *Manager) GetRegisteredServices() []RegisteredService {
	return m.registered.snapshot()
}

// GetDiscoveredServices returns an isolated snapshot of the discovered
// set, in sorted order.
func (m *Manager) GetDiscoveredServices() []DiscoveredService {
	return m.discovered.snapshot()
}

// RegisterDiscoverCallback adds (fn,user) to the callback registry,
// returning true iff it was newly inserted.
func (m *Manager) RegisterDiscoverCallback(fn DiscoverCallback, user any) bool {
	return m.callbacks.register(fn, user)
}

// UnregisterDiscoverCallback removes (fn,user) from the callback registry,
// returning true iff it was actually present.
func (m *Manager) UnregisterDiscoverCallback(fn DiscoverCallback, user any) bool {
	return m.callbacks.unregister(fn, user)
}

// UnregisterDiscoverCallbacks clears the callback registry entirely.
func (m *Manager) UnregisterDiscoverCallbacks() {
	m.callbacks.clear()
}

// shutdownSweep emits LEAVING for every still-registered service and
// clears the set. Per the protocol's shutdown contract, the application's
// own discover callbacks are never invoked here: departure notification is
// a property of the network, not of the local registration API.
func (m *Manager) shutdownSweep() {
	m.UnregisterServices()
}

type withCorrelationID struct {
	ID      uuid.UUID
	Service any
}

func withCorrelation(svc any) withCorrelationID {
	return withCorrelationID{ID: uuid.New(), Service: svc}
}
