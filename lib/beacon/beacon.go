// Package beacon implements the UDP broadcast and IPv6 multicast transports
// CHIRP rides on. It knows nothing about the CHIRP wire format: it moves
// opaque byte slices between local peers and leaves interpreting them to
// lib/chirp.
package beacon

import (
	"context"
	"net"
	stdsync "sync"
	"time"

	"github.com/chirp-discovery/chirp/lib/svcutil"
	"github.com/thejerf/suture/v4"
)

type recv struct {
	data []byte
	src  net.Addr
}

// Interface is a transport that can send and receive whole CHIRP datagrams
// among peers on the local network. Implementations run as a suture.Service;
// Serve blocks until ctx is cancelled or the transport suffers an
// unrecoverable error.
//
// Recv blocks until a datagram arrives, Serve's context is cancelled, or
// the transport fails permanently; in the latter two cases it returns a
// non-nil error instead of blocking forever, which is how a caller's own
// receive loop gets unblocked at shutdown without needing a self-addressed
// wakeup datagram.
type Interface interface {
	suture.Service
	Send(data []byte)
	Recv() ([]byte, net.Addr, error)
	Error() error
}

type errorHolder struct {
	err error
	mut stdsync.Mutex // uses stdlib sync as I want this to be trivially embeddable, and there is no risk of blocking
}

func (e *errorHolder) setError(err error) {
	e.mut.Lock()
	e.err = err
	e.mut.Unlock()
}

func (e *errorHolder) Error() error {
	e.mut.Lock()
	err := e.err
	e.mut.Unlock()
	return err
}

// cast glues a reader half and a writer half of a transport together as two
// children of a suture.Supervisor, and exposes the combined thing as an
// Interface. It is the common scaffolding shared by NewBroadcast and
// NewMulticast: only the reader/writer functions differ between IPv4
// broadcast and IPv6 multicast.
type cast struct {
	errorHolder
	name   string
	sup    *suture.Supervisor
	inbox  chan []byte
	outbox chan recv
}

func newCast(name string) *cast {
	c := &cast{
		name: name,
		sup: suture.New(name, suture.Spec{
			// Don't retry too frenetically: an error to open a socket is
			// usually either permanent or takes a while to get resolved.
			FailureThreshold: 2,
			FailureBackoff:   60 * time.Second,
			EventHook: func(e suture.Event) {
				l.Debugln(name, e)
			},
		}),
		inbox:  make(chan []byte),
		outbox: make(chan recv, 16),
	}
	return c
}

// addReader registers a function that reads datagrams into c.outbox until
// ctx is cancelled or it hits an unrecoverable error.
func (c *cast) addReader(fn func(ctx context.Context) error) {
	svc := svcutil.AsService(fn, c.name+"/reader")
	c.sup.Add(svc)
}

// addWriter registers a function that drains c.inbox and sends datagrams
// until ctx is cancelled or it hits an unrecoverable error.
func (c *cast) addWriter(fn func(ctx context.Context) error) {
	svc := svcutil.AsService(fn, c.name+"/writer")
	c.sup.Add(svc)
}

func (c *cast) Serve(ctx context.Context) error {
	err := c.sup.Serve(ctx)
	c.setError(err)
	// Unblock any Recv call still waiting on outbox now that nothing will
	// ever feed it again.
	close(c.outbox)
	if ctx.Err() != nil {
		// A clean shutdown by context cancellation is not a failure a
		// parent supervisor should react to by restarting us.
		return svcutil.NoRestartErr(err)
	}
	return err
}

func (c *cast) Send(data []byte) {
	c.inbox <- data
}

func (c *cast) Recv() ([]byte, net.Addr, error) {
	r, ok := <-c.outbox
	if !ok {
		if err := c.Error(); err != nil {
			return nil, nil, err
		}
		return nil, nil, context.Canceled
	}
	return r.data, r.src, nil
}
