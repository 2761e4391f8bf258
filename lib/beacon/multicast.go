package beacon

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/net/ipv6"

	"github.com/chirp-discovery/chirp/lib/svcutil"
)

// NewMulticast returns a beacon.Interface that carries CHIRP datagrams over
// IPv6 multicast to addr (e.g. "[ff12::1234]:21027"), joining the group on
// every multicast-capable interface it can reach.
func NewMulticast(addr string) Interface {
	c := newCast("multicastBeacon")
	c.addReader(func(ctx context.Context) error {
		return readMulticasts(ctx, c.outbox, addr)
	})
	c.addWriter(func(ctx context.Context) error {
		return writeMulticasts(ctx, c.inbox, addr)
	})
	return c
}

// resolveGroup resolves addr to the multicast group to join or send to. A
// malformed addr is a permanent misconfiguration rather than a transient
// network condition, so it is reported as a svcutil.FatalErr: suture
// restarting readMulticasts/writeMulticasts will never make a bad string
// parse.
func resolveGroup(addr string) (*net.UDPAddr, error) {
	gaddr, err := net.ResolveUDPAddr("udp6", addr)
	if err != nil {
		return nil, svcutil.AsFatalErr(fmt.Errorf("beacon: resolving multicast group %q: %w", addr, err), svcutil.ExitError)
	}
	return gaddr, nil
}

// multicastInterfaces returns the interfaces a multicast join or send
// should be attempted on: up, and multicast-capable.
func multicastInterfaces() ([]net.Interface, error) {
	all, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var usable []net.Interface
	for _, intf := range all {
		if intf.Flags&net.FlagUp != 0 && intf.Flags&net.FlagMulticast != 0 {
			usable = append(usable, intf)
		}
	}
	return usable, nil
}

func readMulticasts(ctx context.Context, outbox chan<- recv, addr string) error {
	gaddr, err := resolveGroup(addr)
	if err != nil {
		return err
	}

	conn, err := net.ListenPacket("udp6", addr)
	if err != nil {
		l.Warnln("Local discovery over IPv6 unavailable:", err)
		return err
	}
	doneCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-doneCtx.Done()
		conn.Close()
	}()

	pconn := ipv6.NewPacketConn(conn)
	if err := joinAllGroups(pconn, gaddr); err != nil {
		return err
	}

	bs := make([]byte, 65536)
	for {
		select {
		case <-doneCtx.Done():
			return doneCtx.Err()
		default:
		}

		n, _, src, err := pconn.ReadFrom(bs)
		if err != nil {
			select {
			case <-doneCtx.Done():
				return doneCtx.Err()
			default:
				l.Infoln("Local discovery (multicast reader):", err)
				return err
			}
		}

		l.Debugf("recv %d bytes from %s", n, src)

		c := make([]byte, n)
		copy(c, bs)
		select {
		case outbox <- recv{c, src}:
		default:
			l.Debugln("dropping message")
		}
	}
}

// joinAllGroups joins gaddr's group on every usable interface, tolerating
// per-interface failures (a link without an IPv6 configuration, say) as
// long as at least one interface succeeds. Joining on zero interfaces
// means readMulticasts could never receive anything, which is as fatal as
// a bad address.
func joinAllGroups(pconn *ipv6.PacketConn, gaddr *net.UDPAddr) error {
	intfs, err := multicastInterfaces()
	if err != nil {
		return err
	}

	var joinErr *multierror.Error
	joined := 0
	for _, intf := range intfs {
		if err := pconn.JoinGroup(&intf, &net.UDPAddr{IP: gaddr.IP}); err != nil {
			joinErr = multierror.Append(joinErr, fmt.Errorf("%s: %w", intf.Name, err))
			continue
		}
		l.Debugln("joined IPv6 multicast group on", intf.Name)
		joined++
	}

	if joined == 0 {
		err := fmt.Errorf("beacon: no interface could join %v", gaddr)
		if joinErr != nil {
			err = fmt.Errorf("%w (%v)", err, joinErr.ErrorOrNil())
		}
		return svcutil.AsFatalErr(err, svcutil.ExitError)
	}
	return nil
}

func writeMulticasts(ctx context.Context, inbox <-chan []byte, addr string) error {
	gaddr, err := resolveGroup(addr)
	if err != nil {
		return err
	}

	conn, err := net.ListenPacket("udp6", ":0")
	if err != nil {
		l.Warnln("Local discovery over IPv6 unavailable:", err)
		return err
	}
	doneCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-doneCtx.Done()
		conn.Close()
	}()

	pconn := ipv6.NewPacketConn(conn)
	for {
		var bs []byte
		select {
		case bs = <-inbox:
		case <-doneCtx.Done():
			return doneCtx.Err()
		}

		if err := sendToAllInterfaces(pconn, gaddr, bs); err != nil {
			return err
		}

		select {
		case <-doneCtx.Done():
			return doneCtx.Err()
		default:
		}
	}
}

// sendToAllInterfaces writes bs to gaddr once per usable interface,
// returning an error only when every attempt failed; one interface without
// a route to the group among several good ones isn't worth restarting the
// writer for.
func sendToAllInterfaces(pconn *ipv6.PacketConn, gaddr *net.UDPAddr, bs []byte) error {
	intfs, err := multicastInterfaces()
	if err != nil {
		return err
	}

	wcm := &ipv6.ControlMessage{HopLimit: 1}
	var sendErr *multierror.Error
	success := 0
	for _, intf := range intfs {
		wcm.IfIndex = intf.Index

		pconn.SetWriteDeadline(time.Now().Add(time.Second))
		_, err := pconn.WriteTo(bs, wcm, gaddr)
		pconn.SetWriteDeadline(time.Time{})

		if err != nil {
			sendErr = multierror.Append(sendErr, fmt.Errorf("%s: %w", intf.Name, err))
			continue
		}

		l.Debugf("sent %d bytes to %v on %s", len(bs), gaddr, intf.Name)
		success++
	}

	if success == 0 && sendErr != nil {
		return sendErr.ErrorOrNil()
	}
	return nil
}
