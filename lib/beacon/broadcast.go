package beacon

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/chirp-discovery/chirp/lib/svcutil"
)

// NewBroadcast returns a beacon.Interface that carries CHIRP datagrams over
// IPv4 broadcast on the given UDP port, sending to the directed-broadcast
// address of every global-unicast IPv4 interface (falling back to
// 255.255.255.255 if none is found). bindAddress restricts the listening
// socket to one local address; "" and "0.0.0.0" both mean "every interface".
func NewBroadcast(port int, bindAddress string) Interface {
	c := newCast("broadcastBeacon")
	c.addReader(func(ctx context.Context) error {
		return readBroadcasts(ctx, c.outbox, port, bindAddress)
	})
	c.addWriter(func(ctx context.Context) error {
		return writeBroadcasts(ctx, c.inbox, port)
	})
	return c
}

// parseBindAddress resolves bindAddress to an IP to listen on, treating ""
// and "0.0.0.0" as "every interface". An address that fails to parse is a
// permanent misconfiguration, not a transient failure, so it is reported as
// a svcutil.FatalErr: retrying readBroadcasts will never fix a bad string.
func parseBindAddress(bindAddress string) (net.IP, error) {
	if bindAddress == "" || bindAddress == "0.0.0.0" {
		return nil, nil
	}
	ip := net.ParseIP(bindAddress)
	if ip == nil {
		return nil, svcutil.AsFatalErr(fmt.Errorf("beacon: invalid bind address %q", bindAddress), svcutil.ExitError)
	}
	return ip, nil
}

func readBroadcasts(ctx context.Context, outbox chan<- recv, port int, bindAddress string) error {
	ip, err := parseBindAddress(bindAddress)
	if err != nil {
		return err
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ip, Port: port})
	if err != nil {
		l.Warnln("Local discovery over IPv4 unavailable:", err)
		return err
	}
	doneCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-doneCtx.Done()
		conn.Close()
	}()

	bs := make([]byte, 65536)
	for {
		n, addr, err := conn.ReadFrom(bs)
		if err != nil {
			select {
			case <-doneCtx.Done():
				return doneCtx.Err()
			default:
				l.Infoln("Local discovery (broadcast reader):", err)
				return err
			}
		}

		l.Debugf("recv %d bytes from %s", n, addr)

		c := make([]byte, n)
		copy(c, bs)
		select {
		case outbox <- recv{c, addr}:
		default:
			l.Debugln("dropping message")
		}
	}
}

func writeBroadcasts(ctx context.Context, inbox <-chan []byte, port int) error {
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		l.Warnln("Local discovery over IPv4 unavailable:", err)
		return err
	}
	doneCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-doneCtx.Done()
		conn.Close()
	}()

	for {
		var bs []byte
		select {
		case bs = <-inbox:
		case <-doneCtx.Done():
			return doneCtx.Err()
		}

		addrs, err := net.InterfaceAddrs()
		if err != nil {
			l.Debugln("Local discovery (broadcast writer):", err)
			continue
		}

		var dsts []net.IP
		for _, addr := range addrs {
			if iaddr, ok := addr.(*net.IPNet); ok && len(iaddr.IP) >= 4 && iaddr.IP.IsGlobalUnicast() && iaddr.IP.To4() != nil {
				baddr := bcast(iaddr)
				dsts = append(dsts, baddr.IP)
			}
		}

		if len(dsts) == 0 {
			// Fall back to the general IPv4 broadcast address.
			dsts = append(dsts, net.IP{0xff, 0xff, 0xff, 0xff})
		}

		l.Debugln("addresses:", dsts)

		var sendErr *multierror.Error
		success := 0
		for _, ip := range dsts {
			dst := &net.UDPAddr{IP: ip, Port: port}

			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			_, err := conn.WriteTo(bs, dst)
			conn.SetWriteDeadline(time.Time{})

			if err != nil {
				sendErr = multierror.Append(sendErr, err)
				l.Debugln(err, "on write to", dst)
				continue
			}

			l.Debugf("sent %d bytes to %s", len(bs), dst)
			success++
		}

		// Only treat this as fatal if every single interface failed; one
		// bad interface among several good ones is not worth restarting
		// the writer for.
		if success == 0 && sendErr != nil {
			return sendErr.ErrorOrNil()
		}

		select {
		case <-doneCtx.Done():
			return doneCtx.Err()
		default:
		}
	}
}

// bcast computes the directed-broadcast address of an interface's local
// address/netmask pair, e.g. 192.168.1.4/24 -> 192.168.1.255.
func bcast(ip *net.IPNet) *net.IPNet {
	bc := &net.IPNet{}
	bc.IP = make([]byte, len(ip.IP))
	copy(bc.IP, ip.IP)
	bc.Mask = ip.Mask

	offset := len(bc.IP) - len(bc.Mask)
	for i := range bc.IP {
		if i-offset >= 0 {
			bc.IP[i] = ip.IP[i] | ^ip.Mask[i-offset]
		}
	}
	return bc
}
