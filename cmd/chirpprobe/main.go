// Command chirpprobe listens for CHIRP datagrams on the wire and prints
// them, optionally sending its own REQUEST or OFFER to lure out peers
// faster. It speaks the wire codec directly rather than going through a
// Manager, so it can show traffic a Manager would normally filter out
// (self-echoes, duplicate OFFERs, unknown groups).
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/chirp-discovery/chirp/lib/beacon"
	"github.com/chirp-discovery/chirp/lib/chirp"
)

var (
	group    = "default"
	name     = "chirpprobe"
	identify = chirp.Control
	port     = 0
	mc       = "[ff12::8385]:21027"
	bc       = 21027
	send     = ""
	all      = false
)

func main() {
	flag.StringVar(&group, "group", group, "Group to probe")
	flag.StringVar(&name, "name", name, "Name hashed into outgoing messages")
	flag.IntVar(&port, "service-port", port, "Port to advertise when -send=offer")
	flag.StringVar(&mc, "mc", mc, "IPv6 multicast address")
	flag.IntVar(&bc, "bc", bc, "IPv4 broadcast port number")
	flag.StringVar(&send, "send", send, "Send a message once a second: \"request\", \"offer\", or \"\" to only listen")
	flag.BoolVar(&all, "all", all, "Print every message, not just the first from each source")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runBeacon(ctx, beacon.NewMulticast(mc))
	runBeacon(ctx, beacon.NewBroadcast(bc, ""))

	<-ctx.Done()
}

func runBeacon(ctx context.Context, b beacon.Interface) {
	go func() {
		if err := b.Serve(ctx); err != nil && ctx.Err() == nil {
			log.Println("beacon exited:", err)
		}
	}()
	go recv(b)
	if send != "" {
		go sendLoop(ctx, b)
	}
}

// recv prints the first CHIRP datagram it parses from each group, name and
// source (every one with -all), and logs the decode error for anything it
// can't parse.
func recv(b beacon.Interface) {
	seen := make(map[string]bool)
	for {
		data, src, err := b.Recv()
		if err != nil {
			return
		}

		msg, err := chirp.Parse(data)
		if err != nil {
			log.Printf("malformed datagram from %v: %v", src, err)
			continue
		}

		key := msg.GroupHash.String() + msg.NameHash.String() + src.String()
		if all || !seen[key] {
			log.Printf("%v from %v: group=%v name=%v identifier=%v port=%d",
				msg.Type, src, msg.GroupHash, msg.NameHash, msg.Identifier, msg.Port)
			seen[key] = true
		}
	}
}

// sendLoop transmits the configured message once a second, so a peer on
// the wire that would otherwise only announce itself sporadically gets
// lured out faster.
func sendLoop(ctx context.Context, b beacon.Interface) {
	msgType := chirp.Request
	if send == "offer" {
		msgType = chirp.Offer
	}

	msg := chirp.Message{
		Type:       msgType,
		GroupHash:  chirp.HashString(group),
		NameHash:   chirp.HashString(name),
		Identifier: identify,
		Port:       uint16(port),
	}
	data := chirp.Assemble(msg)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		b.Send(data)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
