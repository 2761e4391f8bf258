package beacon

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/chirp-discovery/chirp/lib/svcutil"
)

var addrToBcast = []struct {
	addr, bcast string
}{
	{"172.16.32.33/25", "172.16.32.127/25"},
	{"172.16.32.129/25", "172.16.32.255/25"},
	{"172.16.32.33/24", "172.16.32.255/24"},
	{"172.16.32.33/22", "172.16.35.255/22"},
	{"172.16.32.33/0", "255.255.255.255/0"},
	{"172.16.32.33/32", "172.16.32.33/32"},
}

func TestBroadcastAddr(t *testing.T) {
	for _, tc := range addrToBcast {
		_, ipnet, err := net.ParseCIDR(tc.addr)
		if err != nil {
			t.Fatal(err)
		}
		bc := bcast(ipnet).String()
		if bc != tc.bcast {
			t.Errorf("%q != %q", bc, tc.bcast)
		}
	}
}

func TestBroadcastLoopback(t *testing.T) {
	const port = 42027 // arbitrary, unlikely to collide with a running chirpd

	b := NewBroadcast(port, "")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- b.Serve(ctx) }()

	// Give the reader/writer goroutines a moment to bind their sockets
	// before we try to exchange anything over them.
	time.Sleep(50 * time.Millisecond)

	b.Send([]byte("hello"))

	recvCtx, recvCancel := context.WithTimeout(context.Background(), time.Second)
	defer recvCancel()

	type result struct {
		data []byte
		addr net.Addr
	}
	got := make(chan result, 1)
	go func() {
		data, addr, err := b.Recv()
		if err != nil {
			return
		}
		got <- result{data, addr}
	}()

	select {
	case r := <-got:
		if string(r.data) != "hello" {
			t.Errorf("got %q, want %q", r.data, "hello")
		}
	case <-recvCtx.Done():
		t.Skip("no broadcast-capable IPv4 interface available in this environment")
	}

	cancel()
	<-done
}

func TestBroadcastBadBindAddressIsFatal(t *testing.T) {
	b := NewBroadcast(42028, "not-an-ip")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := b.Serve(ctx)
	if !errors.Is(err, suture.ErrTerminateSupervisorTree) {
		t.Fatalf("Serve returned %v, want an error wrapping suture.ErrTerminateSupervisorTree", err)
	}
	var ferr *svcutil.FatalErr
	if !errors.As(err, &ferr) {
		t.Fatalf("Serve returned %v, want a *svcutil.FatalErr", err)
	}
}
