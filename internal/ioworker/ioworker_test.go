package ioworker

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"
)

// fakePacketConn is an in-memory PacketConn: writes loop back onto a peer's
// inbound queue, keyed by address, so tests exercise AllocationWorker and
// PumpClientSocket without binding real sockets.
type fakePacketConn struct {
	mu     sync.Mutex
	inbox  chan fakeDatagram
	closed bool
	sent   []fakeDatagram
}

type fakeDatagram struct {
	data []byte
	addr net.Addr
}

func newFakePacketConn() *fakePacketConn {
	return &fakePacketConn{inbox: make(chan fakeDatagram, 16)}
}

func (f *fakePacketConn) deliver(data []byte, from net.Addr) {
	f.inbox <- fakeDatagram{data: data, addr: from}
}

func (f *fakePacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	dg, ok := <-f.inbox
	if !ok {
		return 0, nil, net.ErrClosed
	}
	n := copy(p, dg.data)
	return n, dg.addr, nil
}

func (f *fakePacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, net.ErrClosed
	}
	data := make([]byte, len(p))
	copy(data, p)
	f.sent = append(f.sent, fakeDatagram{data: data, addr: addr})
	return len(p), nil
}

func (f *fakePacketConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.inbox)
	return nil
}

type fakeDialer struct {
	conn *fakePacketConn
}

func (d fakeDialer) ListenUDP(family string, port uint16) (PacketConn, error) {
	return d.conn, nil
}

func TestAllocationWorker_PumpsInboundToRelayChannel(t *testing.T) {
	t.Parallel()

	conn := newFakePacketConn()
	dialer := fakeDialer{conn: conn}
	relayInput := make(chan RelayInput, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := NewAllocationWorker(ctx, dialer, 42, "v4", 49200, relayInput)
	if err != nil {
		t.Fatalf("NewAllocationWorker: %v", err)
	}
	defer w.Close()

	peerAddr := &net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 5000}
	conn.deliver([]byte("pong"), peerAddr)

	select {
	case in := <-relayInput:
		if in.Allocation != 42 {
			t.Errorf("allocation id: got %d, want 42", in.Allocation)
		}
		if string(in.Data) != "pong" {
			t.Errorf("data: got %q, want %q", in.Data, "pong")
		}
		if in.Sender.Port() != 5000 {
			t.Errorf("sender port: got %d, want 5000", in.Sender.Port())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for RelayInput")
	}
}

func TestAllocationWorker_Send(t *testing.T) {
	t.Parallel()

	conn := newFakePacketConn()
	dialer := fakeDialer{conn: conn}
	relayInput := make(chan RelayInput, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := NewAllocationWorker(ctx, dialer, 1, "v4", 49200, relayInput)
	if err != nil {
		t.Fatalf("NewAllocationWorker: %v", err)
	}
	defer w.Close()

	receiver := netip.MustParseAddrPort("203.0.113.9:5000")
	if err := w.Send([]byte("hello"), receiver); err != nil {
		t.Fatalf("Send: %v", err)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.sent) != 1 {
		t.Fatalf("expected 1 sent datagram, got %d", len(conn.sent))
	}
	if string(conn.sent[0].data) != "hello" {
		t.Errorf("sent data: got %q, want %q", conn.sent[0].data, "hello")
	}
}

func TestAllocationWorker_SendAfterCloseFails(t *testing.T) {
	t.Parallel()

	conn := newFakePacketConn()
	dialer := fakeDialer{conn: conn}
	relayInput := make(chan RelayInput, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := NewAllocationWorker(ctx, dialer, 1, "v4", 49200, relayInput)
	if err != nil {
		t.Fatalf("NewAllocationWorker: %v", err)
	}
	w.Close()

	receiver := netip.MustParseAddrPort("203.0.113.9:5000")
	if err := w.Send([]byte("hello"), receiver); err == nil {
		t.Fatal("expected Send after Close to fail")
	}
}
