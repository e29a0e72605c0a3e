package ioworker

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
)

// RelayInput is one peer->relay datagram, tagged with the allocation it
// arrived on so the event loop can route it to relay.Server.HandleRelayInput.
type RelayInput struct {
	Data       []byte
	Sender     netip.AddrPort
	Allocation uint64 // relay.AllocationId, kept untyped to avoid an import cycle
}

// AllocationWorker owns one relay-facing UDP socket for a single allocation.
// It pumps inbound peer datagrams onto a single shared RelayInput channel
// (capacity 1: a slow event loop stalls every allocation's reads rather
// than buffering unboundedly) and exposes Send for ForwardData commands.
type AllocationWorker struct {
	id   uint64
	conn PacketConn

	mu     sync.Mutex
	closed bool
}

// NewAllocationWorker binds a relay socket for (family, port) and starts
// pumping inbound datagrams onto relayInput, tagged with id. Call Close to
// release the socket when the allocation is freed.
func NewAllocationWorker(ctx context.Context, dialer Dialer, id uint64, family string, port uint16, relayInput chan<- RelayInput) (*AllocationWorker, error) {
	conn, err := dialer.ListenUDP(family, port)
	if err != nil {
		return nil, fmt.Errorf("binding relay socket for allocation %d: %w", id, err)
	}

	w := &AllocationWorker{id: id, conn: conn}

	go func() {
		<-ctx.Done()
		w.Close()
	}()

	go w.pump(ctx, relayInput)

	return w, nil
}

func (w *AllocationWorker) pump(ctx context.Context, relayInput chan<- RelayInput) {
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := w.conn.ReadFrom(buf)
		if err != nil {
			return // socket closed: allocation freed or I/O error, event loop learns via ForwardData failure.
		}
		sender, ok := addrPortOf(addr)
		if !ok {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case relayInput <- RelayInput{Data: data, Sender: sender, Allocation: w.id}:
		case <-ctx.Done():
			return
		}
	}
}

// Send writes data to receiver on this allocation's relay socket.
func (w *AllocationWorker) Send(data []byte, receiver netip.AddrPort) error {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return fmt.Errorf("allocation %d: socket closed", w.id)
	}
	_, err := w.conn.WriteTo(data, net.UDPAddrFromAddrPort(receiver))
	return err
}

// Close releases the relay socket. Idempotent.
func (w *AllocationWorker) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.conn.Close()
}
