// Package ioworker implements the relay's UDP I/O boundary: the two
// primary client-facing sockets (one per address family) and one relay
// socket per allocation, each bridged into the event loop via bounded
// channels. Sockets are owned by their pump goroutines; the event loop
// only ever sees datagrams and channel sends.
package ioworker

import (
	"context"
	"net"
	"net/netip"
)

// PacketConn is the subset of net.PacketConn this package depends on,
// narrowed so tests can supply an in-memory fake instead of binding a real
// UDP socket.
type PacketConn interface {
	ReadFrom(p []byte) (n int, addr net.Addr, err error)
	WriteTo(p []byte, addr net.Addr) (n int, err error)
	Close() error
}

// Dialer binds a UDP socket for the given family on port. Production code
// uses net.ListenUDP; tests inject a fake.
type Dialer interface {
	ListenUDP(family string, port uint16) (PacketConn, error)
}

// netDialer binds real kernel UDP sockets.
type netDialer struct{}

// NewDialer returns the production Dialer, backed by net.ListenUDP.
func NewDialer() Dialer { return netDialer{} }

func (netDialer) ListenUDP(family string, port uint16) (PacketConn, error) {
	network := "udp4"
	unspecified := netip.IPv4Unspecified()
	if family == "v6" {
		network = "udp6"
		unspecified = netip.IPv6Unspecified()
	}
	addr := net.UDPAddrFromAddrPort(netip.AddrPortFrom(unspecified, port))
	return net.ListenUDP(network, addr)
}

// Inbound is one datagram read off a socket, paired with its sender.
type Inbound struct {
	Data   []byte
	Sender netip.AddrPort
}

// Outbound is one datagram to write, paired with its recipient.
type Outbound struct {
	Data      []byte
	Recipient netip.AddrPort
}

// PumpClientSocket binds a UDP socket for family on port, reading inbound
// datagrams onto inbound and writing queued outbound datagrams from
// outbound, until ctx is cancelled.
func PumpClientSocket(ctx context.Context, dialer Dialer, family string, port uint16, inbound chan<- Inbound, outbound <-chan Outbound) error {
	conn, err := dialer.ListenUDP(family, port)
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	errCh := make(chan error, 1)
	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				errCh <- err
				return
			}
			sender, ok := addrPortOf(addr)
			if !ok {
				continue
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case inbound <- Inbound{Data: data, Sender: sender}:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case out := <-outbound:
			udpAddr := net.UDPAddrFromAddrPort(out.Recipient)
			if _, err := conn.WriteTo(out.Data, udpAddr); err != nil {
				return err
			}
		}
	}
}

func addrPortOf(addr net.Addr) (netip.AddrPort, bool) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}, false
	}
	ap := udpAddr.AddrPort()
	return ap, true
}
