// Package eventloop implements the relay's single-threaded cooperative
// poller: the glue between the pure relay.Server state machine and its I/O
// boundaries (client sockets, per-allocation relay sockets, the deadline
// timer, and the portal channel). Sources are polled in a strict priority
// order, and any source that produces work restarts evaluation from the
// top before the loop is allowed to block.
package eventloop

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nullharbor/turnrelayd/internal/clock"
	"github.com/nullharbor/turnrelayd/internal/ioworker"
	"github.com/nullharbor/turnrelayd/internal/portal"
	"github.com/nullharbor/turnrelayd/internal/relay"
)

type allocKey struct {
	id     relay.AllocationId
	family relay.AddressFamily
}

// Loop owns the relay's I/O wiring and runs the priority poll. It is not
// safe for concurrent use; Run must be called from a single goroutine.
type Loop struct {
	server *relay.Server
	clock  clock.Clock
	log    *slog.Logger

	dialer       ioworker.Dialer
	clientInput  <-chan ioworker.Inbound
	relayInput   chan ioworker.RelayInput
	outboundV4   chan ioworker.Outbound
	outboundV6   chan ioworker.Outbound
	deadline     *clock.Deadline
	allocations  map[allocKey]*ioworker.AllocationWorker
	portalEvents <-chan portal.Event

	waitForInit       bool
	portalInitialized bool
}

// Config bundles the channels Loop reads and writes. ClientInput must be fed
// by one ioworker.PumpClientSocket goroutine per configured address family;
// OutboundV4/OutboundV6 must be consumed by the same. PortalEvents may be
// nil when running in standalone mode (no portal_token configured).
type Config struct {
	Server       *relay.Server
	Clock        clock.Clock
	Dialer       ioworker.Dialer
	ClientInput  <-chan ioworker.Inbound
	OutboundV4   chan ioworker.Outbound
	OutboundV6   chan ioworker.Outbound
	PortalEvents <-chan portal.Event
	Logger       *slog.Logger

	// WaitForInit holds client input (priority 4) until an Init push
	// arrives on PortalEvents. Set only when a portal token is
	// configured; standalone deployments (PortalEvents nil) must leave
	// this false.
	WaitForInit bool
}

// New constructs a Loop. The relay-input channel (peer->relay datagrams
// tagged by allocation) is created with capacity 1: a slow event loop
// applies backpressure to every allocation's reads rather than buffering.
func New(cfg Config) *Loop {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	cl := cfg.Clock
	if cl == nil {
		cl = clock.System{}
	}
	return &Loop{
		server:       cfg.Server,
		clock:        cl,
		log:          log.With("component", "eventloop"),
		dialer:       cfg.Dialer,
		clientInput:  cfg.ClientInput,
		relayInput:   make(chan ioworker.RelayInput, 1),
		outboundV4:   cfg.OutboundV4,
		outboundV6:   cfg.OutboundV6,
		deadline:     clock.NewDeadline(),
		allocations:  make(map[allocKey]*ioworker.AllocationWorker),
		portalEvents: cfg.PortalEvents,
		waitForInit:  cfg.WaitForInit,
	}
}

// acceptingClientInput reports whether priority-4 client input should be
// polled this iteration: always, unless a portal token gates traffic and
// the Init push has not yet arrived.
func (l *Loop) acceptingClientInput() bool {
	return !l.waitForInit || l.portalInitialized
}

// Run executes the priority poll until ctx is cancelled or a fatal protocol
// violation occurs on the portal channel. Priority order, highest first:
// 1. drain server commands, 2. deadline timer, 3. relay (peer->client)
// input, 4. client input, 5. portal events. Any source producing work
// restarts evaluation at priority 1.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if cmd, ok := l.server.NextCommand(); ok {
			l.handleCommand(ctx, cmd)
			continue
		}

		select {
		case <-l.deadline.C():
			l.server.HandleDeadlineReached(l.clock.Now())
			continue
		default:
		}

		select {
		case in := <-l.relayInput:
			l.server.HandleRelayInput(in.Data, in.Sender, relay.AllocationId(in.Allocation), l.clock.Now())
			continue
		default:
		}

		if l.acceptingClientInput() {
			select {
			case in := <-l.clientInput:
				l.server.HandleClientInput(in.Data, in.Sender, l.clock.Now())
				continue
			default:
			}
		}

		if l.portalEvents != nil {
			select {
			case ev, ok := <-l.portalEvents:
				if !ok {
					l.portalEvents = nil
					continue
				}
				if err := l.handlePortalEvent(ev); err != nil {
					return err
				}
				continue
			default:
			}
		}

		// Nothing had work: block until something does. clientInput is
		// read here too, via a separate gated select, so that while the
		// portal gate is closed (waitForInit && !portalInitialized) the
		// loop can still block on ctx/deadline/relay/portal without a
		// live client-input case handing it data prematurely.
		if !l.acceptingClientInput() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-l.deadline.C():
				l.server.HandleDeadlineReached(l.clock.Now())
			case in := <-l.relayInput:
				l.server.HandleRelayInput(in.Data, in.Sender, relay.AllocationId(in.Allocation), l.clock.Now())
			case ev, ok := <-l.portalEvents:
				if !ok {
					l.portalEvents = nil
					continue
				}
				if err := l.handlePortalEvent(ev); err != nil {
					return err
				}
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.deadline.C():
			l.server.HandleDeadlineReached(l.clock.Now())
		case in := <-l.relayInput:
			l.server.HandleRelayInput(in.Data, in.Sender, relay.AllocationId(in.Allocation), l.clock.Now())
		case in := <-l.clientInput:
			l.server.HandleClientInput(in.Data, in.Sender, l.clock.Now())
		case ev, ok := <-l.portalEvents:
			if !ok {
				l.portalEvents = nil
				continue
			}
			if err := l.handlePortalEvent(ev); err != nil {
				return err
			}
		}
	}
}

func (l *Loop) handleCommand(ctx context.Context, cmd relay.Command) {
	switch c := cmd.(type) {
	case relay.SendMessage:
		l.sendOutbound(c)
	case relay.CreateAllocation:
		l.createAllocation(ctx, c)
	case relay.FreeAllocation:
		l.freeAllocation(c)
	case relay.ForwardData:
		l.forwardData(c)
	case relay.Wake:
		l.deadline.Reset(c.Deadline)
	}
}

func (l *Loop) sendOutbound(c relay.SendMessage) {
	out := ioworker.Outbound{Data: c.Payload, Recipient: c.Recipient}
	ch := l.outboundV4
	if relay.FamilyOf(c.Recipient.Addr()) == relay.V6 {
		ch = l.outboundV6
	}
	select {
	case ch <- out:
	default:
		l.log.Warn("dropping message: outbound channel to client socket is full", "recipient", c.Recipient)
	}
}

func (l *Loop) createAllocation(ctx context.Context, c relay.CreateAllocation) {
	w, err := ioworker.NewAllocationWorker(ctx, l.dialer, uint64(c.Id), c.Family.String(), c.Port, l.relayInput)
	if err != nil {
		l.log.Error("failed to bind relay socket for allocation", "id", c.Id, "family", c.Family, "port", c.Port, "error", err)
		return
	}
	l.allocations[allocKey{c.Id, c.Family}] = w
}

func (l *Loop) freeAllocation(c relay.FreeAllocation) {
	key := allocKey{c.Id, c.Family}
	w, ok := l.allocations[key]
	if !ok {
		l.log.Debug("freeing unknown allocation", "id", c.Id, "family", c.Family)
		return
	}
	delete(l.allocations, key)
	w.Close()
	l.log.Info("freed allocation", "id", c.Id, "family", c.Family)
}

func (l *Loop) forwardData(c relay.ForwardData) {
	key := allocKey{c.Id, relay.FamilyOf(c.Receiver.Addr())}
	w, ok := l.allocations[key]
	if !ok {
		l.log.Debug("forward data for unknown allocation", "id", c.Id)
		return
	}
	if err := w.Send(c.Data, c.Receiver); err != nil {
		l.log.Warn("allocation send failed, tearing down", "id", c.Id, "error", err)
		delete(l.allocations, key)
		w.Close()
		l.server.HandleAllocationFailed(c.Id, l.clock.Now())
	}
}

// handlePortalEvent dispatches one portal.Event. An Init delivered as a
// request (not a push) is a fatal protocol violation: nothing in the
// relay's portal vocabulary is legitimately sent as a request.
func (l *Loop) handlePortalEvent(ev portal.Event) error {
	switch e := ev.(type) {
	case portal.InboundMessage:
		if e.Msg.IsInit() {
			if l.portalInitialized {
				l.log.Warn("received init message during operation")
				return nil
			}
			l.portalInitialized = true
			l.log.Info("received init message from portal, starting relay activities", "topic", e.Topic)
		}
	case portal.InboundRequest:
		if e.Req.IsInit() {
			return fmt.Errorf("portal protocol violation: init message sent as a request, topic %q", e.Topic)
		}
	case portal.JoinedRoom:
		l.log.Info("joined portal room", "topic", e.Topic)
	case portal.SuccessResponse:
		l.log.Debug("portal request succeeded", "topic", e.Topic, "ref", e.ReqID)
	case portal.ErrorResponse:
		l.log.Warn("portal request failed", "topic", e.Topic, "ref", e.ReqID, "reason", e.Reason)
	case portal.HeartbeatSent:
		l.log.Debug("heartbeat sent to portal")
	}
	return nil
}
