package relay

import (
	"math/rand"
	"net"
	"net/netip"
	"time"

	"github.com/nullharbor/turnrelayd/internal/auth"
	"github.com/nullharbor/turnrelayd/internal/wire"
)

// Config holds the server's static configuration: the relay's public
// addresses and the allocation port range.
type Config struct {
	PublicAddr  IpStack
	LowestPort  uint16
	HighestPort uint16
}

// Server is the allocation server state machine: the single source of truth
// for protocol behavior. It is a pure function of its inputs: it performs
// no I/O and takes no locks, so it can run single-threaded inside the event
// loop and be exercised directly in tests without fakes.
type Server struct {
	cfg     Config
	auth    *auth.Authenticator
	rng     *rand.Rand
	reg     *registry
	metrics *Metrics

	pending []Command

	hasDeadline bool
	deadline    time.Time
}

// NewServer constructs a Server. rng must be injected by the caller (never
// taken from a global source) so tests can replay port selection.
func NewServer(cfg Config, authenticator *auth.Authenticator, rng *rand.Rand, metrics *Metrics) *Server {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Server{
		cfg:     cfg,
		auth:    authenticator,
		rng:     rng,
		reg:     newRegistry(),
		metrics: metrics,
	}
}

// AuthSecret returns the shared auth_secret, forwarded to the portal join
// handshake as JoinMessage.stamp_secret.
func (s *Server) AuthSecret() []byte { return s.auth.Secret() }

// Metrics returns the server's counter registry.
func (s *Server) Metrics() *Metrics { return s.metrics }

// NextCommand drains the pending queue in FIFO order.
func (s *Server) NextCommand() (Command, bool) {
	if len(s.pending) == 0 {
		return nil, false
	}
	cmd := s.pending[0]
	s.pending = s.pending[1:]
	s.metrics.CommandQueueDepth.Store(int64(len(s.pending)))
	return cmd, true
}

func (s *Server) emit(cmd Command) {
	s.pending = append(s.pending, cmd)
	s.metrics.CommandQueueDepth.Store(int64(len(s.pending)))
}

// HandleClientInput parses buffer as a STUN/TURN message or ChannelData
// frame from sender and dispatches on method, enqueueing Commands.
func (s *Server) HandleClientInput(buffer []byte, sender netip.AddrPort, now time.Time) {
	if wire.IsChannelData(buffer) {
		s.handleChannelData(buffer, sender)
		return
	}
	if !wire.IsSTUN(buffer) {
		return // unrecognized frame: a protocol error, never fatal.
	}
	msg, err := wire.Parse(buffer)
	if err != nil {
		return // malformed message: dropped silently, never fatal.
	}

	switch msg.Method {
	case wire.MethodBinding:
		s.handleBinding(&msg, sender)
	case wire.MethodAllocate:
		s.handleAllocate(&msg, buffer, sender, now)
	case wire.MethodRefresh:
		s.handleRefresh(&msg, buffer, sender, now)
	case wire.MethodCreatePermission:
		s.handleCreatePermission(&msg, buffer, sender, now)
	case wire.MethodChannelBind:
		s.handleChannelBind(&msg, buffer, sender, now)
	case wire.MethodSend:
		s.handleSend(&msg, sender, now)
	case wire.MethodData:
		// Data is relay->client only; never sent by a client. Ignore.
	}
}

func (s *Server) handleBinding(msg *wire.Message, sender netip.AddrPort) {
	if msg.Class != wire.ClassRequest {
		return
	}
	resp := wire.NewResponse(msg, wire.ClassSuccessResponse).
		AddXORAddress(wire.AttrXORMappedAddress, toWireAddr(sender)).
		Build(nil)
	s.emit(SendMessage{Payload: resp, Recipient: sender})
}

func (s *Server) handleAllocate(msg *wire.Message, raw []byte, sender netip.AddrPort, now time.Time) {
	if msg.Class != wire.ClassRequest {
		return
	}
	authKey, failure := s.auth.Authenticate(msg, raw, now)
	if failure != nil {
		s.emitAuthFailure(msg, sender, failure, now)
		return
	}

	if msg.GetRequestedTransport() != wire.RequestedTransportUDP {
		s.emitError(msg, sender, authKey, 442, "Unsupported Transport Protocol")
		return
	}
	if _, exists := s.reg.findByClientAddr(sender); exists {
		s.emitError(msg, sender, authKey, 437, "Allocation Mismatch")
		return
	}

	families := s.cfg.PublicAddr.Families()
	if len(families) == 0 {
		s.emitError(msg, sender, authKey, 508, "Insufficient Capacity")
		return
	}

	lifetime := requestedLifetime(msg.GetLifetime())
	id := s.reg.nextID + 1

	created := make([]*Allocation, 0, len(families))
	for _, fam := range families {
		a, err := s.reg.create(id, fam, sender, s.cfg.LowestPort, s.cfg.HighestPort, lifetime, now, s.rng)
		if err != nil {
			for _, c := range created {
				s.reg.remove(c.Id, c.Family)
			}
			s.metrics.PortExhausted.Add(1)
			s.emitError(msg, sender, authKey, 508, "Insufficient Capacity")
			return
		}
		created = append(created, a)
	}
	s.reg.nextID = id

	resp := wire.NewResponse(msg, wire.ClassSuccessResponse)
	for _, a := range created {
		addr, _ := s.cfg.PublicAddr.Addr(a.Family)
		resp = resp.AddXORAddress(wire.AttrXORRelayedAddress, netipToWireAddr(addr, a.RelayPort))
	}
	resp = resp.AddXORAddress(wire.AttrXORMappedAddress, toWireAddr(sender)).
		AddLifetime(uint32(lifetime / time.Second))

	for _, a := range created {
		s.emit(CreateAllocation{Id: a.Id, Family: a.Family, Port: a.RelayPort})
		s.metrics.AllocationsCreated.Add(1)
		s.metrics.AllocationsActive.Add(1)
	}
	s.emit(SendMessage{Payload: resp.Build(authKey), Recipient: sender})
	s.recomputeDeadline(now)
}

func (s *Server) handleRefresh(msg *wire.Message, raw []byte, sender netip.AddrPort, now time.Time) {
	if msg.Class != wire.ClassRequest {
		return
	}
	id, exists := s.reg.findByClientAddr(sender)
	if !exists {
		s.emitError(msg, sender, nil, 437, "Allocation Mismatch")
		return
	}
	allocs := s.reg.allocationsForID(id)
	if len(allocs) == 0 {
		s.emitError(msg, sender, nil, 437, "Allocation Mismatch")
		return
	}

	authKey, failure := s.auth.Authenticate(msg, raw, now)
	if failure != nil {
		s.emitAuthFailure(msg, sender, failure, now)
		return
	}

	if msg.GetLifetime() == 0 {
		for _, a := range allocs {
			s.reg.remove(a.Id, a.Family)
			s.emit(FreeAllocation{Id: a.Id, Family: a.Family})
			s.metrics.AllocationsActive.Add(-1)
		}
		resp := wire.NewResponse(msg, wire.ClassSuccessResponse).AddLifetime(0).Build(authKey)
		s.emit(SendMessage{Payload: resp, Recipient: sender})
		s.recomputeDeadline(now)
		return
	}

	lifetime := requestedLifetime(msg.GetLifetime())
	for _, a := range allocs {
		a.Expiry = now.Add(lifetime)
	}
	resp := wire.NewResponse(msg, wire.ClassSuccessResponse).
		AddLifetime(uint32(lifetime / time.Second)).
		Build(authKey)
	s.emit(SendMessage{Payload: resp, Recipient: sender})
	s.recomputeDeadline(now)
}

func (s *Server) handleCreatePermission(msg *wire.Message, raw []byte, sender netip.AddrPort, now time.Time) {
	if msg.Class != wire.ClassRequest {
		return
	}
	id, exists := s.reg.findByClientAddr(sender)
	if !exists {
		s.emitError(msg, sender, nil, 437, "Allocation Mismatch")
		return
	}
	authKey, failure := s.auth.Authenticate(msg, raw, now)
	if failure != nil {
		s.emitAuthFailure(msg, sender, failure, now)
		return
	}

	peers := msg.GetXORPeerAddresses()
	if len(peers) == 0 {
		s.emitError(msg, sender, authKey, 400, "Bad Request")
		return
	}

	for _, p := range peers {
		peerAddr, ok := wireAddrToNetip(p)
		if !ok {
			s.emitError(msg, sender, authKey, 400, "Bad Request")
			return
		}
		a, ok := s.reg.get(id, FamilyOf(peerAddr))
		if !ok {
			s.emitError(msg, sender, authKey, 443, "Peer Address Family Mismatch")
			return
		}
		a.permissions[peerAddr] = now.Add(PermissionLifetime)
	}

	resp := wire.NewResponse(msg, wire.ClassSuccessResponse).Build(authKey)
	s.emit(SendMessage{Payload: resp, Recipient: sender})
	s.recomputeDeadline(now)
}

func (s *Server) handleChannelBind(msg *wire.Message, raw []byte, sender netip.AddrPort, now time.Time) {
	if msg.Class != wire.ClassRequest {
		return
	}
	id, exists := s.reg.findByClientAddr(sender)
	if !exists {
		s.emitError(msg, sender, nil, 437, "Allocation Mismatch")
		return
	}
	authKey, failure := s.auth.Authenticate(msg, raw, now)
	if failure != nil {
		s.emitAuthFailure(msg, sender, failure, now)
		return
	}

	num := ChannelNumber(msg.GetChannelNumber())
	if !num.Valid() {
		s.emitError(msg, sender, authKey, 400, "Bad Request")
		return
	}
	peerAttr, ok := msg.GetXORPeerAddress()
	if !ok {
		s.emitError(msg, sender, authKey, 400, "Bad Request")
		return
	}
	peerAddr, ok := wireAddrToNetip(peerAttr)
	if !ok {
		s.emitError(msg, sender, authKey, 400, "Bad Request")
		return
	}
	peer := netip.AddrPortFrom(peerAddr, uint16(peerAttr.Port))

	a, ok := s.reg.get(id, FamilyOf(peerAddr))
	if !ok {
		s.emitError(msg, sender, authKey, 443, "Peer Address Family Mismatch")
		return
	}

	if existing, bound := a.channels[num]; bound && existing.peer != peer {
		s.emitError(msg, sender, authKey, 400, "Bad Request")
		return
	}
	if existingNum, bound := a.channelByPeer[peer]; bound && existingNum != num {
		s.emitError(msg, sender, authKey, 400, "Bad Request")
		return
	}

	a.channels[num] = &channelBinding{peer: peer, expiry: now.Add(ChannelLifetime)}
	a.channelByPeer[peer] = num
	a.permissions[peerAddr] = now.Add(PermissionLifetime)

	resp := wire.NewResponse(msg, wire.ClassSuccessResponse).Build(authKey)
	s.emit(SendMessage{Payload: resp, Recipient: sender})
	s.recomputeDeadline(now)
}

func (s *Server) handleSend(msg *wire.Message, sender netip.AddrPort, now time.Time) {
	if msg.Class != wire.ClassIndication {
		return
	}
	id, exists := s.reg.findByClientAddr(sender)
	if !exists {
		return
	}

	peerAttr, ok := msg.GetXORPeerAddress()
	if !ok {
		return
	}
	data := msg.GetData()
	if data == nil {
		return
	}

	peerAddr, ok := wireAddrToNetip(peerAttr)
	if !ok {
		return
	}
	a, ok := s.reg.get(id, FamilyOf(peerAddr))
	if !ok {
		return
	}
	if !a.HasPermission(peerAddr, now) {
		s.metrics.PermissionsDenied.Add(1)
		return
	}

	peer := netip.AddrPortFrom(peerAddr, uint16(peerAttr.Port))
	s.emit(ForwardData{Id: a.Id, Data: append([]byte(nil), data...), Receiver: peer})
}

// handleChannelData forwards a client->relay ChannelData frame to the bound
// peer, found by searching every family of the client's allocation.
func (s *Server) handleChannelData(buffer []byte, sender netip.AddrPort) {
	cd, err := wire.ParseChannelData(buffer)
	if err != nil {
		return
	}
	id, exists := s.reg.findByClientAddr(sender)
	if !exists {
		return
	}

	for _, a := range s.reg.allocationsForID(id) {
		binding, bound := a.channels[ChannelNumber(cd.ChannelNumber)]
		if !bound {
			continue
		}
		s.emit(ForwardData{Id: a.Id, Data: append([]byte(nil), cd.Data...), Receiver: binding.peer})
		return
	}
}

// HandleRelayInput processes a peer->client datagram arriving on the
// allocation socket for (id, the peer's family), wrapping it as ChannelData
// or a Data indication before enqueueing a SendMessage to the owning
// client.
func (s *Server) HandleRelayInput(data []byte, peer netip.AddrPort, id AllocationId, now time.Time) {
	peerAddr := peer.Addr().Unmap()
	a, ok := s.reg.get(id, FamilyOf(peerAddr))
	if !ok || !now.Before(a.Expiry) {
		s.metrics.RelayInputDropped.Add(1) // expired or unknown allocation
		return
	}
	if !a.HasPermission(peerAddr, now) {
		s.metrics.PermissionsDenied.Add(1)
		return
	}

	var payload []byte
	if num, bound := a.channelByPeer[peer]; bound {
		payload = wire.BuildChannelData(uint16(num), data)
	} else {
		var txID [12]byte
		payload = wire.NewBuilder(wire.MethodData, wire.ClassIndication, txID).
			AddXORAddress(wire.AttrXORPeerAddress, toWireAddr(peer)).
			AddData(data).
			BuildNoFingerprint(nil)
	}
	s.emit(SendMessage{Payload: payload, Recipient: a.ClientAddr})
}

// HandleDeadlineReached expires permissions, then channels, then
// allocations whose deadline has passed now. Smaller scope expires first,
// so a reply racing an allocation's own expiry at the same instant sees
// the narrower object already gone.
func (s *Server) HandleDeadlineReached(now time.Time) {
	s.auth.PruneNonces(now)
	for _, a := range s.reg.all() {
		for ip, exp := range a.permissions {
			if !now.Before(exp) {
				delete(a.permissions, ip)
			}
		}
	}
	for _, a := range s.reg.all() {
		for num, binding := range a.channels {
			if !now.Before(binding.expiry) {
				delete(a.channels, num)
				delete(a.channelByPeer, binding.peer)
			}
		}
	}
	for _, key := range s.reg.iterExpired(now) {
		if _, ok := s.reg.get(key.id, key.family); !ok {
			continue
		}
		s.reg.remove(key.id, key.family)
		s.emit(FreeAllocation{Id: key.id, Family: key.family})
		s.metrics.AllocationsActive.Add(-1)
	}
	// The timer that triggered this sweep has fired, so nothing is armed any
	// more: the next earliest expiry always gets a fresh Wake.
	s.hasDeadline = false
	s.recomputeDeadline(now)
}

// HandleAllocationFailed purges every family entry of id from server
// bookkeeping after the event loop's own teardown of a ForwardData command
// that could not reach its I/O worker. It does not emit a further
// FreeAllocation: the event loop has already decided to tear the worker
// down on its side, and allocations are released exactly once.
func (s *Server) HandleAllocationFailed(id AllocationId, now time.Time) {
	for _, a := range s.reg.allocationsForID(id) {
		s.reg.remove(a.Id, a.Family)
		s.metrics.AllocationsActive.Add(-1)
	}
	s.recomputeDeadline(now)
}

func (s *Server) recomputeDeadline(now time.Time) {
	newMin, ok := s.earliestExpiry()
	if !ok {
		s.hasDeadline = false
		return
	}
	shrank := !s.hasDeadline || newMin.Before(s.deadline)
	s.deadline = newMin
	s.hasDeadline = true
	if shrank {
		s.emit(Wake{Deadline: newMin})
	}
}

func (s *Server) earliestExpiry() (time.Time, bool) {
	var min time.Time
	found := false
	consider := func(t time.Time) {
		if !found || t.Before(min) {
			min = t
			found = true
		}
	}
	for _, a := range s.reg.all() {
		consider(a.Expiry)
		for _, exp := range a.permissions {
			consider(exp)
		}
		for _, c := range a.channels {
			consider(c.expiry)
		}
	}
	return min, found
}

func (s *Server) emitError(msg *wire.Message, sender netip.AddrPort, authKey []byte, code int, reason string) {
	resp := wire.NewResponse(msg, wire.ClassErrorResponse).AddErrorCode(code, reason).Build(authKey)
	s.emit(SendMessage{Payload: resp, Recipient: sender})
}

func (s *Server) emitAuthFailure(msg *wire.Message, sender netip.AddrPort, failure *auth.Failure, now time.Time) {
	s.metrics.AuthFailures.Add(1)
	b := wire.NewResponse(msg, wire.ClassErrorResponse).
		AddErrorCode(failure.Code, failure.Reason).
		AddRealm(auth.Realm)
	if failure.Code == 401 || failure.Code == 438 {
		b = b.AddNonce(s.auth.IssueNonce(now))
	}
	s.emit(SendMessage{Payload: b.Build(nil), Recipient: sender})
}

func requestedLifetime(requested uint32) time.Duration {
	if requested == 0 {
		return DefaultAllocationLifetime
	}
	d := time.Duration(requested) * time.Second
	if d > MaxAllocationLifetime {
		return MaxAllocationLifetime
	}
	return d
}

func toWireAddr(ap netip.AddrPort) wire.Addr {
	addr := ap.Addr().Unmap()
	return wire.Addr{IP: net.IP(addr.AsSlice()), Port: int(ap.Port())}
}

func netipToWireAddr(addr netip.Addr, port uint16) wire.Addr {
	addr = addr.Unmap()
	return wire.Addr{IP: net.IP(addr.AsSlice()), Port: int(port)}
}

func wireAddrToNetip(a wire.Addr) (netip.Addr, bool) {
	addr, ok := netip.AddrFromSlice(a.IP)
	if !ok {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
