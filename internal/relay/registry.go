package relay

import (
	"math/rand"
	"net/netip"
	"time"
)

// allocKey is the registry's primary key: one Allocation per id+family.
type allocKey struct {
	id     AllocationId
	family AddressFamily
}

type portKey struct {
	port   uint16
	family AddressFamily
}

// registry owns the Allocation table: the authoritative source for which
// ports, permissions, and channel bindings are live. It is consulted and
// mutated only by Server; Allocation I/O Workers never touch it directly
// (they learn of creation/removal only via Commands).
type registry struct {
	byKey       map[allocKey]*Allocation
	portsInUse  map[portKey]bool
	byClientIP  map[netip.AddrPort]AllocationId
	nextID      AllocationId
}

func newRegistry() *registry {
	return &registry{
		byKey:      make(map[allocKey]*Allocation),
		portsInUse: make(map[portKey]bool),
		byClientIP: make(map[netip.AddrPort]AllocationId),
	}
}

// findByClientAddr returns the AllocationId already bound to client, if any.
// A client is identified by its socket address, matching the precondition
// "no existing allocation for (client_addr, requested_transport=UDP)".
func (r *registry) findByClientAddr(client netip.AddrPort) (AllocationId, bool) {
	id, ok := r.byClientIP[client]
	return id, ok
}

// allocationsForID returns every family entry sharing id.
func (r *registry) allocationsForID(id AllocationId) []*Allocation {
	var out []*Allocation
	for _, fam := range []AddressFamily{V4, V6} {
		if a, ok := r.byKey[allocKey{id, fam}]; ok {
			out = append(out, a)
		}
	}
	return out
}

// get returns the Allocation for (id, family), if live.
func (r *registry) get(id AllocationId, family AddressFamily) (*Allocation, bool) {
	a, ok := r.byKey[allocKey{id, family}]
	return a, ok
}

// pickPort selects a free port in [lowest, highest] for family, starting at
// a randomized offset and probing sequentially.
func (r *registry) pickPort(family AddressFamily, lowest, highest uint16, rng *rand.Rand) (uint16, error) {
	span := int(highest) - int(lowest) + 1
	if span <= 0 {
		return 0, ErrPortExhausted
	}
	offset := rng.Intn(span)
	for i := 0; i < span; i++ {
		port := lowest + uint16((offset+i)%span)
		if !r.portsInUse[portKey{port, family}] {
			return port, nil
		}
	}
	return 0, ErrPortExhausted
}

// create allocates a new registry entry for family, reserving a port and
// indexing it by client address. The caller (Server) is responsible for
// assigning the same id across every family of one client allocation.
func (r *registry) create(id AllocationId, family AddressFamily, client netip.AddrPort, lowest, highest uint16, lifetime time.Duration, now time.Time, rng *rand.Rand) (*Allocation, error) {
	port, err := r.pickPort(family, lowest, highest, rng)
	if err != nil {
		return nil, err
	}
	a := newAllocation(id, family, port, client, now.Add(lifetime))
	r.byKey[allocKey{id, family}] = a
	r.portsInUse[portKey{port, family}] = true
	r.byClientIP[client] = id
	return a, nil
}

// remove deletes the registry entry for (id, family). Idempotent: removing
// an already-absent entry is a no-op.
func (r *registry) remove(id AllocationId, family AddressFamily) {
	key := allocKey{id, family}
	a, ok := r.byKey[key]
	if !ok {
		return
	}
	delete(r.portsInUse, portKey{a.RelayPort, family})
	delete(r.byKey, key)
	if boundID, ok := r.byClientIP[a.ClientAddr]; ok && boundID == id {
		// Only drop the client index once no family of this id remains.
		if len(r.allocationsForID(id)) == 0 {
			delete(r.byClientIP, a.ClientAddr)
		}
	}
}

// iterExpired returns every (id, family) whose Expiry has passed now.
func (r *registry) iterExpired(now time.Time) []allocKey {
	var expired []allocKey
	for key, a := range r.byKey {
		if !now.Before(a.Expiry) {
			expired = append(expired, key)
		}
	}
	return expired
}

// all returns every live allocation, for invariant checks and deadline scans.
func (r *registry) all() []*Allocation {
	out := make([]*Allocation, 0, len(r.byKey))
	for _, a := range r.byKey {
		out = append(out, a)
	}
	return out
}
