// Package discovery supplies a concrete implementation of
// internal/network's ConnectionManager collaborator (spec.md §6.1):
// direct TCP dialing, an in-memory announce/lookup registry standing
// in for the DHT and TCP-relay services spec.md explicitly places out
// of scope, and the virtual-connection fallback BeginMakeConnection
// falls back to.
//
// The masked-identity-vs-networkId decision itself (spec.md's
// "Discovery Bridge" component, §2) is Network's own responsibility -
// see network.go's peerSearchTick, which chooses BeginFindPeers over
// BeginAnnounce based on InvitationPending and calls through whatever
// ConnectionManager it was given. This package only backs those calls
// with something that actually runs.
//
// Grounded on the teacher's KCP/TCP dial helpers (hkexnet/kcp.go) for
// the direct-dial half, and hkexnet/hkextun.go's CSOTunReq/CSOTunData/
// CSOTunClose tunnel protocol for the shape (if not the full NAT-
// traversal complexity) of a virtual connection.
package discovery

import (
	"net"
	"sync"
	"time"

	"github.com/mcoutos/Mesh/internal/network"
)

// Registry is an in-memory stand-in for the DHT lookup/announce
// service and the TCP-relay registrar (spec.md §1's "out of scope"
// external collaborators). A single process-wide Registry lets
// several Managers in the same process (or in tests) discover each
// other without a real network, by sharing one *Registry value.
type Registry struct {
	mu        sync.Mutex
	announced map[[32]byte]map[network.EndPoint]time.Time
	relays    map[[32]byte]bool
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		announced: make(map[[32]byte]map[network.EndPoint]time.Time),
		relays:    make(map[[32]byte]bool),
	}
}

// Announce records that ep is presently reachable for id (a networkId
// or a masked UserId - the Registry does not distinguish the two,
// exactly as a real DHT wouldn't).
func (r *Registry) Announce(id [32]byte, ep network.EndPoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.announced[id]
	if !ok {
		set = make(map[network.EndPoint]time.Time)
		r.announced[id] = set
	}
	set[ep] = time.Now()
}

// Lookup returns every endpoint presently announced for id, excluding
// self (so a caller never dials back its own announcement).
func (r *Registry) Lookup(id [32]byte, self network.EndPoint) []network.EndPoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.announced[id]
	out := make([]network.EndPoint, 0, len(set))
	for ep := range set {
		if ep == self {
			continue
		}
		out = append(out, ep)
	}
	return out
}

// RegisterRelay/UnregisterRelay back TCPRelayClientRegister/
// UnregisterHostedNetwork: bookkeeping only, since relays forward at
// the transport layer and do no store-and-forward (spec.md §1
// Non-goals).
func (r *Registry) RegisterRelay(networkID [32]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.relays[networkID] = true
}

func (r *Registry) UnregisterRelay(networkID [32]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.relays, networkID)
}

func (r *Registry) IsRelayed(networkID [32]byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.relays[networkID]
}

// pollInterval is how often BeginFindPeers/BeginAnnounce re-poll the
// Registry for newly announced endpoints. A real DHT client would push
// notifications; this reference implementation polls instead, which
// is observably equivalent for the once-per-tick cadence Network
// itself already drives (network.go's peerSearchLoop: every 60s).
const pollInterval = 500 * time.Millisecond

// pollCycles bounds how many times a single BeginFindPeers/
// BeginAnnounce poll loop runs before giving up; Network re-issues the
// call on its own 60s cadence, so this just avoids leaking goroutines
// across ticks forever.
const pollCycles = 20

// dialFunc abstracts net.Dial so tests can substitute a fake.
type dialFunc func(network, address string) (net.Conn, error)
