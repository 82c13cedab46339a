package nlm

import (
	"bytes"
	"container/list"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/marmos91/nlockd/internal/onrpc"
)

// Addr is a peer transport address. The port is kept for logging only:
// it plays no part in identity (peers rebind source ports freely), and
// dialing asks the peer's portmapper for the NLM port instead.
type Addr struct {
	IP   net.IP
	Port int
}

// family returns 4 or 16 for the two IP families. Anything else in the
// registry is an invariant violation.
func (a Addr) family() int {
	if ip4 := a.IP.To4(); ip4 != nil {
		return 4
	}
	if ip16 := a.IP.To16(); ip16 != nil {
		return 16
	}
	panic(fmt.Sprintf("nlm: host address %q is not IPv4 or IPv6", a.IP))
}

// bytes returns the canonical 4- or 16-byte address.
func (a Addr) bytes() []byte {
	if ip4 := a.IP.To4(); ip4 != nil {
		return ip4
	}
	return a.IP.To16()
}

func (a Addr) String() string {
	return net.JoinHostPort(a.IP.String(), fmt.Sprintf("%d", a.Port))
}

// Host flags.
type hostFlags uint8

const (
	// hostMonitored means statd is watching this peer for us.
	hostMonitored hostFlags = 1 << iota

	// hostReclaiming means a reclaimer task is re-asserting our locks
	// on this peer after it rebooted.
	hostReclaiming
)

// Host is an identified remote peer.
//
// Lifetime is bounded by registry membership: the zone owns the host,
// the host owns its vholds, each vhold owns its sleep requests. The
// refs count tracks outstanding external references; a host at zero
// refs sits on the idle LRU until the garbage collector reaps it.
type Host struct {
	// Immutable identity, set at creation.
	name  string
	netid string
	addr  Addr
	sysid int32

	mu    sync.Mutex
	refs  int
	state int32
	flags hostFlags

	// idleDeadline orders the idle LRU; meaningful only at refs==0.
	// Guarded by the zone mutex together with idleElem.
	idleDeadline time.Time
	idleElem     *list.Element

	// vholds: held server-side files, keyed by file identity, plus the
	// insertion-ordered list. Guarded by mu.
	vholds    map[string]*vhold
	vholdList *list.List

	// recoveryDone is closed when a reclaimer run finishes. Replaced
	// each time reclamation starts. Guarded by mu.
	recoveryDone chan struct{}

	// RPC binding cache for back-calls, one client per protocol
	// version. rpcCond serializes binding updates so concurrent
	// callers do not race portmapper lookups. Guarded by mu.
	rpcClients  map[uint32]*onrpc.Client
	rpcUpdating bool
	rpcCond     *sync.Cond
}

func newHost(name, netid string, addr Addr, sysid int32) *Host {
	h := &Host{
		name:       name,
		netid:      netid,
		addr:       addr,
		sysid:      sysid,
		vholds:     make(map[string]*vhold),
		vholdList:  list.New(),
		rpcClients: make(map[uint32]*onrpc.Client),
	}
	h.rpcCond = sync.NewCond(&h.mu)
	return h
}

// Name returns the peer's name as first seen.
func (h *Host) Name() string { return h.name }

// NetID returns the transport family label.
func (h *Host) NetID() string { return h.netid }

// Addr returns the peer's transport address.
func (h *Host) Addr() Addr { return h.addr }

// SysID returns the sysid allocated to this peer.
func (h *Host) SysID() int32 { return h.sysid }

// State returns the last-seen SM state counter for the peer.
func (h *Host) State() int32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Refs returns the current external reference count.
func (h *Host) Refs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs
}

// Monitored reports whether statd is watching this peer.
func (h *Host) Monitored() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.flags&hostMonitored != 0
}

// Reclaiming reports whether a reclaimer task is running for this peer.
func (h *Host) Reclaiming() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.flags&hostReclaiming != 0
}

// compareHosts orders hosts for the identity tree: address family
// first, then the raw 4- or 16-byte address with the port ignored,
// with the netid as tie-breaker.
func compareHosts(a, b *Host) int {
	af, bf := a.addr.family(), b.addr.family()
	if af != bf {
		if af < bf {
			return -1
		}
		return 1
	}
	if c := bytes.Compare(a.addr.bytes(), b.addr.bytes()); c != 0 {
		return c
	}
	return strings.Compare(a.netid, b.netid)
}

// hostLess adapts compareHosts to the btree ordering contract.
func hostLess(a, b *Host) bool {
	return compareHosts(a, b) < 0
}

// rpcClient returns a cached client bound to the peer's NLM service for
// the given protocol version, performing a portmapper lookup on miss.
//
// Binding updates are serialized on the host's binding condition:
// concurrent callers wait for the in-flight lookup rather than dialing
// the portmapper in parallel.
func (h *Host) rpcClient(ctx context.Context, vers uint32, timeout time.Duration) (*onrpc.Client, error) {
	h.mu.Lock()
	for h.rpcUpdating {
		h.rpcCond.Wait()
	}
	if c, ok := h.rpcClients[vers]; ok {
		h.mu.Unlock()
		return c, nil
	}
	h.rpcUpdating = true
	h.mu.Unlock()

	port, err := onrpc.GetPort(ctx, h.addr.IP.String(), Program, vers, timeout)

	h.mu.Lock()
	h.rpcUpdating = false
	h.rpcCond.Broadcast()
	if err != nil {
		h.mu.Unlock()
		return nil, fmt.Errorf("bind NLM v%d on %s: %w", vers, h.name, err)
	}
	c := onrpc.NewClient(net.JoinHostPort(h.addr.IP.String(), fmt.Sprintf("%d", port)), timeout)
	h.rpcClients[vers] = c
	h.mu.Unlock()
	return c, nil
}

// invalidateRPC drops cached bindings. Called when the peer changes
// state: a rebooted peer has new endpoints.
func (h *Host) invalidateRPC() {
	h.mu.Lock()
	h.rpcClients = make(map[uint32]*onrpc.Client)
	h.mu.Unlock()
}

// setRPCClient seeds the binding cache directly. Used by tests and by
// transports that already know the peer endpoint.
func (h *Host) setRPCClient(vers uint32, c *onrpc.Client) {
	h.mu.Lock()
	h.rpcClients[vers] = c
	h.mu.Unlock()
}
