package nlm

import (
	"context"
	"fmt"
	"time"

	"github.com/marmos91/nlockd/internal/logger"
	"github.com/marmos91/nlockd/pkg/nsm"
)

// ErrShuttingDown is returned by creation paths once shutdown begins.
var ErrShuttingDown = fmt.Errorf("nlm: shutting down")

// ErrNoSysIDs is returned when the sysid pool is exhausted.
var ErrNoSysIDs = fmt.Errorf("nlm: sysid pool exhausted")

// FindHost looks a peer up by transport identity and returns it with a
// reference taken, or nil.
func (g *Globals) FindHost(netid string, addr Addr) *Host {
	probe := &Host{netid: netid, addr: addr}

	g.mu.Lock()
	defer g.mu.Unlock()

	h, ok := g.hostsTree.Get(probe)
	if !ok {
		return nil
	}
	g.acquireHostLocked(h)
	return h
}

// FindHostBySysID looks a peer up by sysid and returns it with a
// reference taken, or nil.
func (g *Globals) FindHostBySysID(sysid int32) *Host {
	g.mu.Lock()
	defer g.mu.Unlock()

	h, ok := g.hostsBySysID[sysid]
	if !ok {
		return nil
	}
	g.acquireHostLocked(h)
	return h
}

// FindHostsByName returns every registered peer with the given name,
// each with a reference taken. FREE_ALL resolves peers this way: a
// multi-homed client appears once per transport identity.
func (g *Globals) FindHostsByName(name string) []*Host {
	g.mu.Lock()
	defer g.mu.Unlock()

	var hosts []*Host
	g.hostsTree.Ascend(func(h *Host) bool {
		if h.name == name {
			g.acquireHostLocked(h)
			hosts = append(hosts, h)
		}
		return true
	})
	return hosts
}

// FindOrCreateHost resolves a peer, creating it on first sight. The
// returned host carries a reference.
//
// Creation follows the double-check pattern: look up under the zone
// mutex, build the host outside it, re-check, and discard the loser.
// This keeps allocation off the contended lock without ever inserting
// a duplicate.
func (g *Globals) FindOrCreateHost(name, netid string, addr Addr) (*Host, error) {
	g.mu.Lock()
	if g.runStatus != RunUp && g.runStatus != RunStarting {
		g.mu.Unlock()
		return nil, ErrShuttingDown
	}
	probe := &Host{netid: netid, addr: addr}
	if h, ok := g.hostsTree.Get(probe); ok {
		g.acquireHostLocked(h)
		g.mu.Unlock()
		return h, nil
	}
	g.mu.Unlock()

	g.sysidLock.Lock()
	sysid := g.sysids.alloc()
	g.sysidLock.Unlock()
	if sysid == NoSysID {
		return nil, ErrNoSysIDs
	}

	newhost := newHost(name, netid, addr, sysid)

	g.mu.Lock()
	if g.runStatus != RunUp && g.runStatus != RunStarting {
		g.mu.Unlock()
		g.sysidLock.Lock()
		g.sysids.free(sysid)
		g.sysidLock.Unlock()
		return nil, ErrShuttingDown
	}
	if h, ok := g.hostsTree.Get(probe); ok {
		// Lost the race; discard the speculative host.
		g.acquireHostLocked(h)
		g.mu.Unlock()
		g.sysidLock.Lock()
		g.sysids.free(sysid)
		g.sysidLock.Unlock()
		return h, nil
	}

	g.hostsTree.ReplaceOrInsert(newhost)
	g.hostsBySysID[sysid] = newhost
	newhost.mu.Lock()
	newhost.refs = 1
	newhost.mu.Unlock()
	g.metrics.Hosts.Inc()
	g.mu.Unlock()

	logger.Debug("registered host",
		"host", name, "netid", netid, "addr", addr.String(), "sysid", sysid)
	return newhost, nil
}

// AcquireHost takes an additional reference on an already-held host.
func (g *Globals) AcquireHost(h *Host) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.acquireHostLocked(h)
}

// acquireHostLocked bumps the reference count and pulls the host off
// the idle LRU. Caller holds the zone mutex.
func (g *Globals) acquireHostLocked(h *Host) {
	h.mu.Lock()
	h.refs++
	wasIdle := h.refs == 1
	h.mu.Unlock()

	if wasIdle && h.idleElem != nil {
		g.idle.Remove(h.idleElem)
		h.idleElem = nil
		g.metrics.IdleHosts.Dec()
	}
}

// ReleaseHost drops a reference. At zero refs the host is stamped with
// a fresh idle deadline and appended to the idle LRU for the collector.
func (g *Globals) ReleaseHost(h *Host) {
	g.mu.Lock()
	defer g.mu.Unlock()

	h.mu.Lock()
	if h.refs <= 0 {
		h.mu.Unlock()
		panic(fmt.Sprintf("nlm: release of unreferenced host %s", h.name))
	}
	h.refs--
	nowIdle := h.refs == 0
	h.mu.Unlock()

	if nowIdle {
		h.idleDeadline = time.Now().Add(g.cfg.IdleTimeout)
		h.idleElem = g.idle.PushBack(h)
		g.metrics.IdleHosts.Inc()
	}
}

// unregisterHostLocked removes a host from every index. The host must
// be at zero refs. Caller holds the zone mutex.
func (g *Globals) unregisterHostLocked(h *Host) {
	h.mu.Lock()
	if h.refs != 0 {
		h.mu.Unlock()
		panic(fmt.Sprintf("nlm: unregister of referenced host %s (refs=%d)", h.name, h.refs))
	}
	h.mu.Unlock()

	g.hostsTree.Delete(h)
	delete(g.hostsBySysID, h.sysid)
	if h.idleElem != nil {
		g.idle.Remove(h.idleElem)
		h.idleElem = nil
		g.metrics.IdleHosts.Dec()
	}
	g.metrics.Hosts.Dec()
}

// destroyHost frees the host's sysid and tears down what remains. No
// vholds may survive to this point.
func (g *Globals) destroyHost(h *Host) {
	if n := h.vholdCount(); n != 0 {
		panic(fmt.Sprintf("nlm: destroy of host %s with %d vholds", h.name, n))
	}

	g.sysidLock.Lock()
	g.sysids.free(h.sysid)
	g.sysidLock.Unlock()

	h.invalidateRPC()
	logger.Debug("destroyed host", "host", h.name, "sysid", h.sysid)
}

// monitorHost records the first-seen SM state and registers the peer
// with statd.
//
// An SM failure clears the monitored flag and nothing else: monitoring
// is best-effort recovery bookkeeping, and the lock operation that
// triggered it stands.
func (g *Globals) monitorHost(ctx context.Context, h *Host, state int32) {
	h.mu.Lock()
	if state != 0 && h.state == 0 {
		// First NSM state observation for this peer; recorded to
		// detect reboots.
		h.state = state
	}
	if h.flags&hostMonitored != 0 {
		h.mu.Unlock()
		return
	}
	h.flags |= hostMonitored
	h.mu.Unlock()

	if err := g.sm.Mon(ctx, h.name, nsm.SysIDPriv(h.sysid)); err != nil {
		logger.Warn("statd refused to monitor peer",
			"host", h.name, "sysid", h.sysid, "error", err)
		h.mu.Lock()
		h.flags &^= hostMonitored
		h.mu.Unlock()
		return
	}
	g.metrics.MonitoredHosts.Inc()
	logger.Debug("monitoring peer", "host", h.name, "sysid", h.sysid)
}

// unmonitorHost deregisters the peer from statd. Only unreferenced
// hosts are unmonitored; the caller guarantees refs==0.
func (g *Globals) unmonitorHost(ctx context.Context, h *Host) {
	h.mu.Lock()
	if h.flags&hostMonitored == 0 {
		h.mu.Unlock()
		return
	}
	h.flags &^= hostMonitored
	h.mu.Unlock()

	if err := g.sm.Unmon(ctx, h.name); err != nil {
		logger.Warn("statd unmonitor failed", "host", h.name, "error", err)
		return
	}
	g.metrics.MonitoredHosts.Dec()
	logger.Debug("unmonitored peer", "host", h.name, "sysid", h.sysid)
}
