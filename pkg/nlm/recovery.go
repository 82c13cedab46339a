package nlm

import (
	"context"
	"time"

	"github.com/marmos91/nlockd/internal/logger"
)

// NotifyHost runs the full crash fan-out for a peer: server-side
// cleanup of everything it held here, then client-side reclamation of
// everything we hold there. The NOTIFY1 path from statd lands here.
func (g *Globals) NotifyHost(h *Host, state int32) {
	logger.Info("peer state change",
		"host", h.name, "sysid", h.sysid, "state", state)

	h.invalidateRPC()
	g.hostNotifyServer(h, state)
	g.hostNotifyClient(h, state)
}

// hostNotifyServer drops everything the peer holds on us: pending
// sleep requests on every vhold, then active locks and shares for its
// sysid. A state of zero performs the cleanup without overwriting the
// recorded state (the shutdown path).
func (g *Globals) hostNotifyServer(h *Host, state int32) {
	type pending struct {
		fileID string
		req    *slreq
	}

	h.mu.Lock()
	if state != 0 {
		h.state = state
	}
	var cleared []pending
	var files []string
	for e := h.vholdList.Front(); e != nil; e = e.Next() {
		v := e.Value.(*vhold)
		for _, r := range v.slreqs {
			cleared = append(cleared, pending{fileID: v.file.ID(), req: r})
		}
		v.slreqs = nil
		files = append(files, v.file.ID())
	}
	h.mu.Unlock()

	// Outside the critical section: abort the parked acquisitions the
	// cleared requests correspond to, then drop active state.
	for _, p := range cleared {
		g.flk.CancelWait(p.fileID, h.sysid, p.req.svid, p.req.offset, p.req.length)
	}
	for _, id := range files {
		g.flk.UnlockSysID(id, h.sysid)
		g.flk.UnshareSysID(id, h.sysid)
	}

	// Stale vholds are reclaimable immediately; the GC would get them
	// eventually, but crash cleanup should not leave files pinned.
	h.mu.Lock()
	h.vholdGCLocked(g.flk)
	h.mu.Unlock()
}

// hostNotifyClient starts reclamation of our own locks on a rebooted
// peer. A re-notification while a reclaimer is already running records
// the new state but starts no second reclaimer. The reclaimer runs with
// an extra host reference.
func (g *Globals) hostNotifyClient(h *Host, state int32) {
	h.mu.Lock()
	if state != 0 {
		h.state = state
	}
	if h.flags&hostReclaiming != 0 {
		h.mu.Unlock()
		return
	}
	h.flags |= hostReclaiming
	h.recoveryDone = make(chan struct{})
	h.mu.Unlock()

	// Waiters blocked on GRANTED back-calls from this peer will never
	// hear back from its previous incarnation.
	g.cancelSlocksForHost(h)

	g.mu.Lock()
	g.acquireHostLocked(h)
	g.mu.Unlock()

	g.reclaimWG.Add(1)
	go g.runReclaimer(h)
}

// runReclaimer drives the per-host reclaim task, then clears the flag,
// wakes recovery waiters, and drops the spawn-time reference.
func (g *Globals) runReclaimer(h *Host) {
	defer g.reclaimWG.Done()

	logger.Debug("reclaiming locks", "host", h.name, "sysid", h.sysid)
	if g.reclaim != nil {
		g.reclaim(g.baseCtx, g, h)
	}

	h.mu.Lock()
	h.flags &^= hostReclaiming
	done := h.recoveryDone
	h.mu.Unlock()
	close(done)

	g.ReleaseHost(h)
}

// WaitGrace parks the caller until the peer's reclamation completes,
// waking periodically so cancellation is honored promptly.
func (g *Globals) WaitGrace(ctx context.Context, h *Host) error {
	for {
		h.mu.Lock()
		if h.flags&hostReclaiming == 0 {
			h.mu.Unlock()
			return nil
		}
		done := h.recoveryDone
		h.mu.Unlock()

		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(g.cfg.RetransTimeout):
			// Periodic wake; re-check the flag.
		}
	}
}

// hasAnyLocks reports whether the host still owns lock state: a live
// vhold, a server-side lock under its sysid, or a client-side lock
// under its sysid with the client flag.
func (g *Globals) hasAnyLocks(h *Host) bool {
	if h.vholdCount() > 0 {
		return true
	}
	return g.flk.SysIDHasLocks(h.sysid) ||
		g.flk.SysIDHasLocks(h.sysid|ClientFlag)
}
