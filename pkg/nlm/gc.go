package nlm

import (
	"context"
	"time"

	"github.com/marmos91/nlockd/internal/logger"
)

// gcLoop is the idle-host reaper: one long-lived goroutine per domain.
//
// It sleeps up to the idle timeout and wakes early on shutdown or an
// on-demand schedule. Each pass walks the idle LRU head-first while
// deadlines have expired, pruning stale vholds and destroying hosts
// that hold nothing.
//
// The zone mutex is never held across host work: the loop drops it,
// takes the host lock for the expensive part, retakes the zone mutex,
// and revalidates before acting. A late acquire therefore never races
// a destroy.
func (g *Globals) gcLoop() {
	defer close(g.gcDone)

	for {
		select {
		case <-g.stopCh:
			return
		case <-g.gcKick:
		case <-time.After(g.cfg.IdleTimeout):
		}

		select {
		case <-g.stopCh:
			return
		default:
		}

		g.gcPass()
	}
}

// gcPass reaps every idle host whose deadline has expired.
func (g *Globals) gcPass() {
	now := time.Now()

	g.mu.Lock()
	for {
		front := g.idle.Front()
		if front == nil {
			break
		}
		h := front.Value.(*Host)
		if h.idleDeadline.After(now) {
			break
		}
		deadline := h.idleDeadline

		// Expensive host work happens without the zone mutex.
		g.mu.Unlock()
		h.mu.Lock()
		h.vholdGCLocked(g.flk)
		h.mu.Unlock()
		hasLocks := g.hasAnyLocks(h)
		g.mu.Lock()

		// Revalidate: a user may have grabbed and released the host
		// meanwhile, moving its deadline forward or off the list.
		if h.idleElem == nil || !h.idleDeadline.Equal(deadline) {
			continue
		}

		h.mu.Lock()
		busy := h.refs > 0
		h.mu.Unlock()
		if busy || hasLocks {
			// Still in use; restamp and move to the tail.
			g.idle.Remove(h.idleElem)
			h.idleDeadline = now.Add(g.cfg.IdleTimeout)
			h.idleElem = g.idle.PushBack(h)
			continue
		}

		g.unregisterHostLocked(h)
		g.mu.Unlock()
		g.unmonitorHost(context.Background(), h)
		g.destroyHost(h)
		g.metrics.HostsReaped.Inc()
		logger.Debug("reaped idle host", "host", h.name, "sysid", h.sysid)
		g.mu.Lock()
	}
	g.mu.Unlock()
}
