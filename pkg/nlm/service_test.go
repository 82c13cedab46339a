package nlm

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/nlockd/pkg/flock"
	"github.com/marmos91/nlockd/pkg/nsm"
)

func TestBasicLockUnlockLifecycle(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	peer := tcpPeer("10.0.0.1", 2001)
	e.addFile("fh-F", "file-F")

	st := e.svc.Lock(testCtx(), peer, lockArgs("alpha", "fh-F", 100, 0, 10, true), Version4, true)
	require.Equal(t, StatusGranted, st)

	// Host registered with a fresh sysid and monitored.
	h := e.g.FindHost("tcp", peer.Addr)
	require.NotNil(t, h)
	assert.NotEqual(t, int32(0), h.SysID())
	assert.True(t, h.Monitored())
	assert.Equal(t, 1, e.sm.monCount())
	assert.Equal(t, 1, h.vholdCount())
	sysid := h.SysID()
	e.g.ReleaseHost(h)

	// Unlock the same range.
	st = e.svc.Unlock(testCtx(), peer, &UnlockArgs{
		Cookie: []byte{1},
		Lock:   lockArgs("alpha", "fh-F", 100, 0, 10, true).Lock,
	})
	require.Equal(t, StatusGranted, st)
	assert.False(t, e.flk.SysIDHasLocks(sysid))

	// After the idle timeout the collector destroys the host and
	// deregisters it from statd exactly once.
	expireIdle(e, h)
	e.g.gcPass()
	assert.Equal(t, 0, e.g.HostCount())
	assert.Equal(t, 1, e.sm.unmonCount())
}

func TestBlockingLockGrantsAfterUnlock(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	p1 := tcpPeer("10.0.0.1", 2001)
	p2 := tcpPeer("10.0.0.2", 2001)
	e.addFile("fh-F", "file-F")

	st := e.svc.Lock(testCtx(), p1, lockArgs("alpha", "fh-F", 100, 0, 10, true), Version4, true)
	require.Equal(t, StatusGranted, st)

	// The conflicting blocking request is accepted and parked.
	p2args := lockArgs("beta", "fh-F", 200, 0, 10, true)
	p2args.Block = true
	st = e.svc.Lock(testCtx(), p2, p2args, Version4, true)
	require.Equal(t, StatusBlocked, st)

	// Releasing the conflict wakes the worker, which issues the
	// GRANTED back-call to the peer.
	st = e.svc.Unlock(testCtx(), p1, &UnlockArgs{
		Lock: lockArgs("alpha", "fh-F", 100, 0, 10, true).Lock,
	})
	require.Equal(t, StatusGranted, st)

	require.Eventually(t, func() bool {
		return e.grant.callCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	e.grant.mu.Lock()
	granted := e.grant.calls[0]
	e.grant.mu.Unlock()
	assert.Equal(t, "beta", granted.Lock.CallerName)
	assert.Equal(t, int32(200), granted.Lock.Svid)

	// The range now tests clean for the new holder.
	res := e.svc.Test(testCtx(), p2, &TestArgs{
		Exclusive: true,
		Lock:      p2args.Lock,
	})
	assert.Equal(t, StatusGranted, res.Status)
}

func TestNonBlockingConflictDenied(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	p1 := tcpPeer("10.0.0.1", 2001)
	p2 := tcpPeer("10.0.0.2", 2001)
	e.addFile("fh-F", "file-F")

	require.Equal(t, StatusGranted,
		e.svc.Lock(testCtx(), p1, lockArgs("alpha", "fh-F", 100, 0, 10, true), Version4, true))

	st := e.svc.Lock(testCtx(), p2, lockArgs("beta", "fh-F", 200, 5, 10, true), Version4, true)
	assert.Equal(t, StatusDenied, st)

	// Without a grant callback a blocking conflict is denied too.
	blocking := lockArgs("beta", "fh-F", 200, 5, 10, true)
	blocking.Block = true
	st = e.svc.Lock(testCtx(), p2, blocking, Version4, false)
	assert.Equal(t, StatusDenied, st)
}

func TestTestReportsConflictingHolder(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	p1 := tcpPeer("10.0.0.1", 2001)
	p2 := tcpPeer("10.0.0.2", 2001)
	e.addFile("fh-F", "file-F")

	require.Equal(t, StatusGranted,
		e.svc.Lock(testCtx(), p1, lockArgs("alpha", "fh-F", 100, 0, 10, true), Version4, true))

	res := e.svc.Test(testCtx(), p2, &TestArgs{
		Exclusive: true,
		Lock:      lockArgs("beta", "fh-F", 200, 5, 10, true).Lock,
	})
	require.Equal(t, StatusDenied, res.Status)
	require.NotNil(t, res.Holder)
	assert.True(t, res.Holder.Exclusive)
	assert.Equal(t, int32(100), res.Holder.Svid)
	assert.Equal(t, uint64(0), res.Holder.Offset)
	assert.Equal(t, uint64(10), res.Holder.Length)

	// TEST performs no monitoring.
	h := e.g.FindHost("tcp", p2.Addr)
	require.NotNil(t, h)
	assert.False(t, h.Monitored())
	e.g.ReleaseHost(h)
}

func TestGraceGating(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	peer := tcpPeer("10.0.0.1", 2001)
	e.addFile("fh-F", "file-F")

	openGrace(e.g, time.Minute)

	// New locks are refused while the window is open.
	st := e.svc.Lock(testCtx(), peer, lockArgs("alpha", "fh-F", 100, 0, 10, true), Version4, true)
	assert.Equal(t, StatusDeniedGracePeriod, st)

	// Reclaims pass.
	reclaim := lockArgs("alpha", "fh-F", 100, 0, 10, true)
	reclaim.Reclaim = true
	st = e.svc.Lock(testCtx(), peer, reclaim, Version4, true)
	assert.Equal(t, StatusGranted, st)

	// TEST and UNLOCK are refused: results would be meaningless while
	// state is being rebuilt.
	res := e.svc.Test(testCtx(), peer, &TestArgs{Lock: reclaim.Lock})
	assert.Equal(t, StatusDeniedGracePeriod, res.Status)
	st = e.svc.Unlock(testCtx(), peer, &UnlockArgs{Lock: reclaim.Lock})
	assert.Equal(t, StatusDeniedGracePeriod, st)

	// Window closed: normal operation resumes.
	expireGrace(e.g)
	st = e.svc.Unlock(testCtx(), peer, &UnlockArgs{Lock: reclaim.Lock})
	assert.Equal(t, StatusGranted, st)
}

func TestCancelIsIdempotent(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	p1 := tcpPeer("10.0.0.1", 2001)
	p2 := tcpPeer("10.0.0.2", 2001)
	e.addFile("fh-F", "file-F")

	require.Equal(t, StatusGranted,
		e.svc.Lock(testCtx(), p1, lockArgs("alpha", "fh-F", 100, 0, 10, true), Version4, true))

	blocking := lockArgs("beta", "fh-F", 200, 0, 10, true)
	blocking.Block = true
	require.Equal(t, StatusBlocked,
		e.svc.Lock(testCtx(), p2, blocking, Version4, true))

	cancel := &CancelArgs{
		Block:     true,
		Exclusive: true,
		Lock:      blocking.Lock,
	}
	st := e.svc.Cancel(testCtx(), p2, cancel)
	assert.Equal(t, StatusGranted, st)

	// The parked worker exits without issuing a grant.
	require.Eventually(t, func() bool {
		h := e.g.FindHost("tcp", p2.Addr)
		if h == nil {
			return false
		}
		defer e.g.ReleaseHost(h)
		return h.Refs() == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, e.grant.callCount())

	// A second CANCEL clears nothing and reports DENIED; no sleep
	// request dangles.
	st = e.svc.Cancel(testCtx(), p2, cancel)
	assert.Equal(t, StatusDenied, st)
}

func TestGrantedBackCallWakesClientWaiter(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	// "server-1" is a remote server our client side is blocked on.
	server, err := e.g.FindOrCreateHost("server-1", "tcp", tcpPeer("10.0.1.1", 2001).Addr)
	require.NoError(t, err)
	defer e.g.ReleaseHost(server)

	sl := e.g.RegisterSleepingLock(server, []byte("fh-R"), 300, 0, 10)
	defer e.g.UnregisterSleepingLock(sl)

	st := e.svc.Granted(testCtx(), tcpPeer("10.0.1.1", 2001), &GrantedArgs{
		Exclusive: true,
		Lock: Lock4{
			CallerName: "nlockd-test",
			FH:         []byte("fh-R"),
			OH:         MakeOwnerHandle(server.SysID()),
			Svid:       300,
			Offset:     0,
			Length:     10,
		},
	})
	assert.Equal(t, StatusGranted, st)
	assert.Equal(t, WaitOK, e.g.WaitSleepingLock(testCtx(), sl, time.Second))

	// A grant nobody waits for is denied.
	st = e.svc.Granted(testCtx(), tcpPeer("10.0.1.1", 2001), &GrantedArgs{
		Lock: Lock4{
			FH:     []byte("fh-R"),
			OH:     MakeOwnerHandle(server.SysID()),
			Svid:   999,
			Offset: 0,
			Length: 10,
		},
	})
	assert.Equal(t, StatusDenied, st)
}

func TestShareReservationLifecycle(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	p1 := tcpPeer("10.0.0.1", 2001)
	p2 := tcpPeer("10.0.0.2", 2001)
	e.addFile("fh-F", "file-F")

	share := &ShareArgs{
		Share: Share4{
			CallerName: "alpha",
			FH:         []byte("fh-F"),
			OH:         []byte("owner-1"),
			Mode:       flock.AccessWrite,
			Access:     flock.AccessRead | flock.AccessWrite,
		},
	}
	require.Equal(t, StatusGranted, e.svc.Share(testCtx(), p1, share))

	// A writer is denied by the deny-write reservation.
	conflicting := &ShareArgs{
		Share: Share4{
			CallerName: "beta",
			FH:         []byte("fh-F"),
			OH:         []byte("owner-2"),
			Access:     flock.AccessWrite,
		},
	}
	assert.Equal(t, StatusDenied, e.svc.Share(testCtx(), p2, conflicting))

	// The vhold persists while the reservation lives.
	h := e.g.FindHost("tcp", p1.Addr)
	require.NotNil(t, h)
	assert.Equal(t, 1, h.vholdCount())
	assert.True(t, h.Monitored())
	e.g.ReleaseHost(h)

	require.Equal(t, StatusGranted, e.svc.Unshare(testCtx(), p1, share))
	assert.Equal(t, StatusGranted, e.svc.Share(testCtx(), p2, conflicting))
}

func TestShareGraceGating(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	peer := tcpPeer("10.0.0.1", 2001)
	e.addFile("fh-F", "file-F")

	openGrace(e.g, time.Minute)

	share := &ShareArgs{
		Share: Share4{CallerName: "alpha", FH: []byte("fh-F"), OH: []byte("o"), Access: flock.AccessRead},
	}
	assert.Equal(t, StatusDeniedGracePeriod, e.svc.Share(testCtx(), peer, share))

	share.Reclaim = true
	assert.Equal(t, StatusGranted, e.svc.Share(testCtx(), peer, share))
}

func TestUnlockUnknownPeerDoesNotRegister(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	e.addFile("fh-F", "file-F")

	// A stray UNLOCK from a never-seen address succeeds without
	// burning a sysid or a registry entry.
	st := e.svc.Unlock(testCtx(), tcpPeer("10.0.7.7", 2001), &UnlockArgs{
		Lock: lockArgs("stray", "fh-F", 100, 0, 10, true).Lock,
	})
	assert.Equal(t, StatusGranted, st)
	assert.Equal(t, 0, e.g.HostCount())

	// Same for UNSHARE.
	st = e.svc.Unshare(testCtx(), tcpPeer("10.0.7.8", 2001), &ShareArgs{
		Share: Share4{CallerName: "stray", FH: []byte("fh-F"), OH: []byte("o")},
	})
	assert.Equal(t, StatusGranted, st)
	assert.Equal(t, 0, e.g.HostCount())
}

func TestNonMonitoredLockSkipsStatd(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	peer := tcpPeer("10.0.0.1", 2001)
	e.addFile("fh-F", "file-F")

	// NM_LOCK flavor: no grant callback, no SM_MON.
	st := e.svc.Lock(testCtx(), peer, lockArgs("alpha", "fh-F", 100, 0, 10, true), Version4, false)
	require.Equal(t, StatusGranted, st)

	h := e.g.FindHost("tcp", peer.Addr)
	require.NotNil(t, h)
	assert.False(t, h.Monitored())
	assert.Equal(t, 0, e.sm.monCount())
	e.g.ReleaseHost(h)
}

func TestStaleFileHandle(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	peer := tcpPeer("10.0.0.1", 2001)

	st := e.svc.Lock(testCtx(), peer, lockArgs("alpha", "fh-missing", 100, 0, 10, true), Version4, true)
	assert.Equal(t, StatusStaleFH, st)

	res := e.svc.Test(testCtx(), peer, &TestArgs{Lock: lockArgs("alpha", "fh-missing", 100, 0, 10, true).Lock})
	assert.Equal(t, StatusStaleFH, res.Status)
}

func TestLockDetectsRebootedPeer(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	peer := tcpPeer("10.0.0.1", 2001)
	e.addFile("fh-F", "file-F")

	require.Equal(t, StatusGranted,
		e.svc.Lock(testCtx(), peer, lockArgs("alpha", "fh-F", 100, 0, 10, true), Version4, true))

	h := e.g.FindHost("tcp", peer.Addr)
	require.NotNil(t, h)
	require.Equal(t, int32(7), h.State())
	sysid := h.SysID()
	e.g.ReleaseHost(h)

	// The same peer comes back with a new state counter: its old lock
	// is swept before the new one is taken.
	rebooted := lockArgs("alpha", "fh-F", 100, 20, 10, true)
	rebooted.State = 9
	require.Equal(t, StatusGranted, e.svc.Lock(testCtx(), peer, rebooted, Version4, true))

	// The pre-reboot range [0,10) is free again; only [20,30) is held.
	probe := flock.Lock{Sysid: sysid + 1000, Svid: 1, Offset: 0, Length: 10, Type: flock.TypeShared}
	assert.Nil(t, e.flk.GetLock("file-F", probe), "old range is free after the fan-out")
	probe.Offset = 20
	assert.NotNil(t, e.flk.GetLock("file-F", probe), "new lock installed")

	h = e.g.FindHost("tcp", peer.Addr)
	require.NotNil(t, h)
	assert.Equal(t, int32(9), h.State())

	// The LOCK path sweeps server-side state only; no reclaimer runs.
	assert.False(t, h.Reclaiming())
	e.g.ReleaseHost(h)
}

func TestNotify1RunsFullFanOut(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	peer := tcpPeer("10.0.0.1", 2001)
	e.addFile("fh-F", "file-F")

	require.Equal(t, StatusGranted,
		e.svc.Lock(testCtx(), peer, lockArgs("alpha", "fh-F", 100, 0, 10, true), Version4, true))

	h := e.g.FindHost("tcp", peer.Addr)
	require.NotNil(t, h)
	sysid := h.SysID()
	oldState := h.State()
	e.g.ReleaseHost(h)

	e.svc.Notify1(testCtx(), nsm.SysIDPriv(sysid), oldState+2)

	assert.False(t, e.flk.SysIDHasLocks(sysid))
	h = e.g.FindHost("tcp", peer.Addr)
	require.NotNil(t, h)
	assert.Equal(t, oldState+2, h.State())
	e.g.ReleaseHost(h)
	e.g.reclaimWG.Wait()
}

func TestFreeAllDropsServerStateOnly(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	peer := tcpPeer("10.0.0.1", 2001)
	e.addFile("fh-F", "file-F")

	require.Equal(t, StatusGranted,
		e.svc.Lock(testCtx(), peer, lockArgs("alpha", "fh-F", 100, 0, 10, true), Version4, true))

	h := e.g.FindHost("tcp", peer.Addr)
	require.NotNil(t, h)
	sysid := h.SysID()

	// A client-side waiter on the same peer must survive FREE_ALL.
	sl := e.g.RegisterSleepingLock(h, []byte("fh-F"), 300, 0, 10)
	defer e.g.UnregisterSleepingLock(sl)
	e.g.ReleaseHost(h)

	e.svc.FreeAll(testCtx(), &FreeAllArgs{Name: "alpha", State: 9})

	assert.False(t, e.flk.SysIDHasLocks(sysid))
	assert.Equal(t, WaitTimeout, e.g.WaitSleepingLock(testCtx(), sl, 50*time.Millisecond),
		"client-side state untouched by FREE_ALL")
}

func TestShutdownDrainsEverything(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	// 100 peers, half holding live locks.
	var sysids []int32
	for i := 0; i < 100; i++ {
		fh := fmt.Sprintf("fh-%d", i)
		id := fmt.Sprintf("file-%d", i)
		e.addFile(fh, id)

		peer := tcpPeer(fmt.Sprintf("10.0.%d.%d", i/250, i%250+1), 2001)
		args := lockArgs(fmt.Sprintf("peer-%d", i), fh, int32(100+i), 0, 10, true)
		require.Equal(t, StatusGranted, e.svc.Lock(testCtx(), peer, args, Version4, true))

		h := e.g.FindHost("tcp", peer.Addr)
		require.NotNil(t, h)
		sysids = append(sysids, h.SysID())
		e.g.ReleaseHost(h)

		if i%2 == 0 {
			// Half the peers release their lock again.
			require.Equal(t, StatusGranted, e.svc.Unlock(testCtx(), peer, &UnlockArgs{Lock: args.Lock}))
		}
	}
	require.Equal(t, 100, e.g.HostCount())

	require.NoError(t, e.g.Shutdown(testCtx()))

	assert.Equal(t, RunDown, e.g.RunState())
	assert.Equal(t, 0, e.g.HostCount())
	assert.Equal(t, 1, e.sm.unmonAll)
	for _, sysid := range sysids {
		assert.False(t, e.flk.SysIDHasLocks(sysid))
	}
	for i := 0; i < 100; i++ {
		f, ok := e.files.Resolve([]byte(fmt.Sprintf("fh-%d", i)))
		require.True(t, ok)
		assert.Equal(t, int32(0), f.Holds(), "no vhold leaks")
	}

	// No new host may appear after shutdown.
	_, err := e.g.FindOrCreateHost("late", "tcp", tcpPeer("10.9.9.9", 1).Addr)
	assert.ErrorIs(t, err, ErrShuttingDown)
}
