package nlm

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/nlockd/pkg/flock"
)

func TestVholdGetPinsFile(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	h, err := e.g.FindOrCreateHost("alpha", "tcp", tcpPeer("10.0.0.1", 2001).Addr)
	require.NoError(t, err)
	defer e.g.ReleaseHost(h)

	f := e.addFile("fh-1", "file-1")
	v := h.vholdGet(f)

	assert.Equal(t, int32(1), f.Holds())
	assert.Equal(t, 1, h.vholdCount())

	// Second get returns the same entry without a second pin.
	v2 := h.vholdGet(f)
	assert.Same(t, v, v2)
	assert.Equal(t, int32(1), f.Holds())

	h.vholdRelease(v)
	h.vholdRelease(v2)
}

func TestVholdConcurrentGet(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	h, err := e.g.FindOrCreateHost("alpha", "tcp", tcpPeer("10.0.0.1", 2001).Addr)
	require.NoError(t, err)
	defer e.g.ReleaseHost(h)

	f := e.addFile("fh-1", "file-1")

	var wg sync.WaitGroup
	holds := make([]*vhold, 16)
	for i := range holds {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			holds[i] = h.vholdGet(f)
		}(i)
	}
	wg.Wait()

	// All racers agree on one entry, pinned exactly once.
	for _, v := range holds {
		assert.Same(t, holds[0], v)
	}
	assert.Equal(t, 1, h.vholdCount())
	assert.Equal(t, int32(1), f.Holds())

	for _, v := range holds {
		h.vholdRelease(v)
	}
}

func TestVholdGCKeepsBusyEntries(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	h, err := e.g.FindOrCreateHost("alpha", "tcp", tcpPeer("10.0.0.1", 2001).Addr)
	require.NoError(t, err)
	defer e.g.ReleaseHost(h)

	// Busy via refcnt.
	fRef := e.addFile("fh-ref", "file-ref")
	vRef := h.vholdGet(fRef)

	// Busy via an active lock for the host's sysid.
	fLock := e.addFile("fh-lock", "file-lock")
	vLock := h.vholdGet(fLock)
	h.vholdRelease(vLock)
	st, _ := e.flk.SetLock("file-lock", flock.Lock{Sysid: h.SysID(), Svid: 1, Offset: 0, Length: 10, Type: flock.TypeExclusive})
	require.Equal(t, flock.StatusOK, st)

	// Busy via a share reservation.
	fShare := e.addFile("fh-share", "file-share")
	vShare := h.vholdGet(fShare)
	h.vholdRelease(vShare)
	require.Equal(t, flock.StatusOK, e.flk.SetShare("file-share",
		flock.Share{Sysid: h.SysID(), OwnerHandle: []byte("o"), Access: flock.AccessRead}))

	// Idle: nothing keeps it alive.
	fIdle := e.addFile("fh-idle", "file-idle")
	vIdle := h.vholdGet(fIdle)
	h.vholdRelease(vIdle)

	h.mu.Lock()
	h.vholdGCLocked(e.flk)
	h.mu.Unlock()

	assert.Equal(t, 3, h.vholdCount())
	assert.Equal(t, int32(0), fIdle.Holds(), "idle vhold must unpin its file")
	assert.Equal(t, int32(1), fLock.Holds())
	assert.Equal(t, int32(1), fShare.Holds())

	h.vholdRelease(vRef)
}

func TestVholdReleaseBelowZeroPanics(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	h, err := e.g.FindOrCreateHost("alpha", "tcp", tcpPeer("10.0.0.1", 2001).Addr)
	require.NoError(t, err)
	defer e.g.ReleaseHost(h)

	f := e.addFile("fh-1", "file-1")
	v := h.vholdGet(f)
	h.vholdRelease(v)
	assert.Panics(t, func() { h.vholdRelease(v) })
}

func TestSlreqRegisterRejectsDuplicates(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	h, err := e.g.FindOrCreateHost("alpha", "tcp", tcpPeer("10.0.0.1", 2001).Addr)
	require.NoError(t, err)
	defer e.g.ReleaseHost(h)

	f := e.addFile("fh-1", "file-1")
	v := h.vholdGet(f)
	defer h.vholdRelease(v)

	req := &slreq{offset: 0, length: 10, svid: 100, typ: flock.TypeExclusive}
	require.NoError(t, h.slreqRegister(v, req, 10))
	assert.Error(t, h.slreqRegister(v, &slreq{offset: 0, length: 10, svid: 100, typ: flock.TypeExclusive}, 10))

	// Different identity is fine.
	require.NoError(t, h.slreqRegister(v, &slreq{offset: 0, length: 10, svid: 101, typ: flock.TypeExclusive}, 10))
	assert.Equal(t, 2, h.slreqCount(v))

	assert.True(t, h.slreqUnregister(v, req))
	assert.False(t, h.slreqUnregister(v, req))
	assert.Equal(t, 1, h.slreqCount(v))
}

func TestSlreqLimit(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	h, err := e.g.FindOrCreateHost("alpha", "tcp", tcpPeer("10.0.0.1", 2001).Addr)
	require.NoError(t, err)
	defer e.g.ReleaseHost(h)

	f := e.addFile("fh-1", "file-1")
	v := h.vholdGet(f)
	defer h.vholdRelease(v)

	require.NoError(t, h.slreqRegister(v, &slreq{svid: 1, length: 1}, 2))
	require.NoError(t, h.slreqRegister(v, &slreq{svid: 2, length: 1}, 2))
	assert.Error(t, h.slreqRegister(v, &slreq{svid: 3, length: 1}, 2))
}
