package nlm

import (
	"fmt"

	"github.com/marmos91/nlockd/pkg/flock"
	"github.com/marmos91/nlockd/pkg/vfs"
)

// slreq is a server-side sleep request: a blocking lock attempt parked
// in the local lock manager that has neither succeeded nor been
// cancelled. Identity is all four fields.
type slreq struct {
	offset uint64
	length uint64
	svid   int32
	typ    flock.Type
}

func (r *slreq) equal(o *slreq) bool {
	return r.offset == o.offset && r.length == o.length &&
		r.svid == o.svid && r.typ == o.typ
}

// vhold pins a local file on behalf of a host. One exists for as long
// as there is a reason to keep the file resolvable for the peer: an
// operation in flight (refcnt>0), a registered sleep request, or an
// actual lock or share owned by the host's sysid.
type vhold struct {
	file   *vfs.File
	refcnt int
	slreqs []*slreq
}

// vholdGet returns the host's vhold for the file with refcnt bumped,
// creating and pinning on first sight.
//
// Creation is double-checked under the host lock so two concurrent
// resolvers of the same file agree on one entry.
func (h *Host) vholdGet(f *vfs.File) *vhold {
	h.mu.Lock()
	if v, ok := h.vholds[f.ID()]; ok {
		v.refcnt++
		h.mu.Unlock()
		return v
	}
	h.mu.Unlock()

	// Allocate outside the lock, re-check under it.
	nv := &vhold{file: f, refcnt: 1}

	h.mu.Lock()
	if v, ok := h.vholds[f.ID()]; ok {
		v.refcnt++
		h.mu.Unlock()
		return v // loser discards its speculative entry
	}
	f.Hold()
	h.vholds[f.ID()] = nv
	h.vholdList.PushBack(nv)
	h.mu.Unlock()
	return nv
}

// vholdRelease drops one operation reference.
func (h *Host) vholdRelease(v *vhold) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if v.refcnt <= 0 {
		panic(fmt.Sprintf("nlm: vhold release below zero for %q on %s", v.file.ID(), h.name))
	}
	v.refcnt--
}

// vholdFind returns the host's vhold for the file without touching the
// refcnt, or nil.
func (h *Host) vholdFind(f *vfs.File) *vhold {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.vholds[f.ID()]
}

// vholdBusyLocked reports whether the vhold still has a reason to live.
// Caller holds h.mu.
func (h *Host) vholdBusyLocked(v *vhold, flk flock.Manager) bool {
	if v.refcnt > 0 || len(v.slreqs) > 0 {
		return true
	}
	key := v.file.ID()
	return flk.HasLocks(key, h.sysid) || flk.HasShares(key, h.sysid)
}

// vholdGCLocked destroys every non-busy vhold, unpinning its file.
// Caller holds h.mu.
func (h *Host) vholdGCLocked(flk flock.Manager) {
	for e := h.vholdList.Front(); e != nil; {
		next := e.Next()
		v := e.Value.(*vhold)
		if !h.vholdBusyLocked(v, flk) {
			delete(h.vholds, v.file.ID())
			h.vholdList.Remove(e)
			v.file.Rele()
		}
		e = next
	}
}

// vholdCount returns the number of live vholds.
func (h *Host) vholdCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.vholdList.Len()
}

// slreqRegister records a pending blocking request on the vhold.
// Duplicate registrations (all four identity fields equal) are
// rejected; maxPerFile bounds the list.
func (h *Host) slreqRegister(v *vhold, req *slreq, maxPerFile int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, r := range v.slreqs {
		if r.equal(req) {
			return fmt.Errorf("nlm: sleep request already registered")
		}
	}
	if maxPerFile > 0 && len(v.slreqs) >= maxPerFile {
		return fmt.Errorf("nlm: sleep request limit reached")
	}
	v.slreqs = append(v.slreqs, req)
	return nil
}

// slreqUnregister removes a pending request. Returns false when no
// matching registration exists (it may have been consumed by a grant
// or cleared by crash cleanup).
func (h *Host) slreqUnregister(v *vhold, req *slreq) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, r := range v.slreqs {
		if r.equal(req) {
			v.slreqs = append(v.slreqs[:i], v.slreqs[i+1:]...)
			return true
		}
	}
	return false
}

// slreqCount returns the number of pending sleep requests on the vhold.
func (h *Host) slreqCount(v *vhold) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(v.slreqs)
}
