package nlm

import (
	"context"
	"encoding/binary"
	"errors"

	"github.com/marmos91/nlockd/internal/logger"
	"github.com/marmos91/nlockd/pkg/flock"
	"github.com/marmos91/nlockd/pkg/nsm"
)

// Peer identifies the transport origin of a decoded request: the
// netid of the endpoint it arrived on and the sender's address.
type Peer struct {
	NetID string
	Addr  Addr
}

// Service is the thin orchestration layer between decoded requests and
// the host/lock engine. The RPC dispatcher calls one method per NLM
// procedure; replies are returned, not written.
type Service struct {
	g *Globals
}

// NewService creates the handler set over a Globals instance.
func NewService(g *Globals) *Service {
	return &Service{g: g}
}

// MakeOwnerHandle builds the opaque owner handle our client side puts
// in outgoing lock requests: the sysid we assigned the server, so the
// GRANTED back-call can find the host without a registry scan.
func MakeOwnerHandle(sysid int32) []byte {
	oh := make([]byte, 4)
	binary.BigEndian.PutUint32(oh, uint32(sysid))
	return oh
}

// ownerHandleSysID recovers the sysid from an owner handle we built.
func ownerHandleSysID(oh []byte) (int32, bool) {
	if len(oh) < 4 {
		return 0, false
	}
	return int32(binary.BigEndian.Uint32(oh[:4])), true
}

func lockType(exclusive bool) flock.Type {
	if exclusive {
		return flock.TypeExclusive
	}
	return flock.TypeShared
}

func (s *Service) count(procedure string, st Status) {
	s.g.metrics.RequestsTotal.WithLabelValues(procedure, st.String()).Inc()
}

// Test handles NLM_TEST: report whether a lock could be acquired,
// returning the conflicting holder when it could not. No monitoring is
// performed: a TEST leaves no state behind worth recovering.
func (s *Service) Test(ctx context.Context, peer Peer, args *TestArgs) *TestRes {
	res := &TestRes{Cookie: args.Cookie}
	defer func() { s.count("TEST", res.Status) }()

	h, err := s.g.FindOrCreateHost(args.Lock.CallerName, peer.NetID, peer.Addr)
	if err != nil {
		res.Status = StatusDeniedNoLocks
		return res
	}
	defer s.g.ReleaseHost(h)

	// TEST results would be meaningless while lock state is being
	// rebuilt by reclaimers.
	if s.g.InGrace() {
		res.Status = StatusDeniedGracePeriod
		return res
	}

	f, ok := s.g.resolver.Resolve(args.Lock.FH)
	if !ok {
		res.Status = StatusStaleFH
		return res
	}

	conflict := s.g.flk.GetLock(f.ID(), flock.Lock{
		Sysid:  h.SysID(),
		Svid:   args.Lock.Svid,
		Offset: args.Lock.Offset,
		Length: args.Lock.Length,
		Type:   lockType(args.Exclusive),
	})
	if conflict == nil {
		res.Status = StatusGranted
		return res
	}

	res.Status = StatusDenied
	res.Holder = &Holder4{
		Exclusive: conflict.Type == flock.TypeExclusive,
		Svid:      conflict.Svid,
		Offset:    conflict.Offset,
		Length:    conflict.Length,
	}
	return res
}

// Lock handles NLM_LOCK.
//
// vers selects the protocol version for a possible GRANTED back-call;
// callback says whether the variant supports one (the non-monitored
// NM_LOCK flavor does not, and is neither queued nor monitored).
func (s *Service) Lock(ctx context.Context, peer Peer, args *LockArgs, vers uint32, callback bool) (st Status) {
	defer func() { s.count("LOCK", st) }()

	h, err := s.g.FindOrCreateHost(args.Lock.CallerName, peer.NetID, peer.Addr)
	if err != nil {
		if errors.Is(err, ErrNoSysIDs) {
			return StatusDeniedNoLocks
		}
		return StatusDenied
	}
	defer s.g.ReleaseHost(h)

	if s.g.InGrace() && !args.Reclaim {
		return StatusDeniedGracePeriod
	}

	// The peer rebooted between our last observation and this call:
	// drop its server-side state before touching the new lock. Client
	// reclamation stays with the NOTIFY1 path from statd.
	if prev := h.State(); prev != 0 && args.State != 0 && prev != args.State {
		logger.Info("peer rebooted between calls",
			"host", h.Name(), "old_state", prev, "new_state", args.State)
		s.g.hostNotifyServer(h, args.State)
	}

	f, ok := s.g.resolver.Resolve(args.Lock.FH)
	if !ok {
		return StatusStaleFH
	}

	v := h.vholdGet(f)

	l := flock.Lock{
		Sysid:  h.SysID(),
		Svid:   args.Lock.Svid,
		Offset: args.Lock.Offset,
		Length: args.Lock.Length,
		Type:   lockType(args.Exclusive),
	}

	result, _ := s.g.flk.SetLock(f.ID(), l)
	switch result {
	case flock.StatusOK:
		h.vholdRelease(v)
		// Non-monitored variants carry no grant callback and are not
		// registered with statd either.
		if callback {
			s.g.monitorHost(ctx, h, args.State)
		}
		return StatusGranted

	case flock.StatusNoLocks:
		h.vholdRelease(v)
		return StatusDeniedNoLocks

	case flock.StatusConflict:
		if !args.Block || !callback {
			h.vholdRelease(v)
			return StatusDenied
		}

		// Queue the sleep request and reserve a worker: the reply is
		// BLOCKED, the grant follows as a back-call.
		req := &slreq{offset: l.Offset, length: l.Length, svid: l.Svid, typ: l.Type}
		if err := h.slreqRegister(v, req, s.g.cfg.MaxSleepRequests); err != nil {
			h.vholdRelease(v)
			return StatusDeniedNoLocks
		}

		s.g.monitorHost(ctx, h, args.State)
		s.g.AcquireHost(h)
		s.g.blockedWG.Add(1)
		go s.blockedLockWorker(h, v, f.ID(), l, vers, args)
		return StatusBlocked

	default:
		h.vholdRelease(v)
		return StatusFailed
	}
}

// blockedLockWorker is the reserved worker behind a BLOCKED reply: it
// parks in the local lock manager, and on success wakes the peer with
// the GRANTED back-call. On failure the peer's retransmission machinery
// takes over. Owns one host reference and one vhold reference.
func (s *Service) blockedLockWorker(h *Host, v *vhold, fileID string, l flock.Lock, vers uint32, args *LockArgs) {
	defer s.g.blockedWG.Done()
	defer s.g.ReleaseHost(h)
	defer h.vholdRelease(v)

	result := s.g.flk.SetLockWait(s.g.baseCtx, fileID, l)

	// Whatever happened, the request is no longer sleeping. Crash
	// cleanup may already have cleared it.
	req := &slreq{offset: l.Offset, length: l.Length, svid: l.Svid, typ: l.Type}
	h.slreqUnregister(v, req)

	if result != flock.StatusOK {
		logger.Debug("blocked lock wait ended without grant",
			"host", h.Name(), "status", result.String())
		return
	}

	granted := &GrantedArgs{
		Cookie:    args.Cookie,
		Exclusive: args.Exclusive,
		Lock:      args.Lock,
	}
	status, err := s.g.granted.Granted(s.g.baseCtx, h, vers, granted)
	if err != nil {
		// Logged and dropped: the peer retransmits, and the lock it
		// now holds will be confirmed then.
		logger.Warn("GRANTED back-call failed",
			"host", h.Name(), "error", err)
		s.g.metrics.GrantCallbacksTotal.WithLabelValues("error").Inc()
		return
	}
	s.g.metrics.GrantCallbacksTotal.WithLabelValues(status.String()).Inc()
}

// Cancel handles NLM_CANCEL: withdraw a blocking request. The sleep
// request, the parked acquisition, and any lock the request may have
// won in the meantime are all cleared; succeeding at any of the three
// counts as success, so a repeated CANCEL is harmless.
func (s *Service) Cancel(ctx context.Context, peer Peer, args *CancelArgs) (st Status) {
	defer func() { s.count("CANCEL", st) }()

	h := s.g.FindHost(peer.NetID, peer.Addr)
	if h == nil {
		return StatusDenied
	}
	defer s.g.ReleaseHost(h)

	if s.g.InGrace() {
		return StatusDeniedGracePeriod
	}

	f, ok := s.g.resolver.Resolve(args.Lock.FH)
	if !ok {
		return StatusStaleFH
	}

	cleared := false
	if v := h.vholdFind(f); v != nil {
		req := &slreq{
			offset: args.Lock.Offset,
			length: args.Lock.Length,
			svid:   args.Lock.Svid,
			typ:    lockType(args.Exclusive),
		}
		if h.slreqUnregister(v, req) {
			cleared = true
		}
	}
	if s.g.flk.CancelWait(f.ID(), h.SysID(), args.Lock.Svid, args.Lock.Offset, args.Lock.Length) {
		cleared = true
	}

	// The sleep may have succeeded between the client's cancel
	// decision and our arrival; poke the lock manager either way.
	if s.g.flk.Unlock(f.ID(), h.SysID(), args.Lock.Svid, args.Lock.Offset, args.Lock.Length) {
		cleared = true
	}

	if cleared {
		return StatusGranted
	}
	return StatusDenied
}

// Unlock handles NLM_UNLOCK. The protocol has no failure code here:
// the reply is GRANTED whether or not a lock existed. An unknown peer
// is not registered for this — there is nothing of theirs to unlock.
func (s *Service) Unlock(ctx context.Context, peer Peer, args *UnlockArgs) (st Status) {
	defer func() { s.count("UNLOCK", st) }()

	h := s.g.FindHost(peer.NetID, peer.Addr)
	if h == nil {
		return StatusGranted
	}
	defer s.g.ReleaseHost(h)

	// Local lock state is being rebuilt during grace.
	if s.g.InGrace() {
		return StatusDeniedGracePeriod
	}

	f, ok := s.g.resolver.Resolve(args.Lock.FH)
	if !ok {
		return StatusStaleFH
	}

	s.g.flk.Unlock(f.ID(), h.SysID(), args.Lock.Svid, args.Lock.Offset, args.Lock.Length)
	return StatusGranted
}

// Granted handles the NLM_GRANTED back-call arriving at our client
// side: a server we were blocked on is waking us. The owner handle
// carries the sysid our client put there at registration time.
func (s *Service) Granted(ctx context.Context, peer Peer, args *GrantedArgs) (st Status) {
	defer func() { s.count("GRANTED", st) }()

	sysid, ok := ownerHandleSysID(args.Lock.OH)
	if !ok {
		return StatusDenied
	}

	h := s.g.FindHostBySysID(sysid)
	if h == nil {
		return StatusDenied
	}
	defer s.g.ReleaseHost(h)

	if s.g.GrantSleepingLock(h, args.Lock.Svid, args.Lock.Offset, args.Lock.Length, args.Lock.FH) {
		return StatusGranted
	}
	return StatusDenied
}

// Share handles NLM_SHARE: install a DOS share reservation. Grace
// rules match LOCK: only reclaims pass while the window is open.
func (s *Service) Share(ctx context.Context, peer Peer, args *ShareArgs) (st Status) {
	defer func() { s.count("SHARE", st) }()

	h, err := s.g.FindOrCreateHost(args.Share.CallerName, peer.NetID, peer.Addr)
	if err != nil {
		if errors.Is(err, ErrNoSysIDs) {
			return StatusDeniedNoLocks
		}
		return StatusDenied
	}
	defer s.g.ReleaseHost(h)

	if s.g.InGrace() && !args.Reclaim {
		return StatusDeniedGracePeriod
	}

	f, ok := s.g.resolver.Resolve(args.Share.FH)
	if !ok {
		return StatusStaleFH
	}

	// The vhold keeps the file pinned for as long as the reservation
	// lives; the transient reference is dropped right away.
	v := h.vholdGet(f)
	defer h.vholdRelease(v)

	result := s.g.flk.SetShare(f.ID(), flock.Share{
		Sysid:       h.SysID(),
		OwnerHandle: args.Share.OH,
		Mode:        args.Share.Mode,
		Access:      args.Share.Access,
	})
	if result != flock.StatusOK {
		return StatusDenied
	}

	s.g.monitorHost(ctx, h, 0)
	return StatusGranted
}

// Unshare handles NLM_UNSHARE. Like UNLOCK it cannot fail in the
// protocol, but grace still gates it while state is being rebuilt.
// An unknown peer is not registered: it holds no reservation here.
func (s *Service) Unshare(ctx context.Context, peer Peer, args *ShareArgs) (st Status) {
	defer func() { s.count("UNSHARE", st) }()

	h := s.g.FindHost(peer.NetID, peer.Addr)
	if h == nil {
		return StatusGranted
	}
	defer s.g.ReleaseHost(h)

	if s.g.InGrace() {
		return StatusDeniedGracePeriod
	}

	f, ok := s.g.resolver.Resolve(args.Share.FH)
	if !ok {
		return StatusStaleFH
	}

	s.g.flk.UnsetShare(f.ID(), flock.Share{
		Sysid:       h.SysID(),
		OwnerHandle: args.Share.OH,
	})
	return StatusGranted
}

// FreeAll handles NLM_FREE_ALL: a peer announcing it rebooted. Only
// server-side state is dropped; client-side reclamation is driven by
// the status monitor, not by the peer.
func (s *Service) FreeAll(ctx context.Context, args *FreeAllArgs) {
	s.g.metrics.RequestsTotal.WithLabelValues("FREE_ALL", StatusGranted.String()).Inc()

	for _, h := range s.g.FindHostsByName(args.Name) {
		s.g.hostNotifyServer(h, args.State)
		s.g.ReleaseHost(h)
	}
}

// Notify1 handles the NLM_SM_NOTIFY1 callback from the local statd:
// a monitored peer changed state. The priv blob is the sysid we stored
// at SM_MON time.
func (s *Service) Notify1(ctx context.Context, priv [nsm.PrivSize]byte, state int32) {
	sysid := nsm.PrivSysID(priv)

	h := s.g.FindHostBySysID(sysid)
	if h == nil {
		logger.Warn("SM notify for unknown sysid", "sysid", sysid, "state", state)
		return
	}
	defer s.g.ReleaseHost(h)

	s.g.NotifyHost(h, state)
}
