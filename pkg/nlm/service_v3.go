package nlm

import "context"

// NLM v3 compatibility surface. The v3 procedures carry 32-bit offsets;
// each wrapper widens at the boundary so the engine only sees the v4
// forms. Results narrow trivially: statuses are shared between the two
// revisions.

// TestArgs3 is the v3 NLM_TEST argument.
type TestArgs3 struct {
	Cookie    []byte
	Exclusive bool
	Lock      Lock3
}

// LockArgs3 is the v3 NLM_LOCK argument.
type LockArgs3 struct {
	Cookie    []byte
	Block     bool
	Exclusive bool
	Lock      Lock3
	Reclaim   bool
	State     int32
}

// TestV3 handles v3 NLM_TEST.
func (s *Service) TestV3(ctx context.Context, peer Peer, args *TestArgs3) *TestRes {
	return s.Test(ctx, peer, &TestArgs{
		Cookie:    args.Cookie,
		Exclusive: args.Exclusive,
		Lock:      args.Lock.AsV4(),
	})
}

// LockV3 handles v3 NLM_LOCK. A GRANTED back-call, if one follows,
// goes out as v3.
func (s *Service) LockV3(ctx context.Context, peer Peer, args *LockArgs3, callback bool) Status {
	return s.Lock(ctx, peer, &LockArgs{
		Cookie:    args.Cookie,
		Block:     args.Block,
		Exclusive: args.Exclusive,
		Lock:      args.Lock.AsV4(),
		Reclaim:   args.Reclaim,
		State:     args.State,
	}, Version3, callback)
}

// CancelV3 handles v3 NLM_CANCEL.
func (s *Service) CancelV3(ctx context.Context, peer Peer, args *LockArgs3) Status {
	return s.Cancel(ctx, peer, &CancelArgs{
		Cookie:    args.Cookie,
		Block:     args.Block,
		Exclusive: args.Exclusive,
		Lock:      args.Lock.AsV4(),
	})
}

// UnlockV3 handles v3 NLM_UNLOCK.
func (s *Service) UnlockV3(ctx context.Context, peer Peer, cookie []byte, lock Lock3) Status {
	return s.Unlock(ctx, peer, &UnlockArgs{Cookie: cookie, Lock: lock.AsV4()})
}

// GrantedV3 handles the v3 NLM_GRANTED back-call.
func (s *Service) GrantedV3(ctx context.Context, peer Peer, args *TestArgs3) Status {
	return s.Granted(ctx, peer, &GrantedArgs{
		Cookie:    args.Cookie,
		Exclusive: args.Exclusive,
		Lock:      args.Lock.AsV4(),
	})
}
