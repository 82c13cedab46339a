// Package nlm implements the host/lock-state engine of the network lock
// manager: the peer registry with reference-counted garbage collection,
// per-host held-file tracking, the client- and server-side blocking
// tables, and the crash/recovery protocol driven by the status monitor.
//
// The wire codec and RPC dispatch sit outside this package: handlers
// receive decoded request structs and return reply structs. The local
// lock manager (pkg/flock), file resolver (pkg/vfs), and SM client
// (pkg/nsm) are collaborators reached through narrow interfaces.
package nlm

// NLM RPC program coordinates.
const (
	// Program is the NLM RPC program number (100021).
	Program uint32 = 100021

	// Version3 and Version4 are the protocol versions served. v3
	// carries 32-bit offsets; v4 is the 64-bit revision.
	Version3 uint32 = 3
	Version4 uint32 = 4

	// SMVersion and ProcSMNotify1 are the callback coordinates handed
	// to statd: state-change notifications arrive as NLM_SM_NOTIFY1.
	SMVersion     uint32 = 2
	ProcSMNotify1 uint32 = 17
)

// Procedure numbers for the back-calls this package issues.
const (
	ProcGranted    uint32 = 5
	ProcGrantedMsg uint32 = 10
)

// Status is the protocol-visible result of an NLM operation.
type Status uint32

// NLM v4 status codes. v3 uses the same values for the subset it knows.
const (
	// StatusGranted means the operation succeeded.
	StatusGranted Status = 0

	// StatusDenied means a conflict or a transient failure the peer
	// may retry.
	StatusDenied Status = 1

	// StatusDeniedNoLocks means resource exhaustion.
	StatusDeniedNoLocks Status = 2

	// StatusBlocked means the request was queued; a GRANTED back-call
	// will follow.
	StatusBlocked Status = 3

	// StatusDeniedGracePeriod means the server is in its grace window
	// and the request did not carry the reclaim flag.
	StatusDeniedGracePeriod Status = 4

	// StatusDeadlock means the blocking request would deadlock.
	StatusDeadlock Status = 5

	// StatusROFS means the file system is read-only (v4 only).
	StatusROFS Status = 6

	// StatusStaleFH means file-handle resolution failed (v4 only).
	StatusStaleFH Status = 7

	// StatusFBig means the range is beyond file limits (v4 only).
	StatusFBig Status = 8

	// StatusFailed means the local lock manager rejected the request
	// (v4 only).
	StatusFailed Status = 9
)

// String returns the protocol name of the status.
func (s Status) String() string {
	switch s {
	case StatusGranted:
		return "GRANTED"
	case StatusDenied:
		return "DENIED"
	case StatusDeniedNoLocks:
		return "DENIED_NOLOCKS"
	case StatusBlocked:
		return "BLOCKED"
	case StatusDeniedGracePeriod:
		return "DENIED_GRACE_PERIOD"
	case StatusDeadlock:
		return "DEADLCK"
	case StatusROFS:
		return "ROFS"
	case StatusStaleFH:
		return "STALE_FH"
	case StatusFBig:
		return "FBIG"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Lock4 is the nlm4_lock structure: one lock identifier on the wire.
//
// The (CallerName, OH, Svid) combination identifies a lock owner, so
// several processes on one client may hold independent locks.
type Lock4 struct {
	// CallerName is the hostname of the peer issuing the request.
	CallerName string

	// FH is the opaque file handle.
	FH []byte

	// OH is the opaque owner handle.
	OH []byte

	// Svid is the owning process id on the peer.
	Svid int32

	// Offset is the start of the range.
	Offset uint64

	// Length is the range length. Zero means to end of file.
	Length uint64
}

// Holder4 describes the holder of a conflicting lock in a TEST reply.
type Holder4 struct {
	Exclusive bool
	Svid      int32
	OH        []byte
	Offset    uint64
	Length    uint64
}

// Share4 is the nlm4_share structure: a DOS share reservation.
type Share4 struct {
	CallerName string
	FH         []byte
	OH         []byte
	Mode       uint32
	Access     uint32
}

// TestArgs is the NLM_TEST argument.
type TestArgs struct {
	Cookie    []byte
	Exclusive bool
	Lock      Lock4
}

// TestRes is the NLM_TEST result. Holder is set when Status is
// StatusDenied.
type TestRes struct {
	Cookie []byte
	Status Status
	Holder *Holder4
}

// LockArgs is the NLM_LOCK argument.
type LockArgs struct {
	Cookie    []byte
	Block     bool
	Exclusive bool
	Lock      Lock4

	// Reclaim marks a lock re-asserted during the grace period.
	Reclaim bool

	// State is the peer's NSM state counter at call time, used to
	// detect reboots we have not yet been notified about.
	State int32
}

// Res is the generic NLM result: a cookie echo plus a status.
type Res struct {
	Cookie []byte
	Status Status
}

// CancelArgs is the NLM_CANCEL argument.
type CancelArgs struct {
	Cookie    []byte
	Block     bool
	Exclusive bool
	Lock      Lock4
}

// UnlockArgs is the NLM_UNLOCK argument.
type UnlockArgs struct {
	Cookie []byte
	Lock   Lock4
}

// GrantedArgs is the NLM_GRANTED argument: the back-call a server makes
// to wake a blocked client.
type GrantedArgs struct {
	Cookie    []byte
	Exclusive bool
	Lock      Lock4
}

// ShareArgs is the NLM_SHARE and NLM_UNSHARE argument.
type ShareArgs struct {
	Cookie  []byte
	Share   Share4
	Reclaim bool
}

// ShareRes is the NLM_SHARE and NLM_UNSHARE result.
type ShareRes struct {
	Cookie   []byte
	Status   Status
	Sequence int32
}

// FreeAllArgs is the NLM_FREE_ALL argument: a peer announcing it
// restarted and everything it held should be released.
type FreeAllArgs struct {
	Name  string
	State int32
}

// Lock3 is the v3 lock structure with 32-bit offsets.
type Lock3 struct {
	CallerName string
	FH         []byte
	OH         []byte
	Svid       int32
	Offset     uint32
	Length     uint32
}

// AsV4 widens a v3 lock to the internal v4 form. Handlers convert at
// the boundary so the engine only ever sees 64-bit ranges.
func (l *Lock3) AsV4() Lock4 {
	return Lock4{
		CallerName: l.CallerName,
		FH:         l.FH,
		OH:         l.OH,
		Svid:       l.Svid,
		Offset:     uint64(l.Offset),
		Length:     uint64(l.Length),
	}
}
