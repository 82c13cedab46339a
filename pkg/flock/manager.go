package flock

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/nlockd/internal/logger"
)

// Manager is the lock-manager interface the host engine consumes.
//
// Files are keyed by their stable identity string (vfs.File.ID). All
// methods are safe for concurrent use.
type Manager interface {
	// SetLock attempts a non-blocking acquisition. On conflict it
	// returns StatusConflict plus the first conflicting lock.
	SetLock(key string, l Lock) (Status, *Lock)

	// SetLockWait blocks until the lock is acquired, the context is
	// cancelled, or CancelWait aborts the wait.
	SetLockWait(ctx context.Context, key string, l Lock) Status

	// CancelWait aborts a pending SetLockWait identified by owner and
	// range. Returns true if a waiter was aborted.
	CancelWait(key string, sysid, svid int32, offset, length uint64) bool

	// GetLock returns the first lock that would conflict with l, or nil.
	GetLock(key string, l Lock) *Lock

	// Unlock removes the owner's locks over [offset, offset+length)
	// with POSIX splitting semantics. Reports whether anything was
	// removed or trimmed.
	Unlock(key string, sysid, svid int32, offset, length uint64) bool

	// UnlockSysID removes every lock held by sysid on the file.
	UnlockSysID(key string, sysid int32)

	// HasLocks reports whether sysid holds any lock on the file.
	HasLocks(key string, sysid int32) bool

	// SysIDHasLocks reports whether sysid holds any lock on any file.
	SysIDHasLocks(sysid int32) bool

	// SetShare installs a share reservation.
	SetShare(key string, sh Share) Status

	// UnsetShare removes the reservation matching sysid and owner handle.
	UnsetShare(key string, sh Share)

	// UnshareSysID removes every reservation held by sysid on the file.
	UnshareSysID(key string, sysid int32)

	// HasShares reports whether sysid holds any reservation on the file.
	HasShares(key string, sysid int32) bool
}

// waiter is a parked SetLockWait call.
type waiter struct {
	lock   Lock
	wake   chan struct{} // closed when the lock table changed
	cancel chan struct{} // closed by CancelWait
}

// LockManager is the in-memory Manager implementation.
//
// A single mutex guards both tables. Blocking waiters park on per-waiter
// channels; any mutation that frees a range wakes every waiter on that
// file and the waiters re-check. FIFO fairness between waiters is not
// guaranteed, matching the advisory-lock contract.
type LockManager struct {
	mu      sync.Mutex
	locks   map[string][]Lock
	shares  map[string][]Share
	waiters map[string][]*waiter

	// maxLocksPerFile bounds the lock table per file; 0 is unlimited.
	// Exceeding it yields StatusNoLocks.
	maxLocksPerFile int
}

// NewManager creates an empty lock manager.
func NewManager() *LockManager {
	return &LockManager{
		locks:   make(map[string][]Lock),
		shares:  make(map[string][]Share),
		waiters: make(map[string][]*waiter),
	}
}

// NewManagerWithLimit creates a lock manager that denies acquisitions
// beyond maxLocksPerFile locks on one file.
func NewManagerWithLimit(maxLocksPerFile int) *LockManager {
	m := NewManager()
	m.maxLocksPerFile = maxLocksPerFile
	return m
}

// SetLock attempts a non-blocking acquisition.
func (m *LockManager) SetLock(key string, l Lock) (Status, *Lock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setLockLocked(key, l)
}

func (m *LockManager) setLockLocked(key string, l Lock) (Status, *Lock) {
	existing := m.locks[key]

	for i := range existing {
		if conflicts(&existing[i], &l) {
			c := existing[i]
			return StatusConflict, &c
		}
	}

	// Exact same-owner range: update in place (allows upgrade/downgrade).
	for i := range existing {
		if sameOwner(&existing[i], &l) &&
			existing[i].Offset == l.Offset && existing[i].Length == l.Length {
			existing[i].Type = l.Type
			existing[i].AcquiredAt = time.Now()
			m.wakeWaitersLocked(key)
			return StatusOK, nil
		}
	}

	if m.maxLocksPerFile > 0 && len(existing) >= m.maxLocksPerFile {
		return StatusNoLocks, nil
	}

	l.ID = uuid.NewString()
	l.AcquiredAt = time.Now()
	m.locks[key] = append(existing, l)
	return StatusOK, nil
}

// SetLockWait blocks until the lock is acquired or the wait is aborted.
func (m *LockManager) SetLockWait(ctx context.Context, key string, l Lock) Status {
	m.mu.Lock()
	for {
		st, _ := m.setLockLocked(key, l)
		if st != StatusConflict {
			m.mu.Unlock()
			return st
		}

		w := &waiter{
			lock:   l,
			wake:   make(chan struct{}),
			cancel: make(chan struct{}),
		}
		m.waiters[key] = append(m.waiters[key], w)
		m.mu.Unlock()

		select {
		case <-w.wake:
			// Table changed; re-check.
		case <-w.cancel:
			return StatusCancelled
		case <-ctx.Done():
			m.removeWaiter(key, w)
			return StatusCancelled
		}
		m.mu.Lock()
	}
}

// CancelWait aborts a pending SetLockWait.
func (m *LockManager) CancelWait(key string, sysid, svid int32, offset, length uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws := m.waiters[key]
	for i, w := range ws {
		if w.lock.Sysid == sysid && w.lock.Svid == svid &&
			w.lock.Offset == offset && w.lock.Length == length {
			m.waiters[key] = append(ws[:i], ws[i+1:]...)
			close(w.cancel)
			return true
		}
	}
	return false
}

// removeWaiter detaches a waiter that gave up on its own.
func (m *LockManager) removeWaiter(key string, w *waiter) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws := m.waiters[key]
	for i := range ws {
		if ws[i] == w {
			m.waiters[key] = append(ws[:i], ws[i+1:]...)
			return
		}
	}
}

// wakeWaitersLocked releases every parked waiter on the file for a
// re-check. Called after any mutation that may have freed a range.
func (m *LockManager) wakeWaitersLocked(key string) {
	ws := m.waiters[key]
	if len(ws) == 0 {
		return
	}
	delete(m.waiters, key)
	for _, w := range ws {
		close(w.wake)
	}
}

// GetLock returns the first conflicting lock, or nil.
func (m *LockManager) GetLock(key string, l Lock) *Lock {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.locks[key]
	for i := range existing {
		if conflicts(&existing[i], &l) {
			c := existing[i]
			return &c
		}
	}
	return nil
}

// Unlock removes the owner's locks over the range with POSIX splitting.
//
// A lock fully inside the range disappears; a lock straddling an edge is
// trimmed; a lock containing the range is split in two.
func (m *LockManager) Unlock(key string, sysid, svid int32, offset, length uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.locks[key]
	unlockEnd, unlockInf := rangeEnd(offset, length)

	var kept []Lock
	changed := false
	for _, l := range existing {
		if l.Sysid != sysid || l.Svid != svid || !overlaps(l.Offset, l.Length, offset, length) {
			kept = append(kept, l)
			continue
		}
		changed = true

		lEnd, lInf := rangeEnd(l.Offset, l.Length)

		// Left remainder.
		if l.Offset < offset {
			left := l
			left.Length = offset - l.Offset
			kept = append(kept, left)
		}

		// Right remainder.
		if !unlockInf && (lInf || lEnd > unlockEnd) {
			right := l
			right.Offset = unlockEnd
			if lInf {
				right.Length = 0
			} else {
				right.Length = lEnd - unlockEnd
			}
			kept = append(kept, right)
		}
	}

	if changed {
		if len(kept) == 0 {
			delete(m.locks, key)
		} else {
			m.locks[key] = kept
		}
		m.wakeWaitersLocked(key)
	}
	return changed
}

// UnlockSysID removes every lock held by sysid on the file.
func (m *LockManager) UnlockSysID(key string, sysid int32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.locks[key]
	var kept []Lock
	for _, l := range existing {
		if l.Sysid != sysid {
			kept = append(kept, l)
		}
	}
	if len(kept) == len(existing) {
		return
	}

	logger.Debug("dropped locks for sysid",
		"file", key, "sysid", sysid, "count", len(existing)-len(kept))

	if len(kept) == 0 {
		delete(m.locks, key)
	} else {
		m.locks[key] = kept
	}
	m.wakeWaitersLocked(key)
}

// HasLocks reports whether sysid holds any lock on the file.
func (m *LockManager) HasLocks(key string, sysid int32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, l := range m.locks[key] {
		if l.Sysid == sysid {
			return true
		}
	}
	return false
}

// SysIDHasLocks reports whether sysid holds any lock on any file.
func (m *LockManager) SysIDHasLocks(sysid int32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, locks := range m.locks {
		for i := range locks {
			if locks[i].Sysid == sysid {
				return true
			}
		}
	}
	return false
}

// SetShare installs a share reservation.
func (m *LockManager) SetShare(key string, sh Share) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.shares[key]
	for i := range existing {
		if existing[i].Sysid == sh.Sysid && bytes.Equal(existing[i].OwnerHandle, sh.OwnerHandle) {
			// Same owner re-reserving: update in place.
			existing[i].Mode = sh.Mode
			existing[i].Access = sh.Access
			return StatusOK
		}
	}
	for i := range existing {
		if shareConflicts(&existing[i], &sh) {
			return StatusConflict
		}
	}

	sh.OwnerHandle = append([]byte(nil), sh.OwnerHandle...)
	m.shares[key] = append(existing, sh)
	return StatusOK
}

// UnsetShare removes the reservation matching sysid and owner handle.
func (m *LockManager) UnsetShare(key string, sh Share) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.shares[key]
	for i := range existing {
		if existing[i].Sysid == sh.Sysid && bytes.Equal(existing[i].OwnerHandle, sh.OwnerHandle) {
			m.shares[key] = append(existing[:i], existing[i+1:]...)
			if len(m.shares[key]) == 0 {
				delete(m.shares, key)
			}
			return
		}
	}
}

// UnshareSysID removes every reservation held by sysid on the file.
func (m *LockManager) UnshareSysID(key string, sysid int32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.shares[key]
	var kept []Share
	for _, sh := range existing {
		if sh.Sysid != sysid {
			kept = append(kept, sh)
		}
	}
	if len(kept) == 0 {
		delete(m.shares, key)
	} else {
		m.shares[key] = kept
	}
}

// HasShares reports whether sysid holds any reservation on the file.
func (m *LockManager) HasShares(key string, sysid int32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sh := range m.shares[key] {
		if sh.Sysid == sysid {
			return true
		}
	}
	return false
}
