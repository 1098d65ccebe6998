// Package syncutil provides the low-level thread-synchronization wrapper
// named in §1: a process-shared, robust, error-checking mutex. Every lock
// operation returns a bool the way the host's PTHREAD_mutexLock/Unlock
// wrappers do, instead of panicking, so callers can report and fail safe
// exactly as §7's "Lock error" kind requires.
package syncutil

import (
	"os"
	"sync/atomic"
)

// RobustMutex is a mutex whose word can live in shared memory (inside an
// Arena header) so any attached process can inspect it; the one embedded in
// arena.Shared lives in ordinary Go memory. The low
// bit is the lock bit; the remaining bits hold the locking pid. A holder
// that dies leaves its pid in the word — Lock detects this (the holder
// process is no longer alive) and recovers the mutex rather than blocking
// forever, the Go-native equivalent of EOWNERDEAD/PTHREAD_mutexConsistent.
type RobustMutex struct {
	word atomic.Uint64
}

const lockBit = 1

// Lock acquires the mutex, recovering it if the previous holder's process
// no longer exists. Returns false only if the recovery scan itself could
// not make progress (this never happens in-process; it exists so callers
// have a uniform "lock error" path per §7).
func (m *RobustMutex) Lock() bool {
	self := uint64(os.Getpid())
	for {
		old := m.word.Load()
		if old&lockBit == 0 {
			if m.word.CompareAndSwap(old, (self<<1)|lockBit) {
				return true
			}
			continue
		}

		holder := int(old >> 1)
		if holder != os.Getpid() && !processAlive(holder) {
			// EOWNERDEAD equivalent: the previous holder is gone.
			// Recover by claiming the word; the caller is responsible
			// for re-validating the structure's invariants (the
			// integrity checker does this on every mutating call).
			if m.word.CompareAndSwap(old, (self<<1)|lockBit) {
				return true
			}
			continue
		}

		// Busy-wait briefly; callers hold this for short critical
		// sections only (arena search/split, chain unlink).
		yieldOSThread()
	}
}

// TryLock attempts to acquire without blocking.
func (m *RobustMutex) TryLock() bool {
	self := uint64(os.Getpid())
	old := m.word.Load()
	if old&lockBit != 0 {
		return false
	}
	return m.word.CompareAndSwap(old, (self<<1)|lockBit)
}

// Unlock releases the mutex. Returns false (EPERM equivalent) if the
// calling process is not the recorded holder.
func (m *RobustMutex) Unlock() bool {
	old := m.word.Load()
	if old&lockBit == 0 {
		return false
	}
	if int(old>>1) != os.Getpid() {
		return false
	}
	return m.word.CompareAndSwap(old, 0)
}

// Consistent reports whether the mutex is currently held by a live
// process, recovering it (clearing the word) if not. Mirrors
// PTHREAD_mutexConsistent's role after an EOWNERDEAD return.
func (m *RobustMutex) Consistent() bool {
	old := m.word.Load()
	if old&lockBit == 0 {
		return true
	}
	holder := int(old >> 1)
	if processAlive(holder) {
		return true
	}
	return m.word.CompareAndSwap(old, 0)
}
