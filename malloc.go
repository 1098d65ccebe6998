package vgcmalloc

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/vincenzocapuano/vgc-malloc/internal/arena"
	"github.com/vincenzocapuano/vgc-malloc/internal/diagnostic"
	"github.com/vincenzocapuano/vgc-malloc/internal/propagator"
)

var (
	initOnce sync.Once
	shared   *arena.Shared
	mesh     *propagator.Group
)

// Init establishes the process-wide allocator with the given options,
// overlaid by any VGC_MALLOC_*-prefixed environment variables. Calling it
// is optional — the first Allocate call initializes with defaults if Init
// was never called — but calling it first applies the given options. It
// returns the error from building the guard-page back-end; a key-based
// back-end that cannot be provisioned falls back to the classic one, and a
// propagation mesh that cannot be started is logged and left disabled.
func Init(opts ...Option) error {
	var initErr error
	initOnce.Do(func() {
		cfg := applyEnv(defaultConfig())
		for _, opt := range opts {
			opt(&cfg)
		}

		policy, err := cfg.toPolicy()
		if err != nil {
			initErr = err
			return
		}

		if cfg.propagate {
			g, err := propagator.Start(applyPeerFrame)
			if err != nil {
				diagnostic.Warnf(diagnostic.ModulePropagator, "propagation disabled: %v", err)
			} else {
				mesh = g
				policy.Mesh = g
			}
		}

		shared = arena.Init(policy)
	})
	return initErr
}

func get() *arena.Shared {
	if shared == nil {
		_ = Init()
	}
	return shared
}

// applyPeerFrame is the propagator.Applier wired to this process's guard
// backend: it replays a protection flip a peer process made, without
// re-broadcasting it (Broadcast is only called by the side that originated
// the flip).
func applyPeerFrame(ptr unsafe.Pointer, size int, prot int32) error {
	s := get()
	return s.ApplyPeerProtection(ptr, size, prot)
}

// recoverEntry is deferred at the top of every exported entry point: a
// panic inside the allocator core (a slice index past a corrupted header, a
// nil backend) is reported and converted into the function's normal safe
// failure return rather than crashing the caller, the Go rendition of the
// host's single catch point at the library boundary.
func recoverEntry(where string, err *error) {
	if r := recover(); r != nil {
		diagnostic.Errorf(diagnostic.ModuleShared, "recovered panic in %s: %v", where, r)
		if err != nil {
			*err = fmt.Errorf("vgcmalloc: %s: %v", where, r)
		}
	}
}

// Allocate returns size uninitialized bytes, or nil with no error for a
// size of zero.
func Allocate(size uintptr) (ptr unsafe.Pointer, err error) {
	defer recoverEntry("Allocate", &err)
	return get().Allocate(size)
}

// ZeroAllocate returns size zero-filled bytes.
func ZeroAllocate(size uintptr) (ptr unsafe.Pointer, err error) {
	defer recoverEntry("ZeroAllocate", &err)
	return get().ZeroAllocate(size)
}

// Resize changes the block at ptr to hold size bytes, preserving
// min(oldSize, size) bytes of content. ptr may be nil (behaves like
// Allocate); size may be zero (behaves like Release).
func Resize(ptr unsafe.Pointer, size uintptr) (out unsafe.Pointer, err error) {
	defer recoverEntry("Resize", &err)
	return get().Resize(ptr, size)
}

// Release returns the block at ptr to its arena. ptr may be nil, in which
// case Release is a no-op.
func Release(ptr unsafe.Pointer) (err error) {
	defer recoverEntry("Release", &err)
	return get().Release(ptr)
}

// LeakReport renders every allocation still outstanding, each with the
// stack trace captured at allocation time (when stack-trace capture is
// enabled). Intended for process-teardown diagnostics.
func LeakReport() string {
	return get().LeakReport()
}

// StartChildGuard joins this process to the guard-page propagation mesh.
// Call it as the very first action a forked child takes — see the Fork
// model note in this module's design notes for why the fork itself is the
// caller's responsibility, not this package's.
func StartChildGuard() (err error) {
	defer recoverEntry("StartChildGuard", &err)
	if mesh == nil {
		g, startErr := propagator.Start(applyPeerFrame)
		if startErr != nil {
			return startErr
		}
		mesh = g
	}

	peers, discErr := propagator.Discover(propagator.SocketDir(), get().ParentPID())
	if discErr != nil {
		diagnostic.Warnf(diagnostic.ModulePropagator, "peer discovery failed: %v", discErr)
		return nil
	}
	for _, pid := range peers {
		mesh.Join(pid)
	}
	return nil
}

// StopChildGuard leaves the guard-page propagation mesh. Call it as a
// process's last action before it exits.
func StopChildGuard() (err error) {
	defer recoverEntry("StopChildGuard", &err)
	if mesh == nil {
		return nil
	}
	return mesh.Stop()
}
