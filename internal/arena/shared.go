package arena

import (
	"os"
	"sync"
	"unsafe"

	"github.com/vincenzocapuano/vgc-malloc/internal/diagnostic"
	"github.com/vincenzocapuano/vgc-malloc/internal/errors"
	"github.com/vincenzocapuano/vgc-malloc/internal/guard"
	"github.com/vincenzocapuano/vgc-malloc/internal/propagator"
	"github.com/vincenzocapuano/vgc-malloc/internal/syncutil"
)

// Policy carries the process-wide allocator configuration Shared is built
// from: arena size, guard-page mode, and the backend those guard pages are
// enforced through. The root package's Config translates into one of these
// at Init.
type Policy struct {
	ArenaBytes   int
	GuardBackend guard.Backend
	Guarded      bool
	TraceDepth   int               // 0 disables allocation stack-trace capture
	Mesh         *propagator.Group // nil disables cross-process broadcast
}

// protect flips protection locally and, when a propagation mesh is joined,
// broadcasts the same flip to every peer.
func (p Policy) protect(backend guard.Backend, ptr unsafe.Pointer, size int, prot int32) error {
	var err error
	if prot == prohibitedProt {
		err = backend.Protect(ptr, size)
	} else {
		err = backend.Unprotect(ptr, size)
	}
	if err == nil && p.Mesh != nil {
		p.Mesh.Broadcast(ptr, uint32(size), prot)
	}
	return err
}

const prohibitedProt int32 = 0 // mirrors PROT_NONE; any other value means read|write

// Shared is the process-wide singleton: the global mutex plus the list of
// arenas it protects. Unlike the original, this bookkeeping struct is
// ordinary Go memory rather than a third mmap region — see DESIGN.md for
// why: nothing outside this process ever needs to walk the arena list
// itself, only the guard-page protection *state* is synchronized across
// processes, and that travels over the propagator's sockets, not through
// shared arena topology.
type Shared struct {
	mu         syncutil.RobustMutex
	arenas     []*Arena
	policy     Policy
	pid        int
	traceDepth int
}

var (
	shared     *Shared
	sharedOnce sync.Once
)

// New builds a standalone Shared from policy, independent of the
// process-wide singleton. Tests use this directly so each scenario gets its
// own arena chain instead of sharing the singleton's state.
func New(p Policy) *Shared {
	s := &Shared{policy: p, pid: os.Getpid(), traceDepth: p.TraceDepth}
	diagnostic.Infof(diagnostic.ModuleShared, "starting (pid %d)", s.pid)
	return s
}

// Init establishes the process-wide singleton. Safe to call more than once;
// only the first call's policy takes effect, matching the constructor-style
// one-time setup the original performs at library load.
func Init(p Policy) *Shared {
	sharedOnce.Do(func() {
		shared = New(p)
	})
	return shared
}

// Get returns the singleton, initializing it with a default policy (guard
// pages off) if Init was never called — mirroring vgc_malloc's lazy
// first-MMAP-block initialization on the first allocate call.
func Get() *Shared {
	if shared == nil {
		return Init(Policy{ArenaBytes: 8000 * pageSizeOrDefault()})
	}
	return shared
}

func pageSizeOrDefault() int {
	if v := os.Getpagesize(); v > 0 {
		return v
	}
	return 4096
}

// ParentPID returns the pid of the process that created this Shared
// singleton, the value the propagation mesh registers this process under.
func (s *Shared) ParentPID() int { return s.pid }

// ArenaCount reports how many arenas are currently mapped, the value
// spec.md's literal scenarios assert against after a sequence of
// allocate/release calls (e.g. "arenaCount == 0" once every block in the
// only arena has been released).
func (s *Shared) ArenaCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.arenas)
}

// ApplyPeerProtection replays a protection flip broadcast by a peer
// process: apply the flip to ptr directly through the local backend (no
// arena lookup is made), without re-broadcasting it (the peer that originated the
// flip already broadcast to everyone, including the original holder of the
// lock, so forwarding again would just echo it around the mesh forever).
func (s *Shared) ApplyPeerProtection(ptr unsafe.Pointer, size int, prot int32) error {
	if s.policy.GuardBackend == nil {
		return nil
	}
	if prot == prohibitedProt {
		return s.policy.GuardBackend.Protect(ptr, size)
	}
	return s.policy.GuardBackend.Unprotect(ptr, size)
}

// createArena maps a new arena of the policy's configured size, falling
// back to one tenth of that size if the full request cannot be satisfied —
// mmapBlockAllocate's exact fallback policy — and links it to the end of
// the arena chain.
func (s *Shared) createArena() (*Arena, error) {
	a, err := newArena(s.policy.ArenaBytes, s.policy.GuardBackend, s.policy.Guarded)
	if err != nil {
		diagnostic.Warnf(diagnostic.ModuleArena, "full-size arena failed (%v), retrying at 1/10 size", err)
		a, err = newArena(s.policy.ArenaBytes/10, s.policy.GuardBackend, s.policy.Guarded)
		if err != nil {
			return nil, errors.OutOfMemory(uintptr(s.policy.ArenaBytes))
		}
	}

	if last := s.lastArena(); last != nil {
		last.next = a
		a.prev = last
	}
	s.arenas = append(s.arenas, a)
	return a, nil
}

func (s *Shared) lastArena() *Arena {
	if len(s.arenas) == 0 {
		return nil
	}
	return s.arenas[len(s.arenas)-1]
}

// destroyArena unmaps an arena and removes it from the chain, the Go
// counterpart of freeMMAP plus the prev/next relinking vgc_free performs
// once a whole arena goes idle.
func (s *Shared) destroyArena(a *Arena) {
	if a.prev != nil {
		a.prev.next = a.next
	}
	if a.next != nil {
		a.next.prev = a.prev
	}
	for i, candidate := range s.arenas {
		if candidate == a {
			s.arenas = append(s.arenas[:i], s.arenas[i+1:]...)
			break
		}
	}
	if err := a.close(); err != nil {
		diagnostic.Warnf(diagnostic.ModuleArena, "munmap failed: %v", err)
	}
}
