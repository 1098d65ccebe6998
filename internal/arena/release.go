package arena

import (
	"unsafe"

	"github.com/vincenzocapuano/vgc-malloc/internal/diagnostic"
	"github.com/vincenzocapuano/vgc-malloc/internal/errors"
)

// Release returns a block to its arena's free list, coalescing it with an
// adjacent free neighbor on either side and tearing down the arena if that
// leaves it entirely empty, mirroring
// vgc_free/freeBlocksNext/freeBlocksPrev/freeMMAP.
func (s *Shared) Release(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a := isInArena(s.arenas, ptr)
	if a == nil {
		return errors.BadPointer(uintptr(ptr))
	}

	off, err := a.offsetOf(ptr)
	if err != nil {
		return errors.BadPointer(uintptr(ptr))
	}

	a.header().mutex.Lock()
	defer a.header().mutex.Unlock()

	bh := blockHdr(a.mem, off)
	if !blockChecksumOK(bh) {
		dumpArena(a, "release: wrong checksum")
		return errors.Corruption("release", uintptr(ptr))
	}
	if bh.status != statusBusy {
		return errors.BadPointer(uintptr(ptr))
	}

	if !checkArena(a, "release") {
		return errors.Corruption("release", uintptr(unsafe.Pointer(&a.mem[0])))
	}

	a.header().elements--
	forgetTrace(a, off)
	diagnostic.Debugf(diagnostic.ModuleBlock, "release %d bytes at %p (arena elements=%d)", bh.size, ptr, a.header().elements)

	bh.status = statusFree
	survivorOff := coalesce(a, off)
	survivor := blockHdr(a.mem, survivorOff)

	if s.policy.Guarded {
		// survivor.size is already the block's exact owned footprint (set
		// page-rounded at allocation time, or summed from page-rounded
		// neighbors by coalesce), so protect must cover exactly that many
		// bytes — rounding again here would reach past what this block
		// owns into whatever follows it in the arena.
		if err := s.policy.protect(s.policy.GuardBackend, blockPayload(a.mem, survivorOff), int(survivor.size), prohibitedProt); err != nil {
			diagnostic.Warnf(diagnostic.ModuleGuard, "protect on release failed: %v", err)
		}
	}

	if survivor.prevOff == noOffset && survivor.nextOff == noOffset {
		// The arena's sole block spans its entire payload: every
		// allocation in it has been released, so unmap it, mirroring
		// freeMMAP's unconditional teardown (the next Allocate call
		// lazily maps a fresh arena if none remain).
		s.destroyArena(a)
	}
	return nil
}

// coalesce absorbs a free neighbor on either side of the block at off,
// returning the offset of whichever header now describes the merged
// region. Mirrors freeBlocksNext followed by freeBlocksPrev.
func coalesce(a *Arena, off int64) int64 {
	bh := blockHdr(a.mem, off)

	if bh.nextOff != noOffset {
		next := blockHdr(a.mem, bh.nextOff)
		if next.status == statusFree {
			bh.size += next.size + blockHeaderSize
			bh.nextOff = next.nextOff
			if next.nextOff != noOffset {
				blockHdr(a.mem, next.nextOff).prevOff = off
			}
		}
	}

	if bh.prevOff != noOffset {
		prev := blockHdr(a.mem, bh.prevOff)
		if prev.status == statusFree {
			prev.size += bh.size + blockHeaderSize
			prev.nextOff = bh.nextOff
			if bh.nextOff != noOffset {
				blockHdr(a.mem, bh.nextOff).prevOff = bh.prevOff
			}
			stampBlock(prev)
			return bh.prevOff
		}
	}

	stampBlock(bh)
	return off
}

// Resize changes the block at ptr to hold size bytes, copying
// min(oldSize, size) bytes and releasing the old block. A size of zero
// behaves like Release; a nil ptr behaves like Allocate. Resize always
// relocates into a freshly allocated block, even when the existing block
// could be extended or shrunk in place — matching vgc_realloc, which never
// attempts an in-place fast path either; see DESIGN.md for why that
// optimization stays unimplemented.
func (s *Shared) Resize(ptr unsafe.Pointer, size uintptr) (unsafe.Pointer, error) {
	if size == 0 {
		if ptr != nil {
			return nil, s.Release(ptr)
		}
		return nil, nil
	}
	if ptr == nil {
		return s.Allocate(size)
	}

	s.mu.Lock()
	a := isInArena(s.arenas, ptr)
	if a == nil {
		s.mu.Unlock()
		return nil, errors.BadPointer(uintptr(ptr))
	}
	off, err := a.offsetOf(ptr)
	if err != nil {
		s.mu.Unlock()
		return nil, errors.BadPointer(uintptr(ptr))
	}
	oldSize := blockHdr(a.mem, off).size
	s.mu.Unlock()

	fresh, err := s.Allocate(size)
	if err != nil {
		return nil, err
	}

	n := oldSize
	if int64(size) < n {
		n = int64(size)
	}
	copy(unsafe.Slice((*byte)(fresh), n), unsafe.Slice((*byte)(ptr), n))

	if err := s.Release(ptr); err != nil {
		diagnostic.Warnf(diagnostic.ModuleBlock, "resize: releasing old block failed: %v", err)
	}
	return fresh, nil
}

// ZeroAllocate behaves like Allocate but zero-fills the returned payload.
func (s *Shared) ZeroAllocate(size uintptr) (unsafe.Pointer, error) {
	ptr, err := s.Allocate(size)
	if err != nil || ptr == nil {
		return ptr, err
	}
	clear(unsafe.Slice((*byte)(ptr), size))
	return ptr, nil
}
