package arena

import (
	"unsafe"

	"github.com/vincenzocapuano/vgc-malloc/internal/diagnostic"
	"github.com/vincenzocapuano/vgc-malloc/internal/errors"
	"github.com/vincenzocapuano/vgc-malloc/internal/shmem"
	"github.com/vincenzocapuano/vgc-malloc/internal/trace"
)

const wordAlign = int64(unsafe.Sizeof(uintptr(0)))

// Allocate finds (or makes) room for size bytes and returns a pointer to
// the start of the usable payload, uninitialized. A size of zero returns
// nil with no error, matching vgc_malloc's documented zero-size contract.
func (s *Shared) Allocate(size uintptr) (unsafe.Pointer, error) {
	if size == 0 {
		return nil, nil
	}

	n := int64(size)
	if !s.policy.Guarded {
		if rem := n % wordAlign; rem != 0 {
			n += wordAlign - rem
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.arenas) == 0 {
		if _, err := s.createArena(); err != nil {
			return nil, err
		}
	}

	first := s.arenas[0]
	if n >= first.header().maxSize {
		return nil, errors.RequestTooLarge(uintptr(n), uintptr(first.header().maxSize))
	}

	for _, a := range s.arenas {
		if ptr, ok, err := s.allocateInArena(a, n); err != nil {
			return nil, err
		} else if ok {
			return ptr, nil
		}
	}

	a, err := s.createArena()
	if err != nil {
		return nil, err
	}
	ptr, ok, err := s.allocateInArena(a, n)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.OutOfMemory(uintptr(s.policy.ArenaBytes))
	}
	return ptr, nil
}

// guardOffset returns how far into a page-rounded footprint of n bytes the
// returned payload pointer must start so that the usable region ends
// exactly on the page boundary, mirroring vgc_malloc.c:446's
// "memory += pageSize - lengthOrig % pageSize". Zero when n is already a
// page multiple.
func guardOffset(n int64) int64 {
	p := int64(shmem.PageSize())
	return (p - n%p) % p
}

// allocateInArena runs first-fit over a's block chain, splitting the
// matching block when the remainder can still hold its own header plus at
// least one payload byte, mirroring allocMallocBlock. size is the caller's
// original request (word-aligned already when guard pages are off); when
// guard pages are on, selection and splitting both work in terms of its
// page-rounded footprint, per step 1/4 of the allocation algorithm.
func (s *Shared) allocateInArena(a *Arena, size int64) (unsafe.Pointer, bool, error) {
	a.header().mutex.Lock()
	defer a.header().mutex.Unlock()

	want := size
	if s.policy.Guarded {
		want = int64(shmem.RoundUpToPage(int(size)))
	}

	var found int64 = noOffset
	for off := a.firstBlockOffset(); off != noOffset; {
		bh := blockHdr(a.mem, off)
		if bh.status == statusFree && bh.size >= want {
			found = off
			break
		}
		off = bh.nextOff
	}
	if found == noOffset {
		return nil, false, nil
	}

	if !checkArena(a, "allocate") {
		return nil, false, errors.Corruption("allocate", uintptr(unsafe.Pointer(&a.mem[0])))
	}

	bh := blockHdr(a.mem, found)
	allocSize := want

	blockFootprint := allocSize + blockHeaderSize
	var remainderOff int64 = bh.nextOff
	if bh.size > blockFootprint {
		remainderOff = found + blockFootprint
		rh := blockHdr(a.mem, remainderOff)
		rh.size = bh.size - blockFootprint
		rh.status = statusFree
		rh.prevOff = found
		rh.nextOff = bh.nextOff
		stampBlock(rh)
		if s.policy.Guarded {
			if err := s.policy.protect(s.policy.GuardBackend, blockPayload(a.mem, remainderOff), int(rh.size), prohibitedProt); err != nil {
				diagnostic.Warnf(diagnostic.ModuleGuard, "protect remainder failed: %v", err)
			}
		}
		if rh.nextOff != noOffset {
			blockHdr(a.mem, rh.nextOff).prevOff = remainderOff
		}
	} else {
		// No split: the whole free block (already >= want, possibly more
		// than a page) is handed out, slack absorbed, exactly the size a
		// neighbor's protect call must never round past.
		allocSize = bh.size
	}

	var shift int64
	if s.policy.Guarded {
		shift = guardOffset(size)
	}

	a.header().elements++
	bh.size = allocSize
	bh.status = statusBusy
	bh.nextOff = remainderOff
	bh.guardShift = int32(shift)
	stampBlock(bh)

	payload := blockPayload(a.mem, found)
	if s.policy.Guarded {
		if err := s.policy.protect(s.policy.GuardBackend, payload, int(allocSize), 1); err != nil {
			diagnostic.Warnf(diagnostic.ModuleGuard, "unprotect failed: %v", err)
		}
		// Shift the returned pointer so the requested size bytes end
		// exactly on the page boundary: one byte past it lands on the
		// page above, which protect() just left PROT_NONE. offsetOf
		// reverses this via the stamped guardShift.
		if shift > 0 {
			payload = unsafe.Pointer(uintptr(payload) + uintptr(shift))
		}
	}

	pcs := trace.Capture(s.traceDepth)
	recordTrace(a, found, pcs)

	diagnostic.Debugf(diagnostic.ModuleBlock, "allocate %d bytes at %p (arena elements=%d)", allocSize, payload, a.header().elements)
	return payload, true, nil
}
