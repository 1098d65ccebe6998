// Package arena implements the arena manager and intra-arena block
// allocator: the core of the allocator below the public API. An Arena is a
// single anonymous MAP_SHARED mapping divided into a doubly linked chain of
// Block headers; Shared holds the process-wide list of Arenas plus the
// policy (arena size, guard-page backend) every Arena is created with.
package arena

import (
	"fmt"
	"unsafe"

	"github.com/vincenzocapuano/vgc-malloc/internal/diagnostic"
	"github.com/vincenzocapuano/vgc-malloc/internal/guard"
	"github.com/vincenzocapuano/vgc-malloc/internal/shmem"
)

// Arena is one mmap region holding a chain of blocks.
type Arena struct {
	region *shmem.Region
	mem    []byte // region.Bytes, cached to avoid a pointer indirection per access
	next   *Arena
	prev   *Arena
}

// newArena maps a fresh region of size bytes and initializes it as a single
// free block spanning the whole usable payload, mirroring allocMMAP: the
// header is stamped, the mutex is ready, and the sole block is protected
// immediately when guard pages are enabled (its size is not page-rounded).
func newArena(size int, protect guard.Backend, guarded bool) (*Arena, error) {
	region, err := shmem.Map(size)
	if err != nil {
		return nil, err
	}
	mem := region.Bytes

	h := arenaHdr(mem)
	h.size = int64(size)
	h.maxSize = int64(size) - arenaHeaderSize - blockHeaderSize
	h.elements = 0
	stampArena(h)

	a := &Arena{region: region, mem: mem}

	bh := blockHdr(mem, arenaHeaderSize)
	bh.size = h.maxSize
	bh.status = statusFree
	bh.prevOff = noOffset
	bh.nextOff = noOffset
	stampBlock(bh)

	if guarded {
		// bh.size already spans to the end of the mapped region (it's the
		// arena's sole free block); rounding it up further here would ask
		// to protect bytes past the mapping's end.
		if err := protect.Protect(blockPayload(mem, arenaHeaderSize), int(bh.size)); err != nil {
			diagnostic.Warnf(diagnostic.ModuleGuard, "initial protect failed: %v", err)
		}
	}

	diagnostic.Infof(diagnostic.ModuleArena, "new arena at %p (size %d bytes)", unsafe.Pointer(&mem[0]), size)
	return a, nil
}

// close unmaps the arena's backing memory. Called only once every block in
// it has been freed (freeMMAP).
func (a *Arena) close() error {
	return a.region.Close()
}

func (a *Arena) header() *arenaHeader { return arenaHdr(a.mem) }

func (a *Arena) firstBlockOffset() int64 { return arenaHeaderSize }

func (a *Arena) isWithin(ptr unsafe.Pointer) bool {
	base := uintptr(unsafe.Pointer(&a.mem[0]))
	p := uintptr(ptr)
	return p > base && p < base+uintptr(len(a.mem))
}

// offsetOf recovers the block's byte offset within the arena from a payload
// pointer the caller returned to Release/Resize. It walks the block chain
// rather than doing raw pointer arithmetic because a guard-protected
// allocation's returned pointer is advanced past the block's true payload
// start (see guardShift), so the offset can't be recovered by subtracting a
// fixed header size alone.
func (a *Arena) offsetOf(payload unsafe.Pointer) (int64, error) {
	if !a.isWithin(payload) {
		return 0, fmt.Errorf("pointer outside arena")
	}
	p := uintptr(payload)
	for off := a.firstBlockOffset(); off != noOffset; {
		bh := blockHdr(a.mem, off)
		if uintptr(blockPayload(a.mem, off))+uintptr(bh.guardShift) == p {
			return off, nil
		}
		off = bh.nextOff
	}
	return 0, fmt.Errorf("pointer does not match any block")
}
