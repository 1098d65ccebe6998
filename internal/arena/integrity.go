package arena

import (
	"unsafe"

	"github.com/vincenzocapuano/vgc-malloc/internal/diagnostic"
)

// checkArena walks the block chain validating bounds, checksums, and
// linkage, the Go counterpart of checkMmapBlock. Must be called with the
// arena's mutex held. Returns false (and logs a dump) on the first
// corruption found.
func checkArena(a *Arena, where string) bool {
	h := a.header()
	if !arenaChecksumOK(h) {
		diagnostic.Errorf(diagnostic.ModuleIntegrity, "%s: arena header checksum failed at %p", where, unsafe.Pointer(&a.mem[0]))
		return false
	}

	var busy, free, headers int64
	off := a.firstBlockOffset()
	for off != noOffset {
		bh := blockHdr(a.mem, off)
		headers += blockHeaderSize

		if !blockChecksumOK(bh) {
			diagnostic.Errorf(diagnostic.ModuleIntegrity, "%s: block checksum failed at offset %d", where, off)
			dumpArena(a, "corrupted checksum")
			return false
		}
		if bh.status == statusFree {
			free += bh.size
		} else {
			busy += bh.size
		}
		if bh.size > h.maxSize {
			diagnostic.Errorf(diagnostic.ModuleIntegrity, "%s: block at offset %d reports size %d larger than arena maxSize %d", where, off, bh.size, h.maxSize)
			dumpArena(a, "block too large")
			return false
		}
		if off < 0 || off >= h.size {
			diagnostic.Errorf(diagnostic.ModuleIntegrity, "%s: block offset %d outside arena bounds", where, off)
			dumpArena(a, "block pointer outside arena")
			return false
		}

		if bh.nextOff == noOffset {
			break
		}
		next := blockHdr(a.mem, bh.nextOff)
		if next.prevOff != off {
			diagnostic.Errorf(diagnostic.ModuleIntegrity, "%s: broken chain at offset %d (next.prev=%d, want %d)", where, off, next.prevOff, off)
			dumpArena(a, "memory overwrite")
			return false
		}
		off = bh.nextOff
	}

	// maxSize already excludes the first block's header; every split adds
	// exactly one more header taken out of the payload it split from, so
	// busy+free+extraHeaders must still account for the whole of maxSize.
	total := busy + free
	if total+headers-blockHeaderSize != h.maxSize {
		diagnostic.Warnf(diagnostic.ModuleIntegrity, "%s: arena at %p inconsistent: busy=%d free=%d headers=%d maxSize=%d", where, unsafe.Pointer(&a.mem[0]), busy, free, headers, h.maxSize)
	}

	return true
}

// dumpArena renders the block chain to the diagnostic log, the Go
// counterpart of dumpMmapBlock's log-only branch (the string-buffer
// rendering branch has no caller in this module and is not ported).
func dumpArena(a *Arena, reason string) {
	h := a.header()
	diagnostic.Errorf(diagnostic.ModuleIntegrity, "arena dump (%s) at %p, size=%d", reason, unsafe.Pointer(&a.mem[0]), h.size)
	off := a.firstBlockOffset()
	i := 0
	for off != noOffset {
		bh := blockHdr(a.mem, off)
		status := "FREE"
		if bh.status == statusBusy {
			status = "BUSY"
		}
		diagnostic.Errorf(diagnostic.ModuleIntegrity, "  #%d offset=%d status=%s size=%d prev=%d next=%d", i, off, status, bh.size, bh.prevOff, bh.nextOff)
		i++
		off = bh.nextOff
	}
}

func isInArena(arenas []*Arena, ptr unsafe.Pointer) *Arena {
	for _, a := range arenas {
		if a.isWithin(ptr) {
			return a
		}
	}
	return nil
}
