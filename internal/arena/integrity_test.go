package arena

import "testing"

// TestCorruptedChecksumAbortsRelease is spec.md's literal scenario 6: an
// out-of-bounds write past the end of a block corrupts its trailing
// checksum fence; release must refuse to act on it rather than silently
// coalescing over corrupted bookkeeping.
func TestCorruptedChecksumAbortsRelease(t *testing.T) {
	s := New(testPolicy(t))
	ptr, err := s.Allocate(64)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	a := isInArena(s.arenas, ptr)
	if a == nil {
		t.Fatal("allocated pointer not found in any arena")
	}
	off, err := a.offsetOf(ptr)
	if err != nil {
		t.Fatalf("offsetOf: %v", err)
	}

	blockHdr(a.mem, off).checkEnd = 0 // simulate an out-of-bounds write clobbering the trailing fence

	if err := s.Release(ptr); err == nil {
		t.Fatal("expected Release to reject a block with a corrupted checksum")
	}

	// The block must still be reported busy: the aborted release must not
	// have mutated any chain state.
	if blockHdr(a.mem, off).status != statusBusy {
		t.Fatal("expected the block to remain marked busy after an aborted release")
	}
}

func TestIntegrityCheckCatchesBrokenLinkage(t *testing.T) {
	s := New(testPolicy(t))
	ptr, err := s.Allocate(32)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	a := isInArena(s.arenas, ptr)
	off, err := a.offsetOf(ptr)
	if err != nil {
		t.Fatalf("offsetOf: %v", err)
	}

	bh := blockHdr(a.mem, off)
	if bh.nextOff != noOffset {
		blockHdr(a.mem, bh.nextOff).prevOff = 999999 // break the chain
	}

	if checkArena(a, "test") && bh.nextOff != noOffset {
		t.Fatal("expected checkArena to detect broken prev/next linkage")
	}
}
