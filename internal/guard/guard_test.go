package guard

import (
	"testing"
	"unsafe"

	"github.com/vincenzocapuano/vgc-malloc/internal/shmem"
)

func pageBuffer(t *testing.T) []byte {
	t.Helper()
	region, err := shmem.Map(shmem.PageSize())
	if err != nil {
		t.Fatalf("shmem.Map: %v", err)
	}
	t.Cleanup(func() { _ = region.Close() })
	return region.Bytes
}

func TestNewModeOffIsNoop(t *testing.T) {
	b, err := New(ModeOff)
	if err != nil {
		t.Fatalf("New(ModeOff): %v", err)
	}
	if b.Mode() != ModeOff {
		t.Fatalf("Mode() = %v, want ModeOff", b.Mode())
	}
	if err := b.Protect(nil, 0); err != nil {
		t.Fatalf("Protect on noop backend: %v", err)
	}
	if err := b.Unprotect(nil, 0); err != nil {
		t.Fatalf("Unprotect on noop backend: %v", err)
	}
}

func TestClassicBackendProtectUnprotectRoundTrip(t *testing.T) {
	b, err := New(ModeClassic)
	if err != nil {
		t.Fatalf("New(ModeClassic): %v", err)
	}
	page := pageBuffer(t)
	ptr := unsafe.Pointer(&page[0])

	if err := b.Protect(ptr, len(page)); err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if err := b.Unprotect(ptr, len(page)); err != nil {
		t.Fatalf("Unprotect: %v", err)
	}
}

func TestNewUnknownModeFallsBackToNoop(t *testing.T) {
	b, err := New(Mode(99))
	if err != nil {
		t.Fatalf("New(unknown): %v", err)
	}
	if b.Mode() != ModeOff {
		t.Fatalf("Mode() = %v, want ModeOff for an unrecognized mode", b.Mode())
	}
}
