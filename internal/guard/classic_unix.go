//go:build unix

package guard

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// classicBackend flips protection with a direct mprotect(2) call on the
// block's own pages.
type classicBackend struct{}

func (classicBackend) Mode() Mode { return ModeClassic }

func (classicBackend) Protect(ptr unsafe.Pointer, size int) error {
	return mprotect(ptr, size, unix.PROT_NONE)
}

func (classicBackend) Unprotect(ptr unsafe.Pointer, size int) error {
	return mprotect(ptr, size, unix.PROT_READ|unix.PROT_WRITE)
}

func mprotect(ptr unsafe.Pointer, size int, prot int) error {
	b := unsafe.Slice((*byte)(ptr), size)
	if err := unix.Mprotect(b, prot); err != nil {
		return fmt.Errorf("guard: mprotect: %w", err)
	}
	return nil
}
