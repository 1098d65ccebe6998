//go:build linux

package guard

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// keyBackend tags every guarded block with a single Linux memory protection
// key, allocated once (with no access restriction) when the backend is
// built: every Protect and Unprotect is one pkey_mprotect(2) call that sets
// PROT_NONE or PROT_READ|PROT_WRITE on the pages. The key's access rights
// are never changed and the key is not freed per flip. x/sys/unix does
// not wrap pkey_alloc/pkey_mprotect/pkey_free, so this file issues the raw
// syscalls directly using the syscall numbers x/sys/unix already exports.
type keyBackend struct {
	mu  sync.Mutex
	key int
}

const pkeyDisableAccess = 0x1

func newKeyBackend() (*keyBackend, error) {
	key, _, errno := unix.Syscall(unix.SYS_PKEY_ALLOC, 0, 0, 0)
	if errno != 0 {
		// ENOSPC: every pkey the architecture offers (15 on x86) is
		// already allocated, or the kernel/CPU has no pkey support at all.
		return nil, fmt.Errorf("guard: pkey_alloc: %w", errno)
	}
	return &keyBackend{key: int(key)}, nil
}

func (b *keyBackend) Mode() Mode { return ModeKey }

func (b *keyBackend) Protect(ptr unsafe.Pointer, size int) error {
	return b.pkeyMprotect(ptr, size, unix.PROT_NONE)
}

func (b *keyBackend) Unprotect(ptr unsafe.Pointer, size int) error {
	return b.pkeyMprotect(ptr, size, unix.PROT_READ|unix.PROT_WRITE)
}

func (b *keyBackend) pkeyMprotect(ptr unsafe.Pointer, size int, prot int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, _, errno := unix.Syscall6(unix.SYS_PKEY_MPROTECT,
		uintptr(ptr), uintptr(size), uintptr(prot), uintptr(b.key), 0, 0)
	if errno != 0 {
		return fmt.Errorf("guard: pkey_mprotect: %w", errno)
	}
	return nil
}

func (b *keyBackend) close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, _, errno := unix.Syscall(unix.SYS_PKEY_FREE, uintptr(b.key), 0, 0)
	if errno != 0 {
		return fmt.Errorf("guard: pkey_free: %w", errno)
	}
	return nil
}
