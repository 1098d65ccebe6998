//go:build unix

package syncutil

import (
	"runtime"
	"time"

	"golang.org/x/sys/unix"
)

// processAlive reports whether pid names a live process, using the
// kill(pid, 0) idiom: no signal is sent, only existence/permission is
// checked.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil || err == unix.EPERM {
		return true
	}
	return false
}

func yieldOSThread() {
	runtime.Gosched()
	time.Sleep(time.Microsecond)
}
