//go:build !linux

package guard

import "fmt"

func newKeyBackend() (Backend, error) {
	return nil, fmt.Errorf("guard: key-based protection is Linux-only")
}
