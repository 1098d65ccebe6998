package propagator

import (
	"net"
	"os"
	"sync"
	"testing"
	"time"
	"unsafe"
)

func TestPIDFromSocketName(t *testing.T) {
	cases := []struct {
		name    string
		wantPID int
		wantErr bool
	}{
		{"malloc-123.sock", 123, false},
		{"malloc-1.sock", 1, false},
		{"not-a-socket", 0, true},
		{"malloc-abc.sock", 0, true},
		{"malloc-.sock", 0, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			pid, err := PIDFromSocketName(c.name)
			if c.wantErr {
				if err == nil {
					t.Fatalf("PIDFromSocketName(%q) = %d, nil; want an error", c.name, pid)
				}
				return
			}
			if err != nil {
				t.Fatalf("PIDFromSocketName(%q): %v", c.name, err)
			}
			if pid != c.wantPID {
				t.Fatalf("PIDFromSocketName(%q) = %d, want %d", c.name, pid, c.wantPID)
			}
		})
	}
}

func TestSocketDirDefaultsWhenUnset(t *testing.T) {
	old, had := os.LookupEnv("SOCKET_DIR")
	os.Unsetenv("SOCKET_DIR")
	defer func() {
		if had {
			os.Setenv("SOCKET_DIR", old)
		}
	}()
	if got := SocketDir(); got != DefaultSocketDir {
		t.Fatalf("SocketDir() = %q, want %q", got, DefaultSocketDir)
	}
}

func TestSocketDirHonorsEnv(t *testing.T) {
	os.Setenv("SOCKET_DIR", "/tmp/vgc-malloc-test-override")
	defer os.Unsetenv("SOCKET_DIR")
	if got := SocketDir(); got != "/tmp/vgc-malloc-test-override" {
		t.Fatalf("SocketDir() = %q, want override", got)
	}
}

func TestBroadcastDeliversToJoinedPeer(t *testing.T) {
	dir := t.TempDir()
	os.Setenv("SOCKET_DIR", dir)
	defer os.Unsetenv("SOCKET_DIR")

	var mu sync.Mutex
	var received []Frame
	applier := func(ptr unsafe.Pointer, size int, prot int32) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, Frame{Addr: uintptr(ptr), Size: uint32(size), Prot: prot})
		return nil
	}

	father, err := startWithPID(dir, 1001, applier)
	if err != nil {
		t.Fatalf("father Start: %v", err)
	}
	defer father.Stop()

	child, err := startWithPID(dir, 1002, func(unsafe.Pointer, int, int32) error { return nil })
	if err != nil {
		t.Fatalf("child Start: %v", err)
	}
	defer child.Stop()

	father.Join(1002)
	child.Join(1001)

	child.Broadcast(unsafe.Pointer(uintptr(0x1000)), 4096, 0)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("father received %d frames, want 1", len(received))
	}
	if received[0].Size != 4096 {
		t.Fatalf("received frame size = %d, want 4096", received[0].Size)
	}
}

func TestLeaveRemovesPeer(t *testing.T) {
	dir := t.TempDir()
	os.Setenv("SOCKET_DIR", dir)
	defer os.Unsetenv("SOCKET_DIR")

	g, err := startWithPID(dir, 2001, func(unsafe.Pointer, int, int32) error { return nil })
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer g.Stop()

	g.Join(2002)
	if _, ok := g.peers[2002]; !ok {
		t.Fatal("expected peer 2002 to be registered after Join")
	}
	g.Leave(2002)
	if _, ok := g.peers[2002]; ok {
		t.Fatal("expected peer 2002 to be gone after Leave")
	}
}

func TestDiscoverFindsOtherSocketsButNotSelf(t *testing.T) {
	dir := t.TempDir()
	os.Setenv("SOCKET_DIR", dir)
	defer os.Unsetenv("SOCKET_DIR")

	self, err := startWithPID(dir, 3001, func(unsafe.Pointer, int, int32) error { return nil })
	if err != nil {
		t.Fatalf("Start self: %v", err)
	}
	defer self.Stop()

	other, err := startWithPID(dir, 3002, func(unsafe.Pointer, int, int32) error { return nil })
	if err != nil {
		t.Fatalf("Start other: %v", err)
	}
	defer other.Stop()

	pids, err := Discover(dir, 3001)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(pids) != 1 || pids[0] != 3002 {
		t.Fatalf("Discover = %v, want [3002]", pids)
	}
}

// startWithPID starts a Group bound to an explicit fake pid so tests can run
// several peers inside a single test process without colliding on
// os.Getpid()'s real value.
func startWithPID(dir string, pid int, apply Applier) (*Group, error) {
	path := socketPath(dir, pid)
	os.Remove(path)

	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	g := &Group{
		dir:      dir,
		pid:      pid,
		listener: l,
		peers:    map[int]string{},
		apply:    apply,
		done:     make(chan struct{}),
	}
	go g.acceptLoop()
	return g, nil
}
