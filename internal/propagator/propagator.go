// Package propagator implements the multi-process protection-state
// broadcast: when one process flips a block's guard-page protection, every
// other process sharing that allocator's guard pages learns about the flip
// over a small Unix-socket mesh instead of silently drifting out of sync.
package propagator

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"unsafe"

	"github.com/vincenzocapuano/vgc-malloc/internal/diagnostic"
)

// DefaultSocketDir matches the original's hardcoded path; overridden by the
// SOCKET_DIR environment variable.
const DefaultSocketDir = "/tmp/vgc-malloc"

// Frame is the wire message one process sends another: the address being
// (un)protected, the requested protection, and the sender's pid so a
// process never re-applies its own broadcast to itself.
type Frame struct {
	Addr      uintptr
	Size      uint32
	Prot      int32
	SourcePID int32
}

const frameSize = int(unsafe.Sizeof(Frame{}))

// Applier is the guard backend callback invoked for a Frame received from a
// peer: apply the same protection flip locally.
type Applier func(ptr unsafe.Pointer, size int, prot int32) error

// Group is one process's membership in the propagation mesh: its own
// listening socket plus the set of peer sockets it knows about.
type Group struct {
	mu        sync.Mutex
	dir       string
	pid       int
	isFather  bool
	listener  net.Listener
	peers     map[int]string // pid -> socket path
	apply     Applier
	closeOnce sync.Once
	done      chan struct{}
}

// SocketDir returns SOCKET_DIR if set, else DefaultSocketDir.
func SocketDir() string {
	if v := os.Getenv("SOCKET_DIR"); v != "" {
		return v
	}
	return DefaultSocketDir
}

func socketPath(dir string, pid int) string {
	return filepath.Join(dir, fmt.Sprintf("malloc-%d.sock", pid))
}

// Start joins the propagation mesh: binds this process's own socket, scrubs
// a stale socket left behind by a previous instance of this pid, and starts
// the accept loop — the Go counterpart of startChildDebugCorruption's
// per-child listening thread.
func Start(apply Applier) (*Group, error) {
	dir := SocketDir()
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("propagator: mkdir %s: %w", dir, err)
	}

	pid := os.Getpid()
	path := socketPath(dir, pid)
	_ = os.Remove(path) // stale socket from a previous process with this pid

	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("propagator: listen: %w", err)
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
	diagnostic.Infof(diagnostic.ModulePropagator, "listening on %s", path)
	return g, nil
}

// Discover scans SOCKET_DIR for other processes' listening sockets, the Go
// counterpart of the original's shared->children[] array being visible to
// every forked process for free: since this module does not share that
// bookkeeping struct across processes (see the Fork model note), a newly
// started process instead finds its peers by directory listing.
func Discover(dir string, selfPID int) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("propagator: readdir %s: %w", dir, err)
	}
	var pids []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		pid, err := PIDFromSocketName(e.Name())
		if err != nil || pid == selfPID {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// Join registers peerPID as a member of the mesh this process will
// broadcast to and accept broadcasts from.
func (g *Group) Join(peerPID int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.peers[peerPID] = socketPath(g.dir, peerPID)
	if len(g.peers) >= 1 && !g.isFather {
		// First peer joining promotes this process to father: the one
		// process guaranteed to keep running the mesh's bookkeeping for
		// as long as any child is alive, mirroring startChildDebugCorruption's
		// "count > 1 && !isFather" promotion.
		g.isFather = true
	}
}

// Leave removes peerPID from the mesh, e.g. after a write to its socket
// fails because the process has exited.
func (g *Group) Leave(peerPID int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.peers, peerPID)
}

// Broadcast distributes a protection flip to every known peer, dropping any
// peer whose socket is no longer reachable (it crashed or exited without
// calling StopChildGuard) rather than failing the whole call — mirroring
// mprotectDistribute's per-child removeChildThread-on-failure behavior.
func (g *Group) Broadcast(addr unsafe.Pointer, size uint32, prot int32) {
	g.mu.Lock()
	peers := make(map[int]string, len(g.peers))
	for pid, path := range g.peers {
		peers[pid] = path
	}
	g.mu.Unlock()

	frame := Frame{Addr: uintptr(addr), Size: size, Prot: prot, SourcePID: int32(g.pid)}
	for pid, path := range peers {
		if err := sendFrame(path, frame); err != nil {
			diagnostic.Warnf(diagnostic.ModulePropagator, "peer pid %d unreachable, dropping from mesh: %v", pid, err)
			g.Leave(pid)
		}
	}
}

func sendFrame(path string, f Frame) error {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return err
	}
	defer conn.Close()

	buf := make([]byte, frameSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(f.Addr))
	binary.LittleEndian.PutUint32(buf[8:12], f.Size)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(f.Prot))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(f.SourcePID))
	if _, err := conn.Write(buf); err != nil {
		return err
	}

	ack := make([]byte, 4)
	if _, err := io.ReadFull(conn, ack); err != nil {
		return err
	}
	return nil
}

func (g *Group) acceptLoop() {
	for {
		conn, err := g.listener.Accept()
		if err != nil {
			select {
			case <-g.done:
				return
			default:
				diagnostic.Warnf(diagnostic.ModulePropagator, "accept failed: %v", err)
				return
			}
		}
		go g.serve(conn)
	}
}

func (g *Group) serve(conn net.Conn) {
	defer conn.Close()
	buf := make([]byte, frameSize)
	for {
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		f := Frame{
			Addr:      uintptr(binary.LittleEndian.Uint64(buf[0:8])),
			Size:      binary.LittleEndian.Uint32(buf[8:12]),
			Prot:      int32(binary.LittleEndian.Uint32(buf[12:16])),
			SourcePID: int32(binary.LittleEndian.Uint32(buf[16:20])),
		}
		if int(f.SourcePID) == g.pid {
			continue
		}
		if g.apply != nil {
			if err := g.apply(unsafe.Pointer(f.Addr), int(f.Size), f.Prot); err != nil {
				diagnostic.Warnf(diagnostic.ModulePropagator, "applying peer frame from pid %d failed: %v", f.SourcePID, err)
			}
		}

		ack := make([]byte, 4)
		binary.LittleEndian.PutUint32(ack, 1)
		conn.Write(ack)
	}
}

// Stop leaves the mesh: the accept loop exits and this process's socket is
// removed, the counterpart of removeChildThread called on the process's own
// entry at shutdown.
func (g *Group) Stop() error {
	var err error
	g.closeOnce.Do(func() {
		close(g.done)
		err = g.listener.Close()
		_ = os.Remove(socketPath(g.dir, g.pid))
		diagnostic.Infof(diagnostic.ModulePropagator, "left mesh (pid %d)", g.pid)
	})
	return err
}

// PIDFromSocketName parses the pid out of a "malloc-<pid>.sock" file name,
// used when scanning SOCKET_DIR for peers left behind by prior processes.
func PIDFromSocketName(name string) (int, error) {
	const prefix, suffix = "malloc-", ".sock"
	if len(name) <= len(prefix)+len(suffix) || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
		return 0, fmt.Errorf("propagator: not a socket name: %s", name)
	}
	trimmed := name[len(prefix) : len(name)-len(suffix)]
	pid, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("propagator: not a socket name: %s", name)
	}
	return pid, nil
}
