package arena

import (
	"sync"

	"github.com/vincenzocapuano/vgc-malloc/internal/trace"
)

// leakKey identifies a live block by arena identity and offset, the
// process-local bookkeeping that lets a leak report name the call site that
// made an allocation — the program counters themselves are Go-heap data and
// cannot live inside the mmap'd header the way the rest of a block's
// metadata does.
type leakKey struct {
	a   *Arena
	off int64
}

var (
	tracesMu sync.Mutex
	traces   = map[leakKey][]uintptr{}
)

func recordTrace(a *Arena, off int64, pcs []uintptr) {
	if len(pcs) == 0 {
		return
	}
	tracesMu.Lock()
	traces[leakKey{a, off}] = pcs
	tracesMu.Unlock()
}

func forgetTrace(a *Arena, off int64) {
	tracesMu.Lock()
	delete(traces, leakKey{a, off})
	tracesMu.Unlock()
}

// LeakReport renders every allocation still outstanding across every
// arena — the stack-trace-backed leak report spec.md's Design Notes ask
// for at process teardown.
func (s *Shared) LeakReport() string {
	tracesMu.Lock()
	defer tracesMu.Unlock()
	if len(traces) == 0 {
		return ""
	}
	out := ""
	for _, pcs := range traces {
		out += trace.Format(pcs) + "\n"
	}
	return out
}
