// Package diagnostic formats the allocator's diagnostic lines: a severity
// level, a module tag, the file:line of the call site, and a fmt-style
// message. It is the Go counterpart of the host's message-formatting
// collaborator — the core calls it, but never implements it as part of the
// allocator's own invariants.
package diagnostic

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"sync/atomic"
)

// Level is the diagnostic severity, low to high.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}

// threshold is the process-wide verbosity, read once from MESSAGE_LEVEL.
var threshold atomic.Int32

func init() {
	threshold.Store(int32(LevelWarn))
	if v := os.Getenv("MESSAGE_LEVEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			threshold.Store(int32(n))
		}
	}
}

// SetLevel overrides the verbosity threshold programmatically (the root
// package's applyEnv calls it with the value of MESSAGE_LEVEL).
func SetLevel(l Level) {
	threshold.Store(int32(l))
}

// Module is a short tag identifying the subsystem that emitted a line.
type Module string

const (
	ModuleArena      Module = "ARENA"
	ModuleBlock      Module = "BLOCK"
	ModuleIntegrity  Module = "INTEGRITY"
	ModuleGuard      Module = "GUARD"
	ModulePropagator Module = "PROPAGATOR"
	ModuleShared     Module = "SHARED"
)

func Errorf(module Module, format string, args ...interface{}) {
	emit(LevelError, module, format, args)
}
func Warnf(module Module, format string, args ...interface{}) { emit(LevelWarn, module, format, args) }
func Infof(module Module, format string, args ...interface{}) { emit(LevelInfo, module, format, args) }
func Debugf(module Module, format string, args ...interface{}) {
	emit(LevelDebug, module, format, args)
}

// emit writes one diagnostic line if level is at or below the current
// threshold, reporting the file:line of Errorf/Warnf/Infof/Debugf's caller.
func emit(level Level, module Module, format string, args []interface{}) {
	if int32(level) > threshold.Load() {
		return
	}
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		file, line = "???", 0
	}
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(os.Stderr, "%s [%s] %s:%d: %s\n", level, module, file, line, msg)
}
