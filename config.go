// Package vgcmalloc is a process-wide heap allocator with checksum-based
// corruption detection, optional hardware-assisted guard-page protection,
// and optional cross-process synchronization of that protection state.
package vgcmalloc

import (
	"os"
	"strconv"

	"github.com/vincenzocapuano/vgc-malloc/internal/arena"
	"github.com/vincenzocapuano/vgc-malloc/internal/diagnostic"
	"github.com/vincenzocapuano/vgc-malloc/internal/guard"
	"github.com/vincenzocapuano/vgc-malloc/internal/shmem"
)

const defaultArenaPages = 8000

// Config carries the startup-time options of a single allocator instance,
// built through With... options in the functional-options shape the teacher
// repo uses throughout its own configuration surfaces.
type Config struct {
	guardMode    guard.Mode
	propagate    bool
	traceDepth   int
	arenaPages   int
	maxProcesses int
}

// Option configures a Config.
type Option func(*Config)

// WithGuardPages selects which guard-page back-end protects freed and
// split-off blocks. ModeOff disables protection entirely.
func WithGuardPages(mode guard.Mode) Option {
	return func(c *Config) { c.guardMode = mode }
}

// WithPropagate enables broadcasting protection flips to other processes
// joined to the same propagation mesh.
func WithPropagate(enabled bool) Option {
	return func(c *Config) { c.propagate = enabled }
}

// WithStackTraceDepth sets how many return addresses are captured per
// allocation for leak reporting. Zero disables capture.
func WithStackTraceDepth(depth int) Option {
	return func(c *Config) { c.traceDepth = depth }
}

// WithArenaPages sets the number of pages requested for each new arena's
// mmap region.
func WithArenaPages(pages int) Option {
	return func(c *Config) { c.arenaPages = pages }
}

// WithMaxProcesses records a peer-count limit in Config. The limit is not
// passed on to the propagation mesh, which tracks any number of peers.
func WithMaxProcesses(n int) Option {
	return func(c *Config) { c.maxProcesses = n }
}

// defaultConfig mirrors vgc_malloc's compiled-in defaults (8000 pages per
// arena, ten frames of stack trace, guard pages and propagation off) before
// VGC_MALLOC_*-prefixed environment variables are applied.
func defaultConfig() Config {
	return Config{
		guardMode:    guard.ModeOff,
		propagate:    false,
		traceDepth:   10,
		arenaPages:   defaultArenaPages,
		maxProcesses: 10,
	}
}

func envInt(name string, fallback int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(name string, fallback bool) bool {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// applyEnv overlays VGC_MALLOC_*-prefixed environment variables onto c,
// read once at Init the way the original's my_init constructor reads its
// own environment exactly once per process.
func applyEnv(c Config) Config {
	if v := os.Getenv("VGC_MALLOC_GUARD_PAGES"); v != "" {
		switch v {
		case "off":
			c.guardMode = guard.ModeOff
		case "classic":
			c.guardMode = guard.ModeClassic
		case "key":
			c.guardMode = guard.ModeKey
		}
	}
	c.propagate = envBool("VGC_MALLOC_PROPAGATE", c.propagate)
	c.traceDepth = envInt("VGC_MALLOC_TRACE_DEPTH", c.traceDepth)
	c.arenaPages = envInt("VGC_MALLOC_ARENA_PAGES", c.arenaPages)
	c.maxProcesses = envInt("VGC_MALLOC_MAX_PROCESSES", c.maxProcesses)

	if v := os.Getenv("MESSAGE_LEVEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			diagnostic.SetLevel(diagnostic.Level(n))
		}
	}
	return c
}

func (c Config) toPolicy() (arena.Policy, error) {
	backend, err := guard.New(c.guardMode)
	if err != nil {
		return arena.Policy{}, err
	}
	return arena.Policy{
		ArenaBytes:   c.arenaPages * shmem.PageSize(),
		GuardBackend: backend,
		Guarded:      c.guardMode != guard.ModeOff,
		TraceDepth:   c.traceDepth,
	}, nil
}
