// Package harness is the allocator's own tiny test harness: it runs a
// scenario function against a live *arena.Shared under a timeout and
// reports pass/fail, the Go counterpart of the teacher's
// internal/testing.TestFramework repurposed from "compile and diff a
// program's output" to "run an allocator scenario and check its error".
package harness

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/vincenzocapuano/vgc-malloc/internal/arena"
)

// Config carries the harness's own run-time options, mirroring the
// teacher's TestConfig shape (timeout plus a verbosity flag).
type Config struct {
	Timeout time.Duration
	Verbose bool
}

// DefaultConfig matches the teacher's DefaultTestConfig defaults, scaled
// down from a compiler invocation's timeout to an in-process one.
func DefaultConfig() Config {
	return Config{Timeout: 5 * time.Second}
}

// Scenario is one exercised sequence of allocator calls against a fresh
// arena.Shared, the harness's counterpart of the teacher's CompilerTest.
type Scenario struct {
	Name string
	Run  func(t *testing.T, s *arena.Shared) error
}

// Result is what running a Scenario produced.
type Result struct {
	Name     string
	Success  bool
	Error    error
	Duration time.Duration
}

// Harness runs Scenarios against arenas it builds from the given policy.
type Harness struct {
	config Config
	policy arena.Policy
}

// New returns a Harness whose scenarios each get a fresh Shared built from
// policy.
func New(config Config, policy arena.Policy) *Harness {
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	return &Harness{config: config, policy: policy}
}

// RunScenario executes one scenario under the harness's timeout, the Go
// counterpart of TestFramework.RunTest's context.WithTimeout guard around
// the compiler invocation.
func (h *Harness) RunScenario(t *testing.T, sc Scenario) *Result {
	start := time.Now()
	result := &Result{Name: sc.Name}

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	done := make(chan error, 1)
	s := arena.New(h.policy)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("scenario panicked: %v", r)
			}
		}()
		done <- sc.Run(t, s)
	}()

	select {
	case err := <-done:
		result.Error = err
		result.Success = err == nil
	case <-ctx.Done():
		result.Error = fmt.Errorf("scenario %q timed out after %s", sc.Name, h.config.Timeout)
		result.Success = false
	}

	result.Duration = time.Since(start)
	return result
}

// RunSuite runs every scenario as its own subtest, mirroring
// TestFramework.RunTestSuite's t.Run loop.
func (h *Harness) RunSuite(t *testing.T, scenarios []Scenario) {
	for _, sc := range scenarios {
		sc := sc
		t.Run(sc.Name, func(t *testing.T) {
			result := h.RunScenario(t, sc)
			if h.config.Verbose {
				t.Logf("scenario %q finished in %s", result.Name, result.Duration)
			}
			if !result.Success {
				t.Errorf("scenario %q failed: %v", result.Name, result.Error)
			}
		})
	}
}
