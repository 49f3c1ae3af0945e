// Package testing provides utilities for writing tests against a simulated
// DSP.
package testing

import (
	"flag"
	"os"
	"testing"
	"time"

	"k8s.io/klog/v2"
	"k8s.io/klog/v2/ktesting"

	"github.com/clktmr/atomdsp/drivers/ipc"
	"github.com/clktmr/atomdsp/shim"
	"github.com/clktmr/atomdsp/shim/sim"
)

// TestMain should be used as TestMain for packages using [NewSystem]. It
// registers the klog flags, so tests can be run with e.g. -v=4.
func TestMain(m *testing.M) {
	klog.InitFlags(flag.CommandLine)
	code := m.Run()
	klog.Flush()
	os.Exit(code)
}

// Timeout bounds every wait in tests.
const Timeout = 5 * time.Second

// NewSystem returns a booted and started simulated system logging to t. It's
// stopped when the test finishes.
func NewSystem(t testing.TB, wrap func(shim.Port) shim.Port) *sim.System {
	t.Helper()

	logger, ctx := ktesting.NewTestContext(t)
	cfg := ipc.DefaultConfig()
	cfg.Logger = logger

	sys := sim.NewSystem(cfg, wrap)
	if err := sys.Boot(nil); err != nil {
		t.Fatal(err)
	}

	wait := sys.Start(ctx)
	t.Cleanup(func() {
		if err := wait(); err != nil {
			t.Error(err)
		}
	})
	return sys
}

// Recv receives from ch or fails the test after [Timeout].
func Recv[T any](t testing.TB, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(Timeout):
		t.Fatal("timed out")
	}
	panic("unreachable")
}
