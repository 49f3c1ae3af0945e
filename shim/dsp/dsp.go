// Package dsp controls the reset and run state of the audio DSP core.
//
// After [Core.Reset] the core is out of reset but stalled, so the firmware
// image can be written into DSP memory with [Core.Load]. [Core.Run] releases
// the stall and waits for the core to leave its wait state. The run state is
// only ever polled from the CSR, there is no interrupt for it.
package dsp

import (
	"errors"
	"io"
	"time"

	"k8s.io/klog/v2"

	"github.com/clktmr/atomdsp/debug"
	"github.com/clktmr/atomdsp/shim"
)

var (
	ErrNotResponding = errors.New("dsp: not responding")
	ErrNotStalled    = errors.New("dsp: core not stalled")
)

// CoreMask is the set of cores brought up by [Core.Run]. This family has a
// single core.
const CoreMask uint32 = 1 << 0

// DRAM holds the firmware image.
var DRAM = shim.Box{Offset: shim.DRAMOffset, Size: 160 * 1024}

const (
	resetSettle  = 10 * time.Microsecond
	runPolls     = 10
	runPollDelay = 100 * time.Millisecond
)

type State int

const (
	StateReset   State = iota // held in reset
	StateStalled              // out of reset, execution halted
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateReset:
		return "reset"
	case StateStalled:
		return "stalled"
	case StateRunning:
		return "running"
	}
	return "invalid"
}

// Core is the lifecycle controller of the DSP core. Its methods are
// synchronous and must not be called concurrently.
type Core struct {
	csr  shim.R64[shim.Control]
	dram *shim.Window

	// Sleep implements the settle and poll delays. Nil means time.Sleep.
	Sleep func(time.Duration)

	Logger klog.Logger
}

func NewCore(bus *shim.Bus) *Core {
	return &Core{
		csr:    bus.Registers().CSR,
		dram:   shim.NewWindow(bus.Port(), DRAM),
		Logger: klog.Background().WithName("dsp"),
	}
}

func (c *Core) sleep(d time.Duration) {
	if c.Sleep != nil {
		c.Sleep(d)
		return
	}
	time.Sleep(d)
}

// Reset puts the core into reset with the reset vector selected and
// execution stalled, and takes it out of reset again after a short settle
// time. The core stays stalled.
func (c *Core) Reset() {
	const all = shim.CtrlReset | shim.CtrlVectorSel | shim.CtrlStall
	c.csr.UpdateBits(all, all)

	c.sleep(resetSettle)

	c.csr.UpdateBits(shim.CtrlReset, 0)
	c.Logger.V(debug.LevelBasic).Info("reset", "csr", c.csr.Load())
}

// Run releases the stall and polls until the core has left its wait state.
// It returns the mask of cores that were brought up, or ErrNotResponding.
func (c *Core) Run() (uint32, error) {
	c.csr.UpdateBits(shim.CtrlStall, 0)

	for try := range runPolls {
		if c.csr.LoadBits(shim.CtrlWaitMode) == 0 {
			c.Logger.V(debug.LevelBasic).Info("running", "polls", try+1)
			return CoreMask, nil
		}
		c.sleep(runPollDelay)
	}

	c.Logger.Error(ErrNotResponding, "core stayed in wait mode", "polls", runPolls)
	return 0, ErrNotResponding
}

// State decodes the current run state from the CSR.
func (c *Core) State() State {
	csr := c.csr.Load()
	switch {
	case csr&shim.CtrlReset != 0:
		return StateReset
	case csr&shim.CtrlStall != 0:
		return StateStalled
	}
	return StateRunning
}

// Load copies the firmware image into DSP memory. The core must be stalled.
func (c *Core) Load(img io.Reader) (n int64, err error) {
	if c.State() != StateStalled {
		return 0, ErrNotStalled
	}

	n, err = io.Copy(io.NewOffsetWriter(c.dram, 0), img)
	if err != nil {
		return n, err
	}
	c.Logger.V(debug.LevelBasic).Info("firmware loaded", "bytes", n)
	return n, nil
}
