package ipc

import (
	"fmt"
	"strings"

	"github.com/clktmr/atomdsp/drivers/ipc/oops"
	"github.com/clktmr/atomdsp/shim"
	"github.com/clktmr/atomdsp/shim/dsp"
)

// Status is a snapshot of the IPC registers for firmware debugging.
type Status struct {
	IPCX shim.Doorbell // host -> DSP
	IPCD shim.Doorbell // DSP -> host
	IMRX shim.IntMask
	IMRD shim.IntMask

	State   dsp.State
	Faulted bool
}

// Status reads the IPC registers without modifying them.
func (d *Device) Status() Status {
	return Status{
		IPCX:    d.regs.IPCX.Load(),
		IPCD:    d.regs.IPCD.Load(),
		IMRX:    d.regs.IMRX.Load(),
		IMRD:    d.regs.IMRD.Load(),
		State:   d.core.State(),
		Faulted: d.Faulted(),
	}
}

func yesno(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func (s Status) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "dsp: %s, faulted %s\n", s.State, yesno(s.Faulted))
	fmt.Fprintf(&b, "ipc host -> DSP: pending %s complete %s raw %#x\n",
		yesno(s.IPCX&shim.DoorbellBusy != 0), yesno(s.IPCX&shim.DoorbellDone != 0), uint64(s.IPCX))
	fmt.Fprintf(&b, "mask host: pending %s complete %s raw %#x\n",
		yesno(s.IMRX&shim.IntBusy != 0), yesno(s.IMRX&shim.IntDone != 0), uint64(s.IMRX))
	fmt.Fprintf(&b, "ipc DSP -> host: pending %s complete %s raw %#x\n",
		yesno(s.IPCD&shim.DoorbellBusy != 0), yesno(s.IPCD&shim.DoorbellDone != 0), uint64(s.IPCD))
	fmt.Fprintf(&b, "mask DSP: pending %s complete %s raw %#x",
		yesno(s.IMRD&shim.IntBusy != 0), yesno(s.IMRD&shim.IntDone != 0), uint64(s.IMRD))
	return b.String()
}

// Dump returns the register status and reads the crash record again from
// where the last panic report pointed to, or from the configured default
// location if there was none.
func (d *Device) Dump() (Status, *oops.Record, error) {
	st := d.Status()
	rec, err := oops.Capture(d.bus.Port(), d.oopsOffset.Load())
	return st, rec, err
}
