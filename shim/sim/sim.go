// Package sim simulates the DSP side of the shim in memory.
//
// [Shim] implements [shim.Port] with the register semantics the drivers rely
// on: a level triggered interrupt output computed from the doorbells and
// IMRX, and a CSR whose wait mode bit clears a configurable number of polls
// after the stall was released. [Firmware] plays the DSP's part of the
// doorbell protocol, [Host] is a minimal upper IPC layer and [System] wires
// everything to an [ipc.Device].
package sim

import (
	"sync"

	"github.com/clktmr/atomdsp/shim"
)

// Shim is a simulated shim block with its BAR memory.
type Shim struct {
	mtx   sync.Mutex
	regs  map[shim.Reg]uint64
	mem   []byte
	level bool
	irq   func()

	// BootPolls is the number of CSR reads after releasing the stall until
	// the wait mode bit clears. Negative values keep the core in wait mode
	// forever. Takes effect at the next reset.
	BootPolls int
	polls     int

	kick chan struct{} // wakes the firmware
}

func New() *Shim {
	s := &Shim{
		regs:      make(map[shim.Reg]uint64),
		mem:       make([]byte, shim.BARSize),
		BootPolls: 1,
		kick:      make(chan struct{}, 1),
	}
	s.regs[shim.CSR] = uint64(shim.CtrlReset | shim.CtrlStall | shim.CtrlWaitMode)
	s.regs[shim.IMRX] = uint64(shim.IntBusy | shim.IntDone)
	return s
}

// Connect sets the function called on each rising edge of the interrupt
// output, usually the Assert method of a [shim.Line]. It's called without
// any lock held.
func (s *Shim) Connect(irq func()) {
	s.mtx.Lock()
	s.irq = irq
	s.mtx.Unlock()
}

// Level returns the state of the interrupt output.
func (s *Shim) Level() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.level
}

// Read64 implements [shim.Port] for the host side.
func (s *Shim) Read64(reg shim.Reg) uint64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	v := s.regs[reg]
	if reg == shim.CSR {
		v = s.pollCSR(v)
	}
	return v
}

func (s *Shim) pollCSR(v uint64) uint64 {
	ctrl := shim.Control(v)
	if ctrl&(shim.CtrlReset|shim.CtrlStall) != 0 || ctrl&shim.CtrlWaitMode == 0 {
		return v
	}
	if s.polls < 0 {
		return v
	}
	if s.polls > 0 {
		s.polls--
	}
	if s.polls == 0 {
		v &^= uint64(shim.CtrlWaitMode)
		s.regs[shim.CSR] = v
	}
	return v
}

// Write64 implements [shim.Port] for the host side.
func (s *Shim) Write64(reg shim.Reg, v uint64) {
	s.mtx.Lock()
	old := s.regs[reg]

	switch reg {
	case shim.CSR:
		wait := shim.Control(old) & shim.CtrlWaitMode
		if shim.Control(v)&shim.CtrlReset != 0 {
			wait = shim.CtrlWaitMode
			s.polls = s.BootPolls
		}
		v = v&^uint64(shim.CtrlWaitMode) | uint64(wait)
	case shim.IPCX:
		if v&^old&uint64(shim.DoorbellBusy) != 0 {
			s.kickFirmware()
		}
	case shim.IPCD:
		if v&^old&uint64(shim.DoorbellDone) != 0 {
			s.kickFirmware()
		}
	}
	s.regs[reg] = v

	s.update()
}

// dspWrite64 writes a register from the DSP side.
func (s *Shim) dspWrite64(reg shim.Reg, v uint64) {
	s.mtx.Lock()
	s.regs[reg] = v
	s.update()
}

func (s *Shim) dspRead64(reg shim.Reg) uint64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.regs[reg]
}

// update recomputes the interrupt output, unlocks and signals a rising edge.
func (s *Shim) update() {
	ipcx := shim.Doorbell(s.regs[shim.IPCX])
	ipcd := shim.Doorbell(s.regs[shim.IPCD])
	imrx := shim.IntMask(s.regs[shim.IMRX])

	var isrx shim.IntMask
	if ipcx&shim.DoorbellDone != 0 {
		isrx |= shim.IntDone
	}
	if ipcd&shim.DoorbellBusy != 0 {
		isrx |= shim.IntBusy
	}
	s.regs[shim.ISRX] = uint64(isrx)

	level := isrx&^imrx != 0
	edge := level && !s.level
	s.level = level
	irq := s.irq
	s.mtx.Unlock()

	if edge && irq != nil {
		irq()
	}
}

func (s *Shim) kickFirmware() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// ReadAt implements [io.ReaderAt] on the BAR memory.
func (s *Shim) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 || off+int64(len(p)) > int64(len(s.mem)) {
		return 0, shim.ErrOutOfRange
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return copy(p, s.mem[off:]), nil
}

// WriteAt implements [io.WriterAt] on the BAR memory.
func (s *Shim) WriteAt(p []byte, off int64) (n int, err error) {
	if off < 0 || off+int64(len(p)) > int64(len(s.mem)) {
		return 0, shim.ErrOutOfRange
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return copy(s.mem[off:], p), nil
}
