package shim

import (
	"io"
	"sync"
)

// Port accesses the DSP BAR. Register accesses are 64 bits wide and memory
// accesses use BAR offsets. Each call must be atomic on its own, there is no
// guarantee for sequences of calls.
type Port interface {
	Read64(reg Reg) uint64
	Write64(reg Reg, v uint64)

	io.ReaderAt
	io.WriterAt
}

// Bus serializes read-modify-write cycles on a [Port].
//
// Bus is safe for concurrent use, but only [Bus.UpdateBits64] excludes other
// updates of the same register.
type Bus struct {
	port Port
	mtx  sync.Mutex
}

func NewBus(port Port) *Bus {
	return &Bus{port: port}
}

func (b *Bus) Port() Port {
	return b.port
}

func (b *Bus) Read64(reg Reg) uint64 {
	return b.port.Read64(reg)
}

func (b *Bus) Write64(reg Reg, v uint64) {
	b.port.Write64(reg, v)
}

// UpdateBits64 replaces the bits of reg selected by mask with the bits of
// value and reports whether the register changed. Concurrent updates through
// this method are serialized.
func (b *Bus) UpdateBits64(reg Reg, mask, value uint64) bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	return b.UpdateBits64Unlocked(reg, mask, value)
}

// UpdateBits64Unlocked is like [Bus.UpdateBits64] but doesn't lock. The
// caller must make sure no other update of reg can run at the same time,
// e.g. by running as interrupt handler on a disabled [Line].
func (b *Bus) UpdateBits64Unlocked(reg Reg, mask, value uint64) bool {
	old := b.port.Read64(reg)
	v := old&^mask | value&mask
	if v == old {
		return false
	}
	b.port.Write64(reg, v)
	return true
}

// R64 is a typed 64-bit register on a [Bus].
type R64[T ~uint64] struct {
	bus *Bus
	reg Reg
}

func NewR64[T ~uint64](bus *Bus, reg Reg) R64[T] {
	return R64[T]{bus: bus, reg: reg}
}

func (r R64[T]) Reg() Reg { return r.reg }

func (r R64[T]) Load() T { return T(r.bus.Read64(r.reg)) }

func (r R64[T]) Store(v T) { r.bus.Write64(r.reg, uint64(v)) }

func (r R64[T]) LoadBits(mask T) T { return r.Load() & mask }

func (r R64[T]) UpdateBits(mask, value T) bool {
	return r.bus.UpdateBits64(r.reg, uint64(mask), uint64(value))
}

func (r R64[T]) UpdateBitsUnlocked(mask, value T) bool {
	return r.bus.UpdateBits64Unlocked(r.reg, uint64(mask), uint64(value))
}

// Registers are the shim registers used by the IPC and lifecycle drivers.
type Registers struct {
	CSR  R64[Control]
	IMRX R64[IntMask]
	IMRD R64[IntMask]
	IPCX R64[Doorbell]
	IPCD R64[Doorbell]
}

func (b *Bus) Registers() *Registers {
	return &Registers{
		CSR:  NewR64[Control](b, CSR),
		IMRX: NewR64[IntMask](b, IMRX),
		IMRD: NewR64[IntMask](b, IMRD),
		IPCX: NewR64[Doorbell](b, IPCX),
		IPCD: NewR64[Doorbell](b, IPCD),
	}
}
