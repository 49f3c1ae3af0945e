package shim

import "fmt"

// BAR layout of the DSP as seen by the host.
const (
	BARSize    = 0x20_0000
	DRAMOffset = 0x10_0000
	ShimOffset = 0x14_0000
	MboxOffset = 0x14_4000
	MboxSize   = 0x1000
)

// Reg is the byte offset of a 64-bit register in the DSP BAR.
type Reg uint32

const (
	CSR  Reg = ShimOffset + 0x00 // control and status
	PISR Reg = ShimOffset + 0x08 // platform interrupt status
	PIMR Reg = ShimOffset + 0x10 // platform interrupt mask
	ISRX Reg = ShimOffset + 0x18 // interrupt status, host side
	ISRD Reg = ShimOffset + 0x20 // interrupt status, DSP side
	IMRX Reg = ShimOffset + 0x28 // interrupt mask, host side
	IMRD Reg = ShimOffset + 0x30 // interrupt mask, DSP side
	IPCX Reg = ShimOffset + 0x38 // doorbell host -> DSP
	IPCD Reg = ShimOffset + 0x40 // doorbell DSP -> host
)

var regNames = map[Reg]string{
	CSR:  "CSR",
	PISR: "PISR",
	PIMR: "PIMR",
	ISRX: "ISRX",
	ISRD: "ISRD",
	IMRX: "IMRX",
	IMRD: "IMRD",
	IPCX: "IPCX",
	IPCD: "IPCD",
}

func (r Reg) String() string {
	if name, ok := regNames[r]; ok {
		return name
	}
	return fmt.Sprintf("reg(%#x)", uint32(r))
}

// Doorbell flags of IPCX and IPCD. The remaining bits carry the message
// header.
type Doorbell uint64

const (
	DoorbellDone Doorbell = 1 << 62 // receiver has consumed/replied
	DoorbellBusy Doorbell = 1 << 63 // sender has posted a message
)

// IntMask flags of IMRX and IMRD. A set bit disables the interrupt source.
type IntMask uint64

const (
	IntDone IntMask = 1 << iota // IPCX done
	IntBusy                     // IPCD busy
)

// Control flags of the CSR.
type Control uint64

const (
	CtrlReset     Control = 1 << iota // hold the DSP in reset
	CtrlVectorSel                     // select the alternate reset vector
	CtrlStall                         // halt execution
	CtrlWaitMode                      // read only, DSP is in its wait state
)
