package oops

import "fmt"

// PanicCode is the reason the firmware gives for a panic. It carries the
// panic magic in bits 27 to 12.
type PanicCode uint32

const (
	PanicMagic     PanicCode = 0x0dead000
	PanicMagicMask PanicCode = 0x0ffff000
	PanicCodeMask  PanicCode = 0x00000fff
)

const (
	PanicMem PanicCode = PanicMagic | iota
	PanicWork
	PanicIPC
	PanicArch
	PanicPlatform
	PanicTask
	PanicException
	PanicDeadlock
	PanicStack
	PanicIdle
	PanicWFI
	PanicAssert
)

var panicNames = [...]string{
	"out of memory",
	"work queue",
	"ipc",
	"architecture",
	"platform",
	"task",
	"exception",
	"deadlock",
	"stack overflow",
	"idle",
	"wait for interrupt",
	"assertion",
}

// Valid reports whether c carries the panic magic.
func (c PanicCode) Valid() bool {
	return c&PanicMagicMask == PanicMagic
}

func (c PanicCode) String() string {
	if !c.Valid() {
		return fmt.Sprintf("invalid panic code %#x", uint32(c))
	}
	if i := int(c & PanicCodeMask); i < len(panicNames) {
		return panicNames[i]
	}
	return fmt.Sprintf("unknown panic %#x", uint32(c&PanicCodeMask))
}

var excNames = [64]string{
	0:  "IllegalInstruction",
	1:  "Syscall",
	2:  "InstructionFetchError",
	3:  "LoadStoreError",
	4:  "Level1Interrupt",
	5:  "Alloca",
	6:  "IntegerDivideByZero",
	8:  "Privileged",
	9:  "LoadStoreAlignment",
	12: "InstrPIFDataError",
	13: "LoadStorePIFDataError",
	14: "InstrPIFAddrError",
	15: "LoadStorePIFAddrError",
	16: "InstTLBMiss",
	17: "InstTLBMultiHit",
	18: "InstFetchPrivilege",
	20: "InstFetchProhibited",
	24: "LoadStoreTLBMiss",
	25: "LoadStoreTLBMultiHit",
	26: "LoadStorePrivilege",
	28: "LoadProhibited",
	29: "StoreProhibited",
	32: "Coprocessor0Disabled",
	33: "Coprocessor1Disabled",
	34: "Coprocessor2Disabled",
	35: "Coprocessor3Disabled",
	36: "Coprocessor4Disabled",
	37: "Coprocessor5Disabled",
	38: "Coprocessor6Disabled",
	39: "Coprocessor7Disabled",
}

// Cause returns the name of the exception cause in EXCCAUSE.
func (x *Xtensa) Cause() string {
	if x.ExcCause < uint32(len(excNames)) && excNames[x.ExcCause] != "" {
		return excNames[x.ExcCause]
	}
	return fmt.Sprintf("cause %d", x.ExcCause)
}
