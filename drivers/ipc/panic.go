package ipc

import (
	"github.com/clktmr/atomdsp/drivers/ipc/oops"
	"github.com/clktmr/atomdsp/shim"
)

// PanicWord is the value of the DSP -> host doorbell when the firmware
// reports a panic instead of a message:
//
//	63      busy
//	62      done
//	47..32  offset of the crash record relative to the mailbox base
//	27..12  magic, 0xdead
//	11..0   panic code
type PanicWord uint64

const panicMagic = 0xdead

var (
	panicOffsetField = shim.Field[uint64]{Shift: 32, Width: 16}
	panicMagicField  = shim.Field[uint64]{Shift: 12, Width: 16}
	panicCodeField   = shim.Field[uint64]{Shift: 0, Width: 12}
)

// MakePanicWord encodes a panic report with the busy flag set.
func MakePanicWord(code oops.PanicCode, offset uint16) PanicWord {
	w := uint64(shim.DoorbellBusy)
	w = panicOffsetField.Put(w, uint64(offset))
	w = panicMagicField.Put(w, panicMagic)
	w = panicCodeField.Put(w, uint64(code&oops.PanicCodeMask))
	return PanicWord(w)
}

// IsPanic reports whether the magic is present.
func (w PanicWord) IsPanic() bool {
	return panicMagicField.Get(uint64(w)) == panicMagic
}

// Offset returns the offset of the crash record relative to the mailbox.
func (w PanicWord) Offset() int64 {
	return int64(panicOffsetField.Get(uint64(w)))
}

func (w PanicWord) Code() oops.PanicCode {
	return oops.PanicMagic | oops.PanicCode(panicCodeField.Get(uint64(w)))
}
