package oops

import (
	"fmt"
	"io"
)

// Print writes the parts of the record useful for debugging the firmware.
func (rec *Record) Print(w io.Writer) {
	fmt.Fprintf(w, "crash record at %#x, sum %#02x\n", rec.Offset, rec.Sum())
	fmt.Fprintf(w, "  panic %v at %s:%d\n", rec.Panic.Code, rec.Panic.File(), rec.Panic.LineNum)
	fmt.Fprintf(w, "  exccause %s excvaddr %#08x ps %#08x\n",
		rec.Regs.Cause(), rec.Regs.ExcVAddr, rec.Regs.PS)
	fmt.Fprintf(w, "  epc %08x\n", rec.Regs.EPC)
	for i := 0; i < len(rec.Stack); i += 8 {
		fmt.Fprintf(w, "  stack %02x: %08x\n", i*4, rec.Stack[i:i+8])
	}
}
