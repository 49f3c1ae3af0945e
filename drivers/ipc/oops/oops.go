// Package oops reads the crash record the DSP firmware leaves in the mailbox
// when it panics.
//
// The record consists of the Xtensa register dump, which starts with an
// architecture header declaring its total size, followed by the panic info
// and a snapshot of the top of the stack:
//
//	off                          Xtensa (ArchHeader.TotalSize bytes)
//	off+TotalSize                PanicInfo
//	off+TotalSize+PanicInfoSize  [StackWords]uint32
//
// All values are little endian.
package oops

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/sigurn/crc8"
)

var ErrInvalidHeader = errors.New("oops: invalid header, firmware state unreliable")

const (
	MaxHeaderSize = 0x400 // upper bound of ArchHeader.TotalSize
	StackWords    = 32
	FilenameSize  = 32
)

var (
	XtensaSize    = binary.Size(Xtensa{})
	PanicInfoSize = binary.Size(PanicInfo{})
	StackSize     = StackWords * 4
)

var byteOrder = binary.LittleEndian

type ArchHeader struct {
	Arch      uint32 // architecture identifier
	TotalSize uint32 // size of the register dump including this header
}

type PlatHeader struct {
	ConfigIDHi  uint32
	ConfigIDLo  uint32
	NumARegs    uint32 // number of AR registers following the dump, not read
	StackOffset uint32
	StackPtr    uint32
}

// Xtensa is the register dump of the crashed core.
type Xtensa struct {
	Arch ArchHeader
	Plat PlatHeader

	ExcCause    uint32
	ExcVAddr    uint32
	PS          uint32
	EPC         [7]uint32 // EPC1 to EPC7
	EPS         [6]uint32 // EPS2 to EPS7
	DEPC        uint32
	IntEnable   uint32
	Interrupt   uint32
	SAR         uint32
	DebugCause  uint32
	WindowBase  uint32
	WindowStart uint32
	ExcSave1    uint32
}

type PanicInfo struct {
	Size     uint32 // IPC header
	Code     PanicCode
	Filename [FilenameSize]byte
	LineNum  uint32
}

// File returns the source file name reported by the firmware.
func (p *PanicInfo) File() string {
	name := p.Filename[:]
	for i, c := range name {
		if c == 0 {
			name = name[:i]
			break
		}
	}
	return string(name)
}

// Record is a captured crash record.
type Record struct {
	Offset int64 // BAR offset the record was read from

	Regs  Xtensa
	Panic PanicInfo
	Stack [StackWords]uint32
}

// Capture reads the crash record at BAR offset off. It never reads beyond
// the register dump if the declared header size exceeds MaxHeaderSize.
//
// Capture doesn't retry. A failed read of the register dump ends the
// capture, as the offset of the panic info is unknown then. Failed reads of
// the panic info or the stack don't stop the other one. The returned record
// holds whatever could be read, together with the joined errors.
func Capture(r io.ReaderAt, off int64) (*Record, error) {
	rec := &Record{Offset: off}

	err := read(r, off, &rec.Regs)
	if err != nil {
		return rec, fmt.Errorf("oops: read registers: %w", err)
	}

	// The AR register array following the dump isn't read.

	size := rec.Regs.Arch.TotalSize
	if size > MaxHeaderSize {
		return rec, fmt.Errorf("%w: size %#x", ErrInvalidHeader, size)
	}

	off += int64(size)
	var errs []error
	if err := read(r, off, &rec.Panic); err != nil {
		errs = append(errs, fmt.Errorf("oops: read panic info: %w", err))
	}

	off += int64(PanicInfoSize)
	if err := read(r, off, &rec.Stack); err != nil {
		errs = append(errs, fmt.Errorf("oops: read stack: %w", err))
	}

	return rec, errors.Join(errs...)
}

func read(r io.ReaderAt, off int64, data any) error {
	return binary.Read(io.NewSectionReader(r, off, int64(binary.Size(data))), byteOrder, data)
}

// Encode writes the record in the layout expected by [Capture], with the
// panic info placed directly after the register dump.
func (rec *Record) Encode(w io.Writer) (err error) {
	store := func(data any) {
		if err != nil {
			return
		}
		err = binary.Write(w, byteOrder, data)
	}
	regs := rec.Regs
	regs.Arch.TotalSize = uint32(XtensaSize)
	store(&regs)
	store(&rec.Panic)
	store(&rec.Stack)
	return
}

var crcTable = crc8.MakeTable(crc8.CRC8_MAXIM)

// Sum returns a CRC-8 fingerprint of the record's contents, ignoring where it
// was read from. Identical crashes have identical sums.
func (rec *Record) Sum() uint8 {
	h := crc8.Init(crcTable)
	for _, data := range []any{&rec.Regs, &rec.Panic, &rec.Stack} {
		b, _ := binary.Append(nil, byteOrder, data) // fixed size, can't fail
		h = crc8.Update(h, b, crcTable)
	}
	return crc8.Complete(h, crcTable)
}
