package shim

import (
	"errors"
	"io"
)

var ErrOutOfRange = errors.New("shim: offset out of range")

// Box is the location of a mailbox in the DSP BAR.
type Box struct {
	Offset int64
	Size   int64
}

// Window implements io.ReaderAt and io.WriterAt for a byte range of the DSP
// BAR, e.g. a mailbox. Offsets are relative to the window's base and
// accesses never reach beyond its end: reads are truncated with io.EOF,
// writes with io.ErrShortWrite.
type Window struct {
	port Port
	box  Box
}

func NewWindow(port Port, box Box) *Window {
	return &Window{port: port, box: box}
}

func (w *Window) Box() Box {
	return w.box
}

func (w *Window) Size() int64 {
	return w.box.Size
}

func (w *Window) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 || off > w.box.Size {
		return 0, ErrOutOfRange
	}

	if left := w.box.Size - off; int64(len(p)) > left {
		p = p[:left]
		err = io.EOF
	}

	n, rerr := w.port.ReadAt(p, w.box.Offset+off)
	if rerr != nil {
		return n, rerr
	}
	return n, err
}

func (w *Window) WriteAt(p []byte, off int64) (n int, err error) {
	if off < 0 || off > w.box.Size {
		return 0, ErrOutOfRange
	}

	if left := w.box.Size - off; int64(len(p)) > left {
		p = p[:left]
		err = io.ErrShortWrite
	}

	n, werr := w.port.WriteAt(p, w.box.Offset+off)
	if werr != nil {
		return n, werr
	}
	return n, err
}
