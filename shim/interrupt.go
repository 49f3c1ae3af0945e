package shim

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/clktmr/atomdsp/debug"
)

// IrqReturn is the result of a first level interrupt handler.
type IrqReturn int

const (
	IrqNone       IrqReturn = iota // interrupt wasn't raised by this device
	IrqHandled                     // handled completely
	IrqWakeThread                  // handled, the thread must run
)

func (r IrqReturn) String() string {
	switch r {
	case IrqNone:
		return "none"
	case IrqHandled:
		return "handled"
	case IrqWakeThread:
		return "wake thread"
	}
	return "invalid"
}

// Line is a level triggered interrupt line with a first level handler and a
// threaded handler.
//
// The handler runs on the goroutine calling [Line.Assert] with the line
// disabled. It must not block. If it returns [IrqWakeThread], the line stays
// disabled until the thread has run on the goroutine calling [Line.Serve] or
// [Line.Step]. Asserting a disabled line latches the interrupt, it's
// delivered again as soon as the line is enabled.
type Line struct {
	handler func() IrqReturn
	thread  func()

	mtx     sync.Mutex // held while the handler runs
	depth   int        // disable depth
	pending bool
	wake    chan struct{}

	handled, unhandled, latched, threads atomic.Uint64
}

// LineStats counts what happened on a [Line].
type LineStats struct {
	Handled   uint64 // handler returned IrqHandled or IrqWakeThread
	Unhandled uint64 // handler returned IrqNone
	Latched   uint64 // asserted while disabled
	Threads   uint64 // thread invocations
}

func NewLine(handler func() IrqReturn, thread func()) *Line {
	return &Line{
		handler: handler,
		thread:  thread,
		wake:    make(chan struct{}, 1),
	}
}

// Assert raises the interrupt. It's safe to call from any goroutine.
func (l *Line) Assert() {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	if l.depth > 0 {
		l.pending = true
		l.latched.Add(1)
		return
	}

	switch l.handler() {
	case IrqNone:
		l.unhandled.Add(1)
	case IrqHandled:
		l.handled.Add(1)
	case IrqWakeThread:
		l.handled.Add(1)
		if l.thread == nil {
			break
		}
		l.depth++ // oneshot, enabled again after the thread has run
		select {
		case l.wake <- struct{}{}:
		default:
			debug.Assert(false, "shim: thread woken twice")
		}
	}
}

// Disable masks the line. If the handler is running, Disable waits for it to
// return. Calls nest.
func (l *Line) Disable() {
	l.mtx.Lock()
	l.depth++
	l.mtx.Unlock()
}

// Enable undoes one call to [Line.Disable]. A latched interrupt is delivered
// once the line is fully enabled.
func (l *Line) Enable() {
	l.mtx.Lock()
	debug.Assertf(l.depth > 0, "shim: unbalanced irq enable, depth %d", l.depth)
	l.depth--
	replay := l.depth == 0 && l.pending
	if replay {
		l.pending = false
	}
	l.mtx.Unlock()

	if replay {
		l.Assert()
	}
}

// Disabled reports whether the line is currently masked.
func (l *Line) Disabled() bool {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.depth > 0
}

// Serve runs the thread whenever the handler requested it, until ctx is
// done. Only a single goroutine must call Serve.
func (l *Line) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
			l.runThread()
		}
	}
}

// Step runs the thread if it was requested and reports whether it did. It
// doesn't block and is meant for driving a line without a [Line.Serve]
// goroutine.
func (l *Line) Step() bool {
	select {
	case <-l.wake:
		l.runThread()
		return true
	default:
		return false
	}
}

func (l *Line) runThread() {
	l.thread()
	l.threads.Add(1)
	l.Enable()
}

func (l *Line) Stats() LineStats {
	return LineStats{
		Handled:   l.handled.Load(),
		Unhandled: l.unhandled.Load(),
		Latched:   l.latched.Load(),
		Threads:   l.threads.Load(),
	}
}
