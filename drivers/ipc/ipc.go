// Package ipc implements the doorbell protocol between the host and the
// audio DSP on Atom platforms.
//
// Each direction has a doorbell register with a busy and a done flag. The
// sender writes its message into a mailbox and sets busy, the receiver clears
// busy and sets done once it has consumed the message. Interrupts of both
// directions arrive on a single line and are split into a first level
// handler, which only masks the interrupt sources, and a thread, which
// handles replies, new messages and firmware panics and unmasks the sources
// again:
//
//	source       masked by   cleared by        unmasked by
//	IPCX done    Interrupt   Thread (reply)    next Send
//	IPCD busy    Interrupt   Thread (message)  Thread
//
// Message framing, queueing and reply timeouts are left to the [Host].
package ipc

import (
	"context"
	"sync"
	"sync/atomic"

	"k8s.io/klog/v2"

	"github.com/clktmr/atomdsp/debug"
	"github.com/clktmr/atomdsp/drivers/ipc/oops"
	"github.com/clktmr/atomdsp/shim"
	"github.com/clktmr/atomdsp/shim/dsp"
)

// Host is the platform independent IPC layer on top of a [Device].
//
// Its methods are called by the device's thread with the IPC lock held. They
// must not call [Device.Send], but may block.
type Host interface {
	// ProcessReply matches a reply to the pending message. msg is the raw
	// value of the host -> DSP doorbell.
	ProcessReply(msg uint64)

	// ReceiveMessage handles a new message in the DSP box.
	ReceiveMessage()
}

// PanicHandler can be implemented by a [Host] to be notified about firmware
// panics. rec holds as much of the crash record as could be read, err is the
// capture error if any.
type PanicHandler interface {
	Panic(code oops.PanicCode, rec *oops.Record, err error)
}

// Device is the host side of the IPC link to a single DSP.
type Device struct {
	bus  *shim.Bus
	regs *shim.Registers
	line *shim.Line
	core *dsp.Core
	host Host
	log  klog.Logger

	hostBox, dspBox *shim.Window

	mtx sync.Mutex // IPC lock, serializes Send and Thread

	// Sources masked by the last Interrupt and not unmasked since. Interrupt
	// runs exclusive to Thread and to anything holding the line disabled.
	masked shim.IntMask

	faulted    atomic.Bool
	oopsOffset atomic.Int64
	lastCrash  atomic.Pointer[oops.Record]
}

// New returns a device accessing the DSP through port. The interrupt line of
// the device must be connected to the platform's interrupt by calling
// Line().Assert, and the deferred handler be run by [Device.Serve].
func New(port shim.Port, host Host, cfg Config) *Device {
	bus := shim.NewBus(port)
	d := &Device{
		bus:     bus,
		regs:    bus.Registers(),
		core:    dsp.NewCore(bus),
		host:    host,
		log:     cfg.Logger.WithName("ipc"),
		hostBox: shim.NewWindow(port, cfg.HostBox),
		dspBox:  shim.NewWindow(port, cfg.DSPBox),
	}
	d.core.Logger = cfg.Logger.WithName("dsp")
	d.line = shim.NewLine(d.Interrupt, d.Thread)
	d.oopsOffset.Store(cfg.OopsOffset)
	return d
}

func (d *Device) Line() *shim.Line { return d.line }

func (d *Device) Core() *dsp.Core { return d.core }

// HostBox is the mailbox written by Send. Replies overwrite it.
func (d *Device) HostBox() *shim.Window { return d.hostBox }

// DSPBox is the mailbox holding messages from the DSP.
func (d *Device) DSPBox() *shim.Window { return d.dspBox }

// MailboxOffset returns the BAR offset of the mailbox region.
func (d *Device) MailboxOffset() int64 { return shim.MboxOffset }

// WindowOffset returns the BAR offset of the memory window id. All windows
// are located in the mailbox region on this platform.
func (d *Device) WindowOffset(id uint32) int64 { return shim.MboxOffset }

// Init enables the busy interrupt for messages from the DSP and masks the
// done interrupt until the first message is sent.
func (d *Device) Init() {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	d.line.Disable()
	defer d.line.Enable()

	d.regs.IMRX.UpdateBits(shim.IntBusy|shim.IntDone, shim.IntDone)
	d.masked = 0
}

// Serve runs the interrupt thread until ctx is done.
func (d *Device) Serve(ctx context.Context) error {
	return d.line.Serve(ctx)
}

// Interrupt is the first level interrupt handler. It masks the interrupt
// sources that need handling and requests the thread, without clearing any
// doorbell.
func (d *Device) Interrupt() shim.IrqReturn {
	ret := shim.IrqNone
	d.masked = 0

	ipcx := d.regs.IPCX.Load()
	ipcd := d.regs.IPCD.Load()

	if ipcx&shim.DoorbellDone != 0 {
		// reply from the DSP, mask done interrupt first
		d.regs.IMRX.UpdateBitsUnlocked(shim.IntDone, shim.IntDone)
		d.masked |= shim.IntDone
		ret = shim.IrqWakeThread
	}

	if ipcd&shim.DoorbellBusy != 0 {
		// new message from the DSP, mask busy interrupt first
		d.regs.IMRX.UpdateBitsUnlocked(shim.IntBusy, shim.IntBusy)
		d.masked |= shim.IntBusy
		ret = shim.IrqWakeThread
	}

	d.log.V(debug.LevelDetail).Info("interrupt", "ipcx", uint64(ipcx), "ipcd", uint64(ipcd), "ret", ret)
	return ret
}

// Thread handles what the interrupt handler found: a reply to the last sent
// message, a new message or a panic report from the DSP, or both. Doorbells
// are read again, so a condition raised after the handler ran is handled too,
// even though its source was never masked.
func (d *Device) Thread() {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	masked := d.masked
	d.masked = 0

	ipcx := d.regs.IPCX.Load()
	ipcd := d.regs.IPCD.Load()

	if ipcx&shim.DoorbellDone != 0 {
		if debug.Enabled && masked&shim.IntDone != 0 {
			debug.Assert(d.regs.IMRX.LoadBits(shim.IntDone) != 0, "ipc: done unmasked before reply was handled")
		}
		d.log.V(debug.LevelInfo).Info("reply", "ipcx", uint64(ipcx))

		d.host.ProcessReply(uint64(ipcx))
		d.dspDone()
	}

	if ipcd&shim.DoorbellBusy != 0 {
		if debug.Enabled && masked&shim.IntBusy != 0 {
			debug.Assert(d.regs.IMRX.LoadBits(shim.IntBusy) != 0, "ipc: busy unmasked before message was handled")
		}

		if w := PanicWord(ipcd); w.IsPanic() {
			d.fault(w)
		} else {
			d.log.V(debug.LevelInfo).Info("message", "ipcd", uint64(ipcd))
			d.host.ReceiveMessage()
		}
		d.hostDone()
	}
}

// dspDone tells the DSP the reply was consumed. The done interrupt stays
// masked until the next message is sent.
func (d *Device) dspDone() {
	d.regs.IPCX.UpdateBits(shim.DoorbellDone, 0)
}

// hostDone tells the DSP its message was consumed and accepts the next one.
func (d *Device) hostDone() {
	d.regs.IPCD.UpdateBits(shim.DoorbellBusy|shim.DoorbellDone, shim.DoorbellDone)
	d.regs.IMRX.UpdateBits(shim.IntBusy, 0)
}

// Send copies msg into the host box and rings the doorbell. The caller must
// not exceed the box size, the message is truncated otherwise. The reply is
// delivered to [Host.ProcessReply].
func (d *Device) Send(msg []byte) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	// The interrupt handler updates IMRX without locking.
	d.line.Disable()
	defer d.line.Enable()

	// Unmask and prepare to receive the done interrupt before the DSP can
	// possibly reply.
	d.regs.IMRX.UpdateBits(shim.IntDone, 0)
	d.masked &^= shim.IntDone

	n, err := d.hostBox.WriteAt(msg, 0)
	if err != nil {
		d.log.Error(err, "message truncated", "size", len(msg), "sent", n)
	}
	d.regs.IPCX.Store(shim.DoorbellBusy)

	d.log.V(debug.LevelInfo).Info("send", "size", n)
}

// Faulted reports whether the firmware panicked since the last reset.
func (d *Device) Faulted() bool {
	return d.faulted.Load()
}

// Crash returns the last captured crash record, or nil.
func (d *Device) Crash() *oops.Record {
	return d.lastCrash.Load()
}

func (d *Device) fault(w PanicWord) {
	d.faulted.Store(true)

	off := shim.MboxOffset + w.Offset()
	d.oopsOffset.Store(off)

	rec, err := oops.Capture(d.bus.Port(), off)
	prev := d.lastCrash.Swap(rec)

	switch {
	case err != nil:
		d.log.Error(err, "firmware panic, crash record unusable", "code", w.Code(), "offset", off)
	case prev != nil && prev.Sum() == rec.Sum():
		d.log.V(debug.LevelBasic).Info("firmware panic repeated", "code", w.Code(), "sum", rec.Sum())
	default:
		d.log.Error(nil, "firmware panic",
			"code", w.Code(),
			"cause", rec.Regs.Cause(),
			"epc1", rec.Regs.EPC[0],
			"file", rec.Panic.File(),
			"line", rec.Panic.LineNum,
			"sum", rec.Sum())
	}

	if ph, ok := d.host.(PanicHandler); ok {
		ph.Panic(w.Code(), rec, err)
	}
}

// Reset puts the DSP into reset and leaves it stalled, see [dsp.Core.Reset].
// It clears the faulted state.
func (d *Device) Reset() {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	d.faulted.Store(false)
	d.core.Reset()
}

// Run starts the DSP, see [dsp.Core.Run].
func (d *Device) Run() (uint32, error) {
	return d.core.Run()
}
