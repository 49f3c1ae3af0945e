package sim

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"

	"github.com/clktmr/atomdsp/drivers/ipc"
	"github.com/clktmr/atomdsp/drivers/ipc/oops"
	"github.com/clktmr/atomdsp/shim"
)

// Firmware plays the DSP's part of the doorbell protocol on a [Shim]. It
// answers each message posted by the host with the reply returned by
// Handler and posts queued notifications and panic reports one at a time,
// each after the host has acknowledged the previous one.
type Firmware struct {
	shim *Shim
	cfg  ipc.Config

	// Handler returns the reply to msg, which is the whole host box. It
	// must be set before the firmware runs. The default echoes the framed
	// message.
	Handler func(msg []byte) []byte

	mtx    sync.Mutex
	outbox []post
	seq    uint32
}

type post struct {
	word  uint64
	frame []byte // DSP box contents
	crash *crash
}

type crash struct {
	offset uint16
	rec    *oops.Record
}

func NewFirmware(s *Shim, cfg ipc.Config) *Firmware {
	return &Firmware{
		shim: s,
		cfg:  cfg,
		Handler: func(msg []byte) []byte {
			return Frame(Unframe(msg))
		},
	}
}

// Run services the doorbells until ctx is done.
func (f *Firmware) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.shim.kick:
			f.Step()
		}
	}
}

// Step services the doorbells once: it replies to a pending host message,
// retires an acknowledged post and posts the next queued one.
func (f *Firmware) Step() {
	ipcx := shim.Doorbell(f.shim.dspRead64(shim.IPCX))
	if ipcx&shim.DoorbellBusy != 0 {
		msg := make([]byte, f.cfg.HostBox.Size)
		f.shim.ReadAt(msg, f.cfg.HostBox.Offset)

		reply := f.Handler(msg)
		f.shim.WriteAt(reply, f.cfg.HostBox.Offset)

		f.mtx.Lock()
		f.seq++
		seq := f.seq
		f.mtx.Unlock()
		f.shim.dspWrite64(shim.IPCX, uint64(shim.DoorbellDone)|uint64(seq))
	}

	ipcd := shim.Doorbell(f.shim.dspRead64(shim.IPCD))
	if ipcd&shim.DoorbellDone != 0 {
		f.shim.dspWrite64(shim.IPCD, 0)
		ipcd = 0
	}
	if ipcd&shim.DoorbellBusy != 0 {
		return // host hasn't consumed the last post yet
	}

	f.mtx.Lock()
	if len(f.outbox) == 0 {
		f.mtx.Unlock()
		return
	}
	p := f.outbox[0]
	f.outbox = f.outbox[1:]
	f.mtx.Unlock()

	if p.crash != nil {
		var buf bytes.Buffer
		p.crash.rec.Encode(&buf)
		f.shim.WriteAt(buf.Bytes(), shim.MboxOffset+int64(p.crash.offset))
	} else {
		f.shim.WriteAt(p.frame, f.cfg.DSPBox.Offset)
	}
	f.shim.dspWrite64(shim.IPCD, p.word)
}

func (f *Firmware) queue(p post) {
	f.mtx.Lock()
	f.outbox = append(f.outbox, p)
	f.mtx.Unlock()
	f.shim.kickFirmware()
}

// Notify queues a message from the DSP to the host.
func (f *Firmware) Notify(msg []byte) {
	f.queue(post{
		word:  uint64(shim.DoorbellBusy) | uint64(len(msg)),
		frame: Frame(msg),
	})
}

// Panic queues a panic report with rec placed at offset relative to the
// mailbox base.
func (f *Firmware) Panic(code oops.PanicCode, rec *oops.Record, offset uint16) {
	f.queue(post{
		word:  uint64(ipc.MakePanicWord(code, offset)),
		crash: &crash{offset: offset, rec: rec},
	})
}

// Pending returns the number of queued posts.
func (f *Firmware) Pending() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return len(f.outbox)
}

// Frame prefixes msg with its length as the upper IPC layer expects it in
// the mailbox.
func Frame(msg []byte) []byte {
	b := binary.LittleEndian.AppendUint32(nil, uint32(len(msg)))
	return append(b, msg...)
}

// Unframe returns the message framed in box. It returns nil if the length
// prefix is invalid.
func Unframe(box []byte) []byte {
	if len(box) < 4 {
		return nil
	}
	n := binary.LittleEndian.Uint32(box)
	if int64(n) > int64(len(box)-4) {
		return nil
	}
	return box[4 : 4+n]
}
