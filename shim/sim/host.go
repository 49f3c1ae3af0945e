package sim

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clktmr/atomdsp/drivers/ipc"
	"github.com/clktmr/atomdsp/drivers/ipc/oops"
)

var (
	ErrTimeout = errors.New("sim: reply timed out")
	ErrFaulted = errors.New("sim: firmware panicked")
)

// Reply is a reply as seen by [Host.ProcessReply].
type Reply struct {
	Header uint64 // host -> DSP doorbell
	Data   []byte // unframed host box contents
}

// Message is a notification read from the DSP box.
type Message struct {
	Header uint64 // DSP -> host doorbell
	Data   []byte
}

// Panic is a reported firmware panic.
type Panic struct {
	Code   oops.PanicCode
	Record *oops.Record
	Err    error
}

// Host is a minimal upper IPC layer. It implements [ipc.Host] and
// [ipc.PanicHandler] and hands everything it receives to buffered channels.
// Events that don't fit into a channel are counted and dropped.
type Host struct {
	// Device must be set before the first interrupt.
	Device *ipc.Device

	Replies  chan Reply
	Messages chan Message
	Panics   chan Panic

	sendMtx sync.Mutex // one outstanding message
	dropped atomic.Uint64
}

func NewHost(depth int) *Host {
	return &Host{
		Replies:  make(chan Reply, depth),
		Messages: make(chan Message, depth),
		Panics:   make(chan Panic, depth),
	}
}

func (h *Host) ProcessReply(msg uint64) {
	box := make([]byte, h.Device.HostBox().Size())
	h.Device.HostBox().ReadAt(box, 0)
	select {
	case h.Replies <- Reply{Header: msg, Data: Unframe(box)}:
	default:
		h.dropped.Add(1)
	}
}

func (h *Host) ReceiveMessage() {
	box := make([]byte, h.Device.DSPBox().Size())
	h.Device.DSPBox().ReadAt(box, 0)
	hdr := uint64(h.Device.Status().IPCD)
	select {
	case h.Messages <- Message{Header: hdr, Data: Unframe(box)}:
	default:
		h.dropped.Add(1)
	}
}

func (h *Host) Panic(code oops.PanicCode, rec *oops.Record, err error) {
	select {
	case h.Panics <- Panic{Code: code, Record: rec, Err: err}:
	default:
		h.dropped.Add(1)
	}
}

// Dropped returns the number of events lost to full channels.
func (h *Host) Dropped() uint64 {
	return h.dropped.Load()
}

// Transact sends the framed msg and waits for its reply. Only one
// transaction is outstanding at a time, concurrent callers queue up. It
// returns ErrTimeout if no reply arrives in time and ErrFaulted if the
// firmware panics meanwhile.
func (h *Host) Transact(msg []byte, timeout time.Duration) (Reply, error) {
	h.sendMtx.Lock()
	defer h.sendMtx.Unlock()

	if h.Device.Faulted() {
		return Reply{}, ErrFaulted
	}

	h.Device.Send(Frame(msg))

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-h.Replies:
		return r, nil
	case p := <-h.Panics:
		return Reply{}, errors.Join(ErrFaulted, p.Err)
	case <-timer.C:
		return Reply{}, ErrTimeout
	}
}
