package ipc_test

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"k8s.io/klog/v2/ktesting"

	"github.com/clktmr/atomdsp/drivers/ipc"
	"github.com/clktmr/atomdsp/drivers/ipc/oops"
	"github.com/clktmr/atomdsp/shim"
	"github.com/clktmr/atomdsp/shim/sim"
	atomtesting "github.com/clktmr/atomdsp/testing"
)

func TestMain(m *testing.M) { atomtesting.TestMain(m) }

// newStepped returns a booted system that isn't started. The test drives the
// firmware and the interrupt thread by stepping them.
func newStepped(t *testing.T) (*sim.System, *sim.Recorder) {
	logger, _ := ktesting.NewTestContext(t)
	cfg := ipc.DefaultConfig()
	cfg.Logger = logger

	var rec *sim.Recorder
	sys := sim.NewSystem(cfg, func(p shim.Port) shim.Port {
		rec = sim.NewRecorder(p, logger)
		return rec
	})
	if err := sys.Boot(nil); err != nil {
		t.Fatal(err)
	}
	rec.Reset()
	return sys, rec
}

func recvNow[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	default:
		t.Fatal("nothing received")
	}
	panic("unreachable")
}

func TestSendReply(t *testing.T) {
	sys, _ := newStepped(t)
	d := sys.Device

	d.Send(sim.Frame([]byte("ping")))
	if got := d.Status().IPCX; got != shim.DoorbellBusy {
		t.Fatalf("ipcx %#x", uint64(got))
	}

	sys.Firmware.Step()
	if !d.Line().Disabled() {
		t.Fatal("interrupt didn't request the thread")
	}
	if d.Status().IMRX&shim.IntDone == 0 {
		t.Fatal("done not masked by handler")
	}
	if d.Status().IPCX&shim.DoorbellDone == 0 {
		t.Fatal("handler cleared done")
	}

	if !d.Line().Step() {
		t.Fatal("thread didn't run")
	}
	r := recvNow(t, sys.Host.Replies)
	if string(r.Data) != "ping" {
		t.Errorf("reply %q", r.Data)
	}
	if r.Header != uint64(shim.DoorbellDone)|1 {
		t.Errorf("reply header %#x", r.Header)
	}

	st := d.Status()
	if st.IPCX&shim.DoorbellDone != 0 {
		t.Error("done not cleared")
	}
	if st.IMRX&shim.IntDone == 0 {
		t.Error("done unmasked before next send")
	}
	if st.IMRX&shim.IntBusy != 0 {
		t.Error("busy masked")
	}
}

func TestDoneMaskedOnce(t *testing.T) {
	sys, rec := newStepped(t)
	d := sys.Device

	for i := range 3 {
		rec.Reset()
		d.Send(sim.Frame([]byte{byte(i)}))
		sys.Firmware.Step()
		d.Line().Step()
		recvNow(t, sys.Host.Replies)

		masks := 0
		prev := shim.IntMask(0)
		for _, a := range rec.Accesses(shim.IMRX) {
			v := shim.IntMask(a.Value)
			if a.Write && v&^prev&shim.IntDone != 0 {
				masks++
			}
			prev = v
		}
		if masks != 1 {
			t.Errorf("send %d: done masked %d times", i, masks)
		}
	}

	// A done flag appearing while masked stays latched in IPCX until the
	// next send.
	sys.Shim.Write64(shim.IPCX, uint64(shim.DoorbellDone))
	if d.Line().Step() {
		t.Error("thread ran for masked done")
	}
	if d.Status().IPCX&shim.DoorbellDone == 0 {
		t.Error("done lost")
	}
}

func TestSendTruncated(t *testing.T) {
	sys, _ := newStepped(t)
	msg := bytes.Repeat([]byte{0x55}, ipc.BoxSize+16)
	msg[ipc.BoxSize-1] = 0xaa

	sys.Device.Send(msg)

	box := make([]byte, ipc.BoxSize+16)
	sys.Shim.ReadAt(box, sys.Device.HostBox().Box().Offset)
	if box[ipc.BoxSize-1] != 0xaa {
		t.Error("box not filled")
	}
	if !bytes.Equal(box[ipc.BoxSize:], make([]byte, 16)) {
		t.Error("wrote beyond host box")
	}
	if sys.Device.Status().IPCX != shim.DoorbellBusy {
		t.Error("doorbell not rung")
	}
}

func TestMessage(t *testing.T) {
	sys, _ := newStepped(t)
	d := sys.Device

	sys.Firmware.Notify([]byte("hello"))
	sys.Firmware.Notify([]byte("world"))
	sys.Firmware.Step()

	if d.Status().IMRX&shim.IntBusy == 0 {
		t.Fatal("busy not masked by handler")
	}
	d.Line().Step()

	m := recvNow(t, sys.Host.Messages)
	if string(m.Data) != "hello" || m.Header != uint64(shim.DoorbellBusy)|5 {
		t.Errorf("message %q %#x", m.Data, m.Header)
	}
	st := d.Status()
	if st.IPCD&(shim.DoorbellBusy|shim.DoorbellDone) != shim.DoorbellDone {
		t.Errorf("ipcd %#x, expected done only", uint64(st.IPCD))
	}
	if st.IMRX&shim.IntBusy != 0 {
		t.Error("busy still masked")
	}

	// The firmware posts the next message once the first was acknowledged.
	sys.Firmware.Step()
	d.Line().Step()
	m = recvNow(t, sys.Host.Messages)
	if string(m.Data) != "world" {
		t.Errorf("message %q", m.Data)
	}
	if sys.Firmware.Pending() != 0 {
		t.Error("messages left")
	}
}

func TestReplyAndMessage(t *testing.T) {
	sys, _ := newStepped(t)
	d := sys.Device

	d.Send(sim.Frame([]byte("ping")))
	sys.Firmware.Notify([]byte("hello"))
	sys.Firmware.Step()

	if !d.Line().Step() {
		t.Fatal("thread didn't run")
	}
	if string(recvNow(t, sys.Host.Replies).Data) != "ping" {
		t.Error("wrong reply")
	}
	if string(recvNow(t, sys.Host.Messages).Data) != "hello" {
		t.Error("wrong message")
	}
	if d.Line().Step() {
		t.Error("thread ran twice")
	}
	if st := d.Line().Stats(); st.Threads != 1 {
		t.Errorf("stats %+v", st)
	}
}

// A reply arriving while the thread for a message is pending was never masked
// by the handler. The thread handles it anyway and the latched edge is
// replayed as a spurious interrupt.
func TestLateReply(t *testing.T) {
	sys, _ := newStepped(t)
	d := sys.Device
	before := d.Line().Stats()

	sys.Firmware.Notify([]byte("hello"))
	sys.Firmware.Step()
	if !d.Line().Disabled() {
		t.Fatal("interrupt didn't request the thread")
	}

	d.Send(sim.Frame([]byte("ping")))
	sys.Firmware.Step()
	if d.Status().IMRX&shim.IntDone != 0 {
		t.Fatal("done masked without handler")
	}
	if st := d.Line().Stats(); st.Latched-before.Latched != 1 {
		t.Fatalf("reply not latched, stats %+v", st)
	}

	if !d.Line().Step() {
		t.Fatal("thread didn't run")
	}
	if string(recvNow(t, sys.Host.Replies).Data) != "ping" {
		t.Error("wrong reply")
	}
	if string(recvNow(t, sys.Host.Messages).Data) != "hello" {
		t.Error("wrong message")
	}
	if d.Line().Step() {
		t.Error("thread ran twice")
	}
	if st := d.Line().Stats(); st.Threads-before.Threads != 1 || st.Unhandled-before.Unhandled != 1 {
		t.Errorf("stats %+v", st)
	}
	if d.Line().Disabled() {
		t.Error("line left disabled")
	}
}

func crashRecord() *oops.Record {
	rec := &oops.Record{}
	rec.Regs.Arch.TotalSize = uint32(oops.XtensaSize)
	rec.Regs.ExcCause = 29
	rec.Regs.EPC[0] = 0xbe00_0100
	rec.Panic.Code = oops.PanicException
	copy(rec.Panic.Filename[:], "init.c")
	rec.Panic.LineNum = 7
	return rec
}

func TestPanic(t *testing.T) {
	sys, _ := newStepped(t)
	d := sys.Device
	rec := crashRecord()

	sys.Firmware.Panic(oops.PanicException, rec, 0x900)
	sys.Firmware.Step()
	d.Line().Step()

	p := recvNow(t, sys.Host.Panics)
	if p.Err != nil {
		t.Fatal(p.Err)
	}
	if p.Code != oops.PanicException {
		t.Errorf("code %v", p.Code)
	}
	if p.Record.Offset != shim.MboxOffset+0x900 {
		t.Errorf("record at %#x", p.Record.Offset)
	}
	if p.Record.Sum() != rec.Sum() || p.Record.Panic.File() != "init.c" {
		t.Error("record mismatch")
	}
	if len(sys.Host.Messages) != 0 {
		t.Error("panic delivered as message")
	}
	if !d.Faulted() || d.Crash() != p.Record {
		t.Error("device not faulted")
	}
	if d.Status().IPCD&(shim.DoorbellBusy|shim.DoorbellDone) != shim.DoorbellDone {
		t.Error("panic not acknowledged")
	}

	// Dump reads the record again from where the panic pointed to.
	st, dump, err := d.Dump()
	if err != nil || dump.Sum() != rec.Sum() {
		t.Error("dump:", err)
	}
	if !strings.Contains(st.String(), "faulted yes") {
		t.Error(st)
	}

	// Repeated panics are still reported.
	sys.Firmware.Panic(oops.PanicException, rec, 0x900)
	sys.Firmware.Step()
	sys.Firmware.Step()
	d.Line().Step()
	recvNow(t, sys.Host.Panics)

	d.Reset()
	if d.Faulted() {
		t.Error("reset didn't clear fault")
	}
}

func TestPanicInvalidHeader(t *testing.T) {
	sys, _ := newStepped(t)
	d := sys.Device

	hdr := []byte{1, 0, 0, 0, 0xff, 0xff, 0, 0} // TotalSize 0xffff
	sys.Shim.WriteAt(hdr, shim.MboxOffset+ipc.ExceptOffset)
	sys.Shim.Write64(shim.IPCD, uint64(ipc.MakePanicWord(oops.PanicStack, ipc.ExceptOffset)))
	d.Line().Step()

	p := recvNow(t, sys.Host.Panics)
	if p.Err == nil || p.Code != oops.PanicStack {
		t.Errorf("code %v, err %v", p.Code, p.Err)
	}
	if !d.Faulted() {
		t.Error("not faulted")
	}
}

func TestPanicWord(t *testing.T) {
	w := ipc.MakePanicWord(oops.PanicAssert, 0x800)
	if uint64(w)&0x0ffff000 != 0x0dead000 {
		t.Errorf("magic missing in %#x", uint64(w))
	}
	if !w.IsPanic() || w.Offset() != 0x800 || w.Code() != oops.PanicAssert {
		t.Errorf("decoded %v %#x %v", w.IsPanic(), w.Offset(), w.Code())
	}
	if shim.Doorbell(w)&shim.DoorbellBusy == 0 {
		t.Error("busy not set")
	}
	if ipc.PanicWord(shim.DoorbellBusy | 0x1234).IsPanic() {
		t.Error("message taken for panic")
	}
}

func TestInterruptSpurious(t *testing.T) {
	sys, _ := newStepped(t)
	if ret := sys.Device.Interrupt(); ret != shim.IrqNone {
		t.Error(ret)
	}
}

func TestStatus(t *testing.T) {
	sys, _ := newStepped(t)
	s := sys.Device.Status().String()
	for _, want := range []string{
		"dsp: running, faulted no",
		"ipc host -> DSP: pending no complete no raw 0x0",
		"mask host: pending no complete yes raw 0x1",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("missing %q in\n%s", want, s)
		}
	}
	if sys.Device.WindowOffset(3) != shim.MboxOffset || sys.Device.MailboxOffset() != shim.MboxOffset {
		t.Error("window offsets")
	}
}

func TestConcurrent(t *testing.T) {
	sys := atomtesting.NewSystem(t, func(p shim.Port) shim.Port {
		return &sim.Delayed{Port: p, Delay: 50 * time.Microsecond}
	})

	const senders, count, notes = 4, 20, 40

	var wg sync.WaitGroup
	for i := range senders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range count {
				msg := fmt.Sprintf("msg %d.%d", i, j)
				r, err := sys.Host.Transact([]byte(msg), atomtesting.Timeout)
				if err != nil {
					t.Error(err)
					return
				}
				if string(r.Data) != msg {
					t.Errorf("reply %q to %q", r.Data, msg)
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range notes {
			sys.Firmware.Notify([]byte(fmt.Sprint("note ", i)))
			time.Sleep(100 * time.Microsecond)
		}
	}()

	for i := range notes {
		m := atomtesting.Recv(t, sys.Host.Messages)
		if want := fmt.Sprint("note ", i); string(m.Data) != want {
			t.Fatalf("got %q, want %q", m.Data, want)
		}
	}
	wg.Wait()

	if sys.Host.Dropped() != 0 {
		t.Error("dropped events")
	}
	if sys.Device.Faulted() {
		t.Error("faulted")
	}
}

// Sends bypassing the host's transaction lock race with the interrupt thread
// and with each other. Every read-modify-write of IMRX and IPCX must still
// change only its own bits.
func TestSendConcurrent(t *testing.T) {
	logger, _ := ktesting.NewTestContext(t)
	var rec *sim.Recorder
	sys := atomtesting.NewSystem(t, func(p shim.Port) shim.Port {
		rec = sim.NewRecorder(&sim.Delayed{Port: p, Delay: 20 * time.Microsecond}, logger)
		return rec
	})
	rec.Reset()

	const senders, count, notes = 4, 10, 20

	// Replies overwrite each other in the host box and a send may overwrite
	// a message the firmware hasn't picked up yet. Only the last one is
	// guaranteed to be answered.
	last := make(chan struct{})
	go func() {
		defer close(last)
		timeout := time.After(atomtesting.Timeout)
		for {
			select {
			case r := <-sys.Host.Replies:
				if string(r.Data) == "last" {
					return
				}
			case <-timeout:
				t.Error("no reply to last message")
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := range senders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range count {
				sys.Device.Send(sim.Frame([]byte(fmt.Sprintf("msg %d.%d", i, j))))
				time.Sleep(50 * time.Microsecond)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range notes {
			sys.Firmware.Notify([]byte(fmt.Sprint("note ", i)))
			time.Sleep(50 * time.Microsecond)
		}
	}()

	for i := range notes {
		m := atomtesting.Recv(t, sys.Host.Messages)
		if want := fmt.Sprint("note ", i); string(m.Data) != want {
			t.Fatalf("got %q, want %q", m.Data, want)
		}
	}
	wg.Wait()

	// Wait for the firmware to finish with the host box. The shim is read
	// directly to keep the record free of foreign accesses.
	deadline := time.Now().Add(atomtesting.Timeout)
	for ipcx := sys.Shim.Read64(shim.IPCX); ipcx&uint64(shim.DoorbellBusy|shim.DoorbellDone) != 0; ipcx = sys.Shim.Read64(shim.IPCX) {
		if time.Now().After(deadline) {
			t.Fatalf("doorbell stuck: %#x", ipcx)
		}
		time.Sleep(time.Millisecond)
	}
	sys.Device.Send(sim.Frame([]byte("last")))
	<-last

	// The firmware writes behind the recorder, so only host writes show up.
	// Each of them is a store of busy or directly follows the read it
	// updates.
	check := func(reg shim.Reg, valid func(read, write uint64) bool) {
		acc := rec.Accesses(reg)
		for i, a := range acc {
			if !a.Write {
				continue
			}
			if reg == shim.IPCX && a.Value == uint64(shim.DoorbellBusy) {
				continue
			}
			if i == 0 || acc[i-1].Write || !valid(acc[i-1].Value, a.Value) {
				t.Errorf("%#x: write %#x at %d doesn't follow its read", uint32(reg), a.Value, i)
			}
		}
	}
	check(shim.IMRX, func(read, write uint64) bool {
		diff := read ^ write
		return diff == uint64(shim.IntDone) || diff == uint64(shim.IntBusy)
	})
	check(shim.IPCX, func(read, write uint64) bool {
		return write == read&^uint64(shim.DoorbellDone)
	})

	if sys.Host.Dropped() != 0 {
		t.Error("dropped events")
	}
	if sys.Device.Faulted() {
		t.Error("faulted")
	}
}
