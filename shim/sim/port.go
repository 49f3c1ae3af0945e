package sim

import (
	"slices"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/clktmr/atomdsp/debug"
	"github.com/clktmr/atomdsp/shim"
)

// Access is a register access seen by a [Recorder].
type Access struct {
	Write bool
	Reg   shim.Reg
	Value uint64
}

// Recorder is a [shim.Port] that records and logs all register accesses.
type Recorder struct {
	shim.Port
	Logger klog.Logger

	mtx sync.Mutex
	log []Access
}

func NewRecorder(port shim.Port, logger klog.Logger) *Recorder {
	return &Recorder{Port: port, Logger: logger.WithName("port")}
}

func (r *Recorder) Read64(reg shim.Reg) uint64 {
	v := r.Port.Read64(reg)
	r.add(Access{Reg: reg, Value: v})
	return v
}

func (r *Recorder) Write64(reg shim.Reg, v uint64) {
	r.add(Access{Write: true, Reg: reg, Value: v})
	r.Port.Write64(reg, v)
}

func (r *Recorder) add(a Access) {
	r.Logger.V(debug.LevelDetail).Info("access", "write", a.Write, "reg", a.Reg, "value", a.Value)
	r.mtx.Lock()
	r.log = append(r.log, a)
	r.mtx.Unlock()
}

// Accesses returns the recorded accesses, optionally only those to regs.
func (r *Recorder) Accesses(regs ...shim.Reg) []Access {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	var ret []Access
	for _, a := range r.log {
		if len(regs) == 0 || slices.Contains(regs, a.Reg) {
			ret = append(ret, a)
		}
	}
	return ret
}

// Reset forgets all recorded accesses.
func (r *Recorder) Reset() {
	r.mtx.Lock()
	r.log = nil
	r.mtx.Unlock()
}

// Delayed is a [shim.Port] that sleeps after each register read, which
// widens the window of read-modify-write cycles.
type Delayed struct {
	shim.Port
	Delay time.Duration
}

func (d *Delayed) Read64(reg shim.Reg) uint64 {
	v := d.Port.Read64(reg)
	time.Sleep(d.Delay)
	return v
}
