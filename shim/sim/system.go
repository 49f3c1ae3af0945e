package sim

import (
	"bytes"
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/clktmr/atomdsp/drivers/ipc"
	"github.com/clktmr/atomdsp/shim"
)

// System is a simulated DSP connected to an [ipc.Device].
type System struct {
	Shim     *Shim
	Firmware *Firmware
	Host     *Host
	Device   *ipc.Device
}

// NewSystem wires a simulated shim to a device using cfg. If wrap is not
// nil, the device accesses the shim through the port it returns.
func NewSystem(cfg ipc.Config, wrap func(shim.Port) shim.Port) *System {
	s := New()
	var port shim.Port = s
	if wrap != nil {
		port = wrap(s)
	}

	h := NewHost(16)
	d := ipc.New(port, h, cfg)
	h.Device = d
	s.Connect(d.Line().Assert)

	return &System{
		Shim:     s,
		Firmware: NewFirmware(s, cfg),
		Host:     h,
		Device:   d,
	}
}

// Start runs the firmware and the device's interrupt thread until ctx is
// done or wait is called. Wait stops both and returns the first error other
// than cancellation.
func (sys *System) Start(ctx context.Context) (wait func() error) {
	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sys.Firmware.Run(ctx) })
	g.Go(func() error { return sys.Device.Serve(ctx) })

	return func() error {
		cancel()
		err := g.Wait()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}

// Boot resets the DSP, loads img and runs it, then enables the IPC
// interrupts.
func (sys *System) Boot(img []byte) error {
	sys.Device.Reset()
	if _, err := sys.Device.Core().Load(bytes.NewReader(img)); err != nil {
		return err
	}
	if _, err := sys.Device.Run(); err != nil {
		return err
	}
	sys.Device.Init()
	return nil
}
