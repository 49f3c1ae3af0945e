package ipc

import (
	"k8s.io/klog/v2"

	"github.com/clktmr/atomdsp/shim"
)

// BoxSize is the size of each of the two mailboxes.
const BoxSize = 0x400

// ExceptOffset is where the firmware places its crash record unless the
// panic report says otherwise.
const ExceptOffset = 0x800

type Config struct {
	DSPBox  shim.Box // written by the DSP: notifications
	HostBox shim.Box // written by the host: messages, overwritten by replies

	// OopsOffset is the BAR offset read by Dump before any panic was
	// reported.
	OopsOffset int64

	Logger klog.Logger
}

func DefaultConfig() Config {
	return Config{
		DSPBox:     shim.Box{Offset: shim.MboxOffset, Size: BoxSize},
		HostBox:    shim.Box{Offset: shim.MboxOffset + BoxSize, Size: BoxSize},
		OopsOffset: shim.MboxOffset + ExceptOffset,
		Logger:     klog.Background(),
	}
}
