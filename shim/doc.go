// The shim package provides the hardware abstraction for the audio DSP's
// shim block on Atom platforms (Baytrail, Cherrytrail).
//
// It exposes the IPC doorbell, interrupt mask and control/status registers as
// typed 64-bit registers on top of a [Port], the mailbox as bounded memory
// [Window]s, and the interrupt line of the device as a [Line] that splits
// interrupt handling into a first level handler and a single deferred
// worker. Everything is exposed as is, without any protocol logic. Use the
// drivers built on top of it instead.
package shim

// Shim register map and mailbox layout
// https://github.com/thesofproject/sof/tree/main/src/platform/baytrail
