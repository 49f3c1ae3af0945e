//go:build !debug

// Package debug provides invariant assertions that can be enabled with the
// debug build tag and otherwise compile to no-ops, and the log verbosity
// levels shared by all packages of this module.
//
// Protocol invariants of the doorbell handshake are checked with these
// assertions in the drivers. Build tests with `-tags debug` to turn a
// violated invariant into a panic.
package debug

// Guard more complex assertions (i.e. anything that could panic) with `if
// debug.Enabled{...}`, otherwise they can't be removed in release builds.
const Enabled = false

// Assert panics if b is false.
func Assert(b bool, message string) {}

// Assertf panics with a formatted message if b is false.
func Assertf(b bool, format string, args ...any) {}
