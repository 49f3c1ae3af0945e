package shim

import "golang.org/x/exp/constraints"

// Field describes a bit field of Width bits starting at bit Shift of a
// register value.
type Field[T constraints.Unsigned] struct {
	Shift uint
	Width uint
}

// Mask returns the field's bits in place.
func (f Field[T]) Mask() T {
	return (T(1)<<f.Width - 1) << f.Shift
}

// Get extracts the field from v.
func (f Field[T]) Get(v T) T {
	return (v & f.Mask()) >> f.Shift
}

// Put returns v with the field replaced by x. Bits of x exceeding the field
// width are dropped.
func (f Field[T]) Put(v, x T) T {
	return v&^f.Mask() | (x<<f.Shift)&f.Mask()
}
