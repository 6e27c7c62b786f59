package simd

import "unsafe"

// DefaultAlignment is the byte alignment of buffers handed to the kernels.
// 16 bytes covers SSE and NEON lanes.
const DefaultAlignment = 16

// AlignedSlice returns a zeroed slice of n elements whose first element sits
// on an align-byte boundary. align must be a power of two.
//
// The Go heap does not move objects, so the alignment holds for the
// lifetime of the slice. The capacity is clipped to n so appends reallocate
// rather than spill into the padding.
func AlignedSlice[T Float](n, align int) []T {
	if align&(align-1) != 0 || align <= 0 {
		panic("simd: alignment must be a positive power of two")
	}
	var zero T
	size := int(unsafe.Sizeof(zero))
	pad := align / size
	if pad < 1 {
		pad = 1
	}

	buf := make([]T, n+pad)
	skip := 0
	if rem := int(uintptr(unsafe.Pointer(&buf[0])) & uintptr(align-1)); rem != 0 {
		skip = (align - rem) / size
	}
	return buf[skip : skip+n : skip+n]
}

// IsAligned reports whether the first element of s sits on an align-byte
// boundary. Empty slices are treated as aligned.
func IsAligned[T Float](s []T, align int) bool {
	if cap(s) == 0 {
		return true
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(s)))&uintptr(align-1) == 0
}

// Arena carves several aligned segments out of one allocation.
type Arena[T Float] struct {
	buf   []T
	off   int
	align int
}

// NewArena sizes a single aligned allocation holding every segment in sizes,
// each rounded up so the next one stays aligned.
func NewArena[T Float](align int, sizes ...int) *Arena[T] {
	var zero T
	step := align / int(unsafe.Sizeof(zero))
	if step < 1 {
		step = 1
	}
	total := 0
	for _, n := range sizes {
		total += roundUp(n, step)
	}
	return &Arena[T]{buf: AlignedSlice[T](total, align), align: step}
}

// Take returns the next n-element segment. It panics if the arena was not
// sized for it.
func (a *Arena[T]) Take(n int) []T {
	end := a.off + n
	if end > len(a.buf) {
		panic("simd: arena exhausted")
	}
	s := a.buf[a.off:end:end]
	a.off += roundUp(n, a.align)
	return s
}

func roundUp(n, step int) int {
	return (n + step - 1) / step * step
}
