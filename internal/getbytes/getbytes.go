// Package getbytes reinterprets numeric slices as bytes, and back, without
// copying. The results share memory with their input and use the host's
// byte order (little-endian on every platform scopesim runs on).
package getbytes

import (
	"unsafe"
)

// Sample is any fixed-size numeric type stored in a waveform buffer.
type Sample interface {
	~int16 | ~int32 | ~uint16 | ~uint32 | ~float32 | ~float64
}

// FromSlice returns the bytes underlying d.
func FromSlice[T Sample](d []T) []byte {
	if len(d) == 0 {
		return []byte{}
	}
	outlength := uintptr(len(d)) * unsafe.Sizeof(d[0])
	return unsafe.Slice((*byte)(unsafe.Pointer(&d[0])), outlength)
}

// ToSlice reinterprets b as a []T. Trailing bytes that do not fill a whole
// element are ignored. b must be suitably aligned for T.
func ToSlice[T Sample](b []byte) []T {
	var zero T
	n := uintptr(len(b)) / unsafe.Sizeof(zero)
	if n == 0 {
		return []T{}
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), n)
}

// FromSliceFloat32 convert a []float32 to []byte using unsafe
func FromSliceFloat32(d []float32) []byte {
	return FromSlice(d)
}

// FromSliceFloat64 convert a []float64 to []byte using unsafe
func FromSliceFloat64(d []float64) []byte {
	return FromSlice(d)
}

// FromSliceInt16 convert a []int16 to []byte using unsafe
func FromSliceInt16(d []int16) []byte {
	return FromSlice(d)
}

// ToFloat32 convert a []byte to []float32 using unsafe
func ToFloat32(b []byte) []float32 {
	return ToSlice[float32](b)
}
