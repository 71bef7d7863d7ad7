/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package tensors implements Buffer, a flat (1-D) array of numeric elements with a
// data type (dtypes.DType) and a device placement.
//
// Buffers are the unit of bookkeeping for the sharded optimizer: model parameters,
// their gradients and the per-worker optimizer state are all flat Buffers. A Buffer
// optionally carries an attached gradient Buffer of the same dtype and size.
//
// Two ways of referring to the same data:
//
//   - An owning Buffer, created by one of the constructors (New, FromFlatData, ...),
//     holds its own flat slice of the Go type corresponding to the DType.
//   - A view, created with Buffer.Narrow, aliases a sub-range of another Buffer's
//     storage: writes through the view are visible in the original and vice versa.
//     Views are how sub-partitions of a flattened parameter group are represented --
//     slicing never copies.
//
// Float16 is stored as github.com/x448/float16 values and BFloat16 as
// github.com/gomlx/gopjrt/dtypes/bfloat16 values; Float32 and Float64 are native.
package tensors

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Device is an opaque tag for where a Buffer lives. This package only implements
// host memory, but the tag is preserved across clones and conversions so callers
// can route buffers belonging to different accelerators.
type Device string

// CPU is the default device for all buffers created by this package.
const CPU Device = "cpu"

// Buffer is a flat, contiguous block of numeric elements. See the package
// documentation for the ownership and view semantics.
//
// A Buffer is not thread-safe: the owning worker's control flow mutates it, and
// concurrent reads are only safe while no one is writing.
type Buffer struct {
	dtype  dtypes.DType
	device Device

	// flat is one of []float16.Float16, []bfloat16.BFloat16, []float32 or []float64,
	// matching dtype. For views it is a sub-slice of another Buffer's flat.
	flat any

	// grad is the attached gradient, if any. Same dtype and size as the Buffer.
	grad *Buffer
}

// New returns a zero-initialized Buffer with the given dtype and size.
func New(dtype dtypes.DType, size int, device Device) *Buffer {
	if size < 0 {
		exceptions.Panicf("tensors.New: negative size %d", size)
	}
	b := &Buffer{dtype: dtype, device: device}
	switch dtype {
	case dtypes.Float16:
		b.flat = make([]float16.Float16, size)
	case dtypes.BFloat16:
		b.flat = make([]bfloat16.BFloat16, size)
	case dtypes.Float32:
		b.flat = make([]float32, size)
	case dtypes.Float64:
		b.flat = make([]float64, size)
	default:
		exceptions.Panicf("tensors.New: unsupported dtype %s", dtype)
	}
	return b
}

// ZerosLike returns a new zero-initialized Buffer with the same dtype, size and
// device as b. The gradient is not replicated.
func ZerosLike(b *Buffer) *Buffer {
	return New(b.dtype, b.Size(), b.device)
}

// FromFlatData creates a Buffer that takes ownership of the given flat slice.
// The dtype is derived from T.
func FromFlatData[T float16.Float16 | bfloat16.BFloat16 | float32 | float64](data []T, device Device) *Buffer {
	return &Buffer{
		dtype:  dtypes.FromGenericsType[T](),
		device: device,
		flat:   data,
	}
}

// FromFloat64s creates a Buffer with the given dtype, converting each value from
// float64. Handy to build reduced-precision test fixtures.
func FromFloat64s(dtype dtypes.DType, values []float64, device Device) *Buffer {
	b := New(dtype, len(values), device)
	for i, v := range values {
		b.setFloat64(i, v)
	}
	return b
}

// DType of the buffer elements.
func (b *Buffer) DType() dtypes.DType { return b.dtype }

// Device where the buffer lives.
func (b *Buffer) Device() Device { return b.device }

// Size returns the number of elements.
func (b *Buffer) Size() int {
	switch flat := b.flat.(type) {
	case []float16.Float16:
		return len(flat)
	case []bfloat16.BFloat16:
		return len(flat)
	case []float32:
		return len(flat)
	case []float64:
		return len(flat)
	}
	return 0
}

// Memory returns the number of bytes used by the buffer elements.
func (b *Buffer) Memory() uintptr {
	return uintptr(b.Size() * b.dtype.Size())
}

// AssertValid panics if the buffer is nil or its storage was never allocated.
func (b *Buffer) AssertValid() {
	if b == nil {
		panic(errors.New("Buffer is nil"))
	}
	if b.flat == nil {
		panic(errors.New("Buffer has no storage"))
	}
}

// Narrow returns a view over elements [start, start+size): the returned Buffer
// aliases b's storage, so writes through either are visible in both. The view
// carries no gradient.
func (b *Buffer) Narrow(start, size int) *Buffer {
	b.AssertValid()
	if start < 0 || size < 0 || start+size > b.Size() {
		exceptions.Panicf("Buffer.Narrow(%d, %d): out of range for buffer of size %d", start, size, b.Size())
	}
	view := &Buffer{dtype: b.dtype, device: b.device}
	switch flat := b.flat.(type) {
	case []float16.Float16:
		view.flat = flat[start : start+size : start+size]
	case []bfloat16.BFloat16:
		view.flat = flat[start : start+size : start+size]
	case []float32:
		view.flat = flat[start : start+size : start+size]
	case []float64:
		view.flat = flat[start : start+size : start+size]
	}
	return view
}

// Alias re-points b's storage at src's storage. Sizes and dtypes must match.
// The gradient attachment of b is preserved.
//
// This is how original parameter buffers become views over their flattened
// group after setup, and how they are refreshed after each gather phase.
func (b *Buffer) Alias(src *Buffer) {
	b.AssertValid()
	src.AssertValid()
	if b.dtype != src.dtype {
		exceptions.Panicf("Buffer.Alias: dtype mismatch %s vs %s", b.dtype, src.dtype)
	}
	if b.Size() != src.Size() {
		exceptions.Panicf("Buffer.Alias: size mismatch %d vs %d", b.Size(), src.Size())
	}
	b.flat = src.flat
}

// Clone returns a deep copy of the buffer. The gradient is not cloned.
func (b *Buffer) Clone() *Buffer {
	b.AssertValid()
	c := New(b.dtype, b.Size(), b.device)
	c.CopyFrom(b)
	return c
}

// ConvertTo returns a copy of the buffer converted to the given dtype.
func (b *Buffer) ConvertTo(dtype dtypes.DType) *Buffer {
	b.AssertValid()
	c := New(dtype, b.Size(), b.device)
	c.CopyFrom(b)
	return c
}

// Grad returns the attached gradient buffer, or nil.
func (b *Buffer) Grad() *Buffer { return b.grad }

// SetGrad attaches (or detaches, with nil) a gradient buffer.
func (b *Buffer) SetGrad(grad *Buffer) {
	if grad != nil && grad.Size() != b.Size() {
		exceptions.Panicf("Buffer.SetGrad: gradient size %d != buffer size %d", grad.Size(), b.Size())
	}
	b.grad = grad
}

// EnsureGrad returns the attached gradient, allocating a zero-filled one with the
// buffer's dtype and size if none is attached yet.
func (b *Buffer) EnsureGrad() *Buffer {
	if b.grad == nil {
		b.grad = New(b.dtype, b.Size(), b.device)
	}
	return b.grad
}

// FreeGrad detaches the gradient buffer, releasing the reference to its storage.
func (b *Buffer) FreeGrad() { b.grad = nil }

// Float32s returns the underlying storage as []float32.
// It panics if the dtype is not Float32.
func (b *Buffer) Float32s() []float32 {
	flat, ok := b.flat.([]float32)
	if !ok {
		exceptions.Panicf("Buffer.Float32s: buffer dtype is %s", b.dtype)
	}
	return flat
}

// Float64s returns a copy of the elements converted to float64.
func (b *Buffer) Float64s() []float64 {
	out := make([]float64, b.Size())
	for i := range out {
		out[i] = b.getFloat64(i)
	}
	return out
}

// Equal reports whether the two buffers have the same dtype, size and bitwise
// equal elements.
func (b *Buffer) Equal(other *Buffer) bool {
	if b == nil || other == nil {
		return b == other
	}
	if b.dtype != other.dtype || b.Size() != other.Size() {
		return false
	}
	switch flat := b.flat.(type) {
	case []float16.Float16:
		o := other.flat.([]float16.Float16)
		for i, v := range flat {
			if v != o[i] {
				return false
			}
		}
	case []bfloat16.BFloat16:
		o := other.flat.([]bfloat16.BFloat16)
		for i, v := range flat {
			if v != o[i] {
				return false
			}
		}
	case []float32:
		o := other.flat.([]float32)
		for i, v := range flat {
			if v != o[i] {
				return false
			}
		}
	case []float64:
		o := other.flat.([]float64)
		for i, v := range flat {
			if v != o[i] {
				return false
			}
		}
	}
	return true
}

func (b *Buffer) getFloat64(i int) float64 {
	switch flat := b.flat.(type) {
	case []float16.Float16:
		return float64(flat[i].Float32())
	case []bfloat16.BFloat16:
		return float64(flat[i].Float32())
	case []float32:
		return float64(flat[i])
	case []float64:
		return flat[i]
	}
	exceptions.Panicf("Buffer.getFloat64: unsupported dtype %s", b.dtype)
	return 0
}

func (b *Buffer) setFloat64(i int, v float64) {
	switch flat := b.flat.(type) {
	case []float16.Float16:
		flat[i] = float16.Fromfloat32(float32(v))
	case []bfloat16.BFloat16:
		flat[i] = bfloat16.FromFloat32(float32(v))
	case []float32:
		flat[i] = float32(v)
	case []float64:
		flat[i] = v
	default:
		exceptions.Panicf("Buffer.setFloat64: unsupported dtype %s", b.dtype)
	}
}
