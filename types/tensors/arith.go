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

package tensors

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

// SetZero fills the buffer with zeros.
func (b *Buffer) SetZero() {
	b.AssertValid()
	switch flat := b.flat.(type) {
	case []float16.Float16:
		clear(flat)
	case []bfloat16.BFloat16:
		clear(flat)
	case []float32:
		clear(flat)
	case []float64:
		clear(flat)
	}
}

// CopyFrom copies src's elements into b, converting dtypes if they differ.
// Sizes must match.
func (b *Buffer) CopyFrom(src *Buffer) {
	b.AssertValid()
	src.AssertValid()
	if b.Size() != src.Size() {
		exceptions.Panicf("Buffer.CopyFrom: size mismatch, %d vs %d", b.Size(), src.Size())
	}
	if b.dtype == src.dtype {
		switch dst := b.flat.(type) {
		case []float16.Float16:
			copy(dst, src.flat.([]float16.Float16))
		case []bfloat16.BFloat16:
			copy(dst, src.flat.([]bfloat16.BFloat16))
		case []float32:
			copy(dst, src.flat.([]float32))
		case []float64:
			copy(dst, src.flat.([]float64))
		}
		return
	}
	// Mixed dtypes: the hot pair is fp16 <-> fp32 (reduced-precision weights vs
	// full-precision sub-partitions), so those get direct paths.
	switch dst := b.flat.(type) {
	case []float32:
		if from, ok := src.flat.([]float16.Float16); ok {
			for i, v := range from {
				dst[i] = v.Float32()
			}
			return
		}
	case []float16.Float16:
		if from, ok := src.flat.([]float32); ok {
			for i, v := range from {
				dst[i] = float16.Fromfloat32(v)
			}
			return
		}
	}
	for i := 0; i < b.Size(); i++ {
		b.setFloat64(i, src.getFloat64(i))
	}
}

// Scale multiplies every element by factor, in place.
func (b *Buffer) Scale(factor float64) {
	b.AssertValid()
	switch flat := b.flat.(type) {
	case []float16.Float16:
		f := float32(factor)
		for i, v := range flat {
			flat[i] = float16.Fromfloat32(v.Float32() * f)
		}
	case []bfloat16.BFloat16:
		f := float32(factor)
		for i, v := range flat {
			flat[i] = bfloat16.FromFloat32(v.Float32() * f)
		}
	case []float32:
		f := float32(factor)
		for i := range flat {
			flat[i] *= f
		}
	case []float64:
		for i := range flat {
			flat[i] *= factor
		}
	}
}

// AccumulateFrom adds src's elements into b, in place. Dtypes and sizes must match.
func (b *Buffer) AccumulateFrom(src *Buffer) {
	b.AssertValid()
	src.AssertValid()
	if b.dtype != src.dtype || b.Size() != src.Size() {
		exceptions.Panicf("Buffer.AccumulateFrom: incompatible buffers (%s/%d vs %s/%d)",
			b.dtype, b.Size(), src.dtype, src.Size())
	}
	switch dst := b.flat.(type) {
	case []float16.Float16:
		from := src.flat.([]float16.Float16)
		for i, v := range from {
			dst[i] = float16.Fromfloat32(dst[i].Float32() + v.Float32())
		}
	case []bfloat16.BFloat16:
		from := src.flat.([]bfloat16.BFloat16)
		for i, v := range from {
			dst[i] = bfloat16.FromFloat32(dst[i].Float32() + v.Float32())
		}
	case []float32:
		from := src.flat.([]float32)
		for i, v := range from {
			dst[i] += v
		}
	case []float64:
		from := src.flat.([]float64)
		for i, v := range from {
			dst[i] += v
		}
	}
}

// Norm returns the L2 norm of the buffer elements.
func (b *Buffer) Norm() float64 {
	b.AssertValid()
	var sum float64
	for i := 0; i < b.Size(); i++ {
		v := b.getFloat64(i)
		sum += v * v
	}
	return math.Sqrt(sum)
}

// HasInfOrNaN reports whether any element is +/-Inf or NaN. Used by the default
// gradient overflow checker.
func (b *Buffer) HasInfOrNaN() bool {
	b.AssertValid()
	switch flat := b.flat.(type) {
	case []float16.Float16:
		for _, v := range flat {
			if v.IsNaN() || v.IsInf(0) {
				return true
			}
		}
	case []bfloat16.BFloat16:
		for _, v := range flat {
			f := float64(v.Float32())
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return true
			}
		}
	case []float32:
		for _, v := range flat {
			f := float64(v)
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return true
			}
		}
	case []float64:
		for _, v := range flat {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return true
			}
		}
	}
	return false
}
