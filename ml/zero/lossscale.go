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

package zero

import (
	"github.com/strint/zeroshard/types/tensors"
)

// LossScaler manages the multiplier applied to the loss before backward so
// that small reduced-precision gradients don't flush to zero. Gradients carry
// the scale until Step divides it back out.
type LossScaler interface {
	// Scale returns the current loss scale.
	Scale() float64

	// SetScale overrides the current scale, typically when restoring a
	// checkpoint.
	SetScale(scale float64)

	// UpdateScale adjusts the scale after a step, given whether the step
	// observed a gradient overflow.
	UpdateScale(overflow bool)
}

// StaticLossScaler scales by a constant, ignoring overflows.
type StaticLossScaler struct {
	scale float64
}

// NewStaticLossScaler returns a LossScaler with a fixed scale.
func NewStaticLossScaler(scale float64) *StaticLossScaler {
	return &StaticLossScaler{scale: scale}
}

func (s *StaticLossScaler) Scale() float64         { return s.scale }
func (s *StaticLossScaler) SetScale(scale float64) { s.scale = scale }
func (s *StaticLossScaler) UpdateScale(_ bool)     {}

// DynamicLossScaleArgs configures NewDynamicLossScaler. Zero-valued fields
// take the defaults documented per field.
type DynamicLossScaleArgs struct {
	// InitScale is the starting loss scale. Defaults to 2^32.
	InitScale float64

	// ScaleFactor is the multiplier applied when growing the scale and the
	// divisor when backing off after an overflow. Defaults to 2.
	ScaleFactor float64

	// ScaleWindow is the number of consecutive overflow-free steps before the
	// scale grows. Defaults to 1000.
	ScaleWindow int

	// MinScale is the lower bound when backing off. Defaults to 1.
	MinScale float64
}

// DynamicLossScaler halves the scale on overflow and doubles it after a
// window of overflow-free steps, keeping the scale near the largest value the
// gradient dtype can represent without overflowing.
type DynamicLossScaler struct {
	curScale         float64
	scaleFactor      float64
	scaleWindow      int
	minScale         float64
	curIter          int
	lastOverflowIter int
}

// NewDynamicLossScaler builds a DynamicLossScaler; see DynamicLossScaleArgs
// for the defaults applied to zero fields.
func NewDynamicLossScaler(args DynamicLossScaleArgs) *DynamicLossScaler {
	s := &DynamicLossScaler{
		curScale:         args.InitScale,
		scaleFactor:      args.ScaleFactor,
		scaleWindow:      args.ScaleWindow,
		minScale:         args.MinScale,
		lastOverflowIter: -1,
	}
	if s.curScale == 0 {
		s.curScale = float64(1 << 32)
	}
	if s.scaleFactor == 0 {
		s.scaleFactor = 2
	}
	if s.scaleWindow == 0 {
		s.scaleWindow = 1000
	}
	if s.minScale == 0 {
		s.minScale = 1
	}
	return s
}

func (s *DynamicLossScaler) Scale() float64         { return s.curScale }
func (s *DynamicLossScaler) SetScale(scale float64) { s.curScale = scale }

func (s *DynamicLossScaler) UpdateScale(overflow bool) {
	if overflow {
		s.curScale = max(s.curScale/s.scaleFactor, s.minScale)
		s.lastOverflowIter = s.curIter
	} else if (s.curIter-s.lastOverflowIter)%s.scaleWindow == 0 {
		s.curScale *= s.scaleFactor
	}
	s.curIter++
}

// OverflowChecker decides whether the gradients of the given parameter groups
// contain non-finite values, in which case the step must be skipped.
type OverflowChecker interface {
	Check(groups [][]*tensors.Buffer) bool
}

// GradOverflowChecker is the default OverflowChecker: it scans every attached
// gradient for Inf or NaN elements.
type GradOverflowChecker struct{}

func (GradOverflowChecker) Check(groups [][]*tensors.Buffer) bool {
	for _, group := range groups {
		for _, p := range group {
			if grad := p.Grad(); grad != nil && grad.HasInfOrNaN() {
				return true
			}
		}
	}
	return false
}
