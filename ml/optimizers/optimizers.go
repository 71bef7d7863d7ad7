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

// Package optimizers defines the base numeric optimizer consumed by the
// sharding engine, and provides Adam as a concrete implementation.
//
// The sharding engine treats the optimizer as an opaque in-place update
// service: it swaps each parameter group's buffers for the worker's private
// full-precision sub-partitions, attaches gradients, and calls Step. Auxiliary
// state (moments, step counters) is keyed by parameter identity and allocated
// lazily on the first Step -- which is why the engine issues one priming Step
// with all-zero gradients at setup.
package optimizers

import (
	"github.com/strint/zeroshard/types/tensors"
)

// ParamGroup is one group of parameters updated with shared hyperparameters.
// The Params slice is mutable on purpose: the sharding engine replaces it with
// the local full-precision sub-partitions at setup.
type ParamGroup struct {
	Params []*tensors.Buffer

	// LearningRate overrides the optimizer default when > 0.
	LearningRate float64
}

// ParamState is the per-parameter auxiliary state of the base optimizer:
// moment buffers keyed by name, plus non-tensor scalars (step counters,
// per-parameter hyperparameters). Checkpointing merges and repartitions the
// Buffers; Scalars pass through unchanged.
type ParamState struct {
	Buffers map[string]*tensors.Buffer
	Scalars map[string]float64
}

// Clone returns a deep copy of the state.
func (s *ParamState) Clone() *ParamState {
	if s == nil {
		return nil
	}
	c := &ParamState{
		Buffers: make(map[string]*tensors.Buffer, len(s.Buffers)),
		Scalars: make(map[string]float64, len(s.Scalars)),
	}
	for key, b := range s.Buffers {
		c.Buffers[key] = b.Clone()
	}
	for key, v := range s.Scalars {
		c.Scalars[key] = v
	}
	return c
}

// Interface implemented by base optimizers.
type Interface interface {
	// Step performs one in-place update of every parameter that has a gradient
	// attached, allocating per-parameter auxiliary state on first use.
	Step() error

	// ParamGroups returns the optimizer's parameter groups. The returned slice
	// and the groups' Params fields may be mutated by the caller (the sharding
	// engine swaps the params for its local sub-partitions).
	ParamGroups() []*ParamGroup

	// State returns the auxiliary state for the given parameter, or nil if the
	// parameter has none yet. The returned state is live, not a copy.
	State(p *tensors.Buffer) *ParamState

	// SetState replaces the auxiliary state for the given parameter.
	SetState(p *tensors.Buffer, state *ParamState)
}
