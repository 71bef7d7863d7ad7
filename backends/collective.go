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

// Package backends defines the interface between the sharding engine and the
// collective-communication transport of the data-parallel process group.
//
// The engine never talks to devices or wires directly: it issues blocking
// collective calls through a ProcessGroup and assumes the transport is reliable
// and ordered. Implementations live in sub-packages -- localgroup provides an
// in-process group used by tests and the simulator.
package backends

import (
	"github.com/strint/zeroshard/types/tensors"
)

// ReduceOpType defines how operands are combined in a collective reduction.
type ReduceOpType int

const (
	// ReduceSum adds the per-worker operands element-wise. Averaging is done by
	// the callers through pre/post scaling, so the transport only ever sums.
	ReduceSum ReduceOpType = iota
)

// String implements fmt.Stringer.
func (op ReduceOpType) String() string {
	if op == ReduceSum {
		return "ReduceSum"
	}
	return "ReduceOpType(invalid)"
}

// ProcessGroup is one worker's handle on the data-parallel process group.
//
// Every method that exchanges data is a group barrier: it blocks the calling
// worker until the matching call has been issued by every worker in the group
// and the exchange completed. All workers must issue the same sequence of
// collective calls in the same order; no timeout or cancellation is modeled at
// this layer -- a hang in one worker hangs the whole group.
type ProcessGroup interface {
	// Rank of this worker within the group, in [0, WorldSize).
	Rank() int

	// WorldSize is the number of workers in the group.
	WorldSize() int

	// ReduceScatter combines the workers' input slots and leaves each worker's
	// output holding only its own combined slot: after the call, output on
	// worker r holds the element-wise reduction of inputs[r] across all
	// workers. inputs must have exactly WorldSize entries; output may alias
	// inputs[Rank()]. Other workers' copies of slot r are stale after the call.
	ReduceScatter(output *tensors.Buffer, inputs []*tensors.Buffer, op ReduceOpType) error

	// AllGather replicates each worker's local slot to every worker: after the
	// call, outputs[r] on every worker holds worker r's local buffer. outputs
	// must have exactly WorldSize entries; local may alias outputs[Rank()].
	AllGather(outputs []*tensors.Buffer, local *tensors.Buffer) error
}
