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
	"github.com/strint/zeroshard/ml/optimizers"
	"github.com/strint/zeroshard/types/tensors"
)

// GroupState holds the base optimizer's auxiliary state for one parameter
// group: one ParamState per local sub-partition, interval-ordered.
type GroupState []*optimizers.ParamState

// StateDict is one worker's snapshot of the sharded optimizer, as captured by
// Optimizer.StateDict. All fields are deep copies, safe to serialize (gob)
// while training continues.
//
// A rigid snapshot (Elastic false) stores the worker's sub-partitions with
// their alignment padding and can only be reloaded by the same rank at the
// same world size. An elastic snapshot strips the padding, so the snapshots of
// all workers together carry exactly the lean parameter stream and can be
// re-partitioned for any world size at load time.
type StateDict struct {
	Elastic          bool
	WorldSize        int
	LossScale        float64
	DynamicLossScale bool
	Overflow         bool

	// NumCommIntervals and MaxElementsPerComm record the partitioning this
	// snapshot was taken under, one entry per parameter group.
	NumCommIntervals   []int
	MaxElementsPerComm []int

	// BaseOptimizerState[group][interval] is the base optimizer's state of the
	// local sub-partition of that interval.
	BaseOptimizerState []GroupState

	// LocalSubPartitions[group][interval] are the local full-precision master
	// weights.
	LocalSubPartitions [][]*tensors.Buffer
}

// StateDict snapshots the local worker's shard of the optimizer, in the form
// selected by the ElasticCheckpoint build option.
func (o *Optimizer) StateDict() *StateDict {
	sd := &StateDict{
		Elastic:            o.elasticCheckpoint,
		WorldSize:          o.worldSize,
		LossScale:          o.lossScaler.Scale(),
		DynamicLossScale:   o.dynamicLossScale,
		Overflow:           o.overflow,
		NumCommIntervals:   o.NumCommIntervals(),
		MaxElementsPerComm: append([]int(nil), o.maxElemsPerComm...),
	}
	for i, locals := range o.localFP32SubPartitions {
		paddings := o.localPaddings(i)
		subs := make([]*tensors.Buffer, len(locals))
		states := make(GroupState, len(locals))
		for j, sub := range locals {
			if o.elasticCheckpoint {
				subs[j] = leanClone(sub, paddings[j])
				states[j] = leanParamState(o.base.State(sub), sub.Size(), paddings[j])
			} else {
				subs[j] = sub.Clone()
				states[j] = o.base.State(sub).Clone()
			}
			// Stateless base optimizers (e.g. SGD without momentum) keep no
			// per-parameter state; gob cannot encode a nil pointer in the
			// slice, so store an empty state instead.
			if states[j] == nil {
				states[j] = &optimizers.ParamState{}
			}
		}
		sd.LocalSubPartitions = append(sd.LocalSubPartitions, subs)
		sd.BaseOptimizerState = append(sd.BaseOptimizerState, states)
	}
	return sd
}

// localPaddings returns, for each communication interval of the group, the
// alignment padding inside the local worker's sub-partition. Only the last
// sub-partition of the flat group can carry padding, so all but at most one
// entry are zero.
func (o *Optimizer) localPaddings(group int) []int {
	numIntervals := o.indexes[group].NumIntervals
	paddings := make([]int, numIntervals)
	for comm := 0; comm < numIntervals; comm++ {
		// Sub-partition ids are interval-major: interval*worldSize + rank.
		paddings[comm] = o.groupPaddings[group][o.rank+comm*o.worldSize]
	}
	return paddings
}

// leanClone deep-copies a sub-partition with its trailing alignment padding
// stripped.
func leanClone(sub *tensors.Buffer, padding int) *tensors.Buffer {
	if padding == 0 {
		return sub.Clone()
	}
	return sub.Narrow(0, sub.Size()-padding).Clone()
}

// leanParamState deep-copies a ParamState, stripping the padding from every
// state buffer shaped like the sub-partition. Scalars and buffers of other
// sizes pass through whole.
func leanParamState(state *optimizers.ParamState, subSize, padding int) *optimizers.ParamState {
	if state == nil {
		return nil
	}
	lean := state.Clone()
	if padding == 0 {
		return lean
	}
	for key, b := range lean.Buffers {
		if b.Size() == subSize {
			lean.Buffers[key] = b.Narrow(0, subSize-padding).Clone()
		}
	}
	return lean
}
