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
	"github.com/pkg/errors"

	"github.com/strint/zeroshard/ml/optimizers"
	"github.com/strint/zeroshard/partition"
	"github.com/strint/zeroshard/types/tensors"
)

// LoadStateDict restores the optimizer from the snapshots of all workers of a
// previous run, ordered by the saving worker's rank. Rigid snapshots require
// the same world size as when saved; elastic snapshots are merged into the
// lean parameter stream and re-partitioned for the current world size, which
// may differ.
//
// With loadOptimizerStates the base optimizer's moment buffers are restored
// too; without it only the master weights and loss-scale state are. With
// loadFromFP32Weights the master weights come from the snapshot's
// full-precision copies; without it they are re-derived from the current
// reduced-precision parameters, which the caller must have restored from a
// model checkpoint first.
func (o *Optimizer) LoadStateDict(dicts []*StateDict, loadOptimizerStates, loadFromFP32Weights bool) error {
	if len(dicts) == 0 {
		return errors.New("zero: no state to load")
	}
	for i, sd := range dicts {
		if sd.Elastic != dicts[0].Elastic {
			return errors.Errorf("zero: snapshot %d disagrees on checkpoint form", i)
		}
	}
	if len(dicts) != dicts[0].WorldSize {
		return errors.Errorf("zero: got %d snapshots from a world of %d workers",
			len(dicts), dicts[0].WorldSize)
	}
	if !dicts[0].Elastic {
		return o.loadRigid(dicts, loadOptimizerStates, loadFromFP32Weights)
	}
	return o.loadElastic(dicts, loadOptimizerStates, loadFromFP32Weights)
}

func (o *Optimizer) restoreScalarState(sd *StateDict) {
	o.lossScaler.SetScale(sd.LossScale)
	o.overflow = sd.Overflow
}

// loadRigid restores each worker's shard verbatim. Only valid at the world
// size the snapshot was taken at.
func (o *Optimizer) loadRigid(dicts []*StateDict, loadOptimizerStates, loadFromFP32Weights bool) error {
	if dicts[0].WorldSize != o.worldSize {
		return errors.Errorf("zero: rigid checkpoint saved at world size %d cannot load at world size %d",
			dicts[0].WorldSize, o.worldSize)
	}
	sd := dicts[o.rank]
	o.restoreScalarState(sd)

	for i, locals := range o.localFP32SubPartitions {
		if len(sd.LocalSubPartitions[i]) != len(locals) {
			return errors.Errorf("zero: rigid checkpoint group %d has %d sub-partitions, expected %d",
				i, len(sd.LocalSubPartitions[i]), len(locals))
		}
		for j, sub := range locals {
			if loadFromFP32Weights {
				sub.CopyFrom(sd.LocalSubPartitions[i][j])
			}
			if loadOptimizerStates {
				restoreParamState(o.base, sub, sd.BaseOptimizerState[i][j])
			}
		}
	}
	if !loadFromFP32Weights {
		o.RefreshFP32Params()
	}
	return nil
}

// loadElastic merges the lean snapshots of all saved workers back into
// flattening order and re-partitions them for this run's world size and
// communication budget.
func (o *Optimizer) loadElastic(dicts []*StateDict, loadOptimizerStates, loadFromFP32Weights bool) error {
	o.restoreScalarState(dicts[0])

	for i, locals := range o.localFP32SubPartitions {
		if loadFromFP32Weights {
			saved := make([][]*tensors.Buffer, len(dicts))
			for w, sd := range dicts {
				saved[w] = sd.LocalSubPartitions[i]
			}
			merged, err := o.mergedLocals(i, saved)
			if err != nil {
				return errors.WithMessagef(err, "zero: merging group %d weights", i)
			}
			for j, sub := range locals {
				sub.CopyFrom(merged[j])
			}
		}
		if loadOptimizerStates {
			if err := o.restoreElasticGroupState(i, dicts); err != nil {
				return err
			}
		}
	}
	if !loadFromFP32Weights {
		o.RefreshFP32Params()
	}
	return nil
}

// mergedLocals re-assembles the lean sub-partitions saved by all workers of a
// previous run into the group's original flattening order, re-flattens and
// re-partitions them, and returns the local worker's new sub-partition views.
// savedWorldSize workers each saved one lean buffer per saved communication
// interval; interval-major interleaving puts the buffer saved by worker w for
// interval c at position c*savedWorldSize+w of the stream.
func (o *Optimizer) mergedLocals(group int, saved [][]*tensors.Buffer) ([]*tensors.Buffer, error) {
	savedWorldSize := len(saved)
	savedIntervals := len(saved[0])
	ordered := make([]*tensors.Buffer, 0, savedWorldSize*savedIntervals)
	for c := 0; c < savedIntervals; c++ {
		for w := 0; w < savedWorldSize; w++ {
			if len(saved[w]) != savedIntervals {
				return nil, errors.Errorf("worker %d saved %d sub-partitions, expected %d",
					w, len(saved[w]), savedIntervals)
			}
			ordered = append(ordered, saved[w][c])
		}
	}
	flat, _ := partition.FlattenAligned(ordered, o.worldSize, o.maxElemsPerComm[group])
	index := partition.BuildIndex(flat, o.maxElemsPerComm[group], o.worldSize)
	locals := index.ByWorker[o.rank]
	if len(locals) != len(o.localFP32SubPartitions[group]) {
		return nil, errors.Errorf("merged checkpoint re-partitioned into %d local sub-partitions, expected %d",
			len(locals), len(o.localFP32SubPartitions[group]))
	}
	return locals, nil
}

// restoreElasticGroupState merges and re-partitions every moment buffer of the
// base optimizer's state for one group. Scalars are taken from the first saved
// state, as they are identical across sub-partitions.
func (o *Optimizer) restoreElasticGroupState(group int, dicts []*StateDict) error {
	ref := dicts[0].BaseOptimizerState[group][0]
	if ref == nil {
		return nil
	}
	for key := range ref.Buffers {
		saved := make([][]*tensors.Buffer, len(dicts))
		for w, sd := range dicts {
			saved[w] = make([]*tensors.Buffer, len(sd.BaseOptimizerState[group]))
			for c, st := range sd.BaseOptimizerState[group] {
				saved[w][c] = st.Buffers[key]
			}
		}
		merged, err := o.mergedLocals(group, saved)
		if err != nil {
			return errors.WithMessagef(err, "zero: merging group %d state %q", group, key)
		}
		for j, sub := range o.localFP32SubPartitions[group] {
			state := ensureParamState(o.base, sub)
			if cur, ok := state.Buffers[key]; ok {
				cur.CopyFrom(merged[j])
			} else {
				state.Buffers[key] = merged[j].Clone()
			}
		}
	}
	for key, v := range ref.Scalars {
		for _, sub := range o.localFP32SubPartitions[group] {
			ensureParamState(o.base, sub).Scalars[key] = v
		}
	}
	return nil
}

// RefreshFP32Params re-derives the local full-precision master weights from
// the current reduced-precision parameters. Used after the model weights were
// restored from a checkpoint that does not carry full-precision copies.
func (o *Optimizer) RefreshFP32Params() {
	for i, locals := range o.localFP32SubPartitions {
		for j, sub := range o.indexes[i].ByWorker[o.rank] {
			locals[j].CopyFrom(sub)
		}
	}
}

func ensureParamState(base optimizers.Interface, p *tensors.Buffer) *optimizers.ParamState {
	state := base.State(p)
	if state == nil {
		state = &optimizers.ParamState{
			Buffers: make(map[string]*tensors.Buffer),
			Scalars: make(map[string]float64),
		}
		base.SetState(p, state)
	}
	return state
}

func restoreParamState(base optimizers.Interface, p *tensors.Buffer, saved *optimizers.ParamState) {
	if saved == nil {
		return
	}
	state := ensureParamState(base, p)
	for key, b := range saved.Buffers {
		if cur, ok := state.Buffers[key]; ok && cur.Size() == b.Size() {
			cur.CopyFrom(b)
		} else {
			state.Buffers[key] = b.Clone()
		}
	}
	for key, v := range saved.Scalars {
		state.Scalars[key] = v
	}
}
