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
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/strint/zeroshard/backends"
	"github.com/strint/zeroshard/partition"
	"github.com/strint/zeroshard/types/tensors"
)

// ZeroGrad drops the gradients of all original parameters. Call after every
// Step, before the next backward pass.
func (o *Optimizer) ZeroGrad() {
	for _, group := range o.fp16Groups {
		for _, p := range group {
			p.FreeGrad()
		}
	}
}

// ReduceScatterGradients reduces gradients across the process group, one
// collective per communication interval, leaving each worker with the summed
// gradient slice of the sub-partitions it owns. The reduced values are written
// back into the local gradient buffers, so a following Step sees them.
//
// With postscale the gradients are divided by predivideFactor before the
// reduction and, if average is set, multiplied by predivideFactor/worldSize
// after it; without postscale each worker simply pre-divides by the world
// size. predivideFactor is ignored when postscale is false.
func (o *Optimizer) ReduceScatterGradients(postscale bool, predivideFactor float64, average bool) error {
	for i := range o.fp16Groups {
		index := o.indexes[i]
		dtype := o.fp16GroupsFlat[i].DType()

		// Each worker materializes every rank's sub-partition slices from its
		// own local gradients: data parallelism means all ranks hold gradients
		// for all parameters, only the reduced result is sharded.
		perRank := make([][]*tensors.Buffer, o.worldSize)
		for r := 0; r < o.worldSize; r++ {
			perRank[r] = o.mappings[i].FlatSubPartitions(r, index.SubPartitionSize, dtype, partition.Grads)
		}

		for interval := 0; interval < index.NumIntervals; interval++ {
			slots := make([]*tensors.Buffer, o.worldSize)
			for r := 0; r < o.worldSize; r++ {
				slots[r] = perRank[r][interval]
			}
			if postscale {
				if predivideFactor != 1 {
					for _, slot := range slots {
						slot.Scale(1 / predivideFactor)
					}
				}
				if err := o.group.ReduceScatter(slots[o.rank], slots, backends.ReduceSum); err != nil {
					return errors.Wrapf(err, "zero: reduce-scatter of group %d interval %d", i, interval)
				}
				if average && predivideFactor != float64(o.worldSize) {
					slots[o.rank].Scale(predivideFactor / float64(o.worldSize))
				}
			} else {
				for _, slot := range slots {
					slot.Scale(1 / float64(o.worldSize))
				}
				if err := o.group.ReduceScatter(slots[o.rank], slots, backends.ReduceSum); err != nil {
					return errors.Wrapf(err, "zero: reduce-scatter of group %d interval %d", i, interval)
				}
			}
			o.mappings[i].ScatterFlatSubPartition(o.rank, interval, slots[o.rank], partition.Grads)
		}
	}
	return nil
}

// Step runs one sharded optimization step: it checks for gradient overflow,
// materializes the local float32 gradient sub-partitions, releases the
// reduced-precision gradients, unscales (and optionally clips), runs the base
// optimizer on the local shard, copies the updated shard back into the flat
// reduced-precision group and all-gathers the weights so every worker ends
// with the full updated parameters.
//
// It returns whether the step was skipped because of an overflow. The overflow
// flag is synchronized across the process group, so all workers skip (or
// proceed) in lockstep even when only one of them holds a non-finite gradient.
// A skipped step drops all gradients and backs off the loss scale.
func (o *Optimizer) Step() (skipped bool, err error) {
	o.overflow, err = o.checkOverflow()
	if err != nil {
		return false, err
	}
	prevScale := o.lossScaler.Scale()
	o.lossScaler.UpdateScale(o.overflow)
	if o.overflow {
		if o.verbose {
			klog.Infof("gradient overflow, skipping step and reducing loss scale %g -> %g",
				prevScale, o.lossScaler.Scale())
		}
		o.ZeroGrad()
		return true, nil
	}

	normGroups := make([]float64, len(o.fp16Groups))
	localGrads := make([][]*tensors.Buffer, len(o.fp16Groups))
	for i, group := range o.fp16Groups {
		normGroups[i] = gradNorm(group)
		index := o.indexes[i]
		mapping := o.mappings[i]

		// Gradients of parameters entirely outside the local sub-partitions
		// are not needed past this point.
		for _, p := range mapping.NotLocal {
			p.FreeGrad()
		}

		localGrads[i] = mapping.FlatSubPartitions(o.rank, index.SubPartitionSize,
			o.localFP32SubPartitions[i][0].DType(), partition.Grads)
		for j, sub := range o.localFP32SubPartitions[i] {
			sub.SetGrad(localGrads[i][j])
		}

		// The reduced-precision gradients have been consumed.
		for interval := range mapping.Contributions[o.rank] {
			for _, c := range mapping.Contributions[o.rank][interval] {
				c.Buffer.FreeGrad()
			}
		}
	}

	o.unscaleAndClipGrads(localGrads, normGroups)

	if err := o.base.Step(); err != nil {
		return false, errors.Wrapf(err, "zero: base optimizer step")
	}
	for _, group := range o.localFP32SubPartitions {
		for _, sub := range group {
			sub.FreeGrad()
		}
	}

	// Updated local shard back into the flat reduced-precision groups, then
	// all-gather so every worker holds every updated sub-partition.
	for i := range o.fp16Groups {
		index := o.indexes[i]
		for j, sub := range index.ByWorker[o.rank] {
			sub.CopyFrom(o.localFP32SubPartitions[i][j])
		}
		for interval := 0; interval < index.NumIntervals; interval++ {
			slots := index.ByInterval[interval]
			if err := o.group.AllGather(slots, slots[o.rank]); err != nil {
				return false, errors.Wrapf(err, "zero: all-gather of group %d interval %d", i, interval)
			}
		}
	}

	o.refreshViews()
	return false, nil
}

// checkOverflow combines the local overflow flag into a group-wide decision.
// After reduce-scatter the workers hold different gradient slices, so a worker
// may see a non-finite value its peers never do; the vote keeps the skip
// decision in lockstep so the following collectives cannot diverge.
func (o *Optimizer) checkOverflow() (bool, error) {
	local := o.overflowChecker.Check(o.fp16Groups)
	if o.worldSize == 1 {
		return local, nil
	}
	flags := make([]*tensors.Buffer, o.worldSize)
	for r := range flags {
		flags[r] = tensors.New(dtypes.Float32, 1, tensors.CPU)
		if local {
			flags[r].Float32s()[0] = 1
		}
	}
	if err := o.group.ReduceScatter(flags[o.rank], flags, backends.ReduceSum); err != nil {
		return false, errors.Wrap(err, "zero: overflow vote")
	}
	return flags[o.rank].Float32s()[0] > 0, nil
}

// unscaleAndClipGrads divides the local float32 gradients by the loss scale,
// folding in the clipping factor when the global gradient norm exceeds the
// configured limit.
func (o *Optimizer) unscaleAndClipGrads(gradGroups [][]*tensors.Buffer, normGroups []float64) {
	totalNorm := 0.0
	for _, norm := range normGroups {
		totalNorm += norm * norm
	}
	totalNorm = math.Sqrt(totalNorm)

	combinedScale := o.lossScaler.Scale()
	if o.clipGrad > 0 {
		clip := (totalNorm/o.lossScaler.Scale() + 1e-6) / o.clipGrad
		if clip > 1 {
			combinedScale = clip * o.lossScaler.Scale()
		}
	}
	if combinedScale == 1 {
		return
	}
	for _, group := range gradGroups {
		for _, grad := range group {
			grad.Scale(1 / combinedScale)
		}
	}
}

// refreshViews re-points the original parameters at their windows of the flat
// groups. The views already alias the flat storage, but external code may have
// re-pointed a parameter (e.g. a checkpoint restore), so the windows are
// re-established after every update.
func (o *Optimizer) refreshViews() {
	for i, group := range o.fp16Groups {
		for j, view := range partition.Unflatten(o.fp16GroupsFlat[i], group) {
			group[j].Alias(view)
		}
	}
}

// gradNorm returns the L2 norm over all attached gradients of the group.
func gradNorm(group []*tensors.Buffer) float64 {
	total := 0.0
	for _, p := range group {
		if grad := p.Grad(); grad != nil {
			n := grad.Norm()
			total += n * n
		}
	}
	return math.Sqrt(total)
}
