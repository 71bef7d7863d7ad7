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

// Package partition computes how a parameter group -- an ordered list of flat
// buffers of varying sizes -- is sharded across the workers of a data-parallel
// process group.
//
// The flattened group is cut into equal-size sub-partitions, aligned both to the
// worker count and to a maximum-elements-per-communication budget. Sub-partition
// idx belongs to worker `idx % worldSize` and to communication interval
// `idx / worldSize`; one interval groups one sub-partition per worker, exchanged
// together in a single collective call.
//
// The pipeline runs once at group setup:
//
//	budget := partition.BestMaxElementsPerComm(total, maxElementsPerComm, worldSize)
//	flat, plan := partition.FlattenAligned(buffers, worldSize, budget)
//	index := partition.BuildIndex(flat, budget, worldSize)
//	mapping := partition.BuildMapping(buffers, index, localRank)
//
// and the resulting structures are read-only for the lifetime of training.
package partition

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// Plan is the result of sizing one parameter group: how big each sub-partition
// is, how many there are, how many communication intervals they form and how
// much zero padding must be appended to the flattened group so that
// `SubPartitionSize * NumSubPartitions == totalElements + Padding`.
type Plan struct {
	SubPartitionSize int
	NumSubPartitions int
	NumIntervals     int
	Padding          int
}

// BestMaxElementsPerComm tunes the per-communication element budget for a group
// with numElements elements.
//
// If the group fits in one communication interval, the configured budget is
// returned unchanged. Otherwise it compares the padding incurred by the minimum
// number of intervals consistent with the budget against one fewer interval
// with a recomputed, larger budget, and picks whichever wastes less -- the
// interval count directly determines the collective-call count per step.
func BestMaxElementsPerComm(numElements, maxElementsPerComm, worldSize int) int {
	maxCommIntervals := ceilDiv(numElements, maxElementsPerComm)
	paddingForMaxComm := maxElementsPerComm*maxCommIntervals - numElements

	minCommIntervals := numElements / maxElementsPerComm
	if minCommIntervals == 0 {
		klog.V(1).Infof("using default max elements per communication %s", humanize.Comma(int64(maxElementsPerComm)))
		return maxElementsPerComm
	}

	paddingForMinComm := ceilDiv(numElements, worldSize*minCommIntervals)
	if paddingForMaxComm > paddingForMinComm {
		newMax := paddingForMinComm + maxElementsPerComm
		klog.V(1).Infof("updating max elements per communication from %s to %s",
			humanize.Comma(int64(maxElementsPerComm)), humanize.Comma(int64(newMax)))
		return newMax
	}
	klog.V(1).Infof("using default max elements per communication %s", humanize.Comma(int64(maxElementsPerComm)))
	return maxElementsPerComm
}

// PlanFor sizes the sub-partitions for an unpadded element count: it aligns the
// per-worker share to the communication budget and returns the padding needed
// to make the group divide evenly.
func PlanFor(totalElements, maxElementsPerComm, worldSize int) Plan {
	if worldSize < 1 {
		exceptions.Panicf("partition.PlanFor: worldSize must be >= 1, got %d", worldSize)
	}
	alignedParamPartitionSize := ceilDiv(totalElements, worldSize)
	alignedCommPartitionSize := maxElementsPerComm / worldSize

	var numIntervals, subPartitionSize int
	if alignedParamPartitionSize <= alignedCommPartitionSize {
		numIntervals = 1
		subPartitionSize = alignedParamPartitionSize
	} else {
		numIntervals = ceilDiv(alignedParamPartitionSize, alignedCommPartitionSize)
		subPartitionSize = alignedCommPartitionSize
	}
	return Plan{
		SubPartitionSize: subPartitionSize,
		NumSubPartitions: numIntervals * worldSize,
		NumIntervals:     numIntervals,
		Padding:          numIntervals*subPartitionSize*worldSize - totalElements,
	}
}

// ComputePlan sizes the sub-partitions of an already padded flat group.
//
// It panics with a partition alignment error if totalElements does not divide
// evenly into sub-partitions, or the sub-partitions do not divide evenly among
// workers: both mean the padding step was skipped or miscomputed, which is a
// programming error, not a runtime condition.
func ComputePlan(totalElements, maxElementsPerComm, worldSize int) Plan {
	if totalElements <= 0 {
		exceptions.Panicf("partition.ComputePlan: empty group (%d elements)", totalElements)
	}
	budget := min(totalElements, maxElementsPerComm)
	subPartitionSize := budget / worldSize
	if subPartitionSize == 0 {
		exceptions.Panicf("partition.ComputePlan: budget %d < worldSize %d", budget, worldSize)
	}

	numSubPartitions := totalElements / subPartitionSize
	if totalElements%subPartitionSize != 0 {
		exceptions.Panicf("partition alignment error: %d %% %d != 0", totalElements, subPartitionSize)
	}
	numIntervals := numSubPartitions / worldSize
	if numSubPartitions%worldSize != 0 {
		exceptions.Panicf("partition alignment error: %d %% %d != 0", numSubPartitions, worldSize)
	}
	return Plan{
		SubPartitionSize: subPartitionSize,
		NumSubPartitions: numSubPartitions,
		NumIntervals:     numIntervals,
		Padding:          0,
	}
}

// AlignmentPadding returns how many trailing elements of the sub-partition with
// the given id are padding, for a group whose unpadded flattened size is
// flattenedLeanSize.
func AlignmentPadding(flattenedLeanSize, subPartitionID, subPartitionSize int) int {
	subPartitionHighLimit := (subPartitionID + 1) * subPartitionSize
	if subPartitionHighLimit <= flattenedLeanSize {
		return 0
	}
	return min(subPartitionSize, subPartitionHighLimit-flattenedLeanSize)
}

// GroupAlignmentPaddings returns the padding of every sub-partition of a group
// with the given unpadded flattened size, indexed by sub-partition id. Recorded
// at setup so padding can be stripped from elastic checkpoints.
func GroupAlignmentPaddings(flattenedLeanSize, subPartitionSize, subPartitionCount int) []int {
	paddings := make([]int, subPartitionCount)
	for i := range paddings {
		paddings[i] = AlignmentPadding(flattenedLeanSize, i, subPartitionSize)
	}
	return paddings
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
