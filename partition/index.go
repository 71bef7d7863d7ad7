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

package partition

import (
	"k8s.io/klog/v2"

	"github.com/strint/zeroshard/types/tensors"
)

// Range is a half-open element interval [Start, End) in flat-group coordinates.
type Range struct {
	Start, End int
}

// Index holds the sub-partition slicing of one flat group, grouped two ways.
// Both groupings hold the very same view objects -- no element is copied, and
// a write through ByInterval[i][w] is visible through ByWorker[w][i].
//
// The Index is read-only after BuildIndex and may be read concurrently.
type Index struct {
	SubPartitionSize int
	NumIntervals     int
	WorldSize        int

	// ByInterval[interval][worker] is the sub-partition exchanged for that worker
	// in that interval's collective call.
	ByInterval [][]*tensors.Buffer

	// ByWorker[worker][interval] is the same sub-partition, grouped by owner.
	ByWorker [][]*tensors.Buffer

	// Ranges[worker][interval] is the flat-group element range occupied by
	// ByWorker[worker][interval]. Consumed by BuildMapping.
	Ranges [][]Range
}

// BuildIndex slices the flat group into sub-partitions: stride idx belongs to
// worker `idx % worldSize` and interval `idx / worldSize`.
//
// The flat group must already be aligned (see FlattenAligned); BuildIndex
// panics on any remainder.
func BuildIndex(flat *tensors.Buffer, maxElementsPerComm, worldSize int) *Index {
	plan := ComputePlan(flat.Size(), maxElementsPerComm, worldSize)
	klog.V(2).Infof("partition index: totalElements=%d worldSize=%d subPartitionSize=%d numSubPartitions=%d numIntervals=%d",
		flat.Size(), worldSize, plan.SubPartitionSize, plan.NumSubPartitions, plan.NumIntervals)

	idx := &Index{
		SubPartitionSize: plan.SubPartitionSize,
		NumIntervals:     plan.NumIntervals,
		WorldSize:        worldSize,
		ByInterval:       make([][]*tensors.Buffer, plan.NumIntervals),
		ByWorker:         make([][]*tensors.Buffer, worldSize),
		Ranges:           make([][]Range, worldSize),
	}
	for i := range idx.ByInterval {
		idx.ByInterval[i] = make([]*tensors.Buffer, worldSize)
	}
	for w := range idx.ByWorker {
		idx.ByWorker[w] = make([]*tensors.Buffer, plan.NumIntervals)
		idx.Ranges[w] = make([]Range, plan.NumIntervals)
	}

	start := 0
	for i := 0; i < plan.NumSubPartitions; i++ {
		worker := i % worldSize
		interval := i / worldSize
		subPartition := flat.Narrow(start, plan.SubPartitionSize)
		idx.ByInterval[interval][worker] = subPartition
		idx.ByWorker[worker][interval] = subPartition
		idx.Ranges[worker][interval] = Range{Start: start, End: start + plan.SubPartitionSize}
		start += plan.SubPartitionSize
	}
	return idx
}
