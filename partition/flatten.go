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
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/strint/zeroshard/types/tensors"
)

// TotalElements sums the element counts of the given buffers.
func TotalElements(buffers []*tensors.Buffer) int {
	total := 0
	for _, b := range buffers {
		total += b.Size()
	}
	return total
}

// FlattenAligned concatenates the buffers, in order, into one contiguous flat
// group, appending zero padding so the total length is an exact multiple of
// `subPartitionSize * worldSize`. The flat group has the dtype and device of
// the first buffer. No buffer is split at this stage.
//
// The returned Plan describes the sizing, including the padding appended.
func FlattenAligned(buffers []*tensors.Buffer, worldSize, maxElementsPerComm int) (*tensors.Buffer, Plan) {
	if len(buffers) == 0 {
		exceptions.Panicf("partition.FlattenAligned: empty buffer list")
	}
	if maxElementsPerComm < worldSize {
		exceptions.Panicf("partition.FlattenAligned: maxElementsPerComm %d < worldSize %d",
			maxElementsPerComm, worldSize)
	}

	total := TotalElements(buffers)
	plan := PlanFor(total, maxElementsPerComm, worldSize)
	klog.V(1).Infof("flattening group: %s elements + %d padding = %s elements (%s), %d sub-partitions of %d over %d intervals",
		humanize.Comma(int64(total)), plan.Padding, humanize.Comma(int64(total+plan.Padding)),
		humanize.IBytes(uint64((total+plan.Padding)*buffers[0].DType().Size())),
		plan.NumSubPartitions, plan.SubPartitionSize, plan.NumIntervals)

	flat := tensors.New(buffers[0].DType(), total+plan.Padding, buffers[0].Device())
	cursor := 0
	for _, b := range buffers {
		flat.Narrow(cursor, b.Size()).CopyFrom(b)
		cursor += b.Size()
	}
	// The [cursor, cursor+padding) tail is already zero.
	return flat, plan
}

// Unflatten returns one view per buffer over the flat group, in flattening
// order and with matching sizes. Used to re-point the original buffers at the
// flat storage so downstream consumers observe updates without copies.
func Unflatten(flat *tensors.Buffer, buffers []*tensors.Buffer) []*tensors.Buffer {
	views := make([]*tensors.Buffer, len(buffers))
	cursor := 0
	for i, b := range buffers {
		views[i] = flat.Narrow(cursor, b.Size())
		cursor += b.Size()
	}
	return views
}
