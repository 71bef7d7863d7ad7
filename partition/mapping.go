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
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/strint/zeroshard/types/tensors"
)

// Contribution records that a slice of Buffer, starting at element Offset,
// supplies data to one worker's sub-partition in one communication interval.
// The element count is implicit: it runs to the end of the buffer or to the end
// of the sub-partition, whichever comes first.
type Contribution struct {
	Buffer *tensors.Buffer
	Offset int
}

// Mapping is the bidirectional index between the original buffers of a group
// and the sub-partitions that contain pieces of them. Read-only after
// BuildMapping.
type Mapping struct {
	WorldSize    int
	NumIntervals int

	// Contributions[worker][interval] is the ordered list of original buffers
	// (with intra-buffer offsets) that make up that worker's sub-partition in
	// that interval. A buffer spanning an interval boundary appears in two
	// consecutive intervals.
	Contributions [][][]Contribution

	// NotLocal lists the buffers the local worker owns no slice of: their
	// gradient storage can be released as soon as gradients were communicated.
	// Only populated for the localRank given to BuildMapping.
	NotLocal []*tensors.Buffer
}

// singleRangeCheck tests whether a buffer spanning
// [currentIndex, currentIndex+bufferSize) intersects the sub-partition range
// [start, end), and at which offset into the buffer the intersection begins.
func singleRangeCheck(currentIndex, start, end, bufferSize int) (contained bool, offset int) {
	if currentIndex >= start && currentIndex < end {
		// The buffer starts inside the range.
		return true, 0
	}
	if start > currentIndex && start < currentIndex+bufferSize {
		// The range starts inside the buffer.
		return true, start - currentIndex
	}
	return false, 0
}

// BuildMapping computes, for every worker and every communication interval, the
// ordered contributions of the original buffers to that worker's sub-partition,
// walking the buffers in flattening order with a running cursor over the flat
// group. Buffers with no intersection with any of localRank's ranges are
// collected in NotLocal.
func BuildMapping(buffers []*tensors.Buffer, index *Index, localRank int) *Mapping {
	m := &Mapping{
		WorldSize:     index.WorldSize,
		NumIntervals:  index.NumIntervals,
		Contributions: make([][][]Contribution, index.WorldSize),
	}
	for worker := 0; worker < index.WorldSize; worker++ {
		m.Contributions[worker] = make([][]Contribution, index.NumIntervals)
		currentIndex := 0
		for _, b := range buffers {
			size := b.Size()
			anyHit := false
			for interval, r := range index.Ranges[worker] {
				contained, offset := singleRangeCheck(currentIndex, r.Start, r.End, size)
				if !contained {
					continue
				}
				anyHit = true
				m.Contributions[worker][interval] = append(m.Contributions[worker][interval],
					Contribution{Buffer: b, Offset: offset})
			}
			if !anyHit && worker == localRank {
				m.NotLocal = append(m.NotLocal, b)
			}
			currentIndex += size
		}
	}
	return m
}

// Selector chooses which tensor of a contributing buffer feeds a materialized
// sub-partition: the buffer itself for weights, its gradient for gradients.
type Selector func(*tensors.Buffer) *tensors.Buffer

// Weights selects the buffer's own data.
func Weights(b *tensors.Buffer) *tensors.Buffer { return b }

// Grads selects the buffer's gradient, allocating a zero one if unset.
func Grads(b *tensors.Buffer) *tensors.Buffer { return b.EnsureGrad() }

// FlatSubPartitions materializes the given worker's sub-partitions, one flat
// buffer of exactly subPartitionSize elements per communication interval,
// converting to the requested dtype. For each interval the contributing
// regions are copied in order; only the first contribution's offset applies
// (later contributions start at their beginning), and a contribution larger
// than the remaining space is truncated. If the contributions underflow the
// sub-partition -- the final interval of a group -- the tail stays zero, and
// intervals with no contributions at all materialize as all-zero buffers, so
// every worker always issues the same number of collective calls.
func (m *Mapping) FlatSubPartitions(worker, subPartitionSize int, dtype dtypes.DType, sel Selector) []*tensors.Buffer {
	flats := make([]*tensors.Buffer, m.NumIntervals)
	for interval := range flats {
		flat := tensors.New(dtype, subPartitionSize, tensors.CPU)
		current := 0
		for i, c := range m.Contributions[worker][interval] {
			src := sel(c.Buffer)
			offset := 0
			n := src.Size()
			if i == 0 && c.Offset > 0 {
				offset = c.Offset
				n -= offset
			}
			if n > subPartitionSize-current {
				n = subPartitionSize - current
			}
			if n <= 0 {
				continue
			}
			flat.Narrow(current, n).CopyFrom(src.Narrow(offset, n))
			current += n
		}
		flats[interval] = flat
	}
	return flats
}

// ScatterFlatSubPartition is the inverse of one interval of FlatSubPartitions:
// it copies the flat sub-partition values back into the contributing tensors'
// selected storage, converting dtypes as needed. Used to land globally reduced
// gradients back in the owning buffers.
func (m *Mapping) ScatterFlatSubPartition(worker, interval int, flat *tensors.Buffer, sel Selector) {
	current := 0
	for i, c := range m.Contributions[worker][interval] {
		dst := sel(c.Buffer)
		offset := 0
		n := dst.Size()
		if i == 0 && c.Offset > 0 {
			offset = c.Offset
			n -= offset
		}
		if n > flat.Size()-current {
			n = flat.Size() - current
		}
		if n <= 0 {
			continue
		}
		dst.Narrow(offset, n).CopyFrom(flat.Narrow(current, n))
		current += n
	}
}
