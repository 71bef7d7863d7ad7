package partition

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strint/zeroshard/types/tensors"
	"github.com/strint/zeroshard/types/xslices"
)

func TestPlanForProperties(t *testing.T) {
	for worldSize := 1; worldSize <= 5; worldSize++ {
		for totalElements := 1; totalElements <= 200; totalElements++ {
			for _, budget := range []int{worldSize, 7 * worldSize, 1000} {
				plan := PlanFor(totalElements, budget, worldSize)
				assert.Equalf(t, totalElements+plan.Padding, plan.SubPartitionSize*plan.NumSubPartitions,
					"E=%d W=%d budget=%d", totalElements, worldSize, budget)
				assert.Zerof(t, plan.NumSubPartitions%worldSize,
					"E=%d W=%d budget=%d", totalElements, worldSize, budget)
				assert.Lessf(t, plan.Padding, plan.SubPartitionSize*worldSize,
					"E=%d W=%d budget=%d", totalElements, worldSize, budget)
			}
		}
	}
}

func TestPlanForScenarios(t *testing.T) {
	// 9 elements over 3 workers fit in one interval, no padding.
	plan := PlanFor(9, 100, 3)
	assert.Equal(t, 3, plan.SubPartitionSize)
	assert.Equal(t, 3, plan.NumSubPartitions)
	assert.Equal(t, 1, plan.NumIntervals)
	assert.Equal(t, 0, plan.Padding)

	// 10 elements over 3 workers need ceil(10/3)*3 - 10 = 2 elements of padding.
	plan = PlanFor(10, 100, 3)
	assert.Equal(t, 4, plan.SubPartitionSize)
	assert.Equal(t, 2, plan.Padding)
	assert.GreaterOrEqual(t, plan.SubPartitionSize*3*plan.NumIntervals, 10)

	// Budget smaller than the per-worker share forces multiple intervals.
	plan = PlanFor(100, 20, 2)
	assert.Equal(t, 10, plan.SubPartitionSize)
	assert.Equal(t, 5, plan.NumIntervals)
	assert.Equal(t, 10, plan.NumSubPartitions)
	assert.Equal(t, 0, plan.Padding)
}

func TestComputePlanPanicsOnMisalignment(t *testing.T) {
	// 10 elements with sub-partition size 3 leaves a remainder.
	assert.Panics(t, func() { ComputePlan(10, 9, 3) })
	// Aligned input goes through.
	plan := ComputePlan(12, 100, 3)
	assert.Equal(t, 4, plan.SubPartitionSize)
	assert.Equal(t, 1, plan.NumIntervals)
}

func TestBestMaxElementsPerComm(t *testing.T) {
	// Fits in one interval: budget unchanged.
	assert.Equal(t, 100, BestMaxElementsPerComm(10, 100, 2))
	// Exact multiple: no padding under the configured budget, keep it.
	assert.Equal(t, 10, BestMaxElementsPerComm(40, 10, 2))
	// Budget forcing a nearly empty trailing interval gets enlarged.
	got := BestMaxElementsPerComm(101, 100, 2)
	assert.Greater(t, got, 100)
}

func TestAlignmentPadding(t *testing.T) {
	// Lean size 10, sub-partitions of 4: ids 0,1 full, id 2 has 2 padding elements.
	assert.Equal(t, 0, AlignmentPadding(10, 0, 4))
	assert.Equal(t, 0, AlignmentPadding(10, 1, 4))
	assert.Equal(t, 2, AlignmentPadding(10, 2, 4))
	assert.Equal(t, []int{0, 0, 2}, GroupAlignmentPaddings(10, 4, 3))
}

func TestFlattenAlignedAndRoundTrip(t *testing.T) {
	buffers := []*tensors.Buffer{
		tensors.FromFloat64s(dtypes.Float32, xslices.Iota(0.0, 4), tensors.CPU),
		tensors.FromFloat64s(dtypes.Float32, xslices.Iota(4.0, 5), tensors.CPU),
	}
	flat, plan := FlattenAligned(buffers, 3, 100)
	require.Equal(t, 9, flat.Size())
	assert.Equal(t, 0, plan.Padding)
	assert.Equal(t, xslices.Iota(0.0, 9), flat.Float64s())

	// Padding is appended as zeros.
	buffers = append(buffers, tensors.FromFloat64s(dtypes.Float32, []float64{9}, tensors.CPU))
	flat, plan = FlattenAligned(buffers, 3, 100)
	require.Equal(t, 12, flat.Size())
	assert.Equal(t, 2, plan.Padding)
	assert.Equal(t, append(xslices.Iota(0.0, 10), 0, 0), flat.Float64s())
}

// Concatenating every worker's sub-partitions in interval-major order must
// reproduce the flat group byte-for-byte.
func TestIndexRoundTrip(t *testing.T) {
	for _, tc := range []struct{ elements, worldSize, budget int }{
		{12, 3, 100},
		{24, 2, 8},
		{30, 5, 10},
	} {
		flat := tensors.FromFloat64s(dtypes.Float32, xslices.Iota(1.0, tc.elements), tensors.CPU)
		index := BuildIndex(flat, tc.budget, tc.worldSize)

		reassembled := make([]float64, 0, tc.elements)
		for interval := 0; interval < index.NumIntervals; interval++ {
			for worker := 0; worker < tc.worldSize; worker++ {
				reassembled = append(reassembled, index.ByInterval[interval][worker].Float64s()...)
			}
		}
		assert.Equalf(t, flat.Float64s(), reassembled, "E=%d W=%d budget=%d", tc.elements, tc.worldSize, tc.budget)

		// The two groupings share the same view objects.
		for worker := 0; worker < tc.worldSize; worker++ {
			for interval := 0; interval < index.NumIntervals; interval++ {
				assert.Same(t, index.ByInterval[interval][worker], index.ByWorker[worker][interval])
				r := index.Ranges[worker][interval]
				assert.Equal(t, index.SubPartitionSize, r.End-r.Start)
			}
		}
	}
}

func TestIndexViewsAliasFlat(t *testing.T) {
	flat := tensors.FromFloat64s(dtypes.Float32, xslices.Iota(0.0, 12), tensors.CPU)
	index := BuildIndex(flat, 100, 3)
	index.ByWorker[1][0].Float32s()[0] = 99
	assert.Equal(t, float32(99), flat.Float32s()[4])
}
