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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strint/zeroshard/backends/localgroup"
	"github.com/strint/zeroshard/ml/optimizers"
	"github.com/strint/zeroshard/types/tensors"

	"github.com/gomlx/gopjrt/dtypes"
)

// workerRun is one simulated data-parallel worker: its own copy of the model
// parameters and its own sharded optimizer.
type workerRun struct {
	params []*tensors.Buffer
	opt    *Optimizer
}

func makeParams(sizes []int) []*tensors.Buffer {
	params := make([]*tensors.Buffer, len(sizes))
	offset := 0
	for i, size := range sizes {
		values := make([]float64, size)
		for k := range values {
			values[k] = float64(offset+k+1) / 10
		}
		params[i] = tensors.FromFloat64s(dtypes.Float32, values, tensors.CPU)
		offset += size
	}
	return params
}

// setGrads attaches deterministic gradients, a function of the global element
// position and the step index only, so every worker computes the same values.
func setGrads(params []*tensors.Buffer, step int) {
	offset := 0
	for _, p := range params {
		values := make([]float64, p.Size())
		for k := range values {
			values[k] = 0.05*float64((offset+k)%7+1) + 0.01*float64(step+1)
		}
		p.SetGrad(tensors.FromFloat64s(p.DType(), values, tensors.CPU))
		offset += p.Size()
	}
}

// buildWorkers creates one sharded optimizer per rank of a fresh in-process
// group, with Adam as the base. Building involves no collective calls, so it
// runs sequentially.
func buildWorkers(t *testing.T, worldSize int, sizes []int,
	configure func(*Config) *Config) []*workerRun {
	return buildWorkersWith(t, worldSize, sizes, configure,
		func(group *optimizers.ParamGroup) optimizers.Interface {
			return optimizers.Adam(group).Done()
		})
}

func buildWorkersWith(t *testing.T, worldSize int, sizes []int,
	configure func(*Config) *Config,
	baseFor func(*optimizers.ParamGroup) optimizers.Interface) []*workerRun {
	group := localgroup.NewGroup(worldSize)
	runs := make([]*workerRun, worldSize)
	for r := 0; r < worldSize; r++ {
		params := makeParams(sizes)
		base := baseFor(&optimizers.ParamGroup{Params: params, LearningRate: 0.1})
		cfg := Build(base, group[r]).Verbose(false)
		if configure != nil {
			cfg = configure(cfg)
		}
		opt, err := cfg.Done()
		require.NoError(t, err)
		runs[r] = &workerRun{params: params, opt: opt}
	}
	return runs
}

// trainSteps runs numSteps synchronized training steps over all workers,
// starting the gradient schedule at firstStep. Collective calls block until
// all ranks arrive, so each rank runs in its own goroutine.
func trainSteps(t *testing.T, runs []*workerRun, firstStep, numSteps int) {
	for s := firstStep; s < firstStep+numSteps; s++ {
		var wg sync.WaitGroup
		errs := make([]error, len(runs))
		for r, run := range runs {
			wg.Add(1)
			go func(r int, run *workerRun) {
				defer wg.Done()
				setGrads(run.params, s)
				if err := run.opt.ReduceScatterGradients(true, 1, true); err != nil {
					errs[r] = err
					return
				}
				_, err := run.opt.Step()
				errs[r] = err
				run.opt.ZeroGrad()
			}(r, run)
		}
		wg.Wait()
		for r, err := range errs {
			require.NoError(t, err, "rank %d, step %d", r, s)
		}
	}
}

func paramValues(params []*tensors.Buffer) []float64 {
	var values []float64
	for _, p := range params {
		values = append(values, p.Float64s()...)
	}
	return values
}

func TestBuildConfigErrors(t *testing.T) {
	group := localgroup.NewGroup(2)
	params := makeParams([]int{4})
	base := optimizers.Adam(&optimizers.ParamGroup{Params: params}).Done()

	_, err := Build(nil, group[0]).Done()
	assert.Error(t, err)

	_, err = Build(base, nil).Done()
	assert.Error(t, err)

	_, err = Build(base, group[0]).PartitionSize(2).Done()
	assert.Error(t, err, "explicit group and partition size conflict")

	_, err = Build(base, group[0]).MaxElementsPerComm(1).Done()
	assert.Error(t, err, "budget below world size")
}

func TestShardingDoesNotChangeWeights(t *testing.T) {
	runs := buildWorkers(t, 3, []int{3, 5, 2}, nil)
	for _, run := range runs {
		assert.Equal(t, paramValues(makeParams([]int{3, 5, 2})), paramValues(run.params),
			"flattening and the priming step must leave the weights untouched")
	}
}

func TestShardedMatchesSingleWorker(t *testing.T) {
	sizes := []int{3, 5, 2, 7}
	const steps = 5

	reference := buildWorkers(t, 1, sizes, nil)
	trainSteps(t, reference, 0, steps)
	want := paramValues(reference[0].params)

	for _, worldSize := range []int{2, 3} {
		// A small budget forces several communication intervals.
		runs := buildWorkers(t, worldSize, sizes, func(cfg *Config) *Config {
			return cfg.MaxElementsPerComm(8)
		})
		trainSteps(t, runs, 0, steps)
		for r, run := range runs {
			got := paramValues(run.params)
			require.Len(t, got, len(want))
			for k := range want {
				assert.InDelta(t, want[k], got[k], 1e-4, "world size %d, rank %d, element %d", worldSize, r, k)
			}
		}
	}
}

func TestCrossWorkerWeightEquality(t *testing.T) {
	runs := buildWorkers(t, 3, []int{4, 9}, func(cfg *Config) *Config {
		return cfg.MaxElementsPerComm(6)
	})
	trainSteps(t, runs, 0, 3)

	// All-gather distributes the owner's exact bytes, so the replicas must be
	// bit-identical, not merely close.
	want := paramValues(runs[0].params)
	for r := 1; r < len(runs); r++ {
		assert.Equal(t, want, paramValues(runs[r].params), "rank %d diverged", r)
	}
}

func TestStaticLossScaleUnscales(t *testing.T) {
	sizes := []int{6}
	plain := buildWorkers(t, 1, sizes, nil)
	scaled := buildWorkers(t, 1, sizes, func(cfg *Config) *Config {
		return cfg.StaticLossScale(4)
	})

	for s := 0; s < 3; s++ {
		setGrads(plain[0].params, s)
		setGrads(scaled[0].params, s)
		for _, p := range scaled[0].params {
			p.Grad().Scale(4) // as if the loss had been scaled before backward
		}
		for _, run := range []*workerRun{plain[0], scaled[0]} {
			require.NoError(t, run.opt.ReduceScatterGradients(true, 1, true))
			_, err := run.opt.Step()
			require.NoError(t, err)
			run.opt.ZeroGrad()
		}
	}
	// Scaling by a power of two and unscaling is exact in float32.
	assert.Equal(t, paramValues(plain[0].params), paramValues(scaled[0].params))
}

func TestGradClipping(t *testing.T) {
	sizes := []int{5}
	const maxNorm = 0.5

	clipped := buildWorkers(t, 1, sizes, func(cfg *Config) *Config {
		return cfg.ClipGrad(maxNorm)
	})
	reference := buildWorkers(t, 1, sizes, nil)

	setGrads(clipped[0].params, 0)
	setGrads(reference[0].params, 0)
	for _, run := range []*workerRun{clipped[0], reference[0]} {
		for _, p := range run.params {
			p.Grad().Scale(16) // push the norm well past the clip threshold
		}
	}

	// Pre-divide the reference gradients by the clipping factor the sharded
	// optimizer is expected to fold into its unscaling.
	totalNorm := 0.0
	for _, v := range paramGradValues(reference[0].params) {
		totalNorm += v * v
	}
	totalNorm = math.Sqrt(totalNorm)
	clip := (totalNorm + 1e-6) / maxNorm
	require.Greater(t, clip, 1.0, "gradients must exceed the clip norm for the test to bite")
	for _, p := range reference[0].params {
		p.Grad().Scale(1 / clip)
	}

	for _, run := range []*workerRun{clipped[0], reference[0]} {
		require.NoError(t, run.opt.ReduceScatterGradients(true, 1, true))
		_, err := run.opt.Step()
		require.NoError(t, err)
		run.opt.ZeroGrad()
	}

	want := paramValues(reference[0].params)
	got := paramValues(clipped[0].params)
	for k := range want {
		assert.InDelta(t, want[k], got[k], 1e-5, "element %d", k)
	}
}

func paramGradValues(params []*tensors.Buffer) []float64 {
	var values []float64
	for _, p := range params {
		values = append(values, p.Grad().Float64s()...)
	}
	return values
}

func TestOverflowSkipsStep(t *testing.T) {
	runs := buildWorkers(t, 2, []int{4, 6}, func(cfg *Config) *Config {
		return cfg.DynamicLossScale(DynamicLossScaleArgs{InitScale: 65536})
	})
	before := make([][]float64, len(runs))
	for r, run := range runs {
		before[r] = paramValues(run.params)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(runs))
	skipped := make([]bool, len(runs))
	for r, run := range runs {
		wg.Add(1)
		go func(r int, run *workerRun) {
			defer wg.Done()
			setGrads(run.params, 0)
			run.params[0].Grad().Float32s()[0] = float32(math.Inf(1))
			if err := run.opt.ReduceScatterGradients(true, 1, true); err != nil {
				errs[r] = err
				return
			}
			skipped[r], errs[r] = run.opt.Step()
		}(r, run)
	}
	wg.Wait()

	for r, run := range runs {
		require.NoError(t, errs[r])
		assert.True(t, skipped[r], "rank %d must skip on overflow", r)
		assert.True(t, run.opt.Overflow())
		assert.Equal(t, before[r], paramValues(run.params), "a skipped step must not touch the weights")
		assert.Equal(t, 32768.0, run.opt.LossScale(), "overflow must back off the loss scale")
		for _, p := range run.params {
			assert.Nil(t, p.Grad(), "a skipped step must drop the gradients")
		}
	}

	// The next finite step proceeds normally at the reduced scale.
	trainSteps(t, runs, 1, 1)
	for r, run := range runs {
		assert.False(t, run.opt.Overflow())
		assert.NotEqual(t, before[r], paramValues(run.params))
		assert.Equal(t, 32768.0, run.opt.LossScale())
	}
}

// A single worker holding a non-finite gradient inside its own sub-partition
// is the adversarial case for the skip decision: after reduce-scatter only
// that worker sees the overflow locally, and the others would march into the
// all-gather alone if the flag were not shared.
func TestOverflowOnOneWorkerSkipsAll(t *testing.T) {
	runs := buildWorkers(t, 2, []int{4}, func(cfg *Config) *Config {
		return cfg.DynamicLossScale(DynamicLossScaleArgs{InitScale: 65536})
	})
	before := make([][]float64, len(runs))
	for r, run := range runs {
		before[r] = paramValues(run.params)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(runs))
	skipped := make([]bool, len(runs))
	for r, run := range runs {
		wg.Add(1)
		go func(r int, run *workerRun) {
			defer wg.Done()
			setGrads(run.params, 0)
			if r == 0 {
				// Lands in rank 0's sub-partition, so after reduce-scatter
				// rank 1's gradients are all finite.
				run.params[0].Grad().Float32s()[0] = float32(math.Inf(1))
			}
			if err := run.opt.ReduceScatterGradients(true, 1, true); err != nil {
				errs[r] = err
				return
			}
			skipped[r], errs[r] = run.opt.Step()
		}(r, run)
	}
	wg.Wait()

	for r, run := range runs {
		require.NoError(t, errs[r])
		assert.True(t, skipped[r], "rank %d must skip with the overflow on rank 0", r)
		assert.True(t, run.opt.Overflow())
		assert.Equal(t, before[r], paramValues(run.params))
		assert.Equal(t, 32768.0, run.opt.LossScale())
	}

	trainSteps(t, runs, 1, 1)
	for _, run := range runs {
		assert.False(t, run.opt.Overflow())
	}
}

func TestDynamicLossScaler(t *testing.T) {
	s := NewDynamicLossScaler(DynamicLossScaleArgs{InitScale: 4, ScaleWindow: 2, MinScale: 1})

	s.UpdateScale(false)
	assert.Equal(t, 4.0, s.Scale(), "no growth before the window elapses")
	s.UpdateScale(false)
	assert.Equal(t, 8.0, s.Scale(), "growth after a full overflow-free window")

	s.UpdateScale(true)
	assert.Equal(t, 4.0, s.Scale())
	for i := 0; i < 10; i++ {
		s.UpdateScale(true)
	}
	assert.Equal(t, 1.0, s.Scale(), "backoff stops at the minimum scale")
}

func TestStaticLossScaler(t *testing.T) {
	s := NewStaticLossScaler(128)
	s.UpdateScale(true)
	s.UpdateScale(false)
	assert.Equal(t, 128.0, s.Scale())
	s.SetScale(64)
	assert.Equal(t, 64.0, s.Scale())
}
