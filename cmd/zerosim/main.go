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

// zerosim trains a toy quadratic model with optimizer-state sharding across
// in-process workers, saves an elastic checkpoint midway and resumes it at a
// different worker count.
//
// Example:
//
//	go run ./cmd/zerosim -workers=4 -resume_workers=2 -steps=20 -v=1
package main

import (
	"flag"
	"fmt"
	"os"
	"sync"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/strint/zeroshard/backends/localgroup"
	"github.com/strint/zeroshard/ml/checkpoints"
	"github.com/strint/zeroshard/ml/optimizers"
	"github.com/strint/zeroshard/ml/zero"
	"github.com/strint/zeroshard/types/tensors"

	"github.com/gomlx/gopjrt/dtypes"
)

var (
	flagWorkers       = flag.Int("workers", 4, "Number of data-parallel workers for the first training phase.")
	flagResumeWorkers = flag.Int("resume_workers", 2, "Number of workers the checkpoint is resumed with.")
	flagSteps         = flag.Int("steps", 20, "Total number of training steps, split evenly between the phases.")
	flagParamSize     = flag.Int("param_size", 1000, "Elements per model parameter tensor.")
	flagNumParams     = flag.Int("num_params", 7, "Number of model parameter tensors.")
	flagMaxElements   = flag.Int("max_elements_per_comm", 2000, "Element budget per collective call.")
	flagLearningRate  = flag.Float64("learning_rate", 0.1, "Adam learning rate.")
	flagClipGrad      = flag.Float64("clip_grad", 0, "Gradient clipping norm, 0 to disable.")
	flagCheckpointDir = flag.String("checkpoint_dir", "", "Checkpoint directory. Defaults to a temporary directory.")
)

// worker is one simulated data-parallel rank.
type worker struct {
	params  []*tensors.Buffer
	opt     *zero.Optimizer
	handler *checkpoints.Handler
}

// makeParams builds the model replica every worker starts from.
func makeParams() []*tensors.Buffer {
	params := make([]*tensors.Buffer, *flagNumParams)
	for i := range params {
		values := make([]float64, *flagParamSize)
		for k := range values {
			values[k] = float64((i*31+k)%17+1) / 16
		}
		params[i] = tensors.FromFloat64s(dtypes.Float32, values, tensors.CPU)
	}
	return params
}

// buildWorld creates one sharded optimizer and checkpoint handler per rank.
func buildWorld(worldSize int, dir string) ([]*worker, error) {
	group := localgroup.NewGroup(worldSize)
	world := make([]*worker, worldSize)
	for r := 0; r < worldSize; r++ {
		params := makeParams()
		base := optimizers.Adam(&optimizers.ParamGroup{Params: params, LearningRate: *flagLearningRate}).Done()
		opt, err := zero.Build(base, group[r]).
			MaxElementsPerComm(*flagMaxElements).
			ClipGrad(*flagClipGrad).
			Done()
		if err != nil {
			return nil, err
		}
		handler, err := checkpoints.Build(opt).Dir(dir).Done()
		if err != nil {
			return nil, err
		}
		world[r] = &worker{params: params, opt: opt, handler: handler}
	}
	return world, nil
}

// loss is 0.5*||params||^2, so the gradient of each parameter is the parameter
// itself. Every worker sees the same data, as pure data parallelism replicates
// the model and the optimizer must keep the replicas identical.
func trainStep(w *worker) error {
	for _, p := range w.params {
		p.SetGrad(p.Clone())
	}
	if err := w.opt.ReduceScatterGradients(true, 1, true); err != nil {
		return err
	}
	if _, err := w.opt.Step(); err != nil {
		return err
	}
	w.opt.ZeroGrad()
	return nil
}

// checkReplicasInSync verifies that the all-gather phase kept every worker's
// model replica bitwise identical to rank 0's.
func checkReplicasInSync(world []*worker) error {
	for r := 1; r < len(world); r++ {
		for i, p := range world[r].params {
			if !p.Equal(world[0].params[i]) {
				return fmt.Errorf("rank %d parameter %d diverged from rank 0", r, i)
			}
		}
	}
	return nil
}

func lossOf(params []*tensors.Buffer) float64 {
	total := 0.0
	for _, p := range params {
		n := p.Norm()
		total += n * n
	}
	return total / 2
}

// runPhase trains numSteps synchronized steps over all workers of the world.
func runPhase(world []*worker, numSteps int) error {
	for s := 0; s < numSteps; s++ {
		var wg sync.WaitGroup
		errs := make([]error, len(world))
		for r, w := range world {
			wg.Add(1)
			go func(r int, w *worker) {
				defer wg.Done()
				errs[r] = trainStep(w)
			}(r, w)
		}
		wg.Wait()
		for r, err := range errs {
			if err != nil {
				return fmt.Errorf("rank %d: %w", r, err)
			}
		}
		if err := checkReplicasInSync(world); err != nil {
			return err
		}
		klog.V(1).Infof("step done, loss=%.6f", lossOf(world[0].params))
	}
	return nil
}

func run() error {
	dir := *flagCheckpointDir
	if dir == "" {
		var err error
		dir, err = os.MkdirTemp("", "zerosim")
		if err != nil {
			return err
		}
		defer func() { _ = os.RemoveAll(dir) }()
	}

	totalElements := *flagNumParams * *flagParamSize
	fmt.Printf("Model: %s parameters in %d tensors, sharded over %d workers\n",
		humanize.Comma(int64(totalElements)), *flagNumParams, *flagWorkers)

	world, err := buildWorld(*flagWorkers, dir)
	if err != nil {
		return err
	}
	fmt.Printf("Initial loss: %.6f\n", lossOf(world[0].params))

	firstPhase := *flagSteps / 2
	if err := runPhase(world, firstPhase); err != nil {
		return err
	}
	fmt.Printf("Loss after %d steps at %d workers: %.6f\n",
		firstPhase, *flagWorkers, lossOf(world[0].params))

	for _, w := range world {
		if err := w.handler.Save(firstPhase); err != nil {
			return err
		}
	}
	fmt.Printf("Saved elastic checkpoint of step %d to %s\n", firstPhase, dir)

	resumed, err := buildWorld(*flagResumeWorkers, dir)
	if err != nil {
		return err
	}
	for _, w := range resumed {
		step, err := w.handler.LoadLatest(true, true)
		if err != nil {
			return err
		}
		if step != firstPhase {
			return fmt.Errorf("expected to resume step %d, found %d", firstPhase, step)
		}
	}
	fmt.Printf("Resumed at %d workers\n", *flagResumeWorkers)

	if err := runPhase(resumed, *flagSteps-firstPhase); err != nil {
		return err
	}
	fmt.Printf("Loss after %d steps: %.6f\n", *flagSteps, lossOf(resumed[0].params))
	return nil
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if err := run(); err != nil {
		klog.Exitf("zerosim: %+v", err)
	}
}
