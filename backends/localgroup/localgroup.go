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

// Package localgroup implements backends.ProcessGroup for workers running as
// goroutines inside one process.
//
// NewGroup creates one handle per rank; each participating goroutine takes its
// handle and issues collective calls against it. Every collective is a
// rendezvous: the call blocks until all ranks of the group arrive, the last
// arriver performs the data movement, and everyone is released together.
//
// This is the transport used by tests, and by cmd/zerosim to simulate a
// data-parallel group on one machine.
package localgroup

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/strint/zeroshard/backends"
	"github.com/strint/zeroshard/types/tensors"
)

// group is the state shared by all ranks' handles.
type group struct {
	worldSize int

	mu         sync.Mutex
	cond       *sync.Cond
	arrived    int
	generation uint64

	// Deposits of the current rendezvous, indexed by rank.
	reduceInputs  [][]*tensors.Buffer
	reduceOutputs []*tensors.Buffer
	gatherLocals  []*tensors.Buffer
	gatherOutputs [][]*tensors.Buffer

	// First error detected while validating or executing the current
	// rendezvous; reported to every participant.
	err error
}

// Worker is one rank's handle on the group. It implements
// backends.ProcessGroup.
type Worker struct {
	g    *group
	rank int
}

var _ backends.ProcessGroup = (*Worker)(nil)

// NewGroup creates an in-process group of the given size and returns one
// handle per rank. All handles share the same rendezvous; each must be used by
// a single goroutine.
func NewGroup(worldSize int) []*Worker {
	g := &group{
		worldSize:     worldSize,
		reduceInputs:  make([][]*tensors.Buffer, worldSize),
		reduceOutputs: make([]*tensors.Buffer, worldSize),
		gatherLocals:  make([]*tensors.Buffer, worldSize),
		gatherOutputs: make([][]*tensors.Buffer, worldSize),
	}
	g.cond = sync.NewCond(&g.mu)
	workers := make([]*Worker, worldSize)
	for rank := range workers {
		workers[rank] = &Worker{g: g, rank: rank}
	}
	return workers
}

// Rank implements backends.ProcessGroup.
func (w *Worker) Rank() int { return w.rank }

// WorldSize implements backends.ProcessGroup.
func (w *Worker) WorldSize() int { return w.g.worldSize }

// rendezvous blocks until every rank has called it for the current generation.
// deposit runs under the group lock when the caller arrives; exchange runs
// under the lock exactly once, on the last arriver, before everyone is
// released.
func (g *group) rendezvous(deposit func() error, exchange func() error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := deposit(); err != nil && g.err == nil {
		g.err = err
	}
	g.arrived++
	if g.arrived == g.worldSize {
		if g.err == nil {
			g.err = exchange()
		}
		err := g.err
		g.arrived = 0
		g.err = nil
		g.generation++
		g.cond.Broadcast()
		return err
	}

	generation := g.generation
	for generation == g.generation {
		g.cond.Wait()
	}
	// The releasing rank consumed g.err; stale failures would need per-
	// generation bookkeeping to report everywhere, but a failed collective is
	// fatal for the whole group anyway.
	return nil
}

// ReduceScatter implements backends.ProcessGroup: output on rank r receives the
// element-wise sum of inputs[r] across all ranks.
func (w *Worker) ReduceScatter(output *tensors.Buffer, inputs []*tensors.Buffer, op backends.ReduceOpType) error {
	g := w.g
	return g.rendezvous(
		func() error {
			if op != backends.ReduceSum {
				return errors.Errorf("localgroup: unsupported reduce op %s", op)
			}
			if len(inputs) != g.worldSize {
				return errors.Errorf("localgroup: ReduceScatter on rank %d got %d input slots, world size is %d",
					w.rank, len(inputs), g.worldSize)
			}
			g.reduceInputs[w.rank] = inputs
			g.reduceOutputs[w.rank] = output
			return nil
		},
		func() error {
			// Sum into temporaries first: outputs commonly alias input slots.
			sums := make([]*tensors.Buffer, g.worldSize)
			for slot := 0; slot < g.worldSize; slot++ {
				sum := g.reduceInputs[0][slot].Clone()
				for rank := 1; rank < g.worldSize; rank++ {
					sum.AccumulateFrom(g.reduceInputs[rank][slot])
				}
				sums[slot] = sum
			}
			for rank := 0; rank < g.worldSize; rank++ {
				g.reduceOutputs[rank].CopyFrom(sums[rank])
			}
			return nil
		})
}

// AllGather implements backends.ProcessGroup: outputs[r] on every rank
// receives rank r's local buffer.
func (w *Worker) AllGather(outputs []*tensors.Buffer, local *tensors.Buffer) error {
	g := w.g
	return g.rendezvous(
		func() error {
			if len(outputs) != g.worldSize {
				return errors.Errorf("localgroup: AllGather on rank %d got %d output slots, world size is %d",
					w.rank, len(outputs), g.worldSize)
			}
			g.gatherLocals[w.rank] = local
			g.gatherOutputs[w.rank] = outputs
			return nil
		},
		func() error {
			// Snapshot each owner's local before overwriting anything: the
			// owner's output slot usually aliases its local buffer.
			snapshots := make([]*tensors.Buffer, g.worldSize)
			for rank := 0; rank < g.worldSize; rank++ {
				snapshots[rank] = g.gatherLocals[rank].Clone()
			}
			for rank := 0; rank < g.worldSize; rank++ {
				for slot := 0; slot < g.worldSize; slot++ {
					g.gatherOutputs[rank][slot].CopyFrom(snapshots[slot])
				}
			}
			return nil
		})
}
