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

// Package zero implements optimizer-state sharding across a data-parallel
// process group: each worker keeps the full-precision optimizer state for only
// a disjoint, contiguous slice of the flattened parameter space, trading one
// reduce-scatter and one all-gather per communication interval per step for an
// optimizer-state memory footprint divided by the worker count.
//
// The Optimizer wraps a base optimizers.Interface. At setup each parameter
// group is flattened and aligned (partition.FlattenAligned), sliced into
// per-worker sub-partitions grouped in communication intervals
// (partition.BuildIndex), and mapped back to the original parameter buffers
// (partition.BuildMapping); the base optimizer's parameters are swapped for the
// local worker's private float32 sub-partitions. Per training step the caller
// runs:
//
//	opt.ReduceScatterGradients(true, 1, true) // grads reduced, owner keeps its shard
//	overflow, err := opt.Step()               // local update + all-gather of weights
//
// Mixed-precision loss scaling is handled by a LossScaler and an
// OverflowChecker: on overflow the step is skipped, gradients are dropped and
// the loss scale backs off.
//
// Checkpointing supports a rigid form (reloadable only at the same worker
// count) and an elastic form whose sub-partition boundaries are recomputed at
// load time for a different worker count. See StateDict and LoadStateDict.
package zero

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/strint/zeroshard/backends"
	"github.com/strint/zeroshard/ml/optimizers"
	"github.com/strint/zeroshard/partition"
	"github.com/strint/zeroshard/types/tensors"

	"github.com/gomlx/gopjrt/dtypes"
)

// DefaultMaxElementsPerComm is the default per-collective element budget.
const DefaultMaxElementsPerComm = 500_000_000

// Optimizer shards the base optimizer's state across the process group.
// Created with Build. All partitioning structures are computed once at Build
// and are read-only afterwards; only buffer contents change per step.
type Optimizer struct {
	base  optimizers.Interface
	group backends.ProcessGroup

	worldSize int
	rank      int

	verbose           bool
	elasticCheckpoint bool
	clipGrad          float64

	lossScaler       LossScaler
	dynamicLossScale bool
	overflowChecker  OverflowChecker
	overflow         bool

	// Per parameter group, in the base optimizer's group order:
	fp16Groups      [][]*tensors.Buffer // original reduced-precision params
	fp16GroupsFlat  []*tensors.Buffer   // their flattened, aligned concatenation
	indexes         []*partition.Index
	mappings        []*partition.Mapping
	groupPaddings   [][]int // padding per sub-partition id
	maxElemsPerComm []int   // tuned communication budget

	// The local worker's private float32 sub-partitions, one list per group,
	// interval-ordered. These are the parameters the base optimizer updates.
	localFP32SubPartitions [][]*tensors.Buffer
}

// Config is built with Build and configured with the chained methods; call
// Done to validate and construct the Optimizer.
type Config struct {
	base  optimizers.Interface
	group backends.ProcessGroup
	err   error

	staticLossScale    float64
	dynamicLossScale   bool
	dynamicArgs        DynamicLossScaleArgs
	maxElementsPerComm int
	clipGrad           float64
	elasticCheckpoint  bool
	verbose            bool
	partitionSize      int
	overflowChecker    OverflowChecker
}

// Build starts the configuration of a sharded Optimizer wrapping the given
// base optimizer, communicating through the given process group.
func Build(base optimizers.Interface, group backends.ProcessGroup) *Config {
	return &Config{
		base:               base,
		group:              group,
		staticLossScale:    1.0,
		maxElementsPerComm: DefaultMaxElementsPerComm,
		elasticCheckpoint:  true,
		verbose:            true,
	}
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// StaticLossScale sets a fixed loss scale. Defaults to 1 (no scaling). Ignored
// if DynamicLossScale is also configured.
func (c *Config) StaticLossScale(scale float64) *Config {
	c.staticLossScale = scale
	return c
}

// DynamicLossScale enables dynamic loss scaling with the given arguments; zero
// fields take defaults (see DynamicLossScaleArgs).
func (c *Config) DynamicLossScale(args DynamicLossScaleArgs) *Config {
	c.dynamicLossScale = true
	c.dynamicArgs = args
	return c
}

// MaxElementsPerComm caps the number of elements exchanged per collective
// call; groups larger than the budget are processed in multiple communication
// intervals. Defaults to DefaultMaxElementsPerComm.
func (c *Config) MaxElementsPerComm(elements int) *Config {
	c.maxElementsPerComm = elements
	return c
}

// ClipGrad enables gradient clipping to the given total norm. Zero disables.
func (c *Config) ClipGrad(maxNorm float64) *Config {
	c.clipGrad = maxNorm
	return c
}

// ElasticCheckpoint selects the checkpoint form: elastic checkpoints strip
// alignment padding and can be reloaded at a different worker count. Defaults
// to true.
func (c *Config) ElasticCheckpoint(elastic bool) *Config {
	c.elasticCheckpoint = elastic
	return c
}

// Verbose controls the skipped-step notice logging. Defaults to true.
func (c *Config) Verbose(verbose bool) *Config {
	c.verbose = verbose
	return c
}

// PartitionSize would create a fresh parameter-parallel group of the given
// size. It conflicts with an explicit process group: exactly one of the two
// must be provided, and this package only supports the explicit group --
// bootstrap of process groups belongs to the transport layer.
func (c *Config) PartitionSize(size int) *Config {
	c.partitionSize = size
	return c
}

// OverflowChecker replaces the default gradient overflow checker.
func (c *Config) OverflowChecker(checker OverflowChecker) *Config {
	c.overflowChecker = checker
	return c
}

// Done validates the configuration and builds the Optimizer, computing the
// partitioning of every parameter group and priming the base optimizer's
// state allocation.
func (c *Config) Done() (*Optimizer, error) {
	if c.base == nil {
		c.setError(errors.New("zero: a base optimizer is required"))
	}
	if c.group != nil && c.partitionSize != 0 {
		c.setError(errors.New("zero: cannot specify both a process group and a partition size"))
	}
	if c.group == nil {
		c.setError(errors.New("zero: a process group is required"))
	}
	if c.err != nil {
		return nil, c.err
	}

	o := &Optimizer{
		base:              c.base,
		group:             c.group,
		worldSize:         c.group.WorldSize(),
		rank:              c.group.Rank(),
		verbose:           c.verbose,
		elasticCheckpoint: c.elasticCheckpoint,
		clipGrad:          c.clipGrad,
		dynamicLossScale:  c.dynamicLossScale,
		overflowChecker:   c.overflowChecker,
	}
	if c.maxElementsPerComm < o.worldSize {
		return nil, errors.Errorf("zero: maxElementsPerComm %d < world size %d", c.maxElementsPerComm, o.worldSize)
	}
	if c.dynamicLossScale {
		o.lossScaler = NewDynamicLossScaler(c.dynamicArgs)
	} else {
		o.lossScaler = NewStaticLossScaler(c.staticLossScale)
	}
	if o.overflowChecker == nil {
		o.overflowChecker = GradOverflowChecker{}
	}
	if o.rank == 0 {
		klog.V(1).Infof("zero: elastic checkpoint = %v", o.elasticCheckpoint)
	}

	for i, group := range o.base.ParamGroups() {
		params := group.Params
		if len(params) == 0 {
			return nil, errors.Errorf("zero: parameter group %d is empty", i)
		}
		o.fp16Groups = append(o.fp16Groups, params)

		total := partition.TotalElements(params)
		maxElems := partition.BestMaxElementsPerComm(total, c.maxElementsPerComm, o.worldSize)
		o.maxElemsPerComm = append(o.maxElemsPerComm, maxElems)

		flat, plan := partition.FlattenAligned(params, o.worldSize, maxElems)
		o.fp16GroupsFlat = append(o.fp16GroupsFlat, flat)

		// Re-point the original parameters at their windows of the flat group:
		// from here on they alias the flat storage.
		for j, view := range partition.Unflatten(flat, params) {
			params[j].Alias(view)
		}

		index := partition.BuildIndex(flat, maxElems, o.worldSize)
		o.indexes = append(o.indexes, index)

		// Private full-precision copies of the sub-partitions this worker owns.
		locals := make([]*tensors.Buffer, index.NumIntervals)
		for j, sub := range index.ByWorker[o.rank] {
			locals[j] = sub.ConvertTo(dtypes.Float32)
		}
		o.localFP32SubPartitions = append(o.localFP32SubPartitions, locals)

		o.groupPaddings = append(o.groupPaddings,
			partition.GroupAlignmentPaddings(total, plan.SubPartitionSize, plan.NumSubPartitions))

		o.mappings = append(o.mappings, partition.BuildMapping(params, index, o.rank))

		// The base optimizer now updates the local sub-partitions.
		group.Params = locals
	}

	if err := o.initializeOptimizerStates(); err != nil {
		return nil, err
	}
	return o, nil
}

// initializeOptimizerStates runs one base-optimizer step with all-zero
// gradients, forcing allocation of the per-parameter auxiliary state (moments)
// keyed by the local sub-partitions. Zero gradients make the step a numeric
// no-op for Adam-family optimizers.
func (o *Optimizer) initializeOptimizerStates() error {
	for _, group := range o.localFP32SubPartitions {
		for _, sub := range group {
			sub.SetGrad(tensors.ZerosLike(sub))
		}
	}
	if err := o.base.Step(); err != nil {
		return errors.Wrapf(err, "zero: priming base optimizer state")
	}
	for _, group := range o.localFP32SubPartitions {
		for _, sub := range group {
			sub.FreeGrad()
		}
	}
	return nil
}

// Rank of the local worker in the process group.
func (o *Optimizer) Rank() int { return o.rank }

// WorldSize of the process group.
func (o *Optimizer) WorldSize() int { return o.worldSize }

// ParamGroups forwards to the wrapped base optimizer. After Build, the groups
// hold the local float32 sub-partitions, not the original parameters.
func (o *Optimizer) ParamGroups() []*optimizers.ParamGroup { return o.base.ParamGroups() }

// BaseState forwards to the wrapped base optimizer's per-parameter state.
func (o *Optimizer) BaseState(p *tensors.Buffer) *optimizers.ParamState { return o.base.State(p) }

// LossScale returns the current loss scale.
func (o *Optimizer) LossScale() float64 { return o.lossScaler.Scale() }

// SetLossScale overrides the current loss scale.
func (o *Optimizer) SetLossScale(scale float64) { o.lossScaler.SetScale(scale) }

// UpdateLossScale forwards to the loss scaler. Step already updates the scale
// once per call; this is for callers that manage extra skipped steps
// themselves.
func (o *Optimizer) UpdateLossScale(overflow bool) { o.lossScaler.UpdateScale(overflow) }

// Overflow reports whether the last Step detected a gradient overflow.
func (o *Optimizer) Overflow() bool { return o.overflow }

// NumCommIntervals returns the number of communication intervals of each
// parameter group.
func (o *Optimizer) NumCommIntervals() []int {
	counts := make([]int, len(o.indexes))
	for i, index := range o.indexes {
		counts[i] = index.NumIntervals
	}
	return counts
}
