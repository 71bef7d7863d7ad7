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

package optimizers

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/strint/zeroshard/types/tensors"
)

const (
	// AdamDefaultLearningRate is used by Adam if no learning rate is set.
	AdamDefaultLearningRate = 0.001

	// Names of the Adam moment buffers in ParamState.
	AdamExpAvgKey   = "exp_avg"
	AdamExpAvgSqKey = "exp_avg_sq"

	// AdamStepKey is the per-parameter step counter in ParamState.Scalars.
	AdamStepKey = "step"
)

// Adam optimization is a stochastic gradient descent method based on adaptive
// estimation of first-order and second-order moments, as described in
// [Kingma et al., 2014](http://arxiv.org/abs/1412.6980), here operating
// directly on flat float32 buffers.
//
// It returns a configuration object that can be used to set its parameters.
// Once configured, call Done and it will return an optimizers.Interface.
func Adam(groups ...*ParamGroup) *AdamConfig {
	return &AdamConfig{
		groups:       groups,
		learningRate: -1, // < 0 means use the default.
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-8,
	}
}

// AdamConfig holds the configuration for Adam, created with Adam(), and once
// configured call Done to create the optimizer.
type AdamConfig struct {
	groups       []*ParamGroup
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
	weightDecay  float64
}

// LearningRate sets the base learning rate. Defaults to 0.001. A ParamGroup
// with its own LearningRate takes precedence.
func (c *AdamConfig) LearningRate(value float64) *AdamConfig {
	c.learningRate = value
	return c
}

// Betas sets the two moving average constants (exponential decays). They
// default to 0.9 and 0.999.
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used on the denominator as a small constant for stability.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// WeightDecay configures the optimizer to work as AdamW, with the given static
// weight decay.
func (c *AdamConfig) WeightDecay(weightDecay float64) *AdamConfig {
	c.weightDecay = weightDecay
	return c
}

// Done finishes the configuration and constructs the optimizer.
func (c *AdamConfig) Done() Interface {
	lr := c.learningRate
	if lr < 0 {
		lr = AdamDefaultLearningRate
	}
	return &adam{
		config:       c,
		learningRate: lr,
		state:        make(map[*tensors.Buffer]*ParamState),
	}
}

type adam struct {
	config       *AdamConfig
	learningRate float64
	state        map[*tensors.Buffer]*ParamState
}

// ParamGroups implements optimizers.Interface.
func (o *adam) ParamGroups() []*ParamGroup { return o.config.groups }

// State implements optimizers.Interface.
func (o *adam) State(p *tensors.Buffer) *ParamState { return o.state[p] }

// SetState implements optimizers.Interface.
func (o *adam) SetState(p *tensors.Buffer, state *ParamState) { o.state[p] = state }

// Step implements optimizers.Interface: one Adam update per parameter with a
// gradient attached. Parameters must be Float32 -- the sharding engine always
// hands Adam the full-precision sub-partitions.
func (o *adam) Step() error {
	for _, group := range o.config.groups {
		lr := o.learningRate
		if group.LearningRate > 0 {
			lr = group.LearningRate
		}
		for _, p := range group.Params {
			grad := p.Grad()
			if grad == nil {
				continue
			}
			o.update(p, grad, lr)
		}
	}
	return nil
}

func (o *adam) update(p, grad *tensors.Buffer, lr float64) {
	if p.DType() != dtypes.Float32 {
		exceptions.Panicf("optimizers.Adam: parameters must be Float32, got %s", p.DType())
	}
	state := o.state[p]
	if state == nil {
		state = &ParamState{
			Buffers: map[string]*tensors.Buffer{
				AdamExpAvgKey:   tensors.ZerosLike(p),
				AdamExpAvgSqKey: tensors.ZerosLike(p),
			},
			Scalars: map[string]float64{AdamStepKey: 0},
		}
		o.state[p] = state
	}
	state.Scalars[AdamStepKey]++
	step := state.Scalars[AdamStepKey]

	weights := p.Float32s()
	grads := grad.ConvertTo(dtypes.Float32).Float32s()
	expAvg := state.Buffers[AdamExpAvgKey].Float32s()
	expAvgSq := state.Buffers[AdamExpAvgSqKey].Float32s()

	beta1, beta2 := o.config.beta1, o.config.beta2
	biasCorrection1 := 1 - math.Pow(beta1, step)
	biasCorrection2 := 1 - math.Pow(beta2, step)
	for i := range weights {
		g := float64(grads[i])
		m := beta1*float64(expAvg[i]) + (1-beta1)*g
		v := beta2*float64(expAvgSq[i]) + (1-beta2)*g*g
		expAvg[i] = float32(m)
		expAvgSq[i] = float32(v)

		mHat := m / biasCorrection1
		vHat := v / biasCorrection2
		update := mHat / (math.Sqrt(vHat) + o.config.epsilon)
		if o.config.weightDecay > 0 {
			update += o.config.weightDecay * float64(weights[i])
		}
		weights[i] -= float32(lr * update)
	}
}
