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
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/strint/zeroshard/types/tensors"
)

const (
	// SGDDefaultLearningRate is used by SGD if no learning rate is set.
	SGDDefaultLearningRate = 0.01

	// SGDMomentumKey is the name of the momentum buffer in ParamState.
	SGDMomentumKey = "momentum_buffer"
)

// SGD is plain stochastic gradient descent with optional momentum and weight
// decay, operating directly on flat float32 buffers.
//
// It returns a configuration object that can be used to set its parameters.
// Once configured, call Done and it will return an optimizers.Interface.
func SGD(groups ...*ParamGroup) *SGDConfig {
	return &SGDConfig{
		groups:       groups,
		learningRate: -1, // < 0 means use the default.
	}
}

// SGDConfig holds the configuration for SGD, created with SGD(), and once
// configured call Done to create the optimizer.
type SGDConfig struct {
	groups       []*ParamGroup
	learningRate float64
	momentum     float64
	weightDecay  float64
}

// LearningRate sets the base learning rate. Defaults to 0.01. A ParamGroup
// with its own LearningRate takes precedence.
func (c *SGDConfig) LearningRate(value float64) *SGDConfig {
	c.learningRate = value
	return c
}

// Momentum sets the momentum factor. It defaults to 0, in which case no
// momentum buffer is kept.
func (c *SGDConfig) Momentum(value float64) *SGDConfig {
	c.momentum = value
	return c
}

// WeightDecay sets a static L2 penalty, folded into the gradient before the
// momentum update.
func (c *SGDConfig) WeightDecay(weightDecay float64) *SGDConfig {
	c.weightDecay = weightDecay
	return c
}

// Done finishes the configuration and constructs the optimizer.
func (c *SGDConfig) Done() Interface {
	lr := c.learningRate
	if lr < 0 {
		lr = SGDDefaultLearningRate
	}
	return &sgd{
		config:       c,
		learningRate: lr,
		state:        make(map[*tensors.Buffer]*ParamState),
	}
}

type sgd struct {
	config       *SGDConfig
	learningRate float64
	state        map[*tensors.Buffer]*ParamState
}

// ParamGroups implements optimizers.Interface.
func (o *sgd) ParamGroups() []*ParamGroup { return o.config.groups }

// State implements optimizers.Interface.
func (o *sgd) State(p *tensors.Buffer) *ParamState { return o.state[p] }

// SetState implements optimizers.Interface.
func (o *sgd) SetState(p *tensors.Buffer, state *ParamState) { o.state[p] = state }

// Step implements optimizers.Interface: one descent update per parameter with
// a gradient attached. Parameters must be Float32.
func (o *sgd) Step() error {
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

func (o *sgd) update(p, grad *tensors.Buffer, lr float64) {
	if p.DType() != dtypes.Float32 {
		exceptions.Panicf("optimizers.SGD: parameters must be Float32, got %s", p.DType())
	}
	weights := p.Float32s()
	grads := grad.ConvertTo(dtypes.Float32).Float32s()

	var momentum []float32
	if o.config.momentum > 0 {
		state := o.state[p]
		if state == nil {
			state = &ParamState{
				Buffers: map[string]*tensors.Buffer{SGDMomentumKey: tensors.ZerosLike(p)},
			}
			o.state[p] = state
		}
		momentum = state.Buffers[SGDMomentumKey].Float32s()
	}

	for i := range weights {
		g := float64(grads[i])
		if o.config.weightDecay > 0 {
			g += o.config.weightDecay * float64(weights[i])
		}
		if momentum != nil {
			m := o.config.momentum*float64(momentum[i]) + g
			momentum[i] = float32(m)
			g = m
		}
		weights[i] -= float32(lr * g)
	}
}
