// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package initializers resolves variable initializers by name.
//
// Variables can be created with an initializer given as a string (e.g.: "xavier", "truncated_normal"),
// which is converted here into a function that builds the initial value in a computation graph.
// Most of them are GoMLX's own initializers (package github.com/gomlx/gomlx/pkg/ml/context/initializers).
// Random initializers draw from the context's random number generator, so setting the
// context.ParamInitialSeed hyperparameter makes the initialization reproducible.
//
// The hyperparameters of the initializers are read from the context, in the scope where the
// variable is created:
//
//   - ParamStddev ("initializers_stddev", default 0.02): used by "normal" and "truncated_normal".
//   - ParamMinValue / ParamMaxValue ("initializers_minval"/"initializers_maxval", default -0.05/0.05):
//     used by "uniform".
//   - ParamFactor ("initializers_factor", default 1.0): multiplies "uniform_scaling" and "variance_scaling".
package initializers

import (
	"math"
	"slices"
	"strings"
	"sync"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	mlinit "github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/pkg/errors"
)

// Initializer builds the initial value of a variable with the given shape.
//
// It has the same signature as the initializers used by context.Context.WithInitializer.
type Initializer = func(g *Graph, shape shapes.Shape) *Node

// Factory creates an Initializer configured from the context hyperparameters.
type Factory func(ctx *context.Context) Initializer

// ErrUnknownInitializer is returned by Get for names not registered.
var ErrUnknownInitializer = errors.New("unknown initializer")

const (
	// ParamStddev is the standard deviation used by the "normal" and "truncated_normal" initializers.
	ParamStddev = "initializers_stddev"

	// ParamMinValue is the lower bound used by the "uniform" initializer.
	ParamMinValue = "initializers_minval"

	// ParamMaxValue is the upper bound (exclusive) used by the "uniform" initializer.
	ParamMaxValue = "initializers_maxval"

	// ParamFactor multiplies the scale of "uniform_scaling" and "variance_scaling".
	ParamFactor = "initializers_factor"
)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

func init() {
	for name, factory := range map[string]Factory{
		"zeros":            func(*context.Context) Initializer { return Zero },
		"zero":             func(*context.Context) Initializer { return Zero },
		"ones":             func(*context.Context) Initializer { return One },
		"one":              func(*context.Context) Initializer { return One },
		"uniform":          uniformFromContext,
		"uniform_scaling":  UniformScaling,
		"normal":           normalFromContext,
		"truncated_normal": truncatedNormalFromContext,
		"xavier":           xavierUniform,
		"glorot_uniform":   xavierUniform,
		"xavier_normal":    xavierNormal,
		"variance_scaling": VarianceScaling,
		"he":               VarianceScaling,
	} {
		Register(name, factory)
	}
}

// Register makes factory available to Get under name (case-insensitive).
// Registering an existing name replaces it.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(name)] = factory
}

// Get returns the factory registered under name (case-insensitive).
func Get(name string) (Factory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	factory, found := registry[strings.ToLower(name)]
	if !found {
		return nil, errors.Wrapf(ErrUnknownInitializer, "initializer %q (known initializers: %q)", name, namesLocked())
	}
	return factory, nil
}

// Names returns the sorted list of registered initializer names.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return namesLocked()
}

func namesLocked() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

var (
	// Zero initializes variables with zero.
	Zero Initializer = mlinit.Zero

	// One initializes variables with one.
	One Initializer = mlinit.One
)

func uniformFromContext(ctx *context.Context) Initializer {
	return mlinit.RandomUniformFn(ctx,
		context.GetParamOr(ctx, ParamMinValue, -0.05),
		context.GetParamOr(ctx, ParamMaxValue, 0.05))
}

func normalFromContext(ctx *context.Context) Initializer {
	return mlinit.RandomNormalFn(ctx, context.GetParamOr(ctx, ParamStddev, 0.02))
}

func xavierUniform(ctx *context.Context) Initializer { return mlinit.XavierUniformFn(ctx) }

func xavierNormal(ctx *context.Context) Initializer { return mlinit.XavierNormalFn(ctx) }

// VarianceScaling is the He initializer (see initializers.HeFn in GoMLX), with its values multiplied
// by ParamFactor.
func VarianceScaling(ctx *context.Context) Initializer {
	factor := context.GetParamOr(ctx, ParamFactor, 1.0)
	he := mlinit.HeFn(ctx)
	if factor == 1.0 {
		return he
	}
	return func(g *Graph, shape shapes.Shape) *Node {
		return MulScalar(he(g, shape), factor)
	}
}

// TruncatedNormal is like a random normal initializer, but values further than 2 standard deviations
// from the mean are clipped to ±2 standard deviations.
//
// Non-float variables are initialized with zero.
func TruncatedNormal(ctx *context.Context, stddev float64) Initializer {
	return func(g *Graph, shape shapes.Shape) *Node {
		if !shape.DType.IsFloat() {
			return Zeros(g, shape)
		}
		values := ClipScalar(ctx.RandomNormal(g, shape), -2, 2)
		return MulScalar(values, stddev)
	}
}

func truncatedNormalFromContext(ctx *context.Context) Initializer {
	return TruncatedNormal(ctx, context.GetParamOr(ctx, ParamStddev, 0.02))
}

// UniformScaling samples uniformly from [-limit, limit), with limit = factor * sqrt(3 / inputSize),
// where inputSize is the product of all but the last dimension.
// It keeps the scale of the input variance constant.
//
// Rank <= 1 (bias) and non-float variables are initialized with zero.
func UniformScaling(ctx *context.Context) Initializer {
	factor := context.GetParamOr(ctx, ParamFactor, 1.0)
	return func(g *Graph, shape shapes.Shape) *Node {
		if !shape.DType.IsFloat() || shape.Rank() <= 1 {
			return Zeros(g, shape)
		}
		limit := factor * math.Sqrt(3.0/float64(max(1, inputSize(shape))))
		values := ctx.RandomUniform(g, shape)
		return AddScalar(MulScalar(values, 2*limit), -limit)
	}
}

// inputSize is the number of input units feeding each output unit of a kernel.
func inputSize(shape shapes.Shape) int {
	size := 1
	for _, dim := range shape.Dimensions[:shape.Rank()-1] {
		size *= dim
	}
	return size
}
