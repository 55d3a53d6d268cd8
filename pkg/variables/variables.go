// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package variables is a convenience layer to create, tag, look up, read and write the variables of a
// context.Context.
//
// Variables are created with a builder:
//
//	w := variables.New(ctx.In("dense_0"), "weights").
//		Shape(784, 10).
//		Initializer("xavier").
//		Regularizer("L2").
//		MustDone()
//	b := variables.New(ctx.In("dense_0"), "bias").Shape(10).Initializer("zeros").MustDone()
//	variables.AddLayerVariables(ctx, "dense_0", w, b)
//
// Every variable created this way is tagged in collections.GlobalVariables, and, if trainable, in
// collections.TrainableVariables. Variables created with Restore(false) are tagged in
// collections.ExcludeRestore and are not saved by the checkpoints handler returned by NewCheckpoint.
//
// Regularizers are not part of the variable: they are attached to it, and ApplyRegularizers adds their
// penalties to the training loss when building the training graph.
//
// Values are read and written through a Session (GetValue, SetValue), which owns the backend used to
// initialize the variables.
package variables

import (
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/gomlx/varkit/pkg/collections"
	"github.com/gomlx/varkit/pkg/initializers"
	"github.com/gomlx/varkit/pkg/losses"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// ParamDType is the context hyperparameter with the default dtype of new variables, as a string
	// (e.g.: "float32", "bfloat16"). The default is "float32".
	ParamDType = "variables_dtype"

	// ParamDevice is the context hyperparameter with the default device of new variables, a backend
	// configuration name (e.g.: "xla:cpu"). The default is "", no specific device.
	ParamDevice = "variables_device"
)

// Attribute names used in the collections.Registry.
const (
	AttrDevice      = "device"
	AttrRegularizer = "regularizer"
)

// Config for a variable to be created. Create it with New, configure it with its methods,
// and call Done (or MustDone) to create the variable.
type Config struct {
	ctx  *context.Context
	name string
	err  error

	dimensions []int
	dtype      dtypes.DType
	dtypeSet   bool

	initializer any
	regularizer any
	trainable   bool
	collections []string
	device      string
	deviceSet   bool
	restore     bool
}

// New starts the configuration of the variable name, in the current scope of ctx.
//
// By default, it is a trainable float32 scalar, initialized with the context's default initializer,
// without regularizer, and restored from checkpoints.
func New(ctx *context.Context, name string) *Config {
	return &Config{
		ctx:       ctx,
		name:      name,
		trainable: true,
		restore:   true,
	}
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Shape sets the dimensions of the variable. Not setting it (or setting no dimensions) creates a scalar.
//
// It is ignored if the initializer is a concrete value: the variable takes the shape of the value.
func (c *Config) Shape(dimensions ...int) *Config {
	for axis, dim := range dimensions {
		if dim <= 0 {
			c.setError(errors.Errorf("variable %q: invalid dimension %d for axis %d", c.name, dim, axis))
		}
	}
	c.dimensions = slices.Clone(dimensions)
	return c
}

// DType sets the dtype of the variable. The default is read from the context hyperparameter ParamDType,
// or float32 if not set.
func (c *Config) DType(dtype dtypes.DType) *Config {
	c.dtype = dtype
	c.dtypeSet = true
	return c
}

// Initializer sets how the variable is initialized. It can be:
//
//   - a string: the name of an initializer, see initializers.Get;
//   - an initializers.Initializer or an initializers.Factory;
//   - a concrete value: a *tensors.Tensor or a Go value (scalar or multidimensional slice) convertible to one.
//     In this case the variable takes the shape and dtype of the value, and Shape is ignored.
//     A *tensors.Tensor given here is owned by the variable afterwards: it is freed when the variable value changes.
//
// If not set, the context's default initializer is used.
func (c *Config) Initializer(initializer any) *Config {
	c.initializer = initializer
	return c
}

// Regularizer attaches a weight regularizer to the variable. It can be the name of a regularizer
// (see losses.Get) or a regularizers.Regularizer.
//
// The penalty is added to the loss by ApplyRegularizers.
func (c *Config) Regularizer(regularizer any) *Config {
	c.regularizer = regularizer
	return c
}

// Trainable sets whether the variable is trained. The default is true.
func (c *Config) Trainable(trainable bool) *Config {
	c.trainable = trainable
	return c
}

// Collections adds extra collections the variable is tagged in, besides collections.GlobalVariables
// and collections.TrainableVariables.
func (c *Config) Collections(keys ...string) *Config {
	c.collections = append(c.collections, keys...)
	return c
}

// Device records the device (a backend configuration name, like "xla:cpu" or "go") where the variable
// is expected to live. See Device for how it is used.
func (c *Config) Device(device string) *Config {
	c.device = device
	c.deviceSet = true
	return c
}

// Restore sets whether the variable is saved and restored by checkpoints. The default is true.
// Non-restored variables are tagged in collections.ExcludeRestore.
func (c *Config) Restore(restore bool) *Config {
	c.restore = restore
	return c
}

// MustDone is like Done, but panics on error.
func (c *Config) MustDone() *context.Variable {
	v, err := c.Done()
	if err != nil {
		panic(err)
	}
	return v
}

// Done creates the variable (or, if the context is in reuse mode, returns the existing one) and tags it in
// its collections.
//
// The context's reuse rules apply: with a checked context (the default), creating a variable that already
// exists, or reusing one that doesn't, returns an error.
func (c *Config) Done() (*context.Variable, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.name == "" {
		return nil, errors.New("variable name cannot be empty")
	}
	if strings.Contains(c.name, context.ScopeSeparator) {
		return nil, errors.Errorf("variable name %q cannot contain the scope separator %q", c.name, context.ScopeSeparator)
	}
	ctx := c.ctx
	dtype, err := c.resolveDType()
	if err != nil {
		return nil, err
	}
	initializer, value, err := c.resolveInitializer()
	if err != nil {
		return nil, err
	}
	regularizer, err := c.resolveRegularizer()
	if err != nil {
		return nil, err
	}
	device := c.device
	if !c.deviceSet {
		device = context.GetParamOr(ctx, ParamDevice, "")
	}

	var v *context.Variable
	err = exceptions.TryCatch[error](func() {
		if value != nil {
			if c.dtypeSet && value.Shape().DType != dtype {
				exceptions.Panicf("variable %q: initial value has dtype %s, but dtype %s was requested",
					c.name, value.Shape().DType, dtype)
			}
			if len(c.dimensions) > 0 && !slices.Equal(c.dimensions, value.Shape().Dimensions) {
				klog.V(1).Infof("variable %q: shape %v ignored, using the shape of the initial value %s",
					c.name, c.dimensions, value.Shape())
			}
			v = ctx.VariableWithValue(c.name, value)
			return
		}
		varCtx := ctx
		if initializer != nil {
			varCtx = varCtx.WithInitializer(initializer)
		}
		v = varCtx.VariableWithShape(c.name, shapes.Make(dtype, c.dimensions...))
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create variable %q in scope %q", c.name, ctx.Scope())
	}
	v.SetTrainable(c.trainable)

	registry := collections.For(ctx)
	registry.Add(collections.GlobalVariables, v)
	if c.trainable {
		registry.Add(collections.TrainableVariables, v)
	} else {
		// A reused variable may have been created trainable.
		registry.Remove(collections.TrainableVariables, v)
	}
	for _, key := range c.collections {
		registry.Add(key, v)
	}
	if !c.restore {
		registry.Add(collections.ExcludeRestore, v)
	}
	if device != "" {
		registry.SetAttribute(v, AttrDevice, device)
	}
	if regularizer != nil {
		// Variables carry no regularizer themselves: it is attached and applied by ApplyRegularizers.
		registry.SetAttribute(v, AttrRegularizer, regularizer)
		registry.Add(collections.RegularizedVariables, v)
	}
	klog.V(1).Infof("variable %q: shape=%s, trainable=%v, restore=%v, device=%q, regularized=%v",
		v.ScopeAndName(), v.Shape(), c.trainable, c.restore, device, regularizer != nil)
	return v, nil
}

func (c *Config) resolveDType() (dtypes.DType, error) {
	if c.dtypeSet {
		if c.dtype == dtypes.InvalidDType {
			return c.dtype, errors.Errorf("variable %q: invalid dtype", c.name)
		}
		return c.dtype, nil
	}
	name := context.GetParamOr(c.ctx, ParamDType, "float32")
	dtype, found := dtypes.MapOfNames[name]
	if !found || dtype == dtypes.InvalidDType {
		return dtypes.InvalidDType, errors.Errorf("variable %q: context parameter %q has unknown dtype %q",
			c.name, ParamDType, name)
	}
	return dtype, nil
}

// resolveInitializer returns either the initializer or the concrete initial value.
func (c *Config) resolveInitializer() (initializer initializers.Initializer, value *tensors.Tensor, err error) {
	switch init := c.initializer.(type) {
	case nil:
		return nil, nil, nil
	case string:
		factory, err := initializers.Get(init)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "variable %q", c.name)
		}
		return factory(c.ctx), nil, nil
	case initializers.Initializer:
		return init, nil, nil
	case initializers.Factory:
		return init(c.ctx), nil, nil
	case func(*context.Context) initializers.Initializer:
		return init(c.ctx), nil, nil
	case *Node:
		return nil, nil, errors.Errorf("variable %q: a graph *Node cannot be used as initializer, "+
			"use a concrete value or an initializer function", c.name)
	}
	err = exceptions.TryCatch[error](func() {
		value = tensors.FromAnyValue(c.initializer)
	})
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "variable %q: invalid initializer of type %T", c.name, c.initializer)
	}
	return nil, value, nil
}

func (c *Config) resolveRegularizer() (regularizers.Regularizer, error) {
	switch reg := c.regularizer.(type) {
	case nil:
		return nil, nil
	case string:
		r, err := losses.Get(reg)
		if err != nil {
			return nil, errors.WithMessagef(err, "variable %q", c.name)
		}
		return r, nil
	case regularizers.Regularizer:
		return reg, nil
	case func(ctx *context.Context, g *Graph, weights ...*context.Variable):
		return reg, nil
	}
	return nil, errors.Errorf("variable %q: invalid regularizer of type %T", c.name, c.regularizer)
}

// All returns all variables of the context, in creation order.
//
// It includes variables not created by this package (by layers, optimizers, etc.), but not the
// variables of a lazily loaded checkpoint that were not used yet.
func All(ctx *context.Context) []*context.Variable {
	return slices.Collect(ctx.IterVariables())
}

// AllTrainable returns all trainable variables of the context, in creation order.
func AllTrainable(ctx *context.Context) []*context.Variable {
	var vars []*context.Variable
	for v := range ctx.IterVariables() {
		if v.Trainable {
			vars = append(vars, v)
		}
	}
	return vars
}

// AddLayerVariables tags vars as the variables of the layer layerName.
func AddLayerVariables(ctx *context.Context, layerName string, vars ...*context.Variable) {
	entries := make([]collections.Entry, 0, len(vars))
	for _, v := range vars {
		entries = append(entries, v)
	}
	collections.Add(ctx, collections.LayerKey(layerName), entries...)
}

// LayerVariablesByName returns the variables of the layer named layerName.
//
// These are the variables tagged with AddLayerVariables (or created with
// Collections(collections.LayerKey(layerName))). If none were tagged, it falls back to the variables
// under the scope "/<layerName>" (including sub-scopes), which is where layers create their variables.
func LayerVariablesByName(ctx *context.Context, layerName string) []*context.Variable {
	if vars := collections.Variables(ctx, collections.LayerKey(layerName)); len(vars) > 0 {
		return vars
	}
	scope := context.RootScope + layerName
	if strings.HasPrefix(layerName, context.ScopeSeparator) {
		scope = layerName
	}
	scopePrefix := scope + context.ScopeSeparator
	var vars []*context.Variable
	for v := range ctx.IterVariables() {
		if v.Scope() == scope || strings.HasPrefix(v.Scope(), scopePrefix) {
			vars = append(vars, v)
		}
	}
	return vars
}

// LayerVariables is an alias to LayerVariablesByName.
var LayerVariables = LayerVariablesByName

// ExcludedFromRestore returns the variables created with Restore(false).
func ExcludedFromRestore(ctx *context.Context) []*context.Variable {
	return collections.Variables(ctx, collections.ExcludeRestore)
}

// Device returns the device recorded for the variable, or "" if none was set.
//
// GoMLX decides placement when executing a graph, so the device is only informative,
// except for Session.GetValue and Session.SetValue, which refuse to operate on a variable
// recorded for a device different from the session's (see Session.Device).
func Device(ctx *context.Context, v *context.Variable) string {
	device, _ := collections.Attribute[string](ctx, v, AttrDevice)
	return device
}

// RegularizerOf returns the regularizer attached to the variable, or nil.
func RegularizerOf(ctx *context.Context, v *context.Variable) regularizers.Regularizer {
	reg, _ := collections.Attribute[regularizers.Regularizer](ctx, v, AttrRegularizer)
	return reg
}

// ApplyRegularizers applies the regularizers attached to the variables of the context in the graph g:
// each one adds its penalty to the training loss (see regularizers.Regularizer).
//
// Call it from the model graph function used for training.
// It is a graph building function, and it panics on error.
func ApplyRegularizers(ctx *context.Context, g *Graph) {
	for _, v := range collections.Variables(ctx, collections.RegularizedVariables) {
		reg := RegularizerOf(ctx, v)
		if reg == nil {
			continue
		}
		reg(ctx, g, v)
	}
}
