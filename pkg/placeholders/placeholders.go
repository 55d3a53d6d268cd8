// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package placeholders describes the named inputs and targets fed to a model, and finds them by name.
//
// A Placeholder is a declaration: name, dtype and dimensions (with -1 for an axis of any size, usually the
// batch axis). Models register their inputs in the collections.Inputs collection and their labels in the
// collections.Targets collection, and training code looks them up by the name of the layer that created them.
//
// The naming convention: an input declared by layer "input" is registered as "input/X", and a target
// declared by "target" is registered as "target/Y".
package placeholders

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/varkit/pkg/collections"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// InputSuffix is appended to the layer name of input placeholders.
	InputSuffix = "/X"

	// TargetSuffix is appended to the layer name of target placeholders.
	TargetSuffix = "/Y"

	// AnySize is the dimension of an axis that accepts any size.
	AnySize = -1
)

// ErrEmptyCollection is returned by the lookups when the searched collection has no placeholders at all.
var ErrEmptyCollection = errors.New("placeholders collection is empty")

// Placeholder declares a named tensor fed to a model.
type Placeholder struct {
	name       string
	fullName   string
	dtype      dtypes.DType
	dimensions []int
}

// ScopeAndName implements collections.Entry. It returns the full name (e.g.: "input/X").
func (p *Placeholder) ScopeAndName() string { return p.fullName }

// IsNil implements collections.Entry: a nil placeholder is never added to a collection.
func (p *Placeholder) IsNil() bool { return p == nil }

// Name of the layer that declared the placeholder (e.g.: "input").
func (p *Placeholder) Name() string { return p.name }

// FullName of the placeholder, as registered in its collection (e.g.: "input/X").
func (p *Placeholder) FullName() string { return p.fullName }

// DType of the values fed.
func (p *Placeholder) DType() dtypes.DType { return p.dtype }

// Dimensions of the values fed. AnySize (-1) marks an axis accepting any size.
func (p *Placeholder) Dimensions() []int { return slices.Clone(p.dimensions) }

// String implements fmt.Stringer.
func (p *Placeholder) String() string {
	parts := make([]string, 0, len(p.dimensions))
	for _, dim := range p.dimensions {
		if dim == AnySize {
			parts = append(parts, "?")
		} else {
			parts = append(parts, fmt.Sprint(dim))
		}
	}
	return fmt.Sprintf("%s(%s)[%s]", p.fullName, p.dtype, strings.Join(parts, " "))
}

// Compatible returns whether a value of the given shape can be fed to the placeholder.
func (p *Placeholder) Compatible(shape shapes.Shape) bool {
	if shape.DType != p.dtype || shape.Rank() != len(p.dimensions) {
		return false
	}
	for axis, dim := range p.dimensions {
		if dim != AnySize && dim != shape.Dimensions[axis] {
			return false
		}
	}
	return true
}

// Validate returns an error if t cannot be fed to the placeholder.
func (p *Placeholder) Validate(t *tensors.Tensor) error {
	if t == nil {
		return errors.Errorf("placeholder %s: nil tensor", p)
	}
	if !p.Compatible(t.Shape()) {
		return errors.Errorf("placeholder %s: incompatible tensor shape %s", p, t.Shape())
	}
	return nil
}

func newPlaceholder(name, fullName string, dtype dtypes.DType, dimensions []int) (*Placeholder, error) {
	if fullName == "" {
		return nil, errors.New("placeholder name cannot be empty")
	}
	if dtype == dtypes.InvalidDType {
		return nil, errors.Errorf("placeholder %q: invalid dtype", fullName)
	}
	for axis, dim := range dimensions {
		if dim < 1 && dim != AnySize {
			return nil, errors.Errorf("placeholder %q: invalid dimension %d for axis %d", fullName, dim, axis)
		}
	}
	return &Placeholder{
		name:       name,
		fullName:   fullName,
		dtype:      dtype,
		dimensions: slices.Clone(dimensions),
	}, nil
}

// Register declares a placeholder with the given fullName, and adds it to collection key.
// Use it for placeholders that don't follow the "<name>/X" and "<name>/Y" naming convention.
func Register(ctx *context.Context, key, fullName string, dtype dtypes.DType, dimensions ...int) (*Placeholder, error) {
	p, err := newPlaceholder(fullName, fullName, dtype, dimensions)
	if err != nil {
		return nil, err
	}
	collections.Add(ctx, key, p)
	return p, nil
}

// NewInput declares the input placeholder of layer name, registered as "<name>/X" in collections.Inputs.
func NewInput(ctx *context.Context, name string, dtype dtypes.DType, dimensions ...int) (*Placeholder, error) {
	p, err := newPlaceholder(name, name+InputSuffix, dtype, dimensions)
	if err != nil {
		return nil, err
	}
	collections.Add(ctx, collections.Inputs, p)
	klog.V(1).Infof("input placeholder %s registered", p)
	return p, nil
}

// NewTarget declares the target placeholder of layer name, registered as "<name>/Y" in collections.Targets.
func NewTarget(ctx *context.Context, name string, dtype dtypes.DType, dimensions ...int) (*Placeholder, error) {
	p, err := newPlaceholder(name, name+TargetSuffix, dtype, dimensions)
	if err != nil {
		return nil, err
	}
	collections.Add(ctx, collections.Targets, p)
	klog.V(1).Infof("target placeholder %s registered", p)
	return p, nil
}

// InputByName returns the input placeholder declared by layer name.
//
// It first looks for "<name>/X" in collections.Inputs, and then, for placeholders registered outside
// NewInput, for an exact match of name. It returns (nil, nil) if there is no match, and an error
// wrapping ErrEmptyCollection if there are no inputs registered at all.
func InputByName(ctx *context.Context, name string) (*Placeholder, error) {
	return byName(ctx, collections.Inputs, name, InputSuffix, "NewInput")
}

// TargetByName returns the target placeholder declared by layer name.
//
// It first looks for "<name>/Y" in collections.Targets, and then, for placeholders registered outside
// NewTarget, for an exact match of name. It returns (nil, nil) if there is no match, and an error
// wrapping ErrEmptyCollection if there are no targets registered at all.
func TargetByName(ctx *context.Context, name string) (*Placeholder, error) {
	return byName(ctx, collections.Targets, name, TargetSuffix, "NewTarget")
}

func byName(ctx *context.Context, key, name, suffix, constructor string) (*Placeholder, error) {
	entries := collections.Get(ctx, key)
	if len(entries) == 0 {
		return nil, errors.Wrapf(ErrEmptyCollection,
			"cannot retrieve placeholder %q: collection %q is empty -- if the placeholder was declared without "+
				"placeholders.%s, add it to the collection with placeholders.Register", name, key, constructor)
	}
	conventional := name + suffix
	for _, e := range entries {
		if p, ok := e.(*Placeholder); ok && p.fullName == conventional {
			return p, nil
		}
	}
	for _, e := range entries {
		if p, ok := e.(*Placeholder); ok && p.fullName == name {
			return p, nil
		}
	}
	klog.V(1).Infof("placeholder %q not found in collection %q", name, key)
	return nil, nil
}
