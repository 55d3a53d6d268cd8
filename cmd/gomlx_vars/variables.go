// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"slices"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/varkit/pkg/collections"
	"github.com/gomlx/varkit/pkg/variables"
	"github.com/pkg/errors"
)

// Checkpoint loaded with all its variables, and its collections restored.
type Checkpoint struct {
	ctx     *context.Context
	handler *checkpoints.Handler
}

// Load the checkpoint in dir. All checkpoints in dir are kept when saving a new one.
func Load(dir string) (*Checkpoint, error) {
	ctx := context.New()
	handler, err := variables.NewCheckpoint(ctx, dir, -1)
	if err != nil {
		return nil, err
	}
	// Variables not tagged in any collection are still lazily loaded.
	var names []string
	for paramName := range handler.LoadedVariables() {
		names = append(names, paramName)
	}
	slices.Sort(names)
	for _, paramName := range names {
		scope, name := context.VariableScopeAndNameFromParameterName(paramName)
		if name == "" {
			continue
		}
		_ = ctx.GetVariableByScopeAndName(scope, name)
	}
	return &Checkpoint{ctx: ctx, handler: handler}, nil
}

// variable returns the variable "<scope>/<name>".
func (c *Checkpoint) variable(scopeAndName string) (*context.Variable, error) {
	idx := strings.LastIndex(scopeAndName, context.ScopeSeparator)
	if !strings.HasPrefix(scopeAndName, context.RootScope) || idx == len(scopeAndName)-1 {
		return nil, errors.Errorf("invalid variable name %q, it must be formatted as \"<scope>/<name>\", e.g. \"/dense/weights\"",
			scopeAndName)
	}
	scope, name := scopeAndName[:idx], scopeAndName[idx+1:]
	if scope == "" {
		scope = context.RootScope
	}
	v := c.ctx.GetVariableByScopeAndName(scope, name)
	if v == nil {
		return nil, errors.Errorf("variable %q not found in checkpoint %q", scopeAndName, c.handler.Dir())
	}
	return v, nil
}

// Get returns the value of the variable "<scope>/<name>".
func (c *Checkpoint) Get(session *variables.Session, scopeAndName string) (*tensors.Tensor, error) {
	v, err := c.variable(scopeAndName)
	if err != nil {
		return nil, err
	}
	return session.GetValue(v)
}

// Set the variable "<scope>/<name>" to values, and save a new checkpoint.
//
// The values are converted to the dtype of the variable. A single value is broadcast to the shape of the
// variable, otherwise the number of values must match its size.
func (c *Checkpoint) Set(session *variables.Session, scopeAndName string, values []float64) error {
	v, err := c.variable(scopeAndName)
	if err != nil {
		return err
	}
	shape := v.Shape()
	if len(values) != 1 && len(values) != shape.Size() {
		return errors.Errorf("variable %q has shape %s (%d values), but %d values were given",
			scopeAndName, shape, shape.Size(), len(values))
	}
	value, err := session.Eval(func(ctx *context.Context, g *Graph) *Node {
		if len(values) == 1 {
			return BroadcastToDims(ConvertDType(Const(g, values[0]), shape.DType), shape.Dimensions...)
		}
		return Reshape(ConvertDType(Const(g, values), shape.DType), shape.Dimensions...)
	})
	if err != nil {
		return err
	}
	if _, err = session.SetValue(v, value); err != nil {
		return err
	}
	return variables.SaveCheckpoint(c.ctx, c.handler)
}

// ParseAssignment parses "<scope>/<name>=v0,v1,...".
func ParseAssignment(assignment string) (scopeAndName string, values []float64, err error) {
	scopeAndName, valuesStr, found := strings.Cut(assignment, "=")
	if !found || scopeAndName == "" || valuesStr == "" {
		return "", nil, errors.Errorf("invalid assignment %q, it must be formatted as \"<scope>/<name>=v0,v1,...\"", assignment)
	}
	for _, part := range strings.Split(valuesStr, ",") {
		value, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return "", nil, errors.Wrapf(err, "invalid value %q in assignment %q", part, assignment)
		}
		values = append(values, value)
	}
	return scopeAndName, values, nil
}

func variablesTable(vars []*context.Variable) string {
	table := variables.NewTable(lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Headers("Scope", "Name", "Shape", "Size")
	for _, v := range vars {
		table.Row(v.Scope(), v.Name(), v.Shape().String(), humanize.Comma(int64(v.Shape().Size())))
	}
	return table.Render()
}

// TrainableTable returns a table with the trainable variables under scope.
func (c *Checkpoint) TrainableTable(scope string) string {
	scopePrefix := scope + context.ScopeSeparator
	if scope == context.RootScope {
		scopePrefix = scope
	}
	vars := slices.DeleteFunc(variables.AllTrainable(c.ctx), func(v *context.Variable) bool {
		return v.Scope() != scope && !strings.HasPrefix(v.Scope(), scopePrefix)
	})
	return variablesTable(vars)
}

// LayerTable returns a table with the variables of the layer layerName.
func (c *Checkpoint) LayerTable(layerName string) string {
	return variablesTable(variables.LayerVariablesByName(c.ctx, layerName))
}

// CollectionsTable returns a table with the collections and the number of entries in each.
func (c *Checkpoint) CollectionsTable() string {
	registry := collections.For(c.ctx)
	table := variables.NewTable(lipgloss.Left, lipgloss.Right, lipgloss.Right)
	table.Headers("Collection", "Entries", "Parameters")
	for _, key := range registry.Keys() {
		var size int
		for _, v := range collections.Variables(c.ctx, key) {
			size += v.Shape().Size()
		}
		table.Row(key, humanize.Comma(int64(registry.Len(key))), humanize.Comma(int64(size)))
	}
	return table.Render()
}
