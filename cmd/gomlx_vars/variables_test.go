// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"strings"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/varkit/pkg/collections"
	"github.com/gomlx/varkit/pkg/variables"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// saveTestCheckpoint creates a checkpoint with a tagged dense layer, a step counter and a variable created
// directly in the context, not tagged in any collection.
func saveTestCheckpoint(t *testing.T) string {
	dir := t.TempDir()
	ctx := context.New()
	w := variables.New(ctx.In("dense"), "weights").Initializer([][]float32{{1, 2}, {3, 4}}).Regularizer("l2").MustDone()
	b := variables.New(ctx.In("dense"), "bias").Initializer([]float32{0, 0}).MustDone()
	variables.AddLayerVariables(ctx, "dense", w, b)
	variables.New(ctx, "step").DType(dtypes.Int64).Initializer(int64(5)).Trainable(false).MustDone()
	ctx.In("untagged").VariableWithValue("scale", []float64{0.5})
	handler, err := variables.NewCheckpoint(ctx, dir, -1)
	require.NoError(t, err)
	require.NoError(t, variables.SaveCheckpoint(ctx, handler))
	return dir
}

func TestLoad(t *testing.T) {
	dir := saveTestCheckpoint(t)
	checkpoint, err := Load(dir)
	require.NoError(t, err)
	// The variables saved plus the global step, which is tagged as a non-trainable global variable.
	require.Len(t, variables.All(checkpoint.ctx), 5)
	require.Len(t, collections.Variables(checkpoint.ctx, collections.GlobalVariables), 4)
	globalStep, err := checkpoint.variable("/" + optimizers.GlobalStepVariableName)
	require.NoError(t, err)
	require.False(t, globalStep.Trainable)
	require.Contains(t, collections.Variables(checkpoint.ctx, collections.GlobalVariables), globalStep)

	trainable := checkpoint.TrainableTable(context.RootScope)
	assert.Contains(t, trainable, "weights")
	assert.Contains(t, trainable, "scale")
	assert.NotContains(t, trainable, "step")
	assert.NotContains(t, trainable, optimizers.GlobalStepVariableName)
	assert.NotContains(t, checkpoint.TrainableTable("/dense"), "scale")

	layer := checkpoint.LayerTable("dense")
	assert.Contains(t, layer, "bias")
	assert.NotContains(t, layer, "scale")

	table := checkpoint.CollectionsTable()
	for _, key := range []string{collections.GlobalVariables, collections.TrainableVariables,
		collections.RegularizedVariables, collections.LayerKey("dense")} {
		assert.Truef(t, strings.Contains(table, key), "collections table missing %q:\n%s", key, table)
	}
}

func TestGetSet(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	dir := saveTestCheckpoint(t)
	checkpoint, err := Load(dir)
	require.NoError(t, err)
	session := variables.NewSession(backend, checkpoint.ctx)

	value, err := checkpoint.Get(session, "/dense/weights")
	require.NoError(t, err)
	require.Equal(t, [][]float32{{1, 2}, {3, 4}}, value.Value())
	_, err = checkpoint.Get(session, "/dense/missing")
	require.Error(t, err)
	_, err = checkpoint.Get(session, "dense/weights")
	require.Error(t, err)

	require.NoError(t, checkpoint.Set(session, "/dense/weights", []float64{7}))
	require.NoError(t, checkpoint.Set(session, "/step", []float64{11}))
	require.Error(t, checkpoint.Set(session, "/dense/bias", []float64{1, 2, 3}))

	// The new checkpoint holds the new values.
	ctx := context.New()
	_, err = checkpoints.Build(ctx).Dir(dir).Immediate().Done()
	require.NoError(t, err)
	weights, err := ctx.GetVariableByScopeAndName("/dense", "weights").Value()
	require.NoError(t, err)
	require.Equal(t, []float32{7, 7, 7, 7}, tensors.MustCopyFlatData[float32](weights))
	step, err := ctx.GetVariableByScopeAndName(context.RootScope, "step").Value()
	require.NoError(t, err)
	require.Equal(t, int64(11), tensors.ToScalar[int64](step))
}

func TestParseAssignment(t *testing.T) {
	name, values, err := ParseAssignment("/dense/bias=1, 2.5,-3")
	require.NoError(t, err)
	require.Equal(t, "/dense/bias", name)
	require.Equal(t, []float64{1, 2.5, -3}, values)

	for _, invalid := range []string{"", "/x", "/x=", "=1", "/x=1,a"} {
		_, _, err = ParseAssignment(invalid)
		require.Errorf(t, err, "assignment %q should fail", invalid)
	}
}
