// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package variables

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/varkit/pkg/collections"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointExcludesNonRestored(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	dir := t.TempDir()
	{
		ctx := context.New()
		w := New(ctx.In("dense"), "weights").Initializer([]float32{1, 2, 3}).MustDone()
		New(ctx, "step").Initializer(int64(10)).Trainable(false).MustDone()
		New(ctx, "cache").Initializer([]float32{9, 9}).Restore(false).MustDone()
		AddLayerVariables(ctx, "dense", w)
		handler, err := NewCheckpoint(ctx, dir, 2)
		require.NoError(t, err)

		// Created after the handler: only excluded through SaveCheckpoint.
		late := New(ctx, "late_cache").Initializer(int32(7)).Restore(false).MustDone()
		require.Len(t, ExcludedFromRestore(ctx), 2)
		require.Contains(t, ExcludedFromRestore(ctx), late)
		_, err = SetValue(w, []float32{4, 5, 6}, NewSession(backend, ctx))
		require.NoError(t, err)
		require.NoError(t, SaveCheckpoint(ctx, handler))
	}

	ctx := context.New()
	_, err := NewCheckpoint(ctx, dir, 2)
	require.NoError(t, err)
	require.Nil(t, ctx.GetVariableByScopeAndName(context.RootScope, "cache"))
	require.Nil(t, ctx.GetVariableByScopeAndName(context.RootScope, "late_cache"))

	// Collections and trainability are restored.
	w := ctx.GetVariableByScopeAndName("/dense", "weights")
	require.NotNil(t, w)
	step := ctx.GetVariableByScopeAndName(context.RootScope, "step")
	require.NotNil(t, step)
	globalStep := ctx.GetVariableByScopeAndName(context.RootScope, optimizers.GlobalStepVariableName)
	require.NotNil(t, globalStep)
	require.ElementsMatch(t, []*context.Variable{w, step, globalStep},
		collections.Variables(ctx, collections.GlobalVariables))
	require.Equal(t, []*context.Variable{w}, collections.Variables(ctx, collections.TrainableVariables))
	require.Equal(t, []*context.Variable{w}, LayerVariablesByName(ctx, "dense"))
	require.True(t, w.Trainable)
	require.False(t, step.Trainable)
	require.False(t, globalStep.Trainable)

	// Restored variables already exist: a checked context must reuse them.
	_, err = New(ctx.In("dense"), "weights").Shape(3).Done()
	require.Error(t, err)
	reused := New(ctx.In("dense").Reuse(), "weights").Shape(3).MustDone()
	require.Same(t, w, reused)
	session := NewSession(backend, ctx)
	require.Equal(t, []float32{4, 5, 6}, must1(GetFlat[float32](w, session)))
	require.Equal(t, []int64{10}, must1(GetFlat[int64](step, session)))
}

func TestSplitScopeAndName(t *testing.T) {
	for input, want := range map[string][2]string{
		"/w":         {"/", "w"},
		"/dense/w":   {"/dense", "w"},
		"/a/b/c":     {"/a/b", "c"},
		"relative/w": {"", ""},
		"input/X":    {"", ""},
	} {
		scope, name := splitScopeAndName(input)
		assert.Equal(t, want, [2]string{scope, name}, "splitting %q", input)
	}
}
