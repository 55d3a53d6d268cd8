// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collections

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type namedEntry string

func (e namedEntry) ScopeAndName() string { return string(e) }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a, b, c := namedEntry("/a"), namedEntry("/b"), namedEntry("/c")
	r.Add("x", a, b)
	r.Add("x", b, c, nil)
	r.Add("y", c)
	require.Equal(t, []Entry{a, b, c}, r.Get("x"))
	require.Equal(t, 3, r.Len("x"))
	require.Equal(t, []string{"x", "y"}, r.Keys())
	require.Equal(t, []string{"x", "y"}, r.KeysOf(c))
	require.Equal(t, []string{"x"}, r.KeysOf(a))
	assert.Nil(t, r.Get("missing"))

	// Returned slices are copies.
	got := r.Get("x")
	got[0] = namedEntry("/changed")
	require.Equal(t, a, r.Get("x")[0])

	require.True(t, r.Remove("x", b))
	require.False(t, r.Remove("x", b))
	require.Equal(t, []Entry{a, c}, r.Get("x"))

	r.Clear("x")
	require.Zero(t, r.Len("x"))
	require.Equal(t, []string{"x", "y"}, r.Keys())
}

func TestRegistryJSON(t *testing.T) {
	r := NewRegistry()
	r.Add(Inputs, namedEntry("input/X"))
	r.Add(Targets, namedEntry("input/Y"), namedEntry("other/Y"))
	data, err := json.Marshal(r)
	require.NoError(t, err)
	var decoded map[string][]string
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, map[string][]string{
		Inputs:  {"input/X"},
		Targets: {"input/Y", "other/Y"},
	}, decoded)
}

func TestForSharedAcrossScopes(t *testing.T) {
	ctx := context.New()
	layerCtx := ctx.In("dense_0")
	v := layerCtx.VariableWithValue("bias", []float32{0, 0, 0})

	Add(layerCtx, LayerKey("dense_0"), v)
	require.Same(t, For(ctx), For(layerCtx.In("deeper")))
	require.Equal(t, []*context.Variable{v}, Variables(ctx, LayerKey("dense_0")))
	require.Equal(t, "layer_variables/dense_0", LayerKey("dense_0"))
	require.Equal(t, []string{LayerKey("dense_0")}, KeysOf(ctx, v))

	// A different context has its own registry.
	require.NotSame(t, For(ctx), For(context.New()))
}

func TestVariablesSkipsOtherEntries(t *testing.T) {
	ctx := context.New()
	v := ctx.VariableWithValue("w", float32(1))
	Add(ctx, "mixed", namedEntry("not a variable"), v)
	require.Len(t, Get(ctx, "mixed"), 2)
	require.Equal(t, []*context.Variable{v}, Variables(ctx, "mixed"))
	require.True(t, Remove(ctx, "mixed", v))
	require.Empty(t, Variables(ctx, "mixed"))
	Clear(ctx, "mixed")
	require.Empty(t, Get(ctx, "mixed"))
	require.Contains(t, Keys(ctx), "mixed")
}

func TestRegistryConcurrentAdd(t *testing.T) {
	ctx := context.New()
	r := For(ctx)
	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Add("concurrent", namedEntry(string(rune('a'+i))))
		}()
	}
	wg.Wait()
	require.Equal(t, 16, r.Len("concurrent"))
}

func TestAttributes(t *testing.T) {
	ctx := context.New()
	v := ctx.VariableWithValue("w", []float32{1, 2})
	r := For(ctx)
	r.SetAttribute(v, "device", "xla:cpu")
	got, found := Attribute[string](ctx, v, "device")
	require.True(t, found)
	require.Equal(t, "xla:cpu", got)

	// Wrong type is reported as not found.
	_, found = Attribute[int](ctx, v, "device")
	require.False(t, found)

	r.SetAttribute(v, "device", nil)
	_, found = r.Attribute(v, "device")
	require.False(t, found)
	require.Empty(t, r.attributes)
}

func TestAttachAndDecodeSaved(t *testing.T) {
	ctx := context.New()
	r := NewRegistry()
	r.Add(Inputs, namedEntry("input/X"))
	data, err := json.Marshal(r)
	require.NoError(t, err)

	// Simulates loading the saved parameter from a checkpoint.
	var saved any
	require.NoError(t, json.Unmarshal(data, &saved))
	ctx.InAbsPath(context.RootScope).SetParam(ParamRegistry, saved)

	live := NewRegistry()
	previous := Attach(ctx.In("any_scope"), live)
	require.Same(t, live, For(ctx))
	decoded, ok := DecodeSaved(previous)
	require.True(t, ok)
	require.Equal(t, map[string][]string{Inputs: {"input/X"}}, decoded)

	_, ok = DecodeSaved("not collections")
	require.False(t, ok)
	_, ok = DecodeSaved(map[string]any{"x": []any{1.0}})
	require.False(t, ok)
	_, ok = DecodeSaved(nil)
	require.False(t, ok)
}

type pointerEntry struct{ name string }

func (e *pointerEntry) ScopeAndName() string { return e.name }

func (e *pointerEntry) IsNil() bool { return e == nil }

func TestAddSkipsNilEntries(t *testing.T) {
	ctx := context.New()
	var nilVar *context.Variable
	var nilEntry *pointerEntry
	e := &pointerEntry{name: "input/X"}
	Add(ctx, Inputs, nil, nilVar, nilEntry, e)
	require.Equal(t, []Entry{e}, Get(ctx, Inputs))

	data, err := json.Marshal(For(ctx))
	require.NoError(t, err)
	require.JSONEq(t, `{"inputs": ["input/X"]}`, string(data))
}

func TestForRetagsSavedCollections(t *testing.T) {
	ctx := context.New()
	w := ctx.In("dense").VariableWithValue("weights", []float32{1, 2})
	step := ctx.VariableWithValue("step", int64(3))
	require.True(t, step.Trainable)

	saved := map[string]any{
		GlobalVariables:    []any{"/dense/weights", "/step", "/not_loaded"},
		TrainableVariables: []any{"/dense/weights"},
		Inputs:             []any{"input/X"},
	}
	ctx.InAbsPath(context.RootScope).SetParam(ParamRegistry, saved)

	r := For(ctx.In("dense"))
	require.Same(t, r, For(ctx))
	require.Equal(t, []*context.Variable{w, step}, Variables(ctx, GlobalVariables))
	require.Equal(t, []*context.Variable{w}, Variables(ctx, TrainableVariables))
	require.Empty(t, Get(ctx, Inputs))
	require.False(t, step.Trainable)
	require.True(t, w.Trainable)

	// Anything else is replaced by an empty registry.
	other := context.New()
	other.SetParam(ParamRegistry, "not collections")
	require.Empty(t, For(other).Keys())
}
