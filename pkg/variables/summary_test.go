// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package variables

import (
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/varkit/pkg/collections"
	"github.com/stretchr/testify/assert"
)

func TestSummary(t *testing.T) {
	ctx := context.New()
	New(ctx.In("dense_0"), "weights").Shape(784, 10).Regularizer("l2").MustDone()
	New(ctx.In("dense_0"), "bias").Shape(10).MustDone()
	New(ctx, "global_step").DType(dtypes.Int64).Trainable(false).Restore(false).MustDone()

	summary := Summary(ctx)
	for _, want := range []string{
		"Scope", "Collections", "/dense_0", "weights", "bias", "global_step",
		"7,840", collections.RegularizedVariables, collections.ExcludeRestore,
		"3 variables: 7,851 parameters (7,850 trainable)",
	} {
		assert.Truef(t, strings.Contains(summary, want), "summary missing %q:\n%s", want, summary)
	}

	// Only variables under the current scope.
	summary = Summary(ctx.In("dense_0"))
	assert.NotContains(t, summary, "global_step")
	assert.Contains(t, summary, "2 variables: 7,850 parameters (7,850 trainable)")
}

func TestNewTable(t *testing.T) {
	table := NewTable(lipgloss.Left, lipgloss.Right)
	table.Headers("Name", "Size", "Bytes")
	table.Row("w", "1", "4")
	table.Row("bias", "1,000", "4,000")
	rendered := table.Render()
	for _, want := range []string{"Name", "Size", "Bytes", "bias", "1,000", "4,000"} {
		assert.Contains(t, rendered, want)
	}
	// Columns beyond the alignments given are right aligned, like the last one given.
	assert.Contains(t, rendered, "    4 ")
}
