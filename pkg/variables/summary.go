// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package variables

import (
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/varkit/pkg/collections"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
)

// NewTable returns a table with the header and alternating row styles used by Summary, and the columns
// aligned as given. Columns beyond the alignments given take the last alignment.
func NewTable(alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row < 0 {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
}

// Summary returns a table with the variables of the context (under its current scope), sorted by scope and
// name, with their shapes, sizes, whether they are trainable and the collections they are tagged in,
// followed by a line with the totals.
func Summary(ctx *context.Context) string {
	registry := collections.For(ctx)
	table := NewTable(lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right, lipgloss.Right, lipgloss.Center, lipgloss.Left)
	table.Headers("Scope", "Name", "Shape", "Size", "Bytes", "Trainable", "Collections")
	var rows [][]string
	var totalSize, totalBytes, trainableSize uint64
	for v := range ctx.IterVariablesInScope() {
		shape := v.Shape()
		size, bytes := uint64(shape.Size()), uint64(shape.Memory())
		totalSize += size
		totalBytes += bytes
		trainable := ""
		if v.Trainable {
			trainable = "✓"
			trainableSize += size
		}
		rows = append(rows, []string{
			v.Scope(), v.Name(), shape.String(),
			humanize.Comma(int64(size)),
			humanize.Bytes(bytes),
			trainable,
			strings.Join(registry.KeysOf(v), ", "),
		})
	}
	slices.SortFunc(rows, func(a, b []string) int {
		if cmp := strings.Compare(a[0], b[0]); cmp != 0 {
			return cmp
		}
		return strings.Compare(a[1], b[1])
	})
	for _, row := range rows {
		table.Row(row...)
	}
	var sb strings.Builder
	sb.WriteString(table.Render())
	sb.WriteString("\n")
	_, _ = fmt.Fprintf(&sb, "%s variables: %s parameters (%s trainable), %s\n",
		humanize.Comma(int64(len(rows))), humanize.Comma(int64(totalSize)),
		humanize.Comma(int64(trainableSize)), humanize.Bytes(totalBytes))
	return sb.String()
}
