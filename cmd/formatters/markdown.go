package formatters

import (
	"fmt"
	"strings"

	"github.com/airframesio/model-diff/cmd/differ"
)

// MarkdownFormatter renders a report suitable for a pull request comment
type MarkdownFormatter struct{}

// NewMarkdownFormatter creates a new Markdown formatter
func NewMarkdownFormatter() *MarkdownFormatter {
	return &MarkdownFormatter{}
}

func (f *MarkdownFormatter) Format(result *differ.DiffResult) ([]byte, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "## model-diff: `%s`\n", result.Model)
	fmt.Fprintf(&b, "**Base:** `%s`  |  **Head:** `%s`\n", sideLabel(result.Base), sideLabel(result.Head))
	fmt.Fprintf(&b, "**Mode:** `%s`", result.Mode)
	if len(result.Keys) > 0 {
		fmt.Fprintf(&b, "  |  **Keys:** `%s`", strings.Join(result.Keys, ", "))
	}
	b.WriteString("\n")
	if result.Where != "" {
		fmt.Fprintf(&b, "**Where:** `%s`\n", result.Where)
	}
	b.WriteString("\n")

	writeTable(&b, []string{"Metric", "Value"}, [][]string{
		{"Base rowcount", fmt.Sprintf("%d", result.RowCounts.Base)},
		{"Head rowcount", fmt.Sprintf("%d", result.RowCounts.Head)},
		{"Delta", fmt.Sprintf("%+d", result.RowCounts.Delta)},
	})
	b.WriteString("\n")

	if sd := result.SchemaDiff; sd.HasChanges() {
		b.WriteString("### Schema differences\n")
		if len(sd.AddedColumns) > 0 {
			fmt.Fprintf(&b, "- Columns only in **HEAD**: `%s`\n", strings.Join(sd.AddedColumns, ", "))
		}
		if len(sd.RemovedColumns) > 0 {
			fmt.Fprintf(&b, "- Columns only in **BASE**: `%s`\n", strings.Join(sd.RemovedColumns, ", "))
		}
		b.WriteString("\n")
	}

	if len(result.ColumnProfiles) > 0 {
		b.WriteString("### Column profile\n")
		rows := make([][]string, 0, len(result.ColumnProfiles))
		for _, p := range result.ColumnProfiles {
			rows = append(rows, profileCells(p))
		}
		writeTable(&b, profileHeaders, rows)
		b.WriteString("\n")
	}

	if rd := result.RowDiff; rd.Status == differ.StatusComputed {
		b.WriteString("### Row-level diff\n")
		fmt.Fprintf(&b, "- Added: **%d**\n", rd.Added)
		fmt.Fprintf(&b, "- Removed: **%d**\n", rd.Removed)
		fmt.Fprintf(&b, "- Changed: **%d**\n", rd.Changed)
		if len(rd.SampleKeys) > 0 {
			b.WriteString("\n#### Sample changed keys\n")
			writeTable(&b, rd.Keys, rd.SampleKeys)
		}
		b.WriteString("\n")
	} else {
		b.WriteString("> ⚠️ Row-level diff skipped (no keys)\n\n")
	}

	for _, w := range result.Warnings {
		fmt.Fprintf(&b, "> ⚠️ %s\n", w)
	}

	return []byte(strings.TrimSpace(b.String()) + "\n"), nil
}

func (f *MarkdownFormatter) Extension() string {
	return ".md"
}

func (f *MarkdownFormatter) MIMEType() string {
	return "text/markdown"
}

func writeTable(b *strings.Builder, header []string, rows [][]string) {
	b.WriteString("| " + strings.Join(header, " | ") + " |\n")
	b.WriteString("|" + strings.Repeat("---|", len(header)) + "\n")
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			cells[i] = strings.ReplaceAll(cell, "|", `\|`)
		}
		b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}
}
