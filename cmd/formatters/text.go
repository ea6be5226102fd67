package formatters

import (
	"fmt"
	"strings"

	"github.com/airframesio/model-diff/cmd/differ"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D56F4")).
			Bold(true)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFAA00")).
			Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFD700"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#04B575"))
)

// TextFormatter renders a styled report for a terminal
type TextFormatter struct{}

// NewTextFormatter creates a new text formatter
func NewTextFormatter() *TextFormatter {
	return &TextFormatter{}
}

func (f *TextFormatter) Format(result *differ.DiffResult) ([]byte, error) {
	header := strings.Join([]string{
		titleStyle.Render(result.Model),
		fmt.Sprintf("mode=%s  dialect=%s", result.Mode, result.Dialect),
		fmt.Sprintf("base=%s  head=%s", sideLabel(result.Base), sideLabel(result.Head)),
		fmt.Sprintf("keys=%s", keysLabel(result.Keys)),
		fmt.Sprintf("workspace=%s", result.Workspace),
		fmt.Sprintf("tables: %s / %s", result.Base.Snapshot, result.Head.Snapshot),
	}, "\n")
	if result.Where != "" {
		header += "\nwhere=" + result.Where
	}

	sections := []string{panelStyle.Render(header)}

	sections = append(sections, section("Summary", newTable([]string{"Metric", "Value"},
		[]string{"Base rowcount", fmt.Sprintf("%d", result.RowCounts.Base)},
		[]string{"Head rowcount", fmt.Sprintf("%d", result.RowCounts.Head)},
		[]string{"Delta", fmt.Sprintf("%+d", result.RowCounts.Delta)},
	)))

	if sd := result.SchemaDiff; sd.HasChanges() {
		var lines []string
		if len(sd.AddedColumns) > 0 {
			lines = append(lines, warnStyle.Render("Columns only in HEAD: ")+strings.Join(sd.AddedColumns, ", "))
		}
		if len(sd.RemovedColumns) > 0 {
			lines = append(lines, warnStyle.Render("Columns only in BASE: ")+strings.Join(sd.RemovedColumns, ", "))
		}
		sections = append(sections, strings.Join(lines, "\n"))
	} else {
		sections = append(sections, okStyle.Render("✅ Columns match"))
	}

	if len(result.ColumnProfiles) > 0 {
		rows := make([][]string, 0, len(result.ColumnProfiles))
		for _, p := range result.ColumnProfiles {
			rows = append(rows, profileCells(p))
		}
		title := fmt.Sprintf("Column profile (%d columns)", len(result.ColumnProfiles))
		sections = append(sections, section(title, newTable(profileHeaders, rows...)))
	}

	if rd := result.RowDiff; rd.Status == differ.StatusComputed {
		sections = append(sections, section("Row-level diff", newTable([]string{"Metric", "Value"},
			[]string{"Added rows", fmt.Sprintf("%d", rd.Added)},
			[]string{"Removed rows", fmt.Sprintf("%d", rd.Removed)},
			[]string{"Changed rows", fmt.Sprintf("%d", rd.Changed)},
		)))
		if len(rd.SampleKeys) > 0 {
			title := fmt.Sprintf("Sample changed keys (limit %d)", len(rd.SampleKeys))
			sections = append(sections, section(title, newTable(rd.Keys, rd.SampleKeys...)))
		}
	} else {
		sections = append(sections, warnStyle.Render("⚠️  Row-level diff skipped (no keys)"))
	}

	for _, w := range result.Warnings {
		sections = append(sections, warnStyle.Render("⚠️  "+w.String()))
	}

	return []byte(lipgloss.JoinVertical(lipgloss.Left, sections...) + "\n"), nil
}

func (f *TextFormatter) Extension() string {
	return ".txt"
}

func (f *TextFormatter) MIMEType() string {
	return "text/plain"
}

func section(title, body string) string {
	return sectionStyle.Render(title) + "\n" + body
}

func newTable(headers []string, rows ...[]string) string {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...).
		Render()
}
