package formatters

import (
	"errors"
	"fmt"
	"strings"

	"github.com/airframesio/model-diff/cmd/differ"
	"github.com/airframesio/model-diff/cmd/warehouse"
)

// Format type constants
const (
	FormatText     = "text"
	FormatJSON     = "json"
	FormatMarkdown = "markdown"
	FormatCSV      = "csv"
)

// ErrUnsupportedFormat is returned when an unknown report format is requested
var ErrUnsupportedFormat = errors.New("unsupported report format")

// Formatter renders a diff result
type Formatter interface {
	// Format renders the result in the target format
	Format(result *differ.DiffResult) ([]byte, error)

	// Extension returns the file extension for this format (e.g., ".txt", ".json", ".md")
	Extension() string

	// MIMEType returns the MIME type for this format
	MIMEType() string
}

// GetFormatter returns the formatter for a format name
func GetFormatter(format string) (Formatter, error) {
	switch strings.ToLower(format) {
	case FormatText, "":
		return NewTextFormatter(), nil
	case FormatJSON:
		return NewJSONFormatter(), nil
	case FormatMarkdown, "md":
		return NewMarkdownFormatter(), nil
	case FormatCSV:
		return NewCSVFormatter(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// sideLabel shows the git ref a side was built from, or its source relation when there is none
func sideLabel(side differ.SideInfo) string {
	if side.Label != "" {
		return side.Label
	}
	return side.Source.String()
}

func keysLabel(keys []string) string {
	if len(keys) == 0 {
		return "(none)"
	}
	return strings.Join(keys, ", ")
}

// profileCells renders one column profile as the seven cells shared by every tabular format.
// A side the column does not exist on is shown as "-".
func profileCells(p differ.ColumnProfile) []string {
	pct := func(s *warehouse.ColumnStats, v func(*warehouse.ColumnStats) float64) string {
		if s == nil {
			return "-"
		}
		return fmt.Sprintf("%.1f", v(s)*100)
	}
	count := func(s *warehouse.ColumnStats) string {
		if s == nil {
			return "-"
		}
		return fmt.Sprintf("%d", s.Distinct)
	}
	nulls := func(s *warehouse.ColumnStats) float64 { return s.NullFraction }
	uniq := func(s *warehouse.ColumnStats) float64 { return s.UniquenessRatio }

	return []string{
		p.Column,
		pct(p.Base, nulls),
		pct(p.Head, nulls),
		count(p.Base),
		count(p.Head),
		pct(p.Base, uniq),
		pct(p.Head, uniq),
	}
}

var profileHeaders = []string{"Column", "Base null %", "Head null %", "Base distinct", "Head distinct", "Base uniq %", "Head uniq %"}
