package formatters

import (
	"bytes"
	"encoding/csv"
	"fmt"

	"github.com/airframesio/model-diff/cmd/differ"
)

// CSVFormatter renders the column profile table as CSV
type CSVFormatter struct{}

// NewCSVFormatter creates a new CSV formatter
func NewCSVFormatter() *CSVFormatter {
	return &CSVFormatter{}
}

// Format writes one record per profiled column, plus a partial flag for columns that exist on
// one side only
func (f *CSVFormatter) Format(result *differ.DiffResult) ([]byte, error) {
	var buffer bytes.Buffer
	writer := csv.NewWriter(&buffer)

	header := append(append([]string{}, profileHeaders...), "Partial")
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, profile := range result.ColumnProfiles {
		record := append(profileCells(profile), fmt.Sprintf("%t", profile.Partial))
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write CSV record: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}

	return buffer.Bytes(), nil
}

func (f *CSVFormatter) Extension() string {
	return ".csv"
}

func (f *CSVFormatter) MIMEType() string {
	return "text/csv"
}
