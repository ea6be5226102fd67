package formatters

import (
	"encoding/json"
	"fmt"

	"github.com/airframesio/model-diff/cmd/differ"
)

// JSONFormatter renders the full result as indented JSON
type JSONFormatter struct{}

// NewJSONFormatter creates a new JSON formatter
func NewJSONFormatter() *JSONFormatter {
	return &JSONFormatter{}
}

func (f *JSONFormatter) Format(result *differ.DiffResult) ([]byte, error) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal diff result: %w", err)
	}
	return append(data, '\n'), nil
}

func (f *JSONFormatter) Extension() string {
	return ".json"
}

func (f *JSONFormatter) MIMEType() string {
	return "application/json"
}
