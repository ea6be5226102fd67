package cmd

import (
	"testing"
	"time"
)

func TestPathTemplate(t *testing.T) {
	ts := time.Date(2024, 3, 7, 9, 30, 0, 0, time.UTC)

	tests := []struct {
		name     string
		template string
		expected string
	}{
		{
			name:     "model and run id",
			template: "reports/{model}-{run_id}",
			expected: "reports/orders-abc123",
		},
		{
			name:     "date placeholders",
			template: "reports/{YYYY}/{MM}/{DD}/{HH}/{model}",
			expected: "reports/2024/03/07/09/orders",
		},
		{
			name:     "no placeholders",
			template: "report",
			expected: "report",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := NewPathTemplate(tt.template).Generate("orders", "abc123", ts)
			if result != tt.expected {
				t.Errorf("Generate() = %s, want %s", result, tt.expected)
			}
		})
	}
}

func TestGenerateFilename(t *testing.T) {
	ts := time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name           string
		template       string
		formatExt      string
		compressionExt string
		expected       string
	}{
		{
			name:      "appends format extension",
			template:  "{model}-{YYYY}{MM}{DD}",
			formatExt: ".md",
			expected:  "orders-20240307.md",
		},
		{
			name:      "keeps existing format extension",
			template:  "diff.md",
			formatExt: ".md",
			expected:  "diff.md",
		},
		{
			name:           "appends compression extension",
			template:       "diff.json",
			formatExt:      ".json",
			compressionExt: ".zst",
			expected:       "diff.json.zst",
		},
		{
			name:           "keeps full extension",
			template:       "diff.json.gz",
			formatExt:      ".json",
			compressionExt: ".gz",
			expected:       "diff.json.gz",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := GenerateFilename(tt.template, "orders", "abc123", ts, tt.formatExt, tt.compressionExt)
			if result != tt.expected {
				t.Errorf("GenerateFilename() = %s, want %s", result, tt.expected)
			}
		})
	}
}
