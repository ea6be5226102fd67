package cmd

import (
	"path/filepath"
	"strings"
	"time"
)

// PathTemplate renders report file paths from templates
type PathTemplate struct {
	template string
}

// NewPathTemplate creates a new PathTemplate instance
func NewPathTemplate(template string) *PathTemplate {
	return &PathTemplate{template: template}
}

// Generate replaces placeholders in the template with actual values
// Supports: {model}, {run_id}, {YYYY}, {MM}, {DD}, {HH}
func (pt *PathTemplate) Generate(model, runID string, timestamp time.Time) string {
	result := pt.template

	result = strings.ReplaceAll(result, "{model}", model)
	result = strings.ReplaceAll(result, "{run_id}", runID)

	// Replace date/time placeholders
	result = strings.ReplaceAll(result, "{YYYY}", timestamp.Format("2006"))
	result = strings.ReplaceAll(result, "{MM}", timestamp.Format("01"))
	result = strings.ReplaceAll(result, "{DD}", timestamp.Format("02"))
	result = strings.ReplaceAll(result, "{HH}", timestamp.Format("15"))

	return result
}

// GenerateFilename renders the report path and appends the format and compression extensions
// unless the rendered path already ends with them
func GenerateFilename(template, model, runID string, timestamp time.Time, formatExt, compressionExt string) string {
	filename := NewPathTemplate(template).Generate(model, runID, timestamp)

	if compressionExt != "" && strings.HasSuffix(filename, compressionExt) {
		return filename
	}
	if filepath.Ext(filename) != formatExt {
		filename += formatExt
	}

	// Add compression extension if not "none"
	if compressionExt != "" {
		filename += compressionExt
	}

	return filename
}
