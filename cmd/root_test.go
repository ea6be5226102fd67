package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{name: "success", err: nil, expected: ExitOK},
		{name: "differences", err: fmt.Errorf("%w in orders", ErrDifferencesFound), expected: ExitDifferences},
		{name: "cancelled", err: fmt.Errorf("snapshotting head: %w", context.Canceled), expected: ExitCancelled},
		{name: "failure", err: errors.New("boom"), expected: ExitError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.expected {
				t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.expected)
			}
		})
	}
}

func TestConfigKey(t *testing.T) {
	tests := map[string]string{
		"db-host":              "db.host",
		"db-statement-timeout": "db.statement_timeout",
		"s3-access-key":        "s3.access_key",
		"keep-workspace":       "keep_workspace",
		"sample":               "sample",
	}
	for flag, expected := range tests {
		if got := configKey(flag); got != expected {
			t.Errorf("configKey(%s) = %s, want %s", flag, got, expected)
		}
	}
}

func TestNewLogger(t *testing.T) {
	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer
		l := newLogger(&buf, false, "text")
		l.Debug("hidden")
		l.Info("✅ Connected", "ignored", 1)

		out := buf.String()
		if strings.Contains(out, "hidden") {
			t.Errorf("debug output should be filtered: %s", out)
		}
		if !strings.Contains(out, "INFO ✅ Connected") || strings.Contains(out, "ignored=") {
			t.Errorf("unexpected text output: %s", out)
		}
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		newLogger(&buf, true, "json").Debug("snapshot")

		var record map[string]any
		if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
			t.Fatalf("invalid JSON log line: %v", err)
		}
		if record["msg"] != "snapshot" || record["level"] != "DEBUG" {
			t.Errorf("unexpected record: %v", record)
		}
	})

	t.Run("progress sink", func(t *testing.T) {
		var buf bytes.Buffer
		l := newLogger(&buf, false, "text")

		var captured []string
		sink := func(line string) { captured = append(captured, line) }
		logSink.Store(&sink)
		defer logSink.Store(nil)

		l.Info("building head")
		if buf.Len() != 0 {
			t.Errorf("log line should be diverted, got %q", buf.String())
		}
		if len(captured) != 1 || captured[0] != "building head" {
			t.Errorf("unexpected captured lines: %v", captured)
		}
	})
}
