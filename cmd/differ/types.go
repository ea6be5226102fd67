package differ

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/airframesio/model-diff/cmd/warehouse"
	"github.com/google/uuid"
)

// Side identifies one of the two compared relations
type Side string

const (
	SideBase Side = "base"
	SideHead Side = "head"
)

// PassStatus records whether an optional pass ran
type PassStatus string

const (
	StatusComputed PassStatus = "computed"
	StatusSkipped  PassStatus = "skipped"
)

// Mode describes which comparisons a run could perform
const (
	ModeFullDiff  = "FULL_DIFF"
	ModeStatsOnly = "STATS_ONLY"
)

// Postgres truncates identifiers beyond 63 bytes
const maxIdentifierLength = 63

const workspacePrefix = "model_diff__"

var nonIdentifierChars = regexp.MustCompile(`[^a-z0-9_]+`)

// ErrDuplicateKey is returned when a key column is listed more than once
var ErrDuplicateKey = errors.New("duplicate key column")

// KeySpec is the ordered set of columns identifying a row. An empty KeySpec disables the row diff.
type KeySpec []string

// Validate rejects blank and repeated key columns
func (k KeySpec) Validate() error {
	seen := make(map[string]bool, len(k))
	for _, col := range k {
		if strings.TrimSpace(col) == "" {
			return fmt.Errorf("%w: empty key column", ErrInvalidRequest)
		}
		if seen[col] {
			return fmt.Errorf("%w: %s", ErrDuplicateKey, col)
		}
		seen[col] = true
	}
	return nil
}

// Contains reports whether col is a key column
func (k KeySpec) Contains(col string) bool {
	for _, key := range k {
		if key == col {
			return true
		}
	}
	return false
}

// NewRunID returns a short random identifier used to namespace one run's workspace
func NewRunID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// SanitizeIdentifier lowercases s and replaces everything outside [a-z0-9_] with underscores
func SanitizeIdentifier(s string) string {
	s = nonIdentifierChars.ReplaceAllString(strings.ToLower(s), "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return "model"
	}
	return s
}

// Workspace is the schema holding the two snapshots of one run
type Workspace struct {
	Schema string
	Model  string
	RunID  string
}

// NewWorkspace derives the workspace for model and runID. The run id is always kept whole so
// two runs never share a schema, the model part is truncated to fit.
func NewWorkspace(model, runID string) Workspace {
	name := SanitizeIdentifier(model)
	id := SanitizeIdentifier(runID)

	room := maxIdentifierLength - len(workspacePrefix) - len(id) - 1
	if room < 1 {
		room = 1
	}
	prefix := name
	if len(prefix) > room {
		prefix = prefix[:room]
	}

	return Workspace{
		Schema: workspacePrefix + prefix + "_" + id,
		Model:  name,
		RunID:  runID,
	}
}

// Relation returns the snapshot relation for side, <model>__<side>
func (w Workspace) Relation(side Side) warehouse.RelationRef {
	suffix := "__" + string(side)
	name := w.Model
	if room := maxIdentifierLength - len(suffix); len(name) > room {
		name = name[:room]
	}
	return warehouse.RelationRef{Schema: w.Schema, Name: name + suffix}
}

// RowCounts holds count(*) per side
type RowCounts struct {
	Base  int64 `json:"base"`
	Head  int64 `json:"head"`
	Delta int64 `json:"delta"`
}

// RowDiffResult holds the key-based comparison. Counts are zero when Status is skipped.
type RowDiffResult struct {
	Status     PassStatus `json:"status"`
	Keys       []string   `json:"keys,omitempty"`
	Added      int64      `json:"added"`
	Removed    int64      `json:"removed"`
	Changed    int64      `json:"changed"`
	SampleKeys [][]string `json:"sample_keys,omitempty"`
}

// HasChanges reports whether any row was added, removed or changed
func (r RowDiffResult) HasChanges() bool {
	return r.Added > 0 || r.Removed > 0 || r.Changed > 0
}

// SchemaDiff compares column names, head relative
type SchemaDiff struct {
	AddedColumns   []string `json:"added_columns"`
	RemovedColumns []string `json:"removed_columns"`
	CommonColumns  []string `json:"common_columns"`
}

// HasChanges reports whether a column was added or removed
func (s SchemaDiff) HasChanges() bool {
	return len(s.AddedColumns) > 0 || len(s.RemovedColumns) > 0
}

// DiffSchemas computes the name-set difference of two schemas. Added and common columns keep
// head order, removed columns keep base order. Types of shared columns are not compared.
func DiffSchemas(base, head warehouse.SchemaInfo) SchemaDiff {
	inBase := make(map[string]bool, len(base.Columns))
	for _, col := range base.Columns {
		inBase[col.Name] = true
	}
	inHead := make(map[string]bool, len(head.Columns))
	for _, col := range head.Columns {
		inHead[col.Name] = true
	}

	diff := SchemaDiff{
		AddedColumns:   make([]string, 0),
		RemovedColumns: make([]string, 0),
		CommonColumns:  make([]string, 0),
	}
	for _, col := range head.Columns {
		if inBase[col.Name] {
			diff.CommonColumns = append(diff.CommonColumns, col.Name)
		} else {
			diff.AddedColumns = append(diff.AddedColumns, col.Name)
		}
	}
	for _, col := range base.Columns {
		if !inHead[col.Name] {
			diff.RemovedColumns = append(diff.RemovedColumns, col.Name)
		}
	}
	return diff
}

// ColumnProfile holds the statistics of one column on each side it exists on. Partial is set
// when the column only exists on one side; the other side's stats are nil.
type ColumnProfile struct {
	Column  string                 `json:"column"`
	Base    *warehouse.ColumnStats `json:"base,omitempty"`
	Head    *warehouse.ColumnStats `json:"head,omitempty"`
	Partial bool                   `json:"partial"`
}

// SideInfo describes one side of a run
type SideInfo struct {
	Label    string                `json:"label,omitempty"`
	Source   warehouse.RelationRef `json:"source"`
	Snapshot warehouse.RelationRef `json:"snapshot"`
	Columns  []warehouse.Column    `json:"columns"`
}

// DiffResult is the complete outcome of one successful run. It is built only after both
// snapshots exist and every pass succeeded, and is not modified afterwards.
type DiffResult struct {
	Model          string           `json:"model"`
	RunID          string           `json:"run_id"`
	Dialect        string           `json:"dialect"`
	Workspace      string           `json:"workspace"`
	Mode           string           `json:"mode"`
	Keys           []string         `json:"keys"`
	Where          string           `json:"where,omitempty"`
	Base           SideInfo         `json:"base"`
	Head           SideInfo         `json:"head"`
	RowCounts      RowCounts        `json:"row_counts"`
	RowDiff        RowDiffResult    `json:"row_diff"`
	SchemaDiff     SchemaDiff       `json:"schema_diff"`
	ProfileStatus  PassStatus       `json:"profile_status"`
	ColumnProfiles []ColumnProfile  `json:"column_profiles"`
	Warnings       []CleanupWarning `json:"warnings,omitempty"`
	StartedAt      time.Time        `json:"started_at"`
	Duration       time.Duration    `json:"duration_ns"`
}

// HasDifferences reports whether the two sides differ in row count, rows or columns
func (r *DiffResult) HasDifferences() bool {
	return r.RowCounts.Delta != 0 || r.RowDiff.HasChanges() || r.SchemaDiff.HasChanges()
}
