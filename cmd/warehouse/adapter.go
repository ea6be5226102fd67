package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Dialect names as they appear in dbt profiles
const (
	DialectPostgres = "postgres"
	DialectRedshift = "redshift"
)

var (
	// ErrUnsupportedDialect is returned when no adapter exists for a warehouse type
	ErrUnsupportedDialect = errors.New("unsupported warehouse type")
	// ErrRelationNotFound is returned when a relation does not exist in the warehouse
	ErrRelationNotFound = errors.New("relation not found")
	// ErrRelationExists is returned when a snapshot target already exists
	ErrRelationExists = errors.New("relation already exists")
)

// Querier is the subset of *sql.DB used by adapters. *sql.DB and *sql.Conn both satisfy it.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// RelationRef identifies a physical table or view by schema and name
type RelationRef struct {
	Schema string `json:"schema"`
	Name   string `json:"name"`
}

func (r RelationRef) String() string {
	return r.Schema + "." + r.Name
}

// IsZero reports whether the reference is missing either part
func (r RelationRef) IsZero() bool {
	return r.Schema == "" || r.Name == ""
}

// Column is a column name and its declared type
type Column struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
}

// SchemaInfo lists the columns of a relation in physical order
type SchemaInfo struct {
	Relation RelationRef `json:"relation"`
	Columns  []Column    `json:"columns"`
}

// Names returns the column names in physical order
func (s SchemaInfo) Names() []string {
	names := make([]string, len(s.Columns))
	for i, col := range s.Columns {
		names[i] = col.Name
	}
	return names
}

// Lookup returns the column with the given name
func (s SchemaInfo) Lookup(name string) (Column, bool) {
	for _, col := range s.Columns {
		if col.Name == name {
			return col, true
		}
	}
	return Column{}, false
}

// ColumnStats holds the profile of one column on one relation
type ColumnStats struct {
	Total           int64   `json:"total"`
	Nulls           int64   `json:"nulls"`
	Distinct        int64   `json:"distinct"`
	NullFraction    float64 `json:"null_fraction"`
	UniquenessRatio float64 `json:"uniqueness_ratio"`
}

// NewColumnStats derives the fractions from raw counts. An empty relation yields 0.0 for both.
func NewColumnStats(total, nulls, distinct int64) ColumnStats {
	stats := ColumnStats{Total: total, Nulls: nulls, Distinct: distinct}
	if total > 0 {
		stats.NullFraction = float64(nulls) / float64(total)
		stats.UniquenessRatio = float64(distinct) / float64(total)
	}
	return stats
}

// Adapter generates and executes dialect-specific SQL. One adapter is selected per run.
type Adapter interface {
	// Name returns the dialect name
	Name() string

	// QuoteIdentifier wraps an identifier per the dialect's escaping rules. Quoting an
	// already-quoted identifier returns it unchanged.
	QuoteIdentifier(name string) string

	// QualifiedName renders schema.name with both parts quoted
	QualifiedName(rel RelationRef) string

	EnsureSchema(ctx context.Context, q Querier, schema string) error
	DropSchema(ctx context.Context, q Querier, schema string) error
	RelationExists(ctx context.Context, q Querier, rel RelationRef) (bool, error)

	// Snapshot creates target as a copy of source, optionally filtered by a predicate
	Snapshot(ctx context.Context, q Querier, source, target RelationRef, where string) error

	RowCount(ctx context.Context, q Querier, rel RelationRef) (int64, error)

	// ListColumns introspects column names and declared types in physical order
	ListColumns(ctx context.Context, q Querier, rel RelationRef) (SchemaInfo, error)

	// RowHashExpression returns a SQL expression producing one deterministic digest per row
	// over the given columns of alias. It is order-sensitive and NULL-safe: NULL and the empty
	// string hash differently, and two NULLs hash alike.
	RowHashExpression(alias string, columns []Column) string

	// ProfileColumns computes null and distinct counts for columns in a single scan
	ProfileColumns(ctx context.Context, q Querier, rel RelationRef, columns []Column) (map[string]ColumnStats, error)
	ProfileColumn(ctx context.Context, q Querier, rel RelationRef, column Column) (ColumnStats, error)
}

// GetAdapter returns the adapter for a warehouse type
func GetAdapter(dialect string) (Adapter, error) {
	switch strings.ToLower(strings.TrimSpace(dialect)) {
	case DialectPostgres:
		return NewPostgres(), nil
	case DialectRedshift:
		return NewRedshift(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDialect, dialect)
	}
}
