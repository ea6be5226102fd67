package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// relationExistsSQL matches tables, views, materialized views, partitioned and foreign tables
const relationExistsSQL = `
	SELECT EXISTS (
		SELECT 1
		FROM pg_class c
			JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1
			AND c.relname = $2
			AND c.relkind IN ('r', 'v', 'm', 'p', 'f')
	)
`

const postgresColumnsSQL = `
	SELECT column_name, data_type
	FROM information_schema.columns
	WHERE table_schema = $1 AND table_name = $2
	ORDER BY ordinal_position
`

// nullHashToken stands in for a NULL column value inside a row hash. Non-null components are
// length-prefixed, so no real value can render to it.
const nullHashToken = "'N'"

// Postgres implements Adapter for PostgreSQL and is the base for Postgres-family dialects
type Postgres struct{}

// NewPostgres creates a PostgreSQL adapter
func NewPostgres() *Postgres {
	return &Postgres{}
}

func (p *Postgres) Name() string {
	return DialectPostgres
}

func (p *Postgres) QuoteIdentifier(name string) string {
	if isQuotedIdentifier(name) {
		return name
	}
	return pq.QuoteIdentifier(name)
}

// isQuotedIdentifier reports whether name is already a well-formed double-quoted identifier
func isQuotedIdentifier(name string) bool {
	if len(name) < 2 || name[0] != '"' || name[len(name)-1] != '"' {
		return false
	}
	inner := name[1 : len(name)-1]
	return !strings.Contains(strings.ReplaceAll(inner, `""`, ""), `"`)
}

func (p *Postgres) QualifiedName(rel RelationRef) string {
	return p.QuoteIdentifier(rel.Schema) + "." + p.QuoteIdentifier(rel.Name)
}

func (p *Postgres) columnRef(alias, column string) string {
	if alias == "" {
		return p.QuoteIdentifier(column)
	}
	return alias + "." + p.QuoteIdentifier(column)
}

func (p *Postgres) EnsureSchema(ctx context.Context, q Querier, schema string) error {
	if _, err := q.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", p.QuoteIdentifier(schema))); err != nil {
		return fmt.Errorf("failed to create schema %s: %w", schema, err)
	}
	return nil
}

func (p *Postgres) DropSchema(ctx context.Context, q Querier, schema string) error {
	if _, err := q.ExecContext(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", p.QuoteIdentifier(schema))); err != nil {
		return fmt.Errorf("failed to drop schema %s: %w", schema, err)
	}
	return nil
}

func (p *Postgres) RelationExists(ctx context.Context, q Querier, rel RelationRef) (bool, error) {
	var exists bool
	if err := q.QueryRowContext(ctx, relationExistsSQL, rel.Schema, rel.Name).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to look up relation %s: %w", rel, err)
	}
	return exists, nil
}

// Snapshot runs CREATE TABLE ... AS SELECT. The existence checks give a precise error for the
// two expected failures; the CREATE itself would also fail on a colliding target.
func (p *Postgres) Snapshot(ctx context.Context, q Querier, source, target RelationRef, where string) error {
	exists, err := p.RelationExists(ctx, q, source)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: source %s", ErrRelationNotFound, p.QualifiedName(source))
	}

	exists, err = p.RelationExists(ctx, q, target)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: target %s", ErrRelationExists, p.QualifiedName(target))
	}

	query := fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s", p.QualifiedName(target), p.QualifiedName(source))
	if where = strings.TrimSpace(where); where != "" {
		query += " WHERE " + where
	}

	if _, err := q.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to copy %s into %s: %w", source, target, err)
	}
	return nil
}

func (p *Postgres) RowCount(ctx context.Context, q Querier, rel RelationRef) (int64, error) {
	var count int64
	if err := q.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", p.QualifiedName(rel))).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count rows in %s: %w", rel, err)
	}
	return count, nil
}

func (p *Postgres) ListColumns(ctx context.Context, q Querier, rel RelationRef) (SchemaInfo, error) {
	return listColumns(ctx, q, rel, postgresColumnsSQL)
}

func listColumns(ctx context.Context, q Querier, rel RelationRef, query string) (SchemaInfo, error) {
	rows, err := q.QueryContext(ctx, query, rel.Schema, rel.Name)
	if err != nil {
		return SchemaInfo{}, fmt.Errorf("failed to query columns of %s: %w", rel, err)
	}
	defer rows.Close()

	info := SchemaInfo{Relation: rel, Columns: make([]Column, 0)}
	for rows.Next() {
		var col Column
		if err := rows.Scan(&col.Name, &col.DataType); err != nil {
			return SchemaInfo{}, fmt.Errorf("failed to scan column info: %w", err)
		}
		info.Columns = append(info.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return SchemaInfo{}, fmt.Errorf("error iterating column rows: %w", err)
	}

	if len(info.Columns) == 0 {
		return SchemaInfo{}, fmt.Errorf("%w: %s has no visible columns", ErrRelationNotFound, rel)
	}
	return info, nil
}

func (p *Postgres) RowHashExpression(alias string, columns []Column) string {
	if len(columns) == 0 {
		return "md5('')"
	}

	parts := make([]string, len(columns))
	for i, col := range columns {
		parts[i] = hashComponent(p.columnRef(alias, col.Name)+"::text", "text")
	}
	return "md5(" + strings.Join(parts, " || '|' || ") + ")"
}

// hashComponent renders one column as length:value, or the NULL token
func hashComponent(value, textType string) string {
	return fmt.Sprintf("coalesce(length(%s)::%s || ':' || %s, %s)", value, textType, value, nullHashToken)
}

func (p *Postgres) ProfileColumns(ctx context.Context, q Querier, rel RelationRef, columns []Column) (map[string]ColumnStats, error) {
	return profileColumns(ctx, q, p, rel, columns, p.distinctOperand)
}

func (p *Postgres) ProfileColumn(ctx context.Context, q Querier, rel RelationRef, column Column) (ColumnStats, error) {
	return profileColumn(ctx, q, p, rel, column)
}

// noEqualityTypes have no default equality operator, so DISTINCT over them fails
var noEqualityTypes = map[string]bool{
	"json":    true,
	"xml":     true,
	"point":   true,
	"line":    true,
	"lseg":    true,
	"box":     true,
	"path":    true,
	"polygon": true,
	"circle":  true,
}

// distinctOperand counts distinct values of types without equality over their text form
func (p *Postgres) distinctOperand(ref string, col Column) string {
	if noEqualityTypes[strings.ToLower(strings.TrimSpace(col.DataType))] {
		return ref + "::text"
	}
	return ref
}

// profileColumns scans rel once, counting NULLs and distinct values per column. distinct renders
// the operand of COUNT(DISTINCT ...) for a quoted column.
func profileColumns(ctx context.Context, q Querier, a Adapter, rel RelationRef, columns []Column, distinct func(string, Column) string) (map[string]ColumnStats, error) {
	out := make(map[string]ColumnStats, len(columns))
	if len(columns) == 0 {
		return out, nil
	}

	parts := make([]string, 0, 1+2*len(columns))
	parts = append(parts, "COUNT(*)")
	for _, col := range columns {
		qc := a.QuoteIdentifier(col.Name)
		parts = append(parts,
			fmt.Sprintf("COUNT(*) - COUNT(%s)", qc),
			fmt.Sprintf("COUNT(DISTINCT %s)", distinct(qc, col)),
		)
	}
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(parts, ", "), a.QualifiedName(rel))

	var total int64
	counts := make([]sql.NullInt64, 2*len(columns))
	dest := make([]interface{}, 0, 1+len(counts))
	dest = append(dest, &total)
	for i := range counts {
		dest = append(dest, &counts[i])
	}

	if err := q.QueryRowContext(ctx, query).Scan(dest...); err != nil {
		return nil, fmt.Errorf("failed to profile columns of %s: %w", rel, err)
	}

	for i, col := range columns {
		out[col.Name] = NewColumnStats(total, counts[2*i].Int64, counts[2*i+1].Int64)
	}
	return out, nil
}

func profileColumn(ctx context.Context, q Querier, a Adapter, rel RelationRef, column Column) (ColumnStats, error) {
	stats, err := a.ProfileColumns(ctx, q, rel, []Column{column})
	if err != nil {
		return ColumnStats{}, err
	}
	s, ok := stats[column.Name]
	if !ok {
		return ColumnStats{}, errors.New("profile returned no result for column " + column.Name)
	}
	return s, nil
}
