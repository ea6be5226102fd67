package warehouse

import (
	"context"
	"fmt"
	"strings"
)

// svv_columns covers local, late-binding and external relations, unlike information_schema
const redshiftColumnsSQL = `
	SELECT column_name, data_type
	FROM svv_columns
	WHERE table_schema = $1 AND table_name = $2
	ORDER BY ordinal_position
`

// Redshift reuses the Postgres dialect, substituting column introspection, the row hash
// function and column profiling.
type Redshift struct {
	*Postgres
}

// NewRedshift creates an Amazon Redshift adapter
func NewRedshift() *Redshift {
	return &Redshift{Postgres: NewPostgres()}
}

func (r *Redshift) Name() string {
	return DialectRedshift
}

func (r *Redshift) ListColumns(ctx context.Context, q Querier, rel RelationRef) (SchemaInfo, error) {
	return listColumns(ctx, q, rel, redshiftColumnsSQL)
}

// RowHashExpression uses sha2 over varchar renderings of the columns
func (r *Redshift) RowHashExpression(alias string, columns []Column) string {
	if len(columns) == 0 {
		return "sha2('', 256)"
	}

	parts := make([]string, len(columns))
	for i, col := range columns {
		parts[i] = hashComponent(r.varcharValue(r.columnRef(alias, col.Name), col), "varchar")
	}
	return "sha2(" + strings.Join(parts, " || '|' || ") + ", 256)"
}

// varcharValue renders a column as varchar. Redshift cannot cast boolean or SUPER to varchar,
// so booleans are spelled out through CASE and SUPER values are serialized.
func (r *Redshift) varcharValue(ref string, col Column) string {
	switch strings.ToLower(strings.TrimSpace(col.DataType)) {
	case "boolean":
		return fmt.Sprintf("(CASE WHEN %s IS NULL THEN NULL WHEN %s THEN 'true' ELSE 'false' END)", ref, ref)
	case "super":
		return fmt.Sprintf("json_serialize(%s)", ref)
	default:
		return ref + "::varchar"
	}
}

func (r *Redshift) ProfileColumns(ctx context.Context, q Querier, rel RelationRef, columns []Column) (map[string]ColumnStats, error) {
	return profileColumns(ctx, q, r, rel, columns, r.distinctOperand)
}

func (r *Redshift) ProfileColumn(ctx context.Context, q Querier, rel RelationRef, column Column) (ColumnStats, error) {
	return profileColumn(ctx, q, r, rel, column)
}

// distinctOperand serializes SUPER values, which DISTINCT cannot compare
func (r *Redshift) distinctOperand(ref string, col Column) string {
	if strings.EqualFold(strings.TrimSpace(col.DataType), "super") {
		return r.varcharValue(ref, col)
	}
	return ref
}
