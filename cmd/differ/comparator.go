package differ

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/airframesio/model-diff/cmd/warehouse"
	"golang.org/x/sync/errgroup"
)

// Pass names as they appear in errors and logs
const (
	PassRowCount      = "row_count"
	PassRowDiff       = "row_diff"
	PassSchemaDiff    = "schema_diff"
	PassColumnProfile = "column_profile"
)

// ErrKeyColumnMissing is returned when a key column does not exist on a snapshot
var ErrKeyColumnMissing = errors.New("key column missing")

// CompareOptions configures the comparison passes
type CompareOptions struct {
	Keys        KeySpec
	SampleSize  int  // changed keys to sample, 0 disables sampling
	SkipProfile bool // skip the column_profile pass
	Parallelism int  // passes run at once, <= 1 runs them in order
}

// Comparison collects the outcome of every pass. It is only turned into a DiffResult when Err
// returns nil.
type Comparison struct {
	RowCounts      RowCounts
	RowDiff        RowDiffResult
	SchemaDiff     SchemaDiff
	ProfileStatus  PassStatus
	ColumnProfiles []ColumnProfile
	BaseColumns    []warehouse.Column
	HeadColumns    []warehouse.Column
	Errors         []*ComparisonError
}

// Err joins the errors of all failed passes
func (c *Comparison) Err() error {
	if len(c.Errors) == 0 {
		return nil
	}
	errs := make([]error, len(c.Errors))
	for i, err := range c.Errors {
		errs[i] = err
	}
	return errors.Join(errs...)
}

// Comparator runs the comparison passes against two snapshots
type Comparator struct {
	conn   *warehouse.Conn
	logger *slog.Logger
	opts   CompareOptions
}

// NewComparator creates a comparator
func NewComparator(conn *warehouse.Conn, logger *slog.Logger, opts CompareOptions) *Comparator {
	return &Comparator{conn: conn, logger: logger, opts: opts}
}

// lazySchema loads a relation's columns once and shares them between passes
type lazySchema struct {
	once sync.Once
	load func() (warehouse.SchemaInfo, error)
	info warehouse.SchemaInfo
	err  error
}

func (l *lazySchema) get() (warehouse.SchemaInfo, error) {
	l.once.Do(func() {
		l.info, l.err = l.load()
	})
	return l.info, l.err
}

// comparePass is one unit of work; each pass writes only its own fields of the Comparison
type comparePass struct {
	name string
	run  func(ctx context.Context) error
}

// Compare runs every pass. A failing pass does not stop the others; all failures are recorded
// on the returned Comparison.
func (c *Comparator) Compare(ctx context.Context, base, head warehouse.RelationRef) *Comparison {
	out := &Comparison{
		RowDiff:       RowDiffResult{Status: StatusSkipped},
		ProfileStatus: StatusSkipped,
	}

	baseSchema := &lazySchema{load: func() (warehouse.SchemaInfo, error) {
		return c.conn.Adapter.ListColumns(ctx, c.conn.DB, base)
	}}
	headSchema := &lazySchema{load: func() (warehouse.SchemaInfo, error) {
		return c.conn.Adapter.ListColumns(ctx, c.conn.DB, head)
	}}

	passes := []comparePass{
		{name: PassRowCount, run: func(ctx context.Context) error {
			return c.rowCount(ctx, base, head, out)
		}},
		{name: PassRowDiff, run: func(ctx context.Context) error {
			return c.rowDiff(ctx, base, head, baseSchema, headSchema, out)
		}},
		{name: PassSchemaDiff, run: func(_ context.Context) error {
			return c.schemaDiff(baseSchema, headSchema, out)
		}},
		{name: PassColumnProfile, run: func(ctx context.Context) error {
			return c.columnProfile(ctx, base, head, baseSchema, headSchema, out)
		}},
	}

	limit := c.opts.Parallelism
	if limit < 1 {
		limit = 1
	}

	failures := make([]*ComparisonError, len(passes))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, p := range passes {
		i, p := i, p
		g.Go(func() error {
			c.logger.Debug(fmt.Sprintf("Running %s pass", p.name))
			if err := p.run(ctx); err != nil {
				c.logger.Debug(fmt.Sprintf("  ❌ %s pass failed: %v", p.name, err))
				failures[i] = &ComparisonError{Pass: p.name, Err: err}
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, f := range failures {
		if f != nil {
			out.Errors = append(out.Errors, f)
		}
	}
	return out
}

func (c *Comparator) rowCount(ctx context.Context, base, head warehouse.RelationRef, out *Comparison) error {
	baseCount, err := c.conn.Adapter.RowCount(ctx, c.conn.DB, base)
	if err != nil {
		return err
	}
	headCount, err := c.conn.Adapter.RowCount(ctx, c.conn.DB, head)
	if err != nil {
		return err
	}
	out.RowCounts = RowCounts{Base: baseCount, Head: headCount, Delta: headCount - baseCount}
	return nil
}

func (c *Comparator) schemaDiff(baseSchema, headSchema *lazySchema, out *Comparison) error {
	baseInfo, err := baseSchema.get()
	if err != nil {
		return err
	}
	headInfo, err := headSchema.get()
	if err != nil {
		return err
	}
	out.SchemaDiff = DiffSchemas(baseInfo, headInfo)
	out.BaseColumns = baseInfo.Columns
	out.HeadColumns = headInfo.Columns
	return nil
}

func (c *Comparator) rowDiff(ctx context.Context, base, head warehouse.RelationRef, baseSchema, headSchema *lazySchema, out *Comparison) error {
	if len(c.opts.Keys) == 0 {
		return nil
	}

	baseInfo, err := baseSchema.get()
	if err != nil {
		return err
	}
	headInfo, err := headSchema.get()
	if err != nil {
		return err
	}

	for _, key := range c.opts.Keys {
		if _, ok := baseInfo.Lookup(key); !ok {
			return fmt.Errorf("%w: %q not in %s snapshot %s", ErrKeyColumnMissing, key, SideBase, base)
		}
		if _, ok := headInfo.Lookup(key); !ok {
			return fmt.Errorf("%w: %q not in %s snapshot %s", ErrKeyColumnMissing, key, SideHead, head)
		}
	}

	baseCols, headCols := hashColumns(baseInfo, headInfo, c.opts.Keys)
	cte := rowDiffCTE(c.conn.Adapter,
		rowDiffSide{rel: base, keys: keyColumns(baseInfo, c.opts.Keys), cols: baseCols},
		rowDiffSide{rel: head, keys: keyColumns(headInfo, c.opts.Keys), cols: headCols},
		c.opts.Keys)

	query := cte + fmt.Sprintf(`
SELECT
	(SELECT COUNT(*) FROM h LEFT JOIN b ON %[1]s WHERE b.dup_rank IS NULL),
	(SELECT COUNT(*) FROM b LEFT JOIN h ON %[1]s WHERE h.dup_rank IS NULL),
	(SELECT COUNT(*) FROM b JOIN h ON %[1]s WHERE b.row_hash <> h.row_hash)`, rowMatch)

	result := RowDiffResult{Status: StatusComputed, Keys: append([]string(nil), c.opts.Keys...)}
	if err := c.conn.DB.QueryRowContext(ctx, query).Scan(&result.Added, &result.Removed, &result.Changed); err != nil {
		return fmt.Errorf("failed to compute row diff: %w", err)
	}

	if c.opts.SampleSize > 0 && result.Changed > 0 {
		samples, err := c.sampleChangedKeys(ctx, cte)
		if err != nil {
			return err
		}
		result.SampleKeys = samples
	}

	out.RowDiff = result
	return nil
}

// hashColumns returns the non-key columns present on both sides, in head order, each typed as
// declared on its own side
func hashColumns(baseInfo, headInfo warehouse.SchemaInfo, keys KeySpec) (baseCols, headCols []warehouse.Column) {
	for _, col := range headInfo.Columns {
		if keys.Contains(col.Name) {
			continue
		}
		baseCol, ok := baseInfo.Lookup(col.Name)
		if !ok {
			continue
		}
		baseCols = append(baseCols, baseCol)
		headCols = append(headCols, col)
	}
	return baseCols, headCols
}

// keyColumns returns the key columns as declared on one side
func keyColumns(info warehouse.SchemaInfo, keys KeySpec) []warehouse.Column {
	cols := make([]warehouse.Column, 0, len(keys))
	for _, key := range keys {
		col, _ := info.Lookup(key)
		cols = append(cols, col)
	}
	return cols
}

// rowMatch pairs rows on a plain equality so the join can hash or merge. key_hash is NULL-safe,
// so rows whose keys are both NULL still pair up.
const rowMatch = "b.key_hash = h.key_hash AND b.dup_rank = h.dup_rank"

type rowDiffSide struct {
	rel  warehouse.RelationRef
	keys []warehouse.Column
	cols []warehouse.Column
}

// rowDiffCTE digests each row's key and content, then ranks rows within each key by content
// hash so duplicate keys pair up deterministically on (key_hash, dup_rank)
func rowDiffCTE(a warehouse.Adapter, base, head rowDiffSide, keys KeySpec) string {
	selected := make([]string, len(keys))
	for i, key := range keys {
		selected[i] = "src." + a.QuoteIdentifier(key)
	}

	side := func(s rowDiffSide) string {
		return fmt.Sprintf(`SELECT ranked.*, ROW_NUMBER() OVER (PARTITION BY ranked.key_hash ORDER BY ranked.row_hash) AS dup_rank
	FROM (SELECT %s, %s AS key_hash, %s AS row_hash FROM %s AS src) AS ranked`,
			strings.Join(selected, ", "), a.RowHashExpression("src", s.keys), a.RowHashExpression("src", s.cols),
			a.QualifiedName(s.rel))
	}

	return fmt.Sprintf("WITH b AS (\n\t%s\n), h AS (\n\t%s\n)", side(base), side(head))
}

func (c *Comparator) sampleChangedKeys(ctx context.Context, cte string) ([][]string, error) {
	keys := c.opts.Keys
	cols := make([]string, len(keys))
	for i, key := range keys {
		cols[i] = "b." + c.conn.Adapter.QuoteIdentifier(key)
	}

	query := cte + fmt.Sprintf("\nSELECT %s FROM b JOIN h ON %s WHERE b.row_hash <> h.row_hash ORDER BY %s LIMIT %d",
		strings.Join(cols, ", "), rowMatch, strings.Join(cols, ", "), c.opts.SampleSize)

	rows, err := c.conn.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to sample changed keys: %w", err)
	}
	defer rows.Close()

	samples := make([][]string, 0, c.opts.SampleSize)
	for rows.Next() {
		values := make([]sql.NullString, len(keys))
		dest := make([]interface{}, len(keys))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan sampled key: %w", err)
		}

		sample := make([]string, len(keys))
		for i, v := range values {
			if v.Valid {
				sample[i] = v.String
			} else {
				sample[i] = "NULL"
			}
		}
		samples = append(samples, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sampled keys: %w", err)
	}
	return samples, nil
}

func (c *Comparator) columnProfile(ctx context.Context, base, head warehouse.RelationRef, baseSchema, headSchema *lazySchema, out *Comparison) error {
	if c.opts.SkipProfile {
		return nil
	}

	baseInfo, err := baseSchema.get()
	if err != nil {
		return err
	}
	headInfo, err := headSchema.get()
	if err != nil {
		return err
	}

	baseStats, err := c.conn.Adapter.ProfileColumns(ctx, c.conn.DB, base, baseInfo.Columns)
	if err != nil {
		return err
	}
	headStats, err := c.conn.Adapter.ProfileColumns(ctx, c.conn.DB, head, headInfo.Columns)
	if err != nil {
		return err
	}

	profiles := make([]ColumnProfile, 0, len(headInfo.Columns))
	for _, col := range headInfo.Columns {
		hs := headStats[col.Name]
		profile := ColumnProfile{Column: col.Name, Head: &hs, Partial: true}
		if bs, ok := baseStats[col.Name]; ok {
			profile.Base = &bs
			profile.Partial = false
		}
		profiles = append(profiles, profile)
	}
	for _, col := range baseInfo.Columns {
		if _, ok := headInfo.Lookup(col.Name); ok {
			continue
		}
		bs := baseStats[col.Name]
		profiles = append(profiles, ColumnProfile{Column: col.Name, Base: &bs, Partial: true})
	}

	out.ProfileStatus = StatusComputed
	out.ColumnProfiles = profiles
	return nil
}
