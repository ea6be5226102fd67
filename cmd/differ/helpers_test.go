package differ

import (
	"database/sql/driver"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/airframesio/model-diff/cmd/warehouse"
)

var errBoom = errors.New("boom")

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	t    *testing.T
	mock sqlmock.Sqlmock
	conn *warehouse.Conn
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &fixture{t: t, mock: mock, conn: warehouse.NewConn(db, warehouse.NewPostgres())}
}

func (f *fixture) verify() {
	f.t.Helper()
	if err := f.mock.ExpectationsWereMet(); err != nil {
		f.t.Fatalf("unmet sql expectations: %v", err)
	}
}

func (f *fixture) expectEnsureSchema(schema string) {
	f.mock.ExpectExec(regexp.QuoteMeta(`CREATE SCHEMA IF NOT EXISTS "` + schema + `"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func (f *fixture) expectDropSchema(schema string, err error) {
	e := f.mock.ExpectExec(regexp.QuoteMeta(`DROP SCHEMA IF EXISTS "` + schema + `" CASCADE`))
	if err != nil {
		e.WillReturnError(err)
		return
	}
	e.WillReturnResult(sqlmock.NewResult(0, 0))
}

func (f *fixture) expectExists(rel warehouse.RelationRef, exists bool) {
	f.mock.ExpectQuery(regexp.QuoteMeta("FROM pg_class c")).
		WithArgs(rel.Schema, rel.Name).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(exists))
}

func (f *fixture) expectSnapshot(source, target warehouse.RelationRef) {
	f.expectExists(source, true)
	f.expectExists(target, false)
	f.mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE " + quoted(target) + " AS SELECT * FROM " + quoted(source))).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func (f *fixture) expectRowCount(rel warehouse.RelationRef, count int64) {
	f.mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM " + quoted(rel))).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(count))
}

func (f *fixture) expectColumns(rel warehouse.RelationRef, cols ...string) {
	rows := sqlmock.NewRows([]string{"column_name", "data_type"})
	for _, col := range cols {
		rows.AddRow(col, "text")
	}
	f.mock.ExpectQuery(regexp.QuoteMeta("FROM information_schema.columns")).
		WithArgs(rel.Schema, rel.Name).
		WillReturnRows(rows)
}

func (f *fixture) expectRowDiff(added, removed, changed int64) {
	f.mock.ExpectQuery(regexp.QuoteMeta("WITH b AS (")).
		WillReturnRows(sqlmock.NewRows([]string{"added", "removed", "changed"}).AddRow(added, removed, changed))
}

// expectProfile answers a profile query with no NULLs and total distinct values per column
func (f *fixture) expectProfile(rel warehouse.RelationRef, total int64, cols ...string) {
	names := []string{"count"}
	values := []driver.Value{total}
	for _, col := range cols {
		names = append(names, col+"_nulls", col+"_distinct")
		values = append(values, int64(0), total)
	}
	f.mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*), COUNT(*) - COUNT(") + ".*" + regexp.QuoteMeta(" FROM "+quoted(rel))).
		WillReturnRows(sqlmock.NewRows(names).AddRow(values...))
}

func quoted(rel warehouse.RelationRef) string {
	return warehouse.NewPostgres().QualifiedName(rel)
}
