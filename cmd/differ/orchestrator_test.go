package differ

import (
	"context"
	"errors"
	"reflect"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/airframesio/model-diff/cmd/warehouse"
)

var (
	sourceBase = warehouse.RelationRef{Schema: "dbt_base", Name: "orders"}
	sourceHead = warehouse.RelationRef{Schema: "dbt_head", Name: "orders"}
)

func TestRunFullDiff(t *testing.T) {
	f := newFixture(t)
	ws := NewWorkspace("orders", "run1")

	f.expectEnsureSchema(ws.Schema)
	f.expectSnapshot(sourceBase, ws.Relation(SideBase))
	f.expectSnapshot(sourceHead, ws.Relation(SideHead))
	f.expectRowCount(testBase, 3)
	f.expectRowCount(testHead, 3)
	f.expectColumns(testBase, "id", "name")
	f.expectColumns(testHead, "id", "name")
	f.expectRowDiff(1, 1, 1)
	f.expectProfile(testBase, 3, "id", "name")
	f.expectProfile(testHead, 3, "id", "name")
	f.expectDropSchema(ws.Schema, nil)

	var states []State
	orch := NewOrchestrator(f.conn, newTestLogger(), Options{}).
		WithObserver(func(s State) { states = append(states, s) })

	result, err := orch.Run(context.Background(), Request{
		Model: "orders",
		Base:  sourceBase,
		Head:  sourceHead,
		Keys:  KeySpec{"id"},
		RunID: "run1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.verify()

	if result.Mode != ModeFullDiff || result.Dialect != warehouse.DialectPostgres {
		t.Fatalf("unexpected result meta: mode=%s dialect=%s", result.Mode, result.Dialect)
	}
	if result.RowDiff.Added != 1 || result.RowDiff.Removed != 1 || result.RowDiff.Changed != 1 {
		t.Fatalf("unexpected row diff: %+v", result.RowDiff)
	}
	if result.Base.Source != sourceBase || result.Head.Snapshot != ws.Relation(SideHead) {
		t.Fatalf("unexpected side info: %+v / %+v", result.Base, result.Head)
	}
	if len(result.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", result.Warnings)
	}
	if !result.HasDifferences() {
		t.Fatal("result should report differences")
	}

	want := []State{StateSnapshottingBase, StateSnapshottingHead, StateComparing, StateCleaningUp, StateDone}
	if !reflect.DeepEqual(states, want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
}

func TestRunStatsOnly(t *testing.T) {
	f := newFixture(t)
	ws := NewWorkspace("orders", "run1")

	f.expectEnsureSchema(ws.Schema)
	f.expectSnapshot(sourceBase, ws.Relation(SideBase))
	f.expectSnapshot(sourceHead, ws.Relation(SideHead))
	f.expectRowCount(testBase, 3)
	f.expectRowCount(testHead, 3)
	f.expectColumns(testBase, "id")
	f.expectColumns(testHead, "id")
	f.expectProfile(testBase, 3, "id")
	f.expectProfile(testHead, 3, "id")
	f.expectDropSchema(ws.Schema, nil)

	result, err := NewOrchestrator(f.conn, newTestLogger(), Options{}).Run(context.Background(), Request{
		Model: "orders",
		Base:  sourceBase,
		Head:  sourceHead,
		RunID: "run1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.verify()

	if result.Mode != ModeStatsOnly || result.RowDiff.Status != StatusSkipped {
		t.Fatalf("expected a stats-only run with skipped row diff, got %s / %s", result.Mode, result.RowDiff.Status)
	}
	if result.HasDifferences() {
		t.Fatal("identical relations should report no differences")
	}
}

func TestRunWherePredicate(t *testing.T) {
	f := newFixture(t)
	ws := NewWorkspace("orders", "run1")

	f.expectEnsureSchema(ws.Schema)
	f.expectExists(sourceBase, true)
	f.expectExists(ws.Relation(SideBase), false)
	f.mock.ExpectExec(regexp.QuoteMeta(`AS SELECT * FROM "dbt_base"."orders" WHERE created_at >= '2024-01-01'`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	f.expectExists(sourceHead, true)
	f.expectExists(ws.Relation(SideHead), false)
	f.mock.ExpectExec(regexp.QuoteMeta(`AS SELECT * FROM "dbt_head"."orders" WHERE created_at >= '2024-01-01'`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	f.expectRowCount(testBase, 1)
	f.expectRowCount(testHead, 1)
	f.expectColumns(testBase, "id")
	f.expectColumns(testHead, "id")
	f.expectDropSchema(ws.Schema, nil)

	result, err := NewOrchestrator(f.conn, newTestLogger(), Options{Where: "created_at >= '2024-01-01'", SkipProfile: true}).
		Run(context.Background(), Request{Model: "orders", Base: sourceBase, Head: sourceHead, RunID: "run1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.verify()

	if result.Where == "" || result.ProfileStatus != StatusSkipped {
		t.Fatalf("unexpected result: where=%q profile=%s", result.Where, result.ProfileStatus)
	}
}

func TestRunMissingHeadSourceCleansUp(t *testing.T) {
	f := newFixture(t)
	ws := NewWorkspace("orders", "run1")

	f.expectEnsureSchema(ws.Schema)
	f.expectSnapshot(sourceBase, ws.Relation(SideBase))
	f.expectExists(sourceHead, false)
	f.expectDropSchema(ws.Schema, nil)

	var states []State
	result, err := NewOrchestrator(f.conn, newTestLogger(), Options{}).
		WithObserver(func(s State) { states = append(states, s) }).
		Run(context.Background(), Request{Model: "orders", Base: sourceBase, Head: sourceHead, Keys: KeySpec{"id"}, RunID: "run1"})
	if result != nil {
		t.Fatalf("a failed run must not produce a result: %+v", result)
	}
	// the base snapshot is dropped along with the workspace
	f.verify()

	var diffErr *DiffError
	if !errors.As(err, &diffErr) {
		t.Fatalf("expected *DiffError, got %T: %v", err, err)
	}
	if diffErr.Stage != StateSnapshottingHead {
		t.Fatalf("expected failure while snapshotting head, got %s", diffErr.Stage)
	}
	if !errors.Is(err, ErrSnapshot) || !errors.Is(err, ErrResolution) || !errors.Is(err, warehouse.ErrRelationNotFound) {
		t.Fatalf("missing source should classify as snapshot and resolution failure: %v", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "head") || !strings.Contains(msg, "dbt_head.orders") {
		t.Fatalf("error should name the side and relation: %s", msg)
	}
	if states[len(states)-1] != StateFailed {
		t.Fatalf("final state should be failed, got %v", states)
	}
}

func TestRunUnresolvedBase(t *testing.T) {
	f := newFixture(t)
	ws := NewWorkspace("orders", "run1")

	f.expectEnsureSchema(ws.Schema)
	f.expectDropSchema(ws.Schema, nil)

	_, err := NewOrchestrator(f.conn, newTestLogger(), Options{}).
		Run(context.Background(), Request{Model: "orders", Head: sourceHead, RunID: "run1"})
	f.verify()

	var resErr *ResolutionError
	if !errors.As(err, &resErr) || resErr.Side != SideBase {
		t.Fatalf("expected a base resolution error, got %v", err)
	}
	if !errors.Is(err, ErrResolution) {
		t.Fatalf("expected ErrResolution, got %v", err)
	}
}

func TestRunComparisonFailure(t *testing.T) {
	f := newFixture(t)
	ws := NewWorkspace("orders", "run1")

	f.expectEnsureSchema(ws.Schema)
	f.expectSnapshot(sourceBase, ws.Relation(SideBase))
	f.expectSnapshot(sourceHead, ws.Relation(SideHead))
	f.mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM " + quoted(testBase))).WillReturnError(errBoom)
	f.expectColumns(testBase, "id")
	f.expectColumns(testHead, "id")
	f.expectDropSchema(ws.Schema, nil)

	result, err := NewOrchestrator(f.conn, newTestLogger(), Options{SkipProfile: true}).
		Run(context.Background(), Request{Model: "orders", Base: sourceBase, Head: sourceHead, RunID: "run1"})
	f.verify()

	if result != nil {
		t.Fatal("a partially completed comparison must not produce a result")
	}
	var diffErr *DiffError
	if !errors.As(err, &diffErr) || diffErr.Stage != StateComparing {
		t.Fatalf("expected failure while comparing, got %v", err)
	}
	var cmpErr *ComparisonError
	if !errors.As(err, &cmpErr) || cmpErr.Pass != PassRowCount {
		t.Fatalf("error should name the failed pass: %v", err)
	}
}

func TestRunCleanupFailureIsAWarning(t *testing.T) {
	f := newFixture(t)
	ws := NewWorkspace("orders", "run1")

	f.expectEnsureSchema(ws.Schema)
	f.expectSnapshot(sourceBase, ws.Relation(SideBase))
	f.expectSnapshot(sourceHead, ws.Relation(SideHead))
	f.expectRowCount(testBase, 1)
	f.expectRowCount(testHead, 1)
	f.expectColumns(testBase, "id")
	f.expectColumns(testHead, "id")
	f.expectDropSchema(ws.Schema, errBoom)

	result, err := NewOrchestrator(f.conn, newTestLogger(), Options{SkipProfile: true}).
		Run(context.Background(), Request{Model: "orders", Base: sourceBase, Head: sourceHead, RunID: "run1"})
	if err != nil {
		t.Fatalf("cleanup failure must not fail the run: %v", err)
	}
	f.verify()

	if len(result.Warnings) != 1 || result.Warnings[0].Relation != ws.Schema {
		t.Fatalf("expected one cleanup warning, got %v", result.Warnings)
	}
}

func TestRunCleanupFailureDoesNotMaskError(t *testing.T) {
	f := newFixture(t)
	ws := NewWorkspace("orders", "run1")

	f.expectEnsureSchema(ws.Schema)
	f.expectExists(sourceBase, false)
	f.expectDropSchema(ws.Schema, errBoom)

	_, err := NewOrchestrator(f.conn, newTestLogger(), Options{}).
		Run(context.Background(), Request{Model: "orders", Base: sourceBase, Head: sourceHead, RunID: "run1"})
	f.verify()

	var diffErr *DiffError
	if !errors.As(err, &diffErr) {
		t.Fatalf("expected *DiffError, got %v", err)
	}
	if diffErr.Stage != StateSnapshottingBase || !errors.Is(err, ErrSnapshot) {
		t.Fatalf("the snapshot failure should remain the reported error: %v", err)
	}
	if errors.Is(err, errBoom) {
		t.Fatal("cleanup error must not replace the primary error")
	}
	if len(diffErr.Warnings) != 1 {
		t.Fatalf("expected the cleanup warning on the error, got %v", diffErr.Warnings)
	}
}

func TestRunKeepWorkspace(t *testing.T) {
	f := newFixture(t)
	ws := NewWorkspace("orders", "run1")

	f.expectEnsureSchema(ws.Schema)
	f.expectExists(sourceBase, false)

	_, err := NewOrchestrator(f.conn, newTestLogger(), Options{KeepWorkspace: true}).
		Run(context.Background(), Request{Model: "orders", Base: sourceBase, Head: sourceHead, RunID: "run1"})
	if err == nil {
		t.Fatal("expected an error")
	}
	// no DROP SCHEMA expected
	f.verify()
}

func TestRunCancelledContextStillCleansUp(t *testing.T) {
	f := newFixture(t)
	ws := NewWorkspace("orders", "run1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.expectEnsureSchema(ws.Schema)
	f.expectSnapshot(sourceBase, ws.Relation(SideBase))
	f.expectDropSchema(ws.Schema, nil)

	_, err := NewOrchestrator(f.conn, newTestLogger(), Options{}).
		WithObserver(func(s State) {
			if s == StateSnapshottingHead {
				cancel()
			}
		}).
		Run(ctx, Request{Model: "orders", Base: sourceBase, Head: sourceHead, RunID: "run1"})

	var diffErr *DiffError
	if !errors.As(err, &diffErr) || diffErr.Stage != StateSnapshottingHead {
		t.Fatalf("expected the cancellation to fail the head snapshot, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	// the workspace is still dropped after cancellation
	f.verify()
}

func TestRunInvalidRequest(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{name: "missing model", req: Request{Base: sourceBase, Head: sourceHead}},
		{name: "duplicate keys", req: Request{Model: "orders", Base: sourceBase, Head: sourceHead, Keys: KeySpec{"id", "id"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			var states []State
			_, err := NewOrchestrator(f.conn, newTestLogger(), Options{}).
				WithObserver(func(s State) { states = append(states, s) }).
				Run(context.Background(), tt.req)

			var diffErr *DiffError
			if !errors.As(err, &diffErr) || diffErr.Stage != StateIdle {
				t.Fatalf("expected an idle-stage error, got %v", err)
			}
			if len(states) != 0 {
				t.Fatalf("a rejected request should not leave idle, got %v", states)
			}
			f.verify()
		})
	}
}

type stubResolver struct {
	refs  map[Side]warehouse.RelationRef
	errs  map[Side]error
	calls []Side
}

func (s *stubResolver) Resolve(_ context.Context, side Side) (warehouse.RelationRef, error) {
	s.calls = append(s.calls, side)
	if err := s.errs[side]; err != nil {
		return warehouse.RelationRef{}, err
	}
	return s.refs[side], nil
}

func TestRunResolvesEachSideBeforeItsSnapshot(t *testing.T) {
	f := newFixture(t)
	ws := NewWorkspace("orders", "run1")
	resolver := &stubResolver{refs: map[Side]warehouse.RelationRef{SideBase: sourceBase, SideHead: sourceHead}}

	f.expectEnsureSchema(ws.Schema)
	f.expectSnapshot(sourceBase, ws.Relation(SideBase))
	f.expectSnapshot(sourceHead, ws.Relation(SideHead))
	f.expectRowCount(testBase, 1)
	f.expectRowCount(testHead, 1)
	f.expectColumns(testBase, "id")
	f.expectColumns(testHead, "id")
	f.expectDropSchema(ws.Schema, nil)

	result, err := NewOrchestrator(f.conn, newTestLogger(), Options{SkipProfile: true}).Run(context.Background(), Request{
		Model:     "orders",
		BaseLabel: "main",
		HeadLabel: "feature",
		RunID:     "run1",
		Resolver:  resolver,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.verify()

	if !reflect.DeepEqual(resolver.calls, []Side{SideBase, SideHead}) {
		t.Fatalf("unexpected resolve order: %v", resolver.calls)
	}
	if result.Base.Source != sourceBase || result.Head.Label != "feature" {
		t.Fatalf("unexpected side info: %+v / %+v", result.Base, result.Head)
	}
}

func TestRunResolverFailure(t *testing.T) {
	f := newFixture(t)
	ws := NewWorkspace("orders", "run1")
	resolver := &stubResolver{
		refs: map[Side]warehouse.RelationRef{SideBase: sourceBase},
		errs: map[Side]error{SideHead: errBoom},
	}

	f.expectEnsureSchema(ws.Schema)
	f.expectSnapshot(sourceBase, ws.Relation(SideBase))
	f.expectDropSchema(ws.Schema, nil)

	_, err := NewOrchestrator(f.conn, newTestLogger(), Options{}).Run(context.Background(), Request{
		Model:     "orders",
		HeadLabel: "feature",
		RunID:     "run1",
		Resolver:  resolver,
	})
	f.verify()

	var resErr *ResolutionError
	if !errors.As(err, &resErr) || resErr.Side != SideHead || resErr.Relation != "orders@feature" {
		t.Fatalf("expected a head resolution error, got %v", err)
	}
	if !errors.Is(err, ErrResolution) || !errors.Is(err, errBoom) {
		t.Fatalf("resolution error should classify and unwrap: %v", err)
	}
}
