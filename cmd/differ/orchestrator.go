package differ

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/airframesio/model-diff/cmd/warehouse"
)

// State is a stage of a run
type State int

const (
	StateIdle State = iota
	StateSnapshottingBase
	StateSnapshottingHead
	StateComparing
	StateCleaningUp
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSnapshottingBase:
		return "snapshotting base"
	case StateSnapshottingHead:
		return "snapshotting head"
	case StateComparing:
		return "comparing"
	case StateCleaningUp:
		return "cleaning up"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const defaultCleanupTimeout = 30 * time.Second

// Observer is notified of every state transition of a run
type Observer func(State)

// SourceResolver locates the source relation of a side. It is called right before that side is
// snapshotted, so a side may be built and copied before the other side is built.
type SourceResolver interface {
	Resolve(ctx context.Context, side Side) (warehouse.RelationRef, error)
}

// Request names the model and the two relations to compare. A side left empty is looked up
// through Resolver.
type Request struct {
	Model     string
	Base      warehouse.RelationRef
	Head      warehouse.RelationRef
	BaseLabel string // e.g. the git ref the base side was built from
	HeadLabel string
	Keys      KeySpec
	RunID     string // empty = generate one
	Resolver  SourceResolver
}

func (r Request) source(side Side) (warehouse.RelationRef, string) {
	if side == SideHead {
		return r.Head, r.HeadLabel
	}
	return r.Base, r.BaseLabel
}

// Validate checks the request before any warehouse work starts
func (r Request) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return fmt.Errorf("%w: model name is required", ErrInvalidRequest)
	}
	return r.Keys.Validate()
}

// Options tunes a run
type Options struct {
	Where          string
	SampleSize     int
	SkipProfile    bool
	KeepWorkspace  bool
	Parallelism    int
	CleanupTimeout time.Duration
}

// Orchestrator sequences snapshot, compare and cleanup for one connection. Runs on the same
// Orchestrator are independent as long as their run ids differ.
type Orchestrator struct {
	conn     *warehouse.Conn
	logger   *slog.Logger
	opts     Options
	observer Observer
}

// NewOrchestrator creates an orchestrator bound to conn
func NewOrchestrator(conn *warehouse.Conn, logger *slog.Logger, opts Options) *Orchestrator {
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = defaultCleanupTimeout
	}
	return &Orchestrator{conn: conn, logger: logger, opts: opts}
}

// WithObserver registers fn to receive state transitions
func (o *Orchestrator) WithObserver(fn Observer) *Orchestrator {
	o.observer = fn
	return o
}

// run carries the mutable state of one Run call
type run struct {
	o     *Orchestrator
	state State
}

func (r *run) transition(to State) {
	r.o.logger.Debug(fmt.Sprintf("Diff state: %s -> %s", r.state, to))
	r.state = to
	if r.o.observer != nil {
		r.o.observer(to)
	}
}

func (r *run) fail(err error) *DiffError {
	return &DiffError{Stage: r.state, Err: err}
}

// Run snapshots both sides, compares them and drops the workspace. It returns either a complete
// DiffResult or a *DiffError naming the failed stage; cleanup warnings are attached to whichever
// is returned.
func (o *Orchestrator) Run(ctx context.Context, req Request) (result *DiffResult, err error) {
	r := &run{o: o, state: StateIdle}

	if err := req.Validate(); err != nil {
		return nil, r.fail(err)
	}

	runID := req.RunID
	if runID == "" {
		runID = NewRunID()
	}
	ws := NewWorkspace(req.Model, runID)
	started := time.Now()

	o.logger.Info(fmt.Sprintf("Diffing %s (workspace %s)", req.Model, ws.Schema))

	defer func() {
		r.transition(StateCleaningUp)
		warnings := o.release(ctx, ws)

		var diffErr *DiffError
		if errors.As(err, &diffErr) {
			diffErr.Warnings = append(diffErr.Warnings, warnings...)
			r.transition(StateFailed)
			return
		}
		if result != nil {
			result.Warnings = append(result.Warnings, warnings...)
		}
		r.transition(StateDone)
	}()

	r.transition(StateSnapshottingBase)
	if err := o.conn.Adapter.EnsureSchema(ctx, o.conn.DB, ws.Schema); err != nil {
		return nil, r.fail(&SnapshotError{Side: SideBase, Source: req.Base, Target: ws.Relation(SideBase), Err: err})
	}

	snapshotter := NewSnapshotter(o.conn, o.logger, o.opts.Where)
	baseSource, err := o.resolve(ctx, req, SideBase)
	if err != nil {
		return nil, r.fail(err)
	}
	baseSnap, err := snapshotter.SnapshotSide(ctx, baseSource, ws, SideBase)
	if err != nil {
		return nil, r.fail(err)
	}

	r.transition(StateSnapshottingHead)
	headSource, err := o.resolve(ctx, req, SideHead)
	if err != nil {
		return nil, r.fail(err)
	}
	headSnap, err := snapshotter.SnapshotSide(ctx, headSource, ws, SideHead)
	if err != nil {
		return nil, r.fail(err)
	}

	r.transition(StateComparing)
	comparator := NewComparator(o.conn, o.logger, CompareOptions{
		Keys:        req.Keys,
		SampleSize:  o.opts.SampleSize,
		SkipProfile: o.opts.SkipProfile,
		Parallelism: o.opts.Parallelism,
	})
	cmp := comparator.Compare(ctx, baseSnap, headSnap)
	if err := cmp.Err(); err != nil {
		return nil, r.fail(err)
	}

	mode := ModeStatsOnly
	if len(req.Keys) > 0 {
		mode = ModeFullDiff
	}

	return &DiffResult{
		Model:          req.Model,
		RunID:          runID,
		Dialect:        o.conn.Adapter.Name(),
		Workspace:      ws.Schema,
		Mode:           mode,
		Keys:           append([]string{}, req.Keys...),
		Where:          o.opts.Where,
		Base:           SideInfo{Label: req.BaseLabel, Source: baseSource, Snapshot: baseSnap, Columns: cmp.BaseColumns},
		Head:           SideInfo{Label: req.HeadLabel, Source: headSource, Snapshot: headSnap, Columns: cmp.HeadColumns},
		RowCounts:      cmp.RowCounts,
		RowDiff:        cmp.RowDiff,
		SchemaDiff:     cmp.SchemaDiff,
		ProfileStatus:  cmp.ProfileStatus,
		ColumnProfiles: cmp.ColumnProfiles,
		StartedAt:      started,
		Duration:       time.Since(started),
	}, nil
}

// resolve returns the source relation of side, asking the resolver when the request left it empty
func (o *Orchestrator) resolve(ctx context.Context, req Request, side Side) (warehouse.RelationRef, error) {
	ref, label := req.source(side)
	if !ref.IsZero() || req.Resolver == nil {
		return ref, nil
	}

	ref, err := req.Resolver.Resolve(ctx, side)
	if err != nil {
		name := req.Model
		if label != "" {
			name += "@" + label
		}
		return warehouse.RelationRef{}, &ResolutionError{Side: side, Relation: name, Err: err}
	}
	o.logger.Debug(fmt.Sprintf("Resolved %s source: %s", side, ref))
	return ref, nil
}

// release drops the workspace on a context that survives cancellation of the run, so an aborted
// run still cleans up
func (o *Orchestrator) release(ctx context.Context, ws Workspace) []CleanupWarning {
	if o.opts.KeepWorkspace {
		o.logger.Info(fmt.Sprintf("Keeping workspace %s", ws.Schema))
		return nil
	}

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.CleanupTimeout)
	defer cancel()

	if err := o.conn.Adapter.DropSchema(cleanupCtx, o.conn.DB, ws.Schema); err != nil {
		o.logger.Warn(fmt.Sprintf("⚠️  Failed to drop workspace %s: %v", ws.Schema, err))
		return []CleanupWarning{{Relation: ws.Schema, Message: err.Error()}}
	}

	o.logger.Debug(fmt.Sprintf("Dropped workspace %s", ws.Schema))
	return nil
}
