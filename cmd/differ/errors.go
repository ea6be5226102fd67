package differ

import (
	"errors"
	"fmt"

	"github.com/airframesio/model-diff/cmd/warehouse"
)

// Error classes of a run, matchable with errors.Is
var (
	ErrResolution     = errors.New("relation could not be resolved")
	ErrSnapshot       = errors.New("snapshot failed")
	ErrComparison     = errors.New("comparison failed")
	ErrInvalidRequest = errors.New("invalid diff request")
)

// ResolutionError reports a side whose source relation is missing or unusable
type ResolutionError struct {
	Side     Side
	Relation string
	Err      error
}

func (e *ResolutionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s relation %q could not be resolved", e.Side, e.Relation)
	}
	return fmt.Sprintf("%s relation %q could not be resolved: %v", e.Side, e.Relation, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

func (e *ResolutionError) Is(target error) bool { return target == ErrResolution }

// SnapshotError reports a failed copy of one side into the workspace
type SnapshotError struct {
	Side   Side
	Source warehouse.RelationRef
	Target warehouse.RelationRef
	Err    error
}

func (e *SnapshotError) Error() string {
	return fmt.Sprintf("snapshot of %s relation %s failed: %v", e.Side, e.Source, e.Err)
}

func (e *SnapshotError) Unwrap() error { return e.Err }

// Is matches ErrSnapshot, and ErrResolution when the source relation does not exist
func (e *SnapshotError) Is(target error) bool {
	switch target {
	case ErrSnapshot:
		return true
	case ErrResolution:
		return errors.Is(e.Err, warehouse.ErrRelationNotFound)
	}
	return false
}

// ComparisonError reports a failed comparison pass
type ComparisonError struct {
	Pass string
	Err  error
}

func (e *ComparisonError) Error() string {
	return fmt.Sprintf("%s pass failed: %v", e.Pass, e.Err)
}

func (e *ComparisonError) Unwrap() error { return e.Err }

func (e *ComparisonError) Is(target error) bool { return target == ErrComparison }

// CleanupWarning records a workspace relation that could not be dropped. It never fails a run.
type CleanupWarning struct {
	Relation string `json:"relation"`
	Message  string `json:"message"`
}

func (w CleanupWarning) String() string {
	return fmt.Sprintf("could not drop %s: %s", w.Relation, w.Message)
}

// DiffError is the terminal error of a failed run, tagged with the stage it failed in
type DiffError struct {
	Stage    State
	Err      error
	Warnings []CleanupWarning
}

func (e *DiffError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *DiffError) Unwrap() error { return e.Err }
