package differ

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/airframesio/model-diff/cmd/warehouse"
)

// Snapshotter copies resolved source relations into a workspace
type Snapshotter struct {
	conn   *warehouse.Conn
	logger *slog.Logger
	where  string
}

// NewSnapshotter creates a snapshotter. A non-empty where predicate filters both copies.
func NewSnapshotter(conn *warehouse.Conn, logger *slog.Logger, where string) *Snapshotter {
	return &Snapshotter{conn: conn, logger: logger, where: where}
}

// SnapshotSide copies source into workspace.schema.<model>__<side> and returns the copy
func (s *Snapshotter) SnapshotSide(ctx context.Context, source warehouse.RelationRef, ws Workspace, side Side) (warehouse.RelationRef, error) {
	if source.IsZero() {
		return warehouse.RelationRef{}, &ResolutionError{Side: side, Relation: source.String()}
	}

	target := ws.Relation(side)
	s.logger.Debug(fmt.Sprintf("Snapshotting %s: %s -> %s", side, source, target))

	if err := s.conn.Adapter.Snapshot(ctx, s.conn.DB, source, target, s.where); err != nil {
		return warehouse.RelationRef{}, &SnapshotError{Side: side, Source: source, Target: target, Err: err}
	}

	s.logger.Debug(fmt.Sprintf("  ✅ %s snapshot created", side))
	return target, nil
}
