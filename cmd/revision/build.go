package revision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/airframesio/model-diff/cmd/differ"
	"github.com/airframesio/model-diff/cmd/manifest"
	"github.com/airframesio/model-diff/cmd/warehouse"
)

// ErrNotDbtProject is returned when a directory has no dbt_project.yml
var ErrNotDbtProject = errors.New("dbt_project.yml not found")

// Builder runs dbt build for a single model
type Builder struct {
	runner      Runner
	logger      *slog.Logger
	Executable  string
	ProfilesDir string
	Profile     string // overrides the profile named in dbt_project.yml
	Target      string
}

// NewBuilder creates a builder using the dbt executable on PATH
func NewBuilder(runner Runner, logger *slog.Logger, profilesDir, target string) *Builder {
	return &Builder{runner: runner, logger: logger, Executable: "dbt", ProfilesDir: profilesDir, Target: target}
}

// Build runs dbt build --select model in projectDir
func (b *Builder) Build(ctx context.Context, projectDir, model string) error {
	if _, err := os.Stat(filepath.Join(projectDir, "dbt_project.yml")); err != nil {
		return fmt.Errorf("%w in %s", ErrNotDbtProject, projectDir)
	}

	args := []string{
		"build",
		"--project-dir", projectDir,
		"--profiles-dir", b.ProfilesDir,
		"--select", model,
	}
	if b.Profile != "" {
		args = append(args, "--profile", b.Profile)
	}
	if b.Target != "" {
		args = append(args, "--target", b.Target)
	}

	if _, err := b.runner.Run(ctx, projectDir, b.Executable, args...); err != nil {
		return fmt.Errorf("dbt build of %s failed: %w", model, err)
	}
	return nil
}

// SideResolver builds each side from its git ref on demand and resolves the built relation from
// that checkout's manifest. It plugs into the orchestrator so each side is copied before the
// next build overwrites the relation.
type SideResolver struct {
	worktrees *Worktrees
	builder   *Builder
	logger    *slog.Logger
	model     string
	refs      map[differ.Side]string
}

// NewSideResolver creates a resolver for model at baseRef and headRef
func NewSideResolver(worktrees *Worktrees, builder *Builder, logger *slog.Logger, model, baseRef, headRef string) *SideResolver {
	return &SideResolver{
		worktrees: worktrees,
		builder:   builder,
		logger:    logger,
		model:     model,
		refs:      map[differ.Side]string{differ.SideBase: baseRef, differ.SideHead: headRef},
	}
}

func (r *SideResolver) Resolve(ctx context.Context, side differ.Side) (warehouse.RelationRef, error) {
	ref := r.refs[side]

	projectDir, err := r.worktrees.Checkout(ctx, string(side), ref)
	if err != nil {
		return warehouse.RelationRef{}, err
	}

	r.logger.Info(fmt.Sprintf("dbt build (%s: %s)", side, ref))
	if err := r.builder.Build(ctx, projectDir, r.model); err != nil {
		return warehouse.RelationRef{}, err
	}

	m, err := manifest.Load(projectDir)
	if err != nil {
		return warehouse.RelationRef{}, err
	}
	return m.ResolveRelation(r.model)
}
