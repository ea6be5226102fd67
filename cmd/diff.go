package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/airframesio/model-diff/cmd/compressors"
	"github.com/airframesio/model-diff/cmd/differ"
	"github.com/airframesio/model-diff/cmd/formatters"
	"github.com/airframesio/model-diff/cmd/manifest"
	"github.com/airframesio/model-diff/cmd/profiles"
	"github.com/airframesio/model-diff/cmd/revision"
	"github.com/airframesio/model-diff/cmd/warehouse"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ErrDifferencesFound is returned with --fail-on-diff when the two sides differ
var ErrDifferencesFound = errors.New("differences found")

// envProfilesDir is the variable dbt itself reads the profiles directory from
const envProfilesDir = "DBT_PROFILES_DIR"

var diffCmd = &cobra.Command{
	Use:   "diff MODEL",
	Short: "Build a model at two git refs and compare the results",
	Long: `Check out the base and head refs into temporary git worktrees, run dbt build for MODEL
in each, and compare the two built relations. Each side is copied into a scratch schema right
after it is built, so both builds may target the same relation.

Without --keys only row counts, the schema diff and column statistics are computed.`,
	Args:    cobra.ExactArgs(1),
	PreRunE: func(cmd *cobra.Command, _ []string) error { return bindFlags(cmd) },
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDiff(cmd.Context(), args[0], false)
	},
}

var diffRelationsCmd = &cobra.Command{
	Use:   "diff-relations MODEL",
	Short: "Compare two already built relations",
	Long: `Compare two relations that already exist in the warehouse, for example the production and
CI builds of a model. No git or dbt commands are run. MODEL only names the report and workspace.`,
	Args:    cobra.ExactArgs(1),
	PreRunE: func(cmd *cobra.Command, _ []string) error { return bindFlags(cmd) },
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDiff(cmd.Context(), args[0], true)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List running and abandoned diff runs",
	Long: `List diff runs recorded on this machine. A run whose process is gone never dropped its
workspace schema; drop it by hand with DROP SCHEMA ... CASCADE.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		return runStatus(os.Stdout)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version and check for updates",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Printf("model-diff %s\n", Version)

		ctx, cancel := context.WithTimeout(cmd.Context(), versionCheckTimeout)
		defer cancel()
		if result := checkForUpdates(ctx, Version); result.UpdateAvailable {
			fmt.Println(infoStyle.Render("💡 " + formatUpdateMessage(result)))
		}
	},
}

func init() {
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(diffRelationsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)

	for _, c := range []*cobra.Command{diffCmd, diffRelationsCmd} {
		c.Flags().StringSlice("keys", nil, "comma-separated key columns; omit for a stats-only comparison")
		c.Flags().String("profiles-dir", "", "directory containing profiles.yml (default $DBT_PROFILES_DIR, the project dir, then ~/.dbt)")
		c.Flags().String("profile", "", "dbt profile name (default $DBT_PROFILE or the only profile)")
		c.Flags().String("target", "", "dbt target name (default the profile's target)")
		c.Flags().String("where", "", "SQL predicate applied to both sides before comparing")
		c.Flags().Int("sample", 20, "number of changed keys to include in the report")
		c.Flags().Bool("keep-workspace", false, "keep the scratch schema after the run")
		c.Flags().Bool("no-col-stats", false, "skip the per-column null and uniqueness statistics")
		c.Flags().Int("parallelism", 1, "number of comparison passes run concurrently (1-4)")
		c.Flags().String("run-id", "", "run identifier naming the scratch schema (default random)")
		c.Flags().Int("cleanup-timeout", 30, "seconds allowed for dropping the scratch schema")
		c.Flags().Bool("progress", false, "show a progress spinner when stderr is a terminal")

		// Output configuration flags
		c.Flags().String("format", "text", "report format: text, json, markdown, csv")
		c.Flags().String("output-file", "", "write the report to this path; supports {model}, {run_id}, {YYYY}, {MM}, {DD}, {HH}")
		c.Flags().String("compression", "none", "output file compression: zstd, lz4, gzip, none")
		c.Flags().Int("compression-level", 0, "compression level (zstd: 1-22, lz4/gzip: 1-9, 0 = default)")
		c.Flags().Bool("fail-on-diff", false, "exit with status 2 when the sides differ")

		// Report publishing flags
		c.Flags().String("s3-endpoint", "", "S3-compatible endpoint URL (default AWS)")
		c.Flags().String("s3-bucket", "", "upload the report to this S3 bucket")
		c.Flags().String("s3-access-key", "", "S3 access key (default the AWS credential chain)")
		c.Flags().String("s3-secret-key", "", "S3 secret key")
		c.Flags().String("s3-region", "auto", "S3 region")
		c.Flags().String("s3-path-template", "model-diff/{model}/{YYYY}-{MM}-{DD}/{run_id}", "S3 key template with placeholders: {model}, {run_id}, {YYYY}, {MM}, {DD}, {HH}")
	}

	viper.SetDefault("db.type", warehouse.DialectPostgres)
	viper.SetDefault("db.port", 5432)

	diffCmd.Flags().String("base", "main", "git ref of the base side")
	diffCmd.Flags().String("head", "HEAD", "git ref of the head side")
	diffCmd.Flags().String("project-dir", ".", "dbt project directory (must contain dbt_project.yml)")

	diffRelationsCmd.Flags().String("base-relation", "", "base relation as schema.name (required)")
	diffRelationsCmd.Flags().String("head-relation", "", "head relation as schema.name (required)")

	// Connection flags; when --db-host is empty the connection comes from profiles.yml
	diffRelationsCmd.Flags().String("db-type", warehouse.DialectPostgres, "warehouse type: postgres, redshift")
	diffRelationsCmd.Flags().String("db-host", "", "warehouse host")
	diffRelationsCmd.Flags().Int("db-port", 5432, "warehouse port")
	diffRelationsCmd.Flags().String("db-user", "", "warehouse user")
	diffRelationsCmd.Flags().String("db-password", "", "warehouse password")
	diffRelationsCmd.Flags().String("db-name", "", "warehouse database name")
	diffRelationsCmd.Flags().String("db-sslmode", "disable", "SSL mode (disable, require, verify-ca, verify-full)")
	diffRelationsCmd.Flags().Int("db-statement-timeout", 0, "statement timeout in seconds (0 = no timeout)")

	for _, c := range []*cobra.Command{diffCmd, diffRelationsCmd} {
		c.Flags().Int("db-max-retries", 3, "connection attempts retried after a connection error")
		c.Flags().Int("db-retry-delay", 5, "delay in seconds between connection attempts")
	}
}

// splitKeys accepts both repeated --keys flags and comma-separated values, as env vars and config
// files deliver a single string
func splitKeys(values []string) []string {
	var keys []string
	for _, value := range values {
		for _, key := range strings.Split(value, ",") {
			if key = strings.TrimSpace(key); key != "" {
				keys = append(keys, key)
			}
		}
	}
	return keys
}

// loadConfig reads the merged flag, env and config file settings
func loadConfig(model string) *Config {
	return &Config{
		Debug:     viper.GetBool("debug"),
		LogFormat: viper.GetString("log_format"),
		Progress:  viper.GetBool("progress"),

		Model: model,
		Keys:  splitKeys(viper.GetStringSlice("keys")),

		BaseRef:      viper.GetString("base"),
		HeadRef:      viper.GetString("head"),
		ProjectDir:   viper.GetString("project_dir"),
		BaseRelation: viper.GetString("base_relation"),
		HeadRelation: viper.GetString("head_relation"),

		ProfilesDir: viper.GetString("profiles_dir"),
		Profile:     viper.GetString("profile"),
		Target:      viper.GetString("target"),
		Database: warehouse.DatabaseConfig{
			Type:             viper.GetString("db.type"),
			Host:             viper.GetString("db.host"),
			Port:             viper.GetInt("db.port"),
			User:             viper.GetString("db.user"),
			Password:         viper.GetString("db.password"),
			Name:             viper.GetString("db.name"),
			SSLMode:          viper.GetString("db.sslmode"),
			StatementTimeout: viper.GetInt("db.statement_timeout"),
			MaxRetries:       viper.GetInt("db.max_retries"),
			RetryDelay:       viper.GetInt("db.retry_delay"),
		},

		Where:          viper.GetString("where"),
		SampleSize:     viper.GetInt("sample"),
		SkipProfile:    viper.GetBool("no_col_stats"),
		KeepWorkspace:  viper.GetBool("keep_workspace"),
		Parallelism:    viper.GetInt("parallelism"),
		RunID:          viper.GetString("run_id"),
		CleanupTimeout: viper.GetInt("cleanup_timeout"),

		Format:           viper.GetString("format"),
		OutputFile:       viper.GetString("output_file"),
		Compression:      viper.GetString("compression"),
		CompressionLevel: viper.GetInt("compression_level"),
		FailOnDiff:       viper.GetBool("fail_on_diff"),
		S3: S3Config{
			Endpoint:     viper.GetString("s3.endpoint"),
			Bucket:       viper.GetString("s3.bucket"),
			AccessKey:    viper.GetString("s3.access_key"),
			SecretKey:    viper.GetString("s3.secret_key"),
			Region:       viper.GetString("s3.region"),
			PathTemplate: viper.GetString("s3.path_template"),
		},
	}
}

// resolveProfilesDir picks the profiles directory the way dbt does, preferring the project
// directory when it holds a profiles.yml
func resolveProfilesDir(config *Config) (string, error) {
	dir := config.ProfilesDir
	if dir == "" {
		dir = os.Getenv(envProfilesDir)
	}
	if dir == "" && config.ProjectDir != "" {
		if _, err := os.Stat(filepath.Join(config.ProjectDir, profiles.FileName)); err == nil {
			dir = config.ProjectDir
		}
	}
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to locate home directory: %w", err)
		}
		dir = filepath.Join(home, ".dbt")
	}
	// dbt runs inside a worktree, so relative paths would resolve against the wrong directory
	return filepath.Abs(dir)
}

// resolveDatabase returns the connection settings from the flags or from profiles.yml
func resolveDatabase(config *Config, profilesDir string) (warehouse.DatabaseConfig, error) {
	if !config.UseProfiles() {
		cfg := config.Database
		cfg.MaxOpenConns = config.Parallelism + 1
		return cfg, nil
	}

	target, err := profiles.Load(profilesDir, config.Profile, config.Target)
	if err != nil {
		return warehouse.DatabaseConfig{}, err
	}
	logger.Debug(fmt.Sprintf("Using dbt profile %s, target %s (%s)", target.Profile, target.Name, target.Type))

	cfg := target.DatabaseConfig()
	cfg.StatementTimeout = config.Database.StatementTimeout
	cfg.MaxRetries = config.Database.MaxRetries
	cfg.RetryDelay = config.Database.RetryDelay
	// one connection per concurrent pass
	cfg.MaxOpenConns = config.Parallelism + 1
	return cfg, nil
}

func runDiff(ctx context.Context, model string, relations bool) error {
	config := loadConfig(model)
	initLogger(config.Debug, config.LogFormat)

	logger.Info(fmt.Sprintf("🔍 model-diff v%s", Version))

	logger.Debug("Validating configuration...")
	validate := config.ValidateRefs
	if relations {
		validate = config.ValidateRelations
	}
	if err := validate(); err != nil {
		logger.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		return err
	}

	// Check for updates in background (non-blocking)
	updates := make(chan VersionCheckResult, 1)
	go func() {
		updates <- checkForUpdates(ctx, Version)
	}()

	profilesDir, err := resolveProfilesDir(config)
	if err != nil {
		return err
	}
	dbConfig, err := resolveDatabase(config, profilesDir)
	if err != nil {
		logger.Error(fmt.Sprintf("❌ Connection settings: %s", err.Error()))
		return err
	}

	conn, err := warehouse.Open(ctx, dbConfig, logger)
	if err != nil {
		logger.Error(fmt.Sprintf("❌ %s", err.Error()))
		return err
	}
	defer conn.Close()
	logger.Info(fmt.Sprintf("✅ Connected to %s %s/%s", conn.Adapter.Name(), dbConfig.Host, dbConfig.Name))

	runID := config.RunID
	if runID == "" {
		runID = differ.NewRunID()
	}
	req := differ.Request{
		Model: config.Model,
		Keys:  config.Keys,
		RunID: runID,
	}

	if relations {
		if req.Base, err = manifest.ParseRelationName(config.BaseRelation); err != nil {
			return fmt.Errorf("invalid --base-relation: %w", err)
		}
		if req.Head, err = manifest.ParseRelationName(config.HeadRelation); err != nil {
			return fmt.Errorf("invalid --head-relation: %w", err)
		}
	} else {
		runner := revision.NewExecRunner(logger)
		worktrees, err := revision.OpenWorktrees(ctx, runner, logger, config.ProjectDir)
		if err != nil {
			logger.Error(fmt.Sprintf("❌ %s", err.Error()))
			return err
		}
		defer func() {
			if err := worktrees.Close(context.WithoutCancel(ctx)); err != nil {
				logger.Warn(fmt.Sprintf("⚠️  Failed to remove worktrees: %v", err))
			}
		}()

		builder := revision.NewBuilder(runner, logger, profilesDir, config.Target)
		builder.Profile = config.Profile
		req.Resolver = revision.NewSideResolver(worktrees, builder, logger, config.Model, config.BaseRef, config.HeadRef)
		req.BaseLabel = config.BaseRef
		req.HeadLabel = config.HeadRef
	}

	orchestrator := differ.NewOrchestrator(conn, logger, differ.Options{
		Where:          config.Where,
		SampleSize:     config.SampleSize,
		SkipProfile:    config.SkipProfile,
		KeepWorkspace:  config.KeepWorkspace,
		Parallelism:    config.Parallelism,
		CleanupTimeout: time.Duration(config.CleanupTimeout) * time.Second,
	})

	info := &RunInfo{
		StartTime: time.Now(),
		Model:     config.Model,
		RunID:     runID,
		Workspace: differ.NewWorkspace(config.Model, runID).Schema,
		Dialect:   conn.Adapter.Name(),
	}
	defer func() {
		if err := RemoveRunInfo(runID); err != nil {
			logger.Debug(fmt.Sprintf("Failed to remove run file: %v", err))
		}
	}()

	run := func(ctx context.Context, observer differ.Observer) (*differ.DiffResult, error) {
		orchestrator.WithObserver(func(state differ.State) {
			info.Stage = state.String()
			if err := WriteRunInfo(info); err != nil {
				logger.Debug(fmt.Sprintf("Failed to write run file: %v", err))
			}
			if observer != nil {
				observer(state)
			}
		})
		return orchestrator.Run(ctx, req)
	}

	var result *differ.DiffResult
	if config.Progress && isTerminal(os.Stderr) {
		err = runWithProgress(ctx, config.Model, func(ctx context.Context, observer differ.Observer) error {
			var runErr error
			result, runErr = run(ctx, observer)
			return runErr
		})
	} else {
		result, err = run(ctx, nil)
	}

	if err != nil {
		var diffErr *differ.DiffError
		if errors.As(err, &diffErr) {
			for _, w := range diffErr.Warnings {
				logger.Warn(fmt.Sprintf("⚠️  %s", w))
			}
		}
		if errors.Is(err, context.Canceled) {
			logger.Info("⚠️  Diff cancelled by user")
			return err
		}
		logger.Error(fmt.Sprintf("❌ Diff failed: %s", err.Error()))
		return err
	}

	for _, w := range result.Warnings {
		logger.Warn(fmt.Sprintf("⚠️  %s", w))
	}

	destinations, err := writeReport(ctx, config, result, os.Stdout)
	for _, destination := range destinations {
		logger.Info(fmt.Sprintf("✅ Report written to %s", destination))
	}
	if err != nil {
		logger.Error(fmt.Sprintf("❌ Failed to write report: %s", err.Error()))
		return err
	}

	select {
	case update := <-updates:
		if update.UpdateAvailable {
			logger.Info(fmt.Sprintf("💡 %s", formatUpdateMessage(update)))
		}
	default:
	}

	if config.FailOnDiff && result.HasDifferences() {
		return fmt.Errorf("%w in %s", ErrDifferencesFound, config.Model)
	}
	logger.Info(fmt.Sprintf("✅ Diff completed in %s", result.Duration.Round(time.Millisecond)))
	return nil
}

// writeReport renders result and delivers it to the configured output file and S3 bucket, or to
// stdout when neither is set. It returns the destinations written, empty for stdout.
func writeReport(ctx context.Context, config *Config, result *differ.DiffResult, stdout io.Writer) ([]string, error) {
	formatter, err := formatters.GetFormatter(config.Format)
	if err != nil {
		return nil, err
	}
	data, err := formatter.Format(result)
	if err != nil {
		return nil, err
	}

	if config.OutputFile == "" && !config.S3.Enabled() {
		if config.Compression != "" && config.Compression != "none" {
			logger.Warn("⚠️  --compression only applies to --output-file and S3, writing uncompressed to stdout")
		}
		_, err := stdout.Write(data)
		return nil, err
	}

	compressor, err := compressors.GetCompressor(config.Compression)
	if err != nil {
		return nil, err
	}
	level := config.CompressionLevel
	if level == 0 {
		level = compressor.DefaultLevel()
	}
	compressed, err := compressors.Compress(compressor, data, level)
	if err != nil {
		return nil, err
	}

	var destinations []string
	if config.OutputFile != "" {
		path := GenerateFilename(config.OutputFile, result.Model, result.RunID, result.StartedAt,
			formatter.Extension(), compressor.Extension())
		if err := writeFile(path, compressed); err != nil {
			return destinations, err
		}
		destinations = append(destinations, path)
	}

	if config.S3.Enabled() {
		uploader, err := NewReportUploader(config.S3, logger)
		if err != nil {
			return destinations, err
		}
		key := GenerateFilename(config.S3.PathTemplate, result.Model, result.RunID, result.StartedAt,
			formatter.Extension(), compressor.Extension())
		url, err := uploader.Upload(ctx, key, compressed, contentTypeFor(config.Compression, formatter.MIMEType()))
		if err != nil {
			return destinations, err
		}
		destinations = append(destinations, url)
	}

	return destinations, nil
}

func writeFile(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func runStatus(w io.Writer) error {
	runs, err := ListRuns()
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No diff runs recorded")
		return nil
	}

	for _, run := range runs {
		state := run.Stage
		if run.Stale {
			state = "abandoned, workspace not dropped"
		}
		fmt.Fprintf(w, "%s  %s  %s  %s  started %s  (%s)\n",
			run.RunID, run.Model, run.Dialect, run.Workspace,
			run.StartTime.Format("2006-01-02 15:04:05"), state)
	}
	return nil
}
