package cmd

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/airframesio/model-diff/cmd/compressors"
	"github.com/airframesio/model-diff/cmd/formatters"
	"github.com/airframesio/model-diff/cmd/warehouse"
)

// Static errors for configuration validation
var (
	ErrModelRequired           = errors.New("model name is required")
	ErrModelNameInvalid        = errors.New("model name is invalid: must start with a letter or underscore, and contain only letters, numbers, and underscores")
	ErrKeyColumnInvalid        = errors.New("key column is invalid: must not be empty")
	ErrBaseRefRequired         = errors.New("base git ref is required")
	ErrHeadRefRequired         = errors.New("head git ref is required")
	ErrProjectDirRequired      = errors.New("dbt project directory is required")
	ErrBaseRelationRequired    = errors.New("base relation is required")
	ErrHeadRelationRequired    = errors.New("head relation is required")
	ErrSampleSizeInvalid       = errors.New("sample size must be between 0 and 10000")
	ErrParallelismInvalid      = errors.New("parallelism must be between 1 and 4")
	ErrFormatInvalid           = errors.New("format must be one of: text, json, markdown, csv")
	ErrCompressionInvalid      = errors.New("compression must be one of: zstd, lz4, gzip, none")
	ErrCompressionLevelInvalid = errors.New("compression level must be between 1 and 22 (zstd), 1-9 (lz4/gzip)")
	ErrRunIDInvalid            = errors.New("run id is invalid: must be 1-24 lowercase letters, numbers, or underscores")
	ErrLogFormatInvalid        = errors.New("log format must be one of: text, logfmt, json")
	ErrDatabasePortInvalid     = errors.New("database port must be between 1 and 65535")
	ErrStatementTimeoutInvalid = errors.New("database statement timeout must be >= 0")
	ErrMaxRetriesInvalid       = errors.New("database max retries must be >= 0")
	ErrRetryDelayInvalid       = errors.New("database retry delay must be >= 0")
	ErrCleanupTimeoutInvalid   = errors.New("cleanup timeout must be >= 0")
	ErrS3SecretKeyRequired     = errors.New("S3 secret key is required with an access key")
	ErrS3RegionInvalid         = errors.New("S3 region contains invalid characters or is too long")
	ErrPathTemplateInvalid     = errors.New("S3 path template must contain {model} placeholder")
)

// passCount is the number of comparison passes a run can execute concurrently
const passCount = 4

type Config struct {
	Debug     bool
	LogFormat string
	Progress  bool

	Model string
	Keys  []string

	// diff: git refs built with dbt
	BaseRef    string
	HeadRef    string
	ProjectDir string

	// diff-relations: already built relations, schema.name
	BaseRelation string
	HeadRelation string

	// Connection comes from profiles.yml unless Database.Host is set
	ProfilesDir string
	Profile     string
	Target      string
	Database    warehouse.DatabaseConfig

	Where          string
	SampleSize     int
	SkipProfile    bool
	KeepWorkspace  bool
	Parallelism    int
	RunID          string
	CleanupTimeout int // seconds, 0 = default

	Format           string
	OutputFile       string
	Compression      string
	CompressionLevel int
	FailOnDiff       bool
	S3               S3Config
}

// validIdentifier matches an unquoted SQL identifier
var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

var validRunID = regexp.MustCompile(`^[a-z0-9_]{1,24}$`)

var validRegion = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// isValidModelName validates a dbt model name, which also names the workspace schema
func isValidModelName(name string) bool {
	return len(name) <= 63 && validIdentifier.MatchString(name)
}

func isValidFormat(format string) bool {
	_, err := formatters.GetFormatter(format)
	return err == nil
}

func isValidCompression(compression string) bool {
	_, err := compressors.GetCompressor(compression)
	return err == nil
}

// isValidCompressionLevel validates compression level based on compression type. 0 selects the
// compressor's default.
func isValidCompressionLevel(compression string, level int) bool {
	if level == 0 {
		return true
	}
	switch compression {
	case "zstd":
		return level >= 1 && level <= 22
	case "lz4", "gzip":
		return level >= 1 && level <= 9
	default:
		return false
	}
}

// isValidRegion validates that an S3 region is reasonable
func isValidRegion(region string) bool {
	if region == "" || len(region) > 50 {
		return false
	}
	// Region should only contain alphanumeric, dash, and underscore
	return validRegion.MatchString(region)
}

// isValidPathTemplate validates that a path template contains the {model} placeholder
func isValidPathTemplate(template string) bool {
	return strings.Contains(template, "{model}")
}

func isValidLogFormat(format string) bool {
	validFormats := map[string]bool{
		"text":   true,
		"logfmt": true,
		"json":   true,
	}
	return validFormats[format]
}

// UseProfiles reports whether the connection is read from profiles.yml
func (c *Config) UseProfiles() bool {
	return c.Database.Host == ""
}

// Validate checks the settings shared by every diff command
func (c *Config) Validate() error {
	if c.Model == "" {
		return ErrModelRequired
	}
	if !isValidModelName(c.Model) {
		return fmt.Errorf("%w, got %q", ErrModelNameInvalid, c.Model)
	}
	for _, key := range c.Keys {
		if key == "" {
			return ErrKeyColumnInvalid
		}
	}

	if c.SampleSize < 0 || c.SampleSize > 10000 {
		return fmt.Errorf("%w, got %d", ErrSampleSizeInvalid, c.SampleSize)
	}
	if c.Parallelism < 1 || c.Parallelism > passCount {
		return fmt.Errorf("%w, got %d", ErrParallelismInvalid, c.Parallelism)
	}
	if c.RunID != "" && !validRunID.MatchString(c.RunID) {
		return fmt.Errorf("%w, got %q", ErrRunIDInvalid, c.RunID)
	}
	if c.CleanupTimeout < 0 {
		return fmt.Errorf("%w, got %d", ErrCleanupTimeoutInvalid, c.CleanupTimeout)
	}

	if !isValidFormat(c.Format) {
		return fmt.Errorf("%w, got %q", ErrFormatInvalid, c.Format)
	}
	if !isValidCompression(c.Compression) {
		return fmt.Errorf("%w, got %q", ErrCompressionInvalid, c.Compression)
	}
	if !isValidCompressionLevel(c.Compression, c.CompressionLevel) {
		return fmt.Errorf("%w, got %d for %s", ErrCompressionLevelInvalid, c.CompressionLevel, c.Compression)
	}
	if c.LogFormat != "" && !isValidLogFormat(c.LogFormat) {
		return fmt.Errorf("%w, got %q", ErrLogFormatInvalid, c.LogFormat)
	}

	if c.Database.MaxRetries < 0 {
		return fmt.Errorf("%w, got %d", ErrMaxRetriesInvalid, c.Database.MaxRetries)
	}
	if c.Database.RetryDelay < 0 {
		return fmt.Errorf("%w, got %d", ErrRetryDelayInvalid, c.Database.RetryDelay)
	}

	if c.S3.Enabled() {
		if c.S3.AccessKey != "" && c.S3.SecretKey == "" {
			return ErrS3SecretKeyRequired
		}
		if !isValidRegion(c.S3.Region) {
			return fmt.Errorf("%w, got %q", ErrS3RegionInvalid, c.S3.Region)
		}
		if !isValidPathTemplate(c.S3.PathTemplate) {
			return fmt.Errorf("%w, got %q", ErrPathTemplateInvalid, c.S3.PathTemplate)
		}
	}

	if !c.UseProfiles() {
		if c.Database.Port < 1 || c.Database.Port > 65535 {
			return fmt.Errorf("%w, got %d", ErrDatabasePortInvalid, c.Database.Port)
		}
		if c.Database.StatementTimeout < 0 {
			return fmt.Errorf("%w, got %d", ErrStatementTimeoutInvalid, c.Database.StatementTimeout)
		}
		if _, err := warehouse.GetAdapter(c.Database.Type); err != nil {
			return err
		}
	}

	return nil
}

// ValidateRefs checks the settings of a diff between two git refs
func (c *Config) ValidateRefs() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.BaseRef == "" {
		return ErrBaseRefRequired
	}
	if c.HeadRef == "" {
		return ErrHeadRefRequired
	}
	if c.ProjectDir == "" {
		return ErrProjectDirRequired
	}
	return nil
}

// ValidateRelations checks the settings of a diff between two existing relations
func (c *Config) ValidateRelations() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.BaseRelation == "" {
		return ErrBaseRelationRequired
	}
	if c.HeadRelation == "" {
		return ErrHeadRelationRequired
	}
	return nil
}
