package cmd

import (
	"errors"
	"testing"

	"github.com/airframesio/model-diff/cmd/warehouse"
)

func validConfig() *Config {
	return &Config{
		LogFormat:    "text",
		Model:        "orders",
		Keys:         []string{"id"},
		BaseRef:      "main",
		HeadRef:      "HEAD",
		ProjectDir:   ".",
		BaseRelation: "dbt_main.orders",
		HeadRelation: "dbt_dev.orders",
		SampleSize:   20,
		Parallelism:  1,
		Format:       "text",
		Compression:  "none",
	}
}

func TestConfigValidation(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		if err := validConfig().ValidateRefs(); err != nil {
			t.Fatalf("valid config should not return error: %v", err)
		}
		if err := validConfig().ValidateRelations(); err != nil {
			t.Fatalf("valid config should not return error: %v", err)
		}
	})

	t.Run("StatsOnlyWithoutKeys", func(t *testing.T) {
		config := validConfig()
		config.Keys = nil
		if err := config.Validate(); err != nil {
			t.Fatalf("keys are optional: %v", err)
		}
	})

	tests := []struct {
		name    string
		mutate  func(*Config)
		check   func(*Config) error
		wantErr error
	}{
		{name: "MissingModel", mutate: func(c *Config) { c.Model = "" }, wantErr: ErrModelRequired},
		{name: "InvalidModelName", mutate: func(c *Config) { c.Model = "orders; drop table x" }, wantErr: ErrModelNameInvalid},
		{name: "EmptyKey", mutate: func(c *Config) { c.Keys = []string{"id", ""} }, wantErr: ErrKeyColumnInvalid},
		{name: "NegativeSample", mutate: func(c *Config) { c.SampleSize = -1 }, wantErr: ErrSampleSizeInvalid},
		{name: "ZeroParallelism", mutate: func(c *Config) { c.Parallelism = 0 }, wantErr: ErrParallelismInvalid},
		{name: "TooMuchParallelism", mutate: func(c *Config) { c.Parallelism = 5 }, wantErr: ErrParallelismInvalid},
		{name: "InvalidRunID", mutate: func(c *Config) { c.RunID = "Run-1" }, wantErr: ErrRunIDInvalid},
		{name: "InvalidFormat", mutate: func(c *Config) { c.Format = "parquet" }, wantErr: ErrFormatInvalid},
		{name: "InvalidCompression", mutate: func(c *Config) { c.Compression = "brotli" }, wantErr: ErrCompressionInvalid},
		{name: "InvalidCompressionLevel", mutate: func(c *Config) { c.Compression = "gzip"; c.CompressionLevel = 12 }, wantErr: ErrCompressionLevelInvalid},
		{name: "InvalidLogFormat", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: ErrLogFormatInvalid},
		{name: "NegativeMaxRetries", mutate: func(c *Config) { c.Database.MaxRetries = -1 }, wantErr: ErrMaxRetriesInvalid},
		{name: "NegativeRetryDelay", mutate: func(c *Config) { c.Database.RetryDelay = -1 }, wantErr: ErrRetryDelayInvalid},
		{
			name: "S3AccessKeyWithoutSecret",
			mutate: func(c *Config) {
				c.S3 = S3Config{Bucket: "reports", AccessKey: "AKIA", Region: "auto", PathTemplate: "{model}"}
			},
			wantErr: ErrS3SecretKeyRequired,
		},
		{
			name:    "S3RegionInvalid",
			mutate:  func(c *Config) { c.S3 = S3Config{Bucket: "reports", Region: "us east", PathTemplate: "{model}"} },
			wantErr: ErrS3RegionInvalid,
		},
		{
			name:    "S3PathTemplateWithoutModel",
			mutate:  func(c *Config) { c.S3 = S3Config{Bucket: "reports", Region: "auto", PathTemplate: "reports/{run_id}"} },
			wantErr: ErrPathTemplateInvalid,
		},
		{name: "NegativeCleanupTimeout", mutate: func(c *Config) { c.CleanupTimeout = -1 }, wantErr: ErrCleanupTimeoutInvalid},
		{
			name:    "InvalidDatabasePort",
			mutate:  func(c *Config) { c.Database = warehouse.DatabaseConfig{Type: "postgres", Host: "db", Port: 70000} },
			wantErr: ErrDatabasePortInvalid,
		},
		{
			name:    "UnsupportedDatabaseType",
			mutate:  func(c *Config) { c.Database = warehouse.DatabaseConfig{Type: "snowflake", Host: "db", Port: 443} },
			wantErr: warehouse.ErrUnsupportedDialect,
		},
		{name: "MissingBaseRef", mutate: func(c *Config) { c.BaseRef = "" }, check: (*Config).ValidateRefs, wantErr: ErrBaseRefRequired},
		{name: "MissingHeadRef", mutate: func(c *Config) { c.HeadRef = "" }, check: (*Config).ValidateRefs, wantErr: ErrHeadRefRequired},
		{name: "MissingProjectDir", mutate: func(c *Config) { c.ProjectDir = "" }, check: (*Config).ValidateRefs, wantErr: ErrProjectDirRequired},
		{name: "MissingBaseRelation", mutate: func(c *Config) { c.BaseRelation = "" }, check: (*Config).ValidateRelations, wantErr: ErrBaseRelationRequired},
		{name: "MissingHeadRelation", mutate: func(c *Config) { c.HeadRelation = "" }, check: (*Config).ValidateRelations, wantErr: ErrHeadRelationRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.mutate(config)

			check := tt.check
			if check == nil {
				check = (*Config).Validate
			}
			err := check(config)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestCompressionLevelDefaults(t *testing.T) {
	tests := []struct {
		compression string
		level       int
		valid       bool
	}{
		{"zstd", 0, true},
		{"zstd", 22, true},
		{"zstd", 23, false},
		{"lz4", 9, true},
		{"lz4", 10, false},
		{"gzip", 1, true},
		{"none", 0, true},
		{"none", 3, false},
	}

	for _, tt := range tests {
		if got := isValidCompressionLevel(tt.compression, tt.level); got != tt.valid {
			t.Errorf("isValidCompressionLevel(%s, %d) = %v, want %v", tt.compression, tt.level, got, tt.valid)
		}
	}
}
