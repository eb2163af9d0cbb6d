package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides.
	// A key such as global.log_level maps to TESTBENCH_GLOBAL_LOG_LEVEL.
	EnvPrefix = "TESTBENCH"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultResultsDir is the default directory for run logs, exports and the baseline.
	DefaultResultsDir = "./results"

	// DefaultCasePrefix is the directory name prefix used by prefix discovery.
	DefaultCasePrefix = "test-"

	// DefaultBinary is the subject binary invoked for every case.
	DefaultBinary = "epcheck"

	// DefaultTimeout bounds a single subject invocation.
	DefaultTimeout = 60 * time.Second

	// DefaultReportHeader is the banner the subject prints on its table output.
	DefaultReportHeader = "OpenAPI Endpoint Usage Report"

	// DefaultFormatFlag is the subject flag used to select an output format.
	DefaultFormatFlag = "--format"

	// DefaultDiffPreviewChars bounds the stored and displayed diff length.
	DefaultDiffPreviewChars = 2000

	// DefaultRegressionThreshold is the fractional slowdown flagged as a regression.
	DefaultRegressionThreshold = 0.10
)

// Discovery strategies for the case registry.
const (
	DiscoveryPrefix = "prefix"
	DiscoveryGlob   = "glob"
)

// Config is the root configuration for testbench.
type Config struct {
	Global     GlobalConfig     `yaml:"global" mapstructure:"global"`
	Suite      SuiteConfig      `yaml:"suite" mapstructure:"suite"`
	Normalize  NormalizeConfig  `yaml:"normalize" mapstructure:"normalize"`
	Validation ValidationConfig `yaml:"validation" mapstructure:"validation"`
	Database   DatabaseConfig   `yaml:"database" mapstructure:"database"`
	Regression RegressionConfig `yaml:"regression" mapstructure:"regression"`
	Upload     UploadConfig     `yaml:"upload" mapstructure:"upload"`
	API        APIConfig        `yaml:"api" mapstructure:"api"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel     string `yaml:"log_level" mapstructure:"log_level"`
	ResultsDir   string `yaml:"results_dir" mapstructure:"results_dir"`
	ResultsOwner string `yaml:"results_owner,omitempty" mapstructure:"results_owner"`
}

// SuiteConfig controls case discovery and subject execution.
type SuiteConfig struct {
	Root      string   `yaml:"root" mapstructure:"root"`
	Discovery string   `yaml:"discovery" mapstructure:"discovery"`
	Prefix    string   `yaml:"prefix" mapstructure:"prefix"`
	Patterns  []string `yaml:"patterns,omitempty" mapstructure:"patterns"`
	Filter    string   `yaml:"filter,omitempty" mapstructure:"filter"`

	Binary        string        `yaml:"binary" mapstructure:"binary"`
	Timeout       time.Duration `yaml:"timeout" mapstructure:"timeout"`
	Concurrency   int           `yaml:"concurrency" mapstructure:"concurrency"`
	FormatFlag    string        `yaml:"format_flag" mapstructure:"format_flag"`
	PrimaryFormat string        `yaml:"primary_format" mapstructure:"primary_format"`
	ReportHeader  string        `yaml:"report_header" mapstructure:"report_header"`

	MeasureMemory        bool          `yaml:"measure_memory" mapstructure:"measure_memory"`
	MemorySampleInterval time.Duration `yaml:"memory_sample_interval" mapstructure:"memory_sample_interval"`
}

// NormalizeConfig configures output canonicalization.
type NormalizeConfig struct {
	DisableDefaults bool         `yaml:"disable_defaults" mapstructure:"disable_defaults"`
	ExtraRules      []RuleConfig `yaml:"extra_rules,omitempty" mapstructure:"extra_rules"`
}

// RuleConfig describes a single normalization rule appended after the defaults.
type RuleConfig struct {
	Name        string `yaml:"name" mapstructure:"name"`
	Kind        string `yaml:"kind" mapstructure:"kind"`
	Pattern     string `yaml:"pattern" mapstructure:"pattern"`
	Replacement string `yaml:"replacement,omitempty" mapstructure:"replacement"`
}

// ValidationConfig configures output comparison.
type ValidationConfig struct {
	DiffPreviewChars int `yaml:"diff_preview_chars" mapstructure:"diff_preview_chars"`
	DiffContext      int `yaml:"diff_context" mapstructure:"diff_context"`
}

// RegressionConfig configures the performance baseline monitor.
type RegressionConfig struct {
	BaselineFile string  `yaml:"baseline_file" mapstructure:"baseline_file"`
	Threshold    float64 `yaml:"threshold" mapstructure:"threshold"`
	Enforce      bool    `yaml:"enforce" mapstructure:"enforce"`
	Pin          bool    `yaml:"pin" mapstructure:"pin"`
}

// UploadConfig contains artifact upload settings.
type UploadConfig struct {
	S3 S3UploadConfig `yaml:"s3" mapstructure:"s3"`
}

// S3UploadConfig contains S3-compatible storage settings for run exports.
type S3UploadConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	StorageClass    string `yaml:"storage_class,omitempty" mapstructure:"storage_class"`
	ACL             string `yaml:"acl,omitempty" mapstructure:"acl"`
	UploadLogs      bool   `yaml:"upload_logs" mapstructure:"upload_logs"`
}

// Load reads configuration from path (optional), applies defaults and
// TESTBENCH_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers every known key so environment overrides apply
// even when the key is absent from the file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)
	v.SetDefault("global.results_dir", DefaultResultsDir)
	v.SetDefault("global.results_owner", "")

	v.SetDefault("suite.root", ".")
	v.SetDefault("suite.discovery", DiscoveryPrefix)
	v.SetDefault("suite.prefix", DefaultCasePrefix)
	v.SetDefault("suite.patterns", []string{})
	v.SetDefault("suite.filter", "")
	v.SetDefault("suite.binary", DefaultBinary)
	v.SetDefault("suite.timeout", DefaultTimeout)
	v.SetDefault("suite.concurrency", 1)
	v.SetDefault("suite.format_flag", DefaultFormatFlag)
	v.SetDefault("suite.primary_format", "table")
	v.SetDefault("suite.report_header", DefaultReportHeader)
	v.SetDefault("suite.measure_memory", true)
	v.SetDefault("suite.memory_sample_interval", 50*time.Millisecond)

	v.SetDefault("normalize.disable_defaults", false)

	v.SetDefault("validation.diff_preview_chars", DefaultDiffPreviewChars)
	v.SetDefault("validation.diff_context", 3)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite.path", filepath.Join(DefaultResultsDir, "testbench.db"))
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "testbench")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "testbench")
	v.SetDefault("database.postgres.ssl_mode", "disable")
	v.SetDefault("database.mysql.host", "localhost")
	v.SetDefault("database.mysql.port", 3306)
	v.SetDefault("database.mysql.user", "testbench")
	v.SetDefault("database.mysql.password", "")
	v.SetDefault("database.mysql.database", "testbench")

	v.SetDefault("regression.baseline_file", filepath.Join(DefaultResultsDir, "baseline.json"))
	v.SetDefault("regression.threshold", DefaultRegressionThreshold)
	v.SetDefault("regression.enforce", false)
	v.SetDefault("regression.pin", false)

	v.SetDefault("upload.s3.enabled", false)
	v.SetDefault("upload.s3.endpoint_url", "")
	v.SetDefault("upload.s3.region", "")
	v.SetDefault("upload.s3.bucket", "")
	v.SetDefault("upload.s3.prefix", "testbench")
	v.SetDefault("upload.s3.access_key_id", "")
	v.SetDefault("upload.s3.secret_access_key", "")
	v.SetDefault("upload.s3.force_path_style", false)
	v.SetDefault("upload.s3.storage_class", "")
	v.SetDefault("upload.s3.acl", "")
	v.SetDefault("upload.s3.upload_logs", true)

	v.SetDefault("api.listen", ":8080")
	v.SetDefault("api.cors_origins", []string{})
	v.SetDefault("api.default_limit", 20)
	v.SetDefault("api.rate_limit.enabled", false)
	v.SetDefault("api.rate_limit.requests_per_minute", 120)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Suite.Binary == "" {
		return fmt.Errorf("suite.binary is required")
	}

	switch c.Suite.Discovery {
	case DiscoveryPrefix:
		if c.Suite.Prefix == "" {
			return fmt.Errorf("suite.prefix is required for prefix discovery")
		}
	case DiscoveryGlob:
		if len(c.Suite.Patterns) == 0 {
			return fmt.Errorf("suite.patterns is required for glob discovery")
		}
	default:
		return fmt.Errorf("unknown suite.discovery %q", c.Suite.Discovery)
	}

	if c.Suite.Timeout <= 0 {
		return fmt.Errorf("suite.timeout must be positive")
	}

	if c.Suite.Concurrency < 1 {
		return fmt.Errorf("suite.concurrency must be at least 1")
	}

	if c.Validation.DiffPreviewChars <= 0 {
		return fmt.Errorf("validation.diff_preview_chars must be positive")
	}

	if c.Regression.Threshold <= 0 {
		return fmt.Errorf("regression.threshold must be positive")
	}

	for i, rule := range c.Normalize.ExtraRules {
		if rule.Pattern == "" {
			return fmt.Errorf("normalize.extra_rules[%d]: pattern is required", i)
		}
	}

	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if c.Upload.S3.Enabled && c.Upload.S3.Bucket == "" {
		return fmt.Errorf("upload.s3.bucket is required when upload is enabled")
	}

	if c.Global.ResultsDir != "" {
		dir := filepath.Dir(c.Global.ResultsDir)
		if dir != "." && dir != ".." {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				return fmt.Errorf("results directory parent %q does not exist", dir)
			}
		}
	}

	return nil
}

// LogsDir returns the directory that holds per-run log files.
func (c *Config) LogsDir() string {
	return filepath.Join(c.Global.ResultsDir, "logs")
}

// ExportsDir returns the directory that holds run exports.
func (c *Config) ExportsDir() string {
	return filepath.Join(c.Global.ResultsDir, "exports")
}
