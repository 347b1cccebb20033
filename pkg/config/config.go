package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/ajitpratap0/nebula-bc/pkg/errors"
)

const (
	// APIGenerationOffset pages with an explicit next_page token
	APIGenerationOffset = "offset"
	// APIGenerationCursorLink pages with aid and $skiptoken taken from @odata.nextLink
	APIGenerationCursorLink = "cursor_link"

	// DefaultAPIBaseURL is the Business Central API host
	DefaultAPIBaseURL = "https://api.businesscentral.dynamics.com"
	// DefaultTokenURL is the Azure AD token endpoint used for refresh grants
	DefaultTokenURL = "https://login.microsoftonline.com/common/oauth2/token"
)

// BaseConfig holds the settings shared by every component of a run.
// Config embeds it inline so these sections sit at the top level of the file.
type BaseConfig struct {
	// Name identifies the pipeline in logs and metrics
	Name    string `yaml:"name" json:"name" mapstructure:"name"`
	Version string `yaml:"version" json:"version" mapstructure:"version"`

	Performance   PerformanceConfig   `yaml:"performance" json:"performance" mapstructure:"performance"`
	Timeouts      TimeoutConfig       `yaml:"timeouts" json:"timeouts" mapstructure:"timeouts"`
	Reliability   ReliabilityConfig   `yaml:"reliability" json:"reliability" mapstructure:"reliability"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability" mapstructure:"observability"`
	Advanced      AdvancedConfig      `yaml:"advanced" json:"advanced" mapstructure:"advanced"`
}

// PerformanceConfig contains throughput settings.
type PerformanceConfig struct {
	// BufferSize is the capacity of the record channel between engine and sink
	BufferSize int `yaml:"buffer_size" json:"buffer_size" mapstructure:"buffer_size"`
}

// TimeoutConfig contains timeout settings. Timeouts apply per HTTP call.
type TimeoutConfig struct {
	Request    time.Duration `yaml:"request" json:"request" mapstructure:"request"`
	Connection time.Duration `yaml:"connection" json:"connection" mapstructure:"connection"`
	Idle       time.Duration `yaml:"idle" json:"idle" mapstructure:"idle"`
	KeepAlive  time.Duration `yaml:"keep_alive" json:"keep_alive" mapstructure:"keep_alive"`
}

// ReliabilityConfig contains the retry budget and rate limiting settings.
type ReliabilityConfig struct {
	// RetryAttempts is the total number of attempts per request, including the first
	RetryAttempts   int           `yaml:"retry_attempts" json:"retry_attempts" mapstructure:"retry_attempts"`
	RetryDelay      time.Duration `yaml:"retry_delay" json:"retry_delay" mapstructure:"retry_delay"`
	RetryMultiplier float64       `yaml:"retry_multiplier" json:"retry_multiplier" mapstructure:"retry_multiplier"`
	MaxRetryDelay   time.Duration `yaml:"max_retry_delay" json:"max_retry_delay" mapstructure:"max_retry_delay"`
	// RetryJitter is the randomization factor applied to each delay (0-1)
	RetryJitter float64 `yaml:"retry_jitter" json:"retry_jitter" mapstructure:"retry_jitter"`
	// RateLimitPerSec limits requests per second (0 = unlimited)
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec" json:"rate_limit_per_sec" mapstructure:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst" json:"rate_limit_burst" mapstructure:"rate_limit_burst"`
}

// ObservabilityConfig contains logging, metrics and tracing settings.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level" json:"log_level" mapstructure:"log_level"`
	LogEncoding string `yaml:"log_encoding" json:"log_encoding" mapstructure:"log_encoding"`
	// MetricsAddr serves /metrics when set, e.g. ":9090"
	MetricsAddr       string  `yaml:"metrics_addr" json:"metrics_addr" mapstructure:"metrics_addr"`
	EnableTracing     bool    `yaml:"enable_tracing" json:"enable_tracing" mapstructure:"enable_tracing"`
	TracingSampleRate float64 `yaml:"tracing_sample_rate" json:"tracing_sample_rate" mapstructure:"tracing_sample_rate"`
}

// AdvancedConfig contains optional output features.
type AdvancedConfig struct {
	EnableCompression bool `yaml:"enable_compression" json:"enable_compression" mapstructure:"enable_compression"`
	// CompressionAlgorithm selects gzip, zstd, snappy or lz4
	CompressionAlgorithm string `yaml:"compression_algorithm" json:"compression_algorithm" mapstructure:"compression_algorithm"`
	CompressionLevel     int    `yaml:"compression_level" json:"compression_level" mapstructure:"compression_level"`
}

// DynamicsBCConfig configures the Business Central source.
type DynamicsBCConfig struct {
	ClientID     string `yaml:"client_id" json:"client_id" mapstructure:"client_id"`
	ClientSecret string `yaml:"client_secret" json:"client_secret" mapstructure:"client_secret"`
	RefreshToken string `yaml:"refresh_token" json:"refresh_token" mapstructure:"refresh_token"`
	RedirectURI  string `yaml:"redirect_uri" json:"redirect_uri" mapstructure:"redirect_uri"`
	// AccessToken seeds the credential cache; AccessTokenLifetime must be set for it to be trusted
	AccessToken         string        `yaml:"access_token" json:"access_token" mapstructure:"access_token"`
	AccessTokenLifetime time.Duration `yaml:"access_token_lifetime" json:"access_token_lifetime" mapstructure:"access_token_lifetime"`

	// EnvironmentName may carry a tenant prefix and a trailing ?query
	EnvironmentName string `yaml:"environment_name" json:"environment_name" mapstructure:"environment_name"`
	// StartDate is the incremental floor and the first year of windowed resources
	StartDate string `yaml:"start_date" json:"start_date" mapstructure:"start_date"`
	UserAgent string `yaml:"user_agent" json:"user_agent" mapstructure:"user_agent"`
	// CompanyIDs is an optional comma separated allow list of company ids
	CompanyIDs string `yaml:"company_ids" json:"company_ids" mapstructure:"company_ids"`
	// Streams selects resources by name; empty selects all
	Streams       []string `yaml:"streams" json:"streams" mapstructure:"streams"`
	APIGeneration string   `yaml:"api_generation" json:"api_generation" mapstructure:"api_generation"`
	// ReportPeriods is the number of months general ledger entries look back on non-initial syncs
	ReportPeriods int    `yaml:"report_periods" json:"report_periods" mapstructure:"report_periods"`
	APIBaseURL    string `yaml:"api_base_url" json:"api_base_url" mapstructure:"api_base_url"`
	TokenURL      string `yaml:"token_url" json:"token_url" mapstructure:"token_url"`
}

// DestinationConfig configures the record sink.
type DestinationConfig struct {
	Type string `yaml:"type" json:"type" mapstructure:"type"`
	// Path is the output file; empty or "-" writes to stdout
	Path string `yaml:"path" json:"path" mapstructure:"path"`
}

// StateConfig configures where watermarks are read from and written to.
type StateConfig struct {
	// URI is a local path, file://, s3://bucket/key or gs://bucket/key; empty disables persistence
	URI string `yaml:"uri" json:"uri" mapstructure:"uri"`
	// Region overrides the AWS region for s3:// URIs
	Region string `yaml:"region" json:"region" mapstructure:"region"`
	// CredentialsFile is a service account key for gs:// URIs; application default credentials otherwise
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file" mapstructure:"credentials_file"`
}

// Config is the complete configuration of one extraction run.
type Config struct {
	BaseConfig `yaml:",inline" json:",inline" mapstructure:",squash"`

	Source      DynamicsBCConfig  `yaml:"source" json:"source" mapstructure:"source"`
	Destination DestinationConfig `yaml:"destination" json:"destination" mapstructure:"destination"`
	State       StateConfig       `yaml:"state" json:"state" mapstructure:"state"`
}

// NewConfig creates a Config with defaults applied.
func NewConfig() *Config {
	return &Config{
		BaseConfig: BaseConfig{
			Name:    "nebula-bc",
			Version: "1.0.0",
			Performance: PerformanceConfig{
				BufferSize: 1000,
			},
			Timeouts: TimeoutConfig{
				Request:    60 * time.Second,
				Connection: 10 * time.Second,
				Idle:       90 * time.Second,
				KeepAlive:  30 * time.Second,
			},
			Reliability: ReliabilityConfig{
				RetryAttempts:   5,
				RetryDelay:      time.Second,
				RetryMultiplier: 2.0,
				MaxRetryDelay:   60 * time.Second,
				RetryJitter:     0.25,
				RateLimitPerSec: 0,
				RateLimitBurst:  1,
			},
			Observability: ObservabilityConfig{
				LogLevel:          "info",
				LogEncoding:       "json",
				TracingSampleRate: 0.1,
			},
			Advanced: AdvancedConfig{
				CompressionAlgorithm: "gzip",
				CompressionLevel:     0,
			},
		},
		Source: DynamicsBCConfig{
			APIGeneration: APIGenerationCursorLink,
			ReportPeriods: 3,
			APIBaseURL:    DefaultAPIBaseURL,
			TokenURL:      DefaultTokenURL,
		},
		Destination: DestinationConfig{
			Type: "jsonl",
			Path: "-",
		},
	}
}

// StartTime parses the configured start date. Both a bare date and an
// RFC 3339 timestamp are accepted.
func (c *DynamicsBCConfig) StartTime() (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, c.StartDate); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.Newf(errors.ErrorTypeConfig, "start_date %q is not an ISO-8601 date", c.StartDate)
}

// CompanyIDSet returns the company allow list, or nil when every company is synced.
func (c *DynamicsBCConfig) CompanyIDSet() map[string]bool {
	if strings.TrimSpace(c.CompanyIDs) == "" {
		return nil
	}
	set := make(map[string]bool)
	for _, id := range strings.Split(c.CompanyIDs, ",") {
		if id = strings.TrimSpace(id); id != "" {
			set[id] = true
		}
	}
	return set
}

// Validate checks the configuration for required fields and sane values.
// Every problem is returned as a single ErrorTypeConfig error.
func (c *Config) Validate() error {
	var problems []string

	required := map[string]string{
		"source.client_id":        c.Source.ClientID,
		"source.client_secret":    c.Source.ClientSecret,
		"source.refresh_token":    c.Source.RefreshToken,
		"source.environment_name": c.Source.EnvironmentName,
		"source.start_date":       c.Source.StartDate,
	}
	var missing []string
	for key, value := range required {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		problems = append(problems, "missing required config: "+strings.Join(missing, ", "))
	}

	if c.Source.StartDate != "" {
		if _, err := c.Source.StartTime(); err != nil {
			problems = append(problems, fmt.Sprintf("start_date %q is not an ISO-8601 date", c.Source.StartDate))
		}
	}

	switch c.Source.APIGeneration {
	case APIGenerationOffset, APIGenerationCursorLink:
	default:
		problems = append(problems, fmt.Sprintf("api_generation must be %q or %q, got %q",
			APIGenerationOffset, APIGenerationCursorLink, c.Source.APIGeneration))
	}

	for key, raw := range map[string]string{"api_base_url": c.Source.APIBaseURL, "token_url": c.Source.TokenURL} {
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			problems = append(problems, fmt.Sprintf("%s %q is not an absolute URL", key, raw))
		}
	}

	if c.Source.ReportPeriods < 1 {
		problems = append(problems, "report_periods must be at least 1")
	}
	if c.Performance.BufferSize <= 0 {
		problems = append(problems, "performance.buffer_size must be positive")
	}
	if c.Timeouts.Request <= 0 {
		problems = append(problems, "timeouts.request must be positive")
	}
	if c.Reliability.RetryAttempts < 1 {
		problems = append(problems, "reliability.retry_attempts must be at least 1")
	}
	if c.Reliability.RetryJitter < 0 || c.Reliability.RetryJitter > 1 {
		problems = append(problems, "reliability.retry_jitter must be between 0 and 1")
	}
	if c.Observability.TracingSampleRate < 0 || c.Observability.TracingSampleRate > 1 {
		problems = append(problems, "observability.tracing_sample_rate must be between 0 and 1")
	}

	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return errors.New(errors.ErrorTypeConfig, strings.Join(problems, "; "))
}
