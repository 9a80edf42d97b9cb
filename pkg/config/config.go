// Package config provides the tap's configuration: credentials, the sync
// window, the attribution lookback buffer, and per-stream field selection.
// Configuration errors are fatal at load time, before any remote call is
// made.
package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/ajitpratap0/adstap/pkg/errors"
)

// ValidBufferDays is the whitelist of accepted insights lookback buffers.
// These mirror the vendor's attribution windows; anything else is a
// configuration error, never silently clamped.
var ValidBufferDays = []int{1, 7, 28}

// DefaultBufferDays is the lookback applied when none is configured.
const DefaultBufferDays = 28

// DefaultAPIVersion is the Marketing API version requested by default.
const DefaultAPIVersion = "v18.0"

const dateLayout = "2006-01-02"

// Config holds the tap configuration.
type Config struct {
	// AccessToken authenticates all Marketing API calls
	AccessToken string `mapstructure:"access_token"`
	// AccountID selects the ad account to extract (without the act_ prefix)
	AccountID string `mapstructure:"account_id"`
	// APIVersion pins the Marketing API version
	APIVersion string `mapstructure:"api_version"`
	// StartDate is the first-run extraction floor (YYYY-MM-DD)
	StartDate string `mapstructure:"start_date"`
	// EndDate optionally caps the insights window (YYYY-MM-DD)
	EndDate string `mapstructure:"end_date"`
	// InsightsBufferDays re-requests this many days before the bookmark to
	// capture late-attributed rows; must be one of ValidBufferDays
	InsightsBufferDays int `mapstructure:"insights_buffer_days"`
	// Streams maps each selected stream name to its selected fields. An
	// empty field list selects the stream's defaults.
	Streams map[string][]string `mapstructure:"streams"`

	// Reliability tunes retry behavior for remote calls
	Reliability ReliabilityConfig `mapstructure:"reliability"`

	parsedStart time.Time
	parsedEnd   time.Time
}

// ReliabilityConfig contains retry settings for remote calls.
type ReliabilityConfig struct {
	// RetryAttempts caps attempts for transient failures
	RetryAttempts int `mapstructure:"retry_attempts"`
	// RetryDelay is the initial backoff delay
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	// RetryMultiplier grows the delay each attempt
	RetryMultiplier float64 `mapstructure:"retry_multiplier"`
	// MaxRetryDelay caps the backoff delay
	MaxRetryDelay time.Duration `mapstructure:"max_retry_delay"`
}

// Load reads configuration from the given file plus ADSTAP_* environment
// variables and validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ADSTAP")
	v.AutomaticEnv()

	v.SetDefault("api_version", DefaultAPIVersion)
	v.SetDefault("insights_buffer_days", DefaultBufferDays)
	v.SetDefault("reliability.retry_attempts", 5)
	v.SetDefault("reliability.retry_delay", time.Second)
	v.SetDefault("reliability.retry_multiplier", 5.0)
	v.SetDefault("reliability.max_retry_delay", 5*time.Minute)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to read config file")
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to unmarshal config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for correctness. It must pass before
// the tap performs any network I/O.
func (c *Config) Validate() error {
	if c.AccessToken == "" {
		return errors.New(errors.ErrorTypeConfig, "access_token is required")
	}
	if c.AccountID == "" {
		return errors.New(errors.ErrorTypeConfig, "account_id is required")
	}
	if c.StartDate == "" {
		return errors.New(errors.ErrorTypeConfig, "start_date is required")
	}

	start, err := time.Parse(dateLayout, c.StartDate)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "start_date must be YYYY-MM-DD")
	}
	c.parsedStart = start

	if c.EndDate != "" {
		end, err := time.Parse(dateLayout, c.EndDate)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeConfig, "end_date must be YYYY-MM-DD")
		}
		if end.Before(start) {
			return errors.New(errors.ErrorTypeConfig, "end_date precedes start_date")
		}
		c.parsedEnd = end
	}

	if !validBuffer(c.InsightsBufferDays) {
		return errors.Newf(errors.ErrorTypeConfig,
			"insights_buffer_days %d is not a valid attribution window (must be one of %v)",
			c.InsightsBufferDays, ValidBufferDays)
	}

	if c.APIVersion == "" {
		c.APIVersion = DefaultAPIVersion
	}

	if c.Reliability.RetryAttempts <= 0 {
		c.Reliability.RetryAttempts = 5
	}
	if c.Reliability.RetryDelay <= 0 {
		c.Reliability.RetryDelay = time.Second
	}
	if c.Reliability.RetryMultiplier <= 1 {
		c.Reliability.RetryMultiplier = 5.0
	}
	if c.Reliability.MaxRetryDelay <= 0 {
		c.Reliability.MaxRetryDelay = 5 * time.Minute
	}

	return nil
}

// Start returns the parsed start date.
func (c *Config) Start() time.Time {
	return c.parsedStart
}

// End returns the parsed end date and whether one was configured.
func (c *Config) End() (time.Time, bool) {
	return c.parsedEnd, c.EndDate != ""
}

// SelectedStreams returns the configured stream names.
func (c *Config) SelectedStreams() []string {
	names := make([]string, 0, len(c.Streams))
	for name := range c.Streams {
		names = append(names, name)
	}
	return names
}

func validBuffer(days int) bool {
	for _, d := range ValidBufferDays {
		if days == d {
			return true
		}
	}
	return false
}
