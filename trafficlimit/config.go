/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package trafficlimit

import (
	"fmt"
	"time"

	"github.com/drizzlepal/go-trafficlimit/config"
)

const cfgDefaultKeyPrefix = "rateLimit"

const (
	cfgKeyLimit          = "limit"
	cfgKeyMaxKeys        = "maxKeys"
	cfgKeyDryRun         = "dryRun"
	cfgKeyExcludedKeys   = "excludedKeys"
	cfgKeyIncludedKeys   = "includedKeys"
	cfgKeyBacklogLimit   = "backlog.limit"
	cfgKeyBacklogTimeout = "backlog.timeout"
)

// DefaultBacklogTimeout determines how long a request may wait in the backlog by default.
const DefaultBacklogTimeout = time.Second * 5

// Config represents a set of configuration parameters for rate limiting.
// Configuration can be loaded in different formats (YAML, JSON) using config.Loader, viper,
// or with json.Unmarshal/yaml.Unmarshal functions directly.
type Config struct {
	// Limit is the maximum number of acquisitions in the trailing one-second window.
	Limit int `mapstructure:"limit" yaml:"limit" json:"limit"`

	// MaxKeys is the maximum number of keys with independent budgets. Zero means a single budget for everything.
	MaxKeys int `mapstructure:"maxKeys" yaml:"maxKeys" json:"maxKeys"`

	// DryRun enables the mode where rejected requests are logged but still served.
	DryRun bool `mapstructure:"dryRun" yaml:"dryRun" json:"dryRun"`

	// ExcludedKeys contains glob patterns of keys that bypass rate limiting.
	ExcludedKeys []string `mapstructure:"excludedKeys" yaml:"excludedKeys" json:"excludedKeys"`

	// IncludedKeys contains glob patterns of the only keys that are rate limited.
	// It cannot be used together with ExcludedKeys.
	IncludedKeys []string `mapstructure:"includedKeys" yaml:"includedKeys" json:"includedKeys"`

	Backlog BacklogConfig `mapstructure:"backlog" yaml:"backlog" json:"backlog"`

	keyPrefix string
}

// BacklogConfig represents configuration for the backlog of requests waiting for admission.
type BacklogConfig struct {
	Limit   int                 `mapstructure:"limit" yaml:"limit" json:"limit"`
	Timeout config.TimeDuration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// ConfigOption is a type for functional options for the Config.
type ConfigOption func(*configOptions)

type configOptions struct {
	keyPrefix string
}

// WithKeyPrefix returns a ConfigOption that sets a key prefix for parsing configuration parameters.
// This prefix will be used by config.Loader.
func WithKeyPrefix(keyPrefix string) ConfigOption {
	return func(o *configOptions) {
		o.keyPrefix = keyPrefix
	}
}

// NewConfig creates a new instance of the Config.
func NewConfig(options ...ConfigOption) *Config {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{keyPrefix: opts.keyPrefix}
}

// NewDefaultConfig creates a new instance of the Config with default values.
func NewDefaultConfig(limit int, options ...ConfigOption) *Config {
	cfg := NewConfig(options...)
	cfg.Limit = limit
	cfg.Backlog.Timeout = config.TimeDuration(DefaultBacklogTimeout)
	return cfg
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
// Implements config.KeyPrefixProvider interface.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values for rate limiting in config.DataProvider.
// Implements config.Config interface.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyMaxKeys, 0)
	dp.SetDefault(cfgKeyDryRun, false)
	dp.SetDefault(cfgKeyBacklogLimit, 0)
	dp.SetDefault(cfgKeyBacklogTimeout, DefaultBacklogTimeout.String())
}

// Set sets rate limiting configuration values from config.DataProvider.
// Implements config.Config interface.
func (c *Config) Set(dp config.DataProvider) error {
	var err error

	if c.Limit, err = dp.GetInt(cfgKeyLimit); err != nil {
		return err
	}
	if c.Limit <= 0 {
		return dp.WrapKeyErr(cfgKeyLimit, fmt.Errorf("should be > 0"))
	}

	if c.MaxKeys, err = dp.GetInt(cfgKeyMaxKeys); err != nil {
		return err
	}
	if c.MaxKeys < 0 {
		return dp.WrapKeyErr(cfgKeyMaxKeys, fmt.Errorf("should be >= 0"))
	}

	if c.DryRun, err = dp.GetBool(cfgKeyDryRun); err != nil {
		return err
	}

	if c.ExcludedKeys, err = dp.GetStringSlice(cfgKeyExcludedKeys); err != nil {
		return err
	}
	if c.IncludedKeys, err = dp.GetStringSlice(cfgKeyIncludedKeys); err != nil {
		return err
	}
	if len(c.ExcludedKeys) != 0 && len(c.IncludedKeys) != 0 {
		return dp.WrapKeyErr(cfgKeyIncludedKeys, fmt.Errorf("cannot be used together with %q", cfgKeyExcludedKeys))
	}

	if c.Backlog.Limit, err = dp.GetInt(cfgKeyBacklogLimit); err != nil {
		return err
	}
	if c.Backlog.Limit < 0 {
		return dp.WrapKeyErr(cfgKeyBacklogLimit, fmt.Errorf("should be >= 0"))
	}

	var backlogTimeout time.Duration
	if backlogTimeout, err = dp.GetDuration(cfgKeyBacklogTimeout); err != nil {
		return err
	}
	if backlogTimeout <= 0 {
		return dp.WrapKeyErr(cfgKeyBacklogTimeout, fmt.Errorf("should be > 0"))
	}
	c.Backlog.Timeout = config.TimeDuration(backlogTimeout)

	return nil
}
