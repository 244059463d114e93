/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/drizzlepal/go-trafficlimit/config"
)

func TestConfig(t *testing.T) {
	tests := []struct {
		name        string
		cfgData     string
		expectedCfg func() *Config
	}{
		{
			name:        "default values",
			cfgData:     `{}`,
			expectedCfg: func() *Config { return NewDefaultConfig() },
		},
		{
			name: "all values",
			cfgData: `
log:
  level: WARN
  format: text
  output: file
  nocolor: true
  addCaller: true
  file:
    path: limiter.log
    rotation:
      compress: true
      maxSize: 100M
      maxBackups: 42
      maxAgeDays: 7
      localTimeInNames: true
  error:
    noVerbose: true
    verboseSuffix: _full
`,
			expectedCfg: func() *Config {
				cfg := NewDefaultConfig()
				cfg.Level = LevelWarn
				cfg.Format = FormatText
				cfg.Output = OutputFile
				cfg.NoColor = true
				cfg.AddCaller = true
				cfg.File.Path = "limiter.log"
				cfg.File.Rotation = FileRotationConfig{
					Compress:         true,
					MaxSize:          100 * 1024 * 1024,
					MaxBackups:       42,
					MaxAgeDays:       7,
					LocalTimeInNames: true,
				}
				cfg.Error = ErrorConfig{NoVerbose: true, VerboseSuffix: "_full"}
				return cfg
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			err := config.NewLoader(config.NewViperAdapter()).LoadFromReader(
				bytes.NewBufferString(tt.cfgData), config.DataTypeYAML, cfg)
			require.NoError(t, err)
			require.Equal(t, tt.expectedCfg(), cfg)
		})
	}
}

func TestConfigValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		errMsg string
	}{
		{
			name:   "unknown level",
			yaml:   "log:\n  level: trace",
			errMsg: `log.level: unknown value "trace", should be one of [error warn info debug]`,
		},
		{
			name:   "unknown output",
			yaml:   "log:\n  output: syslog",
			errMsg: `log.output: unknown value "syslog", should be one of [stdout stderr file]`,
		},
		{
			name:   "file output without path",
			yaml:   "log:\n  output: file",
			errMsg: `log.file.path: cannot be empty when "file" output is used`,
		},
		{
			name:   "too small rotation size",
			yaml:   "log:\n  file:\n    rotation:\n      maxSize: 10K",
			errMsg: `log.file.rotation.maxSize: should be >= 1M`,
		},
		{
			name:   "no backups",
			yaml:   "log:\n  file:\n    rotation:\n      maxBackups: 0",
			errMsg: `log.file.rotation.maxBackups: should be >= 1`,
		},
		{
			name:   "negative max age",
			yaml:   "log:\n  file:\n    rotation:\n      maxAgeDays: -1",
			errMsg: `log.file.rotation.maxAgeDays: should be >= 0`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := config.NewLoader(config.NewViperAdapter()).LoadFromReader(
				bytes.NewBufferString(tt.yaml), config.DataTypeYAML, NewConfig())
			require.EqualError(t, err, tt.errMsg)
		})
	}
}

func TestConfig_KeyPrefix(t *testing.T) {
	require.Equal(t, "log", (&Config{}).KeyPrefix())

	cfg := NewConfig(WithKeyPrefix("limiter.log"))
	err := config.NewLoader(config.NewViperAdapter()).LoadFromReader(
		bytes.NewBufferString("limiter:\n  log:\n    level: debug"), config.DataTypeYAML, cfg)
	require.NoError(t, err)
	require.Equal(t, LevelDebug, cfg.Level)
}

func TestConfig_UnmarshalYAML(t *testing.T) {
	var cfg Config
	require.NoError(t, yaml.Unmarshal([]byte("level: error\nfile:\n  rotation:\n    maxSize: 2Mi\n"), &cfg))
	require.Equal(t, LevelError, cfg.Level)
	require.Equal(t, config.ByteSize(2*1024*1024), cfg.File.Rotation.MaxSize)
}
