/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testServerConfig struct {
	Address string
}

func (c *testServerConfig) SetProviderDefaults(dp DataProvider) {
	dp.SetDefault("server.addr", ":80")
}

func (c *testServerConfig) Set(dp DataProvider) error {
	var err error
	c.Address, err = dp.GetString("server.addr")
	return err
}

type testLimitConfig struct {
	Limit   int
	Timeout time.Duration
}

func (c *testLimitConfig) KeyPrefix() string {
	return "rateLimit"
}

func (c *testLimitConfig) SetProviderDefaults(dp DataProvider) {
	dp.SetDefault("timeout", "5s")
}

func (c *testLimitConfig) Set(dp DataProvider) error {
	var err error
	if c.Limit, err = dp.GetInt("limit"); err != nil {
		return err
	}
	c.Timeout, err = dp.GetDuration("timeout")
	return err
}

const testLimitConfigJSON = `{"rateLimit":{"limit":100}}`

const testLimitConfigYAML = `
server:
  addr: ":8080"
rateLimit:
  limit: 50
  timeout: 2s
`

func TestLoader_LoadFromReader(t *testing.T) {
	t.Run("load config, use defaults", func(t *testing.T) {
		srvCfg := &testServerConfig{}
		err := NewLoader(NewViperAdapter()).LoadFromReader(bytes.NewBufferString(`{}`), DataTypeJSON, srvCfg)
		require.NoError(t, err)
		require.Equal(t, ":80", srvCfg.Address)
	})

	t.Run("load config", func(t *testing.T) {
		srvCfg := &testServerConfig{}
		err := NewLoader(NewViperAdapter()).LoadFromReader(bytes.NewBufferString(`{"server":{"addr":":777"}}`), DataTypeJSON, srvCfg)
		require.NoError(t, err)
		require.Equal(t, ":777", srvCfg.Address)
	})

	t.Run("load config, use key prefix", func(t *testing.T) {
		limitCfg := &testLimitConfig{}
		err := NewLoader(NewViperAdapter()).LoadFromReader(bytes.NewBufferString(testLimitConfigJSON), DataTypeJSON, limitCfg)
		require.NoError(t, err)
		require.Equal(t, 100, limitCfg.Limit)
		require.Equal(t, 5*time.Second, limitCfg.Timeout)
	})

	t.Run("load multiple configs", func(t *testing.T) {
		srvCfg := &testServerConfig{}
		limitCfg := &testLimitConfig{}
		err := NewLoader(NewViperAdapter()).LoadFromReader(
			bytes.NewBufferString(testLimitConfigYAML), DataTypeYAML, srvCfg, limitCfg)
		require.NoError(t, err)
		require.Equal(t, ":8080", srvCfg.Address)
		require.Equal(t, 50, limitCfg.Limit)
		require.Equal(t, 2*time.Second, limitCfg.Timeout)
	})
}

func TestLoader_LoadFromFile(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(testLimitConfigYAML), 0o600))

	limitCfg := &testLimitConfig{}
	require.NoError(t, NewLoader(NewViperAdapter()).LoadFromFile(cfgPath, DataTypeYAML, limitCfg))
	require.Equal(t, 50, limitCfg.Limit)

	err := NewLoader(NewViperAdapter()).LoadFromFile(filepath.Join(t.TempDir(), "missing.yml"), DataTypeYAML, limitCfg)
	require.Error(t, err)
}

func TestNewDefaultLoader_EnvVars(t *testing.T) {
	t.Setenv("TLTEST_RATELIMIT_LIMIT", "7")

	limitCfg := &testLimitConfig{}
	err := NewDefaultLoader("tltest").LoadFromReader(bytes.NewBufferString(testLimitConfigJSON), DataTypeJSON, limitCfg)
	require.NoError(t, err)
	require.Equal(t, 7, limitCfg.Limit)
}
