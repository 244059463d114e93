/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package config loads configuration values from YAML/JSON sources and environment variables
// into typed configuration objects such as trafficlimit.Config and log.Config.
package config

import "io"

// Config is implemented by configuration objects that Loader fills.
// SetProviderDefaults is called for all objects before any Set call.
type Config interface {
	SetProviderDefaults(dp DataProvider)
	Set(dp DataProvider) error
}

// KeyPrefixProvider is implemented by configuration objects that live in their own section
// (e.g. "rateLimit"). Keys passed to such objects are relative to that section.
type KeyPrefixProvider interface {
	KeyPrefix() string
}

// Loader reads configuration data into DataProvider and then fills configuration objects from it.
type Loader struct {
	DataProvider DataProvider
}

// NewLoader creates a new Loader.
func NewLoader(dp DataProvider) *Loader {
	return &Loader{DataProvider: dp}
}

// NewDefaultLoader creates a new Loader backed by viper where every key may be overridden
// by an environment variable with the given prefix.
func NewDefaultLoader(envVarsPrefix string) *Loader {
	va := NewViperAdapter()
	va.UseEnvVars(envVarsPrefix)
	return NewLoader(va)
}

// LoadFromFile reads the file and fills the configuration objects.
func (l *Loader) LoadFromFile(path string, dataType DataType, cfg Config, cfgs ...Config) error {
	if err := l.DataProvider.SetFromFile(path, dataType); err != nil {
		return err
	}
	return l.fill(append([]Config{cfg}, cfgs...))
}

// LoadFromReader reads the data and fills the configuration objects.
func (l *Loader) LoadFromReader(reader io.Reader, dataType DataType, cfg Config, cfgs ...Config) error {
	if err := l.DataProvider.SetFromReader(reader, dataType); err != nil {
		return err
	}
	return l.fill(append([]Config{cfg}, cfgs...))
}

func (l *Loader) fill(cfgs []Config) error {
	for _, cfg := range cfgs {
		cfg.SetProviderDefaults(sectionOf(cfg, l.DataProvider))
	}
	for _, cfg := range cfgs {
		if err := cfg.Set(sectionOf(cfg, l.DataProvider)); err != nil {
			return err
		}
	}
	return nil
}

func sectionOf(cfg Config, dp DataProvider) DataProvider {
	if kp, ok := cfg.(KeyPrefixProvider); ok && kp.KeyPrefix() != "" {
		return NewKeyPrefixedDataProvider(dp, kp.KeyPrefix())
	}
	return dp
}
