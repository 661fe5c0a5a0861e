// Copyright 2025 The sectorfs Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cfg is this filesystem's configuration surface: a small
// Config bound through spf13/viper and spf13/pflag, covering the handful
// of knobs this filesystem actually has.
package cfg

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the complete set of knobs sectorfs takes at startup.
type Config struct {
	Device DeviceConfig `yaml:"device"`
	Cache  CacheConfig  `yaml:"cache"`
	Log    LogConfig    `yaml:"log"`
}

// DeviceConfig describes the backing block device.
type DeviceConfig struct {
	// Path is the backing regular file sectorfs opens as a block device.
	Path string `yaml:"path"`

	// Sectors is the sector count used when Format creates a new device;
	// ignored when mounting an existing one.
	Sectors uint32 `yaml:"sectors"`

	// Format reformats the device on mount, discarding its contents.
	Format bool `yaml:"format"`
}

// CacheConfig configures the buffer cache.
type CacheConfig struct {
	// Entries is informational only today — the cache's capacity is a
	// compile-time constant — but is bound so a future tunable cache size
	// has a flag to land on without a new cfg field.
	Entries int `yaml:"entries"`
}

// LogConfig configures internal/logger.
type LogConfig struct {
	Severity string `yaml:"severity"`
	Format   string `yaml:"format"`
	FilePath string `yaml:"file-path"`
}

// DefaultConfig returns the configuration used when no flags are given.
func DefaultConfig() Config {
	return Config{
		Device: DeviceConfig{Sectors: 8192},
		Cache:  CacheConfig{Entries: 64},
		Log:    LogConfig{Severity: "INFO", Format: "json"},
	}
}

// LoadFile parses a YAML config file into a Config, starting from the
// defaults for any field the file omits.
func LoadFile(path string) (Config, error) {
	c := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("cfg: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("cfg: parse %s: %w", path, err)
	}
	return c, nil
}

// ApplyDefaults seeds viper with the values from c, so flags given
// explicitly on the command line still take precedence over the config
// file.
func ApplyDefaults(c Config) {
	viper.SetDefault("device.path", c.Device.Path)
	viper.SetDefault("device.sectors", c.Device.Sectors)
	viper.SetDefault("device.format", c.Device.Format)
	viper.SetDefault("cache.entries", c.Cache.Entries)
	viper.SetDefault("log.severity", c.Log.Severity)
	viper.SetDefault("log.format", c.Log.Format)
	viper.SetDefault("log.file-path", c.Log.FilePath)
}

// BindFlags registers this Config's fields on flagSet and binds them
// through viper: one pflag definition plus one viper.BindPFlag call per
// field.
func BindFlags(flagSet *pflag.FlagSet) error {
	flagSet.String("device.path", "", "Path to the block device file.")
	if err := viper.BindPFlag("device.path", flagSet.Lookup("device.path")); err != nil {
		return err
	}

	flagSet.Uint32("device.sectors", 8192, "Sector count used when formatting a new device.")
	if err := viper.BindPFlag("device.sectors", flagSet.Lookup("device.sectors")); err != nil {
		return err
	}

	flagSet.Bool("device.format", false, "Reformat the device on mount, discarding its contents.")
	if err := viper.BindPFlag("device.format", flagSet.Lookup("device.format")); err != nil {
		return err
	}

	flagSet.Int("cache.entries", 64, "Buffer cache capacity (informational; the cache is fixed-size).")
	if err := viper.BindPFlag("cache.entries", flagSet.Lookup("cache.entries")); err != nil {
		return err
	}

	flagSet.String("log.severity", "INFO", "Log severity: TRACE, DEBUG, INFO, WARNING, ERROR, or OFF.")
	if err := viper.BindPFlag("log.severity", flagSet.Lookup("log.severity")); err != nil {
		return err
	}

	flagSet.String("log.format", "json", "Log output format: text or json.")
	if err := viper.BindPFlag("log.format", flagSet.Lookup("log.format")); err != nil {
		return err
	}

	flagSet.String("log.file-path", "", "Redirect logs to this rotated file instead of stdout.")
	if err := viper.BindPFlag("log.file-path", flagSet.Lookup("log.file-path")); err != nil {
		return err
	}

	return nil
}

// FromViper reads back a Config from viper's currently bound values.
func FromViper() Config {
	return Config{
		Device: DeviceConfig{
			Path:    viper.GetString("device.path"),
			Sectors: viper.GetUint32("device.sectors"),
			Format:  viper.GetBool("device.format"),
		},
		Cache: CacheConfig{
			Entries: viper.GetInt("cache.entries"),
		},
		Log: LogConfig{
			Severity: viper.GetString("log.severity"),
			Format:   viper.GetString("log.format"),
			FilePath: viper.GetString("log.file-path"),
		},
	}
}
