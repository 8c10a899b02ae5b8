/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config is the configuration collaborator named in §6: the
// non-source-table keys are a YAML document (mirroring
// fbclock/daemon.Config's ReadConfig/EvalAndValidate shape); the source
// table itself is a separate, line-oriented directive file in chrony's
// own style, parsed by sources.go.
package config

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// Config holds every daemon-wide tunable the control surface and
// scheduler consult outside of per-source state.
type Config struct {
	NTPPort         int           `yaml:"ntp_port"`
	BindAddress     string        `yaml:"bind_address"`
	ControlSocket   string        `yaml:"control_socket"`
	DriftFile       string        `yaml:"drift_file"`
	LogDir          string        `yaml:"log_dir"`
	LogStatistics   bool          `yaml:"log_statistics"`
	LogTracking     bool          `yaml:"log_tracking"`
	LogMeasurements bool          `yaml:"log_measurements"`
	LogTempComp     bool          `yaml:"log_tempcomp"`
	MaxUpdateSkew   float64       `yaml:"max_update_skew"`
	MaxSamples      int           `yaml:"max_samples"`
	MinSamples      int           `yaml:"min_samples"`
	LinuxHz         int           `yaml:"linux_hz"`
	LinuxFreqScale  float64       `yaml:"linux_freq_scale"`
	AllowLocal      bool          `yaml:"allow_local_reference"`
	HwTsInterface   string        `yaml:"hw_ts_interface"`
	DSCP            int           `yaml:"dscp"`
	RTCSync         bool          `yaml:"rtc_sync"`
	NTSRefresh      time.Duration `yaml:"nts_refresh"`
	SourcesFile     string        `yaml:"sources_file"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	ControlPassword string        `yaml:"control_password"`
}

// Default returns the conventional defaults, analogous in spirit to
// DefaultConfig in ntpsource but for daemon-wide settings.
func Default() Config {
	return Config{
		NTPPort:        123,
		BindAddress:    "0.0.0.0",
		ControlSocket:  "/var/run/ntpd/ntpd.sock",
		DriftFile:      "/var/lib/ntpd/drift",
		LogDir:         "/var/log/ntpd",
		MaxUpdateSkew:  1000e-6,
		MaxSamples:     64,
		MinSamples:     3,
		LinuxHz:        1000,
		LinuxFreqScale: 1.0,
		MetricsAddr:    ":9123",
	}
}

// EvalAndValidate checks invariants the daemon cannot safely start
// without, mirroring fbclock/daemon.Config.EvalAndValidate's shape.
func (c *Config) EvalAndValidate() error {
	if c.NTPPort <= 0 || c.NTPPort > 65535 {
		return fmt.Errorf("bad config: 'ntp_port' must be a valid port")
	}
	if c.MaxUpdateSkew <= 0 {
		return fmt.Errorf("bad config: 'max_update_skew' must be >0")
	}
	if c.MaxSamples <= 0 {
		return fmt.Errorf("bad config: 'max_samples' must be >0")
	}
	if c.MinSamples <= 0 || c.MinSamples > c.MaxSamples {
		return fmt.Errorf("bad config: 'min_samples' must be between 1 and max_samples")
	}
	if c.LinuxHz <= 0 {
		return fmt.Errorf("bad config: 'linux_hz' must be >0")
	}
	return nil
}

// GetNTPPort returns the configured NTP listening port.
func (c *Config) GetNTPPort() int { return c.NTPPort }

// GetBindAddress returns the configured listen address.
func (c *Config) GetBindAddress() string { return c.BindAddress }

// GetMaxUpdateSkew returns the selector round's max-update-skew gate.
func (c *Config) GetMaxUpdateSkew() float64 { return c.MaxUpdateSkew }

// GetMaxSamples returns the statistics engine's window size.
func (c *Config) GetMaxSamples() int { return c.MaxSamples }

// GetMinSamples returns the minimum samples required to trust a source.
func (c *Config) GetMinSamples() int { return c.MinSamples }

// GetLogDir returns the directory persist writes log files under.
func (c *Config) GetLogDir() string { return c.LogDir }

// GetLogStatistics reports whether the statistics log is enabled.
func (c *Config) GetLogStatistics() bool { return c.LogStatistics }

// GetLogTracking reports whether the tracking log is enabled.
func (c *Config) GetLogTracking() bool { return c.LogTracking }

// GetLogMeasurements reports whether the raw measurements log is enabled.
func (c *Config) GetLogMeasurements() bool { return c.LogMeasurements }

// GetLogTempComp reports whether the temperature-compensation log is enabled.
func (c *Config) GetLogTempComp() bool { return c.LogTempComp }

// GetTempComp returns temperature-compensation settings; the daemon has
// no thermometer back-end in this repo, so this is a named stub the
// Non-goals leave unimplemented, matching the out-of-scope refclock
// convention elsewhere.
func (c *Config) GetTempComp() bool { return c.LogTempComp }

// GetLinuxHz returns the kernel's configured timer frequency. clockdisc's
// large-slew path does not read it; it assumes ~100 ticks per second.
func (c *Config) GetLinuxHz() int { return c.LinuxHz }

// GetLinuxFreqScale returns the kernel's ppm-to-internal-units scale factor.
func (c *Config) GetLinuxFreqScale() float64 { return c.LinuxFreqScale }

// AllowLocalReference reports whether the daemon may serve time from its
// own local clock when no source is selectable.
func (c *Config) AllowLocalReference() bool { return c.AllowLocal }

// GetHwTsInterface returns the interface name to request hardware RX/TX
// timestamps on, or "" for software timestamps only.
func (c *Config) GetHwTsInterface() string { return c.HwTsInterface }

// GetRTCSync reports whether the real-time clock should be kept in sync,
// an out-of-scope collaborator per spec §1; this flag is the contract
// point the daemon passes through to it.
func (c *Config) GetRTCSync() bool { return c.RTCSync }

// GetNtsRefresh returns how often NTS cookies should be refreshed, a
// contract point for the out-of-scope key-exchange subsystem.
func (c *Config) GetNtsRefresh() time.Duration { return c.NTSRefresh }

// Read loads and validates a YAML config file at path.
func Read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c := Default()
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return nil, err
	}
	if err := c.EvalAndValidate(); err != nil {
		return nil, err
	}
	return &c, nil
}
