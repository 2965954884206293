// Copyright 2026 GVFS Authors
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

package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Environment variable overrides. Env wins over config.dat.
const (
	EnvCacheServerURL = "GVFS_CACHE_SERVER_URL"
	EnvMaxRetries     = "GVFS_MAX_RETRIES"
	EnvTimeoutSeconds = "GVFS_TIMEOUT_SECONDS"
	EnvUnattended     = "GVFS_UNATTENDED"
)

// MountConfig is the per-enlistment configuration from .gvfs/config.dat.
type MountConfig struct {
	CacheServerURL       string `yaml:"cache-server-url"`
	MaxRetries           int    `yaml:"max-retries"`
	TimeoutSeconds       int    `yaml:"timeout-seconds"`
	StatusCacheBackoffMs int    `yaml:"status-cache-backoff-ms"`
	UpgradeRing          string `yaml:"upgrade-ring"`
	LogLevel             string `yaml:"log-level"`
	// Unattended suppresses anything interactive (credential prompts).
	Unattended bool `yaml:"unattended"`
}

// ApplyDefaults fills zero-value fields with their defaults.
func (cfg *MountConfig) ApplyDefaults() {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.TimeoutSeconds == 0 {
		cfg.TimeoutSeconds = 30
	}
	if cfg.StatusCacheBackoffMs == 0 {
		cfg.StatusCacheBackoffMs = 300000
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// applyEnv folds environment overrides into the config.
func (cfg *MountConfig) applyEnv() {
	if v := os.Getenv(EnvCacheServerURL); v != "" {
		cfg.CacheServerURL = v
	}
	if v := os.Getenv(EnvMaxRetries); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxRetries = n
		}
	}
	if v := os.Getenv(EnvTimeoutSeconds); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.TimeoutSeconds = n
		}
	}
	if os.Getenv(EnvUnattended) == "1" {
		cfg.Unattended = true
	}
}

// LoadMountConfig reads config.dat, applies defaults and env overrides.
// A missing file yields the defaults.
func LoadMountConfig(path string) (*MountConfig, error) {
	var cfg MountConfig
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.ApplyDefaults()
	cfg.applyEnv()
	return &cfg, nil
}

// Save writes the config back to disk.
func (cfg *MountConfig) Save(path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	header := []byte("# gvfs mount configuration\n\n")
	return os.WriteFile(path, append(header, data...), 0o644)
}
