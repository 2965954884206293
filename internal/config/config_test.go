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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMountConfigDefaults(t *testing.T) {
	cfg, err := LoadMountConfig(filepath.Join(t.TempDir(), "config.dat"))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 30, cfg.TimeoutSeconds)
	assert.False(t, cfg.Unattended)
}

func TestLoadMountConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.dat")
	require.NoError(t, os.WriteFile(path, []byte("max-retries: 2\ncache-server-url: https://cache.one\n"), 0o644))

	t.Setenv(EnvCacheServerURL, "https://cache.two")
	t.Setenv(EnvUnattended, "1")

	cfg, err := LoadMountConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.MaxRetries)
	// Env beats the file.
	assert.Equal(t, "https://cache.two", cfg.CacheServerURL)
	assert.True(t, cfg.Unattended)
}

func TestConfigSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.dat")
	cfg := &MountConfig{CacheServerURL: "https://cache.example", MaxRetries: 7}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Save(path))

	got, err := LoadMountConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://cache.example", got.CacheServerURL)
	assert.Equal(t, 7, got.MaxRetries)
}
