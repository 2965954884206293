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

// Package config describes an enlistment on disk: the working tree, the
// metadata root, the shared local cache, and the mount configuration.
package config

import (
	"bufio"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// CurrentDiskLayoutVersion is bumped when the on-disk metadata layout
// changes incompatibly; a mismatch requires a rebaseline.
const CurrentDiskLayoutVersion = "16"

// RepoMetadata.dat keys.
const (
	metaKeyEnlistmentID      = "EnlistmentId"
	metaKeyDiskLayoutVersion = "DiskLayoutVersion"
	metaKeyCacheKey          = "LocalCacheKey"
	metaKeyRepoURL           = "RepoUrl"
)

// Enlistment is a prepared working-tree + metadata directory.
type Enlistment struct {
	// Root is the enlistment directory containing src/, .git/ and .gvfs/.
	Root string
	// LocalCacheRoot holds the shared object store and mapping.dat.
	LocalCacheRoot string

	RepoURL      string
	EnlistmentID string // persisted at first mount
	MountID      string // fresh per mount
	CacheKey     string // subdirectory of LocalCacheRoot this repo maps to
}

// Derived paths.

func (e *Enlistment) WorkTree() string       { return filepath.Join(e.Root, "src") }
func (e *Enlistment) GitDir() string         { return filepath.Join(e.Root, ".git") }
func (e *Enlistment) IndexPath() string      { return filepath.Join(e.GitDir(), "index") }
func (e *Enlistment) DotGVFSRoot() string    { return filepath.Join(e.Root, ".gvfs") }
func (e *Enlistment) ConfigPath() string     { return filepath.Join(e.DotGVFSRoot(), "config.dat") }
func (e *Enlistment) MetadataPath() string   { return filepath.Join(e.DotGVFSRoot(), "RepoMetadata.dat") }
func (e *Enlistment) DatabasesDir() string   { return filepath.Join(e.DotGVFSRoot(), "databases") }
func (e *Enlistment) LogsDir() string        { return filepath.Join(e.DotGVFSRoot(), "logs") }
func (e *Enlistment) DiagnosticsDir() string { return filepath.Join(e.DotGVFSRoot(), "diagnostics") }
func (e *Enlistment) HooksDir() string       { return filepath.Join(e.DotGVFSRoot(), "hooks") }

// ModifiedPathsPath is the modified-paths journal location.
func (e *Enlistment) ModifiedPathsPath() string {
	return filepath.Join(e.DatabasesDir(), "ModifiedPaths.dat")
}

// SidecarDBPath is the blob-sizes / placeholders database.
func (e *Enlistment) SidecarDBPath() string {
	return filepath.Join(e.DatabasesDir(), "VFSForGit.sqlite")
}

// PidFilePath records the mount process's PID while mounted.
func (e *Enlistment) PidFilePath() string {
	return filepath.Join(e.DotGVFSRoot(), "mount.pid")
}

// PipePath derives the per-enlistment IPC socket path from the enlistment
// root, keeping it short enough for sockaddr_un.
func (e *Enlistment) PipePath() string {
	sum := sha1.Sum([]byte(e.Root))
	return filepath.Join(os.TempDir(), "gvfs_"+hex.EncodeToString(sum[:8])+".sock")
}

// SharedObjectsDir is the shared object store this enlistment's
// .git/objects delegates to through its alternates file.
func (e *Enlistment) SharedObjectsDir() string {
	return filepath.Join(e.LocalCacheRoot, e.CacheKey, "gitObjects")
}

// StatusCacheDir holds the serialized status cache.
func (e *Enlistment) StatusCacheDir() string {
	return filepath.Join(e.LocalCacheRoot, e.CacheKey, "gitStatusCache")
}

// Open loads an existing enlistment, assigning identity on first mount:
// the enlistment ID is persisted in RepoMetadata.dat, the mount ID is
// always fresh.
func Open(root, localCacheRoot string) (*Enlistment, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	e := &Enlistment{
		Root:           root,
		LocalCacheRoot: localCacheRoot,
		MountID:        uuid.NewString(),
	}

	meta, err := loadKeyValueFile(e.MetadataPath())
	if err != nil {
		return nil, err
	}
	e.EnlistmentID = meta[metaKeyEnlistmentID]
	e.RepoURL = meta[metaKeyRepoURL]

	if v, ok := meta[metaKeyDiskLayoutVersion]; ok && v != CurrentDiskLayoutVersion {
		return nil, fmt.Errorf("disk layout version %s does not match %s: rebaseline required", v, CurrentDiskLayoutVersion)
	}

	dirty := false
	if e.EnlistmentID == "" {
		e.EnlistmentID = uuid.NewString()
		meta[metaKeyEnlistmentID] = e.EnlistmentID
		dirty = true
	}
	if meta[metaKeyDiskLayoutVersion] == "" {
		meta[metaKeyDiskLayoutVersion] = CurrentDiskLayoutVersion
		dirty = true
	}

	if e.CacheKey = meta[metaKeyCacheKey]; e.CacheKey == "" && localCacheRoot != "" {
		key, err := resolveCacheKey(localCacheRoot, e.EnlistmentID)
		if err != nil {
			return nil, err
		}
		e.CacheKey = key
		meta[metaKeyCacheKey] = key
		dirty = true
	}

	if dirty {
		if err := saveKeyValueFile(e.MetadataPath(), meta); err != nil {
			return nil, err
		}
	}

	return e, nil
}

// SetRepoURL records the origin URL in the metadata file.
func (e *Enlistment) SetRepoURL(url string) error {
	meta, err := loadKeyValueFile(e.MetadataPath())
	if err != nil {
		return err
	}
	meta[metaKeyRepoURL] = url
	e.RepoURL = url
	return saveKeyValueFile(e.MetadataPath(), meta)
}

// EnsureLayout creates the metadata directory tree.
func (e *Enlistment) EnsureLayout() error {
	for _, dir := range []string{
		e.WorkTree(),
		e.DatabasesDir(),
		e.LogsDir(),
		e.DiagnosticsDir(),
		e.HooksDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if e.LocalCacheRoot != "" && e.CacheKey != "" {
		for _, dir := range []string{e.SharedObjectsDir(), e.StatusCacheDir()} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create %s: %w", dir, err)
			}
		}
	}
	return nil
}

// resolveCacheKey maps an enlistment ID to its cache-key through
// mapping.dat so multiple enlistments of the same repo share objects.
func resolveCacheKey(localCacheRoot, enlistmentID string) (string, error) {
	if err := os.MkdirAll(localCacheRoot, 0o755); err != nil {
		return "", fmt.Errorf("create local cache root: %w", err)
	}
	mappingPath := filepath.Join(localCacheRoot, "mapping.dat")

	mapping, err := loadKeyValueFile(mappingPath)
	if err != nil {
		return "", err
	}
	if key, ok := mapping[enlistmentID]; ok {
		return key, nil
	}

	key := uuid.NewString()
	mapping[enlistmentID] = key
	if err := saveKeyValueFile(mappingPath, mapping); err != nil {
		return "", err
	}
	return key, nil
}

// loadKeyValueFile parses a flat key=value text file. A missing file is an
// empty map.
func loadKeyValueFile(path string) (map[string]string, error) {
	out := make(map[string]string)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			out[k] = v
		}
	}
	return out, scanner.Err()
}

// saveKeyValueFile writes the map sorted by key, atomically.
func saveKeyValueFile(path string, kv map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, kv[k])
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
