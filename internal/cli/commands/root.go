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

// Package commands implements the mount-process control verbs. The wider
// CLI surface lives outside this repository; only daemon lifecycle verbs
// exist here.
package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"gvfs/internal/common"
)

var (
	version = "dev"
	commit  = "none"
)

// SetVersion sets the version info for --version flag
func SetVersion(v, c string) {
	version = v
	commit = c
	rootCmd.Version = fmt.Sprintf("%s (%s)", version, commit)
}

var rootCmd = &cobra.Command{
	Use:           "gvfs",
	Short:         "Mount-time virtualization for large Git repositories",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return common.ExitSuccess
	}
	var precond *common.PreconditionError
	if errors.As(err, &precond) {
		return common.ExitInvalidRequest
	}
	switch {
	case errors.Is(err, errFilterMissing):
		return common.ExitFilterMissing
	case errors.Is(err, errMountPointInvalid):
		return common.ExitMountPointInvalid
	case errors.Is(err, errRebaselineRequired):
		return common.ExitRebaselineRequired
	}
	return common.ExitGenericFailure
}

var (
	errFilterMissing      = errors.New("filter driver is not available")
	errMountPointInvalid  = errors.New("mount point is not a valid enlistment")
	errRebaselineRequired = errors.New("rebaseline required")
)

// defaultLocalCacheRoot resolves the shared cache location.
func defaultLocalCacheRoot() string {
	if dir := os.Getenv("GVFS_LOCAL_CACHE_ROOT"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gvfsCache"
	}
	return filepath.Join(home, ".gvfsCache")
}

// resolveEnlistmentRoot walks up from dir to the directory containing
// .gvfs, mirroring git's discovery of the repository root.
func resolveEnlistmentRoot(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for current := abs; ; current = filepath.Dir(current) {
		if info, err := os.Stat(filepath.Join(current, ".gvfs")); err == nil && info.IsDir() {
			return current, nil
		}
		if current == filepath.Dir(current) {
			return "", fmt.Errorf("%w: no .gvfs directory above %s", errMountPointInvalid, abs)
		}
	}
}
