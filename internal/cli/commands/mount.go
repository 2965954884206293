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

package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"gvfs/internal/config"
	"gvfs/internal/mount"
	"gvfs/internal/platform"
)

var mountFlags struct {
	cacheServerURL string
	logLevel       string
	localCacheRoot string
}

var mountCmd = &cobra.Command{
	Use:   "mount [enlistment]",
	Short: "Mount an enlistment and serve virtualization callbacks",
	Long: `Mount runs in the foreground: it attaches the filter driver to the
working tree, projects the committed tree as placeholders, and services
hydration and IPC until unmounted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) == 1 {
			dir = args[0]
		}
		root, err := resolveEnlistmentRoot(dir)
		if err != nil {
			return err
		}

		enlistment, err := config.Open(root, mountFlags.localCacheRoot)
		if err != nil {
			return fmt.Errorf("%w: %v", errRebaselineRequired, err)
		}

		cfg, err := config.LoadMountConfig(enlistment.ConfigPath())
		if err != nil {
			return err
		}
		if mountFlags.cacheServerURL != "" {
			cfg.CacheServerURL = mountFlags.cacheServerURL
		}
		if mountFlags.logLevel != "" {
			cfg.LogLevel = mountFlags.logLevel
		}

		filter, err := platform.LoadFilter()
		if err != nil {
			if errors.Is(err, platform.ErrFilterUnavailable) {
				return fmt.Errorf("%w: %v", errFilterMissing, err)
			}
			return err
		}

		m, err := mount.New(enlistment, cfg, mount.Options{
			Filter:  filter,
			Version: version,
		})
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Mounting %s\n", enlistment.Root)
		return m.Run()
	},
}

func init() {
	mountCmd.Flags().StringVar(&mountFlags.cacheServerURL, "cache-server", "",
		"object cache server URL (overrides config)")
	mountCmd.Flags().StringVar(&mountFlags.logLevel, "log-level", "",
		"log level: trace, debug, info, warn, error")
	mountCmd.Flags().StringVar(&mountFlags.localCacheRoot, "local-cache-path", defaultLocalCacheRoot(),
		"shared object cache root")
	rootCmd.AddCommand(mountCmd)
}
