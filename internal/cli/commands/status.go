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
	"fmt"

	"github.com/spf13/cobra"

	"gvfs/internal/config"
	"gvfs/internal/ipc"
)

var statusCmd = &cobra.Command{
	Use:   "status [enlistment]",
	Short: "Show the mount status of an enlistment",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) == 1 {
			dir = args[0]
		}
		root, err := resolveEnlistmentRoot(dir)
		if err != nil {
			return err
		}
		enlistment, err := config.Open(root, "")
		if err != nil {
			return err
		}

		client, err := ipc.Connect(enlistment.PipePath())
		if err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "Enlistment root: %s\nMount status:    Not mounted\n", root)
			return nil
		}
		defer client.Close()

		status, err := client.GetStatus()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Enlistment root:   %s\n", status.EnlistmentRoot)
		fmt.Fprintf(out, "Repo URL:          %s\n", status.RepoURL)
		fmt.Fprintf(out, "Cache server:      %s\n", status.CacheServer)
		fmt.Fprintf(out, "Local cache root:  %s\n", status.LocalCacheRoot)
		fmt.Fprintf(out, "Mount status:      %s\n", status.MountStatus)
		fmt.Fprintf(out, "Lock:              %s\n", status.LockStatus)
		fmt.Fprintf(out, "Disk layout:       %s\n", status.DiskLayoutVersion)
		fmt.Fprintf(out, "Background ops:    %d\n", status.BackgroundOperationCount)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
