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
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"gvfs/internal/config"
	"gvfs/internal/ipc"
	"gvfs/internal/util"
)

var unmountCmd = &cobra.Command{
	Use:   "unmount [enlistment]",
	Short: "Unmount an enlistment",
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
			return fmt.Errorf("enlistment does not appear to be mounted: %w", err)
		}
		defer client.Close()

		resp, err := client.Unmount()
		if err != nil {
			return err
		}
		if resp.Header != ipc.ResponseSuccess {
			return fmt.Errorf("unmount refused: %s", resp.Header)
		}

		// Wait for the mount process to exit; escalate if it hangs.
		if pid := readMountPid(enlistment); pid > 0 {
			err := util.PollUntil(context.Background(),
				util.PollConfig{Timeout: 15 * time.Second, Interval: 100 * time.Millisecond},
				func() bool { return !util.IsProcessRunning(pid) })
			if err != nil {
				if err := util.StopProcess(pid, 10*time.Second, nil); err != nil {
					return err
				}
			}
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Unmounted %s\n", root)
		return nil
	},
}

// readMountPid returns the mounted process PID, or 0 when unknown.
func readMountPid(enlistment *config.Enlistment) int {
	data, err := os.ReadFile(enlistment.PidFilePath())
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

func init() {
	rootCmd.AddCommand(unmountCmd)
}
