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

package git

import (
	"context"
	"path/filepath"
)

// RequiredConfig is the repo-local configuration the mount guarantees.
// The Config maintenance step re-applies it so external tooling cannot
// drift the enlistment into an unsupported state.
type RequiredConfig struct {
	HooksPath           string // enlistment hooks directory
	VirtualFSHookPath   string // hook invoked by core.virtualFilesystem
	StatusCachePath     string // empty disables status.deserializePath
	SupportsStatusCache bool
}

// settings returns the key/value table in apply order.
func (rc *RequiredConfig) settings() [][2]string {
	pairs := [][2]string{
		{"core.commitGraph", "true"},
		{"core.multiPackIndex", "true"},
		{"core.fscache", "true"},
		{"core.autocrlf", "false"},
		{"core.safecrlf", "false"},
		{"core.gvfs", "true"},
		{"core.hookspath", rc.HooksPath},
		{"core.virtualFilesystem", rc.VirtualFSHookPath},
		{"gc.auto", "0"},
		{"receive.autogc", "false"},
		{"diff.autoRefreshIndex", "false"},
		{"index.version", "4"},
		{"index.threads", "true"},
		{"credential.validate", "false"},
		{"credential.useHttpPath", "true"},
		{"pack.useBitmaps", "false"},
		{"repack.writeBitmaps", "false"},
	}
	if rc.SupportsStatusCache && rc.StatusCachePath != "" {
		pairs = append(pairs, [2]string{"status.deserializePath", filepath.ToSlash(rc.StatusCachePath)})
	}
	return pairs
}

// Apply writes every required key into the repo-local config.
func (rc *RequiredConfig) Apply(ctx context.Context, r *Runner) error {
	for _, kv := range rc.settings() {
		if err := r.SetConfig(ctx, kv[0], kv[1]); err != nil {
			return err
		}
	}
	return nil
}
