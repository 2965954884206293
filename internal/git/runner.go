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

// Package git invokes the shipped git binary as a sub-process. Anything
// beyond index projection and object I/O goes through here.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"gvfs/internal/common"
	"gvfs/internal/trace"
)

// Runner executes git commands against one enlistment.
type Runner struct {
	gitBin    string
	workTree  string
	gitDir    string
	objectDir string // overrides GIT_OBJECT_DIRECTORY when set
	tracer    *trace.Tracer
}

// NewRunner creates a runner for the given working tree and git dir.
// gitBin may be empty, in which case "git" is resolved from PATH.
func NewRunner(gitBin, workTree, gitDir string, tracer *trace.Tracer) *Runner {
	if gitBin == "" {
		gitBin = "git"
	}
	return &Runner{
		gitBin:   gitBin,
		workTree: workTree,
		gitDir:   gitDir,
		tracer:   tracer.Child("Git"),
	}
}

// SetObjectDirectory points git's object writes at the shared cache.
func (r *Runner) SetObjectDirectory(dir string) { r.objectDir = dir }

// Run executes git with the enlistment's environment. A non-zero exit is
// returned as a GitCommandError carrying both output streams.
func (r *Runner) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, r.gitBin, args...)
	cmd.Dir = r.workTree
	cmd.Env = append(os.Environ(),
		"GIT_DIR="+r.gitDir,
		"GIT_WORK_TREE="+r.workTree,
		"GIT_TERMINAL_PROMPT=0",
	)
	if r.objectDir != "" {
		cmd.Env = append(cmd.Env, "GIT_OBJECT_DIRECTORY="+r.objectDir)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	r.tracer.Info("GitInvoked", logrus.Fields{
		"args": strings.Join(args, " "),
		"exit": exitCode,
	})
	if err != nil {
		return stdout.String(), &common.GitCommandError{
			Args:     args,
			ExitCode: exitCode,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
		}
	}
	return stdout.String(), nil
}

// SetConfig sets one repo-local config key.
func (r *Runner) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.Run(ctx, "config", "--local", key, value)
	return err
}

// MultiPackIndexExpire runs `git multi-pack-index expire` on the pack dir.
func (r *Runner) MultiPackIndexExpire(ctx context.Context, objectDir string) error {
	_, err := r.Run(ctx, "multi-pack-index", "expire", "--object-dir="+objectDir)
	return err
}

// MultiPackIndexRepack runs `git multi-pack-index repack` with a batch size.
func (r *Runner) MultiPackIndexRepack(ctx context.Context, objectDir string, batchSize int64) error {
	_, err := r.Run(ctx, "multi-pack-index", "repack",
		"--object-dir="+objectDir,
		fmt.Sprintf("--batch-size=%d", batchSize))
	return err
}

// MultiPackIndexWrite runs `git multi-pack-index write`.
func (r *Runner) MultiPackIndexWrite(ctx context.Context, objectDir string) error {
	_, err := r.Run(ctx, "multi-pack-index", "write", "--object-dir="+objectDir)
	return err
}

// CommitGraphWrite appends a commit-graph covering the given pack indexes.
// packIndexes may be empty, in which case --reachable is used.
func (r *Runner) CommitGraphWrite(ctx context.Context, objectDir string, packIndexes []string) error {
	args := []string{"commit-graph", "write", "--split", "--object-dir=" + objectDir}
	if len(packIndexes) == 0 {
		args = append(args, "--reachable")
		_, err := r.Run(ctx, args...)
		return err
	}

	args = append(args, "--stdin-packs")
	cmd := exec.CommandContext(ctx, r.gitBin, args...)
	cmd.Dir = r.workTree
	cmd.Env = append(os.Environ(), "GIT_DIR="+r.gitDir, "GIT_WORK_TREE="+r.workTree)
	cmd.Stdin = strings.NewReader(strings.Join(packIndexes, "\n") + "\n")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		exitCode := -1
		if cmd.ProcessState != nil {
			exitCode = cmd.ProcessState.ExitCode()
		}
		return &common.GitCommandError{
			Args:     args,
			ExitCode: exitCode,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
		}
	}
	return nil
}

// PackObjects packs the OIDs fed on stdin into a new pack in packDir,
// returning git's reported pack name.
func (r *Runner) PackObjects(ctx context.Context, packDir string, oids []string) (string, error) {
	args := []string{"pack-objects", "--non-empty", "-q", filepath.Join(packDir, "pack")}
	cmd := exec.CommandContext(ctx, r.gitBin, args...)
	cmd.Dir = r.workTree
	cmd.Env = append(os.Environ(), "GIT_DIR="+r.gitDir, "GIT_WORK_TREE="+r.workTree)
	cmd.Stdin = strings.NewReader(strings.Join(oids, "\n") + "\n")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		exitCode := -1
		if cmd.ProcessState != nil {
			exitCode = cmd.ProcessState.ExitCode()
		}
		return "", &common.GitCommandError{
			Args:     args,
			ExitCode: exitCode,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
		}
	}
	return strings.TrimSpace(stdout.String()), nil
}

// LiveGitProcesses returns PIDs of running git processes whose working
// directory is inside the enlistment. Maintenance defers while any exist.
func LiveGitProcesses(enlistmentRoot string) []int {
	procs, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}

	var pids []int
	for _, p := range procs {
		pid, err := strconv.Atoi(p.Name())
		if err != nil {
			continue
		}
		comm, err := os.ReadFile(filepath.Join("/proc", p.Name(), "comm"))
		if err != nil || strings.TrimSpace(string(comm)) != "git" {
			continue
		}
		cwd, err := os.Readlink(filepath.Join("/proc", p.Name(), "cwd"))
		if err != nil {
			continue
		}
		if common.IsPathInside(common.NormalizePath(enlistmentRoot), common.NormalizePath(cwd)) {
			pids = append(pids, pid)
		}
	}
	return pids
}
