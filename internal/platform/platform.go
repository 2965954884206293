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

// Package platform isolates OS-specific file-system behavior behind a
// capability interface, one implementation per target OS.
package platform

import (
	"fmt"
	"os"
)

// Capabilities is the per-OS file-system feature set.
type Capabilities interface {
	// MoveAndOverwrite replaces dst with src atomically.
	MoveAndOverwrite(src, dst string) error
	// Flush forces file content to stable storage.
	Flush(path string) error
	// IsSymlink reports whether the mode describes a symlink.
	IsSymlink(mode os.FileMode) bool
	// SupportsFileMode reports whether the executable bit survives on
	// this file system.
	SupportsFileMode() bool
	// SupportsStatusCache reports whether serialized status is usable.
	SupportsStatusCache() bool
}

// POSIX implements Capabilities for Linux and macOS.
type POSIX struct{}

func (POSIX) MoveAndOverwrite(src, dst string) error {
	return os.Rename(src, dst)
}

func (POSIX) Flush(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

func (POSIX) IsSymlink(mode os.FileMode) bool {
	return mode&os.ModeSymlink != 0
}

func (POSIX) SupportsFileMode() bool { return true }

func (POSIX) SupportsStatusCache() bool { return true }

// New returns the capabilities for the current OS.
func New() Capabilities { return POSIX{} }

// ErrFilterUnavailable means the kernel filter driver module is not
// present on this machine.
var ErrFilterUnavailable = fmt.Errorf("kernel filter driver is not installed")
