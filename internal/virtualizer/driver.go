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

// Package virtualizer services the kernel filter driver's callbacks:
// directory enumeration, placeholder info, content hydration, and write
// and delete notifications.
package virtualizer

import "context"

// FileInfo describes one working-tree child to the driver.
type FileInfo struct {
	Name  string
	Size  int64
	Mode  uint32 // git mode bits; zero for directories
	IsDir bool
}

// StreamWriter receives hydrated file content in chunks sized for the
// driver's buffers.
type StreamWriter interface {
	WriteChunk(data []byte) error
}

// Callbacks is the surface the core exposes to the filter driver. The
// driver serializes callbacks per path; different paths arrive on
// different threads concurrently.
type Callbacks interface {
	EnumerateDirectory(path string) ([]FileInfo, error)
	GetPlaceholderInfo(path string) (FileInfo, error)
	GetFileStream(ctx context.Context, path string, offset, length int64, w StreamWriter) error

	NotifyFileModified(path string)
	NotifyNewFile(path string, isDir bool)
	NotifyRename(oldPath, newPath string)
	NotifyHardLink(existingPath, newLinkPath string)
	// NotifyPreDelete may veto a deletion before it happens.
	NotifyPreDelete(path string) error
	NotifyFileDeleted(path string, isDir bool)
}

// Filter is the opaque kernel filter driver module. One implementation
// exists per platform; tests provide their own.
type Filter interface {
	// StartVirtualizing attaches the driver to the working tree and
	// begins delivering callbacks.
	StartVirtualizing(workTreeRoot string, callbacks Callbacks) error
	// StopVirtualizing detaches; no callbacks are delivered afterwards.
	StopVirtualizing() error
}
