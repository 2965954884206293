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

package virtualizer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"gvfs/internal/cache"
	"gvfs/internal/common"
	"gvfs/internal/index"
	"gvfs/internal/journal"
	"gvfs/internal/trace"
)

// streamChunkSize is the unit handed to the driver's buffers.
const streamChunkSize = 64 * 1024

// Virtualizer implements the Callbacks surface over the projection, the
// modified-paths journal and the object cache. It is reentrant across
// paths; per-path serialization is the driver's contract.
type Virtualizer struct {
	workTreeRoot string
	projector    *index.Projector
	journal      *journal.Journal
	objects      *cache.ObjectCache
	sidecar      *cache.DB
	tracer       *trace.Tracer

	states    *stateTable
	attrCache *AttrCache

	// stopped flips during unmount; in-flight callbacks drain through wg
	// and later callbacks fail fast.
	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// New wires the callback surface. sidecar may be nil in tests.
func New(workTreeRoot string, projector *index.Projector, j *journal.Journal,
	objectCache *cache.ObjectCache, sidecar *cache.DB, tracer *trace.Tracer) *Virtualizer {
	return &Virtualizer{
		workTreeRoot: workTreeRoot,
		projector:    projector,
		journal:      j,
		objects:      objectCache,
		sidecar:      sidecar,
		tracer:       tracer.Child("Virtualizer"),
		states:       newStateTable(),
		attrCache:    NewAttrCache(attrCacheTTL, attrCacheMaxEntries),
	}
}

// begin registers an in-flight callback; false means the mount is
// draining and the callback must fail fast.
func (v *Virtualizer) begin() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.stopped {
		return false
	}
	v.wg.Add(1)
	return true
}

func (v *Virtualizer) end() { v.wg.Done() }

// Stop flips the terminal state and waits for in-flight callbacks.
func (v *Virtualizer) Stop() {
	v.mu.Lock()
	v.stopped = true
	v.mu.Unlock()
	v.wg.Wait()
}

// PlaceholderCount feeds the heartbeat counters.
func (v *Virtualizer) PlaceholderCount() int { return v.states.count() }

// InvalidateProjection rebuilds the projection if the index moved and
// purges cached attributes. Called when an external git command releases
// the lock and on PostIndexChanged.
func (v *Virtualizer) InvalidateProjection() {
	if _, err := v.projector.RefreshIfChanged(); err != nil {
		v.tracer.Error("ProjectionRefreshFailed", err, nil)
	}
	v.attrCache.InvalidateAll()
}

func (v *Virtualizer) diskPath(path string) string {
	return filepath.Join(v.workTreeRoot, filepath.FromSlash(path))
}

// statDisk answers for journaled (modified) entries from the real file.
func (v *Virtualizer) statDisk(path, name string) (FileInfo, error) {
	info, err := os.Lstat(v.diskPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return FileInfo{}, common.ErrNotFound
		}
		return FileInfo{}, err
	}
	fi := FileInfo{Name: name, Size: info.Size(), IsDir: info.IsDir()}
	if !info.IsDir() {
		fi.Mode = index.ModeRegular
		if info.Mode()&0o111 != 0 {
			fi.Mode = index.ModeExecutable
		}
		if info.Mode()&os.ModeSymlink != 0 {
			fi.Mode = index.ModeSymlink
		}
	}
	return fi, nil
}

// EnumerateDirectory lists a directory: projected children minus
// tombstones, with journaled entries answered from disk.
func (v *Virtualizer) EnumerateDirectory(path string) ([]FileInfo, error) {
	if !v.begin() {
		return nil, common.ErrMountNotReady
	}
	defer v.end()

	path = common.NormalizePath(path)
	if v.journal.IsTombstoned(path) {
		return nil, common.ErrNotFound
	}

	entries, ok := v.projector.Current().ListDirectory(path)
	if !ok && !v.journal.IsModified(path) {
		return nil, common.ErrNotFound
	}

	out := make([]FileInfo, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		childPath := common.JoinPath(path, e.Name)
		seen[e.Name] = true
		if v.journal.IsTombstoned(childPath) {
			continue
		}
		if v.journal.IsModified(childPath) {
			fi, err := v.statDisk(childPath, e.Name)
			if err != nil {
				continue // Journaled but gone; treat as deleted.
			}
			out = append(out, fi)
			continue
		}
		out = append(out, v.projectedInfo(e))
	}

	// Children that exist only on disk (journaled new files).
	if disk, err := os.ReadDir(v.diskPath(path)); err == nil {
		for _, de := range disk {
			if seen[de.Name()] {
				continue
			}
			childPath := common.JoinPath(path, de.Name())
			if !v.journal.IsModified(childPath) || v.journal.IsTombstoned(childPath) {
				continue
			}
			if fi, err := v.statDisk(childPath, de.Name()); err == nil {
				out = append(out, fi)
			}
		}
	}

	return out, nil
}

// projectedInfo converts a projection entry, resolving blob sizes through
// the sidecar store so stat never reads blob bodies.
func (v *Virtualizer) projectedInfo(e index.Entry) FileInfo {
	fi := FileInfo{Name: e.Name, Mode: e.Mode, IsDir: e.IsDir}
	if e.IsDir {
		return fi
	}
	fi.Size = int64(e.Size)
	if fi.Size == 0 && !e.OID.IsZero() {
		if size, ok := v.objects.BlobSize(context.Background(), e.OID); ok {
			fi.Size = size
		}
	}
	return fi
}

// GetPlaceholderInfo answers a single-path lookup. A successful answer for
// a projected file moves it Virtual -> Partial and records the placeholder.
func (v *Virtualizer) GetPlaceholderInfo(path string) (FileInfo, error) {
	if !v.begin() {
		return FileInfo{}, common.ErrMountNotReady
	}
	defer v.end()

	path = common.NormalizePath(path)
	if v.journal.IsTombstoned(path) {
		return FileInfo{}, common.ErrNotFound
	}
	if v.journal.IsModified(path) {
		return v.statDisk(path, common.BaseName(path))
	}

	if fi, ok := v.attrCache.Get(path); ok {
		return fi, nil
	}

	e, ok := v.projector.Current().EntryFor(path)
	if !ok {
		return FileInfo{}, common.ErrNotFound
	}

	fi := v.projectedInfo(e)
	v.attrCache.Set(path, fi)

	if !e.IsDir {
		v.states.advance(path, StatePartial)
		if v.sidecar != nil {
			if err := v.sidecar.RecordPlaceholder(context.Background(), path, e.OID); err != nil {
				v.tracer.Error("PlaceholderRecordFailed", err, logrus.Fields{"path": path})
			}
		}
	}
	return fi, nil
}

// GetFileStream hydrates content for a placeholder: ensure the object
// locally (downloading on first read), then stream the requested range.
// This is the hydration point; the download is synchronous by design of
// the callback contract.
func (v *Virtualizer) GetFileStream(ctx context.Context, path string, offset, length int64, w StreamWriter) error {
	if !v.begin() {
		return common.ErrMountNotReady
	}
	defer v.end()

	path = common.NormalizePath(path)
	if v.journal.IsTombstoned(path) {
		return common.ErrNotFound
	}

	e, ok := v.projector.Current().EntryFor(path)
	if !ok || e.IsDir {
		return common.ErrNotFound
	}

	_, data, err := v.objects.EnsureAndRead(ctx, e.OID)
	if err != nil {
		// The path stays Partial; the driver reports an I/O error and a
		// retry is possible.
		v.states.demote(path, StatePartial)
		v.tracer.Error("HydrationFailed", err, logrus.Fields{
			"path": path,
			"oid":  e.OID.String(),
		})
		return err
	}

	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	end := int64(len(data))
	if length > 0 && offset+length < end {
		end = offset + length
	}

	for pos := offset; pos < end; pos += streamChunkSize {
		chunkEnd := pos + streamChunkSize
		if chunkEnd > end {
			chunkEnd = end
		}
		if err := w.WriteChunk(data[pos:chunkEnd]); err != nil {
			v.states.demote(path, StatePartial)
			return fmt.Errorf("stream to driver: %w", err)
		}
	}

	v.states.advance(path, StateFull)
	v.tracer.Info("Hydrated", logrus.Fields{
		"path":  path,
		"oid":   e.OID.String(),
		"bytes": end - offset,
	})
	return nil
}

// NotifyFileModified journals a user write.
func (v *Virtualizer) NotifyFileModified(path string) {
	if !v.begin() {
		return
	}
	defer v.end()

	path = common.NormalizePath(path)
	if err := v.journal.RecordModified(path); err != nil {
		v.tracer.Error("JournalAppendFailed", err, logrus.Fields{"path": path})
		return
	}
	v.states.advance(path, StateModified)
	v.attrCache.InvalidatePathAndParent(path)
	if v.sidecar != nil {
		_ = v.sidecar.RemovePlaceholder(context.Background(), path)
	}
}

// NotifyNewFile journals a user-created file or directory.
func (v *Virtualizer) NotifyNewFile(path string, isDir bool) {
	if !v.begin() {
		return
	}
	defer v.end()

	path = common.NormalizePath(path)
	var err error
	if isDir {
		err = v.journal.RecordModifiedFolder(path)
	} else {
		err = v.journal.RecordModified(path)
	}
	if err != nil {
		v.tracer.Error("JournalAppendFailed", err, logrus.Fields{"path": path})
		return
	}
	v.attrCache.InvalidatePathAndParent(path)
}

// NotifyRename tombstones the projected source and journals the target.
func (v *Virtualizer) NotifyRename(oldPath, newPath string) {
	if !v.begin() {
		return
	}
	defer v.end()

	oldPath = common.NormalizePath(oldPath)
	newPath = common.NormalizePath(newPath)

	if _, ok := v.projector.Current().EntryFor(oldPath); ok {
		if err := v.journal.RecordTombstone(oldPath); err != nil {
			v.tracer.Error("JournalAppendFailed", err, logrus.Fields{"path": oldPath})
		}
		v.states.advance(oldPath, StateTombstone)
	}
	if err := v.journal.RecordModified(newPath); err != nil {
		v.tracer.Error("JournalAppendFailed", err, logrus.Fields{"path": newPath})
	}
	v.attrCache.InvalidatePathAndParent(oldPath)
	v.attrCache.InvalidatePathAndParent(newPath)
}

// NotifyHardLink journals the new link.
func (v *Virtualizer) NotifyHardLink(existingPath, newLinkPath string) {
	v.NotifyNewFile(newLinkPath, false)
}

// NotifyPreDelete vetoes deletion of the enlistment root and the .git
// directory.
func (v *Virtualizer) NotifyPreDelete(path string) error {
	path = common.NormalizePath(path)
	if path == "" {
		return &common.PreconditionError{Reason: "cannot delete the virtualization root"}
	}
	if path == ".git" || common.IsPathInside(".git", path) {
		return &common.PreconditionError{Reason: "cannot delete the .git directory"}
	}
	return nil
}

// NotifyFileDeleted tombstones a user deletion.
func (v *Virtualizer) NotifyFileDeleted(path string, isDir bool) {
	if !v.begin() {
		return
	}
	defer v.end()

	path = common.NormalizePath(path)
	if err := v.journal.RecordTombstone(path); err != nil {
		v.tracer.Error("JournalAppendFailed", err, logrus.Fields{"path": path})
		return
	}
	v.states.advance(path, StateTombstone)
	v.attrCache.InvalidatePathAndParent(path)
	if v.sidecar != nil {
		_ = v.sidecar.RemovePlaceholder(context.Background(), path)
	}
}

// State exposes a path's placeholder state for status and tests.
func (v *Virtualizer) State(path string) PlaceholderState {
	return v.states.get(common.NormalizePath(path))
}
