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

package index

import (
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/sirupsen/logrus"

	"gvfs/internal/common"
	"gvfs/internal/objects"
	"gvfs/internal/trace"
)

// Entry is one child of a projected directory.
type Entry struct {
	Name         string
	OID          objects.OID
	Mode         uint32
	Size         uint32
	IsDir        bool
	SkipWorktree bool
}

// Projection is an immutable per-directory view of one parsed index.
// Readers hold a snapshot pointer; a rebuild publishes a new Projection
// without touching the old one.
type Projection struct {
	dirs map[string][]Entry
}

// ListDirectory returns the sorted children of a directory ("" is the
// working-tree root). The second result is false when the directory is not
// part of the projection.
func (p *Projection) ListDirectory(dir string) ([]Entry, bool) {
	entries, ok := p.dirs[common.NormalizePath(dir)]
	return entries, ok
}

// EntryFor looks up a single path.
func (p *Projection) EntryFor(path string) (Entry, bool) {
	path = common.NormalizePath(path)
	entries, ok := p.dirs[common.ParentPath(path)]
	if !ok {
		return Entry{}, false
	}
	name := common.BaseName(path)
	i := sort.Search(len(entries), func(i int) bool { return entries[i].Name >= name })
	if i < len(entries) && entries[i].Name == name {
		return entries[i], true
	}
	return Entry{}, false
}

// buildProjection folds index entries into per-directory listings,
// synthesizing directory entries for every path component.
func buildProjection(idx *IndexFile) *Projection {
	dirs := make(map[string][]Entry)
	dirSeen := make(map[string]bool)
	dirs[""] = nil

	addDir := func(path string) {
		for !dirSeen[path] && path != "" {
			dirSeen[path] = true
			parent := common.ParentPath(path)
			dirs[parent] = append(dirs[parent], Entry{
				Name:  common.BaseName(path),
				IsDir: true,
			})
			if _, ok := dirs[path]; !ok {
				dirs[path] = nil
			}
			path = parent
		}
	}

	for _, e := range idx.Entries {
		path := common.NormalizePath(e.Path)
		parent := common.ParentPath(path)
		addDir(parent)
		dirs[parent] = append(dirs[parent], Entry{
			Name:         common.BaseName(path),
			OID:          e.OID,
			Mode:         e.Mode,
			Size:         e.Size,
			SkipWorktree: e.SkipWorktree,
		})
	}

	for dir := range dirs {
		sort.Slice(dirs[dir], func(i, j int) bool {
			return dirs[dir][i].Name < dirs[dir][j].Name
		})
	}

	return &Projection{dirs: dirs}
}

// indexIdentity is the (mtime, size, inode) triple that gates rebuilds.
type indexIdentity struct {
	mtimeSec  int64
	mtimeNsec int64
	size      int64
	inode     uint64
}

func statIdentity(path string) (indexIdentity, error) {
	info, err := os.Stat(path)
	if err != nil {
		return indexIdentity{}, err
	}
	id := indexIdentity{
		mtimeSec:  info.ModTime().Unix(),
		mtimeNsec: int64(info.ModTime().Nanosecond()),
		size:      info.Size(),
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		id.inode = st.Ino
	}
	return id, nil
}

// Projector owns the most-recent projection snapshot. Rebuilds are
// serialized on a mutex and published with a single pointer swap, so a
// reader sees either the old snapshot or the new one, never a mix.
type Projector struct {
	indexPath string
	tracer    *trace.Tracer

	rebuildMu sync.Mutex
	snapshot  atomic.Pointer[Projection]
	lastID    indexIdentity
}

// NewProjector parses the index and publishes the initial snapshot.
func NewProjector(indexPath string, tracer *trace.Tracer) (*Projector, error) {
	p := &Projector{
		indexPath: indexPath,
		tracer:    tracer.Child("Projection"),
	}
	if err := p.Rebuild(); err != nil {
		return nil, err
	}
	return p, nil
}

// Current returns the latest published snapshot.
func (p *Projector) Current() *Projection {
	return p.snapshot.Load()
}

// Rebuild unconditionally reparses the index and publishes a new snapshot.
func (p *Projector) Rebuild() error {
	p.rebuildMu.Lock()
	defer p.rebuildMu.Unlock()

	id, err := statIdentity(p.indexPath)
	if err != nil {
		return err
	}
	idx, err := ParseIndexFile(p.indexPath)
	if err != nil {
		p.tracer.Critical("IndexParseFailed", err, nil)
		return err
	}

	p.snapshot.Store(buildProjection(idx))
	p.lastID = id
	p.tracer.Info("ProjectionRebuilt", logrus.Fields{
		"entries": len(idx.Entries),
		"version": idx.Version,
	})
	return nil
}

// RefreshIfChanged rebuilds only when the index file's (mtime, size, inode)
// identity has moved. Returns whether a rebuild happened.
func (p *Projector) RefreshIfChanged() (bool, error) {
	p.rebuildMu.Lock()
	id, err := statIdentity(p.indexPath)
	if err != nil {
		p.rebuildMu.Unlock()
		return false, err
	}
	if id == p.lastID {
		p.rebuildMu.Unlock()
		return false, nil
	}
	p.rebuildMu.Unlock()

	return true, p.Rebuild()
}
