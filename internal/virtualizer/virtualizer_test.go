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
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gvfs/internal/cache"
	"gvfs/internal/common"
	"gvfs/internal/index"
	"gvfs/internal/journal"
	"gvfs/internal/objects"
	"gvfs/internal/trace"
)

// testEntry is one index row for the fixture builder.
type testEntry struct {
	path string
	oid  objects.OID
	size uint32
}

// writeTestIndex serializes a v3 index with skip-worktree set on every
// entry and writes it to .git/index under dir.
func writeTestIndex(t *testing.T, gitDir string, entries []testEntry) string {
	t.Helper()

	var buf bytes.Buffer
	buf.WriteString("DIRC")
	binary.Write(&buf, binary.BigEndian, uint32(3))
	binary.Write(&buf, binary.BigEndian, uint32(len(entries)))

	for _, e := range entries {
		start := buf.Len()
		for i := 0; i < 6; i++ {
			binary.Write(&buf, binary.BigEndian, uint32(0))
		}
		binary.Write(&buf, binary.BigEndian, uint32(index.ModeRegular))
		binary.Write(&buf, binary.BigEndian, uint32(0))
		binary.Write(&buf, binary.BigEndian, uint32(0))
		binary.Write(&buf, binary.BigEndian, e.size)
		buf.Write(e.oid[:])
		binary.Write(&buf, binary.BigEndian, uint16(0x4000|len(e.path))) // extended
		binary.Write(&buf, binary.BigEndian, uint16(0x4000))             // skip-worktree
		buf.WriteString(e.path)
		buf.Write(make([]byte, 8-(buf.Len()-start)%8))
	}

	sum := objects.HashRaw(buf.Bytes())
	buf.Write(sum[:])

	require.NoError(t, os.MkdirAll(gitDir, 0o755))
	path := filepath.Join(gitDir, "index")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

// memObjectStore backs the object cache in tests.
type memObjectStore struct {
	mu   sync.Mutex
	objs map[objects.OID][]byte
}

func newMemObjectStore() *memObjectStore {
	return &memObjectStore{objs: make(map[objects.OID][]byte)}
}

func (s *memObjectStore) HasObject(oid objects.OID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objs[oid]
	return ok
}

func (s *memObjectStore) ReadObject(oid objects.OID) (objects.ObjectType, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objs[oid]
	if !ok {
		return "", nil, common.ErrNotFound
	}
	return objects.TypeBlob, data, nil
}

func (s *memObjectStore) WriteLoose(oid objects.OID, _ objects.ObjectType, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objs[oid] = data
	return nil
}

func (s *memObjectStore) WritePack(io.Reader) ([]objects.OID, error) { return nil, nil }

// countingFetcher serves from a fixed object map, counting requests.
type countingFetcher struct {
	objs      map[objects.OID][]byte
	downloads atomic.Int64
	fail      error
}

func (f *countingFetcher) DownloadLooseObject(ctx context.Context, oid objects.OID) (objects.ObjectType, []byte, error) {
	f.downloads.Add(1)
	if f.fail != nil {
		return "", nil, f.fail
	}
	data, ok := f.objs[oid]
	if !ok {
		return "", nil, common.ErrNotFound
	}
	return objects.TypeBlob, data, nil
}

func (f *countingFetcher) DownloadPack(ctx context.Context, oids []objects.OID) (io.ReadCloser, error) {
	return nil, errors.New("pack path unused in these tests")
}

// chunkRecorder collects streamed bytes.
type chunkRecorder struct {
	buf    bytes.Buffer
	chunks int
}

func (r *chunkRecorder) WriteChunk(data []byte) error {
	r.chunks++
	r.buf.Write(data)
	return nil
}

type fixture struct {
	v       *Virtualizer
	journal *journal.Journal
	store   *memObjectStore
	fetcher *countingFetcher
	work    string
}

func newFixture(t *testing.T, entries []testEntry, remote map[objects.OID][]byte) *fixture {
	t.Helper()
	root := t.TempDir()
	indexPath := writeTestIndex(t, filepath.Join(root, ".git"), entries)

	projector, err := index.NewProjector(indexPath, trace.NewDiscard())
	require.NoError(t, err)

	j, err := journal.Open(filepath.Join(root, ".gvfs", "databases", "ModifiedPaths.dat"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	store := newMemObjectStore()
	fetcher := &countingFetcher{objs: remote}
	objectCache := cache.NewObjectCache(store, fetcher, nil, trace.NewDiscard())
	objectCache.SetBatchWindow(0)

	work := filepath.Join(root, "src")
	require.NoError(t, os.MkdirAll(work, 0o755))

	v := New(work, projector, j, objectCache, nil, trace.NewDiscard())
	return &fixture{v: v, journal: j, store: store, fetcher: fetcher, work: work}
}

func TestHydrationOnFirstRead(t *testing.T) {
	t.Parallel()

	content := make([]byte, 42)
	for i := range content {
		content[i] = byte(i)
	}
	oid := objects.HashObject(objects.TypeBlob, content)
	fx := newFixture(t,
		[]testEntry{{path: "a/b.txt", oid: oid, size: 42}},
		map[objects.OID][]byte{oid: content})

	// Placeholder info moves the path Virtual -> Partial.
	fi, err := fx.v.GetPlaceholderInfo("a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(42), fi.Size)
	assert.Equal(t, StatePartial, fx.v.State("a/b.txt"))

	// First read downloads the object and streams all 42 bytes.
	var rec chunkRecorder
	require.NoError(t, fx.v.GetFileStream(context.Background(), "a/b.txt", 0, 42, &rec))
	assert.Equal(t, content, rec.buf.Bytes())
	assert.Equal(t, int64(1), fx.fetcher.downloads.Load())
	assert.Equal(t, StateFull, fx.v.State("a/b.txt"))

	// Hydration does not touch the journal.
	assert.Zero(t, fx.journal.Count())

	// A second read is served locally.
	var rec2 chunkRecorder
	require.NoError(t, fx.v.GetFileStream(context.Background(), "a/b.txt", 0, 42, &rec2))
	assert.Equal(t, int64(1), fx.fetcher.downloads.Load())
}

func TestHydrationFailureStaysPartial(t *testing.T) {
	t.Parallel()

	oid := objects.HashObject(objects.TypeBlob, []byte("unreachable"))
	fx := newFixture(t, []testEntry{{path: "f.txt", oid: oid, size: 11}}, nil)
	fx.fetcher.fail = errors.New("service down")

	_, err := fx.v.GetPlaceholderInfo("f.txt")
	require.NoError(t, err)

	var rec chunkRecorder
	err = fx.v.GetFileStream(context.Background(), "f.txt", 0, 11, &rec)
	require.Error(t, err)
	assert.Equal(t, StatePartial, fx.v.State("f.txt"))

	// Retry succeeds once the service recovers.
	fx.fetcher.fail = nil
	fx.fetcher.objs = map[objects.OID][]byte{oid: []byte("unreachable")}
	require.NoError(t, fx.v.GetFileStream(context.Background(), "f.txt", 0, 11, &rec))
	assert.Equal(t, StateFull, fx.v.State("f.txt"))
}

func TestEnumerateMergesJournal(t *testing.T) {
	t.Parallel()

	oidA := objects.HashObject(objects.TypeBlob, []byte("a"))
	oidB := objects.HashObject(objects.TypeBlob, []byte("b"))
	fx := newFixture(t, []testEntry{
		{path: "dir/gone.txt", oid: oidA, size: 1},
		{path: "dir/kept.txt", oid: oidB, size: 1},
	}, nil)

	require.NoError(t, fx.journal.RecordTombstone("dir/gone.txt"))

	// A user-created file exists only on disk.
	require.NoError(t, os.MkdirAll(filepath.Join(fx.work, "dir"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(fx.work, "dir", "new.txt"), []byte("fresh"), 0o644))
	require.NoError(t, fx.journal.RecordModified("dir/new.txt"))

	entries, err := fx.v.EnumerateDirectory("dir")
	require.NoError(t, err)

	names := make(map[string]FileInfo)
	for _, e := range entries {
		names[e.Name] = e
	}
	assert.NotContains(t, names, "gone.txt")
	assert.Contains(t, names, "kept.txt")
	require.Contains(t, names, "new.txt")
	// Modified entries answer from disk, not projection.
	assert.Equal(t, int64(5), names["new.txt"].Size)
}

func TestGetPlaceholderInfoNotFound(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, []testEntry{
		{path: "present.txt", oid: objects.HashObject(objects.TypeBlob, []byte("p")), size: 1},
	}, nil)

	_, err := fx.v.GetPlaceholderInfo("absent.txt")
	assert.ErrorIs(t, err, common.ErrNotFound)

	// Tombstoned projected paths are NOT_FOUND too.
	require.NoError(t, fx.journal.RecordTombstone("present.txt"))
	_, err = fx.v.GetPlaceholderInfo("present.txt")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestDeleteTombstonesPath(t *testing.T) {
	t.Parallel()

	oid := objects.HashObject(objects.TypeBlob, []byte("content"))
	fx := newFixture(t, []testEntry{{path: "x.txt", oid: oid, size: 7}}, nil)

	fx.v.NotifyFileDeleted("x.txt", false)
	assert.Equal(t, StateTombstone, fx.v.State("x.txt"))
	assert.True(t, fx.journal.IsTombstoned("x.txt"))

	_, err := fx.v.GetPlaceholderInfo("x.txt")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestRenameTombstonesSourceAndJournalsTarget(t *testing.T) {
	t.Parallel()

	oid := objects.HashObject(objects.TypeBlob, []byte("src"))
	fx := newFixture(t, []testEntry{{path: "old.txt", oid: oid, size: 3}}, nil)

	fx.v.NotifyRename("old.txt", "renamed.txt")
	assert.True(t, fx.journal.IsTombstoned("old.txt"))
	assert.True(t, fx.journal.IsModified("renamed.txt"))
}

func TestPreDeleteVeto(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, []testEntry{
		{path: "ok.txt", oid: objects.HashObject(objects.TypeBlob, []byte("k")), size: 1},
	}, nil)

	assert.Error(t, fx.v.NotifyPreDelete(""))
	assert.Error(t, fx.v.NotifyPreDelete(".git"))
	assert.Error(t, fx.v.NotifyPreDelete(".git/config"))
	assert.NoError(t, fx.v.NotifyPreDelete("ok.txt"))
}

func TestStoppedVirtualizerFailsFast(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, []testEntry{
		{path: "y.txt", oid: objects.HashObject(objects.TypeBlob, []byte("y")), size: 1},
	}, nil)

	fx.v.Stop()

	_, err := fx.v.EnumerateDirectory("")
	assert.ErrorIs(t, err, common.ErrMountNotReady)
	_, err = fx.v.GetPlaceholderInfo("y.txt")
	assert.ErrorIs(t, err, common.ErrMountNotReady)
	var rec chunkRecorder
	err = fx.v.GetFileStream(context.Background(), "y.txt", 0, 1, &rec)
	assert.ErrorIs(t, err, common.ErrMountNotReady)
}
