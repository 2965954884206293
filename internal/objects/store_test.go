package objects

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gvfs/internal/common"
)

func TestStoreLooseRoundTrip(t *testing.T) {
	t.Parallel()

	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	content := []byte("loose content\n")
	oid := HashObject(TypeBlob, content)

	require.NoError(t, store.WriteLoose(oid, TypeBlob, content))
	assert.True(t, store.HasObject(oid))

	objType, got, err := store.ReadObject(oid)
	require.NoError(t, err)
	assert.Equal(t, TypeBlob, objType)
	assert.Equal(t, content, got)
}

func TestStoreWriteLooseRejectsWrongOID(t *testing.T) {
	t.Parallel()

	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	wrong := HashObject(TypeBlob, []byte("other"))
	err = store.WriteLoose(wrong, TypeBlob, []byte("content"))
	var corrupt *common.CorruptObjectError
	assert.ErrorAs(t, err, &corrupt)
}

func TestStoreWritePack(t *testing.T) {
	t.Parallel()

	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	content := []byte("packed blob\n")
	var b packBuilder
	b.addObject(packObjBlob, content)
	data, _ := b.build(t)

	oids, err := store.WritePack(bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, oids, 1)
	assert.Equal(t, HashObject(TypeBlob, content), oids[0])

	// Pack, index and keep marker all land in the pack directory.
	entries, err := os.ReadDir(store.PackDir())
	require.NoError(t, err)
	var exts []string
	for _, e := range entries {
		exts = append(exts, filepath.Ext(e.Name()))
	}
	assert.ElementsMatch(t, []string{".pack", ".idx", ".keep"}, exts)

	// The object is readable without being loose.
	assert.False(t, store.Loose().Has(oids[0]))
	objType, got, err := store.ReadObject(oids[0])
	require.NoError(t, err)
	assert.Equal(t, TypeBlob, objType)
	assert.Equal(t, content, got)
}

func TestStorePackWithDeltaChain(t *testing.T) {
	t.Parallel()

	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	base := []byte("base object content")
	derived := []byte("derived object content")

	var b packBuilder
	b.addObject(packObjBlob, base)
	b.addOfsDelta(buildDelta(base, derived), 0)
	_, offsets := b.build(t)
	b.entries[1].prefix = encodeOfsDistance(offsets[1] - offsets[0])
	data, _ := b.build(t)

	oids, err := store.WritePack(bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, oids, 2)

	_, got, err := store.ReadObject(HashObject(TypeBlob, derived))
	require.NoError(t, err)
	assert.Equal(t, derived, got)
}

func TestStoreThinPackResolvedFromStore(t *testing.T) {
	t.Parallel()

	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	base := []byte("already local base")
	baseOID := HashObject(TypeBlob, base)
	require.NoError(t, store.WriteLoose(baseOID, TypeBlob, base))

	derived := []byte("thin pack derived")
	var b packBuilder
	b.addRefDelta(buildDelta(base, derived), baseOID)
	data, _ := b.build(t)

	oids, err := store.WritePack(bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, oids, 1)

	_, got, err := store.ReadObject(oids[0])
	require.NoError(t, err)
	assert.Equal(t, derived, got)
}

func TestStoreAlternates(t *testing.T) {
	t.Parallel()

	sharedRoot := t.TempDir()
	shared, err := NewStore(sharedRoot)
	require.NoError(t, err)
	defer shared.Close()

	content := []byte("shared object")
	oid := HashObject(TypeBlob, content)
	require.NoError(t, shared.WriteLoose(oid, TypeBlob, content))

	localRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(localRoot, "info"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(localRoot, "info", "alternates"),
		[]byte(sharedRoot+"\n"), 0o644))

	local, err := NewStore(localRoot)
	require.NoError(t, err)
	defer local.Close()

	assert.True(t, local.HasObject(oid))
	_, got, err := local.ReadObject(oid)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestPackIndexRoundTrip(t *testing.T) {
	t.Parallel()

	entries := []packedObject{
		{oid: HashObject(TypeBlob, []byte("a")), offset: 12, crc: 1},
		{oid: HashObject(TypeBlob, []byte("b")), offset: 60, crc: 2},
		{oid: HashObject(TypeBlob, []byte("c")), offset: 0x90000000, crc: 3},
	}
	packSHA := sha1Sum([]byte("pack"))
	raw := buildPackIndexV2(entries, packSHA)

	idx, err := parsePackIndex("test.idx", raw)
	require.NoError(t, err)
	assert.Equal(t, 3, idx.Count())

	for _, e := range entries {
		off, ok := idx.Find(e.oid)
		require.True(t, ok, "missing %s", e.oid)
		assert.Equal(t, e.offset, off)
	}

	_, ok := idx.Find(HashObject(TypeBlob, []byte("absent")))
	assert.False(t, ok)
}
