package objects

import (
	"bytes"
	"encoding/binary"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildTestMIDX serializes a minimal v1 multi-pack-index over the given
// (oid, pack, offset) rows.
func buildTestMIDX(t *testing.T, packNames []string, rows []struct {
	oid    OID
	packID uint32
	offset uint64
}) []byte {
	t.Helper()

	sort.Slice(rows, func(i, j int) bool { return rows[i].oid.Compare(rows[j].oid) < 0 })

	var pnam bytes.Buffer
	for _, name := range packNames {
		pnam.WriteString(name)
		pnam.WriteByte(0)
	}

	var fanout [256]uint32
	for _, r := range rows {
		fanout[r.oid[0]]++
	}
	var oidf bytes.Buffer
	var running uint32
	for i := 0; i < 256; i++ {
		running += fanout[i]
		binary.Write(&oidf, binary.BigEndian, running)
	}

	var oidl bytes.Buffer
	for _, r := range rows {
		oidl.Write(r.oid[:])
	}

	var ooff, loff bytes.Buffer
	for _, r := range rows {
		binary.Write(&ooff, binary.BigEndian, r.packID)
		if r.offset > 0x7fffffff {
			binary.Write(&ooff, binary.BigEndian, uint32(0x80000000|uint32(loff.Len()/8)))
			binary.Write(&loff, binary.BigEndian, r.offset)
		} else {
			binary.Write(&ooff, binary.BigEndian, uint32(r.offset))
		}
	}

	chunks := []struct {
		id   uint32
		data []byte
	}{
		{midxChunkPackNames, pnam.Bytes()},
		{midxChunkOIDFanout, oidf.Bytes()},
		{midxChunkOIDLookup, oidl.Bytes()},
		{midxChunkObjectOffsets, ooff.Bytes()},
	}
	if loff.Len() > 0 {
		chunks = append(chunks, struct {
			id   uint32
			data []byte
		}{midxChunkLargeOffsets, loff.Bytes()})
	}

	var out bytes.Buffer
	out.WriteString("MIDX")
	out.WriteByte(1) // version
	out.WriteByte(1) // oid version (sha1)
	out.WriteByte(byte(len(chunks)))
	out.WriteByte(0) // base midx count
	binary.Write(&out, binary.BigEndian, uint32(len(packNames)))

	dataStart := uint64(out.Len() + (len(chunks)+1)*12)
	pos := dataStart
	for _, c := range chunks {
		binary.Write(&out, binary.BigEndian, c.id)
		binary.Write(&out, binary.BigEndian, pos)
		pos += uint64(len(c.data))
	}
	binary.Write(&out, binary.BigEndian, uint32(0))
	binary.Write(&out, binary.BigEndian, pos)

	for _, c := range chunks {
		out.Write(c.data)
	}
	return out.Bytes()
}

func TestMultiPackIndexLookup(t *testing.T) {
	t.Parallel()

	rows := []struct {
		oid    OID
		packID uint32
		offset uint64
	}{
		{HashObject(TypeBlob, []byte("a")), 0, 12},
		{HashObject(TypeBlob, []byte("b")), 1, 345},
		{HashObject(TypeBlob, []byte("c")), 1, 0x1_0000_0000},
	}
	raw := buildTestMIDX(t, []string{"pack-one.pack", "pack-two.pack"}, rows)

	m, err := parseMultiPackIndex("multi-pack-index", raw)
	require.NoError(t, err)
	assert.Equal(t, 3, m.Count())
	assert.Equal(t, []string{"pack-one.pack", "pack-two.pack"}, m.PackNames)

	pack, off, ok := m.Find(rows[0].oid)
	require.True(t, ok)
	assert.Equal(t, m.PackNames[rows[0].packID], pack)
	assert.Equal(t, rows[0].offset, off)

	// Large offset routes through LOFF.
	for _, r := range rows {
		if r.offset > 0x7fffffff {
			_, off, ok := m.Find(r.oid)
			require.True(t, ok)
			assert.Equal(t, r.offset, off)
		}
	}

	_, _, ok = m.Find(HashObject(TypeBlob, []byte("absent")))
	assert.False(t, ok)
}
