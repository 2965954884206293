package objects

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zlib"
)

// packedObject is one fully resolved entry during pack indexing.
type packedObject struct {
	oid    OID
	typ    ObjectType
	offset uint64
	crc    uint32
}

// IndexPackStream consumes a pack stream from the object service, verifies
// its trailer, writes it into packDir as pack-<sha>.pack with a v2 index
// and a .keep marker, and returns the OIDs it contains. Thin-pack REF_DELTA
// bases missing from the stream are resolved through resolve.
func IndexPackStream(packDir string, r io.Reader, resolve func(OID) (ObjectType, []byte, error)) ([]OID, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read pack stream: %w", err)
	}
	if err := verifyPackTrailer(data); err != nil {
		return nil, err
	}
	count, err := parsePackHeader(data)
	if err != nil {
		return nil, err
	}

	var trailer OID
	copy(trailer[:], data[len(data)-20:])
	packName := "pack-" + trailer.String()

	entries, err := resolvePackEntries(data, count, resolve)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(packDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pack directory: %w", err)
	}

	packPath := filepath.Join(packDir, packName+".pack")
	if err := atomicWriteFile(packPath, data); err != nil {
		return nil, err
	}

	idxBytes := buildPackIndexV2(entries, trailer)
	if err := atomicWriteFile(filepath.Join(packDir, packName+".idx"), idxBytes); err != nil {
		return nil, err
	}

	// The .keep marker tells git-side maintenance these packs are ours.
	if err := os.WriteFile(filepath.Join(packDir, packName+".keep"), []byte("gvfs\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write keep file: %w", err)
	}

	oids := make([]OID, len(entries))
	for i, e := range entries {
		oids[i] = e.oid
	}
	return oids, nil
}

// resolvePackEntries walks every entry, inflates it, resolves delta chains
// and computes each object's OID and entry CRC.
func resolvePackEntries(data []byte, count uint32, resolve func(OID) (ObjectType, []byte, error)) ([]packedObject, error) {
	payload := data[:len(data)-20]
	// Resolved objects by offset, for OFS_DELTA bases within this pack.
	byOffset := make(map[uint64]struct {
		typ  ObjectType
		data []byte
	}, count)

	entries := make([]packedObject, 0, count)
	offset := uint64(12)

	for i := uint32(0); i < count; i++ {
		if offset >= uint64(len(payload)) {
			return nil, fmt.Errorf("pack entry %d: offset beyond payload", i)
		}
		br := bufio.NewReader(bytes.NewReader(payload[offset:]))
		counting := &countingReader{r: br}

		objType, size, err := readEntryHeader(counting)
		if err != nil {
			return nil, fmt.Errorf("pack entry %d: %w", i, err)
		}

		var resolvedType ObjectType
		var content []byte

		switch objType {
		case packObjOfsDelta:
			dist, err := readOfsDeltaDistance(counting)
			if err != nil {
				return nil, fmt.Errorf("pack entry %d: %w", i, err)
			}
			delta, n, err := inflateCounted(payload[offset+counting.n:], size)
			if err != nil {
				return nil, fmt.Errorf("pack entry %d: %w", i, err)
			}
			counting.n += n
			base, ok := byOffset[offset-dist]
			if !ok {
				return nil, fmt.Errorf("pack entry %d: OFS_DELTA base at %d not resolved", i, offset-dist)
			}
			content, err = applyDelta(base.data, delta)
			if err != nil {
				return nil, fmt.Errorf("pack entry %d: %w", i, err)
			}
			resolvedType = base.typ

		case packObjRefDelta:
			var baseOID OID
			if _, err := io.ReadFull(counting, baseOID[:]); err != nil {
				return nil, fmt.Errorf("pack entry %d: read delta base: %w", i, err)
			}
			delta, n, err := inflateCounted(payload[offset+counting.n:], size)
			if err != nil {
				return nil, fmt.Errorf("pack entry %d: %w", i, err)
			}
			counting.n += n

			var baseType ObjectType
			var base []byte
			if prev, ok := findByOID(byOffset, entries, baseOID); ok {
				baseType, base = prev.typ, prev.data
			} else if resolve != nil {
				baseType, base, err = resolve(baseOID)
				if err != nil {
					return nil, fmt.Errorf("pack entry %d: resolve thin base %s: %w", i, baseOID, err)
				}
			} else {
				return nil, fmt.Errorf("pack entry %d: REF_DELTA base %s not available", i, baseOID)
			}
			content, err = applyDelta(base, delta)
			if err != nil {
				return nil, fmt.Errorf("pack entry %d: %w", i, err)
			}
			resolvedType = baseType

		default:
			ot, ok := objType.objectType()
			if !ok {
				return nil, fmt.Errorf("pack entry %d: unknown type %d", i, objType)
			}
			var n uint64
			content, n, err = inflateCounted(payload[offset+counting.n:], size)
			if err != nil {
				return nil, fmt.Errorf("pack entry %d: %w", i, err)
			}
			counting.n += n
			resolvedType = ot
		}

		entrySize := counting.n
		crc := crc32.ChecksumIEEE(payload[offset : offset+entrySize])
		oid := HashObject(resolvedType, content)

		byOffset[offset] = struct {
			typ  ObjectType
			data []byte
		}{resolvedType, content}
		entries = append(entries, packedObject{oid: oid, typ: resolvedType, offset: offset, crc: crc})
		offset += entrySize
	}

	return entries, nil
}

// findByOID looks up an already-resolved in-pack object by OID.
func findByOID(byOffset map[uint64]struct {
	typ  ObjectType
	data []byte
}, entries []packedObject, oid OID) (struct {
	typ  ObjectType
	data []byte
}, bool) {
	for _, e := range entries {
		if e.oid == oid {
			return byOffset[e.offset], true
		}
	}
	return struct {
		typ  ObjectType
		data []byte
	}{}, false
}

// inflateCounted decompresses a zlib stream from data and reports how many
// compressed bytes it consumed.
func inflateCounted(data []byte, size uint64) ([]byte, uint64, error) {
	sub := bytes.NewReader(data)
	zr, err := zlib.NewReader(sub)
	if err != nil {
		return nil, 0, fmt.Errorf("zlib reader: %w", err)
	}
	raw, err := io.ReadAll(zr)
	if err != nil {
		zr.Close()
		return nil, 0, fmt.Errorf("inflate: %w", err)
	}
	if err := zr.Close(); err != nil {
		return nil, 0, fmt.Errorf("close zlib stream: %w", err)
	}
	if uint64(len(raw)) != size {
		return nil, 0, fmt.Errorf("size mismatch header=%d decoded=%d", size, len(raw))
	}
	consumed := uint64(len(data) - sub.Len())
	return raw, consumed, nil
}

// buildPackIndexV2 serializes a v2 index over the resolved entries.
func buildPackIndexV2(entries []packedObject, packSHA OID) []byte {
	sorted := make([]packedObject, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].oid.Compare(sorted[j].oid) < 0
	})

	var buf bytes.Buffer
	buf.Write(idxMagic[:])
	binary.Write(&buf, binary.BigEndian, uint32(idxVersion))

	var fanout [256]uint32
	for _, e := range sorted {
		fanout[e.oid[0]]++
	}
	var running uint32
	for i := 0; i < 256; i++ {
		running += fanout[i]
		binary.Write(&buf, binary.BigEndian, running)
	}

	for _, e := range sorted {
		buf.Write(e.oid[:])
	}
	for _, e := range sorted {
		binary.Write(&buf, binary.BigEndian, e.crc)
	}

	var large []uint64
	for _, e := range sorted {
		if e.offset > 0x7fffffff {
			binary.Write(&buf, binary.BigEndian, uint32(0x80000000|len(large)))
			large = append(large, e.offset)
		} else {
			binary.Write(&buf, binary.BigEndian, uint32(e.offset))
		}
	}
	for _, off := range large {
		binary.Write(&buf, binary.BigEndian, off)
	}

	buf.Write(packSHA[:])
	idxSHA := sha1Sum(buf.Bytes())
	buf.Write(idxSHA[:])
	return buf.Bytes()
}

// countingReader counts bytes consumed through ReadByte/Read.
type countingReader struct {
	r *bufio.Reader
	n uint64
}

func (c *countingReader) ReadByte() (byte, error) {
	b, err := c.r.ReadByte()
	if err == nil {
		c.n++
	}
	return b, err
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += uint64(n)
	return n, err
}

// atomicWriteFile writes data to a temp file in the destination directory,
// fsyncs, and renames into place.
func atomicWriteFile(dest string, data []byte) error {
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("atomic write tmpfile: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("atomic write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("atomic write fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("atomic write close: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("atomic write rename: %w", err)
	}
	return nil
}
