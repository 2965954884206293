package objects

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"
)

// idxMagic is the v2 pack index signature "\377tOc".
var idxMagic = [4]byte{0xff, 0x74, 0x4f, 0x63}

const idxVersion = 2

// PackIndex is a parsed v2 pack index. Lookups binary-search the sorted
// OID table after narrowing by the first-byte fanout, so Has/Find are
// O(log n) in the number of packed objects.
type PackIndex struct {
	Path   string
	fanout [256]uint32
	oids   []OID
	// offsets holds the 31-bit offsets; entries with the MSB set index
	// into offsets64 instead.
	offsets   []uint32
	offsets64 []uint64
}

// OpenPackIndex parses a pack-*.idx file.
func OpenPackIndex(path string) (*PackIndex, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open pack index: %w", err)
	}
	return parsePackIndex(path, data)
}

func parsePackIndex(path string, data []byte) (*PackIndex, error) {
	if len(data) < 8+256*4 {
		return nil, fmt.Errorf("pack index %s: truncated header", path)
	}
	if [4]byte(data[:4]) != idxMagic {
		return nil, fmt.Errorf("pack index %s: bad magic", path)
	}
	if v := binary.BigEndian.Uint32(data[4:8]); v != idxVersion {
		return nil, fmt.Errorf("pack index %s: unsupported version %d", path, v)
	}

	idx := &PackIndex{Path: path}
	pos := 8
	for i := 0; i < 256; i++ {
		idx.fanout[i] = binary.BigEndian.Uint32(data[pos : pos+4])
		pos += 4
	}
	count := int(idx.fanout[255])

	need := pos + count*20 + count*4 + count*4
	if len(data) < need {
		return nil, fmt.Errorf("pack index %s: truncated tables", path)
	}

	idx.oids = make([]OID, count)
	for i := 0; i < count; i++ {
		copy(idx.oids[i][:], data[pos:pos+20])
		pos += 20
	}

	// CRC32 table, unused by lookups.
	pos += count * 4

	idx.offsets = make([]uint32, count)
	var large int
	for i := 0; i < count; i++ {
		idx.offsets[i] = binary.BigEndian.Uint32(data[pos : pos+4])
		if idx.offsets[i]&0x80000000 != 0 {
			large++
		}
		pos += 4
	}

	if large > 0 {
		if len(data) < pos+large*8 {
			return nil, fmt.Errorf("pack index %s: truncated 64-bit offsets", path)
		}
		idx.offsets64 = make([]uint64, large)
		for i := 0; i < large; i++ {
			idx.offsets64[i] = binary.BigEndian.Uint64(data[pos : pos+8])
			pos += 8
		}
	}

	return idx, nil
}

// Count returns the number of objects covered by this index.
func (idx *PackIndex) Count() int { return len(idx.oids) }

// Has reports whether the pack covered by this index contains oid.
func (idx *PackIndex) Has(oid OID) bool {
	_, ok := idx.Find(oid)
	return ok
}

// Find returns the pack-relative byte offset of oid.
func (idx *PackIndex) Find(oid OID) (uint64, bool) {
	lo := 0
	if oid[0] > 0 {
		lo = int(idx.fanout[oid[0]-1])
	}
	hi := int(idx.fanout[oid[0]])

	bucket := idx.oids[lo:hi]
	i := sort.Search(len(bucket), func(i int) bool {
		return bucket[i].Compare(oid) >= 0
	})
	if i >= len(bucket) || bucket[i] != oid {
		return 0, false
	}

	raw := idx.offsets[lo+i]
	if raw&0x80000000 != 0 {
		return idx.offsets64[raw&0x7fffffff], true
	}
	return uint64(raw), true
}

// Objects returns the sorted OIDs covered by this index.
func (idx *PackIndex) Objects() []OID { return idx.oids }
