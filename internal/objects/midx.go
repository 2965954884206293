package objects

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"
)

// Multi-pack-index chunk identifiers.
const (
	midxChunkPackNames     = 0x504e414d // PNAM
	midxChunkOIDFanout     = 0x4f494446 // OIDF
	midxChunkOIDLookup     = 0x4f49444c // OIDL
	midxChunkObjectOffsets = 0x4f4f4646 // OOFF
	midxChunkLargeOffsets  = 0x4c4f4646 // LOFF
)

// MultiPackIndex maps OIDs to (pack, offset) across every pack it covers.
// Lookups prefer this structure over per-pack indexes when present.
type MultiPackIndex struct {
	Path      string
	PackNames []string

	fanout    [256]uint32
	oids      []OID
	packIDs   []uint32
	offsets   []uint32
	offsets64 []uint64
}

// OpenMultiPackIndex parses the multi-pack-index file in a pack directory.
func OpenMultiPackIndex(path string) (*MultiPackIndex, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open multi-pack-index: %w", err)
	}
	return parseMultiPackIndex(path, data)
}

func parseMultiPackIndex(path string, data []byte) (*MultiPackIndex, error) {
	// Header: "MIDX" version(1) oid-version(1) chunks(1) base-count(1) packs(4)
	if len(data) < 12 {
		return nil, fmt.Errorf("multi-pack-index %s: truncated header", path)
	}
	if string(data[:4]) != "MIDX" {
		return nil, fmt.Errorf("multi-pack-index %s: bad signature", path)
	}
	if data[4] != 1 {
		return nil, fmt.Errorf("multi-pack-index %s: unsupported version %d", path, data[4])
	}
	if data[5] != 1 {
		return nil, fmt.Errorf("multi-pack-index %s: unsupported OID version %d", path, data[5])
	}
	chunkCount := int(data[6])
	packCount := binary.BigEndian.Uint32(data[8:12])

	// Chunk table: (id uint32, offset uint64) rows plus a terminating row.
	tableEnd := 12 + (chunkCount+1)*12
	if len(data) < tableEnd {
		return nil, fmt.Errorf("multi-pack-index %s: truncated chunk table", path)
	}
	// Each row is id(4)+offset(8); a chunk ends where the next one starts,
	// and the terminating row carries the end of the last chunk.
	chunks := make(map[uint32][]byte, chunkCount)
	for i := 0; i < chunkCount; i++ {
		row := 12 + i*12
		id := binary.BigEndian.Uint32(data[row : row+4])
		start := binary.BigEndian.Uint64(data[row+4 : row+12])
		end := binary.BigEndian.Uint64(data[row+16 : row+24])
		if start > end || end > uint64(len(data)) {
			return nil, fmt.Errorf("multi-pack-index %s: chunk %x out of bounds", path, id)
		}
		chunks[id] = data[start:end]
	}

	m := &MultiPackIndex{Path: path}

	pnam, ok := chunks[midxChunkPackNames]
	if !ok {
		return nil, fmt.Errorf("multi-pack-index %s: missing PNAM chunk", path)
	}
	for len(pnam) > 0 {
		i := 0
		for i < len(pnam) && pnam[i] != 0 {
			i++
		}
		if i > 0 {
			m.PackNames = append(m.PackNames, string(pnam[:i]))
		}
		if i >= len(pnam) {
			break
		}
		pnam = pnam[i+1:]
	}
	if uint32(len(m.PackNames)) != packCount {
		return nil, fmt.Errorf("multi-pack-index %s: pack name count %d != header %d",
			path, len(m.PackNames), packCount)
	}

	oidf, ok := chunks[midxChunkOIDFanout]
	if !ok || len(oidf) < 256*4 {
		return nil, fmt.Errorf("multi-pack-index %s: missing OIDF chunk", path)
	}
	for i := 0; i < 256; i++ {
		m.fanout[i] = binary.BigEndian.Uint32(oidf[i*4 : i*4+4])
	}
	count := int(m.fanout[255])

	oidl, ok := chunks[midxChunkOIDLookup]
	if !ok || len(oidl) < count*20 {
		return nil, fmt.Errorf("multi-pack-index %s: missing OIDL chunk", path)
	}
	m.oids = make([]OID, count)
	for i := 0; i < count; i++ {
		copy(m.oids[i][:], oidl[i*20:i*20+20])
	}

	ooff, ok := chunks[midxChunkObjectOffsets]
	if !ok || len(ooff) < count*8 {
		return nil, fmt.Errorf("multi-pack-index %s: missing OOFF chunk", path)
	}
	m.packIDs = make([]uint32, count)
	m.offsets = make([]uint32, count)
	for i := 0; i < count; i++ {
		m.packIDs[i] = binary.BigEndian.Uint32(ooff[i*8 : i*8+4])
		m.offsets[i] = binary.BigEndian.Uint32(ooff[i*8+4 : i*8+8])
	}

	if loff, ok := chunks[midxChunkLargeOffsets]; ok {
		m.offsets64 = make([]uint64, len(loff)/8)
		for i := range m.offsets64 {
			m.offsets64[i] = binary.BigEndian.Uint64(loff[i*8 : i*8+8])
		}
	}

	return m, nil
}

// Count returns the number of objects covered.
func (m *MultiPackIndex) Count() int { return len(m.oids) }

// Find returns the pack name and offset holding oid.
func (m *MultiPackIndex) Find(oid OID) (string, uint64, bool) {
	lo := 0
	if oid[0] > 0 {
		lo = int(m.fanout[oid[0]-1])
	}
	hi := int(m.fanout[oid[0]])

	bucket := m.oids[lo:hi]
	i := sort.Search(len(bucket), func(i int) bool {
		return bucket[i].Compare(oid) >= 0
	})
	if i >= len(bucket) || bucket[i] != oid {
		return "", 0, false
	}

	pos := lo + i
	packID := m.packIDs[pos]
	if int(packID) >= len(m.PackNames) {
		return "", 0, false
	}
	raw := m.offsets[pos]
	if raw&0x80000000 != 0 {
		idx := raw & 0x7fffffff
		if int(idx) >= len(m.offsets64) {
			return "", 0, false
		}
		return m.PackNames[packID], m.offsets64[idx], true
	}
	return m.PackNames[packID], uint64(raw), true
}
