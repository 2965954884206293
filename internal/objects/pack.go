package objects

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zlib"

	"gvfs/internal/common"
)

// Pack object type codes from the pack entry header.
type packObjType byte

const (
	packObjCommit   packObjType = 1
	packObjTree     packObjType = 2
	packObjBlob     packObjType = 3
	packObjTag      packObjType = 4
	packObjOfsDelta packObjType = 6
	packObjRefDelta packObjType = 7
)

func (t packObjType) objectType() (ObjectType, bool) {
	switch t {
	case packObjCommit:
		return TypeCommit, true
	case packObjTree:
		return TypeTree, true
	case packObjBlob:
		return TypeBlob, true
	case packObjTag:
		return TypeTag, true
	}
	return "", false
}

// maxDeltaDepth bounds REF/OFS delta chains; git's own default is 50.
const maxDeltaDepth = 64

// Pack reads objects out of a pack-*.pack file at known offsets. Offsets
// come from the covering PackIndex or the multi-pack-index. Reads use
// ReadAt, so one Pack may serve concurrent callers.
type Pack struct {
	Path string
	file *os.File
	// refResolver resolves REF_DELTA bases that live outside this pack.
	refResolver func(OID) (ObjectType, []byte, error)
}

// OpenPack opens a packfile for offset reads.
func OpenPack(path string) (*Pack, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pack: %w", err)
	}
	return &Pack{Path: path, file: f}, nil
}

// SetRefResolver installs the fallback used for REF_DELTA bases not present
// in this pack (thin packs completed from the rest of the store).
func (p *Pack) SetRefResolver(fn func(OID) (ObjectType, []byte, error)) {
	p.refResolver = fn
}

// Close releases the pack file handle.
func (p *Pack) Close() error { return p.file.Close() }

// ReadObjectAt inflates the object at the given pack offset, resolving any
// delta chain down to its base.
func (p *Pack) ReadObjectAt(offset uint64) (ObjectType, []byte, error) {
	return p.readObjectAt(offset, 0)
}

func (p *Pack) readObjectAt(offset uint64, depth int) (ObjectType, []byte, error) {
	if depth > maxDeltaDepth {
		return "", nil, fmt.Errorf("pack %s: delta chain deeper than %d at offset %d", p.Path, maxDeltaDepth, offset)
	}

	r := bufio.NewReader(io.NewSectionReader(p.file, int64(offset), 1<<40))

	objType, size, err := readEntryHeader(r)
	if err != nil {
		return "", nil, fmt.Errorf("pack %s offset %d: %w", p.Path, offset, err)
	}

	switch objType {
	case packObjOfsDelta:
		baseOffset, err := readOfsDeltaDistance(r)
		if err != nil {
			return "", nil, fmt.Errorf("pack %s offset %d: %w", p.Path, offset, err)
		}
		if baseOffset > offset {
			return "", nil, fmt.Errorf("pack %s offset %d: delta base before pack start", p.Path, offset)
		}
		delta, err := inflateEntry(r, size)
		if err != nil {
			return "", nil, fmt.Errorf("pack %s offset %d: %w", p.Path, offset, err)
		}
		baseType, base, err := p.readObjectAt(offset-baseOffset, depth+1)
		if err != nil {
			return "", nil, err
		}
		out, err := applyDelta(base, delta)
		if err != nil {
			return "", nil, fmt.Errorf("pack %s offset %d: %w", p.Path, offset, err)
		}
		return baseType, out, nil

	case packObjRefDelta:
		var baseOID OID
		if _, err := io.ReadFull(r, baseOID[:]); err != nil {
			return "", nil, fmt.Errorf("pack %s offset %d: read delta base: %w", p.Path, offset, err)
		}
		delta, err := inflateEntry(r, size)
		if err != nil {
			return "", nil, fmt.Errorf("pack %s offset %d: %w", p.Path, offset, err)
		}
		if p.refResolver == nil {
			return "", nil, fmt.Errorf("pack %s offset %d: REF_DELTA base %s: no resolver", p.Path, offset, baseOID)
		}
		baseType, base, err := p.refResolver(baseOID)
		if err != nil {
			return "", nil, fmt.Errorf("pack %s offset %d: resolve delta base %s: %w", p.Path, offset, baseOID, err)
		}
		out, err := applyDelta(base, delta)
		if err != nil {
			return "", nil, fmt.Errorf("pack %s offset %d: %w", p.Path, offset, err)
		}
		return baseType, out, nil

	default:
		ot, ok := objType.objectType()
		if !ok {
			return "", nil, fmt.Errorf("pack %s offset %d: unknown object type %d", p.Path, offset, objType)
		}
		data, err := inflateEntry(r, size)
		if err != nil {
			return "", nil, fmt.Errorf("pack %s offset %d: %w", p.Path, offset, err)
		}
		return ot, data, nil
	}
}

// readEntryHeader decodes the variable-length entry header: 3 type bits and
// a size in 4+7n-bit little-endian groups.
func readEntryHeader(r io.ByteReader) (packObjType, uint64, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, 0, fmt.Errorf("entry header: %w", err)
	}
	objType := packObjType((b >> 4) & 0x7)
	size := uint64(b & 0x0f)
	shift := uint(4)
	for b&0x80 != 0 {
		b, err = r.ReadByte()
		if err != nil {
			return 0, 0, fmt.Errorf("entry header truncated: %w", err)
		}
		size |= uint64(b&0x7f) << shift
		shift += 7
	}
	return objType, size, nil
}

// readOfsDeltaDistance decodes the big-endian base-128 distance preceding an
// OFS_DELTA payload. Each continuation adds an implicit +1 in the high
// groups, matching git's encoding.
func readOfsDeltaDistance(r io.ByteReader) (uint64, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("ofs-delta distance: %w", err)
	}
	dist := uint64(b & 0x7f)
	for b&0x80 != 0 {
		b, err = r.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("ofs-delta distance truncated: %w", err)
		}
		dist = ((dist + 1) << 7) | uint64(b&0x7f)
	}
	return dist, nil
}

// inflateEntry decompresses an entry payload and checks the decoded size.
func inflateEntry(r io.Reader, size uint64) ([]byte, error) {
	zr, err := zlib.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("zlib reader: %w", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("inflate: %w", err)
	}
	if uint64(len(raw)) != size {
		return nil, fmt.Errorf("size mismatch header=%d decoded=%d", size, len(raw))
	}
	return raw, nil
}

// applyDelta reconstructs an object from its base and a delta payload:
// two size varints, then copy/insert instructions.
func applyDelta(base, delta []byte) ([]byte, error) {
	baseSize, n := deltaVarint(delta)
	delta = delta[n:]
	if baseSize != uint64(len(base)) {
		return nil, fmt.Errorf("delta base size mismatch: want %d, have %d", baseSize, len(base))
	}
	resultSize, n := deltaVarint(delta)
	delta = delta[n:]

	out := make([]byte, 0, resultSize)
	for len(delta) > 0 {
		op := delta[0]
		delta = delta[1:]

		if op&0x80 != 0 {
			// Copy from base: offset and size bytes are selected by
			// the low bits of the opcode.
			var copyOff, copySize uint64
			for i := uint(0); i < 4; i++ {
				if op&(1<<i) != 0 {
					if len(delta) == 0 {
						return nil, fmt.Errorf("delta copy truncated")
					}
					copyOff |= uint64(delta[0]) << (8 * i)
					delta = delta[1:]
				}
			}
			for i := uint(0); i < 3; i++ {
				if op&(1<<(4+i)) != 0 {
					if len(delta) == 0 {
						return nil, fmt.Errorf("delta copy truncated")
					}
					copySize |= uint64(delta[0]) << (8 * i)
					delta = delta[1:]
				}
			}
			if copySize == 0 {
				copySize = 0x10000
			}
			if copyOff+copySize > uint64(len(base)) {
				return nil, fmt.Errorf("delta copy out of range")
			}
			out = append(out, base[copyOff:copyOff+copySize]...)
		} else if op > 0 {
			// Insert literal bytes.
			if int(op) > len(delta) {
				return nil, fmt.Errorf("delta insert truncated")
			}
			out = append(out, delta[:op]...)
			delta = delta[op:]
		} else {
			return nil, fmt.Errorf("delta opcode 0 is reserved")
		}
	}

	if uint64(len(out)) != resultSize {
		return nil, fmt.Errorf("delta result size mismatch: want %d, got %d", resultSize, len(out))
	}
	return out, nil
}

// deltaVarint decodes the 7-bit little-endian varint used for delta sizes.
func deltaVarint(data []byte) (uint64, int) {
	var v uint64
	var shift uint
	for i, b := range data {
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, i + 1
		}
		shift += 7
	}
	return v, len(data)
}

// verifyPackTrailer checks the SHA-1 trailer over a fully buffered pack.
func verifyPackTrailer(data []byte) error {
	if len(data) < 20 {
		return fmt.Errorf("pack too short: %d bytes", len(data))
	}
	var trailer OID
	copy(trailer[:], data[len(data)-20:])
	sum := sha1Sum(data[:len(data)-20])
	if sum != trailer {
		return &common.CorruptObjectError{OID: trailer.String(), Reason: "pack checksum mismatch"}
	}
	return nil
}

// parsePackHeader validates "PACK" + version and returns the object count.
func parsePackHeader(data []byte) (uint32, error) {
	if len(data) < 12 {
		return 0, fmt.Errorf("pack header truncated")
	}
	if string(data[:4]) != "PACK" {
		return 0, fmt.Errorf("bad pack signature %q", data[:4])
	}
	version := binary.BigEndian.Uint32(data[4:8])
	if version != 2 && version != 3 {
		return 0, fmt.Errorf("unsupported pack version %d", version)
	}
	return binary.BigEndian.Uint32(data[8:12]), nil
}
