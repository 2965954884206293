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

// Package index parses the Git index and projects it into per-directory
// listings served to the filter driver.
package index

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"gvfs/internal/common"
	"gvfs/internal/objects"
)

// Entry modes as stored in the index.
const (
	ModeRegular    = 0o100644
	ModeExecutable = 0o100755
	ModeSymlink    = 0o120000
	ModeSubmodule  = 0o160000
)

// Flag bits in the 16-bit entry flags word.
const (
	flagExtended    = 0x4000
	flagNameMask    = 0x0fff
	extSkipWorktree = 0x4000
)

// IndexEntry is one path in the Git index.
type IndexEntry struct {
	Path         string
	OID          objects.OID
	Mode         uint32
	Size         uint32
	SkipWorktree bool
}

// IndexFile is a parsed .git/index.
type IndexFile struct {
	Version uint32
	Entries []IndexEntry
}

// ParseIndexFile reads and parses .git/index, supporting versions 2-4.
// Extensions are skipped by size; the trailing checksum is verified.
func ParseIndexFile(path string) (*IndexFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	return ParseIndex(data)
}

// ParseIndex parses index bytes. A malformed index is a corruption-class
// failure: the error is terminal for the rebuild, not for the mount.
func ParseIndex(data []byte) (*IndexFile, error) {
	if len(data) < 12+20 {
		return nil, &common.CorruptObjectError{OID: "index", Reason: "truncated header"}
	}
	if string(data[:4]) != "DIRC" {
		return nil, &common.CorruptObjectError{OID: "index", Reason: "bad signature"}
	}
	version := binary.BigEndian.Uint32(data[4:8])
	if version < 2 || version > 4 {
		return nil, &common.CorruptObjectError{OID: "index", Reason: fmt.Sprintf("unsupported version %d", version)}
	}
	count := binary.BigEndian.Uint32(data[8:12])

	// Trailing SHA-1 covers everything before it.
	payload := data[:len(data)-20]
	var checksum objects.OID
	copy(checksum[:], data[len(data)-20:])
	if sum := objects.HashRaw(payload); sum != checksum {
		return nil, &common.CorruptObjectError{OID: "index", Reason: "checksum mismatch"}
	}

	idx := &IndexFile{Version: version, Entries: make([]IndexEntry, 0, count)}
	pos := 12
	var prevPath []byte

	for i := uint32(0); i < count; i++ {
		entryStart := pos
		// Fixed portion: 10 uint32 stat fields, 20-byte OID, 2-byte flags.
		if pos+62 > len(payload) {
			return nil, &common.CorruptObjectError{OID: "index", Reason: fmt.Sprintf("entry %d truncated", i)}
		}

		mode := binary.BigEndian.Uint32(payload[pos+24 : pos+28])
		size := binary.BigEndian.Uint32(payload[pos+36 : pos+40])
		var oid objects.OID
		copy(oid[:], payload[pos+40:pos+60])
		flags := binary.BigEndian.Uint16(payload[pos+60 : pos+62])
		pos += 62

		var skipWorktree bool
		if flags&flagExtended != 0 {
			if version < 3 {
				return nil, &common.CorruptObjectError{OID: "index", Reason: "extended flags in v2 index"}
			}
			if pos+2 > len(payload) {
				return nil, &common.CorruptObjectError{OID: "index", Reason: fmt.Sprintf("entry %d truncated", i)}
			}
			ext := binary.BigEndian.Uint16(payload[pos : pos+2])
			skipWorktree = ext&extSkipWorktree != 0
			pos += 2
		}

		var path []byte
		if version == 4 {
			// Path-prefix compression: strip N bytes from the previous
			// path, append the NUL-terminated suffix.
			strip, n, err := readPrefixVarint(payload[pos:])
			if err != nil {
				return nil, &common.CorruptObjectError{OID: "index", Reason: fmt.Sprintf("entry %d: %v", i, err)}
			}
			pos += n
			nul := bytes.IndexByte(payload[pos:], 0)
			if nul < 0 {
				return nil, &common.CorruptObjectError{OID: "index", Reason: fmt.Sprintf("entry %d: unterminated path", i)}
			}
			if strip > uint64(len(prevPath)) {
				return nil, &common.CorruptObjectError{OID: "index", Reason: fmt.Sprintf("entry %d: prefix strip %d exceeds previous path", i, strip)}
			}
			keep := len(prevPath) - int(strip)
			path = append(append([]byte{}, prevPath[:keep]...), payload[pos:pos+nul]...)
			pos += nul + 1
		} else {
			nameLen := int(flags & flagNameMask)
			var nul int
			if nameLen < flagNameMask {
				nul = nameLen
			} else {
				nul = bytes.IndexByte(payload[pos:], 0)
				if nul < 0 {
					return nil, &common.CorruptObjectError{OID: "index", Reason: fmt.Sprintf("entry %d: unterminated path", i)}
				}
			}
			if pos+nul > len(payload) {
				return nil, &common.CorruptObjectError{OID: "index", Reason: fmt.Sprintf("entry %d truncated", i)}
			}
			path = payload[pos : pos+nul]
			pos += nul
			// Entries are NUL-padded to an 8-byte boundary from the
			// entry start (the terminator counts as padding).
			pad := 8 - (pos-entryStart)%8
			pos += pad
		}

		idx.Entries = append(idx.Entries, IndexEntry{
			Path:         string(path),
			OID:          oid,
			Mode:         mode,
			Size:         size,
			SkipWorktree: skipWorktree,
		})
		prevPath = path
	}

	// Extensions follow the entries; all are skipped by size.
	for pos+8 <= len(payload) {
		extSize := binary.BigEndian.Uint32(payload[pos+4 : pos+8])
		pos += 8 + int(extSize)
		if pos > len(payload) {
			return nil, &common.CorruptObjectError{OID: "index", Reason: "extension overruns index"}
		}
	}

	return idx, nil
}

// readPrefixVarint decodes the big-endian +1-continuation varint used for
// v4 path-prefix compression.
func readPrefixVarint(data []byte) (uint64, int, error) {
	if len(data) == 0 {
		return 0, 0, fmt.Errorf("truncated varint")
	}
	b := data[0]
	v := uint64(b & 0x7f)
	n := 1
	for b&0x80 != 0 {
		if n >= len(data) {
			return 0, 0, fmt.Errorf("truncated varint")
		}
		b = data[n]
		v = ((v + 1) << 7) | uint64(b&0x7f)
		n++
	}
	return v, n, nil
}
