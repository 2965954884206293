// Package objects implements the two-tier Git object store shared by all
// enlistments: loose objects under a 2-character fan-out and packfiles
// covered by pack indexes or a multi-pack-index.
package objects

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
)

// OID is a SHA-1 object ID in its 20-byte binary form. Equality and
// ordering are byte-wise.
type OID [20]byte

// ParseOID parses a 40-hex object ID.
func ParseOID(s string) (OID, error) {
	var oid OID
	if len(s) != 40 {
		return oid, fmt.Errorf("invalid object ID %q: want 40 hex chars, got %d", s, len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return oid, fmt.Errorf("invalid object ID %q: %w", s, err)
	}
	copy(oid[:], raw)
	return oid, nil
}

// IsValidOID reports whether s parses as a 40-hex object ID.
func IsValidOID(s string) bool {
	_, err := ParseOID(s)
	return err == nil
}

func (o OID) String() string {
	return hex.EncodeToString(o[:])
}

// Compare orders OIDs byte-wise on the binary form.
func (o OID) Compare(other OID) int {
	return bytes.Compare(o[:], other[:])
}

// IsZero reports whether the OID is all zeroes.
func (o OID) IsZero() bool {
	return o == OID{}
}

// ObjectType is a Git object type name.
type ObjectType string

const (
	TypeCommit ObjectType = "commit"
	TypeTree   ObjectType = "tree"
	TypeBlob   ObjectType = "blob"
	TypeTag    ObjectType = "tag"
)

// sha1Sum returns the SHA-1 digest of data as an OID.
func sha1Sum(data []byte) OID {
	var oid OID
	sum := sha1.Sum(data)
	copy(oid[:], sum[:])
	return oid
}

// HashRaw returns the SHA-1 of raw bytes. Used for trailer checksums on
// packs, pack indexes and the Git index.
func HashRaw(data []byte) OID {
	return sha1Sum(data)
}

// HashObject computes the OID of an object: SHA-1 over the canonical
// "<type> <len>\x00" envelope followed by the content.
func HashObject(objType ObjectType, data []byte) OID {
	h := sha1.New()
	h.Write([]byte(string(objType)))
	h.Write([]byte{' '})
	h.Write([]byte(strconv.Itoa(len(data))))
	h.Write([]byte{0})
	h.Write(data)
	var oid OID
	copy(oid[:], h.Sum(nil))
	return oid
}
