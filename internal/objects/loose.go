package objects

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"

	"gvfs/internal/common"
)

// LooseStore reads and writes zlib-deflated loose objects under a
// 2-character fan-out layout: <root>/ab/cdef0123...
type LooseStore struct {
	root string
}

// NewLooseStore creates a LooseStore rooted at the objects directory.
// Fan-out subdirectories are created lazily on first write.
func NewLooseStore(root string) *LooseStore {
	return &LooseStore{root: root}
}

// Root returns the objects directory this store writes into.
func (s *LooseStore) Root() string { return s.root }

func (s *LooseStore) objectPath(oid OID) string {
	hx := oid.String()
	return filepath.Join(s.root, hx[:2], hx[2:])
}

// Has reports whether a loose object exists. O(1): a single stat.
func (s *LooseStore) Has(oid OID) bool {
	_, err := os.Stat(s.objectPath(oid))
	return err == nil
}

// Read inflates a loose object and returns its type and content.
// A bad zlib stream or a length mismatch is a CorruptObjectError.
func (s *LooseStore) Read(oid OID) (ObjectType, []byte, error) {
	f, err := os.Open(s.objectPath(oid))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, common.ErrNotFound
		}
		return "", nil, fmt.Errorf("open loose object %s: %w", oid, err)
	}
	defer f.Close()

	zr, err := zlib.NewReader(f)
	if err != nil {
		return "", nil, &common.CorruptObjectError{OID: oid.String(), Reason: "bad zlib stream: " + err.Error()}
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return "", nil, &common.CorruptObjectError{OID: oid.String(), Reason: "inflate: " + err.Error()}
	}

	objType, content, err := parseEnvelope(oid, raw)
	if err != nil {
		return "", nil, err
	}
	return objType, content, nil
}

// Write stores a loose object atomically: deflate to a temp file, fsync,
// rename into place. A concurrent writer racing on the same OID is fine;
// the content is identical, so EEXIST-style races are ignored.
func (s *LooseStore) Write(oid OID, objType ObjectType, data []byte) error {
	dest := s.objectPath(oid)
	if _, err := os.Stat(dest); err == nil {
		return nil
	}

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("loose write mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "tmp_obj_*")
	if err != nil {
		return fmt.Errorf("loose write tmpfile: %w", err)
	}
	tmpName := tmp.Name()

	zw := zlib.NewWriter(tmp)
	if _, err := zw.Write(envelope(objType, len(data))); err != nil {
		zw.Close()
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("loose write: %w", err)
	}
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("loose write: %w", err)
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("loose write flush: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("loose write fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("loose write close: %w", err)
	}

	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		if s.Has(oid) {
			return nil
		}
		return fmt.Errorf("loose write rename: %w", err)
	}
	return nil
}

// Enumerate walks the fan-out directories and yields every loose OID.
// Used by the loose-object maintenance step.
func (s *LooseStore) Enumerate() ([]OID, error) {
	var oids []OID
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	for _, e := range entries {
		if !e.IsDir() || len(e.Name()) != 2 {
			continue
		}
		children, err := os.ReadDir(filepath.Join(s.root, e.Name()))
		if err != nil {
			continue
		}
		for _, c := range children {
			oid, err := ParseOID(e.Name() + c.Name())
			if err != nil {
				continue
			}
			oids = append(oids, oid)
		}
	}
	return oids, nil
}

// Remove deletes a loose object. Used after its content has been packed.
func (s *LooseStore) Remove(oid OID) error {
	err := os.Remove(s.objectPath(oid))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// InflateLoose decodes raw loose-object bytes as served by the object
// service: a zlib stream over "type len\0content". expected is used only
// for error reporting and hash verification.
func InflateLoose(expected OID, raw []byte) (ObjectType, []byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return "", nil, &common.CorruptObjectError{OID: expected.String(), Reason: "bad zlib stream: " + err.Error()}
	}
	defer zr.Close()
	inflated, err := io.ReadAll(zr)
	if err != nil {
		return "", nil, &common.CorruptObjectError{OID: expected.String(), Reason: "inflate: " + err.Error()}
	}
	objType, content, err := parseEnvelope(expected, inflated)
	if err != nil {
		return "", nil, err
	}
	if computed := HashObject(objType, content); computed != expected {
		return "", nil, &common.CorruptObjectError{
			OID:    expected.String(),
			Reason: fmt.Sprintf("content hashes to %s", computed),
		}
	}
	return objType, content, nil
}

func envelope(objType ObjectType, size int) []byte {
	return []byte(fmt.Sprintf("%s %d\x00", objType, size))
}

// parseEnvelope splits "type len\0content" and validates the length.
func parseEnvelope(oid OID, raw []byte) (ObjectType, []byte, error) {
	nulIdx := bytes.IndexByte(raw, 0)
	if nulIdx < 0 {
		return "", nil, &common.CorruptObjectError{OID: oid.String(), Reason: "no NUL in object header"}
	}
	header := string(raw[:nulIdx])
	content := raw[nulIdx+1:]

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", nil, &common.CorruptObjectError{OID: oid.String(), Reason: fmt.Sprintf("invalid header %q", header)}
	}
	length, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", nil, &common.CorruptObjectError{OID: oid.String(), Reason: fmt.Sprintf("invalid length %q", parts[1])}
	}
	if len(content) != length {
		return "", nil, &common.CorruptObjectError{
			OID:    oid.String(),
			Reason: fmt.Sprintf("length mismatch (header=%d, actual=%d)", length, len(content)),
		}
	}
	return ObjectType(parts[0]), content, nil
}
