package objects

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gvfs/internal/common"
)

// Store is the two-tier object store: loose objects plus packfiles under
// <root>/pack, optionally delegating to alternate object roots listed in
// <root>/info/alternates. The shared cache's gitObjects directory and the
// enlistment's .git/objects are both Stores; the latter lists the former
// as an alternate.
type Store struct {
	root  string
	loose *LooseStore

	mu          sync.RWMutex
	midx        *MultiPackIndex
	packIndexes map[string]*PackIndex // keyed by pack name without extension
	packs       map[string]*Pack

	alternates []*Store
}

// NewStore opens an object store, reading the alternates file and scanning
// the pack directory.
func NewStore(root string) (*Store, error) {
	s := &Store{
		root:        root,
		loose:       NewLooseStore(root),
		packIndexes: make(map[string]*PackIndex),
		packs:       make(map[string]*Pack),
	}
	if err := s.loadAlternates(); err != nil {
		return nil, err
	}
	if err := s.Refresh(); err != nil {
		return nil, err
	}
	return s, nil
}

// Root returns the objects directory.
func (s *Store) Root() string { return s.root }

// PackDir returns the pack directory.
func (s *Store) PackDir() string { return filepath.Join(s.root, "pack") }

func (s *Store) loadAlternates() error {
	data, err := os.ReadFile(filepath.Join(s.root, "info", "alternates"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read alternates: %w", err)
	}
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		alt, err := NewStore(line)
		if err != nil {
			return fmt.Errorf("open alternate %s: %w", line, err)
		}
		s.alternates = append(s.alternates, alt)
	}
	return nil
}

// Refresh rescans the pack directory and the multi-pack-index. Called after
// a pack write and after maintenance mutates the pack set.
func (s *Store) Refresh() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	midxPath := filepath.Join(s.PackDir(), "multi-pack-index")
	if _, err := os.Stat(midxPath); err == nil {
		midx, err := OpenMultiPackIndex(midxPath)
		if err != nil {
			return err
		}
		s.midx = midx
	} else {
		s.midx = nil
	}

	entries, err := os.ReadDir(s.PackDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("scan pack directory: %w", err)
	}

	seen := make(map[string]bool)
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "pack-") || !strings.HasSuffix(name, ".idx") {
			continue
		}
		base := strings.TrimSuffix(name, ".idx")
		seen[base] = true
		if _, ok := s.packIndexes[base]; ok {
			continue
		}
		idx, err := OpenPackIndex(filepath.Join(s.PackDir(), name))
		if err != nil {
			return err
		}
		s.packIndexes[base] = idx
	}

	// Drop indexes whose files are gone (maintenance expired them).
	for base := range s.packIndexes {
		if !seen[base] {
			delete(s.packIndexes, base)
			if p, ok := s.packs[base]; ok {
				p.Close()
				delete(s.packs, base)
			}
		}
	}

	return nil
}

// HasObject reports whether oid exists in this store or an alternate.
// Loose lookup is a single stat; packed lookup is a fanout binary search.
func (s *Store) HasObject(oid OID) bool {
	if s.loose.Has(oid) {
		return true
	}

	s.mu.RLock()
	if s.midx != nil {
		if _, _, ok := s.midx.Find(oid); ok {
			s.mu.RUnlock()
			return true
		}
	}
	for _, idx := range s.packIndexes {
		if idx.Has(oid) {
			s.mu.RUnlock()
			return true
		}
	}
	s.mu.RUnlock()

	for _, alt := range s.alternates {
		if alt.HasObject(oid) {
			return true
		}
	}
	return false
}

// ReadObject returns the type and content of oid, preferring loose objects,
// then the multi-pack-index, then per-pack indexes, then alternates.
func (s *Store) ReadObject(oid OID) (ObjectType, []byte, error) {
	objType, data, err := s.loose.Read(oid)
	if err == nil {
		return objType, data, nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return "", nil, err
	}

	if packName, offset, ok := s.findPacked(oid); ok {
		pack, err := s.openPack(packName)
		if err != nil {
			return "", nil, err
		}
		return pack.ReadObjectAt(offset)
	}

	for _, alt := range s.alternates {
		objType, data, err := alt.ReadObject(oid)
		if err == nil {
			return objType, data, nil
		}
		if !errors.Is(err, common.ErrNotFound) {
			return "", nil, err
		}
	}

	return "", nil, common.ErrNotFound
}

// findPacked locates oid in the multi-pack-index or a per-pack index.
// The multi-pack-index wins when both cover the object.
func (s *Store) findPacked(oid OID) (string, uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.midx != nil {
		if packName, offset, ok := s.midx.Find(oid); ok {
			return strings.TrimSuffix(packName, ".pack"), offset, true
		}
	}
	for base, idx := range s.packIndexes {
		if offset, ok := idx.Find(oid); ok {
			return base, offset, true
		}
	}
	return "", 0, false
}

// openPack returns a cached open pack handle.
func (s *Store) openPack(base string) (*Pack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.packs[base]; ok {
		return p, nil
	}
	p, err := OpenPack(filepath.Join(s.PackDir(), base+".pack"))
	if err != nil {
		return nil, err
	}
	p.SetRefResolver(s.ReadObject)
	s.packs[base] = p
	return p, nil
}

// WriteLoose stores a loose object, verifying content against its OID.
func (s *Store) WriteLoose(oid OID, objType ObjectType, data []byte) error {
	if computed := HashObject(objType, data); computed != oid {
		return &common.CorruptObjectError{
			OID:    oid.String(),
			Reason: fmt.Sprintf("content hashes to %s", computed),
		}
	}
	return s.loose.Write(oid, objType, data)
}

// WritePack indexes a pack stream into the pack directory and returns the
// OIDs it contains. Thin-pack bases are resolved from this store.
func (s *Store) WritePack(r io.Reader) ([]OID, error) {
	oids, err := IndexPackStream(s.PackDir(), r, s.ReadObject)
	if err != nil {
		return nil, err
	}
	if err := s.Refresh(); err != nil {
		return nil, err
	}
	return oids, nil
}

// IterPackIndexes returns the currently loaded pack indexes.
func (s *Store) IterPackIndexes() []*PackIndex {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*PackIndex, 0, len(s.packIndexes))
	for _, idx := range s.packIndexes {
		out = append(out, idx)
	}
	return out
}

// Loose exposes the loose tier for maintenance.
func (s *Store) Loose() *LooseStore { return s.loose }

// Close releases open pack handles.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.packs {
		p.Close()
	}
	s.packs = make(map[string]*Pack)
	for _, alt := range s.alternates {
		alt.Close()
	}
}
