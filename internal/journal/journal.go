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

// Package journal persists the set of user-touched paths. The on-disk form
// is an append-only log; the union of its entries is exactly the set of
// paths the projection alone cannot answer for.
package journal

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gvfs/internal/common"
)

// Version is the journal format tag written as the first record.
const Version = "1"

// Record sigils. Each record is sigil + path + NUL.
const (
	sigilModifiedFile   = 'A'
	sigilModifiedFolder = 'F'
	sigilTombstone      = 'X'
)

// Journal is the modified-paths log: an fsync'd append-only file mirrored
// by an in-memory set. Duplicate appends are allowed; the set de-dups.
type Journal struct {
	path string

	mu         sync.RWMutex
	file       *os.File
	modified   map[string]bool // files and folders
	tombstones map[string]bool
}

// Open loads (or creates) the journal at path. A missing trailing NUL on
// the last record is tolerated: the partial record is dropped, which is
// the correct recovery after a crash mid-append.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	j := &Journal{
		path:       path,
		modified:   make(map[string]bool),
		tombstones: make(map[string]bool),
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("create journal: %w", err)
		}
		if _, err := f.WriteString(Version + "\n"); err != nil {
			f.Close()
			return nil, fmt.Errorf("write journal version: %w", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, fmt.Errorf("sync journal: %w", err)
		}
		j.file = f
		return j, nil
	case err != nil:
		return nil, fmt.Errorf("read journal: %w", err)
	}

	if err := j.load(data); err != nil {
		return nil, err
	}

	// Cut a torn tail off the file so the next append starts a fresh record.
	valid := bytes.LastIndexByte(data, 0) + 1
	if nl := bytes.IndexByte(data, '\n') + 1; valid < nl {
		valid = nl
	}
	if valid < len(data) {
		if err := os.Truncate(path, int64(valid)); err != nil {
			return nil, fmt.Errorf("truncate torn journal tail: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal for append: %w", err)
	}
	j.file = f
	return j, nil
}

func (j *Journal) load(data []byte) error {
	nl := bytes.IndexByte(data, '\n')
	if nl < 0 {
		return &common.CorruptObjectError{OID: "journal", Reason: "missing version line"}
	}
	if version := string(data[:nl]); version != Version {
		return &common.PreconditionError{Reason: fmt.Sprintf("journal version %q not supported", version)}
	}
	data = data[nl+1:]

	for len(data) > 0 {
		end := bytes.IndexByte(data, 0)
		if end < 0 {
			// Torn tail from a crash mid-append; drop it.
			return nil
		}
		record := data[:end]
		data = data[end+1:]
		if len(record) < 2 {
			continue
		}
		path := common.NormalizePath(string(record[1:]))
		switch record[0] {
		case sigilModifiedFile, sigilModifiedFolder:
			j.modified[path] = true
		case sigilTombstone:
			j.tombstones[path] = true
			delete(j.modified, path)
		}
	}
	return nil
}

// append writes one record and fsyncs.
func (j *Journal) append(sigil byte, path string) error {
	record := make([]byte, 0, len(path)+2)
	record = append(record, sigil)
	record = append(record, path...)
	record = append(record, 0)
	if _, err := j.file.Write(record); err != nil {
		return fmt.Errorf("append journal record: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	return nil
}

// RecordModified marks a file as user-modified.
func (j *Journal) RecordModified(path string) error {
	path = common.NormalizePath(path)
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.modified[path] {
		return nil
	}
	if err := j.append(sigilModifiedFile, path); err != nil {
		return err
	}
	j.modified[path] = true
	delete(j.tombstones, path)
	return nil
}

// RecordModifiedFolder marks a folder as user-created or user-modified.
func (j *Journal) RecordModifiedFolder(path string) error {
	path = common.NormalizePath(path)
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.modified[path] {
		return nil
	}
	if err := j.append(sigilModifiedFolder, path); err != nil {
		return err
	}
	j.modified[path] = true
	delete(j.tombstones, path)
	return nil
}

// RecordTombstone marks a projected path as user-deleted.
func (j *Journal) RecordTombstone(path string) error {
	path = common.NormalizePath(path)
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.tombstones[path] {
		return nil
	}
	if err := j.append(sigilTombstone, path); err != nil {
		return err
	}
	j.tombstones[path] = true
	delete(j.modified, path)
	return nil
}

// IsModified reports whether path was recorded as modified.
func (j *Journal) IsModified(path string) bool {
	path = common.NormalizePath(path)
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.modified[path]
}

// IsTombstoned reports whether path, or any of its ancestors, was deleted.
func (j *Journal) IsTombstoned(path string) bool {
	path = common.NormalizePath(path)
	j.mu.RLock()
	defer j.mu.RUnlock()
	for path != "" {
		if j.tombstones[path] {
			return true
		}
		path = common.ParentPath(path)
	}
	return false
}

// Enumerate returns every live journal path, modified and tombstoned,
// sorted lexically. Consumed by external status through IPC.
func (j *Journal) Enumerate() []string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]string, 0, len(j.modified)+len(j.tombstones))
	for p := range j.modified {
		out = append(out, p)
	}
	for p := range j.tombstones {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of live entries.
func (j *Journal) Count() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.modified) + len(j.tombstones)
}

// Close flushes and closes the log file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Sync()
	if cerr := j.file.Close(); err == nil {
		err = cerr
	}
	j.file = nil
	return err
}
