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

package maintenance

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"gvfs/internal/git"
	"gvfs/internal/objects"
	"gvfs/internal/trace"
)

// DefaultRepackBatchSize bounds each multi-pack-index repack pass.
const DefaultRepackBatchSize int64 = 2 * 1024 * 1024 * 1024

// CleanStaleIdxFiles removes pack indexes whose .pack is gone. Expire
// cannot delete an .idx whose pack had an open handle; PackfileMaintenance
// runs this sweep right after expire to cover those. Returns the names of the files it deleted.
func CleanStaleIdxFiles(packDir string) ([]string, error) {
	entries, err := os.ReadDir(packDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	packs := make(map[string]bool)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".pack") {
			packs[strings.TrimSuffix(e.Name(), ".pack")] = true
		}
	}

	var removed []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".idx") {
			continue
		}
		if packs[strings.TrimSuffix(name, ".idx")] {
			continue
		}
		if err := os.Remove(filepath.Join(packDir, name)); err != nil {
			return removed, err
		}
		removed = append(removed, name)
	}
	return removed, nil
}

// packStats sums pack counts and sizes for telemetry.
func packStats(packDir string) (count int, bytes int64) {
	entries, err := os.ReadDir(packDir)
	if err != nil {
		return 0, 0
	}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".pack") {
			continue
		}
		count++
		if info, err := e.Info(); err == nil {
			bytes += info.Size()
		}
	}
	return count, bytes
}

// hasKeepFile reports whether any pack in the directory carries the .keep
// marker this system writes. No marker means no packs of ours to maintain.
func hasKeepFile(packDir string) bool {
	entries, err := os.ReadDir(packDir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".keep") {
			return true
		}
	}
	return false
}

// PackfileMaintenanceStep expires redundant packs, sweeps orphaned .idx
// files, and repacks small packs through the multi-pack-index.
type PackfileMaintenanceStep struct {
	Store     *objects.Store
	Runner    *git.Runner
	Tracer    *trace.Tracer
	BatchSize int64
}

func (s *PackfileMaintenanceStep) Name() string            { return "PackfileMaintenance" }
func (s *PackfileMaintenanceStep) Interval() time.Duration { return 24 * time.Hour }
func (s *PackfileMaintenanceStep) MutatesObjects() bool    { return true }

func (s *PackfileMaintenanceStep) Run(ctx context.Context) error {
	packDir := s.Store.PackDir()
	if !hasKeepFile(packDir) {
		s.Tracer.Warn("PackfileMaintenanceSkipped", logrus.Fields{"reason": "no keep file"})
		return nil
	}

	beforeCount, beforeBytes := packStats(packDir)

	objectDir := s.Store.Root()
	if err := s.Runner.MultiPackIndexExpire(ctx, objectDir); err != nil {
		return err
	}

	stale, err := CleanStaleIdxFiles(packDir)
	if err != nil {
		return err
	}
	expireCount, _ := packStats(packDir)

	batch := s.BatchSize
	if batch <= 0 {
		batch = DefaultRepackBatchSize
	}
	if err := s.Runner.MultiPackIndexRepack(ctx, objectDir, batch); err != nil {
		return err
	}

	afterCount, afterBytes := packStats(packDir)
	s.Tracer.Telemetry("PackfileMaintenance", logrus.Fields{
		"packCountBefore": beforeCount,
		"packCountExpire": expireCount,
		"packCountAfter":  afterCount,
		"sizeBefore":      beforeBytes,
		"sizeAfter":       afterBytes,
		"staleIdxRemoved": len(stale),
	})

	return s.Store.Refresh()
}

// LooseObjectsStep packs accumulated loose objects and prunes the packed
// originals.
type LooseObjectsStep struct {
	Store  *objects.Store
	Runner *git.Runner
	Tracer *trace.Tracer
}

func (s *LooseObjectsStep) Name() string            { return "LooseObjects" }
func (s *LooseObjectsStep) Interval() time.Duration { return 24 * time.Hour }
func (s *LooseObjectsStep) MutatesObjects() bool    { return true }

func (s *LooseObjectsStep) Run(ctx context.Context) error {
	loose, err := s.Store.Loose().Enumerate()
	if err != nil {
		return err
	}
	if len(loose) == 0 {
		return nil
	}

	hexes := make([]string, len(loose))
	for i, oid := range loose {
		hexes[i] = oid.String()
	}
	if _, err := s.Runner.PackObjects(ctx, s.Store.PackDir(), hexes); err != nil {
		return err
	}
	if err := s.Store.Refresh(); err != nil {
		return err
	}

	// Prune only what actually landed in a pack.
	pruned := 0
	for _, oid := range loose {
		if !s.packedElsewhere(oid) {
			continue
		}
		if err := s.Store.Loose().Remove(oid); err == nil {
			pruned++
		}
	}

	s.Tracer.Telemetry("LooseObjects", logrus.Fields{
		"looseCount": len(loose),
		"pruned":     pruned,
	})
	return nil
}

func (s *LooseObjectsStep) packedElsewhere(oid objects.OID) bool {
	for _, idx := range s.Store.IterPackIndexes() {
		if idx.Has(oid) {
			return true
		}
	}
	return false
}

// CommitGraphStep appends to the commit-graph chain.
type CommitGraphStep struct {
	Store  *objects.Store
	Runner *git.Runner
}

func (s *CommitGraphStep) Name() string            { return "CommitGraph" }
func (s *CommitGraphStep) Interval() time.Duration { return 24 * time.Hour }
func (s *CommitGraphStep) MutatesObjects() bool    { return true }

func (s *CommitGraphStep) Run(ctx context.Context) error {
	return s.Runner.CommitGraphWrite(ctx, s.Store.Root(), nil)
}

// PostFetchStep refreshes the multi-pack-index and commit-graph after a
// prefetch delivered new packs. Enqueued ad hoc, never time-gated.
type PostFetchStep struct {
	Store       *objects.Store
	Runner      *git.Runner
	PackIndexes []string
}

func (s *PostFetchStep) Name() string            { return "PostFetch" }
func (s *PostFetchStep) Interval() time.Duration { return 0 }
func (s *PostFetchStep) MutatesObjects() bool    { return true }

func (s *PostFetchStep) Run(ctx context.Context) error {
	if err := s.Runner.MultiPackIndexWrite(ctx, s.Store.Root()); err != nil {
		return err
	}
	if err := s.Runner.CommitGraphWrite(ctx, s.Store.Root(), s.PackIndexes); err != nil {
		return err
	}
	return s.Store.Refresh()
}

// ConfigStep re-applies the required git configuration.
type ConfigStep struct {
	Runner   *git.Runner
	Required *git.RequiredConfig
}

func (s *ConfigStep) Name() string            { return "Config" }
func (s *ConfigStep) Interval() time.Duration { return 24 * time.Hour }
func (s *ConfigStep) MutatesObjects() bool    { return false }

func (s *ConfigStep) Run(ctx context.Context) error {
	return s.Required.Apply(ctx, s.Runner)
}
