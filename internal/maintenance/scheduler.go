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

// Package maintenance compacts the object cache out-of-band: pack
// expiry/repack, loose-object packing, commit-graph upkeep, and required
// git config enforcement.
package maintenance

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"gvfs/internal/trace"
)

// pollInterval is how often the worker looks for due steps.
const pollInterval = time.Minute

// Step is one named maintenance task with a minimum inter-run interval.
type Step interface {
	Name() string
	Interval() time.Duration
	// MutatesObjects reports whether the step rewrites the object
	// directory; such steps take the object-cache lock and respect the
	// live-git gate.
	MutatesObjects() bool
	Run(ctx context.Context) error
}

// Scheduler runs steps one at a time from a dedicated worker. Last-run
// stamps live in <timeDir>/<step>.time files holding epoch seconds.
type Scheduler struct {
	timeDir string
	tracer  *trace.Tracer
	// liveGit returns PIDs of git processes working in the enlistment;
	// mutating steps defer while any are running.
	liveGit func() []int
	// cacheLock serializes pack mutation with other enlistments sharing
	// the object cache.
	cacheLock *flock.Flock

	mu    sync.Mutex
	steps []Step
	adhoc []Step

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler creates a stopped scheduler. timeDir holds the last-run
// stamps; lockPath is the object-cache lock file.
func NewScheduler(timeDir, lockPath string, liveGit func() []int, tracer *trace.Tracer) *Scheduler {
	return &Scheduler{
		timeDir:   timeDir,
		tracer:    tracer.Child("Maintenance"),
		liveGit:   liveGit,
		cacheLock: flock.New(lockPath),
		stopCh:    make(chan struct{}),
	}
}

// Register adds a recurring step.
func (s *Scheduler) Register(step Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step)
}

// Enqueue schedules an ad hoc step (post-fetch) for the next pass.
func (s *Scheduler) Enqueue(step Step) {
	s.mu.Lock()
	s.adhoc = append(s.adhoc, step)
	s.mu.Unlock()
}

// QueueDepth feeds the heartbeat counters.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.adhoc)
}

// Start launches the worker.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.runPass(context.Background())
			}
		}
	}()
}

// Stop halts the worker, waiting out any step in progress; steps are not
// cancellable.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// runPass executes due ad hoc steps first, then due recurring steps, one
// at a time.
func (s *Scheduler) runPass(ctx context.Context) {
	s.mu.Lock()
	adhoc := s.adhoc
	s.adhoc = nil
	recurring := append([]Step{}, s.steps...)
	s.mu.Unlock()

	for _, step := range adhoc {
		s.runStep(ctx, step, true)
	}
	for _, step := range recurring {
		s.runStep(ctx, step, false)
	}
}

// RunStep runs one step immediately. forceRun bypasses the time gate and
// the live-git gate (tests and explicit IPC requests).
func (s *Scheduler) RunStep(ctx context.Context, step Step, forceRun bool) error {
	if !forceRun {
		if !s.due(step) {
			s.tracer.Warn("StepNotDue", logrus.Fields{"step": step.Name()})
			return nil
		}
		if step.MutatesObjects() {
			if pids := s.liveGit(); len(pids) > 0 {
				s.tracer.Warn("StepDeferredLiveGit", logrus.Fields{
					"step": step.Name(),
					"pids": fmt.Sprint(pids),
				})
				return nil
			}
		}
	}

	if step.MutatesObjects() {
		if err := s.cacheLock.Lock(); err != nil {
			return fmt.Errorf("acquire object-cache lock: %w", err)
		}
		defer s.cacheLock.Unlock()
	}

	start := time.Now()
	if err := step.Run(ctx); err != nil {
		// Maintenance logs and continues; the next pass retries.
		s.tracer.Error("StepFailed", err, logrus.Fields{"step": step.Name()})
		return err
	}

	s.tracer.Info("StepCompleted", logrus.Fields{
		"step":      step.Name(),
		"elapsedMs": time.Since(start).Milliseconds(),
	})
	return s.recordLastRun(step)
}

func (s *Scheduler) runStep(ctx context.Context, step Step, force bool) {
	_ = s.RunStep(ctx, step, force)
}

func (s *Scheduler) lastRunPath(step Step) string {
	return filepath.Join(s.timeDir, step.Name()+".time")
}

// due reports whether the step's interval has elapsed since its recorded
// last run.
func (s *Scheduler) due(step Step) bool {
	data, err := os.ReadFile(s.lastRunPath(step))
	if err != nil {
		return true
	}
	sec, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return true
	}
	return time.Since(time.Unix(sec, 0)) >= step.Interval()
}

func (s *Scheduler) recordLastRun(step Step) error {
	if err := os.MkdirAll(s.timeDir, 0o755); err != nil {
		return err
	}
	stamp := strconv.FormatInt(time.Now().Unix(), 10)
	return os.WriteFile(s.lastRunPath(step), []byte(stamp+"\n"), 0o644)
}
