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

// Package mount owns one mounted enlistment: it wires the projection,
// journal, object cache, virtualizer, lock, maintenance and IPC together
// and runs the mount-state machine.
package mount

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"gvfs/internal/cache"
	"gvfs/internal/common"
	"gvfs/internal/config"
	"gvfs/internal/fetch"
	"gvfs/internal/git"
	"gvfs/internal/index"
	"gvfs/internal/ipc"
	"gvfs/internal/journal"
	"gvfs/internal/lock"
	"gvfs/internal/maintenance"
	"gvfs/internal/objects"
	"gvfs/internal/platform"
	"gvfs/internal/trace"
	"gvfs/internal/virtualizer"
)

// State is the mount lifecycle.
type State int32

const (
	StateInvalid State = iota
	StateMounting
	StateReady
	StateUnmounting
	StateUnmounted
)

func (s State) String() string {
	switch s {
	case StateMounting:
		return "Mounting"
	case StateReady:
		return "Ready"
	case StateUnmounting:
		return "Unmounting"
	case StateUnmounted:
		return "Unmounted"
	}
	return "Invalid"
}

// Options configures a mount.
type Options struct {
	Filter     virtualizer.Filter
	Caps       platform.Capabilities
	CredHelper fetch.CredentialHelper
	GitBin     string
	Version    string
}

// Mount is the per-enlistment context bundle. It is the single owner of
// every component; nothing here is process-global.
type Mount struct {
	enlistment *config.Enlistment
	cfg        *config.MountConfig
	opts       Options
	tracer     *trace.Tracer

	instanceLock *flock.Flock
	store        *objects.Store
	projector    *index.Projector
	journal      *journal.Journal
	sidecar      *cache.DB
	objectCache  *cache.ObjectCache
	virtualizer  *virtualizer.Virtualizer
	gvfsLock     *lock.Lock
	runner       *git.Runner
	scheduler    *maintenance.Scheduler
	ipcServer    *ipc.Server
	heartbeat    *trace.Heartbeat

	// sharedMaintenanceStore is the store maintenance operates on: the
	// shared cache when present, else the enlistment-local store.
	sharedMaintenanceStore *objects.Store

	// cacheServerURL is the resolved object endpoint host (config or the
	// server document's global default).
	cacheServerURL string

	state    atomic.Int32
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New loads the enlistment and wires the component graph. Nothing runs
// until Run.
func New(enlistment *config.Enlistment, cfg *config.MountConfig, opts Options) (*Mount, error) {
	if opts.Filter == nil {
		return nil, &common.PreconditionError{Reason: "no filter driver available"}
	}
	if opts.CredHelper == nil {
		opts.CredHelper = fetch.NewExecCredentialHelper()
	}
	if opts.Caps == nil {
		opts.Caps = platform.New()
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	tracer, err := trace.New(enlistment.LogsDir(), "Mount", level)
	if err != nil {
		return nil, err
	}

	m := &Mount{
		enlistment: enlistment,
		cfg:        cfg,
		opts:       opts,
		tracer:     tracer,
		stopCh:     make(chan struct{}),
	}
	m.state.Store(int32(StateInvalid))
	return m, nil
}

// State returns the current mount state.
func (m *Mount) State() State { return State(m.state.Load()) }

// Run mounts the enlistment and blocks until unmounted via IPC or signal.
func (m *Mount) Run() error {
	if err := m.mount(); err != nil {
		m.tracer.Error("MountFailed", err, nil)
		m.tracer.Close()
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
		m.tracer.Info("SignalReceived", nil)
	case <-m.stopCh:
	}

	return m.unmount()
}

func (m *Mount) mount() error {
	m.state.Store(int32(StateMounting))

	if err := m.enlistment.EnsureLayout(); err != nil {
		return err
	}

	// One mount process per enlistment.
	m.instanceLock = flock.New(filepath.Join(m.enlistment.DotGVFSRoot(), "mount.lock"))
	locked, err := m.instanceLock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire mount lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("enlistment is already mounted by another process")
	}

	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(m.enlistment.PidFilePath(), []byte(pid+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}

	if err := m.writeAlternates(); err != nil {
		return err
	}

	m.store, err = objects.NewStore(filepath.Join(m.enlistment.GitDir(), "objects"))
	if err != nil {
		return err
	}

	m.projector, err = index.NewProjector(m.enlistment.IndexPath(), m.tracer)
	if err != nil {
		return err
	}

	m.journal, err = journal.Open(m.enlistment.ModifiedPathsPath())
	if err != nil {
		return err
	}

	m.sidecar, err = cache.OpenDB(m.enlistment.SidecarDBPath())
	if err != nil {
		return err
	}

	httpClient := fetch.NewClient(m.opts.CredHelper, fetch.ClientOptions{
		Version:     m.opts.Version,
		Timeout:     time.Duration(m.cfg.TimeoutSeconds) * time.Second,
		BearerToken: os.Getenv("GVFS_TOKEN"),
	})
	m.cacheServerURL = m.resolveCacheServer(httpClient)
	requesterOpts := fetch.RequesterOptions{
		MaxAttempts:    m.cfg.MaxRetries,
		AttemptTimeout: time.Duration(m.cfg.TimeoutSeconds) * time.Second,
		CacheServerURL: m.cacheServerURL,
	}
	requester := fetch.NewRequester(httpClient, m.enlistment.RepoURL, requesterOpts, m.tracer)

	m.objectCache = cache.NewObjectCache(m.store, requester, m.sidecar, m.tracer)
	m.virtualizer = virtualizer.New(m.enlistment.WorkTree(), m.projector, m.journal,
		m.objectCache, m.sidecar, m.tracer)

	m.gvfsLock = lock.New(m.tracer)
	m.gvfsLock.OnExternalRelease(func(lock.Data) {
		// An external git command may have rewritten the index.
		m.virtualizer.InvalidateProjection()
	})

	m.runner = git.NewRunner(m.opts.GitBin, m.enlistment.WorkTree(), m.enlistment.GitDir(), m.tracer)
	m.runner.SetObjectDirectory(m.enlistment.SharedObjectsDir())

	m.scheduler = maintenance.NewScheduler(
		m.enlistment.DotGVFSRoot(),
		filepath.Join(m.enlistment.SharedObjectsDir(), "maintenance.lock"),
		func() []int { return git.LiveGitProcesses(m.enlistment.Root) },
		m.tracer)
	m.registerMaintenanceSteps()

	m.ipcServer = ipc.NewServer(m.enlistment.PipePath(), m.tracer)
	m.registerHandlers()
	if err := m.ipcServer.Start(); err != nil {
		return err
	}

	if err := m.opts.Filter.StartVirtualizing(m.enlistment.WorkTree(), m.virtualizer); err != nil {
		m.ipcServer.Stop()
		return fmt.Errorf("start filter driver: %w", err)
	}

	m.heartbeat = trace.NewHeartbeat(m.tracer, m.heartbeatMetrics)
	m.heartbeat.Start()
	m.scheduler.Start()

	m.state.Store(int32(StateReady))
	m.tracer.Telemetry("MountReady", logrus.Fields{
		"enlistmentId": m.enlistment.EnlistmentID,
		"mountId":      m.enlistment.MountID,
	})
	return nil
}

// unmount tears down in dependency order: drain callbacks, then stop
// heartbeat, maintenance, filter, pipe, and flush state. Run calls it after
// an Unmount request or SIGINT/SIGTERM; no code path routes a FatalError
// here.
func (m *Mount) unmount() error {
	m.state.Store(int32(StateUnmounting))
	m.tracer.Info("Unmounting", nil)

	m.virtualizer.Stop()
	m.heartbeat.Stop()
	m.scheduler.Stop()

	if err := m.opts.Filter.StopVirtualizing(); err != nil {
		m.tracer.Error("StopFilterFailed", err, nil)
	}
	m.ipcServer.Stop()

	if err := m.journal.Close(); err != nil {
		m.tracer.Error("JournalCloseFailed", err, nil)
	}
	if err := m.sidecar.Close(); err != nil {
		m.tracer.Error("SidecarCloseFailed", err, nil)
	}
	m.store.Close()
	os.Remove(m.enlistment.PidFilePath())
	m.instanceLock.Unlock()

	m.state.Store(int32(StateUnmounted))
	m.tracer.Telemetry("Unmounted", logrus.Fields{"mountId": m.enlistment.MountID})
	m.tracer.Close()
	return nil
}

// RequestUnmount triggers teardown from an IPC handler.
func (m *Mount) RequestUnmount() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Mount) heartbeatMetrics() logrus.Fields {
	return logrus.Fields{
		"backgroundOps":    m.scheduler.QueueDepth(),
		"objectsInFlight":  m.objectCache.InFlight(),
		"modifiedPaths":    m.journal.Count(),
		"placeholderCount": m.virtualizer.PlaceholderCount(),
	}
}

// resolveCacheServer returns the /gvfs/objects host to use: an explicit
// configuration wins; otherwise the origin's config document may name a
// global-default cache server. Failure to fetch the document is not
// fatal, the origin serves objects directly.
func (m *Mount) resolveCacheServer(client *fetch.Client) string {
	if m.cfg.CacheServerURL != "" {
		return m.cfg.CacheServerURL
	}
	if m.enlistment.RepoURL == "" {
		return ""
	}

	probe := fetch.NewRequester(client, m.enlistment.RepoURL, fetch.RequesterOptions{
		MaxAttempts:    2,
		AttemptTimeout: 10 * time.Second,
	}, m.tracer)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	serverCfg, err := probe.GetConfig(ctx)
	if err != nil {
		m.tracer.Warn("ServerConfigUnavailable", logrus.Fields{"error": err.Error()})
		return ""
	}
	for _, cs := range serverCfg.CacheServers {
		if cs.GlobalDefault {
			m.tracer.Info("CacheServerSelected", logrus.Fields{"name": cs.Name, "url": cs.URL})
			return cs.URL
		}
	}
	return ""
}

// writeAlternates points the enlistment's .git/objects at the shared
// object cache.
func (m *Mount) writeAlternates() error {
	if m.enlistment.LocalCacheRoot == "" || m.enlistment.CacheKey == "" {
		return nil
	}
	infoDir := filepath.Join(m.enlistment.GitDir(), "objects", "info")
	if err := os.MkdirAll(infoDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(infoDir, "alternates"),
		[]byte(m.enlistment.SharedObjectsDir()+"\n"), 0o644)
}

func (m *Mount) registerMaintenanceSteps() {
	sharedStore, err := objects.NewStore(m.enlistment.SharedObjectsDir())
	if err != nil {
		// The shared cache may not exist yet; maintain the local store.
		sharedStore = m.store
	}
	m.scheduler.Register(&maintenance.PackfileMaintenanceStep{
		Store:  sharedStore,
		Runner: m.runner,
		Tracer: m.tracer,
	})
	m.scheduler.Register(&maintenance.LooseObjectsStep{
		Store:  sharedStore,
		Runner: m.runner,
		Tracer: m.tracer,
	})
	m.scheduler.Register(&maintenance.CommitGraphStep{
		Store:  sharedStore,
		Runner: m.runner,
	})
	m.scheduler.Register(&maintenance.ConfigStep{
		Runner: m.runner,
		Required: &git.RequiredConfig{
			HooksPath:           m.enlistment.HooksDir(),
			VirtualFSHookPath:   filepath.Join(m.enlistment.HooksDir(), "virtual-fs"),
			StatusCachePath:     filepath.Join(m.enlistment.StatusCacheDir(), "status.cache"),
			SupportsStatusCache: m.opts.Caps.SupportsStatusCache(),
		},
	})
	m.sharedMaintenanceStore = sharedStore
}
