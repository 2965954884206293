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

package mount

import (
	"context"
	"encoding/json"
	"strings"

	"gvfs/internal/config"
	"gvfs/internal/ipc"
	"gvfs/internal/journal"
	"gvfs/internal/lock"
	"gvfs/internal/maintenance"
	"gvfs/internal/objects"
)

// registerHandlers installs the pipe verbs and the mount-state gate.
func (m *Mount) registerHandlers() {
	m.ipcServer.SetGate(m.gate)

	m.ipcServer.Handle(ipc.HeaderAcquireLock, m.handleAcquireLock)
	m.ipcServer.Handle(ipc.HeaderReleaseLock, m.handleReleaseLock)
	m.ipcServer.Handle(ipc.HeaderDownloadObject, m.handleDownloadObject)
	m.ipcServer.Handle(ipc.HeaderGetStatus, m.handleGetStatus)
	m.ipcServer.Handle(ipc.HeaderModifiedPaths, m.handleModifiedPaths)
	m.ipcServer.Handle(ipc.HeaderPostIndexChanged, m.handlePostIndexChanged)
	m.ipcServer.Handle(ipc.HeaderRunPostFetchJob, m.handleRunPostFetchJob)
	m.ipcServer.Handle(ipc.HeaderUnmount, m.handleUnmount)
}

// gate enforces the state machine: only GetStatus and Unmount are served
// outside Ready. An AcquireLock during teardown names the reason.
func (m *Mount) gate(header string) *ipc.Message {
	state := m.State()
	if state == StateReady {
		return nil
	}
	switch header {
	case ipc.HeaderGetStatus, ipc.HeaderUnmount:
		return nil
	}
	if header == ipc.HeaderAcquireLock && (state == StateUnmounting || state == StateUnmounted) {
		return &ipc.Message{Header: ipc.ResponseUnmountInProgress}
	}
	return &ipc.Message{Header: ipc.ResponseMountNotReady}
}

func (m *Mount) handleAcquireLock(body string) ipc.Message {
	var data lock.Data
	if err := json.Unmarshal([]byte(body), &data); err != nil || data.PID <= 0 {
		return ipc.Message{Header: ipc.ResponseFailure, Body: "malformed lock request"}
	}

	granted, denyReason := m.gvfsLock.TryAcquireExternal(data)
	if granted {
		return ipc.Message{Header: ipc.ResponseAccept}
	}
	return ipc.Message{Header: ipc.ResponseDeny, Body: denyReason}
}

func (m *Mount) handleReleaseLock(body string) ipc.Message {
	var data lock.Data
	if err := json.Unmarshal([]byte(body), &data); err != nil {
		return ipc.Message{Header: ipc.ResponseFailure, Body: "malformed lock request"}
	}
	if m.gvfsLock.ReleaseExternal(data.PID) {
		return ipc.Message{Header: ipc.ResponseSuccess}
	}
	return ipc.Message{Header: ipc.ResponseFailure}
}

func (m *Mount) handleDownloadObject(body string) ipc.Message {
	oid, err := objects.ParseOID(strings.TrimSpace(body))
	if err != nil {
		return ipc.Message{Header: ipc.ResponseInvalidSHA}
	}
	if err := m.objectCache.Ensure(context.Background(), oid); err != nil {
		return ipc.Message{Header: ipc.ResponseDownloadFailed, Body: err.Error()}
	}
	return ipc.Message{Header: ipc.ResponseSuccess}
}

func (m *Mount) handleGetStatus(string) ipc.Message {
	status := ipc.StatusPayload{
		EnlistmentRoot:           m.enlistment.Root,
		LocalCacheRoot:           m.enlistment.LocalCacheRoot,
		RepoURL:                  m.enlistment.RepoURL,
		CacheServer:              m.cacheServerURL,
		LockStatus:               m.gvfsLock.Status(),
		DiskLayoutVersion:        config.CurrentDiskLayoutVersion,
		MountStatus:              m.State().String(),
		BackgroundOperationCount: int64(m.scheduler.QueueDepth()),
	}
	body, err := json.Marshal(status)
	if err != nil {
		return ipc.Message{Header: ipc.ResponseFailure}
	}
	return ipc.Message{Header: ipc.ResponseSuccess, Body: string(body)}
}

func (m *Mount) handleModifiedPaths(body string) ipc.Message {
	if strings.TrimSpace(body) != journal.Version {
		return ipc.Message{Header: ipc.ResponseInvalidVersion}
	}
	paths := m.journal.Enumerate()
	if len(paths) == 0 {
		return ipc.Message{Header: ipc.ResponseSuccess}
	}
	return ipc.Message{
		Header: ipc.ResponseSuccess,
		Body:   strings.Join(paths, "\x00") + "\x00",
	}
}

func (m *Mount) handlePostIndexChanged(string) ipc.Message {
	release := m.gvfsLock.AcquireInternal()
	m.virtualizer.InvalidateProjection()
	release()
	return ipc.Message{Header: ipc.ResponseSuccess}
}

func (m *Mount) handleRunPostFetchJob(body string) ipc.Message {
	var packIndexes []string
	if body != "" {
		if err := json.Unmarshal([]byte(body), &packIndexes); err != nil {
			return ipc.Message{Header: ipc.ResponseFailure, Body: "malformed pack index list"}
		}
	}
	m.scheduler.Enqueue(&maintenance.PostFetchStep{
		Store:       m.sharedMaintenanceStore,
		Runner:      m.runner,
		PackIndexes: packIndexes,
	})
	return ipc.Message{Header: ipc.ResponseSuccess}
}

func (m *Mount) handleUnmount(string) ipc.Message {
	m.RequestUnmount()
	return ipc.Message{Header: ipc.ResponseSuccess}
}
