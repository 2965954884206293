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

// Package lock serializes working-tree writers: external git processes
// coordinating over IPC and the mount's own internal operations.
package lock

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"gvfs/internal/trace"
)

// Data identifies one external lock holder.
type Data struct {
	PID                   int    `json:"pid"`
	Command               string `json:"command"`
	IsElevated            bool   `json:"isElevated"`
	CheckAvailabilityOnly bool   `json:"checkAvailabilityOnly"`
}

// Denial reasons returned to external requesters.
const (
	DenyReasonInternal = "GVFS-held"
)

// Lock admits at most one writer at a time: either one external process or
// any number of the mount's own cooperating internal operations (which
// serialize among themselves on in-process mutexes).
type Lock struct {
	tracer *trace.Tracer

	mu             sync.Mutex
	cond           *sync.Cond
	externalHolder *Data
	internalCount  int

	// onRelease actions run after an external holder releases; the
	// callback surface drains the consequences (index re-read etc.).
	releaseMu sync.Mutex
	onRelease []func(Data)
}

// New creates an unheld lock.
func New(tracer *trace.Tracer) *Lock {
	l := &Lock{tracer: tracer.Child("GVFSLock")}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// OnExternalRelease registers an action invoked after every external
// release, carrying the holder that just left.
func (l *Lock) OnExternalRelease(fn func(Data)) {
	l.releaseMu.Lock()
	defer l.releaseMu.Unlock()
	l.onRelease = append(l.onRelease, fn)
}

// TryAcquireExternal grants the lock to an external process. The denial
// reason distinguishes an internal holder ("GVFS-held") from another
// external process (that holder's command line). CheckAvailabilityOnly
// probes without taking the lock.
func (l *Lock) TryAcquireExternal(data Data) (granted bool, denyReason string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.internalCount > 0 {
		return false, DenyReasonInternal
	}
	if l.externalHolder != nil {
		if l.externalHolder.PID == data.PID {
			// Re-entrant acquire from the same process is a no-op grant.
			return true, ""
		}
		return false, l.externalHolder.Command
	}
	if data.CheckAvailabilityOnly {
		return true, ""
	}

	holder := data
	l.externalHolder = &holder
	l.tracer.Info("LockAcquired", logrus.Fields{"pid": data.PID, "command": data.Command})
	return true, ""
}

// ReleaseExternal releases the lock held by pid. Returns false when pid is
// not the current holder.
func (l *Lock) ReleaseExternal(pid int) bool {
	l.mu.Lock()
	if l.externalHolder == nil || l.externalHolder.PID != pid {
		l.mu.Unlock()
		return false
	}
	holder := *l.externalHolder
	l.externalHolder = nil
	l.cond.Broadcast()
	l.mu.Unlock()

	l.tracer.Info("LockReleased", logrus.Fields{"pid": holder.PID, "command": holder.Command})

	l.releaseMu.Lock()
	actions := append([]func(Data){}, l.onRelease...)
	l.releaseMu.Unlock()
	for _, fn := range actions {
		fn(holder)
	}
	return true
}

// AcquireInternal blocks until no external process holds the lock, then
// registers an internal holder. The returned func releases it.
func (l *Lock) AcquireInternal() func() {
	l.mu.Lock()
	for l.externalHolder != nil {
		l.cond.Wait()
	}
	l.internalCount++
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.internalCount--
			l.cond.Broadcast()
			l.mu.Unlock()
		})
	}
}

// TryAcquireInternal registers an internal holder only if no external
// process holds the lock. Used where blocking a kernel callback would be
// worse than deferring the work.
func (l *Lock) TryAcquireInternal() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.externalHolder != nil {
		return nil, false
	}
	l.internalCount++
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.internalCount--
			l.cond.Broadcast()
			l.mu.Unlock()
		})
	}, true
}

// Status describes the current holder for GetStatus.
func (l *Lock) Status() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.externalHolder != nil:
		return fmt.Sprintf("Held by %s (PID %d)", l.externalHolder.Command, l.externalHolder.PID)
	case l.internalCount > 0:
		return "Held by GVFS"
	default:
		return "Free"
	}
}

// Holder returns the current external holder, if any.
func (l *Lock) Holder() *Data {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.externalHolder == nil {
		return nil
	}
	holder := *l.externalHolder
	return &holder
}
