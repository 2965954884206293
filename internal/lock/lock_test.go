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

package lock

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gvfs/internal/trace"
)

func newTestLock() *Lock {
	return New(trace.NewDiscard())
}

func TestExternalAcquireRelease(t *testing.T) {
	t.Parallel()

	l := newTestLock()
	granted, reason := l.TryAcquireExternal(Data{PID: 100, Command: "git checkout"})
	require.True(t, granted)
	assert.Empty(t, reason)

	// A second process is denied with the holder's command.
	granted, reason = l.TryAcquireExternal(Data{PID: 200, Command: "git status"})
	assert.False(t, granted)
	assert.Equal(t, "git checkout", reason)

	// Wrong pid cannot release.
	assert.False(t, l.ReleaseExternal(200))
	assert.True(t, l.ReleaseExternal(100))

	granted, _ = l.TryAcquireExternal(Data{PID: 200, Command: "git status"})
	assert.True(t, granted)
}

func TestInternalHolderDeniesExternal(t *testing.T) {
	t.Parallel()

	l := newTestLock()
	release := l.AcquireInternal()

	granted, reason := l.TryAcquireExternal(Data{PID: 1, Command: "git add"})
	assert.False(t, granted)
	assert.Equal(t, DenyReasonInternal, reason)

	release()
	granted, _ = l.TryAcquireExternal(Data{PID: 1, Command: "git add"})
	assert.True(t, granted)
}

func TestCheckAvailabilityOnlyDoesNotHold(t *testing.T) {
	t.Parallel()

	l := newTestLock()
	granted, _ := l.TryAcquireExternal(Data{PID: 5, CheckAvailabilityOnly: true, Command: "git probe"})
	require.True(t, granted)

	// Nothing was taken: another process can still acquire.
	granted, _ = l.TryAcquireExternal(Data{PID: 6, Command: "git commit"})
	assert.True(t, granted)
}

// At most one caller observes a grant without an intervening release.
func TestConcurrentAcquireSingleWinner(t *testing.T) {
	t.Parallel()

	l := newTestLock()
	const n = 32
	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			if ok, _ := l.TryAcquireExternal(Data{PID: pid, Command: "git racer"}); ok {
				granted.Add(1)
			}
		}(i + 1)
	}
	wg.Wait()
	assert.Equal(t, int64(1), granted.Load())
}

func TestReleaseRunsDeferredActions(t *testing.T) {
	t.Parallel()

	l := newTestLock()
	var released []Data
	l.OnExternalRelease(func(d Data) { released = append(released, d) })

	granted, _ := l.TryAcquireExternal(Data{PID: 9, Command: "git checkout main"})
	require.True(t, granted)
	require.True(t, l.ReleaseExternal(9))

	require.Len(t, released, 1)
	assert.Equal(t, "git checkout main", released[0].Command)
}

func TestInternalWaitsForExternal(t *testing.T) {
	t.Parallel()

	l := newTestLock()
	granted, _ := l.TryAcquireExternal(Data{PID: 7, Command: "git rebase"})
	require.True(t, granted)

	_, ok := l.TryAcquireInternal()
	assert.False(t, ok)

	acquired := make(chan struct{})
	go func() {
		release := l.AcquireInternal()
		defer release()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("internal acquire should block while external holds")
	default:
	}

	l.ReleaseExternal(7)
	<-acquired
}

func TestStatus(t *testing.T) {
	t.Parallel()

	l := newTestLock()
	assert.Equal(t, "Free", l.Status())

	release := l.AcquireInternal()
	assert.Equal(t, "Held by GVFS", l.Status())
	release()

	l.TryAcquireExternal(Data{PID: 3, Command: "git fetch"})
	assert.Contains(t, l.Status(), "git fetch")
}
