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

// Package cache coalesces object downloads and persists per-enlistment
// sidecar state (blob sizes, placeholders).
package cache

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"gvfs/internal/objects"
	"gvfs/internal/trace"
)

// DefaultBatchWindow is how long a miss waits for companions before the
// fetch is dispatched. Misses inside the window share one pack request.
const DefaultBatchWindow = 50 * time.Millisecond

// Fetcher downloads objects from the object service.
type Fetcher interface {
	DownloadLooseObject(ctx context.Context, oid objects.OID) (objects.ObjectType, []byte, error)
	DownloadPack(ctx context.Context, oids []objects.OID) (io.ReadCloser, error)
}

// ObjectStore is the local store objects are persisted into.
type ObjectStore interface {
	HasObject(oid objects.OID) bool
	ReadObject(oid objects.OID) (objects.ObjectType, []byte, error)
	WriteLoose(oid objects.OID, objType objects.ObjectType, data []byte) error
	WritePack(r io.Reader) ([]objects.OID, error)
}

// inflight is one coalesced fetch. Concurrent Ensure calls for the same
// OID share a single entry; the entry leaves the map on completion.
type inflight struct {
	oid     objects.OID
	done    chan struct{}
	err     error
	waiters int
	cancel  context.CancelFunc // set once the fetch is dispatched
}

// ObjectCache is the single-flight coordinator in front of the object
// store. Ensure makes an object locally present, downloading it at most
// once no matter how many callers ask concurrently.
type ObjectCache struct {
	store   ObjectStore
	fetcher Fetcher
	sizes   *DB
	tracer  *trace.Tracer
	window  time.Duration

	mu       sync.Mutex
	flights  map[objects.OID]*inflight
	pending  []*inflight // misses waiting for the batch window to close
	timerSet bool

	inFlightCount atomic.Int64
}

// NewObjectCache wires the coordinator. sizes may be nil in tests.
func NewObjectCache(store ObjectStore, fetcher Fetcher, sizes *DB, tracer *trace.Tracer) *ObjectCache {
	return &ObjectCache{
		store:   store,
		fetcher: fetcher,
		sizes:   sizes,
		tracer:  tracer.Child("ObjectCache"),
		window:  DefaultBatchWindow,
		flights: make(map[objects.OID]*inflight),
	}
}

// SetBatchWindow overrides the coalescing window (tests use 0 for an
// immediate dispatch).
func (c *ObjectCache) SetBatchWindow(d time.Duration) { c.window = d }

// InFlight returns the number of fetches currently running, for the
// heartbeat counters.
func (c *ObjectCache) InFlight() int64 { return c.inFlightCount.Load() }

// Ensure makes oid present in the local store. Concurrent calls for the
// same OID share one fetch; a caller whose context is canceled stops
// waiting, and the fetch itself is aborted once no waiter remains.
func (c *ObjectCache) Ensure(ctx context.Context, oid objects.OID) error {
	if c.store.HasObject(oid) {
		return nil
	}

	c.mu.Lock()
	fl, ok := c.flights[oid]
	if !ok {
		fl = &inflight{oid: oid, done: make(chan struct{})}
		c.flights[oid] = fl
		c.enqueueLocked(fl)
	}
	fl.waiters++
	c.mu.Unlock()

	select {
	case <-fl.done:
		return fl.err
	case <-ctx.Done():
		c.abandon(fl)
		return ctx.Err()
	}
}

// EnsureAndRead ensures oid locally and returns its content.
func (c *ObjectCache) EnsureAndRead(ctx context.Context, oid objects.OID) (objects.ObjectType, []byte, error) {
	if err := c.Ensure(ctx, oid); err != nil {
		return "", nil, err
	}
	return c.store.ReadObject(oid)
}

// abandon drops one waiter; the fetch is canceled when nobody is left.
func (c *ObjectCache) abandon(fl *inflight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fl.waiters--
	if fl.waiters == 0 && fl.cancel != nil {
		fl.cancel()
		fl.cancel = nil
	}
}

// enqueueLocked adds a miss to the pending batch, arming the window timer
// on the first one. Callers hold c.mu.
func (c *ObjectCache) enqueueLocked(fl *inflight) {
	c.pending = append(c.pending, fl)
	if c.timerSet {
		return
	}
	c.timerSet = true
	if c.window <= 0 {
		go c.dispatch()
		return
	}
	time.AfterFunc(c.window, c.dispatch)
}

// dispatch downloads the accumulated batch: a single GET for one OID, a
// pack request for several.
func (c *ObjectCache) dispatch() {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.timerSet = false

	// Fetch-level context: canceled when every waiter of every flight in
	// the batch has gone away.
	ctx, cancel := context.WithCancel(context.Background())
	live := 0
	for _, fl := range batch {
		if fl.waiters > 0 {
			live++
		}
	}
	remaining := live
	var remainingMu sync.Mutex
	for _, fl := range batch {
		fl.cancel = func() {
			remainingMu.Lock()
			remaining--
			if remaining <= 0 {
				cancel()
			}
			remainingMu.Unlock()
		}
	}
	c.mu.Unlock()

	if len(batch) == 0 {
		cancel()
		return
	}

	c.inFlightCount.Add(int64(len(batch)))
	defer c.inFlightCount.Add(int64(-len(batch)))

	var err error
	if len(batch) == 1 {
		err = c.fetchSingle(ctx, batch[0].oid)
	} else {
		oids := make([]objects.OID, len(batch))
		for i, fl := range batch {
			oids[i] = fl.oid
		}
		err = c.fetchBatch(ctx, oids)
	}

	c.mu.Lock()
	for _, fl := range batch {
		fl.err = err
		delete(c.flights, fl.oid)
		close(fl.done)
	}
	c.mu.Unlock()
	cancel()
}

func (c *ObjectCache) fetchSingle(ctx context.Context, oid objects.OID) error {
	objType, data, err := c.fetcher.DownloadLooseObject(ctx, oid)
	if err != nil {
		c.tracer.Error("ObjectDownloadFailed", err, logrus.Fields{"oid": oid.String()})
		return err
	}
	if err := c.store.WriteLoose(oid, objType, data); err != nil {
		return err
	}
	c.recordSizes(ctx, map[objects.OID]int64{oid: int64(len(data))}, objType)
	return nil
}

func (c *ObjectCache) fetchBatch(ctx context.Context, oids []objects.OID) error {
	stream, err := c.fetcher.DownloadPack(ctx, oids)
	if err != nil {
		c.tracer.Error("PackDownloadFailed", err, logrus.Fields{"count": len(oids)})
		return err
	}
	defer stream.Close()

	written, err := c.store.WritePack(stream)
	if err != nil {
		return err
	}

	sizes := make(map[objects.OID]int64)
	for _, oid := range written {
		if objType, data, err := c.store.ReadObject(oid); err == nil && objType == objects.TypeBlob {
			sizes[oid] = int64(len(data))
		}
	}
	c.recordSizes(ctx, sizes, objects.TypeBlob)
	return nil
}

// recordSizes persists blob sizes so stat can be answered without blob
// bodies. Failures are traced, never surfaced: the size store is a cache.
func (c *ObjectCache) recordSizes(ctx context.Context, sizes map[objects.OID]int64, objType objects.ObjectType) {
	if c.sizes == nil || objType != objects.TypeBlob || len(sizes) == 0 {
		return
	}
	if err := c.sizes.SetBlobSizes(ctx, sizes); err != nil {
		c.tracer.Error("BlobSizeWriteFailed", err, nil)
	}
}

// BlobSize answers stat for a projected blob: the sidecar store first,
// then the local object store.
func (c *ObjectCache) BlobSize(ctx context.Context, oid objects.OID) (int64, bool) {
	if c.sizes != nil {
		if size, ok, err := c.sizes.GetBlobSize(ctx, oid); err == nil && ok {
			return size, true
		}
	}
	if c.store.HasObject(oid) {
		if _, data, err := c.store.ReadObject(oid); err == nil {
			return int64(len(data)), true
		}
	}
	return 0, false
}
