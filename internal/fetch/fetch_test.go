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

package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gvfs/internal/common"
	"gvfs/internal/objects"
	"gvfs/internal/trace"
)

// fakeHelper is an in-memory credential helper.
type fakeHelper struct {
	mu       sync.Mutex
	creds    []Credential // returned by successive Fill calls
	fills    int
	rejected []Credential
}

func (h *fakeHelper) Fill(ctx context.Context, repoURL string) (Credential, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	i := h.fills
	if i >= len(h.creds) {
		i = len(h.creds) - 1
	}
	h.fills++
	return h.creds[i], nil
}

func (h *fakeHelper) Reject(ctx context.Context, repoURL string, cred Credential) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rejected = append(h.rejected, cred)
	return nil
}

// looseBytes deflates an object into the wire form served by the object
// service.
func looseBytes(t *testing.T, objType objects.ObjectType, content []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, err := fmt.Fprintf(zw, "%s %d\x00", objType, len(content))
	require.NoError(t, err)
	_, err = zw.Write(content)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func newTestRequester(t *testing.T, serverURL string, helper CredentialHelper) *Requester {
	t.Helper()
	if helper == nil {
		helper = &fakeHelper{creds: []Credential{{Username: "user", Password: "pw"}}}
	}
	client := NewClient(helper, ClientOptions{Version: "test"})
	return NewRequester(client, serverURL, RequesterOptions{}, trace.NewDiscard())
}

func TestDownloadLooseObject(t *testing.T) {
	t.Parallel()

	content := []byte("the quick brown fox jumps over it")
	oid := objects.HashObject(objects.TypeBlob, content)
	wire := looseBytes(t, objects.TypeBlob, content)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/gvfs/objects/"+oid.String(), r.URL.Path)
		user, pw, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "user", user)
		assert.Equal(t, "pw", pw)
		assert.Contains(t, r.UserAgent(), "GVFS/")
		w.Write(wire)
	}))
	defer srv.Close()

	req := newTestRequester(t, srv.URL, nil)
	objType, got, err := req.DownloadLooseObject(context.Background(), oid)
	require.NoError(t, err)
	assert.Equal(t, objects.TypeBlob, objType)
	assert.Equal(t, content, got)
}

func TestDownloadLooseObjectRetriesOn5xx(t *testing.T) {
	t.Parallel()

	content := []byte("eventually served after one failure")
	oid := objects.HashObject(objects.TypeBlob, content)
	wire := looseBytes(t, objects.TypeBlob, content)

	var attempts int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			http.Error(w, "transient", http.StatusServiceUnavailable)
			return
		}
		w.Write(wire)
	}))
	defer srv.Close()

	req := newTestRequester(t, srv.URL, nil)
	_, got, err := req.DownloadLooseObject(context.Background(), oid)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, 2, attempts)
}

func TestAuthRefreshOn401(t *testing.T) {
	t.Parallel()

	content := []byte("served after credential refresh....")
	oid := objects.HashObject(objects.TypeBlob, content)
	wire := looseBytes(t, objects.TypeBlob, content)

	helper := &fakeHelper{creds: []Credential{
		{Username: "user", Password: "stale"},
		{Username: "user", Password: "fresh"},
	}}

	var attempts int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		_, pw, _ := r.BasicAuth()
		if pw != "fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write(wire)
	}))
	defer srv.Close()

	req := newTestRequester(t, srv.URL, helper)
	_, got, err := req.DownloadLooseObject(context.Background(), oid)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	// Exactly one retry: two HTTP attempts, one rejected credential.
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 2, helper.fills)
	require.Len(t, helper.rejected, 1)
	assert.Equal(t, "stale", helper.rejected[0].Password)
}

func TestSecond401IsHardAuthFailure(t *testing.T) {
	t.Parallel()

	helper := &fakeHelper{creds: []Credential{{Username: "user", Password: "bad"}}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	req := newTestRequester(t, srv.URL, helper)
	_, _, err := req.DownloadLooseObject(context.Background(), objects.HashObject(objects.TypeBlob, []byte("x")))
	var authErr *common.AuthError
	require.ErrorAs(t, err, &authErr)
}

func TestDownloadLooseObjectRejectsCorruptPayload(t *testing.T) {
	t.Parallel()

	oid := objects.HashObject(objects.TypeBlob, []byte("expected content"))
	// Valid zlib, but hashes to a different OID.
	wire := looseBytes(t, objects.TypeBlob, []byte("tampered content"))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(wire)
	}))
	defer srv.Close()

	req := newTestRequester(t, srv.URL, nil)
	_, _, err := req.DownloadLooseObject(context.Background(), oid)
	var corrupt *common.CorruptObjectError
	require.ErrorAs(t, err, &corrupt)
}

func TestDownloadPack(t *testing.T) {
	t.Parallel()

	packPayload := []byte("PACK....pretend pack stream")
	want := objects.HashObject(objects.TypeBlob, []byte("commit"))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/gvfs/objects", r.URL.Path)
		var body batchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, body.AllowPackFiles)
		assert.Equal(t, []string{want.String()}, body.Commits)
		w.Write(packPayload)
	}))
	defer srv.Close()

	req := newTestRequester(t, srv.URL, nil)
	stream, err := req.DownloadPack(context.Background(), []objects.OID{want})
	require.NoError(t, err)
	defer stream.Close()

	got, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, packPayload, got)
}

func TestGetConfig(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/gvfs/config", r.URL.Path)
		json.NewEncoder(w).Encode(ServerConfig{
			CacheServers: []CacheServer{
				{URL: "https://cache.example.com", Name: "east", GlobalDefault: true},
			},
		})
	}))
	defer srv.Close()

	req := newTestRequester(t, srv.URL, nil)
	cfg, err := req.GetConfig(context.Background())
	require.NoError(t, err)
	require.Len(t, cfg.CacheServers, 1)
	assert.Equal(t, "east", cfg.CacheServers[0].Name)
	assert.True(t, cfg.CacheServers[0].GlobalDefault)
}

func TestNotFoundIsNotRetried(t *testing.T) {
	t.Parallel()

	var attempts int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		http.NotFound(w, r)
	}))
	defer srv.Close()

	req := newTestRequester(t, srv.URL, nil)
	_, _, err := req.DownloadLooseObject(context.Background(), objects.HashObject(objects.TypeBlob, []byte("y")))
	require.ErrorIs(t, err, common.ErrNotFound)
	assert.Equal(t, 1, attempts)
}
