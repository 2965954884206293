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
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"gvfs/internal/common"
	"gvfs/internal/objects"
	"gvfs/internal/trace"
	"gvfs/internal/util"
)

// DefaultMaxAttempts is the total number of tries per request.
const DefaultMaxAttempts = 5

// ServerConfig is the /gvfs/config document.
type ServerConfig struct {
	AllowedClientVersions []VersionRange `json:"allowedGvfsClientVersions"`
	CacheServers          []CacheServer  `json:"cacheServers"`
}

// VersionRange bounds supported client versions.
type VersionRange struct {
	Max *VersionNumber `json:"max"`
	Min *VersionNumber `json:"min"`
}

// VersionNumber is a dotted client version.
type VersionNumber struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Build int `json:"build"`
}

// CacheServer is one entry of the cache-server list.
type CacheServer struct {
	URL           string `json:"url"`
	Name          string `json:"name"`
	GlobalDefault bool   `json:"globalDefault"`
}

// Requester downloads objects from the object service with retries.
type Requester struct {
	client  *Client
	repoURL string
	// objectsURL is the /gvfs/objects endpoint actually used; it points
	// at the cache server when one is configured.
	objectsURL  string
	configURL   string
	maxAttempts uint
	perAttempt  time.Duration
	tracer      *trace.Tracer
}

// RequesterOptions configures retry behavior and endpoint selection.
type RequesterOptions struct {
	MaxAttempts    int           // default 5
	AttemptTimeout time.Duration // per-attempt deadline, default 30s
	CacheServerURL string        // overrides the origin /gvfs/objects
}

// NewRequester builds a requester for the repo's origin URL.
func NewRequester(client *Client, repoURL string, opts RequesterOptions, tracer *trace.Tracer) *Requester {
	base := strings.TrimRight(repoURL, "/")
	objectsBase := base
	if opts.CacheServerURL != "" {
		objectsBase = strings.TrimRight(opts.CacheServerURL, "/")
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	perAttempt := opts.AttemptTimeout
	if perAttempt <= 0 {
		perAttempt = 30 * time.Second
	}
	return &Requester{
		client:      client,
		repoURL:     base,
		objectsURL:  objectsBase + "/gvfs/objects",
		configURL:   base + "/gvfs/config",
		maxAttempts: uint(attempts),
		perAttempt:  perAttempt,
		tracer:      tracer.Child("HttpRequestor"),
	}
}

// classify converts an HTTP status into the retry taxonomy: 5xx is
// transient, 401 is handled below the retry loop by the client, anything
// else 4xx is terminal.
func classify(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err := fmt.Errorf("HTTP %d from %s", resp.StatusCode, resp.Request.URL)
	if resp.StatusCode >= 500 {
		return &common.RetryableError{Err: err}
	}
	if resp.StatusCode == http.StatusNotFound {
		return common.ErrNotFound
	}
	return err
}

// doWithRetries runs one HTTP operation under the retry policy, tracing
// every attempt.
func doWithRetries[T any](ctx context.Context, r *Requester, name string, fn func(ctx context.Context) (T, int64, error)) (T, error) {
	attempt := 0
	return util.RetryWithResult(ctx, func() (T, error) {
		attempt++
		start := time.Now()
		attemptCtx, cancel := context.WithTimeout(ctx, r.perAttempt)
		defer cancel()

		result, received, err := fn(attemptCtx)
		fields := logrus.Fields{
			"attempt":   attempt,
			"bytes":     received,
			"elapsedMs": time.Since(start).Milliseconds(),
		}
		if err != nil {
			fields["error"] = err.Error()
			r.tracer.Event(logrus.WarnLevel, name, trace.KeywordNetwork, fields)
		} else {
			r.tracer.Event(logrus.InfoLevel, name, trace.KeywordNetwork, fields)
		}
		return result, err
	}, util.HTTPRetryOptions(ctx, r.maxAttempts)...)
}

// GetConfig fetches and decodes /gvfs/config.
func (r *Requester) GetConfig(ctx context.Context) (*ServerConfig, error) {
	return doWithRetries(ctx, r, "GetConfig", func(ctx context.Context) (*ServerConfig, int64, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.configURL, nil)
		if err != nil {
			return nil, 0, err
		}
		resp, err := r.client.Do(req, r.repoURL)
		if err != nil {
			return nil, 0, err
		}
		defer resp.Body.Close()
		if err := classify(resp); err != nil {
			io.Copy(io.Discard, resp.Body)
			return nil, 0, err
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, 0, &common.RetryableError{Err: err}
		}
		var cfg ServerConfig
		if err := json.Unmarshal(body, &cfg); err != nil {
			return nil, int64(len(body)), fmt.Errorf("decode config response: %w", err)
		}
		return &cfg, int64(len(body)), nil
	})
}

// DownloadLooseObject fetches a single object and returns its type and
// content, verified against the OID.
func (r *Requester) DownloadLooseObject(ctx context.Context, oid objects.OID) (objects.ObjectType, []byte, error) {
	type result struct {
		objType objects.ObjectType
		data    []byte
	}
	res, err := doWithRetries(ctx, r, "DownloadLooseObject", func(ctx context.Context) (result, int64, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.objectsURL+"/"+oid.String(), nil)
		if err != nil {
			return result{}, 0, err
		}
		resp, err := r.client.Do(req, r.repoURL)
		if err != nil {
			return result{}, 0, err
		}
		defer resp.Body.Close()
		if err := classify(resp); err != nil {
			io.Copy(io.Discard, resp.Body)
			return result{}, 0, err
		}
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return result{}, 0, &common.RetryableError{Err: err}
		}
		objType, content, err := objects.InflateLoose(oid, raw)
		if err != nil {
			return result{}, int64(len(raw)), err
		}
		return result{objType, content}, int64(len(raw)), nil
	})
	if err != nil {
		return "", nil, err
	}
	return res.objType, res.data, nil
}

// batchRequest is the POST /gvfs/objects body.
type batchRequest struct {
	Commits        []string `json:"commits"`
	AllowPackFiles bool     `json:"allowPackFiles"`
}

// DownloadPack requests a packfile covering the given OIDs and returns the
// response stream. The caller must consume it fully and hand it to the
// object store's WritePack.
func (r *Requester) DownloadPack(ctx context.Context, oids []objects.OID) (io.ReadCloser, error) {
	if len(oids) == 0 {
		return nil, errors.New("at least one OID is required")
	}
	body := batchRequest{AllowPackFiles: true, Commits: make([]string, len(oids))}
	for i, oid := range oids {
		body.Commits[i] = oid.String()
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	return doWithRetries(ctx, r, "DownloadPack", func(ctx context.Context) (io.ReadCloser, int64, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.objectsURL, bytes.NewReader(payload))
		if err != nil {
			return nil, 0, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/x-git-packfile")
		resp, err := r.client.Do(req, r.repoURL)
		if err != nil {
			return nil, 0, err
		}
		if err := classify(resp); err != nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return nil, 0, err
		}
		// The body is consumed by the caller; buffer it here so the
		// per-attempt deadline covers the transfer and a mid-stream
		// network error is retried rather than surfaced mid-indexing.
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, int64(len(data)), &common.RetryableError{Err: err}
		}
		return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
	})
}
