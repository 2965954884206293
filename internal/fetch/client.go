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

// Package fetch talks to the remote object service: an authenticated HTTP
// client underneath a retrying object requester.
package fetch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"gvfs/internal/common"
)

const maxRedirects = 5

// Client is the authenticated HTTP client. It caches one credential per
// repo URL; a 401 revokes the cached credential through the helper and
// retries exactly once. A second 401 is a hard AuthError for the request.
type Client struct {
	httpClient *http.Client
	helper     CredentialHelper
	userAgent  string
	// bearerToken, when set, wins over the credential helper.
	bearerToken string

	mu    sync.Mutex
	creds map[string]Credential // repo URL -> cached credential
}

// ClientOptions configures the authenticated client.
type ClientOptions struct {
	Version     string        // reported as GVFS/<version>
	Timeout     time.Duration // per-request timeout (default 60s)
	BearerToken string        // optional; bypasses the credential helper
}

// NewClient creates an authenticated client over the given helper.
func NewClient(helper CredentialHelper, opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: opts.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		helper:      helper,
		userAgent:   "GVFS/" + opts.Version,
		bearerToken: opts.BearerToken,
		creds:       make(map[string]Credential),
	}
}

// checkScheme enforces TLS for anything that is not loopback.
func checkScheme(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse URL: %w", err)
	}
	if u.Scheme == "https" {
		return nil
	}
	host := u.Hostname()
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("refusing non-TLS URL %s", rawURL)
}

func (c *Client) credentialFor(ctx context.Context, repoURL string) (Credential, error) {
	c.mu.Lock()
	if cred, ok := c.creds[repoURL]; ok {
		c.mu.Unlock()
		return cred, nil
	}
	c.mu.Unlock()

	cred, err := c.helper.Fill(ctx, repoURL)
	if err != nil {
		return Credential{}, err
	}

	c.mu.Lock()
	c.creds[repoURL] = cred
	c.mu.Unlock()
	return cred, nil
}

// revoke drops the cached credential and tells the helper to forget it.
func (c *Client) revoke(ctx context.Context, repoURL string) {
	c.mu.Lock()
	cred, ok := c.creds[repoURL]
	delete(c.creds, repoURL)
	c.mu.Unlock()
	if ok {
		// The helper's cache must drop the refused credential before
		// the next Fill, or the retry would loop on the same secret.
		_ = c.helper.Reject(ctx, repoURL, cred)
	}
}

// Do sends req with auth for repoURL. On 401 the cached credential is
// revoked and the request retried once with a fresh credential.
func (c *Client) Do(req *http.Request, repoURL string) (*http.Response, error) {
	if err := checkScheme(req.URL.String()); err != nil {
		return nil, err
	}

	resp, err := c.doOnce(req, repoURL)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	resp.Body.Close()

	if c.bearerToken != "" {
		// Tokens are not refreshable here; surface immediately.
		return nil, &common.AuthError{URL: req.URL.String(), Err: fmt.Errorf("bearer token rejected")}
	}

	c.revoke(req.Context(), repoURL)

	retryReq := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retryReq.Body = body
	}
	resp, err = c.doOnce(retryReq, repoURL)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, &common.AuthError{URL: req.URL.String(), Err: fmt.Errorf("401 after credential refresh")}
	}
	return resp, nil
}

func (c *Client) doOnce(req *http.Request, repoURL string) (*http.Response, error) {
	req.Header.Set("User-Agent", c.userAgent)
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	} else {
		cred, err := c.credentialFor(req.Context(), repoURL)
		if err != nil {
			return nil, &common.AuthError{URL: req.URL.String(), Err: err}
		}
		req.SetBasicAuth(cred.Username, cred.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if strings.Contains(err.Error(), "redirects") {
			return nil, err
		}
		return nil, &common.RetryableError{Err: err}
	}
	return resp, nil
}
