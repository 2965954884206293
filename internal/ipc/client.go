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

package ipc

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"

	"gvfs/internal/lock"
)

// Client talks to a mounted enlistment's pipe.
type Client struct {
	conn net.Conn
}

// Connect dials the enlistment pipe.
func Connect(pipePath string) (*Client, error) {
	conn, err := net.Dial("unix", pipePath)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

// Send writes one request and reads its response.
func (c *Client) Send(req Message) (Message, error) {
	if err := WriteMessage(c.conn, req); err != nil {
		return Message{}, err
	}
	resp, err := ReadMessage(c.conn)
	if err != nil {
		return Message{}, fmt.Errorf("mount closed connection: %w", err)
	}
	return resp, nil
}

// AcquireLock requests the cross-process lock.
func (c *Client) AcquireLock(data lock.Data) (Message, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return Message{}, err
	}
	return c.Send(Message{Header: HeaderAcquireLock, Body: string(body)})
}

// ReleaseLock releases the cross-process lock.
func (c *Client) ReleaseLock(data lock.Data) (Message, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return Message{}, err
	}
	return c.Send(Message{Header: HeaderReleaseLock, Body: string(body)})
}

// DownloadObject asks the mount to fetch one object by 40-hex OID.
func (c *Client) DownloadObject(oid string) (Message, error) {
	return c.Send(Message{Header: HeaderDownloadObject, Body: oid})
}

// GetStatus returns the mount's status document.
func (c *Client) GetStatus() (*StatusPayload, error) {
	resp, err := c.Send(Message{Header: HeaderGetStatus})
	if err != nil {
		return nil, err
	}
	if resp.Header != ResponseSuccess {
		return nil, fmt.Errorf("status request failed: %s", resp.Header)
	}
	var status StatusPayload
	if err := json.Unmarshal([]byte(resp.Body), &status); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &status, nil
}

// ModifiedPaths returns the journal contents for the given version.
func (c *Client) ModifiedPaths(version string) ([]string, error) {
	resp, err := c.Send(Message{Header: HeaderModifiedPaths, Body: version})
	if err != nil {
		return nil, err
	}
	switch resp.Header {
	case ResponseSuccess:
		if resp.Body == "" {
			return nil, nil
		}
		return strings.Split(strings.TrimSuffix(resp.Body, "\x00"), "\x00"), nil
	case ResponseInvalidVersion:
		return nil, fmt.Errorf("modified-paths version %q not supported", version)
	default:
		return nil, fmt.Errorf("modified-paths request failed: %s", resp.Header)
	}
}

// PostIndexChanged signals that the index was rewritten.
func (c *Client) PostIndexChanged(flags string) (Message, error) {
	return c.Send(Message{Header: HeaderPostIndexChanged, Body: flags})
}

// RunPostFetchJob enqueues post-fetch maintenance over the given packs.
func (c *Client) RunPostFetchJob(packIndexes []string) (Message, error) {
	body, err := json.Marshal(packIndexes)
	if err != nil {
		return Message{}, err
	}
	return c.Send(Message{Header: HeaderRunPostFetchJob, Body: string(body)})
}

// Unmount asks the mount process to stop.
func (c *Client) Unmount() (Message, error) {
	return c.Send(Message{Header: HeaderUnmount})
}

// StatusPayload is the GetStatus response document.
type StatusPayload struct {
	EnlistmentRoot           string `json:"EnlistmentRoot"`
	LocalCacheRoot           string `json:"LocalCacheRoot"`
	RepoURL                  string `json:"RepoUrl"`
	CacheServer              string `json:"CacheServer"`
	LockStatus               string `json:"LockStatus"`
	DiskLayoutVersion        string `json:"DiskLayoutVersion"`
	MountStatus              string `json:"MountStatus"`
	BackgroundOperationCount int64  `json:"BackgroundOperationCount"`
}
