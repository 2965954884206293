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

// Package ipc carries framed request/response messages between the mount
// process and its clients (hooks, control verbs) over the per-enlistment
// pipe.
package ipc

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// Request headers.
const (
	HeaderAcquireLock      = "AcquireLock"
	HeaderReleaseLock      = "ReleaseLock"
	HeaderDownloadObject   = "DownloadObject"
	HeaderGetStatus        = "GetStatus"
	HeaderModifiedPaths    = "ModifiedPaths"
	HeaderPostIndexChanged = "PostIndexChanged"
	HeaderRunPostFetchJob  = "RunPostFetchJob"
	HeaderUnmount          = "Unmount"
)

// Response headers.
const (
	ResponseAccept            = "Accept"
	ResponseDeny              = "Deny"
	ResponseSuccess           = "Success"
	ResponseFailure           = "Failure"
	ResponseMountNotReady     = "MountNotReady"
	ResponseUnmountInProgress = "UnmountInProgress"
	ResponseUnknownRequest    = "UnknownRequest"
	ResponseInvalidSHA        = "InvalidSHA"
	ResponseDownloadFailed    = "DownloadFailed"
	ResponseInvalidVersion    = "InvalidVersion"
)

// maxFrameBytes bounds one message; ModifiedPaths responses dominate.
const maxFrameBytes = 64 << 20

// Message is one framed unit: a header naming the verb or outcome, and an
// opaque body that may itself contain NUL-separated fields.
type Message struct {
	Header string
	Body   string
}

// WriteMessage frames msg onto w: a big-endian uint32 length over the
// "Header\x00Body" payload (the separator is omitted for an empty body).
func WriteMessage(w io.Writer, msg Message) error {
	payload := msg.Header
	if msg.Body != "" {
		payload = msg.Header + "\x00" + msg.Body
	}
	if len(payload) > maxFrameBytes {
		return fmt.Errorf("message exceeds frame limit: %d bytes", len(payload))
	}
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(payload)))
	if _, err := w.Write(length[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, payload)
	return err
}

// ReadMessage reads one framed message from r.
func ReadMessage(r io.Reader) (Message, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return Message{}, err
	}
	n := binary.BigEndian.Uint32(length[:])
	if n > maxFrameBytes {
		return Message{}, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, err
	}

	header, body, _ := strings.Cut(string(payload), "\x00")
	return Message{Header: header, Body: body}, nil
}
