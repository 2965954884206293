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
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gvfs/internal/trace"
)

func TestMessageFraming(t *testing.T) {
	t.Parallel()

	tests := []Message{
		{Header: "GetStatus"},
		{Header: "DownloadObject", Body: "0123456789abcdef0123456789abcdef01234567"},
		{Header: "ModifiedPaths", Body: "a\x00b\x00c"},
	}
	for _, msg := range tests {
		var buf bytes.Buffer
		require.NoError(t, WriteMessage(&buf, msg))
		got, err := ReadMessage(&buf)
		require.NoError(t, err)
		assert.Equal(t, msg, got)
	}
}

func TestMessageFramingRejectsOversize(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	_, err := ReadMessage(&buf)
	assert.Error(t, err)
}

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	pipePath := filepath.Join(t.TempDir(), "test.sock")
	srv := NewServer(pipePath, trace.NewDiscard())
	t.Cleanup(srv.Stop)
	return srv, pipePath
}

func TestServerDispatch(t *testing.T) {
	t.Parallel()

	srv, pipePath := startTestServer(t)
	srv.Handle("Echo", func(body string) Message {
		return Message{Header: ResponseSuccess, Body: body}
	})
	require.NoError(t, srv.Start())

	client, err := Connect(pipePath)
	require.NoError(t, err)
	defer client.Close()

	resp, err := client.Send(Message{Header: "Echo", Body: "ping"})
	require.NoError(t, err)
	assert.Equal(t, ResponseSuccess, resp.Header)
	assert.Equal(t, "ping", resp.Body)
}

func TestServerUnknownRequest(t *testing.T) {
	t.Parallel()

	srv, pipePath := startTestServer(t)
	require.NoError(t, srv.Start())

	client, err := Connect(pipePath)
	require.NoError(t, err)
	defer client.Close()

	resp, err := client.Send(Message{Header: "NoSuchVerb"})
	require.NoError(t, err)
	assert.Equal(t, ResponseUnknownRequest, resp.Header)
}

func TestServerGate(t *testing.T) {
	t.Parallel()

	srv, pipePath := startTestServer(t)
	srv.Handle("Guarded", func(string) Message {
		return Message{Header: ResponseSuccess}
	})
	srv.SetGate(func(header string) *Message {
		if header == "Guarded" {
			return &Message{Header: ResponseMountNotReady}
		}
		return nil
	})
	require.NoError(t, srv.Start())

	client, err := Connect(pipePath)
	require.NoError(t, err)
	defer client.Close()

	resp, err := client.Send(Message{Header: "Guarded"})
	require.NoError(t, err)
	assert.Equal(t, ResponseMountNotReady, resp.Header)
}

func TestServerHandlerPanicBecomesFailure(t *testing.T) {
	t.Parallel()

	srv, pipePath := startTestServer(t)
	srv.Handle("Boom", func(string) Message { panic("handler bug") })
	srv.Handle("Ok", func(string) Message { return Message{Header: ResponseSuccess} })
	require.NoError(t, srv.Start())

	client, err := Connect(pipePath)
	require.NoError(t, err)
	defer client.Close()

	resp, err := client.Send(Message{Header: "Boom"})
	require.NoError(t, err)
	assert.Equal(t, ResponseFailure, resp.Header)

	// The connection survives the panic.
	resp, err = client.Send(Message{Header: "Ok"})
	require.NoError(t, err)
	assert.Equal(t, ResponseSuccess, resp.Header)
}

func TestServerSequentialRequestsOneConnection(t *testing.T) {
	t.Parallel()

	srv, pipePath := startTestServer(t)
	var count int
	srv.Handle("Count", func(string) Message {
		count++
		return Message{Header: ResponseSuccess}
	})
	require.NoError(t, srv.Start())

	client, err := Connect(pipePath)
	require.NoError(t, err)
	defer client.Close()

	for i := 0; i < 5; i++ {
		_, err := client.Send(Message{Header: "Count"})
		require.NoError(t, err)
	}
	assert.Equal(t, 5, count)
}
