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
	"fmt"
	"net"
	"os"

	"github.com/sirupsen/logrus"

	"gvfs/internal/trace"
)

// Handler services one request body and returns the response message.
// Handlers must not panic; the server converts panics into Failure
// responses rather than letting them cross the pipe.
type Handler func(body string) Message

// Server accepts connections on the enlistment pipe and dispatches framed
// requests to registered handlers. Requests on one connection are handled
// serially; connections are served concurrently.
type Server struct {
	pipePath string
	listener net.Listener
	handlers map[string]Handler
	// gate runs before dispatch; a non-nil result short-circuits the
	// handler (mount-state checks).
	gate   func(header string) *Message
	tracer *trace.Tracer
}

// NewServer creates an unstarted server.
func NewServer(pipePath string, tracer *trace.Tracer) *Server {
	return &Server{
		pipePath: pipePath,
		handlers: make(map[string]Handler),
		tracer:   tracer.Child("NamedPipe"),
	}
}

// Handle registers a handler for a request header.
func (s *Server) Handle(header string, h Handler) {
	s.handlers[header] = h
}

// SetGate installs the pre-dispatch check.
func (s *Server) SetGate(gate func(header string) *Message) {
	s.gate = gate
}

// Start begins accepting connections.
func (s *Server) Start() error {
	// Remove a socket left behind by a crashed mount.
	os.Remove(s.pipePath)

	listener, err := net.Listen("unix", s.pipePath)
	if err != nil {
		return fmt.Errorf("listen on pipe: %w", err)
	}
	os.Chmod(s.pipePath, 0o600)
	s.listener = listener

	go s.accept()
	return nil
}

// Stop closes the listener and removes the socket.
func (s *Server) Stop() {
	if s.listener != nil {
		s.listener.Close()
		os.Remove(s.pipePath)
	}
}

func (s *Server) accept() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return // Server stopped
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	for {
		req, err := ReadMessage(conn)
		if err != nil {
			return // Closed connection aborts any pending request.
		}

		resp := s.dispatch(req)
		if err := WriteMessage(conn, resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(req Message) (resp Message) {
	defer func() {
		if r := recover(); r != nil {
			s.tracer.Error("HandlerPanic", fmt.Errorf("%v", r), logrus.Fields{"header": req.Header})
			resp = Message{Header: ResponseFailure}
		}
	}()

	if s.gate != nil {
		if gated := s.gate(req.Header); gated != nil {
			return *gated
		}
	}

	h, ok := s.handlers[req.Header]
	if !ok {
		s.tracer.Warn("UnknownRequest", logrus.Fields{"header": req.Header})
		return Message{Header: ResponseUnknownRequest}
	}
	return h(req.Body)
}
