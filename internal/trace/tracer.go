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

// Package trace emits structured events for the mount process. Events carry
// an area, a name, keywords, and free-form metadata; the telemetry keyword
// duplicates an event to a second sink consumed by reporting tooling.
package trace

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// Keywords select additional sinks for an event.
type Keywords uint32

const (
	KeywordNone      Keywords = 0
	KeywordTelemetry Keywords = 1 << iota
	KeywordNetwork
	KeywordDiagnostic
)

// maxLogFileBytes is the size at which a log file is rotated to "<name>.1".
const maxLogFileBytes = 50 * 1024 * 1024

// Tracer writes structured events to the enlistment's log directory.
// Child tracers share the sinks and differ only in area.
type Tracer struct {
	area      string
	log       *logrus.Logger
	telemetry *logrus.Logger
	out       *rotatingFile
	telemOut  *rotatingFile
}

// New creates a Tracer writing gvfs.log and telemetry.log under logDir.
func New(logDir, area string, level logrus.Level) (*Tracer, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	out, err := openRotating(filepath.Join(logDir, "gvfs.log"))
	if err != nil {
		return nil, err
	}
	telemOut, err := openRotating(filepath.Join(logDir, "telemetry.log"))
	if err != nil {
		out.Close()
		return nil, err
	}

	mainLog := logrus.New()
	mainLog.SetOutput(out)
	mainLog.SetLevel(level)
	mainLog.SetFormatter(&logrus.JSONFormatter{})

	telemLog := logrus.New()
	telemLog.SetOutput(telemOut)
	telemLog.SetLevel(logrus.InfoLevel)
	telemLog.SetFormatter(&logrus.JSONFormatter{})

	return &Tracer{
		area:      area,
		log:       mainLog,
		telemetry: telemLog,
		out:       out,
		telemOut:  telemOut,
	}, nil
}

// NewDiscard returns a tracer that drops everything. Used by tests and by
// short-lived control verbs that have no log directory.
func NewDiscard() *Tracer {
	l := logrus.New()
	l.SetOutput(io.Discard)
	t := logrus.New()
	t.SetOutput(io.Discard)
	return &Tracer{area: "none", log: l, telemetry: t}
}

// Child returns a tracer for a different area sharing the same sinks.
func (t *Tracer) Child(area string) *Tracer {
	return &Tracer{
		area:      area,
		log:       t.log,
		telemetry: t.telemetry,
		out:       t.out,
		telemOut:  t.telemOut,
	}
}

// Event emits one structured event.
func (t *Tracer) Event(level logrus.Level, name string, keywords Keywords, fields logrus.Fields) {
	entry := t.log.WithField("area", t.area).WithField("event", name)
	if len(fields) > 0 {
		entry = entry.WithFields(fields)
	}
	entry.Log(level, name)

	if keywords&KeywordTelemetry != 0 {
		te := t.telemetry.WithField("area", t.area).WithField("event", name)
		if len(fields) > 0 {
			te = te.WithFields(fields)
		}
		te.Log(level, name)
	}
}

func (t *Tracer) Info(name string, fields logrus.Fields) {
	t.Event(logrus.InfoLevel, name, KeywordNone, fields)
}

func (t *Tracer) Warn(name string, fields logrus.Fields) {
	t.Event(logrus.WarnLevel, name, KeywordNone, fields)
}

func (t *Tracer) Error(name string, err error, fields logrus.Fields) {
	if fields == nil {
		fields = logrus.Fields{}
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	t.Event(logrus.ErrorLevel, name, KeywordNone, fields)
}

// Critical records a corruption-class failure. These are never silently
// masked: the event always reaches both sinks.
func (t *Tracer) Critical(name string, err error, fields logrus.Fields) {
	if fields == nil {
		fields = logrus.Fields{}
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	t.Event(logrus.ErrorLevel, name, KeywordTelemetry, fields)
}

// Telemetry emits an info-level event to both sinks.
func (t *Tracer) Telemetry(name string, fields logrus.Fields) {
	t.Event(logrus.InfoLevel, name, KeywordTelemetry, fields)
}

// Close flushes and closes the underlying log files.
func (t *Tracer) Close() {
	if t.out != nil {
		t.out.Close()
	}
	if t.telemOut != nil {
		t.telemOut.Close()
	}
}

// rotatingFile is an io.Writer that renames the file to "<name>.1" and
// reopens it once it grows past maxLogFileBytes.
type rotatingFile struct {
	mu   sync.Mutex
	path string
	file *os.File
	size int64
}

func openRotating(path string) (*rotatingFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &rotatingFile{path: path, file: f, size: info.Size()}, nil
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size+int64(len(p)) > maxLogFileBytes {
		r.file.Close()
		// Best effort: a failed rename means we keep appending to the
		// oversized file rather than losing events.
		_ = os.Rename(r.path, r.path+".1")
		f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return 0, err
		}
		r.file = f
		r.size = 0
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *rotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
