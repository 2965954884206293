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

package trace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readEvents(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var events []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var ev map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &ev), "line %q", line)
		events = append(events, ev)
	}
	return events
}

func TestTracerWritesStructuredEvents(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tracer, err := New(dir, "Mount", logrus.InfoLevel)
	require.NoError(t, err)

	tracer.Info("MountStarted", logrus.Fields{"mountId": "abc"})
	tracer.Child("HttpRequestor").Warn("RetryScheduled", logrus.Fields{"attempt": 2})
	tracer.Close()

	events := readEvents(t, filepath.Join(dir, "gvfs.log"))
	require.Len(t, events, 2)
	assert.Equal(t, "Mount", events[0]["area"])
	assert.Equal(t, "MountStarted", events[0]["event"])
	assert.Equal(t, "abc", events[0]["mountId"])
	assert.Equal(t, "HttpRequestor", events[1]["area"])
	assert.NotEmpty(t, events[0]["time"])
}

func TestTelemetryKeywordDuplicatesToSecondSink(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tracer, err := New(dir, "Maintenance", logrus.InfoLevel)
	require.NoError(t, err)

	tracer.Info("NotTelemetry", nil)
	tracer.Telemetry("PackfileMaintenance", logrus.Fields{"packCountAfter": 3})
	tracer.Close()

	main := readEvents(t, filepath.Join(dir, "gvfs.log"))
	assert.Len(t, main, 2)

	telem := readEvents(t, filepath.Join(dir, "telemetry.log"))
	require.Len(t, telem, 1)
	assert.Equal(t, "PackfileMaintenance", telem[0]["event"])
	assert.Equal(t, float64(3), telem[0]["packCountAfter"])
}

func TestCriticalAlwaysReachesTelemetry(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tracer, err := New(dir, "Projection", logrus.ErrorLevel)
	require.NoError(t, err)

	tracer.Critical("IndexParseFailed", os.ErrInvalid, nil)
	tracer.Close()

	telem := readEvents(t, filepath.Join(dir, "telemetry.log"))
	require.Len(t, telem, 1)
	assert.Contains(t, telem[0]["error"], "invalid")
}
