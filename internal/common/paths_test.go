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

package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{".", ""},
		{"/", ""},
		{"a/b.txt", "a/b.txt"},
		{"/a/b.txt", "a/b.txt"},
		{"a/b/", "a/b"},
		{"a//b", "a/b"},
		{"a\\b\\c.txt", "a/b/c.txt"},
		{"./a/./b", "a/b"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizePath(tt.in), "input %q", tt.in)
	}
}

func TestParentPath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", ParentPath("a"))
	assert.Equal(t, "a", ParentPath("a/b"))
	assert.Equal(t, "a/b", ParentPath("a/b/c.txt"))
	assert.Equal(t, "", ParentPath(""))
}

func TestIsPathInside(t *testing.T) {
	t.Parallel()

	assert.True(t, IsPathInside("a/b", "a/b"))
	assert.True(t, IsPathInside("a/b", "a/b/c"))
	assert.False(t, IsPathInside("a/b", "a/bc"))
	assert.False(t, IsPathInside("a/b", "a"))
}
