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

package cache

import "github.com/uptrace/bun"

// Bun ORM models for the per-enlistment databases under .gvfs/databases.

// BlobSizeModel represents the blob_sizes table: oid -> uncompressed size,
// letting the filter driver answer stat without reading blob bodies.
type BlobSizeModel struct {
	bun.BaseModel `bun:"table:blob_sizes"`

	OID  string `bun:"oid,pk"`
	Size int64  `bun:"size,notnull"`
}

// PlaceholderModel represents the placeholders table: every on-disk
// placeholder the filter has written, keyed by working-tree path.
type PlaceholderModel struct {
	bun.BaseModel `bun:"table:placeholders"`

	Path string `bun:"path,pk"`
	OID  string `bun:"oid,notnull"`
}
