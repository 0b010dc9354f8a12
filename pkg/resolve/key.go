// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package resolve turns hook identifiers into callable addresses against a
// loaded image: exported names via the export table, internal functions
// via base-relative offsets.
package resolve

import (
	"fmt"
)

// Key identifies an interception target: either an exported name or a
// base-relative offset. One tagged type instead of two parallel code
// paths, so the registry stores both forms uniformly. Keys are comparable
// and usable as map keys.
type Key struct {
	name   string
	offset uintptr
	byName bool
}

// ByName builds a name key.
func ByName(name string) Key {
	return Key{name: name, byName: true}
}

// ByOffset builds a base-relative offset key.
func ByOffset(offset uintptr) Key {
	return Key{offset: offset}
}

// IsName reports whether the key is name-based.
func (k Key) IsName() bool { return k.byName }

// Name returns the export name for a name key.
func (k Key) Name() (string, bool) {
	return k.name, k.byName
}

// Offset returns the base-relative offset for an offset key.
func (k Key) Offset() (uintptr, bool) {
	return k.offset, !k.byName
}

// String renders "name:DllMain" or "offset:0x1a30". Used in logs, events,
// and the diagnostics snapshot.
func (k Key) String() string {
	if k.byName {
		return "name:" + k.name
	}
	return fmt.Sprintf("offset:%#x", k.offset)
}
