// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hostinfo

import (
	"os"
	"testing"
)

func TestDescribeSelf(t *testing.T) {
	info := Describe()
	if info.PID != int32(os.Getpid()) {
		t.Errorf("expected own pid %d, got %d", os.Getpid(), info.PID)
	}
	if info.Name == "" {
		t.Error("expected a process name for the test binary")
	}
	if info.Hostname == "" {
		t.Error("expected a hostname")
	}
}

func TestResourceAttrs(t *testing.T) {
	info := Info{Name: "game", Exe: "/opt/game/game", Hostname: "box1"}
	attrs := info.ResourceAttrs()
	if attrs["service.name"] != "shimmer" {
		t.Errorf("unexpected service.name %q", attrs["service.name"])
	}
	if attrs["process.executable.name"] != "game" {
		t.Errorf("unexpected executable name %q", attrs["process.executable.name"])
	}
	if _, ok := attrs["process.owner"]; ok {
		t.Error("empty username must not produce an attribute")
	}
}
