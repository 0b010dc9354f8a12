// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package image

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.dll"))
	if !errors.Is(err, ErrImageNotFound) {
		t.Fatalf("expected ErrImageNotFound, got %v", err)
	}
}

func TestLoadInvalidMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.dll")
	if err := os.WriteFile(path, []byte("this is not a library"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if !errors.Is(err, ErrImageInvalid) {
		t.Fatalf("expected ErrImageInvalid, got %v", err)
	}
}

func TestLoadTruncatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.dll")
	if err := os.WriteFile(path, []byte{0x7f}, 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if !errors.Is(err, ErrImageInvalid) {
		t.Fatalf("expected ErrImageInvalid, got %v", err)
	}
}

func TestFakeLookupAndCall(t *testing.T) {
	fake := NewFake("fake.dll")
	fake.AddExport("Frobnicate", 0x1000, func(args ...uintptr) uintptr {
		return args[0] + args[1]
	})

	addr, err := fake.Lookup("Frobnicate")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if addr != fake.Base()+0x1000 {
		t.Errorf("expected addr %#x, got %#x", fake.Base()+0x1000, addr)
	}

	got, err := fake.Proc(addr).Call(40, 2)
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
	if n := fake.Calls(0x1000); n != 1 {
		t.Errorf("expected 1 call, got %d", n)
	}
}

func TestFakeLookupMissing(t *testing.T) {
	fake := NewFake("fake.dll")
	if _, err := fake.Lookup("Nope"); err == nil {
		t.Fatal("expected lookup error for absent export")
	}
}

func TestFakeInternalByOffset(t *testing.T) {
	fake := NewFake("fake.dll")
	fake.AddInternal(0x2a30, func(args ...uintptr) uintptr { return 7 })

	if _, err := fake.Lookup("anything"); err == nil {
		t.Fatal("internal function must not appear in the export table")
	}
	got, err := fake.Proc(fake.Base() + 0x2a30).Call()
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if got != 7 {
		t.Errorf("expected 7, got %d", got)
	}
}

func TestFakeCallAfterClose(t *testing.T) {
	fake := NewFake("fake.dll")
	fake.AddExport("F", 0x10, func(args ...uintptr) uintptr { return 1 })
	addr, _ := fake.Lookup("F")
	proc := fake.Proc(addr)

	fake.Close()
	if !fake.Closed() {
		t.Fatal("expected Closed after Close")
	}
	if _, err := proc.Call(); err == nil {
		t.Fatal("expected call error after close")
	}
}

func TestFakeCallUnknownAddress(t *testing.T) {
	fake := NewFake("fake.dll")
	if _, err := fake.Proc(fake.Base() + 0xdead).Call(); err == nil {
		t.Fatal("expected error calling unmapped address")
	}
}

func TestExportsMissingFile(t *testing.T) {
	_, err := Exports(filepath.Join(t.TempDir(), "missing.so"))
	if !errors.Is(err, ErrImageNotFound) {
		t.Fatalf("expected ErrImageNotFound, got %v", err)
	}
}
