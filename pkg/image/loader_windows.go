// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build windows

package image

import (
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/windows"
)

// nativeImage wraps a LoadLibraryEx handle. On Windows the module handle
// is the image base address, so offset resolution needs no anchoring.
type nativeImage struct {
	path   string
	handle windows.Handle
}

func loadNative(path string) (Image, error) {
	handle, err := windows.LoadLibraryEx(path, 0, windows.LOAD_WITH_ALTERED_SEARCH_PATH)
	if err != nil {
		return nil, fmt.Errorf("LoadLibraryEx %s: %w", path, err)
	}
	return &nativeImage{path: path, handle: handle}, nil
}

func (i *nativeImage) Path() string    { return i.path }
func (i *nativeImage) Handle() uintptr { return uintptr(i.handle) }
func (i *nativeImage) Base() uintptr   { return uintptr(i.handle) }

func (i *nativeImage) Lookup(name string) (uintptr, error) {
	addr, err := windows.GetProcAddress(i.handle, name)
	if err != nil {
		return 0, fmt.Errorf("GetProcAddress %s: %w", name, err)
	}
	return addr, nil
}

func (i *nativeImage) Proc(addr uintptr) Proc { return nativeProc(addr) }

func (i *nativeImage) Close() error {
	return windows.FreeLibrary(i.handle)
}

// nativeProc is the Windows side of the unsafe-call boundary.
type nativeProc uintptr

func (p nativeProc) Addr() uintptr { return uintptr(p) }

func (p nativeProc) Call(args ...uintptr) (uintptr, error) {
	if p == 0 {
		return 0, errors.New("call through nil address")
	}
	r1, _, _ := syscall.SyscallN(uintptr(p), args...)
	return r1, nil
}
