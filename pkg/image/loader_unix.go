// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux || darwin || freebsd

package image

import (
	"debug/elf"
	"errors"
	"fmt"

	"github.com/ebitengine/purego"
)

// nativeImage wraps a dlopen handle. The base address is recovered by
// anchoring: dlsym gives the runtime address of one exported symbol, the
// ELF symbol table gives its link-time value, and the difference is the
// load bias. Mach-O images are loaded fine but report base 0, so offset
// hooks are ELF-only on unix.
type nativeImage struct {
	path   string
	handle uintptr
	base   uintptr
}

func loadNative(path string) (Image, error) {
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return nil, fmt.Errorf("dlopen %s: %w", path, err)
	}
	img := &nativeImage{path: path, handle: handle}
	img.base = anchorBase(path, handle)
	return img, nil
}

func (i *nativeImage) Path() string    { return i.path }
func (i *nativeImage) Handle() uintptr { return i.handle }
func (i *nativeImage) Base() uintptr   { return i.base }

func (i *nativeImage) Lookup(name string) (uintptr, error) {
	addr, err := purego.Dlsym(i.handle, name)
	if err != nil || addr == 0 {
		return 0, fmt.Errorf("dlsym %s: %v", name, err)
	}
	return addr, nil
}

func (i *nativeImage) Proc(addr uintptr) Proc { return nativeProc(addr) }

func (i *nativeImage) Close() error {
	return purego.Dlclose(i.handle)
}

// nativeProc is the unix side of the unsafe-call boundary.
type nativeProc uintptr

func (p nativeProc) Addr() uintptr { return uintptr(p) }

func (p nativeProc) Call(args ...uintptr) (uintptr, error) {
	if p == 0 {
		return 0, errors.New("call through nil address")
	}
	r1, _, _ := purego.SyscallN(uintptr(p), args...)
	return r1, nil
}

// anchorBase computes the load bias from any exported dynamic function
// symbol. Returns 0 when no anchor can be found (stripped dynsym, or a
// non-ELF image).
func anchorBase(path string, handle uintptr) uintptr {
	f, err := elf.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	syms, err := f.DynamicSymbols()
	if err != nil {
		return 0
	}
	for _, sym := range syms {
		if sym.Value == 0 || sym.Section == elf.SHN_UNDEF {
			continue
		}
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC && elf.ST_TYPE(sym.Info) != elf.STT_OBJECT {
			continue
		}
		addr, err := purego.Dlsym(handle, sym.Name)
		if err != nil || addr == 0 {
			continue
		}
		return addr - uintptr(sym.Value)
	}
	return 0
}
