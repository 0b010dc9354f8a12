// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package image loads the renamed original library into the process and
// exposes the single narrow boundary through which resolved addresses are
// invoked. Everything above this package works with typed values; the
// untyped capability is Proc.
package image

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	// ErrImageNotFound means the original image file does not exist. A
	// missing file is a deployment error, not a transient condition; the
	// loader never retries.
	ErrImageNotFound = errors.New("image not found")

	// ErrImageInvalid means the file exists but is not a loadable library
	// image of the platform's kind.
	ErrImageInvalid = errors.New("image invalid")
)

// Proc is a resolved callable inside a loaded image. Call pushes the raw
// argument words through the platform calling convention and returns the
// raw result word. The caller asserts the signature; nothing here can
// verify it.
type Proc interface {
	Addr() uintptr
	Call(args ...uintptr) (uintptr, error)
}

// Image is a loaded library image. The native implementations wrap an OS
// loader handle; Fake implements the same surface in pure Go so the layers
// above are testable without a live loader.
type Image interface {
	Path() string
	Handle() uintptr

	// Base returns the image base address, or 0 when it could not be
	// determined. Offset resolution requires a non-zero base.
	Base() uintptr

	// Lookup resolves an exported symbol by name via the image's export
	// table. It fails cleanly when the name is absent.
	Lookup(name string) (uintptr, error)

	// Proc wraps an absolute address as a callable. The address is not
	// validated against function boundaries.
	Proc(addr uintptr) Proc

	Close() error
}

// Load opens the original library image. It is called exactly once, at
// proxy initialization; a failure is fatal to the proxy.
func Load(path string) (Image, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", path, ErrImageNotFound)
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("%s is a directory: %w", path, ErrImageInvalid)
	}
	if err := checkMagic(path); err != nil {
		return nil, err
	}
	return loadNative(path)
}

// checkMagic rejects files that are not PE, ELF, or Mach-O images before
// handing them to the OS loader, so the error is diagnosable rather than
// an opaque loader failure.
func checkMagic(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return fmt.Errorf("%s too short: %w", path, ErrImageInvalid)
	}

	switch {
	case magic[0] == 'M' && magic[1] == 'Z': // PE
		return nil
	case magic[0] == 0x7f && magic[1] == 'E' && magic[2] == 'L' && magic[3] == 'F':
		return nil
	}
	switch binary.LittleEndian.Uint32(magic[:]) {
	case 0xfeedface, 0xfeedfacf, 0xcefaedfe, 0xcffaedfe: // Mach-O
		return nil
	}
	return fmt.Errorf("%s: unrecognized image magic %x: %w", path, magic, ErrImageInvalid)
}
