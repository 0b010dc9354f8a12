// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package image

import (
	"debug/elf"
	"debug/pe"
	"encoding/binary"
	"fmt"
	"os"
	"sort"
)

// Export is one entry of an image's export table. RVA is the address
// relative to the image base, i.e. the offset a hook plan would use.
type Export struct {
	Name string
	RVA  uint64
}

// Exports enumerates the export table of a library image on disk, without
// loading it into the process. Used by shimctl and by dry-run validation
// of hook plans.
func Exports(path string) ([]Export, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", path, ErrImageNotFound)
		}
		return nil, err
	}
	var magic [2]byte
	if _, err := f.ReadAt(magic[:], 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("%s too short: %w", path, ErrImageInvalid)
	}
	f.Close()

	if magic[0] == 'M' && magic[1] == 'Z' {
		return peExports(path)
	}
	return elfExports(path)
}

func elfExports(path string) ([]Export, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", path, err, ErrImageInvalid)
	}
	defer f.Close()

	syms, err := f.DynamicSymbols()
	if err != nil {
		return nil, fmt.Errorf("read dynamic symbols of %s: %w", path, err)
	}

	var out []Export
	for _, sym := range syms {
		if sym.Section == elf.SHN_UNDEF || sym.Value == 0 {
			continue
		}
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC {
			continue
		}
		out = append(out, Export{Name: sym.Name, RVA: sym.Value})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// peExports walks the PE export directory by hand; debug/pe parses
// sections and headers but not the export table.
func peExports(path string) ([]Export, error) {
	f, err := pe.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", path, err, ErrImageInvalid)
	}
	defer f.Close()

	var dir pe.DataDirectory
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		dir = oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_EXPORT]
	case *pe.OptionalHeader64:
		dir = oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_EXPORT]
	default:
		return nil, fmt.Errorf("%s has no optional header: %w", path, ErrImageInvalid)
	}
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return nil, nil // no exports
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	readAt := func(rva uint32, n int) ([]byte, error) {
		for _, s := range f.Sections {
			if rva >= s.VirtualAddress && rva+uint32(n) <= s.VirtualAddress+s.Size {
				off := int(s.Offset + rva - s.VirtualAddress)
				if off+n > len(raw) {
					break
				}
				return raw[off : off+n], nil
			}
		}
		return nil, fmt.Errorf("rva %#x outside mapped sections: %w", rva, ErrImageInvalid)
	}
	cstringAt := func(rva uint32) (string, error) {
		for _, s := range f.Sections {
			if rva >= s.VirtualAddress && rva < s.VirtualAddress+s.Size {
				off := int(s.Offset + rva - s.VirtualAddress)
				end := off
				for end < len(raw) && raw[end] != 0 {
					end++
				}
				return string(raw[off:end]), nil
			}
		}
		return "", fmt.Errorf("name rva %#x outside mapped sections: %w", rva, ErrImageInvalid)
	}

	// IMAGE_EXPORT_DIRECTORY is 40 bytes; the three table RVAs sit at
	// offsets 28, 32, and 36.
	ed, err := readAt(dir.VirtualAddress, 40)
	if err != nil {
		return nil, err
	}
	numNames := binary.LittleEndian.Uint32(ed[24:])
	funcsRVA := binary.LittleEndian.Uint32(ed[28:])
	namesRVA := binary.LittleEndian.Uint32(ed[32:])
	ordsRVA := binary.LittleEndian.Uint32(ed[36:])

	names, err := readAt(namesRVA, int(numNames)*4)
	if err != nil {
		return nil, err
	}
	ords, err := readAt(ordsRVA, int(numNames)*2)
	if err != nil {
		return nil, err
	}

	out := make([]Export, 0, numNames)
	for i := uint32(0); i < numNames; i++ {
		nameRVA := binary.LittleEndian.Uint32(names[i*4:])
		name, err := cstringAt(nameRVA)
		if err != nil {
			continue
		}
		ord := binary.LittleEndian.Uint16(ords[i*2:])
		fn, err := readAt(funcsRVA+uint32(ord)*4, 4)
		if err != nil {
			continue
		}
		out = append(out, Export{Name: name, RVA: uint64(binary.LittleEndian.Uint32(fn))})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
