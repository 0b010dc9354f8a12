// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package image

import (
	"fmt"
	"sync"
)

// fakeBase is an arbitrary synthetic base address. High enough that
// offsets never collide with real pointers handed around in tests.
const fakeBase uintptr = 0x7f0000000000

// FakeFunc is a pure-Go stand-in for a native function.
type FakeFunc func(args ...uintptr) uintptr

// Fake is an in-memory image: a symbol table of Go functions at synthetic
// offsets. It backs unit tests and shimctl's dry-run mode, where hook
// plans are validated without a live OS loader.
type Fake struct {
	path string

	mu     sync.Mutex
	funcs  map[uintptr]FakeFunc // absolute address -> function
	names  map[string]uintptr   // export name -> absolute address
	calls  map[uintptr]int
	closed bool
}

// NewFake creates an empty fake image.
func NewFake(path string) *Fake {
	return &Fake{
		path:  path,
		funcs: make(map[uintptr]FakeFunc),
		names: make(map[string]uintptr),
		calls: make(map[uintptr]int),
	}
}

// AddExport registers fn as an exported symbol at base+offset.
func (f *Fake) AddExport(name string, offset uintptr, fn FakeFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	addr := fakeBase + offset
	f.funcs[addr] = fn
	f.names[name] = addr
}

// AddInternal registers fn at base+offset without an export-table name,
// mimicking a function only reachable by offset.
func (f *Fake) AddInternal(offset uintptr, fn FakeFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.funcs[fakeBase+offset] = fn
}

func (f *Fake) Path() string    { return f.path }
func (f *Fake) Handle() uintptr { return fakeBase }
func (f *Fake) Base() uintptr   { return fakeBase }

func (f *Fake) Lookup(name string) (uintptr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	addr, ok := f.names[name]
	if !ok {
		return 0, fmt.Errorf("no export %q in fake image", name)
	}
	return addr, nil
}

func (f *Fake) Proc(addr uintptr) Proc {
	return &fakeProc{img: f, addr: addr}
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Calls returns how many times the function at base+offset was invoked.
func (f *Fake) Calls(offset uintptr) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[fakeBase+offset]
}

type fakeProc struct {
	img  *Fake
	addr uintptr
}

func (p *fakeProc) Addr() uintptr { return p.addr }

func (p *fakeProc) Call(args ...uintptr) (uintptr, error) {
	p.img.mu.Lock()
	if p.img.closed {
		p.img.mu.Unlock()
		return 0, fmt.Errorf("fake image %s is closed", p.img.path)
	}
	fn, ok := p.img.funcs[p.addr]
	if !ok {
		p.img.mu.Unlock()
		return 0, fmt.Errorf("no function at %#x in fake image", p.addr)
	}
	p.img.calls[p.addr]++
	p.img.mu.Unlock()

	return fn(args...), nil
}
