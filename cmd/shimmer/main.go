// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// The shimmer shared library. Build with `-buildmode=c-shared`, name the
// artifact after the library being impersonated, and rename the real one
// with the _original suffix. The host runtime drives ShimMain exactly as
// it would drive the original's entry point.
package main

/*
#include <stdint.h>
*/
import "C"

import (
	"sync"

	"github.com/mbeema/shimmer/pkg/resolve"
	"github.com/mbeema/shimmer/pkg/shim"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	initOnce sync.Once
	instance *shim.Shim
	initErr  error
)

func get() (*shim.Shim, error) {
	initOnce.Do(func() {
		shim.Version = version
		instance, initErr = shim.Default()
	})
	return instance, initErr
}

// ShimMain is the proxy's life-cycle entry point, numbered the way
// DllMain reasons are: 0 detach, 1 attach, 2 thread-attach, 3
// thread-detach. Returns 1 when the event was handled and the original
// consented, 0 otherwise. A 0 on attach makes the loader abort the load,
// which is the correct failure mode when the original cannot be found.
//
//export ShimMain
func ShimMain(event C.uint32_t, reserved C.uintptr_t) C.int32_t {
	s, err := get()
	if err != nil {
		// No logger exists yet when config discovery itself failed.
		return 0
	}
	if s.HandleEvent(uint32(event), uintptr(reserved)) {
		return 1
	}
	return 0
}

// ShimForwardNamed forwards one call to an exported function of the
// original by name, through the hook protocol. Generated per-export
// forwarder stubs funnel through this.
//
//export ShimForwardNamed
func ShimForwardNamed(name *C.char, a, b, c, d C.uint64_t) C.uint64_t {
	s, err := get()
	if err != nil {
		return 0
	}
	key := resolve.ByName(C.GoString(name))
	out := s.Invoke(key, uintptr(a), uintptr(b), uintptr(c), uintptr(d))
	return C.uint64_t(out.Value)
}

// ShimForwardOffset forwards one call to a function at a raw base-relative
// offset in the original.
//
//export ShimForwardOffset
func ShimForwardOffset(offset C.uintptr_t, a, b, c, d C.uint64_t) C.uint64_t {
	s, err := get()
	if err != nil {
		return 0
	}
	key := resolve.ByOffset(uintptr(offset))
	out := s.Invoke(key, uintptr(a), uintptr(b), uintptr(c), uintptr(d))
	return C.uint64_t(out.Value)
}

func main() {}
