// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package resolve

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mbeema/shimmer/pkg/events"
	"github.com/mbeema/shimmer/pkg/image"
	"go.uber.org/zap"
)

// ErrSymbolNotFound means a name is absent from the image's export table.
var ErrSymbolNotFound = errors.New("symbol not found")

// Symbol is a resolved interception target. Unverified marks offset-based
// resolutions: the address is pure arithmetic on the image base and was
// never checked against actual function boundaries. The caller owns the
// calling-convention risk.
type Symbol struct {
	Key        Key
	Addr       uintptr
	Signature  string
	Unverified bool
}

// Resolver resolves names and offsets against one loaded image.
// Successful resolutions are cached; failures never are, so re-resolution
// with a corrected name is idempotent.
type Resolver struct {
	img    image.Image
	sink   events.Sink
	logger *zap.Logger

	mu     sync.Mutex
	cache  map[Key]Symbol
	warned map[uintptr]bool // one unverified-offset caveat per distinct offset
}

// New creates a resolver over a loaded image. sink may be nil.
func New(img image.Image, sink events.Sink, logger *zap.Logger) *Resolver {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Resolver{
		img:    img,
		sink:   sink,
		logger: logger,
		cache:  make(map[Key]Symbol),
		warned: make(map[uintptr]bool),
	}
}

// Image returns the image this resolver resolves against.
func (r *Resolver) Image() image.Image { return r.img }

// ByName resolves an exported symbol by name. Fails cleanly with
// ErrSymbolNotFound when the export table has no such name.
func (r *Resolver) ByName(name, signature string) (Symbol, error) {
	key := ByName(name)

	r.mu.Lock()
	if sym, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return sym, nil
	}
	r.mu.Unlock()

	addr, err := r.img.Lookup(name)
	if err != nil {
		r.logger.Warn("symbol resolution failed",
			zap.String("symbol", name),
			zap.String("image", r.img.Path()),
			zap.Error(err),
		)
		r.sink.Emit(events.Now(events.Event{
			Type:   events.TypeSymbolResolveFailed,
			Image:  r.img.Path(),
			Symbol: key.String(),
			Err:    err.Error(),
		}))
		return Symbol{}, fmt.Errorf("resolve %s in %s: %w", name, r.img.Path(), ErrSymbolNotFound)
	}

	sym := Symbol{Key: key, Addr: addr, Signature: signature}
	r.mu.Lock()
	r.cache[key] = sym
	r.mu.Unlock()
	return sym, nil
}

// ByOffset resolves a base-relative offset. Always succeeds syntactically;
// the result carries the unverified marker and a one-time caveat is
// logged per distinct offset.
func (r *Resolver) ByOffset(offset uintptr, signature string) Symbol {
	key := ByOffset(offset)
	sym := Symbol{
		Key:        key,
		Addr:       r.img.Base() + offset,
		Signature:  signature,
		Unverified: true,
	}

	r.mu.Lock()
	first := !r.warned[offset]
	r.warned[offset] = true
	r.cache[key] = sym
	r.mu.Unlock()

	if first {
		r.logger.Warn("offset resolution is unverified; an incorrect offset is undefined behavior",
			zap.String("symbol", key.String()),
			zap.String("image", r.img.Path()),
			zap.Uint64("base", uint64(r.img.Base())),
		)
		r.sink.Emit(events.Now(events.Event{
			Type:   events.TypeUnverifiedOffset,
			Image:  r.img.Path(),
			Symbol: key.String(),
		}))
	}
	return sym
}

// ByKey resolves either key form.
func (r *Resolver) ByKey(key Key, signature string) (Symbol, error) {
	if name, ok := key.Name(); ok {
		return r.ByName(name, signature)
	}
	offset, _ := key.Offset()
	return r.ByOffset(offset, signature), nil
}
