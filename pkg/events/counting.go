// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package events

import (
	"sync"
)

// CountingSink tallies events by type. Used by the diagnostics server for
// self-monitoring counters and by tests to assert emission counts.
type CountingSink struct {
	mu     sync.Mutex
	counts map[Type]int64
}

// NewCountingSink creates an empty counting sink.
func NewCountingSink() *CountingSink {
	return &CountingSink{counts: make(map[Type]int64)}
}

func (c *CountingSink) Emit(ev Event) {
	c.mu.Lock()
	c.counts[ev.Type]++
	c.mu.Unlock()
}

// Count returns the number of events seen for a type.
func (c *CountingSink) Count(t Type) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[t]
}

// Totals returns a copy of all counters.
func (c *CountingSink) Totals() map[Type]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[Type]int64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}
