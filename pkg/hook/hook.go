// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package hook is the authoring surface for operator-supplied hooks. A
// pre-hook may veto forwarding and supply the final result; a post-hook
// may override the result after the original ran. Hooks run synchronously
// on the caller's execution unit; a hook that needs bounded latency must
// self-enforce it.
package hook

import (
	"github.com/mbeema/shimmer/pkg/resolve"
)

// Event is a module life-cycle event code. The numbering is the host
// runtime's (DllMain reason values).
type Event uint32

const (
	ProcessDetach Event = 0
	ProcessAttach Event = 1
	ThreadAttach  Event = 2
	ThreadDetach  Event = 3

	// EventNone marks a plain function interception that is not tied to
	// a life-cycle transition.
	EventNone Event = 0xffffffff
)

func (e Event) String() string {
	switch e {
	case ProcessDetach:
		return "process-detach"
	case ProcessAttach:
		return "process-attach"
	case ThreadAttach:
		return "thread-attach"
	case ThreadDetach:
		return "thread-detach"
	case EventNone:
		return "none"
	default:
		return "unknown"
	}
}

// Call describes one intercepted invocation: the life-cycle event
// (EventNone for plain function interceptions), the hook key, and the raw
// argument words exactly as they will be passed to the original.
type Call struct {
	Event Event
	Key   resolve.Key
	Args  []uintptr
}

// PreFunc runs before the original. Returning veto=true supplies the
// final result and skips forwarding; veto=false defers to default
// forwarding behavior.
type PreFunc func(c *Call) (value uintptr, veto bool)

// PostFunc runs after forwarding with the current result (the original's,
// or the pre-hook's veto value when forwarding was skipped). Returning
// override=true replaces the final result.
type PostFunc func(c *Call, result uintptr) (value uintptr, override bool)
