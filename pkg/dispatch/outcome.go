// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package dispatch

// Disposition classifies how a dispatch concluded.
type Disposition int

const (
	// DispositionForwarded means the original ran and its result was
	// returned unchanged.
	DispositionForwarded Disposition = iota
	// DispositionOverridden means a hook supplied the final result,
	// either by pre-hook veto or post-hook override.
	DispositionOverridden
	// DispositionFailed means the dispatch could not complete.
	DispositionFailed
)

func (d Disposition) String() string {
	switch d {
	case DispositionForwarded:
		return "forwarded"
	case DispositionOverridden:
		return "overridden"
	case DispositionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the tagged result of one dispatch.
type Outcome struct {
	Disposition Disposition
	Value       uintptr
	Err         error
}

// Forwarded builds a forwarded outcome.
func Forwarded(value uintptr) Outcome {
	return Outcome{Disposition: DispositionForwarded, Value: value}
}

// Overridden builds an overridden outcome.
func Overridden(value uintptr) Outcome {
	return Outcome{Disposition: DispositionOverridden, Value: value}
}

// Failed builds a failed outcome.
func Failed(err error) Outcome {
	return Outcome{Disposition: DispositionFailed, Err: err}
}

// OK reports whether the dispatch completed (forwarded or overridden).
func (o Outcome) OK() bool {
	return o.Disposition != DispositionFailed
}
