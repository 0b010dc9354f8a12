// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package events

import (
	"go.uber.org/zap"
)

// ZapSink renders events as structured log lines on a zap logger. This is
// the append-only textual stream the proxy is required to keep: load
// success/failure, resolution failures, hook registration, and every
// dispatch outcome land here.
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink creates a sink that writes to the given logger.
func NewZapSink(logger *zap.Logger) *ZapSink {
	return &ZapSink{logger: logger}
}

func (s *ZapSink) Emit(ev Event) {
	fields := make([]zap.Field, 0, 5)
	if ev.Image != "" {
		fields = append(fields, zap.String("image", ev.Image))
	}
	if ev.Symbol != "" {
		fields = append(fields, zap.String("symbol", ev.Symbol))
	}
	if ev.Lifecycle != "" {
		fields = append(fields, zap.String("lifecycle", ev.Lifecycle))
	}
	if ev.Type == TypeDispatchForwarded || ev.Type == TypeDispatchOverridden {
		fields = append(fields, zap.Uint64("value", ev.Value))
	}
	if ev.Err != "" {
		fields = append(fields, zap.String("error", ev.Err))
	}

	switch ev.Type {
	case TypeImageLoadFailed, TypeDispatchFailed:
		s.logger.Error(string(ev.Type), fields...)
	case TypeSymbolResolveFailed, TypeUnverifiedOffset, TypeHookReplaced, TypeImageChanged:
		s.logger.Warn(string(ev.Type), fields...)
	default:
		s.logger.Info(string(ev.Type), fields...)
	}
}
