// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package logpipe

import (
	"context"
	"log/slog"
	"time"
)

// Handler is an [slog.Handler] that writes through a Pipeline.
type Handler struct {
	pipeline *Pipeline
	level    slog.Leveler
	groups   []string
}

// NewHandler returns a Handler for pipeline admitting records at or
// above level. A nil level admits everything; destinations still
// apply their own filters.
func NewHandler(pipeline *Pipeline, level slog.Leveler) *Handler {
	if level == nil {
		level = slog.LevelDebug
	}
	return &Handler{pipeline: pipeline, level: level}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *Handler) Handle(ctx context.Context, record slog.Record) error {
	metadata := make(map[string]any, record.NumAttrs())
	record.Attrs(func(attr slog.Attr) bool {
		h.addAttr(metadata, attr)
		return true
	})
	h.pipeline.Log(ctx, FromSlog(record.Level), record.Message, metadata)
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	fields := make(map[string]any, len(attrs))
	for _, attr := range attrs {
		h.addAttr(fields, attr)
	}
	return &Handler{pipeline: h.pipeline.Child(fields), level: h.level, groups: h.groups}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	groups := append(append([]string(nil), h.groups...), name)
	return &Handler{pipeline: h.pipeline, level: h.level, groups: groups}
}

func (h *Handler) addAttr(fields map[string]any, attr slog.Attr) {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return
	}
	key := attr.Key
	for index := len(h.groups) - 1; index >= 0; index-- {
		key = h.groups[index] + "." + key
	}
	if attr.Value.Kind() == slog.KindGroup {
		group := attr.Value.Group()
		if attr.Key == "" {
			for _, inner := range group {
				h.addAttr(fields, inner)
			}
			return
		}
		nested := make(map[string]any, len(group))
		for _, inner := range group {
			nested[inner.Key] = attrValue(inner.Value)
		}
		fields[key] = nested
		return
	}
	fields[key] = attrValue(attr.Value)
}

func attrValue(value slog.Value) any {
	value = value.Resolve()
	switch value.Kind() {
	case slog.KindString:
		return value.String()
	case slog.KindInt64:
		return value.Int64()
	case slog.KindUint64:
		return value.Uint64()
	case slog.KindFloat64:
		return value.Float64()
	case slog.KindBool:
		return value.Bool()
	case slog.KindDuration:
		return value.Duration().String()
	case slog.KindTime:
		return value.Time().Format(time.RFC3339Nano)
	case slog.KindGroup:
		nested := make(map[string]any)
		for _, inner := range value.Group() {
			nested[inner.Key] = attrValue(inner.Value)
		}
		return nested
	default:
		if err, ok := value.Any().(error); ok {
			return err.Error()
		}
		return value.Any()
	}
}
