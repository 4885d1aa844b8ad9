package logging

import (
	"context"
	"log/slog"
	"strings"
)

// filterHandler applies the global level, or a per-component override when
// the record's logger was scoped with WithComponent.
type filterHandler struct {
	inner     slog.Handler
	level     *slog.LevelVar
	filters   map[string]Level
	component string
}

func (h *filterHandler) threshold() Level {
	if h.component != "" {
		if lvl, ok := h.filters[h.component]; ok {
			return lvl
		}
	}
	return h.level.Level()
}

func (h *filterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.threshold()
}

func (h *filterHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.inner.Handle(ctx, r)
}

func (h *filterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	component := h.component
	for _, a := range attrs {
		if a.Key == componentKey {
			component = strings.ToLower(a.Value.String())
		}
	}
	return &filterHandler{
		inner:     h.inner.WithAttrs(attrs),
		level:     h.level,
		filters:   h.filters,
		component: component,
	}
}

func (h *filterHandler) WithGroup(name string) slog.Handler {
	return &filterHandler{
		inner:     h.inner.WithGroup(name),
		level:     h.level,
		filters:   h.filters,
		component: h.component,
	}
}
