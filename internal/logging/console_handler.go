package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ConsoleHandler is a slog.Handler that writes logs in a human-readable format:
//
//	2025-06-15T12:00:00Z outpost[1234]: [info] driver: Message key=value
type ConsoleHandler struct {
	opts  slog.HandlerOptions
	out   io.Writer
	mu    *sync.Mutex
	attrs []slog.Attr
}

var (
	processPrefix   = "outpost"
	processPrefixMu sync.RWMutex
)

// SetPrefix sets the process name printed in front of every line.
// Guest units use it to tell their output apart from the requestor's.
func SetPrefix(prefix string) {
	processPrefixMu.Lock()
	defer processPrefixMu.Unlock()
	processPrefix = prefix
}

// GetPrefix returns the current process prefix.
func GetPrefix() string {
	processPrefixMu.RLock()
	defer processPrefixMu.RUnlock()
	return processPrefix
}

// NewConsoleHandler creates a new ConsoleHandler.
func NewConsoleHandler(out io.Writer, opts *slog.HandlerOptions) *ConsoleHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &ConsoleHandler{
		out:  out,
		opts: *opts,
		mu:   &sync.Mutex{},
	}
}

// Enabled reports whether the handler is enabled for this level.
func (h *ConsoleHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.opts.Level == nil {
		return level >= slog.LevelInfo
	}
	return level >= h.opts.Level.Level()
}

// Handle formats r as a single line and writes it under the shared lock.
func (h *ConsoleHandler) Handle(ctx context.Context, r slog.Record) error {
	t := r.Time
	if t.IsZero() {
		t = time.Now()
	}
	name := strings.ToLower(GetPrefix())
	if name == "" {
		name = "outpost"
	}

	line := make([]byte, 0, 256)
	line = t.AppendFormat(line, time.RFC3339)
	line = fmt.Appendf(line, " %s[%d]: [%s] ", name, os.Getpid(), strings.ToLower(r.Level.String()))

	if component := h.component(r); component != "" {
		line = append(line, component...)
		line = append(line, ": "...)
	}
	line = append(line, r.Message...)

	for _, a := range h.attrs {
		line = appendAttr(line, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		line = appendAttr(line, a)
		return true
	})
	line = append(line, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.out.Write(line)
	return err
}

// component returns the lowercased component tag, preferring one set on
// the record over one bound with WithAttrs.
func (h *ConsoleHandler) component(r slog.Record) string {
	var component string
	for _, a := range h.attrs {
		if a.Key == componentKey {
			component = a.Value.String()
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == componentKey {
			component = a.Value.String()
			return false
		}
		return true
	})
	return strings.ToLower(component)
}

// appendAttr writes " key=value", quoting values that are empty or contain
// whitespace. The component tag is printed as a prefix instead.
func appendAttr(line []byte, a slog.Attr) []byte {
	if a.Key == componentKey {
		return line
	}
	line = append(line, ' ')
	line = append(line, a.Key...)
	line = append(line, '=')
	val := a.Value.String()
	if val == "" || strings.ContainsAny(val, " \t\n\"") {
		return strconv.AppendQuote(line, val)
	}
	return append(line, val...)
}

// WithAttrs returns a handler that prints attrs on every line. The copy
// shares the writer lock with h.
func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(slices.Clip(h.attrs), attrs...)
	return &clone
}

// WithGroup is a no-op; console output is flat.
func (h *ConsoleHandler) WithGroup(name string) slog.Handler {
	return h
}
