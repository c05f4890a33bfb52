package secrets

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

const placeholder = "[redacted]"

// Redactor scrubs registered secret values from log output. Values can be
// added after the handler is wrapped, so resolution order does not matter.
type Redactor struct {
	mu     sync.RWMutex
	values []string
}

// NewRedactor creates an empty redactor.
func NewRedactor() *Redactor {
	return &Redactor{}
}

// Add registers a value to scrub. Empty values are ignored.
func (r *Redactor) Add(value string) {
	if value == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.values {
		if v == value {
			return
		}
	}
	r.values = append(r.values, value)
}

func (r *Redactor) clean(s string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range r.values {
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Wrap returns a handler that scrubs registered values from every record
// before passing it to inner.
func (r *Redactor) Wrap(inner slog.Handler) slog.Handler {
	return &redactHandler{redactor: r, inner: inner}
}

type redactHandler struct {
	redactor *Redactor
	inner    slog.Handler
}

func (h *redactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *redactHandler) Handle(ctx context.Context, record slog.Record) error {
	out := slog.NewRecord(record.Time, record.Level, h.redactor.clean(record.Message), record.PC)
	record.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.cleanAttr(a))
		return true
	})
	return h.inner.Handle(ctx, out)
}

func (h *redactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cleaned := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		cleaned[i] = h.cleanAttr(a)
	}
	return &redactHandler{redactor: h.redactor, inner: h.inner.WithAttrs(cleaned)}
}

func (h *redactHandler) WithGroup(name string) slog.Handler {
	return &redactHandler{redactor: h.redactor, inner: h.inner.WithGroup(name)}
}

func (h *redactHandler) cleanAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, h.redactor.clean(a.Value.String()))
	}
	return a
}
