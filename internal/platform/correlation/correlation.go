// Package correlation attaches log attributes to a context so every record
// logged for one HTTP request or WebSocket connection can be tied together.
package correlation

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

// Header carries a caller supplied correlation ID on HTTP requests.
const Header = "X-Correlation-ID"

const (
	idKey          = "correlation_id"
	maxInboundSize = 64
)

type attrsKey struct{}

// NewID returns a short random ID.
func NewID() string {
	return uuid.NewString()[:8]
}

// FromRequest returns the caller's correlation ID, or a fresh one when the
// header is missing or oversized.
func FromRequest(r *http.Request) string {
	id := r.Header.Get(Header)
	if id == "" || len(id) > maxInboundSize {
		return NewID()
	}
	return id
}

// With returns a context whose log records carry attrs on top of the ones
// ctx already carries.
func With(ctx context.Context, attrs ...slog.Attr) context.Context {
	existing := attrsOf(ctx)
	merged := make([]slog.Attr, 0, len(existing)+len(attrs))
	merged = append(merged, existing...)
	merged = append(merged, attrs...)
	return context.WithValue(ctx, attrsKey{}, merged)
}

func WithID(ctx context.Context, id string) context.Context {
	return With(ctx, slog.String(idKey, id))
}

// ID returns the most recently attached correlation ID.
func ID(ctx context.Context) (string, bool) {
	attrs := attrsOf(ctx)
	for i := len(attrs) - 1; i >= 0; i-- {
		if attrs[i].Key == idKey {
			id := attrs[i].Value.String()
			return id, id != ""
		}
	}
	return "", false
}

func attrsOf(ctx context.Context) []slog.Attr {
	attrs, _ := ctx.Value(attrsKey{}).([]slog.Attr)
	return attrs
}

// Handler adds the context's attributes to every record.
type Handler struct {
	slog.Handler
}

func NewHandler(inner slog.Handler) *Handler {
	return &Handler{Handler: inner}
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if attrs := attrsOf(ctx); len(attrs) > 0 {
		r.AddAttrs(attrs...)
	}
	return h.Handler.Handle(ctx, r)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{Handler: h.Handler.WithGroup(name)}
}
