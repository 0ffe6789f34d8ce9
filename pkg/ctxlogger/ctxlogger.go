// Package ctxlogger carries slog attributes inside a context so that
// request-scoped fields (request id, room id) show up on every log line
// without threading a logger through each call.
package ctxlogger

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

type ContextHandler struct {
	slog.Handler
}

func (h ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if attrs, ok := ctx.Value(ctxKey{}).([]slog.Attr); ok {
		for _, attr := range attrs {
			r.AddAttrs(attr)
		}
	}

	return h.Handler.Handle(ctx, r)
}

func AppendCtx(parent context.Context, attr slog.Attr) context.Context {
	if parent == nil {
		parent = context.Background()
	}

	if attrs, ok := parent.Value(ctxKey{}).([]slog.Attr); ok {
		next := make([]slog.Attr, 0, len(attrs)+1)
		next = append(next, attrs...)
		next = append(next, attr)
		return context.WithValue(parent, ctxKey{}, next)
	}

	return context.WithValue(parent, ctxKey{}, []slog.Attr{attr})
}
