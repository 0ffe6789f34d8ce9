package controller

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/watchwithmi/server/pkg/ctxlogger"
)

// requestId tags the request context so every log line produced while
// handling it carries the same id.
func (c *controller) requestId(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := ctxlogger.AppendCtx(r.Context(), slog.String("request_id", uuid.NewString()))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
