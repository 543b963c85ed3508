package httpx

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/agrodist/salesops/internal/shared"
)

// IdempotencyHeader carries the client supplied request key.
const IdempotencyHeader = "Idempotency-Key"

// Idempotent rejects replays of a request carrying the same Idempotency-Key.
// Keys of failed requests are released so the client can retry. Requests
// without the header, or a nil store, pass through.
func Idempotent(store *shared.IdempotencyStore, module string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyHeader)
			if store == nil || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if err := store.CheckAndInsert(r.Context(), key, module); err != nil {
				RespondError(w, r, err)
				return
			}
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			if ww.Status() >= http.StatusBadRequest {
				if err := store.Delete(r.Context(), key, module); err != nil {
					slog.WarnContext(r.Context(), "idempotency key release failed", slog.String("module", module), slog.Any("error", err))
				}
			}
		})
	}
}
