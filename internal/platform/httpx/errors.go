package httpx

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/agrodist/salesops/internal/shared"
)

// ErrMalformedBody marks a request body that could not be decoded.
var ErrMalformedBody = shared.Validation("malformed_body", "request body is not valid JSON")

// StatusFor maps a domain error to an HTTP status code.
func StatusFor(err error) int {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return http.StatusUnprocessableEntity
	}
	kind, ok := shared.KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case shared.KindValidation:
		return http.StatusUnprocessableEntity
	case shared.KindNotFound:
		return http.StatusNotFound
	case shared.KindConflict, shared.KindExhausted:
		return http.StatusConflict
	case shared.KindExternal:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	code := shared.CodeOf(err)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		code = "invalid_request"
	}
	if status == http.StatusInternalServerError {
		slog.Default().ErrorContext(r.Context(), "request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		Problem(w, status, code, "Internal Error", "")
		return
	}
	if shared.IsRetryable(err) {
		w.Header().Set("Retry-After", "5")
	}
	Problem(w, status, code, http.StatusText(status), err.Error())
}
