package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/aegis-siem/aegis/internal/errors"
	"github.com/aegis-siem/aegis/internal/models"
)

// statusForKind maps the error taxonomy onto HTTP status codes. Transient
// and fatal failures both surface as a generic 500.
func statusForKind(k errors.Kind) int {
	switch k {
	case errors.KindValidation:
		return http.StatusBadRequest
	case errors.KindNotPermitted:
		return http.StatusForbidden
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON serialises v with the given status. A nil v sends headers only.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError converts a classified error into its status code and the
// uniform {"detail": ...} body. Server-side failures are logged in full
// and masked so internals never leak to callers.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForKind(errors.KindOf(err))
	detail := errors.Message(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("Request failed")
		detail = "internal server error"
	}
	writeJSON(w, status, models.ErrorResponse{Detail: detail})
}

func methodNotAllowed(w http.ResponseWriter) {
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}

// decodeJSON parses a request body into v.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Validation("api.decode", "invalid request body: %v", err)
	}
	return nil
}

// queryInt reads an integer query parameter, returning def when absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.Validation("api.query", "parameter %q must be a non-negative integer", name)
	}
	return n, nil
}

// queryTimeframe validates the timeframe keyword. Empty means the store
// default of 24h.
func queryTimeframe(r *http.Request) (string, error) {
	tf := r.URL.Query().Get("timeframe")
	switch tf {
	case "", "1h", "6h", "24h", "7d":
		return tf, nil
	}
	return "", errors.Validation("api.query", "unknown timeframe %q (want 1h, 6h, 24h, or 7d)", tf)
}

// pathTail returns the single path segment after prefix, or "" when the
// path has no tail or extra segments.
func pathTail(path, prefix string) string {
	rest := strings.TrimPrefix(path, prefix)
	if rest == path || rest == "" || strings.Contains(rest, "/") {
		return ""
	}
	return rest
}

// orEmptySlice keeps empty list responses as [] instead of null.
func orEmptySlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
