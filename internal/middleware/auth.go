package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"lcc-server/internal/domain"
)

// SessionTokenHeader carries the session token of anonymous callers.
const SessionTokenHeader = "X-Session-Token"

// Identity resolves the caller of every request and stores it in the
// context. Requests without a bearer token run as the anonymous user with
// the session token from SessionTokenHeader; an invalid token is a 401.
// A nil validator treats every request as anonymous.
func Identity(validator TokenValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := domain.AnonymousCaller(r.Header.Get(SessionTokenHeader))

			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") && validator != nil {
				claims, err := validator.Validate(r.Context(), strings.TrimPrefix(auth, "Bearer "))
				if err != nil {
					logger.Debug("bearer token rejected", "error", err, "request_id", RequestIDFromContext(r.Context()))
					writeUnauthorized(w, r)
					return
				}
				caller = claims.Caller()
			}

			next.ServeHTTP(w, r.WithContext(domain.WithCaller(r.Context(), caller)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request) {
	writeRejection(w, r, http.StatusUnauthorized, "unauthorized: invalid bearer token")
}

// writeRejection writes the JSON error body of a request refused before it
// reached a handler. It carries the request id so a report can be matched
// to the access log.
func writeRejection(w http.ResponseWriter, r *http.Request, code int, msg string) {
	body := map[string]interface{}{"code": code, "message": msg}
	if id := RequestIDFromContext(r.Context()); id != "" {
		body["request_id"] = id
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
