package httpapi

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"

	"github.com/pellenbrig/aegis/internal/apperr"
)

// respondJSON writes v with the given status. Encoding failures are logged;
// the status line is already on the wire by then.
func respondJSON(w http.ResponseWriter, log *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("response_encode_failed", slog.String("error", err.Error()))
	}
}

// respondError maps an application error onto the wire as
// {"error", "code", "details"}. Untyped errors become a generic 500; those
// are logged with their cause and reported to Sentry, never sent to the
// client.
func respondError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	ae := apperr.As(err)
	if ae == nil {
		ae = apperr.Internal(err)
	}
	if ae.HTTPStatus >= http.StatusInternalServerError {
		log.Error("request_failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
			hub.CaptureException(err)
		}
	}
	body := map[string]any{"error": ae.Message, "code": ae.Code}
	if len(ae.Details) > 0 {
		body["details"] = ae.Details
	}
	respondJSON(w, log, ae.HTTPStatus, body)
}

// decodeJSON strictly decodes the request body. Unknown fields are rejected
// so clients cannot smuggle extra state past validation.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.BadRequest("Invalid JSON: " + err.Error())
	}
	return nil
}

// clientIP extracts the client address, preferring the headers the ingress
// proxy sets over the raw peer address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for _, part := range strings.Split(fwd, ",") {
			if ip := net.ParseIP(strings.TrimSpace(part)); ip != nil {
				return ip.String()
			}
		}
	}
	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
		if ip := net.ParseIP(real); ip != nil {
			return ip.String()
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
