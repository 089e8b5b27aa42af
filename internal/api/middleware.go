package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"options-gateway/internal/config"
	"options-gateway/internal/hub"
)

type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeyIdentity
)

// RequestID returns the id assigned to this request.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

func identityFrom(ctx context.Context) (hub.Identity, bool) {
	id, ok := ctx.Value(ctxKeyIdentity).(hub.Identity)
	return id, ok
}

// requestID assigns every request an id, honoring one supplied by the
// caller so traces can span services.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, id)))
	})
}

// httpsRedirect sends plain-HTTP traffic to HTTPS outside development.
// Health and metrics stay reachable over HTTP for load balancers.
func (s *Server) httpsRedirect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.env == config.EnvDevelopment || r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		if r.TLS == nil && !strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
			http.Redirect(w, r, "https://"+r.Host+r.URL.RequestURI(), http.StatusMovedPermanently)
			return
		}
		next.ServeHTTP(w, r)
	})
}

const (
	corsMethods = "GET, POST, PUT, DELETE, OPTIONS"
	corsHeaders = "Authorization, Content-Type, X-Request-ID"
)

// cors answers preflights and sets response headers for allowed
// origins. Outside development the origin list is a closed set of
// https:// values; wildcards are never emitted.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", corsMethods)
			w.Header().Set("Access-Control-Allow-Headers", corsHeaders)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	if s.env == config.EnvDevelopment {
		return true
	}
	for _, allowed := range s.allowOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// authed requires a valid bearer identity token.
func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" || raw == r.Header.Get("Authorization") {
			s.writeError(w, r, http.StatusUnauthorized, "auth_error", "missing bearer token")
			return
		}
		ident, err := s.verifier.Verify(raw)
		if err != nil {
			s.writeError(w, r, http.StatusUnauthorized, "auth_error", "invalid token")
			return
		}
		if s.revoked != nil && s.revoked.IsRevoked(ident.TokenHash) {
			s.writeError(w, r, http.StatusUnauthorized, "auth_error", "token revoked")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKeyIdentity, ident)))
	}
}

// admin requires the admin role on top of authed.
func (s *Server) admin(next http.HandlerFunc) http.HandlerFunc {
	return s.authed(func(w http.ResponseWriter, r *http.Request) {
		ident, ok := identityFrom(r.Context())
		if !ok || ident.Role != "admin" {
			s.writeError(w, r, http.StatusForbidden, "auth_error", "admin role required")
			return
		}
		next(w, r)
	})
}

type errorBody struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// writeError emits the typed error envelope. In production 5xx detail
// collapses to a generic message; 4xx stays typed everywhere.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, errType, msg string) {
	body := errorBody{Type: errType, Message: msg, RequestID: RequestID(r.Context())}
	if status >= 500 && s.env != config.EnvDevelopment {
		body.Type = "InternalServerError"
		body.Message = "internal server error"
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
