package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"cadence-service/internal/logger"
	"cadence-service/internal/session"
)

// unexported, collision-proof context keys
type sessionContextKeyType struct{}
type originContextKeyType struct{}

var (
	sessionKey = sessionContextKeyType{}
	originKey  = originContextKeyType{}
)

// SessionFromContext extracts the authenticated session from context.
func SessionFromContext(ctx context.Context) (*session.Session, bool) {
	s, ok := ctx.Value(sessionKey).(*session.Session)
	return s, ok && s != nil
}

// WithSession attaches s to ctx.
func WithSession(ctx context.Context, s *session.Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

// WithOrigin records the client origin resolved by the router, which knows
// about trusted proxies.
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originKey, origin)
}

// Validator resolves a bearer token to an active session.
type Validator interface {
	Validate(ctx context.Context, token, origin string) (*session.Session, error)
}

type AuthMiddleware struct {
	Validator Validator
}

func NewAuthMiddleware(v Validator) *AuthMiddleware {
	return &AuthMiddleware{Validator: v}
}

func (a *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 1. Token from header, cookie or query
		token := TokenFromRequest(r)

		// 2. Validate against the session authority
		sess, err := a.Validator.Validate(r.Context(), token, Origin(r))
		if err != nil {
			WriteAuthError(w, err)
			return
		}

		// 3. Attach session to context and continue
		next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), sess)))
	})
}

// TokenFromRequest reads the session token from the Authorization bearer
// header, then the session cookie, then the "token" query parameter. The
// last two serve browser WebSocket clients, which cannot set headers.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
	}
	if c, err := r.Cookie(session.CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	return r.URL.Query().Get("token")
}

// Origin returns the client origin recorded by WithOrigin, or the remote
// address host.
func Origin(r *http.Request) string {
	if o, ok := r.Context().Value(originKey).(string); ok && o != "" {
		return o
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// WriteAuthError answers 401 with the bare error code for authentication
// failures, and 503 when the session store could not be consulted.
func WriteAuthError(w http.ResponseWriter, err error) {
	status, code := AuthStatus(err)
	if status != http.StatusUnauthorized {
		logger.Error("session validation failed", map[string]any{"error": err})
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}

// AuthStatus maps a validation error to its HTTP status and error code.
func AuthStatus(err error) (int, string) {
	for _, sentinel := range []error{
		session.ErrNoToken,
		session.ErrInvalidSession,
		session.ErrSecurityViolation,
	} {
		if errors.Is(err, sentinel) {
			return http.StatusUnauthorized, sentinel.Error()
		}
	}
	return http.StatusServiceUnavailable, "service_unavailable"
}
