package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"cadence-service/internal/session"
)

const sessionGinKey = "session"

// GinRequireAuth adapts the net/http AuthMiddleware to Gin. The client
// origin is resolved by Gin (trusted proxies) before validation.
func GinRequireAuth(auth *AuthMiddleware) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(WithOrigin(c.Request.Context(), c.ClientIP()))

		// Bridge handler to allow net/http middleware execution
		next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c.Request = r
			if s, ok := SessionFromContext(r.Context()); ok {
				c.Set(sessionGinKey, s)
			}
			c.Next()
		})

		// Wrap Gin request with net/http auth middleware
		handler := auth.RequireAuth(next)

		// Execute middleware chain
		handler.ServeHTTP(c.Writer, c.Request)

		// If auth middleware already handled the response, stop Gin chain
		if c.Writer.Written() {
			c.Abort()
			return
		}
	}
}

// CurrentSession returns the session attached by GinRequireAuth.
func CurrentSession(c *gin.Context) (*session.Session, bool) {
	v, ok := c.Get(sessionGinKey)
	if !ok {
		return nil, false
	}
	s, ok := v.(*session.Session)
	return s, ok && s != nil
}
