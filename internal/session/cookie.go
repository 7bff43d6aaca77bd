package session

import (
	"net/http"
	"time"
)

// CookieName carries the session token for browser clients that cannot set
// an Authorization header (WebSocket upgrades).
const CookieName = "__Host-cadence"

// CookieOptions defines how token cookies are issued.
type CookieOptions struct {
	Secure   bool
	SameSite http.SameSite
}

func (o CookieOptions) sameSite() http.SameSite {
	if o.SameSite == 0 {
		return http.SameSiteStrictMode
	}
	return o.SameSite
}

// SetCookie issues the token cookie, expiring with the session.
func SetCookie(w http.ResponseWriter, s *Session, opts CookieOptions) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    s.Token,
		Path:     "/", // required for __Host-
		Expires:  s.ExpiresAt,
		HttpOnly: true,
		Secure:   opts.Secure,
		SameSite: opts.sameSite(),
	})
}

// ClearCookie removes the token cookie from the client.
func ClearCookie(w http.ResponseWriter, opts CookieOptions) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   opts.Secure,
		SameSite: opts.sameSite(),
	})
}
