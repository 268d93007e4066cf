package httpserver

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// wsAuthOK accepts ?password=, X-Auth-Token or an Authorization bearer token.
// An empty expected password disables the check.
func wsAuthOK(r *http.Request, expected string) bool {
	if expected == "" {
		return true
	}
	if r == nil {
		return false
	}
	if q := r.URL.Query().Get("password"); q != "" && equal(q, expected) {
		return true
	}
	if tok := r.Header.Get("X-Auth-Token"); tok != "" && equal(tok, expected) {
		return true
	}
	ah := r.Header.Get("Authorization")
	if len(ah) > len("bearer ") && strings.EqualFold(ah[:len("bearer ")], "bearer ") {
		return equal(strings.TrimSpace(ah[len("bearer "):]), expected)
	}
	return false
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// requirePassword rejects requests that fail wsAuthOK before the socket is upgraded.
func requirePassword(password string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !wsAuthOK(c.Request(), password) {
				return c.String(http.StatusUnauthorized, "unauthorized")
			}
			return next(c)
		}
	}
}
