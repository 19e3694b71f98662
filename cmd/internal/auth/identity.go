// Package auth resolves the caller of a request to a chat identity.
package auth

import (
	"errors"
	"net/http"
	"strings"
)

var (
	// ErrUnauthenticated is returned when a request carries no valid credentials.
	ErrUnauthenticated = errors.New("auth: unauthenticated")

	// ErrConfig is returned for invalid resolver configuration.
	ErrConfig = errors.New("auth: invalid config")
)

// Identity is the authenticated caller. Display fields are copied into every
// message the caller writes.
type Identity struct {
	ID          string
	DisplayName string
	AvatarURL   string
}

// Resolver extracts the caller identity from a request.
// It returns ErrUnauthenticated when the request carries no usable credentials.
type Resolver interface {
	Resolve(r *http.Request) (Identity, error)
}

// BearerToken returns the token of an "Authorization: Bearer" header, falling back
// to the access_token query parameter (EventSource cannot set headers).
func BearerToken(r *http.Request) string {
	if tok := headerToken(r); tok != "" {
		return tok
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

func headerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
