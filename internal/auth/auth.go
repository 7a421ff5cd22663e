// Package auth defines the broker's identity/authorization boundary.
//
// Device and client credentials are opaque bearer tokens; the broker only
// needs two capabilities from the identity service: mapping a device token to
// the device it belongs to, and deciding whether a client identity may reach
// a given device. Token verification internals live behind Identity.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrUnauthorized       = errors.New("auth: unauthorized")
	ErrMissingCredentials = errors.New("auth: missing credentials")
)

type Identity interface {
	// DeviceIDForToken resolves a device bearer token to the device it was
	// issued for. Returns ErrUnauthorized for unknown tokens.
	DeviceIDForToken(ctx context.Context, token string) (string, error)

	// AuthorizeClient reports whether the holder of identityToken may open a
	// signaling exchange with deviceID. Returns ErrUnauthorized when not.
	AuthorizeClient(ctx context.Context, identityToken, deviceID string) error
}

// BearerToken extracts a credential from an Authorization: Bearer header,
// falling back to the `token` query parameter for WebSocket dialers that
// cannot set headers.
func BearerToken(r *http.Request) (string, error) {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		const prefix = "Bearer "
		if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
			return strings.TrimSpace(h[len(prefix):]), nil
		}
		return "", ErrMissingCredentials
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, nil
	}
	return "", ErrMissingCredentials
}
