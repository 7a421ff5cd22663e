package auth

import (
	"context"
	"crypto/subtle"
)

// StaticIdentity authorizes against a fixed device-token table and a single
// client API key. It backs small/self-hosted deployments and tests; larger
// deployments plug in an Identity implementation that calls out to a real
// identity service.
type StaticIdentity struct {
	// DeviceTokens maps bearer token -> device ID.
	DeviceTokens map[string]string

	// ClientAPIKey authorizes clients for every device when non-empty.
	ClientAPIKey string

	// AllowAllClients skips the client check entirely (dev mode).
	AllowAllClients bool
}

func (s StaticIdentity) DeviceIDForToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrMissingCredentials
	}
	for candidate, deviceID := range s.DeviceTokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return deviceID, nil
		}
	}
	return "", ErrUnauthorized
}

func (s StaticIdentity) AuthorizeClient(ctx context.Context, identityToken, deviceID string) error {
	if s.AllowAllClients {
		return nil
	}
	if identityToken == "" {
		return ErrMissingCredentials
	}
	if s.ClientAPIKey == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.ClientAPIKey), []byte(identityToken)) != 1 {
		return ErrUnauthorized
	}
	return nil
}
