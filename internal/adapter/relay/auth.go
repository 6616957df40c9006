package relay

import (
	"crypto/subtle"

	"canvaslink/internal/domain"
	"canvaslink/internal/infra/config"
)

// PeerInfo holds metadata about an authenticated peer.
type PeerInfo struct {
	Name  string
	Roles []string
}

// Authenticator validates incoming relay connections.
type Authenticator interface {
	Authenticate(token string) (*PeerInfo, error)
}

// NoAuth admits every connection. Used when relay.auth.type is "none".
type NoAuth struct{}

// Authenticate always succeeds with an anonymous peer.
func (NoAuth) Authenticate(string) (*PeerInfo, error) {
	return &PeerInfo{Name: "anonymous"}, nil
}

type authEntry struct {
	token []byte
	info  PeerInfo
}

// StaticTokenAuth authenticates peers against a static token list
// using constant-time comparison to prevent timing attacks.
type StaticTokenAuth struct {
	entries []authEntry
}

// NewStaticTokenAuth builds an authenticator from configured tokens.
func NewStaticTokenAuth(tokens []config.TokenConfig) *StaticTokenAuth {
	a := &StaticTokenAuth{entries: make([]authEntry, len(tokens))}
	for i, t := range tokens {
		a.entries[i] = authEntry{
			token: []byte(t.Token),
			info:  PeerInfo{Name: t.Name, Roles: t.Roles},
		}
	}
	return a
}

// Authenticate returns peer info if the token matches a configured entry.
func (s *StaticTokenAuth) Authenticate(token string) (*PeerInfo, error) {
	tokenBytes := []byte(token)
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare(tokenBytes, e.token) == 1 {
			info := e.info
			return &info, nil
		}
	}
	return nil, domain.ErrAuthFailed
}

// AuthFromConfig selects the authenticator for the configured auth type.
func AuthFromConfig(cfg config.AuthConfig) Authenticator {
	if cfg.Type == "static" {
		return NewStaticTokenAuth(cfg.Tokens)
	}
	return NoAuth{}
}
