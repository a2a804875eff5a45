package control

import (
	"crypto/subtle"

	"astral-proxy/internal/domain"
	"astral-proxy/internal/infra/config"
)

// ClientInfo holds metadata about an authenticated control client.
type ClientInfo struct {
	Name   string
	ConnID string
}

// Authenticator validates incoming control connections.
type Authenticator interface {
	Authenticate(token string) (*ClientInfo, error)
}

type authEntry struct {
	token []byte
	name  string
}

// StaticTokenAuth authenticates clients against a static token list
// using constant-time comparison.
type StaticTokenAuth struct {
	entries []authEntry
}

// NewStaticTokenAuth builds an authenticator from configured tokens.
// Entries with an empty token are skipped.
func NewStaticTokenAuth(tokens []config.TokenConfig) *StaticTokenAuth {
	a := &StaticTokenAuth{}
	for _, t := range tokens {
		if t.Token == "" {
			continue
		}
		a.entries = append(a.entries, authEntry{token: []byte(t.Token), name: t.Name})
	}
	return a
}

// Authenticate returns client info if the token is valid. Each call returns
// a fresh ClientInfo.
func (s *StaticTokenAuth) Authenticate(token string) (*ClientInfo, error) {
	tokenBytes := []byte(token)
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare(tokenBytes, e.token) == 1 {
			return &ClientInfo{Name: e.name}, nil
		}
	}
	return nil, domain.ErrControlAuthFailed
}
