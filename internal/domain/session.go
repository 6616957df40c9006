package domain

import "time"

// Session carries the per-connection context handlers receive instead of
// reaching for globals: who the peer is, which channel it joined, and what
// it is allowed to do.
type Session struct {
	Peer        string
	Channel     string
	Roles       []string
	ReadOnly    bool
	ConnectedAt time.Time
}

// HasRole reports whether the session carries the given role.
func (s *Session) HasRole(role string) bool {
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// CanWrite reports whether mutating commands may run in this session.
func (s *Session) CanWrite() bool {
	return !s.ReadOnly
}
