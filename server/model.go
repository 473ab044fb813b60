package server

import "time"

// TokenSet is the token portion of a session. It is always replaced as a whole
// so access, refresh and id tokens never disagree with Expiry.
type TokenSet struct {
	AccessToken  string    `json:"at,omitempty"`
	RefreshToken string    `json:"rt,omitempty"`
	IDToken      string    `json:"it,omitempty"`
	Expiry       time.Time `json:"exp"`
}

// Session captures a logged-in browser session. It holds mapped claims only.
type Session struct {
	ID          string        `json:"id"`
	Version     uint64        `json:"v"`
	Subject     string        `json:"sub"`
	DisplayName string        `json:"name,omitempty"`
	Claims      []MappedClaim `json:"claims"`
	Tokens      TokenSet      `json:"tokens"`
	CreatedAt   time.Time     `json:"iat"`
	ExpiresAt   time.Time     `json:"exp"`
}

// Principal returns the authenticated identity carried by the session.
func (s *Session) Principal() *Principal {
	return &Principal{
		Subject:     s.Subject,
		DisplayName: s.DisplayName,
		Claims:      append([]MappedClaim(nil), s.Claims...),
	}
}

// clone returns a deep copy so refreshed state never aliases the original.
func (s *Session) clone() *Session {
	c := *s
	c.Claims = append([]MappedClaim(nil), s.Claims...)
	return &c
}

// LoginState correlates an authorization redirect with its callback.
type LoginState struct {
	State        string    `json:"state"`
	Nonce        string    `json:"nonce"`
	CodeVerifier string    `json:"verifier"`
	ReturnTo     string    `json:"return_to"`
	CreatedAt    time.Time `json:"created_at"`
}

// Principal is the application view of an authenticated user.
type Principal struct {
	Subject     string
	DisplayName string
	Claims      []MappedClaim
}

// HasClaim reports whether the principal carries the given mapped claim.
func (p *Principal) HasClaim(claimType, value string) bool {
	if p == nil {
		return false
	}
	for _, c := range p.Claims {
		if c.Type == claimType && c.Value == value {
			return true
		}
	}
	return false
}

// Values returns all values of the given claim type.
func (p *Principal) Values(claimType string) []string {
	if p == nil {
		return nil
	}
	var out []string
	for _, c := range p.Claims {
		if c.Type == claimType {
			out = append(out, c.Value)
		}
	}
	return out
}
