package auth

import (
	"time"

	"golang.org/x/oauth2"
)

// Credential is the OAuth credential of one signed-in user.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	// LastError records why the last refresh failed.
	LastError string
}

// FromToken converts an oauth2 token into a Credential.
func FromToken(tok *oauth2.Token) Credential {
	if tok == nil {
		return Credential{}
	}
	return Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
}

// Token converts the Credential back into an oauth2 token for persistence.
func (c Credential) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: c.RefreshToken,
		Expiry:       c.ExpiresAt,
	}
}

// fresh reports whether the access token can be used at now.
func (c Credential) fresh(now time.Time) bool {
	return c.AccessToken != "" && now.Before(c.ExpiresAt)
}

// State is the lifecycle state of a Manager.
type State int

const (
	StateValid State = iota
	StateRefreshing
	// StateRefreshFailed is terminal: the user has to sign in again.
	StateRefreshFailed
)

func (s State) String() string {
	switch s {
	case StateValid:
		return "valid"
	case StateRefreshing:
		return "refreshing"
	case StateRefreshFailed:
		return "refresh_failed"
	default:
		return "unknown"
	}
}
