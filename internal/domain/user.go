// Package domain contains core domain types shared by the federation layer.
package domain

import (
	"time"
)

// User is the identity resolved by the handshake.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

// Session is the credential attached to a resolved user.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
}

// AuthState is the identity snapshot shared between instances through the
// persistent store. Timestamp is epoch milliseconds.
type AuthState struct {
	User       *User    `json:"user"`
	Session    *Session `json:"session"`
	IsDemoMode bool     `json:"isDemoMode"`
	Embedded   bool     `json:"embedded"`
	Timestamp  int64    `json:"timestamp"`
}

// UserID returns the user id, or "" when nobody is signed in.
func (a *AuthState) UserID() string {
	if a == nil || a.User == nil {
		return ""
	}
	return a.User.ID
}

// Age returns how old the snapshot is relative to now.
func (a *AuthState) Age(now time.Time) time.Duration {
	return time.Duration(now.UnixMilli()-a.Timestamp) * time.Millisecond
}

// FreshAt reports whether the snapshot may still be trusted at now.
func (a *AuthState) FreshAt(now time.Time, ttl time.Duration) bool {
	if a == nil || a.Timestamp == 0 {
		return false
	}
	return a.Age(now) < ttl
}
