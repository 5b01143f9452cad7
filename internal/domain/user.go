// Package domain contains entities without logic, just meta-data.
package domain

import "errors"

const (
	MaxUserIDLen   = 36
	MaxUsernameLen = 36
)

var (
	ErrIdentityEmpty   = errors.New("identity empty")
	ErrIdentityTooLong = errors.New("identity too long")
	ErrUsernameTooLong = errors.New("username too long")
)

// UserID identifies a user across the signaling, presence and shell
// surfaces. It is issued by the backend and opaque to the daemon.
type UserID string

func (id UserID) Validate() error {
	if id == "" {
		return ErrIdentityEmpty
	}
	if len(id) > MaxUserIDLen {
		return ErrIdentityTooLong
	}
	return nil
}

// ValidateUsername bounds the display name attached to invites. Empty is
// fine; the identity stands in for it.
func ValidateUsername(name string) error {
	if len(name) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	return nil
}
