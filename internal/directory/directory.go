// Package directory resolves durable user identities to public profile data.
//
// The identity service that issues user ids is external; this package only
// consumes its records. The chat engine never holds a connection for an
// identity that failed resolution.
package directory

import (
	"context"
	"errors"
)

var (
	// ErrNotFound means the identity does not exist in the directory.
	ErrNotFound = errors.New("directory: identity not found")
	// ErrInvalidInput means the identity is structurally invalid (e.g. empty).
	ErrInvalidInput = errors.New("directory: invalid input")
)

// Profile is the public slice of an identity.
type Profile struct {
	UserID    string
	Name      string
	AvatarURL string
}

// Directory resolves an identity to its profile fields.
type Directory interface {
	// Resolve returns the profile for userID or ErrNotFound.
	Resolve(ctx context.Context, userID string) (Profile, error)
}
