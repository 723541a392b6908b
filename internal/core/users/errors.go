package users

import "errors"

// Sentinel errors for user lookups and mutations.
var (
	// ErrUserNotFound is returned when a user lookup finds no matching record.
	ErrUserNotFound = errors.New("user not found")

	// ErrHandleAlreadyTaken is returned when attempting to use a handle that
	// belongs to another user's DID.
	ErrHandleAlreadyTaken = errors.New("handle already taken")
)

// IsNotFound reports whether err is (or wraps) ErrUserNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound)
}
