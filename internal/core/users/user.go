// Package users holds the User entity: the stable local identity behind
// one or more AuthSessions and ScheduledPosts.
package users

import (
	"fmt"
	"regexp"
	"time"
)

// handleRegex enforces the network's handle grammar: dot-separated
// segments, alphanumeric with interior hyphens, final segment (TLD) not
// starting with a digit.
var handleRegex = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)

const maxHandleLength = 253

// User is the stable local identity behind a network decentralized
// identifier. Created on first successful authorization; never destroyed
// while any AuthSession points to it.
type User struct {
	ID        string
	DID       string
	Handle    string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ValidateHandle reports whether handle is well-formed per the network's
// handle grammar.
func ValidateHandle(handle string) error {
	if handle == "" || len(handle) > maxHandleLength {
		return fmt.Errorf("handle length must be in [1, %d]", maxHandleLength)
	}
	if !handleRegex.MatchString(handle) {
		return fmt.Errorf("handle %q does not match the required grammar", handle)
	}
	return nil
}
