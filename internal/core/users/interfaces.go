package users

import "context"

// Repository defines persistence for the User entity.
type Repository interface {
	// UpsertByDID creates a user on first sight of a DID, or updates its
	// handle if it changed. Idempotent.
	UpsertByDID(ctx context.Context, did, handle string) (*User, error)
	GetByID(ctx context.Context, id string) (*User, error)
	GetByDID(ctx context.Context, did string) (*User, error)
}

// Service is the capability other components depend on: ensuring a User
// row exists for an authorized DID, and looking one up by local id.
type Service interface {
	// EnsureUser upserts the User for a DID observed during the OAuth
	// authorization flow.
	EnsureUser(ctx context.Context, did, handle string) (*User, error)
	Get(ctx context.Context, id string) (*User, error)
}
