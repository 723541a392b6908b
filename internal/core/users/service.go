package users

import "context"

type service struct {
	repo Repository
}

// NewService builds a Service backed by repo.
func NewService(repo Repository) Service {
	return &service{repo: repo}
}

// EnsureUser upserts the User for a DID observed during the OAuth
// authorization flow (spec §4.2.4 step 5). Idempotent: calling it again
// with the same DID and an unchanged handle returns the existing row.
func (s *service) EnsureUser(ctx context.Context, did, handle string) (*User, error) {
	if err := ValidateHandle(handle); err != nil {
		return nil, err
	}
	return s.repo.UpsertByDID(ctx, did, handle)
}

func (s *service) Get(ctx context.Context, id string) (*User, error) {
	return s.repo.GetByID(ctx, id)
}
