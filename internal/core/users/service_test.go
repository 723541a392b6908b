package users

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockRepository struct {
	mock.Mock
}

func (m *mockRepository) UpsertByDID(ctx context.Context, did, handle string) (*User, error) {
	args := m.Called(ctx, did, handle)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*User), args.Error(1)
}

func (m *mockRepository) GetByID(ctx context.Context, id string) (*User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*User), args.Error(1)
}

func (m *mockRepository) GetByDID(ctx context.Context, did string) (*User, error) {
	args := m.Called(ctx, did)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*User), args.Error(1)
}

func TestService_EnsureUser_RejectsMalformedHandle(t *testing.T) {
	repo := &mockRepository{}
	svc := NewService(repo)

	_, err := svc.EnsureUser(context.Background(), "did:plc:abc", "not a handle")
	require.Error(t, err)
	repo.AssertNotCalled(t, "UpsertByDID")
}

func TestService_EnsureUser_UpsertsValidHandle(t *testing.T) {
	repo := &mockRepository{}
	want := &User{ID: "u1", DID: "did:plc:abc", Handle: "alice.example.com", IsActive: true}
	repo.On("UpsertByDID", mock.Anything, "did:plc:abc", "alice.example.com").Return(want, nil)

	svc := NewService(repo)
	got, err := svc.EnsureUser(context.Background(), "did:plc:abc", "alice.example.com")

	require.NoError(t, err)
	assert.Equal(t, want, got)
	repo.AssertExpectations(t)
}

func TestValidateHandle(t *testing.T) {
	cases := []struct {
		handle string
		valid  bool
	}{
		{"alice.bsky.social", true},
		{"a.b.c.example.com", true},
		{"no-dot", false},
		{"", false},
		{"-leading-hyphen.example.com", false},
		{"trailing-.example.com", false},
	}
	for _, tc := range cases {
		err := ValidateHandle(tc.handle)
		if tc.valid {
			assert.NoError(t, err, tc.handle)
		} else {
			assert.Error(t, err, tc.handle)
		}
	}
}
