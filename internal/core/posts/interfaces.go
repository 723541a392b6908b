package posts

import (
	"context"
	"time"
)

// Repository defines persistence for ScheduledPost and FailureRecord.
type Repository interface {
	Create(ctx context.Context, p *ScheduledPost) (*ScheduledPost, error)
	GetByID(ctx context.Context, id string) (*ScheduledPost, error)
	ListDue(ctx context.Context, before time.Time, limit int) ([]*ScheduledPost, error)
	ListThread(ctx context.Context, threadRootID string) ([]*ScheduledPost, error)

	// ListByUser paginates a user's posts, optionally filtered by status.
	// Returns the page plus the total count matching the filter.
	ListByUser(ctx context.Context, userID string, status *Status, page, limit int) ([]*ScheduledPost, int, error)

	// UpdatePending rewrites body and/or scheduledAt on a PENDING post.
	UpdatePending(ctx context.Context, id string, body *string, scheduledAt *time.Time) (*ScheduledPost, error)

	// ClaimForExecution performs the PENDING->EXECUTING compare-and-set.
	// Returns ErrAlreadyClaimed if the row was not in PENDING state.
	ClaimForExecution(ctx context.Context, id string) (*ScheduledPost, error)

	MarkCompleted(ctx context.Context, id, networkURI, recordCID, recordKey string, executedAt time.Time) error
	ScheduleRetry(ctx context.Context, id string, retryCount int, errorMsg string, notBefore time.Time) error
	MarkFailed(ctx context.Context, id, errorMsg string) error

	// MarkCancelled cancels id on behalf of userID and records the
	// cancellation in audit_log in the same transaction.
	MarkCancelled(ctx context.Context, id, userID, reason string) error

	// SetReplyTarget records the AT Protocol strong-ref reply pointer
	// (parent and thread-root URI+CID) a post's record should carry when
	// it is next executed.
	SetReplyTarget(ctx context.Context, id, parentURI, parentCID, rootURI, rootCID string) error

	InsertFailureRecord(ctx context.Context, postID, errorText string) error

	// ReclaimStuckExecuting reverts posts stuck in EXECUTING longer than
	// olderThan back to PENDING (retryCount unchanged), per the Dispatcher
	// watchdog. Returns the number of rows reclaimed.
	ReclaimStuckExecuting(ctx context.Context, olderThan time.Duration) (int64, error)

	// ArchiveCompletedOlderThan and ArchiveFailedOlderThan soft-delete
	// (is_deleted=true) terminal posts past the given age, per the
	// Dispatcher's daily maintenance pass.
	ArchiveCompletedOlderThan(ctx context.Context, age time.Duration) (int64, error)
	ArchiveFailedOlderThan(ctx context.Context, age time.Duration) (int64, error)

	// PurgeFailureRecordsOlderThan hard-deletes FailureRecords past the
	// given age.
	PurgeFailureRecordsOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// NetworkResponse is the subset of xrpc.Response PostService depends on,
// declared locally so tests can stub it without a live NetworkClient.
type NetworkResponse struct {
	StatusCode int
	Body       []byte
}

// NetworkDoer is the capability PostService needs from the API-client
// core: one authenticated, classified request.
type NetworkDoer interface {
	Do(ctx context.Context, userID, method, endpoint string, body []byte) (*NetworkResponse, error)
}
