// Package posts holds the ScheduledPost entity and the PostService that
// drives a single post through its execution state machine.
package posts

import "time"

// Status is a ScheduledPost's position in its execution state machine.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusExecuting Status = "EXECUTING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusRetrying  Status = "RETRYING"
)

// MaxRetry is the retry budget per post before it is marked FAILED.
const MaxRetry = 3

// ScheduledPost is a user's request to publish one post at a future
// wall-clock instant, owned by exactly one User.
type ScheduledPost struct {
	ID            string
	UserID        string
	Body          string
	ScheduledAt   time.Time
	Status        Status
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ExecutedAt    *time.Time
	ErrorMsg      string
	RetryCount    int
	NetworkURI    string
	RecordCID     string
	RecordKey     string
	ParentPostID  *string
	ThreadRootID  *string
	ThreadIndex   int
	CanExecute    bool
	IsDeleted     bool

	// Reply pointers, populated once the post's record has been written as
	// a reply to a prior post in its thread. Both URI and CID are required
	// by the network's strong-ref shape; empty when the post is a thread
	// root or not yet executed.
	ReplyParentURI string
	ReplyParentCID string
	ReplyRootURI   string
	ReplyRootCID   string
}

// FailureRecord is an append-only observational entry tied to a
// ScheduledPost execution attempt.
type FailureRecord struct {
	ID        string
	PostID    string
	ErrorText string
	CreatedAt time.Time
}

// IsThreadRoot reports whether post is the first post of a thread.
func (p *ScheduledPost) IsThreadRoot() bool {
	return p.ThreadRootID == nil || *p.ThreadRootID == p.ID
}

// ValidateBody enforces the network's post-length contract: 1-300 UTF-8
// code points.
func ValidateBody(body string) error {
	n := 0
	for range body {
		n++
	}
	if n < 1 || n > 300 {
		return errBodyLength
	}
	return nil
}
