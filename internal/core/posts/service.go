package posts

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"postdispatch/internal/apierr"
	"postdispatch/internal/core/users"
)

const (
	createRecordEndpoint = "/xrpc/com.atproto.repo.createRecord"
	postCollection       = "app.bsky.feed.post"

	// minScheduleLead is the minimum time a post must be scheduled into the
	// future, guarding against a post landing in the due queue before a
	// client has finished composing it.
	minScheduleLead = 5 * time.Minute
)

// postLangs is the fixed language tag set every published record carries.
// The network's composer always sends one; this system has no per-post
// language selection, so every post is tagged "en".
var postLangs = []string{"en"}

// retryBackoff returns the delay before the next attempt for a post whose
// retryCount has just been incremented to n, per the ~30s/2min/8min
// exponential-base-4 schedule.
func retryBackoff(n int) time.Duration {
	base := 30 * time.Second
	for i := 1; i < n; i++ {
		base *= 4
	}
	return base
}

// Service is the capability the Dispatcher and the external CRUD surface
// depend on.
type Service interface {
	Create(ctx context.Context, userID, body string, scheduledAt time.Time, parentPostID *string) (*ScheduledPost, error)
	Get(ctx context.Context, actingUserID, postID string) (*ScheduledPost, error)
	List(ctx context.Context, userID string, status *Status, page, limit int) ([]*ScheduledPost, int, error)
	Update(ctx context.Context, actingUserID, postID string, body *string, scheduledAt *time.Time) (*ScheduledPost, error)
	Cancel(ctx context.Context, actingUserID, postID string) error
	Execute(ctx context.Context, postID string) error
	ExecuteThread(ctx context.Context, threadRootID string) error
}

type service struct {
	repo    Repository
	network NetworkDoer
	users   users.Service
}

func NewService(repo Repository, network NetworkDoer, userService users.Service) Service {
	return &service{repo: repo, network: network, users: userService}
}

// Create validates and persists a new ScheduledPost owned by userID.
func (s *service) Create(ctx context.Context, userID, body string, scheduledAt time.Time, parentPostID *string) (*ScheduledPost, error) {
	if err := ValidateBody(body); err != nil {
		return nil, apierr.Wrap(apierr.KindValidation, "invalid post body", err)
	}
	if !scheduledAt.After(time.Now().Add(minScheduleLead)) {
		return nil, apierr.New(apierr.KindValidation, "scheduledAt must be at least 5 minutes in the future")
	}

	threadRootID := parentPostID
	threadIndex := 0
	if parentPostID != nil {
		parent, err := s.repo.GetByID(ctx, *parentPostID)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindValidation, "parent post not found", err)
		}
		if parent.UserID != userID {
			return nil, apierr.New(apierr.KindForbidden, "parent post does not belong to the acting user")
		}
		if parent.ThreadRootID != nil {
			threadRootID = parent.ThreadRootID
		} else {
			threadRootID = parentPostID
		}
		threadIndex = parent.ThreadIndex + 1
	}

	post := &ScheduledPost{
		UserID:       userID,
		Body:         body,
		ScheduledAt:  scheduledAt,
		Status:       StatusPending,
		ParentPostID: parentPostID,
		ThreadRootID: threadRootID,
		ThreadIndex:  threadIndex,
		CanExecute:   true,
	}
	return s.repo.Create(ctx, post)
}

// Get loads a post, enforcing that actingUserID owns it.
func (s *service) Get(ctx context.Context, actingUserID, postID string) (*ScheduledPost, error) {
	post, err := s.repo.GetByID(ctx, postID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindNotFound, "scheduled post not found", err)
	}
	if post.UserID != actingUserID {
		return nil, apierr.New(apierr.KindForbidden, "acting user does not own this post")
	}
	return post, nil
}

// List paginates userID's own posts, optionally filtered by status.
func (s *service) List(ctx context.Context, userID string, status *Status, page, limit int) ([]*ScheduledPost, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	posts, total, err := s.repo.ListByUser(ctx, userID, status, page, limit)
	if err != nil {
		return nil, 0, apierr.Wrap(apierr.KindServerError, "listing posts", err)
	}
	return posts, total, nil
}

// Update rewrites body and/or scheduledAt on a post still PENDING.
func (s *service) Update(ctx context.Context, actingUserID, postID string, body *string, scheduledAt *time.Time) (*ScheduledPost, error) {
	post, err := s.repo.GetByID(ctx, postID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindNotFound, "scheduled post not found", err)
	}
	if post.UserID != actingUserID {
		return nil, apierr.New(apierr.KindForbidden, "acting user does not own this post")
	}
	if post.Status != StatusPending {
		return nil, apierr.New(apierr.KindInvalidOperation, "only a PENDING post can be edited")
	}
	if body != nil {
		if err := ValidateBody(*body); err != nil {
			return nil, apierr.Wrap(apierr.KindValidation, "invalid post body", err)
		}
	}
	return s.repo.UpdatePending(ctx, postID, body, scheduledAt)
}

// Cancel cancels a PENDING post. Any other status is a no-op error.
func (s *service) Cancel(ctx context.Context, actingUserID, postID string) error {
	post, err := s.repo.GetByID(ctx, postID)
	if err != nil {
		return apierr.Wrap(apierr.KindNotFound, "scheduled post not found", err)
	}
	if post.UserID != actingUserID {
		return apierr.New(apierr.KindForbidden, "acting user does not own this post")
	}
	if post.Status != StatusPending {
		return apierr.New(apierr.KindInvalidOperation, "only a PENDING post can be cancelled")
	}
	return s.repo.MarkCancelled(ctx, postID, actingUserID, "USER_REQUESTED")
}

// Execute attempts a single network publication for postID, per the
// PENDING->EXECUTING CAS, success/retry/failure algorithm.
func (s *service) Execute(ctx context.Context, postID string) error {
	post, err := s.repo.ClaimForExecution(ctx, postID)
	if err != nil {
		return apierr.Wrap(apierr.KindAlreadyClaimed, "post already claimed or not pending", err)
	}

	user, err := s.users.Get(ctx, post.UserID)
	if err != nil {
		return apierr.Wrap(apierr.KindServerError, "loading post owner", err)
	}

	record := map[string]any{
		"$type":     postCollection,
		"text":      post.Body,
		"createdAt": time.Now().UTC().Format(time.RFC3339),
		"langs":     postLangs,
	}
	if post.ReplyParentURI != "" && post.ReplyRootURI != "" {
		record["reply"] = map[string]any{
			"root":   map[string]string{"uri": post.ReplyRootURI, "cid": post.ReplyRootCID},
			"parent": map[string]string{"uri": post.ReplyParentURI, "cid": post.ReplyParentCID},
		}
	}
	payload, err := json.Marshal(map[string]any{
		"repo":       user.DID,
		"collection": postCollection,
		"record":     record,
	})
	if err != nil {
		return apierr.Wrap(apierr.KindServerError, "encoding record payload", err)
	}

	resp, doErr := s.network.Do(ctx, post.UserID, "POST", createRecordEndpoint, payload)
	if doErr == nil {
		var result struct {
			URI string `json:"uri"`
			CID string `json:"cid"`
		}
		if err := json.Unmarshal(resp.Body, &result); err != nil {
			return apierr.Wrap(apierr.KindServerError, "decoding createRecord response", err)
		}
		return s.repo.MarkCompleted(ctx, postID, result.URI, result.CID, trailingPathSegment(result.URI), time.Now())
	}

	return s.handleExecuteFailure(ctx, post, doErr)
}

func (s *service) handleExecuteFailure(ctx context.Context, post *ScheduledPost, doErr error) error {
	apiErr, ok := apierr.As(doErr)
	if !ok {
		apiErr = apierr.New(apierr.KindPermanent, doErr.Error())
	}

	retryable := apiErr.Kind == apierr.KindTransient || apiErr.Kind == apierr.KindRateLimited
	nextRetryCount := post.RetryCount + 1

	if retryable && nextRetryCount < MaxRetry {
		notBefore := time.Now().Add(retryBackoff(nextRetryCount))
		if err := s.repo.ScheduleRetry(ctx, post.ID, nextRetryCount, apiErr.Message, notBefore); err != nil {
			return apierr.Wrap(apierr.KindServerError, "scheduling retry", err)
		}
		return nil
	}

	if err := s.repo.MarkFailed(ctx, post.ID, apiErr.Message); err != nil {
		return apierr.Wrap(apierr.KindServerError, "marking post failed", err)
	}
	_ = s.repo.InsertFailureRecord(ctx, post.ID, apiErr.Message)
	return apiErr
}

// ExecuteThread runs a thread of posts sequentially: index 0 first, each
// subsequent post's reply target set to the prior post's network URI once
// it succeeds. The first failure cancels every later, still-pending post
// in the thread; completed posts are never rolled back.
func (s *service) ExecuteThread(ctx context.Context, threadRootID string) error {
	thread, err := s.repo.ListThread(ctx, threadRootID)
	if err != nil {
		return apierr.Wrap(apierr.KindServerError, "loading thread", err)
	}

	var rootURI, rootCID, priorURI, priorCID string
	for i, post := range thread {
		if post.Status == StatusCompleted {
			if rootURI == "" {
				rootURI, rootCID = post.NetworkURI, post.RecordCID
			}
			priorURI, priorCID = post.NetworkURI, post.RecordCID
			continue
		}
		if post.Status != StatusPending {
			continue
		}

		if i > 0 && priorURI != "" {
			if rootURI == "" {
				rootURI, rootCID = priorURI, priorCID
			}
			if err := s.repo.SetReplyTarget(ctx, post.ID, priorURI, priorCID, rootURI, rootCID); err != nil {
				return apierr.Wrap(apierr.KindServerError, "setting thread reply target", err)
			}
		}

		if err := s.Execute(ctx, post.ID); err != nil {
			apiErr, ok := apierr.As(err)
			if ok && apiErr.Kind == apierr.KindAlreadyClaimed {
				continue
			}
			s.cancelRemainingThread(ctx, thread[i+1:])
			return err
		}

		refreshed, err := s.repo.GetByID(ctx, post.ID)
		if err != nil {
			return apierr.Wrap(apierr.KindServerError, "reloading thread post", err)
		}
		switch refreshed.Status {
		case StatusCompleted:
			if rootURI == "" {
				rootURI, rootCID = refreshed.NetworkURI, refreshed.RecordCID
			}
			priorURI, priorCID = refreshed.NetworkURI, refreshed.RecordCID
		case StatusFailed:
			s.cancelRemainingThread(ctx, thread[i+1:])
			return apierr.New(apierr.KindPermanent, fmt.Sprintf("thread post %s failed", post.ID))
		default:
			// Scheduled for retry: not a thread failure, just not ready yet.
			// A later Dispatcher tick resumes the thread from here.
			return nil
		}
	}
	return nil
}

func (s *service) cancelRemainingThread(ctx context.Context, remaining []*ScheduledPost) {
	for _, post := range remaining {
		if post.Status == StatusPending {
			_ = s.repo.MarkCancelled(ctx, post.ID, post.UserID, "PARENT_FAILED")
		}
	}
}

// trailingPathSegment returns the last "/"-delimited segment of an AT-URI,
// i.e. its record key.
func trailingPathSegment(atURI string) string {
	idx := strings.LastIndex(atURI, "/")
	if idx == -1 || idx == len(atURI)-1 {
		return ""
	}
	return atURI[idx+1:]
}
