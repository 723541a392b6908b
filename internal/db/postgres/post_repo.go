package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"postdispatch/internal/audit"
	"postdispatch/internal/core/posts"
)

type postRepo struct {
	db *sql.DB
}

// NewPostRepository creates a Postgres-backed posts.Repository.
func NewPostRepository(db *sql.DB) posts.Repository {
	return &postRepo{db: db}
}

const postColumns = `id, user_id, body, scheduled_at, status, created_at, updated_at,
	executed_at, error_message, retry_count, record_uri, record_cid, record_key,
	parent_post_id, thread_root_id, thread_index, can_execute, is_deleted,
	reply_parent_uri, reply_parent_cid, reply_root_uri, reply_root_cid`

func (r *postRepo) Create(ctx context.Context, p *posts.ScheduledPost) (*posts.ScheduledPost, error) {
	query := `
		INSERT INTO scheduled_posts (user_id, body, scheduled_at, status, parent_post_id, thread_root_id, thread_index, can_execute)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + postColumns

	row := r.db.QueryRowContext(ctx, query,
		p.UserID, p.Body, p.ScheduledAt, p.Status, p.ParentPostID, p.ThreadRootID, p.ThreadIndex, p.CanExecute)
	return scanPost(row)
}

func (r *postRepo) GetByID(ctx context.Context, id string) (*posts.ScheduledPost, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM scheduled_posts WHERE id = $1`, id)
	post, err := scanPost(row)
	if err == sql.ErrNoRows {
		return nil, posts.ErrPostNotFound
	}
	return post, err
}

func (r *postRepo) ListDue(ctx context.Context, before time.Time, limit int) ([]*posts.ScheduledPost, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+postColumns+` FROM scheduled_posts
		WHERE status = 'PENDING' AND can_execute = true AND is_deleted = false AND scheduled_at <= $1
		ORDER BY scheduled_at ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("listing due posts: %w", err)
	}
	defer rows.Close()
	return scanPosts(rows)
}

func (r *postRepo) ListByUser(ctx context.Context, userID string, status *posts.Status, page, limit int) ([]*posts.ScheduledPost, int, error) {
	where := `WHERE user_id = $1 AND is_deleted = false`
	args := []any{userID}
	if status != nil {
		where += ` AND status = $2`
		args = append(args, *status)
	}

	var total int
	countQuery := `SELECT count(*) FROM scheduled_posts ` + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting posts: %w", err)
	}

	offset := (page - 1) * limit
	listArgs := append(append([]any{}, args...), limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM scheduled_posts %s ORDER BY scheduled_at DESC LIMIT $%d OFFSET $%d`,
		postColumns, where, len(args)+1, len(args)+2)

	rows, err := r.db.QueryContext(ctx, query, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing user posts: %w", err)
	}
	defer rows.Close()

	list, err := scanPosts(rows)
	if err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

func (r *postRepo) UpdatePending(ctx context.Context, id string, body *string, scheduledAt *time.Time) (*posts.ScheduledPost, error) {
	_, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_posts
		SET body = COALESCE($2, body), scheduled_at = COALESCE($3, scheduled_at), updated_at = now()
		WHERE id = $1 AND status = 'PENDING'`, id, body, scheduledAt)
	if err != nil {
		return nil, fmt.Errorf("updating pending post: %w", err)
	}
	return r.GetByID(ctx, id)
}

// ListThread returns every post in threadRootID's thread, including the
// root itself: a thread root's own thread_root_id column is NULL (it is
// never self-referencing), so the root only matches on id.
func (r *postRepo) ListThread(ctx context.Context, threadRootID string) ([]*posts.ScheduledPost, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+postColumns+` FROM scheduled_posts
		WHERE (id = $1 OR thread_root_id = $1) AND is_deleted = false
		ORDER BY thread_index ASC, created_at ASC`, threadRootID)
	if err != nil {
		return nil, fmt.Errorf("listing thread: %w", err)
	}
	defer rows.Close()
	return scanPosts(rows)
}

// ClaimForExecution performs the PENDING->EXECUTING compare-and-set that
// guarantees a post is picked up by exactly one worker.
func (r *postRepo) ClaimForExecution(ctx context.Context, id string) (*posts.ScheduledPost, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_posts SET status = 'EXECUTING', updated_at = now()
		WHERE id = $1 AND status = 'PENDING'`, id)
	if err != nil {
		return nil, fmt.Errorf("claiming post: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking claim result: %w", err)
	}
	if affected == 0 {
		return nil, posts.ErrAlreadyClaimed
	}
	return r.GetByID(ctx, id)
}

func (r *postRepo) MarkCompleted(ctx context.Context, id, networkURI, recordCID, recordKey string, executedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_posts
		SET status = 'COMPLETED', executed_at = $2, record_uri = $3, record_cid = $4, record_key = $5, updated_at = now()
		WHERE id = $1`, id, executedAt, networkURI, recordCID, recordKey)
	if err != nil {
		return fmt.Errorf("marking post completed: %w", err)
	}
	return nil
}

func (r *postRepo) ScheduleRetry(ctx context.Context, id string, retryCount int, errorMsg string, notBefore time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_posts
		SET status = 'PENDING', retry_count = $2, error_message = $3, scheduled_at = $4, updated_at = now()
		WHERE id = $1`, id, retryCount, errorMsg, notBefore)
	if err != nil {
		return fmt.Errorf("scheduling retry: %w", err)
	}
	return nil
}

func (r *postRepo) MarkFailed(ctx context.Context, id, errorMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_posts SET status = 'FAILED', error_message = $2, updated_at = now()
		WHERE id = $1`, id, errorMsg)
	if err != nil {
		return fmt.Errorf("marking post failed: %w", err)
	}
	return nil
}

// MarkCancelled cancels id on behalf of userID and records the
// cancellation in audit_log in the same transaction.
func (r *postRepo) MarkCancelled(ctx context.Context, id, userID, reason string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning cancel transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE scheduled_posts SET status = 'CANCELLED', error_message = $2, updated_at = now()
		WHERE id = $1`, id, reason)
	if err != nil {
		return fmt.Errorf("cancelling post: %w", err)
	}
	if affected, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("checking cancel rows affected: %w", err)
	} else if affected == 0 {
		return posts.ErrPostNotFound
	}

	if err := audit.Insert(ctx, tx, userID, "scheduled_post", id, "cancelled", reason); err != nil {
		return err
	}

	return tx.Commit()
}

// SetReplyTarget records the strong-ref reply pointer (parent and
// thread-root URI+CID) id's record payload should carry when it is next
// executed.
func (r *postRepo) SetReplyTarget(ctx context.Context, id, parentURI, parentCID, rootURI, rootCID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_posts
		SET reply_parent_uri = $2, reply_parent_cid = $3, reply_root_uri = $4, reply_root_cid = $5, updated_at = now()
		WHERE id = $1`, id, parentURI, parentCID, rootURI, rootCID)
	if err != nil {
		return fmt.Errorf("setting reply target: %w", err)
	}
	return nil
}

func (r *postRepo) InsertFailureRecord(ctx context.Context, postID, errorText string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO failure_records (post_id, error_text) VALUES ($1, $2)`, postID, errorText)
	if err != nil {
		return fmt.Errorf("inserting failure record: %w", err)
	}
	return nil
}

func (r *postRepo) ReclaimStuckExecuting(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_posts SET status = 'PENDING', updated_at = now()
		WHERE status = 'EXECUTING' AND updated_at < now() - $1::interval`, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("reclaiming stuck posts: %w", err)
	}
	return result.RowsAffected()
}

func (r *postRepo) ArchiveCompletedOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_posts SET is_deleted = true, updated_at = now()
		WHERE status = 'COMPLETED' AND is_deleted = false AND executed_at < now() - $1::interval`, age.String())
	if err != nil {
		return 0, fmt.Errorf("archiving completed posts: %w", err)
	}
	return result.RowsAffected()
}

func (r *postRepo) ArchiveFailedOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_posts SET is_deleted = true, updated_at = now()
		WHERE status = 'FAILED' AND is_deleted = false AND updated_at < now() - $1::interval`, age.String())
	if err != nil {
		return 0, fmt.Errorf("archiving failed posts: %w", err)
	}
	return result.RowsAffected()
}

func (r *postRepo) PurgeFailureRecordsOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM failure_records WHERE created_at < now() - $1::interval`, age.String())
	if err != nil {
		return 0, fmt.Errorf("purging failure records: %w", err)
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (*posts.ScheduledPost, error) {
	p := &posts.ScheduledPost{}
	err := row.Scan(
		&p.ID, &p.UserID, &p.Body, &p.ScheduledAt, &p.Status, &p.CreatedAt, &p.UpdatedAt,
		&p.ExecutedAt, &p.ErrorMsg, &p.RetryCount, &p.NetworkURI, &p.RecordCID, &p.RecordKey,
		&p.ParentPostID, &p.ThreadRootID, &p.ThreadIndex, &p.CanExecute, &p.IsDeleted,
		&p.ReplyParentURI, &p.ReplyParentCID, &p.ReplyRootURI, &p.ReplyRootCID,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func scanPosts(rows *sql.Rows) ([]*posts.ScheduledPost, error) {
	var result []*posts.ScheduledPost
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning post: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}
