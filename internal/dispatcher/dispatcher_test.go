package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"postdispatch/internal/atproto/oauth"
	"postdispatch/internal/core/posts"
)

type mockRepo struct{ mock.Mock }

func (m *mockRepo) Create(ctx context.Context, p *posts.ScheduledPost) (*posts.ScheduledPost, error) {
	args := m.Called(ctx, p)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*posts.ScheduledPost), args.Error(1)
}

func (m *mockRepo) GetByID(ctx context.Context, id string) (*posts.ScheduledPost, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*posts.ScheduledPost), args.Error(1)
}

func (m *mockRepo) ListDue(ctx context.Context, before time.Time, limit int) ([]*posts.ScheduledPost, error) {
	args := m.Called(ctx, before, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*posts.ScheduledPost), args.Error(1)
}

func (m *mockRepo) ListThread(ctx context.Context, threadRootID string) ([]*posts.ScheduledPost, error) {
	args := m.Called(ctx, threadRootID)
	return args.Get(0).([]*posts.ScheduledPost), args.Error(1)
}

func (m *mockRepo) ClaimForExecution(ctx context.Context, id string) (*posts.ScheduledPost, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*posts.ScheduledPost), args.Error(1)
}

func (m *mockRepo) MarkCompleted(ctx context.Context, id, networkURI, recordCID, recordKey string, executedAt time.Time) error {
	args := m.Called(ctx, id, networkURI, recordCID, recordKey, executedAt)
	return args.Error(0)
}

func (m *mockRepo) ScheduleRetry(ctx context.Context, id string, retryCount int, errorMsg string, notBefore time.Time) error {
	args := m.Called(ctx, id, retryCount, errorMsg, notBefore)
	return args.Error(0)
}

func (m *mockRepo) MarkFailed(ctx context.Context, id, errorMsg string) error {
	args := m.Called(ctx, id, errorMsg)
	return args.Error(0)
}

func (m *mockRepo) MarkCancelled(ctx context.Context, id, userID, reason string) error {
	args := m.Called(ctx, id, userID, reason)
	return args.Error(0)
}

func (m *mockRepo) SetReplyTarget(ctx context.Context, id, parentURI, parentCID, rootURI, rootCID string) error {
	args := m.Called(ctx, id, parentURI, parentCID, rootURI, rootCID)
	return args.Error(0)
}

func (m *mockRepo) InsertFailureRecord(ctx context.Context, postID, errorText string) error {
	args := m.Called(ctx, postID, errorText)
	return args.Error(0)
}

func (m *mockRepo) ReclaimStuckExecuting(ctx context.Context, olderThan time.Duration) (int64, error) {
	args := m.Called(ctx, olderThan)
	return int64(args.Int(0)), args.Error(1)
}

func (m *mockRepo) ArchiveCompletedOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	args := m.Called(ctx, age)
	return int64(args.Int(0)), args.Error(1)
}

func (m *mockRepo) ArchiveFailedOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	args := m.Called(ctx, age)
	return int64(args.Int(0)), args.Error(1)
}

func (m *mockRepo) PurgeFailureRecordsOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	args := m.Called(ctx, age)
	return int64(args.Int(0)), args.Error(1)
}

func (m *mockRepo) ListByUser(ctx context.Context, userID string, status *posts.Status, page, limit int) ([]*posts.ScheduledPost, int, error) {
	args := m.Called(ctx, userID, status, page, limit)
	if args.Get(0) == nil {
		return nil, args.Int(1), args.Error(2)
	}
	return args.Get(0).([]*posts.ScheduledPost), args.Int(1), args.Error(2)
}

func (m *mockRepo) UpdatePending(ctx context.Context, id string, body *string, scheduledAt *time.Time) (*posts.ScheduledPost, error) {
	args := m.Called(ctx, id, body, scheduledAt)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*posts.ScheduledPost), args.Error(1)
}

// fakeService records which thread-root IDs ExecuteThread was called with; it
// satisfies posts.Service but Create/Get/List/Update/Cancel/Execute are
// unused by Dispatcher.
type fakeService struct {
	mu       sync.Mutex
	executed []string
	err      error
	delay    time.Duration
}

func (f *fakeService) Create(ctx context.Context, userID, body string, scheduledAt time.Time, parentPostID *string) (*posts.ScheduledPost, error) {
	return nil, nil
}

func (f *fakeService) Get(ctx context.Context, actingUserID, postID string) (*posts.ScheduledPost, error) {
	return nil, nil
}

func (f *fakeService) List(ctx context.Context, userID string, status *posts.Status, page, limit int) ([]*posts.ScheduledPost, int, error) {
	return nil, 0, nil
}

func (f *fakeService) Update(ctx context.Context, actingUserID, postID string, body *string, scheduledAt *time.Time) (*posts.ScheduledPost, error) {
	return nil, nil
}

func (f *fakeService) Cancel(ctx context.Context, actingUserID, postID string) error { return nil }

func (f *fakeService) Execute(ctx context.Context, postID string) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.executed = append(f.executed, postID)
	f.mu.Unlock()
	return f.err
}

func (f *fakeService) ExecuteThread(ctx context.Context, threadRootID string) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.executed = append(f.executed, threadRootID)
	f.mu.Unlock()
	return f.err
}

func (f *fakeService) executedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.executed))
	copy(out, f.executed)
	return out
}

type fakeTokens struct{ mock.Mock }

func (f *fakeTokens) Put(ctx context.Context, s oauth.NewSession) (string, error) {
	args := f.Called(ctx, s)
	return args.String(0), args.Error(1)
}

func (f *fakeTokens) Rotate(ctx context.Context, sessionID, newAccess, newRefresh string, newDPoPPrivate jwk.Key, newAccessExpiry, newRefreshExpiry time.Time) error {
	return nil
}

func (f *fakeTokens) Get(ctx context.Context, sessionID string) (*oauth.AuthSession, error) {
	return nil, nil
}

func (f *fakeTokens) GetMostRecentActive(ctx context.Context, userID string) (*oauth.AuthSession, error) {
	return nil, nil
}

func (f *fakeTokens) Revoke(ctx context.Context, sessionID, reason string) error { return nil }

func (f *fakeTokens) PurgeExpired(ctx context.Context) (int64, error) {
	args := f.Called(ctx)
	return int64(args.Int(0)), args.Error(1)
}

func samplePosts(n int) []*posts.ScheduledPost {
	out := make([]*posts.ScheduledPost, n)
	for i := range out {
		out[i] = &posts.ScheduledPost{ID: string(rune('a' + i))}
	}
	return out
}

func TestDispatcher_TickExecutesAllDuePosts(t *testing.T) {
	repo := &mockRepo{}
	due := []*posts.ScheduledPost{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	repo.On("ListDue", mock.Anything, mock.Anything, batchSize).Return(due, nil)

	svc := &fakeService{}
	d := New(Config{TickInterval: time.Hour}, repo, svc, &fakeTokens{})

	d.tick(context.Background())

	assert.ElementsMatch(t, []string{"a", "b", "c"}, svc.executedIDs())
	repo.AssertExpectations(t)
}

func TestDispatcher_TickSkipsWhenAlreadyRunning(t *testing.T) {
	repo := &mockRepo{}
	repo.On("ListDue", mock.Anything, mock.Anything, batchSize).Return([]*posts.ScheduledPost{{ID: "a"}}, nil).Maybe()

	svc := &fakeService{}
	d := New(Config{TickInterval: time.Hour}, repo, svc, &fakeTokens{})
	d.running.Store(true)

	d.tick(context.Background())

	assert.Empty(t, svc.executedIDs())
}

func TestDispatcher_TickBatchesIntoSubBatches(t *testing.T) {
	repo := &mockRepo{}
	due := samplePosts(subBatchSize + 1)
	repo.On("ListDue", mock.Anything, mock.Anything, batchSize).Return(due, nil)

	svc := &fakeService{}
	d := New(Config{TickInterval: time.Hour}, repo, svc, &fakeTokens{})

	start := time.Now()
	d.tick(context.Background())
	elapsed := time.Since(start)

	assert.Len(t, svc.executedIDs(), subBatchSize+1)
	assert.GreaterOrEqual(t, elapsed, subBatchPause)
}

func TestDispatcher_CheckHealthReclaimsStuckPosts(t *testing.T) {
	repo := &mockRepo{}
	repo.On("ReclaimStuckExecuting", mock.Anything, watchdogAge).Return(2, nil)

	d := New(Config{}, repo, &fakeService{}, &fakeTokens{})
	d.checkHealth(context.Background())

	repo.AssertExpectations(t)
}

func TestDispatcher_RunMaintenanceCallsAllRetentionSteps(t *testing.T) {
	repo := &mockRepo{}
	repo.On("ArchiveCompletedOlderThan", mock.Anything, archiveCompletedAge).Return(1, nil)
	repo.On("ArchiveFailedOlderThan", mock.Anything, archiveFailedAge).Return(1, nil)
	repo.On("PurgeFailureRecordsOlderThan", mock.Anything, purgeFailureAge).Return(1, nil)

	tokens := &fakeTokens{}
	tokens.On("PurgeExpired", mock.Anything).Return(1, nil)

	d := New(Config{}, repo, &fakeService{}, tokens)
	d.runMaintenance(context.Background())

	repo.AssertExpectations(t)
	tokens.AssertExpectations(t)
}

func TestDispatcher_IsHealthyBeforeFirstTick(t *testing.T) {
	d := New(Config{TickInterval: time.Minute}, &mockRepo{}, &fakeService{}, &fakeTokens{})
	assert.True(t, d.IsHealthy())
}

func TestDispatcher_IsHealthyFalseWhenStale(t *testing.T) {
	d := New(Config{TickInterval: time.Minute}, &mockRepo{}, &fakeService{}, &fakeTokens{})
	d.lastTick.Store(time.Now().Add(-10 * time.Minute))
	assert.False(t, d.IsHealthy())
}

func TestNextMaintenanceRun_SameDayBeforeHour(t *testing.T) {
	now := time.Date(2026, 7, 31, 1, 0, 0, 0, time.UTC)
	next := nextMaintenanceRun(now)
	assert.Equal(t, time.Date(2026, 7, 31, maintenanceHourLocal, 0, 0, 0, time.UTC), next)
}

func TestNextMaintenanceRun_NextDayAfterHour(t *testing.T) {
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	next := nextMaintenanceRun(now)
	assert.Equal(t, time.Date(2026, 8, 1, maintenanceHourLocal, 0, 0, 0, time.UTC), next)
}

func TestDispatcher_StopWaitsForLoopsToExit(t *testing.T) {
	repo := &mockRepo{}
	repo.On("ListDue", mock.Anything, mock.Anything, batchSize).Return([]*posts.ScheduledPost{}, nil).Maybe()
	repo.On("ReclaimStuckExecuting", mock.Anything, mock.Anything).Return(0, nil).Maybe()
	tokens := &fakeTokens{}
	tokens.On("PurgeExpired", mock.Anything).Return(0, nil).Maybe()
	repo.On("ArchiveCompletedOlderThan", mock.Anything, mock.Anything).Return(0, nil).Maybe()
	repo.On("ArchiveFailedOlderThan", mock.Anything, mock.Anything).Return(0, nil).Maybe()
	repo.On("PurgeFailureRecordsOlderThan", mock.Anything, mock.Anything).Return(0, nil).Maybe()

	d := New(Config{TickInterval: time.Hour}, repo, &fakeService{}, tokens)
	d.Start(context.Background())
	d.Stop()

	var stopped atomic.Bool
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		stopped.Store(true)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
	}
	require.True(t, stopped.Load(), "dispatcher loops still running after Stop")
}
