package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github.com/smartgate/gate-server-go/internal/errors"
	"github.com/smartgate/gate-server-go/internal/metrics"
	"github.com/smartgate/gate-server-go/internal/model"
)

type memoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]CachedIssuance
	getErr  error
	setErr  error
}

func newMemoryIdempotencyStore() *memoryIdempotencyStore {
	return &memoryIdempotencyStore{entries: make(map[string]CachedIssuance)}
}

func (s *memoryIdempotencyStore) Get(_ context.Context, key string) (*CachedIssuance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	entry, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (s *memoryIdempotencyStore) Set(_ context.Context, key string, entry CachedIssuance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	s.entries[key] = entry
	return nil
}

func TestIdempotentIssuer_Issue(t *testing.T) {
	ctx := context.Background()

	t.Run("replays issued code for the same key", func(t *testing.T) {
		lock := new(mockLockClient)
		lock.On("CreateKey", mock.Anything, mock.Anything).Return(nil).Once()

		store := newMemoryIdempotencyStore()
		s := NewIdempotentIssuer(newTestIssuer(lock, 482913, 715064), store, 0, metrics.NewNop())

		first, replayed, err := s.Issue(ctx, "visit-key-0001", validRequest(), quizAnswers)
		require.NoError(t, err)
		assert.False(t, replayed)
		require.True(t, first.IsIssued())

		second, replayed, err := s.Issue(ctx, "visit-key-0001", validRequest(), quizAnswers)
		require.NoError(t, err)
		assert.True(t, replayed)
		assert.Equal(t, first, second)
		lock.AssertNumberOfCalls(t, "CreateKey", 1)
	})

	t.Run("does not cache rejections or remote failures", func(t *testing.T) {
		lock := new(mockLockClient)
		lock.On("CreateKey", mock.Anything, mock.Anything).Return(errors.New("timeout")).Once()
		lock.On("CreateKey", mock.Anything, mock.Anything).Return(nil).Once()

		store := newMemoryIdempotencyStore()
		s := NewIdempotentIssuer(newTestIssuer(lock, 482913, 715064), store, 0, nil)

		first, _, err := s.Issue(ctx, "visit-key-0002", validRequest(), quizAnswers)
		require.NoError(t, err)
		assert.Equal(t, model.OutcomeRemoteFailure, first.Kind)
		assert.Empty(t, store.entries)

		second, replayed, err := s.Issue(ctx, "visit-key-0002", validRequest(), quizAnswers)
		require.NoError(t, err)
		assert.False(t, replayed)
		assert.True(t, second.IsIssued())
		lock.AssertNumberOfCalls(t, "CreateKey", 2)
	})

	t.Run("refuses key reuse with different answers", func(t *testing.T) {
		lock := new(mockLockClient)
		lock.On("CreateKey", mock.Anything, mock.Anything).Return(nil).Once()

		s := NewIdempotentIssuer(newTestIssuer(lock, 482913), newMemoryIdempotencyStore(), 0, nil)

		_, _, err := s.Issue(ctx, "visit-key-0003", validRequest(), quizAnswers)
		require.NoError(t, err)

		other := validRequest()
		other.SubmittedAnswers["q2"] = "wrong"
		_, _, err = s.Issue(ctx, "visit-key-0003", other, quizAnswers)

		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
		lock.AssertNumberOfCalls(t, "CreateKey", 1)
	})

	t.Run("empty key bypasses the cache", func(t *testing.T) {
		lock := new(mockLockClient)
		lock.On("CreateKey", mock.Anything, mock.Anything).Return(nil).Twice()

		store := newMemoryIdempotencyStore()
		s := NewIdempotentIssuer(newTestIssuer(lock, 482913, 715064), store, 0, nil)

		_, _, err := s.Issue(ctx, "", validRequest(), quizAnswers)
		require.NoError(t, err)
		_, _, err = s.Issue(ctx, "", validRequest(), quizAnswers)
		require.NoError(t, err)

		assert.Empty(t, store.entries)
		lock.AssertNumberOfCalls(t, "CreateKey", 2)
	})

	t.Run("store failure falls back to plain issuance", func(t *testing.T) {
		lock := new(mockLockClient)
		lock.On("CreateKey", mock.Anything, mock.Anything).Return(nil).Once()

		store := newMemoryIdempotencyStore()
		store.getErr = errors.New("redis down")
		store.setErr = errors.New("redis down")
		s := NewIdempotentIssuer(newTestIssuer(lock, 482913), store, 0, metrics.NewNop())

		outcome, replayed, err := s.Issue(ctx, "visit-key-0004", validRequest(), quizAnswers)
		require.NoError(t, err)
		assert.False(t, replayed)
		assert.True(t, outcome.IsIssued())
	})

	t.Run("validation errors pass through", func(t *testing.T) {
		lock := new(mockLockClient)
		s := NewIdempotentIssuer(newTestIssuer(lock), newMemoryIdempotencyStore(), 0, nil)

		req := validRequest()
		req.RequestedHours = -1

		_, _, err := s.Issue(ctx, "visit-key-0005", req, quizAnswers)
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
	})
}

type issueResult struct {
	outcome model.IssuanceOutcome
	err     error
}

func issueAsync(ctx context.Context, s *IdempotentIssuer, key string, req model.IssuanceRequest) <-chan issueResult {
	ch := make(chan issueResult, 1)
	go func() {
		outcome, _, err := s.Issue(ctx, key, req, quizAnswers)
		ch <- issueResult{outcome: outcome, err: err}
	}()
	return ch
}

// blockingLock holds CreateKey open until release is closed.
func blockingLock(entered chan<- struct{}, release <-chan struct{}, ctxErr *error) *mockLockClient {
	lock := new(mockLockClient)
	lock.On("CreateKey", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		close(entered)
		<-release
		if ctxErr != nil {
			*ctxErr = args.Get(0).(context.Context).Err()
		}
	}).Return(nil).Once()
	return lock
}

func TestIdempotentIssuer_Concurrent(t *testing.T) {
	t.Run("in-flight key is not shared with a different submission", func(t *testing.T) {
		entered := make(chan struct{})
		release := make(chan struct{})
		lock := blockingLock(entered, release, nil)
		s := NewIdempotentIssuer(newTestIssuer(lock, 482913), newMemoryIdempotencyStore(), time.Second, nil)

		first := issueAsync(context.Background(), s, "shared-key-0001", validRequest())
		<-entered

		intruder := model.IssuanceRequest{
			DisplayName:      "Intruder",
			RequestedHours:   72,
			SubmittedAnswers: model.SubmittedAnswers{"q1": "wrong"},
		}
		second := issueAsync(context.Background(), s, "shared-key-0001", intruder)
		time.Sleep(50 * time.Millisecond)
		close(release)

		got := <-second
		require.Error(t, got.err)
		assert.True(t, apperrors.IsValidation(got.err))
		assert.NotEqual(t, model.OutcomeIssued, got.outcome.Kind)
		assert.Zero(t, got.outcome.Code)

		leader := <-first
		require.NoError(t, leader.err)
		assert.True(t, leader.outcome.IsIssued())
		lock.AssertNumberOfCalls(t, "CreateKey", 1)
	})

	t.Run("identical concurrent submissions share one code", func(t *testing.T) {
		entered := make(chan struct{})
		release := make(chan struct{})
		lock := blockingLock(entered, release, nil)
		s := NewIdempotentIssuer(newTestIssuer(lock, 482913, 715064), newMemoryIdempotencyStore(), time.Second, nil)

		first := issueAsync(context.Background(), s, "shared-key-0002", validRequest())
		<-entered
		second := issueAsync(context.Background(), s, "shared-key-0002", validRequest())
		time.Sleep(50 * time.Millisecond)
		close(release)

		a, b := <-first, <-second
		require.NoError(t, a.err)
		require.NoError(t, b.err)
		assert.Equal(t, model.AccessCode(482913), a.outcome.Code)
		assert.Equal(t, a.outcome, b.outcome)
		lock.AssertNumberOfCalls(t, "CreateKey", 1)
	})

	t.Run("cancelled caller does not cancel the shared issuance", func(t *testing.T) {
		entered := make(chan struct{})
		release := make(chan struct{})
		var lockCtxErr error
		lock := blockingLock(entered, release, &lockCtxErr)
		s := NewIdempotentIssuer(newTestIssuer(lock, 482913), newMemoryIdempotencyStore(), time.Second, nil)

		leaderCtx, cancel := context.WithCancel(context.Background())
		first := issueAsync(leaderCtx, s, "shared-key-0003", validRequest())
		<-entered
		second := issueAsync(context.Background(), s, "shared-key-0003", validRequest())
		time.Sleep(50 * time.Millisecond)

		cancel()
		leader := <-first
		assert.ErrorIs(t, leader.err, context.Canceled)

		close(release)
		follower := <-second
		require.NoError(t, follower.err)
		assert.True(t, follower.outcome.IsIssued())
		assert.NoError(t, lockCtxErr)
		lock.AssertNumberOfCalls(t, "CreateKey", 1)
	})
}

func TestRedisIdempotencyStore(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	entry := CachedIssuance{
		Fingerprint: "fp",
		Outcome:     model.Issued(482913, model.ValidityWindow{StartTime: 1, EndTime: 2}),
	}

	for _, key := range []string{"", strings.Repeat("ab", 32)} {
		store := NewRedisIdempotencyStore(client, time.Minute, key)

		require.NoError(t, store.Set(ctx, "visit-key-redis", entry))

		got, err := store.Get(ctx, "visit-key-redis")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, entry, *got)

		missing, err := store.Get(ctx, "never-set-key")
		require.NoError(t, err)
		assert.Nil(t, missing)
	}
}

func TestRequestFingerprint(t *testing.T) {
	a := validRequest()
	b := validRequest()
	assert.Equal(t, RequestFingerprint(a), RequestFingerprint(b))

	b.DisplayName = "  Guest Taro "
	assert.Equal(t, RequestFingerprint(a), RequestFingerprint(b), "surrounding whitespace is ignored")

	b.RequestedHours = 4
	assert.NotEqual(t, RequestFingerprint(a), RequestFingerprint(b))

	c := validRequest()
	c.SubmittedAnswers["q1"] = "Z"
	assert.NotEqual(t, RequestFingerprint(a), RequestFingerprint(c))
}
