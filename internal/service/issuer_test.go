package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github.com/smartgate/gate-server-go/internal/errors"
	"github.com/smartgate/gate-server-go/internal/metrics"
	"github.com/smartgate/gate-server-go/internal/model"
	"github.com/smartgate/gate-server-go/internal/passcode"
	"github.com/smartgate/gate-server-go/internal/switchbot"
)

type mockLockClient struct {
	mock.Mock
}

func (m *mockLockClient) CreateKey(ctx context.Context, params switchbot.CreateKeyParams) error {
	args := m.Called(ctx, params)
	return args.Error(0)
}

type sequenceGenerator struct {
	codes []model.AccessCode
	next  int
}

func (g *sequenceGenerator) Generate() model.AccessCode {
	code := g.codes[g.next%len(g.codes)]
	g.next++
	return code
}

var fixedNow = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

var quizAnswers = model.AnswerSet{"q1": "A", "q2": "B", "q3": "C", "q4": "D"}

func newTestIssuer(lock LockClient, codes ...model.AccessCode) *IssuerService {
	s := NewIssuerService(lock, 72, metrics.NewNop())
	s.now = func() time.Time { return fixedNow }
	if len(codes) > 0 {
		s.generator = &sequenceGenerator{codes: codes}
	}
	return s
}

func validRequest() model.IssuanceRequest {
	return model.IssuanceRequest{
		DisplayName:      "Guest Taro",
		RequestedHours:   3,
		SubmittedAnswers: model.SubmittedAnswers{"q1": "A", "q2": "B", "q3": "C", "q4": "D"},
	}
}

func TestIssuerService_Issue(t *testing.T) {
	ctx := context.Background()
	start := fixedNow.UnixMilli()
	end := start + 3*3600*1000

	t.Run("issues code when all answers match", func(t *testing.T) {
		lock := new(mockLockClient)
		lock.On("CreateKey", mock.Anything, switchbot.CreateKeyParams{
			Name:     "Guest Taro",
			Password: 482913,
			Window:   model.ValidityWindow{StartTime: start, EndTime: end},
		}).Return(nil).Once()

		s := newTestIssuer(lock, 482913)
		outcome, err := s.Issue(ctx, validRequest(), quizAnswers)

		require.NoError(t, err)
		assert.Equal(t, model.OutcomeIssued, outcome.Kind)
		assert.Equal(t, model.AccessCode(482913), outcome.Code)
		assert.Equal(t, start, outcome.Window.StartTime)
		assert.Equal(t, end, outcome.Window.EndTime)
		assert.Empty(t, outcome.Reason)
		lock.AssertNumberOfCalls(t, "CreateKey", 1)
	})

	t.Run("rejects wrong answer without calling the lock", func(t *testing.T) {
		lock := new(mockLockClient)
		s := newTestIssuer(lock, 482913)

		req := validRequest()
		req.SubmittedAnswers["q3"] = "X"

		outcome, err := s.Issue(ctx, req, quizAnswers)

		require.NoError(t, err)
		assert.Equal(t, model.Rejected(), outcome)
		lock.AssertNotCalled(t, "CreateKey", mock.Anything, mock.Anything)
	})

	t.Run("rejects missing answer without calling the lock", func(t *testing.T) {
		lock := new(mockLockClient)
		s := newTestIssuer(lock)

		req := validRequest()
		delete(req.SubmittedAnswers, "q4")

		outcome, err := s.Issue(ctx, req, quizAnswers)

		require.NoError(t, err)
		assert.Equal(t, model.OutcomeRejected, outcome.Kind)
		lock.AssertNotCalled(t, "CreateKey", mock.Anything, mock.Anything)
	})

	t.Run("maps API status error to remote failure", func(t *testing.T) {
		lock := new(mockLockClient)
		lock.On("CreateKey", mock.Anything, mock.Anything).
			Return(&switchbot.APIError{HTTPStatus: 200, StatusCode: 190, Message: "invalid token"}).Once()

		s := newTestIssuer(lock, 482913)
		outcome, err := s.Issue(ctx, validRequest(), quizAnswers)

		require.NoError(t, err)
		assert.Equal(t, model.OutcomeRemoteFailure, outcome.Kind)
		assert.Contains(t, outcome.Reason, "190")
		assert.Contains(t, outcome.Reason, "invalid token")
		assert.Zero(t, outcome.Code)
		lock.AssertNumberOfCalls(t, "CreateKey", 1)
	})

	t.Run("maps timeout to remote failure after one attempt", func(t *testing.T) {
		lock := new(mockLockClient)
		lock.On("CreateKey", mock.Anything, mock.Anything).
			Return(context.DeadlineExceeded).Once()

		s := newTestIssuer(lock, 482913)
		outcome, err := s.Issue(ctx, validRequest(), quizAnswers)

		require.NoError(t, err)
		assert.Equal(t, model.OutcomeRemoteFailure, outcome.Kind)
		assert.NotEmpty(t, outcome.Reason)
		lock.AssertNumberOfCalls(t, "CreateKey", 1)
	})

	t.Run("validation failure makes no remote call", func(t *testing.T) {
		lock := new(mockLockClient)
		s := newTestIssuer(lock)

		req := validRequest()
		req.RequestedHours = 0

		_, err := s.Issue(ctx, req, quizAnswers)

		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
		lock.AssertNotCalled(t, "CreateKey", mock.Anything, mock.Anything)
	})

	t.Run("validation runs before verification", func(t *testing.T) {
		lock := new(mockLockClient)
		s := newTestIssuer(lock)

		req := validRequest()
		req.DisplayName = "   "
		req.SubmittedAnswers["q1"] = "wrong"

		_, err := s.Issue(ctx, req, quizAnswers)

		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeMissingRequired, apperrors.GetCode(err))
	})

	t.Run("trims display name sent to the lock", func(t *testing.T) {
		lock := new(mockLockClient)
		lock.On("CreateKey", mock.Anything, mock.MatchedBy(func(p switchbot.CreateKeyParams) bool {
			return p.Name == "Guest Hanako"
		})).Return(nil).Once()

		s := newTestIssuer(lock, 482913)
		req := validRequest()
		req.DisplayName = "  Guest Hanako  "

		outcome, err := s.Issue(ctx, req, quizAnswers)

		require.NoError(t, err)
		assert.True(t, outcome.IsIssued())
		lock.AssertExpectations(t)
	})

	t.Run("every call draws a fresh code", func(t *testing.T) {
		lock := new(mockLockClient)
		lock.On("CreateKey", mock.Anything, mock.Anything).
			Return(errors.New("connection reset")).Once()
		lock.On("CreateKey", mock.Anything, mock.Anything).Return(nil).Once()

		s := newTestIssuer(lock, 482913, 715064)

		first, err := s.Issue(ctx, validRequest(), quizAnswers)
		require.NoError(t, err)
		assert.Equal(t, model.OutcomeRemoteFailure, first.Kind)

		second, err := s.Issue(ctx, validRequest(), quizAnswers)
		require.NoError(t, err)
		require.True(t, second.IsIssued())
		assert.Equal(t, model.AccessCode(715064), second.Code)

		sent := lock.Calls[1].Arguments.Get(1).(switchbot.CreateKeyParams)
		assert.Equal(t, model.AccessCode(715064), sent.Password)
	})
}

func TestIssuerService_DefaultGenerator(t *testing.T) {
	lock := new(mockLockClient)
	lock.On("CreateKey", mock.Anything, mock.Anything).Return(nil)

	s := NewIssuerService(lock, 72, nil)

	for i := 0; i < 50; i++ {
		outcome, err := s.Issue(context.Background(), validRequest(), quizAnswers)
		require.NoError(t, err)
		require.True(t, outcome.IsIssued())
		assert.True(t, outcome.Code.InRange())
		assert.False(t, passcode.IsWeak(int(outcome.Code)))
		assert.Equal(t, 3*time.Hour, outcome.Window.Duration())
	}
}
