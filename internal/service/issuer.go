package service

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/smartgate/gate-server-go/internal/metrics"
	"github.com/smartgate/gate-server-go/internal/model"
	"github.com/smartgate/gate-server-go/internal/passcode"
	"github.com/smartgate/gate-server-go/internal/quiz"
	"github.com/smartgate/gate-server-go/internal/switchbot"
	"github.com/smartgate/gate-server-go/internal/util"
)

// LockClient programs a passcode into the remote keypad
type LockClient interface {
	CreateKey(ctx context.Context, params switchbot.CreateKeyParams) error
}

// CodeGenerator produces strong access codes
type CodeGenerator interface {
	Generate() model.AccessCode
}

// Issuer turns a quiz submission into an issuance outcome
type Issuer interface {
	Issue(ctx context.Context, req model.IssuanceRequest, answers model.AnswerSet) (model.IssuanceOutcome, error)
}

// IssuerService verifies quiz answers and, on a pass, registers a fresh code
// with the lock. It holds no per-call state and is safe for concurrent use.
type IssuerService struct {
	lock      LockClient
	generator CodeGenerator
	maxHours  int
	now       func() time.Time
	metrics   *metrics.Metrics
}

// NewIssuerService creates an issuer; maxHours <= 0 removes the upper bound on validity
func NewIssuerService(lock LockClient, maxHours int, m *metrics.Metrics) *IssuerService {
	return &IssuerService{
		lock:      lock,
		generator: passcode.NewGenerator(),
		maxHours:  maxHours,
		now:       time.Now,
		metrics:   m,
	}
}

// Issue returns an error only for a malformed request. Wrong answers and
// every lock API failure come back as Rejected and RemoteFailure outcomes.
// Each call makes at most one remote attempt and always uses a new code.
func (s *IssuerService) Issue(
	ctx context.Context,
	req model.IssuanceRequest,
	answers model.AnswerSet,
) (model.IssuanceOutcome, error) {
	if err := req.Validate(s.maxHours); err != nil {
		return model.IssuanceOutcome{}, err
	}

	name := strings.TrimSpace(req.DisplayName)

	if quiz.Verify(answers, req.SubmittedAnswers) == model.Failed {
		log.Info().
			Str("name", name).
			Strs("mismatched", quiz.Mismatched(answers, req.SubmittedAnswers)).
			Msg("quiz rejected")
		return s.observe(model.Rejected()), nil
	}

	code := s.generator.Generate()
	window, err := passcode.ComputeWindow(req.RequestedHours, s.now())
	if err != nil {
		return model.IssuanceOutcome{}, err
	}

	if err := s.lock.CreateKey(ctx, switchbot.CreateKeyParams{
		Name:     name,
		Password: code,
		Window:   window,
	}); err != nil {
		return s.observe(model.RemoteFailure(err.Error())), nil
	}

	log.Info().
		Str("name", name).
		Str("code", util.MaskCode(code.String())).
		Time("startsAt", window.Start()).
		Time("endsAt", window.End()).
		Msg("access code issued")

	return s.observe(model.Issued(code, window)), nil
}

func (s *IssuerService) observe(outcome model.IssuanceOutcome) model.IssuanceOutcome {
	if s.metrics != nil {
		s.metrics.IssuanceOutcomes.WithLabelValues(string(outcome.Kind)).Inc()
	}
	return outcome
}
