package handler

import (
	"context"
	"encoding/json"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/smartgate/gate-server-go/internal/audit"
	"github.com/smartgate/gate-server-go/internal/config"
	apperrors "github.com/smartgate/gate-server-go/internal/errors"
	"github.com/smartgate/gate-server-go/internal/httputil"
	"github.com/smartgate/gate-server-go/internal/metrics"
	"github.com/smartgate/gate-server-go/internal/model"
	"github.com/smartgate/gate-server-go/internal/repository"
	"github.com/smartgate/gate-server-go/internal/util"
)

const idempotencyKeyHeader = "Idempotency-Key"

// SubmissionIssuer is implemented by service.IdempotentIssuer
type SubmissionIssuer interface {
	Issue(
		ctx context.Context,
		key string,
		req model.IssuanceRequest,
		answers model.AnswerSet,
	) (outcome model.IssuanceOutcome, replayed bool, err error)
}

type QuizHandler struct {
	issuer  SubmissionIssuer
	answers model.AnswerSet
	logs    repository.IssuanceLogRepository
	metrics *metrics.Metrics
}

func NewQuizHandler(
	issuer SubmissionIssuer,
	answers model.AnswerSet,
	logs repository.IssuanceLogRepository,
	m *metrics.Metrics,
) *QuizHandler {
	return &QuizHandler{
		issuer:  issuer,
		answers: answers,
		logs:    logs,
		metrics: m,
	}
}

func (h *QuizHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/submit", h.Submit)

	return r
}

type issuedResponse struct {
	Status     string `json:"status"`
	Passcode   string `json:"passcode"`
	StartTime  int64  `json:"startTime"`
	EndTime    int64  `json:"endTime"`
	ValidHours int    `json:"validHours"`
	Replayed   bool   `json:"replayed,omitempty"`
}

// POST /api/quiz/submit
// Accepts JSON {"name","validHours","answers"} or a form with name, valid_hours
// and one field per question.
func (h *QuizHandler) Submit(w http.ResponseWriter, r *http.Request) {
	req, err := decodeSubmission(r)
	if err != nil {
		h.invalid(w, r, err)
		return
	}

	key := strings.TrimSpace(r.Header.Get(idempotencyKeyHeader))
	if key != "" && !util.IsValidIdempotencyKey(key) {
		h.invalid(w, r, apperrors.InvalidInput(idempotencyKeyHeader, "must be 8-128 characters of [A-Za-z0-9_.:-]"))
		return
	}

	outcome, replayed, err := h.issuer.Issue(r.Context(), key, req, h.answers)
	if err != nil {
		if apperrors.IsValidation(err) {
			h.invalid(w, r, err)
			return
		}
		log.Error().Err(err).Msg("issuance failed unexpectedly")
		httputil.WriteError(w, err)
		return
	}

	name := strings.TrimSpace(req.DisplayName)

	if replayed {
		audit.LogFromRequest(r, audit.Event{
			Type:    audit.EventCodeReplayed,
			Visitor: name,
			Details: map[string]interface{}{"code": util.MaskCode(outcome.Code.String())},
		})
		httputil.WriteJSON(w, http.StatusOK, issuedBody(outcome, req.RequestedHours, true))
		return
	}

	h.record(r, name, outcome)

	switch outcome.Kind {
	case model.OutcomeIssued:
		audit.LogFromRequest(r, audit.Event{
			Type:    audit.EventCodeIssued,
			Visitor: name,
			Details: map[string]interface{}{
				"code":       util.MaskCode(outcome.Code.String()),
				"validHours": req.RequestedHours,
			},
		})
		httputil.WriteJSON(w, http.StatusOK, issuedBody(outcome, req.RequestedHours, false))

	case model.OutcomeRejected:
		audit.LogFromRequest(r, audit.Event{Type: audit.EventQuizRejected, Visitor: name})
		httputil.WriteError(w, apperrors.QuizRejected())

	default:
		log.Warn().Str("reason", outcome.Reason).Str("name", name).Msg("lock rejected access code")
		audit.LogFromRequest(r, audit.Event{
			Type:    audit.EventCodeIssueFailed,
			Visitor: name,
			Details: map[string]interface{}{"reason": outcome.Reason},
		})
		httputil.WriteError(w, apperrors.RemoteFailure(outcome.Reason))
	}
}

func (h *QuizHandler) invalid(w http.ResponseWriter, r *http.Request, err error) {
	audit.LogFromRequest(r, audit.Event{
		Type:    audit.EventInvalidSubmission,
		Details: map[string]interface{}{"error": err.Error()},
	})
	httputil.WriteError(w, err)
}

// record writes the issuance row. A failed write never changes the response.
func (h *QuizHandler) record(r *http.Request, name string, outcome model.IssuanceOutcome) {
	if h.logs == nil {
		return
	}

	params := model.CreateIssuanceLogParams{
		ID:          uuid.NewString(),
		DisplayName: name,
		Outcome:     outcome.Kind,
		ClientIP:    audit.ClientIP(r),
	}
	switch outcome.Kind {
	case model.OutcomeIssued:
		masked := util.MaskCode(outcome.Code.String())
		start, end := outcome.Window.Start(), outcome.Window.End()
		params.MaskedCode = &masked
		params.StartsAt = &start
		params.EndsAt = &end
	case model.OutcomeRemoteFailure:
		reason := outcome.Reason
		params.Reason = &reason
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), config.IssuanceLogWriteTimeout)
	defer cancel()

	if _, err := h.logs.Create(ctx, params); err != nil {
		if h.metrics != nil {
			h.metrics.IssuanceLogFailures.Inc()
		}
		log.Error().Err(err).Str("outcome", string(outcome.Kind)).Msg("failed to write issuance log")
	}
}

func issuedBody(outcome model.IssuanceOutcome, hours int, replayed bool) issuedResponse {
	if replayed {
		hours = int(outcome.Window.Duration() / time.Hour)
	}
	return issuedResponse{
		Status:     "issued",
		Passcode:   outcome.Code.String(),
		StartTime:  outcome.Window.StartTime,
		EndTime:    outcome.Window.EndTime,
		ValidHours: hours,
		Replayed:   replayed,
	}
}

func decodeSubmission(r *http.Request) (model.IssuanceRequest, error) {
	var req model.IssuanceRequest

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, apperrors.ValidationError("Invalid request body")
		}
		return req, nil
	}

	if err := r.ParseForm(); err != nil {
		return req, apperrors.ValidationError("Invalid form body")
	}

	req.DisplayName = r.PostForm.Get("name")
	if raw := strings.TrimSpace(r.PostForm.Get("valid_hours")); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil {
			return req, apperrors.InvalidInput("valid_hours", "must be a whole number of hours")
		}
		req.RequestedHours = hours
	}

	req.SubmittedAnswers = make(model.SubmittedAnswers)
	for field, values := range r.PostForm {
		if field == "name" || field == "valid_hours" || len(values) == 0 {
			continue
		}
		req.SubmittedAnswers[field] = values[0]
	}
	return req, nil
}
