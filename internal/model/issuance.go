package model

import (
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/smartgate/gate-server-go/internal/errors"
)

const maxDisplayNameLength = 64

// AnswerSet maps a question identifier to its expected answer
type AnswerSet map[string]string

// SubmittedAnswers maps a question identifier to the visitor's answer
type SubmittedAnswers map[string]string

// VerificationResult is the outcome of comparing submitted answers
type VerificationResult string

const (
	Passed VerificationResult = "passed"
	Failed VerificationResult = "failed"
)

// AccessCode is the 6-digit numeric credential programmed into the lock
type AccessCode int

const (
	MinAccessCode AccessCode = 100000
	MaxAccessCode AccessCode = 999999
)

func (c AccessCode) String() string {
	return strconv.Itoa(int(c))
}

// InRange reports whether the code has exactly six digits
func (c AccessCode) InRange() bool {
	return c >= MinAccessCode && c <= MaxAccessCode
}

// ValidityWindow is the [start, end) interval during which a code opens the lock.
// Both bounds are epoch milliseconds, the unit the lock API expects.
type ValidityWindow struct {
	StartTime int64 `json:"startTime"`
	EndTime   int64 `json:"endTime"`
}

func (w ValidityWindow) Duration() time.Duration {
	return time.Duration(w.EndTime-w.StartTime) * time.Millisecond
}

func (w ValidityWindow) Start() time.Time {
	return time.UnixMilli(w.StartTime)
}

func (w ValidityWindow) End() time.Time {
	return time.UnixMilli(w.EndTime)
}

// IssuanceRequest is what the web layer hands over after decoding a quiz submission
type IssuanceRequest struct {
	DisplayName      string           `json:"name"`
	RequestedHours   int              `json:"validHours"`
	SubmittedAnswers SubmittedAnswers `json:"answers"`
}

// Validate checks the request shape. maxHours <= 0 disables the upper bound.
func (r IssuanceRequest) Validate(maxHours int) error {
	name := strings.TrimSpace(r.DisplayName)
	if name == "" {
		return apperrors.MissingRequired("name")
	}
	if utf8.RuneCountInString(name) > maxDisplayNameLength {
		return apperrors.InvalidInput("name", "must be at most 64 characters")
	}
	if r.RequestedHours <= 0 {
		return apperrors.InvalidInput("validHours", "must be a positive number of hours")
	}
	if maxHours > 0 && r.RequestedHours > maxHours {
		return apperrors.InvalidInput("validHours", "must be at most "+strconv.Itoa(maxHours)+" hours")
	}
	return nil
}

type OutcomeKind string

const (
	OutcomeRejected      OutcomeKind = "rejected"
	OutcomeIssued        OutcomeKind = "issued"
	OutcomeRemoteFailure OutcomeKind = "remote_failure"
)

// IssuanceOutcome is exactly one of Rejected, Issued or RemoteFailure.
// Code and Window are only set for Issued, Reason only for RemoteFailure.
type IssuanceOutcome struct {
	Kind   OutcomeKind    `json:"kind"`
	Code   AccessCode     `json:"code,omitempty"`
	Window ValidityWindow `json:"window"`
	Reason string         `json:"reason,omitempty"`
}

func Rejected() IssuanceOutcome {
	return IssuanceOutcome{Kind: OutcomeRejected}
}

func Issued(code AccessCode, window ValidityWindow) IssuanceOutcome {
	return IssuanceOutcome{Kind: OutcomeIssued, Code: code, Window: window}
}

func RemoteFailure(reason string) IssuanceOutcome {
	return IssuanceOutcome{Kind: OutcomeRemoteFailure, Reason: reason}
}

func (o IssuanceOutcome) IsIssued() bool {
	return o.Kind == OutcomeIssued
}
