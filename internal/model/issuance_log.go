package model

import (
	"time"
)

// IssuanceLog is the audit row written for every quiz submission.
// It never holds the full access code.
type IssuanceLog struct {
	ID          string      `db:"id" json:"id"`
	DisplayName string      `db:"display_name" json:"displayName"`
	Outcome     OutcomeKind `db:"outcome" json:"outcome"`
	MaskedCode  *string     `db:"masked_code" json:"maskedCode,omitempty"`
	StartsAt    *time.Time  `db:"starts_at" json:"startsAt,omitempty"`
	EndsAt      *time.Time  `db:"ends_at" json:"endsAt,omitempty"`
	Reason      *string     `db:"reason" json:"reason,omitempty"`
	ClientIP    string      `db:"client_ip" json:"clientIp"`
	CreatedAt   time.Time   `db:"created_at" json:"createdAt"`
}

// CreateIssuanceLogParams contains parameters for recording a submission
type CreateIssuanceLogParams struct {
	ID          string
	DisplayName string
	Outcome     OutcomeKind
	MaskedCode  *string
	StartsAt    *time.Time
	EndsAt      *time.Time
	Reason      *string
	ClientIP    string
}
