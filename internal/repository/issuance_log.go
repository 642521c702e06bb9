package repository

import (
	"context"
	"time"

	"github.com/smartgate/gate-server-go/internal/database"
	"github.com/smartgate/gate-server-go/internal/model"
)

// IssuanceLogRepository records quiz submissions and their outcome
type IssuanceLogRepository interface {
	Create(ctx context.Context, params model.CreateIssuanceLogParams) (*model.IssuanceLog, error)
	FindByID(ctx context.Context, id string) (*model.IssuanceLog, error)
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

type issuanceLogRepo struct {
	db database.DBTX
}

// NewIssuanceLogRepository creates a new issuance log repository
func NewIssuanceLogRepository(db database.DBTX) IssuanceLogRepository {
	return &issuanceLogRepo{db: db}
}

func (r *issuanceLogRepo) Create(ctx context.Context, params model.CreateIssuanceLogParams) (*model.IssuanceLog, error) {
	var entry model.IssuanceLog
	err := r.db.GetContext(ctx, &entry, `
		INSERT INTO issuance_logs (id, display_name, outcome, masked_code, starts_at, ends_at, reason, client_ip)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING *
	`, params.ID, params.DisplayName, params.Outcome, params.MaskedCode,
		params.StartsAt, params.EndsAt, params.Reason, params.ClientIP)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *issuanceLogRepo) FindByID(ctx context.Context, id string) (*model.IssuanceLog, error) {
	var entry model.IssuanceLog
	err := r.db.GetContext(ctx, &entry, `SELECT * FROM issuance_logs WHERE id = $1`, id)
	return HandleNotFound(&entry, err)
}

// DeleteOlderThan removes rows past the retention period
func (r *issuanceLogRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM issuance_logs
		WHERE created_at < $1
	`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
