package repository

import (
	"database/sql"
	"errors"
)

// HandleNotFound turns sql.ErrNoRows into a nil result, so Find* methods
// report a missing row as (nil, nil):
//
//	var entry model.IssuanceLog
//	err := r.db.GetContext(ctx, &entry, query, id)
//	return HandleNotFound(&entry, err)
func HandleNotFound[T any](result *T, err error) (*T, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}
