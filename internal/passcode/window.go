package passcode

import (
	"time"

	apperrors "github.com/smartgate/gate-server-go/internal/errors"
	"github.com/smartgate/gate-server-go/internal/model"
)

// ComputeWindow opens the window at now and closes it hours later
func ComputeWindow(hours int, now time.Time) (model.ValidityWindow, error) {
	if hours <= 0 {
		return model.ValidityWindow{}, apperrors.InvalidInput("validHours", "must be a positive number of hours")
	}

	end := now.Add(time.Duration(hours) * time.Hour)
	return model.ValidityWindow{
		StartTime: now.UnixMilli(),
		EndTime:   end.UnixMilli(),
	}, nil
}
