package commission

import (
	"time"

	"komisiku/backend/internal/domain"
)

// The withdrawal window runs from day 26 through day 30 of every month,
// inclusive. For months shorter than 30 days the window ends on the last
// day of the month instead.
const (
	windowStartDay = 26
	windowEndDay   = 30
)

// ComputeWindow returns the withdrawal window containing ref, or the
// nearest following one if ref falls after this month's window.
func ComputeWindow(ref time.Time) domain.WithdrawalWindow {
	ref = ref.UTC()
	year, month, _ := ref.Date()

	from, until := windowBounds(year, month)
	if ref.After(until) {
		next := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
		from, until = windowBounds(next.Year(), next.Month())
	}

	return domain.WithdrawalWindow{
		AvailableFrom:  from,
		AvailableUntil: until,
		Active:         !ref.Before(from) && !ref.After(until),
	}
}

func windowBounds(year int, month time.Month) (time.Time, time.Time) {
	from := time.Date(year, month, windowStartDay, 0, 0, 0, 0, time.UTC)

	lastDay := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, -1).Day()
	endDay := windowEndDay
	if lastDay < endDay {
		endDay = lastDay
	}
	until := time.Date(year, month, endDay, 23, 59, 59, 0, time.UTC)
	return from, until
}
