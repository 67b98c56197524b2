package installment

import (
	"time"

	"coursepay/internal/common/apperr"
	"coursepay/internal/common/money"
)

// DueDate returns the due date of installment n (1-indexed) of a plan
// starting on start. Each date is computed from start, so month-end starts
// clamp per month instead of drifting (Jan 31, Feb 29, Mar 31 ...).
func DueDate(start time.Time, cadence Cadence, n int) time.Time {
	start = dateOf(start)
	if n <= 1 {
		return start
	}
	steps := n - 1

	switch cadence {
	case CadenceWeekly:
		return start.AddDate(0, 0, 7*steps)
	case CadenceQuarterly:
		return addMonths(start, 3*steps)
	default:
		return addMonths(start, steps)
	}
}

// addMonths adds calendar months, clamping the day to the target month's length.
func addMonths(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(months), 1, 0, 0, 0, 0, time.UTC)
	if last := daysIn(first.Year(), first.Month()); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, 0, 0, 0, 0, time.UTC)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// dateOf truncates t to its calendar date in UTC.
func dateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// BuildSchedule splits total into n dated entries. Every entry but the last is
// ceil(total/n); the last absorbs the remainder so the entries sum to total.
func BuildSchedule(planID string, total money.Money, n int, cadence Cadence, start time.Time, newID func() string) ([]*ScheduleEntry, error) {
	const op = "installment.BuildSchedule"

	if n < 1 {
		return nil, apperr.Validation(op, "total installments must be at least 1")
	}
	if !cadence.Valid() {
		return nil, apperr.Validation(op, "unknown payment plan %q", cadence)
	}

	amounts, err := total.SplitCeil(n)
	if err != nil {
		return nil, apperr.Validation(op, "cannot split %s into %d installments: %v", total, n, err)
	}

	entries := make([]*ScheduleEntry, n)
	for i, amount := range amounts {
		entries[i] = &ScheduleEntry{
			ID:                newID(),
			PlanID:            planID,
			InstallmentNumber: i + 1,
			Amount:            amount,
			DueDate:           DueDate(start, cadence, i+1),
			Status:            EntryPending,
		}
	}
	return entries, nil
}
