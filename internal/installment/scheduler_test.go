package installment

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coursepay/internal/common/apperr"
	"coursepay/internal/common/money"
)

func newTestScheduler(now time.Time) (*Scheduler, *MemoryStore) {
	store := NewMemoryStore()
	s := NewScheduler(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.now = func() time.Time { return now }
	return s, store
}

func TestCreatePlan(t *testing.T) {
	s, _ := newTestScheduler(date(2024, 1, 10))
	ctx := context.Background()

	plan, entries, err := s.CreatePlan(ctx, &CreatePlanRequest{
		StudentID:         "S1",
		CourseID:          "C1",
		TotalCourseFee:    money.New(1000, money.IDR),
		TotalInstallments: 3,
		PaymentPlan:       CadenceMonthly,
		StartDate:         date(2024, 1, 15),
	})
	require.NoError(t, err)

	assert.Equal(t, PlanActive, plan.Status)
	assert.Equal(t, 0, plan.PaidInstallments)
	assert.Equal(t, int64(1000), plan.RemainingBalance.AmountMinor)
	assert.Equal(t, int64(334), plan.InstallmentAmount.AmountMinor)
	assert.Equal(t, date(2024, 1, 15), plan.NextDueDate)
	require.Len(t, entries, 3)

	got, err := s.GetPlan(ctx, "S1", "C1")
	require.NoError(t, err)
	assert.Equal(t, plan.ID, got.ID)

	listed, err := s.ListInstallments(ctx, plan.ID)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.Equal(t, date(2024, 2, 15), listed[1].DueDate)
}

func TestCreatePlanDuplicatePair(t *testing.T) {
	s, _ := newTestScheduler(date(2024, 1, 10))
	req := &CreatePlanRequest{
		StudentID:         "S1",
		CourseID:          "C1",
		TotalCourseFee:    money.New(90000, money.NGN),
		TotalInstallments: 2,
		PaymentPlan:       CadenceWeekly,
		StartDate:         date(2024, 1, 15),
	}

	_, _, err := s.CreatePlan(context.Background(), req)
	require.NoError(t, err)

	_, _, err = s.CreatePlan(context.Background(), req)
	assert.True(t, apperr.IsConflict(err))
}

func TestCreatePlanValidation(t *testing.T) {
	base := func() *CreatePlanRequest {
		return &CreatePlanRequest{
			StudentID:         "S1",
			CourseID:          "C1",
			TotalCourseFee:    money.New(1000, money.NGN),
			TotalInstallments: 3,
			PaymentPlan:       CadenceMonthly,
			StartDate:         date(2024, 1, 15),
		}
	}

	tests := []struct {
		name   string
		mutate func(*CreatePlanRequest)
	}{
		{"zero installments", func(r *CreatePlanRequest) { r.TotalInstallments = 0 }},
		{"zero fee", func(r *CreatePlanRequest) { r.TotalCourseFee = money.Zero(money.NGN) }},
		{"unknown cadence", func(r *CreatePlanRequest) { r.PaymentPlan = "yearly" }},
		{"missing start", func(r *CreatePlanRequest) { r.StartDate = time.Time{} }},
		{"missing course", func(r *CreatePlanRequest) { r.CourseID = " " }},
		{"unknown currency", func(r *CreatePlanRequest) { r.TotalCourseFee = money.New(1000, "XYZ") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, store := newTestScheduler(date(2024, 1, 10))
			req := base()
			tt.mutate(req)

			_, _, err := s.CreatePlan(context.Background(), req)
			assert.True(t, apperr.IsValidation(err))

			_, err = store.FindByStudentAndCourse(context.Background(), req.StudentID, req.CourseID)
			assert.True(t, apperr.IsNotFound(err))
		})
	}
}

func TestFindOverdueInstallments(t *testing.T) {
	s, store := newTestScheduler(date(2024, 2, 1))
	ctx := context.Background()

	plan, entries, err := s.CreatePlan(ctx, &CreatePlanRequest{
		StudentID:         "S1",
		CourseID:          "C1",
		TotalCourseFee:    money.New(3000, money.NGN),
		TotalInstallments: 3,
		PaymentPlan:       CadenceMonthly,
		StartDate:         date(2023, 12, 1),
	})
	require.NoError(t, err)

	// Dec 1 paid, Jan 1 still pending, Feb 1 not yet past due
	applied, err := store.MarkEntryPaid(ctx, entries[0].ID, "CRS-INS-1", date(2023, 12, 1))
	require.NoError(t, err)
	require.True(t, applied)

	overdue, err := s.FindOverdueInstallments(ctx)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, entries[1].ID, overdue[0].ID)
	assert.Equal(t, date(2024, 1, 1), overdue[0].DueDate)
	assert.Equal(t, plan.ID, overdue[0].PlanID)

	// pure read
	stored, err := store.GetEntry(ctx, entries[1].ID)
	require.NoError(t, err)
	assert.Equal(t, EntryPending, stored.Status)
}

func TestMarkInstallmentPaid(t *testing.T) {
	s, store := newTestScheduler(date(2024, 1, 20))
	ctx := context.Background()

	plan, entries, err := s.CreatePlan(ctx, &CreatePlanRequest{
		StudentID:         "S1",
		CourseID:          "C1",
		TotalCourseFee:    money.New(1000, money.NGN),
		TotalInstallments: 2,
		PaymentPlan:       CadenceMonthly,
		StartDate:         date(2024, 1, 15),
	})
	require.NoError(t, err)

	entry, err := s.MarkInstallmentPaid(ctx, entries[0].ID, "CRS-INS-9")
	require.NoError(t, err)
	assert.Equal(t, EntryPaid, entry.Status)
	assert.Equal(t, "CRS-INS-9", entry.PaymentReference)
	require.NotNil(t, entry.PaidAt)

	// same reference again is a no-op
	_, err = s.MarkInstallmentPaid(ctx, entries[0].ID, "CRS-INS-9")
	require.NoError(t, err)

	_, err = s.MarkInstallmentPaid(ctx, entries[0].ID, "CRS-INS-10")
	assert.True(t, apperr.IsConflict(err))

	_, err = s.MarkInstallmentPaid(ctx, "missing", "CRS-INS-9")
	assert.True(t, apperr.IsNotFound(err))

	_, err = s.MarkInstallmentPaid(ctx, entries[1].ID, "")
	assert.True(t, apperr.IsValidation(err))

	// the balance only moves through reconciliation
	after, err := store.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), after.RemainingBalance.AmountMinor)
	assert.Equal(t, 0, after.PaidInstallments)
}

func TestMemoryStoreApplyCredit(t *testing.T) {
	s, store := newTestScheduler(date(2024, 1, 20))
	ctx := context.Background()

	plan, _, err := s.CreatePlan(ctx, &CreatePlanRequest{
		StudentID:         "S1",
		CourseID:          "C1",
		TotalCourseFee:    money.New(1000, money.NGN),
		TotalInstallments: 3,
		PaymentPlan:       CadenceMonthly,
		StartDate:         date(2024, 1, 15),
	})
	require.NoError(t, err)

	res, err := plan.Credit(money.New(334, money.NGN), date(2024, 1, 20))
	require.NoError(t, err)
	two := 2
	credit := Credit{
		PlanID:            plan.ID,
		PaymentReference:  "CRS-INS-1",
		Amount:            money.New(334, money.NGN),
		ExpectedVersion:   plan.Version,
		Patch:             res.Patch,
		InstallmentNumber: &two,
		AppliedAt:         date(2024, 1, 20),
	}
	require.NoError(t, store.ApplyCredit(ctx, credit))

	assert.ErrorIs(t, store.ApplyCredit(ctx, credit), ErrCreditApplied)

	credit.PaymentReference = "CRS-INS-2"
	assert.ErrorIs(t, store.ApplyCredit(ctx, credit), ErrVersionConflict)

	entries, err := store.ListEntries(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, EntryPending, entries[0].Status)
	assert.Equal(t, EntryPaid, entries[1].Status)
	assert.Equal(t, "CRS-INS-1", entries[1].PaymentReference)

	stored, err := store.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.Version+1, stored.Version)
	assert.Equal(t, int64(666), stored.RemainingBalance.AmountMinor)
}
