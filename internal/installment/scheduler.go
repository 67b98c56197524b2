package installment

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"coursepay/internal/common/apperr"
	"coursepay/internal/common/events"
	"coursepay/internal/common/middleware"
	"coursepay/internal/common/money"
)

// Scheduler creates installment plans and answers schedule queries.
// Plan balances are only changed by payment reconciliation.
type Scheduler struct {
	store     Store
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewScheduler creates a new scheduler.
func NewScheduler(store Store, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// SetPublisher sets the event publisher.
func (s *Scheduler) SetPublisher(p events.Publisher) { s.publisher = p }

// CreatePlanRequest is the request to create a plan.
type CreatePlanRequest struct {
	StudentID         string
	CourseID          string
	TotalCourseFee    money.Money
	TotalInstallments int
	PaymentPlan       Cadence
	StartDate         time.Time
}

// CreatePlan splits the fee into a dated schedule and stores an active plan.
func (s *Scheduler) CreatePlan(ctx context.Context, req *CreatePlanRequest) (*Plan, []*ScheduleEntry, error) {
	const op = "installment.CreatePlan"

	if strings.TrimSpace(req.StudentID) == "" || strings.TrimSpace(req.CourseID) == "" {
		return nil, nil, apperr.Validation(op, "student_id and course_id are required")
	}
	if !req.TotalCourseFee.IsPositive() {
		return nil, nil, apperr.Validation(op, "total course fee must be positive")
	}
	if !money.Supported(req.TotalCourseFee.Currency) {
		return nil, nil, apperr.Validation(op, "unsupported currency %q", req.TotalCourseFee.Currency)
	}
	if req.TotalInstallments < 1 {
		return nil, nil, apperr.Validation(op, "total installments must be at least 1")
	}
	if req.StartDate.IsZero() {
		return nil, nil, apperr.Validation(op, "start date is required")
	}

	now := s.now().UTC()
	planID := ulid.Make().String()
	start := dateOf(req.StartDate)

	entries, err := BuildSchedule(planID, req.TotalCourseFee, req.TotalInstallments, req.PaymentPlan, start, func() string {
		return ulid.Make().String()
	})
	if err != nil {
		return nil, nil, err
	}

	plan := &Plan{
		ID:                planID,
		StudentID:         req.StudentID,
		CourseID:          req.CourseID,
		TotalCourseFee:    req.TotalCourseFee,
		TotalInstallments: req.TotalInstallments,
		InstallmentAmount: entries[0].Amount,
		PaidInstallments:  0,
		RemainingBalance:  req.TotalCourseFee,
		StartDate:         start,
		NextDueDate:       entries[0].DueDate,
		PaymentPlan:       req.PaymentPlan,
		Status:            PlanActive,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := s.store.Create(ctx, plan, entries); err != nil {
		return nil, nil, err
	}

	s.publishPlan(ctx, events.EventPlanCreated, plan, "")

	s.logger.Info("installment plan created",
		"plan_id", plan.ID,
		"student_id", plan.StudentID,
		"course_id", plan.CourseID,
		"total", plan.TotalCourseFee.AmountMinor,
		"installments", plan.TotalInstallments,
		"cadence", plan.PaymentPlan,
	)

	return plan, entries, nil
}

// GetPlan returns the plan for a student and course.
func (s *Scheduler) GetPlan(ctx context.Context, studentID, courseID string) (*Plan, error) {
	if studentID == "" || courseID == "" {
		return nil, apperr.Validation("installment.GetPlan", "student_id and course_id are required")
	}
	return s.store.FindByStudentAndCourse(ctx, studentID, courseID)
}

// ListInstallments returns a plan's schedule in installment order.
func (s *Scheduler) ListInstallments(ctx context.Context, planID string) ([]*ScheduleEntry, error) {
	if _, err := s.store.GetPlan(ctx, planID); err != nil {
		return nil, err
	}
	return s.store.ListEntries(ctx, planID)
}

// FindOverdueInstallments returns pending entries due before now. It does
// not change stored status.
func (s *Scheduler) FindOverdueInstallments(ctx context.Context) ([]*ScheduleEntry, error) {
	return s.store.ListOverdueEntries(ctx, s.now().UTC())
}

// MarkInstallmentPaid marks one entry paid under reference. The plan balance
// is left alone. Repeating the call with the same reference is a no-op.
func (s *Scheduler) MarkInstallmentPaid(ctx context.Context, entryID, reference string) (*ScheduleEntry, error) {
	const op = "installment.MarkInstallmentPaid"

	if strings.TrimSpace(reference) == "" {
		return nil, apperr.Validation(op, "payment reference is required")
	}

	entry, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}

	switch entry.Status {
	case EntryPaid:
		if entry.PaymentReference == reference {
			return entry, nil
		}
		return nil, apperr.Conflict(op, "installment %s is already paid by %s", entryID, entry.PaymentReference)
	case EntryCancelled:
		return nil, apperr.Conflict(op, "installment %s is cancelled", entryID)
	}

	applied, err := s.store.MarkEntryPaid(ctx, entryID, reference, s.now().UTC())
	if err != nil {
		return nil, err
	}

	entry, err = s.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if !applied && entry.PaymentReference != reference {
		return nil, apperr.Conflict(op, "installment %s was resolved concurrently", entryID)
	}

	s.logger.Info("installment marked paid",
		"entry_id", entryID,
		"plan_id", entry.PlanID,
		"installment_number", entry.InstallmentNumber,
		"reference", reference,
	)
	return entry, nil
}

// DisplayNow returns the clock used for display statuses.
func (s *Scheduler) DisplayNow() time.Time {
	return s.now().UTC()
}

func (s *Scheduler) publishPlan(ctx context.Context, eventType string, p *Plan, reference string) {
	PublishPlanEvent(ctx, s.publisher, s.logger, eventType, p, reference)
}

// PublishPlanEvent publishes an installment.plan.* event. Failures are logged.
func PublishPlanEvent(ctx context.Context, pub events.Publisher, logger *slog.Logger, eventType string, p *Plan, reference string) {
	if pub == nil {
		return
	}

	event, err := events.NewEvent(eventType, events.AggregateInstallmentPlan, p.ID, events.PlanData{
		PlanID:                p.ID,
		StudentID:             p.StudentID,
		CourseID:              p.CourseID,
		Status:                string(p.Status),
		PaidInstallments:      p.PaidInstallments,
		RemainingBalanceMinor: p.RemainingBalance.AmountMinor,
		Currency:              string(p.Currency()),
		PaymentReference:      reference,
	})
	if err != nil {
		logger.Error("failed to build event", "type", eventType, "error", err)
		return
	}
	event.WithCorrelation(middleware.GetCorrelationID(ctx))

	if err := pub.Publish(ctx, event); err != nil {
		logger.Error("failed to publish event", "type", eventType, "plan_id", p.ID, "error", err)
	}
}
