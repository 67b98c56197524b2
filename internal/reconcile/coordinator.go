// Package reconcile applies confirmed payments to installment plans and
// re-drives the ones that could not be applied the first time.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"coursepay/internal/common/apperr"
	"coursepay/internal/common/database"
	"coursepay/internal/common/events"
	"coursepay/internal/installment"
	"coursepay/internal/payment"
)

const maxPlanConflicts = 5

// Coordinator credits confirmed payments to the student's installment plan.
// Each payment reference is credited at most once, so calling it again for
// the same payment is safe.
type Coordinator struct {
	plans     installment.Store
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewCoordinator creates a new coordinator.
func NewCoordinator(plans installment.Store, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		plans:  plans,
		logger: logger,
		now:    time.Now,
	}
}

// SetPublisher sets the event publisher.
func (c *Coordinator) SetPublisher(p events.Publisher) { c.publisher = p }

var _ payment.Confirmer = (*Coordinator)(nil)

// OnPaymentConfirmed applies a successful payment to its plan. Application
// fees only flag the plan; course and installment payments reduce its balance.
func (c *Coordinator) OnPaymentConfirmed(ctx context.Context, r *payment.Record) error {
	if r.Status != payment.StatusSuccess {
		return apperr.Validation("reconcile.OnPaymentConfirmed", "payment %s is %s, not success", r.Reference, r.Status)
	}

	return database.Retry(ctx, maxPlanConflicts, isVersionConflict, func() error {
		return c.apply(ctx, r)
	})
}

func isVersionConflict(err error) bool {
	return errors.Is(err, installment.ErrVersionConflict)
}

func (c *Coordinator) apply(ctx context.Context, r *payment.Record) error {
	plan, err := c.plans.FindByStudentAndCourse(ctx, r.StudentID, r.CourseID)
	if err != nil {
		if apperr.IsNotFound(err) && r.Type != payment.TypeInstallment {
			c.logger.Info("no installment plan for confirmed payment",
				"reference", r.Reference,
				"student_id", r.StudentID,
				"course_id", r.CourseID,
				"payment_type", r.Type,
			)
			return nil
		}
		return err
	}

	now := c.now().UTC()

	if r.Type == payment.TypeApplicationFee {
		pp, changed := plan.RecordApplicationFee(r.Reference, now)
		if !changed {
			return nil
		}
		if err := c.plans.Update(ctx, plan.ID, plan.Version, pp); err != nil {
			return err
		}
		c.logger.Info("application fee recorded on plan",
			"plan_id", plan.ID,
			"reference", r.Reference,
		)
		return nil
	}

	res, err := plan.Credit(r.Amount, now)
	if err != nil {
		return err
	}
	if res.Overpaid.IsPositive() {
		c.logger.Warn("payment exceeds remaining plan balance",
			"plan_id", plan.ID,
			"reference", r.Reference,
			"overpaid", res.Overpaid.AmountMinor,
			"currency", res.Overpaid.Currency,
		)
	}

	err = c.plans.ApplyCredit(ctx, installment.Credit{
		PlanID:            plan.ID,
		PaymentReference:  r.Reference,
		Amount:            r.Amount,
		ExpectedVersion:   plan.Version,
		Patch:             res.Patch,
		InstallmentNumber: r.InstallmentNumber,
		AppliedAt:         now,
	})
	if errors.Is(err, installment.ErrCreditApplied) {
		c.logger.Debug("payment already credited", "plan_id", plan.ID, "reference", r.Reference)
		return nil
	}
	if err != nil {
		return err
	}

	updated := *plan
	updated.PaidInstallments = res.Patch.PaidInstallments
	updated.RemainingBalance = res.Patch.RemainingBalance
	updated.NextDueDate = res.Patch.NextDueDate
	updated.Status = res.Patch.Status

	c.logger.Info("payment credited to plan",
		"plan_id", plan.ID,
		"reference", r.Reference,
		"amount", r.Amount.AmountMinor,
		"remaining_balance", updated.RemainingBalance.AmountMinor,
		"paid_installments", updated.PaidInstallments,
	)

	installment.PublishPlanEvent(ctx, c.publisher, c.logger, events.EventPlanCredited, &updated, r.Reference)
	if updated.Status == installment.PlanCompleted && plan.Status != installment.PlanCompleted {
		installment.PublishPlanEvent(ctx, c.publisher, c.logger, events.EventPlanCompleted, &updated, r.Reference)
	}
	return nil
}
