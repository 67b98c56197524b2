// Package installment splits a course fee into a dated schedule and tracks
// what a student still owes on it.
package installment

import (
	"time"

	"coursepay/internal/common/apperr"
	"coursepay/internal/common/money"
)

// Cadence is the interval between installment due dates.
type Cadence string

const (
	CadenceWeekly    Cadence = "weekly"
	CadenceMonthly   Cadence = "monthly"
	CadenceQuarterly Cadence = "quarterly"
)

// Valid reports whether c is a known cadence.
func (c Cadence) Valid() bool {
	switch c {
	case CadenceWeekly, CadenceMonthly, CadenceQuarterly:
		return true
	}
	return false
}

// PlanStatus is the lifecycle state of a plan.
type PlanStatus string

const (
	PlanActive    PlanStatus = "active"
	PlanCompleted PlanStatus = "completed"
	PlanDefaulted PlanStatus = "defaulted"
	PlanCancelled PlanStatus = "cancelled"
)

// IsTerminal returns true for completed and cancelled plans.
func (s PlanStatus) IsTerminal() bool {
	return s == PlanCompleted || s == PlanCancelled
}

// EntryStatus is the state of one scheduled installment.
type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntryPaid      EntryStatus = "paid"
	EntryOverdue   EntryStatus = "overdue"
	EntryCancelled EntryStatus = "cancelled"
)

// Plan is the billing plan for one (student, course) pair.
type Plan struct {
	ID                      string      `json:"id"`
	StudentID               string      `json:"student_id"`
	CourseID                string      `json:"course_id"`
	TotalCourseFee          money.Money `json:"total_course_fee"`
	TotalInstallments       int         `json:"total_installments"`
	InstallmentAmount       money.Money `json:"installment_amount"`
	PaidInstallments        int         `json:"paid_installments"`
	RemainingBalance        money.Money `json:"remaining_balance"`
	ApplicationFeePaid      bool        `json:"application_fee_paid"`
	ApplicationFeeReference string      `json:"application_fee_reference,omitempty"`
	StartDate               time.Time   `json:"start_date"`
	NextDueDate             time.Time   `json:"next_due_date"`
	PaymentPlan             Cadence     `json:"payment_plan"`
	Status                  PlanStatus  `json:"status"`
	Version                 int64       `json:"version"`
	CreatedAt               time.Time   `json:"created_at"`
	UpdatedAt               time.Time   `json:"updated_at"`
}

// Currency returns the plan's currency.
func (p *Plan) Currency() money.Currency {
	return p.TotalCourseFee.Currency
}

// PlanPatch is the mutable state written by an update.
type PlanPatch struct {
	PaidInstallments        int
	RemainingBalance        money.Money
	NextDueDate             time.Time
	Status                  PlanStatus
	ApplicationFeePaid      bool
	ApplicationFeeReference string
	UpdatedAt               time.Time
}

// patch returns the plan's current mutable state, for callers to modify.
func (p *Plan) patch(now time.Time) PlanPatch {
	return PlanPatch{
		PaidInstallments:        p.PaidInstallments,
		RemainingBalance:        p.RemainingBalance,
		NextDueDate:             p.NextDueDate,
		Status:                  p.Status,
		ApplicationFeePaid:      p.ApplicationFeePaid,
		ApplicationFeeReference: p.ApplicationFeeReference,
		UpdatedAt:               now,
	}
}

func (p *Plan) apply(pp PlanPatch) {
	p.PaidInstallments = pp.PaidInstallments
	p.RemainingBalance = pp.RemainingBalance
	p.NextDueDate = pp.NextDueDate
	p.Status = pp.Status
	p.ApplicationFeePaid = pp.ApplicationFeePaid
	p.ApplicationFeeReference = pp.ApplicationFeeReference
	p.UpdatedAt = pp.UpdatedAt
	p.Version++
}

// CreditResult is the plan state after a confirmed payment is credited.
type CreditResult struct {
	Patch PlanPatch
	// Overpaid is set when the payment exceeded the remaining balance,
	// which is then clamped to zero.
	Overpaid money.Money
}

// Credit computes the effect of a confirmed course or installment payment:
// the balance drops by amount, one more installment counts as paid and the
// next due date moves one cadence interval. A zero balance completes the plan.
func (p *Plan) Credit(amount money.Money, now time.Time) (CreditResult, error) {
	const op = "installment.Credit"

	if p.Status == PlanCancelled {
		return CreditResult{}, apperr.Conflict(op, "plan %s is cancelled", p.ID)
	}
	if !amount.IsPositive() {
		return CreditResult{}, apperr.Validation(op, "credit amount must be positive")
	}

	remaining, err := p.RemainingBalance.Sub(amount)
	if err != nil {
		return CreditResult{}, apperr.Validation(op, "payment currency %s does not match plan currency %s", amount.Currency, p.Currency())
	}

	res := CreditResult{Overpaid: money.Zero(p.Currency())}
	if remaining.AmountMinor < 0 {
		res.Overpaid = money.New(-remaining.AmountMinor, remaining.Currency)
		remaining = money.Zero(p.Currency())
	}

	pp := p.patch(now)
	pp.RemainingBalance = remaining
	if pp.PaidInstallments < p.TotalInstallments {
		pp.PaidInstallments++
	}
	next := pp.PaidInstallments + 1
	if next > p.TotalInstallments {
		next = p.TotalInstallments
	}
	pp.NextDueDate = DueDate(p.StartDate, p.PaymentPlan, next)
	if remaining.IsZero() {
		pp.Status = PlanCompleted
	}

	res.Patch = pp
	return res, nil
}

// RecordApplicationFee marks the application fee paid under reference.
// changed is false when the plan already records that reference.
func (p *Plan) RecordApplicationFee(reference string, now time.Time) (pp PlanPatch, changed bool) {
	if p.ApplicationFeePaid && p.ApplicationFeeReference == reference {
		return PlanPatch{}, false
	}
	pp = p.patch(now)
	pp.ApplicationFeePaid = true
	pp.ApplicationFeeReference = reference
	return pp, true
}

// ScheduleEntry is one dated installment of a plan.
type ScheduleEntry struct {
	ID                string      `json:"id"`
	PlanID            string      `json:"plan_id"`
	InstallmentNumber int         `json:"installment_number"`
	Amount            money.Money `json:"amount"`
	DueDate           time.Time   `json:"due_date"`
	Status            EntryStatus `json:"status"`
	PaidAt            *time.Time  `json:"paid_at,omitempty"`
	PaymentReference  string      `json:"payment_reference,omitempty"`
}

// IsOverdue reports whether a pending entry is past its due date.
func (e *ScheduleEntry) IsOverdue(now time.Time) bool {
	return e.Status == EntryPending && e.DueDate.Before(now)
}

// DisplayStatus is the status shown to readers. Stored status stays pending
// after the due date passes.
func (e *ScheduleEntry) DisplayStatus(now time.Time) EntryStatus {
	if e.IsOverdue(now) {
		return EntryOverdue
	}
	return e.Status
}

func (e *ScheduleEntry) clone() *ScheduleEntry {
	c := *e
	if e.PaidAt != nil {
		t := *e.PaidAt
		c.PaidAt = &t
	}
	return &c
}
