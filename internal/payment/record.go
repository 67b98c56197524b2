// Package payment drives course payments through an external gateway and
// reconciles gateway outcomes onto payment records exactly once.
package payment

import (
	"strings"
	"time"

	"coursepay/internal/common/apperr"
	"coursepay/internal/common/money"
)

// Type is what a payment pays for.
type Type string

const (
	TypeApplicationFee Type = "application_fee"
	TypeCourseFee      Type = "course_fee"
	TypeInstallment    Type = "installment"
)

// Valid reports whether t is a known payment type.
func (t Type) Valid() bool {
	switch t {
	case TypeApplicationFee, TypeCourseFee, TypeInstallment:
		return true
	}
	return false
}

// ReducesBalance reports whether a confirmed payment of this type is credited
// against the student's installment plan balance.
func (t Type) ReducesBalance() bool {
	return t == TypeCourseFee || t == TypeInstallment
}

func (t Type) referenceCode() string {
	switch t {
	case TypeApplicationFee:
		return "APP"
	case TypeInstallment:
		return "INS"
	default:
		return "FEE"
	}
}

// Status represents the status of a payment record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true for statuses no transition may leave.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// Record is one payment attempt, keyed by its reference.
type Record struct {
	ID               string      `json:"id"`
	Reference        string      `json:"reference"`
	GatewayReference string      `json:"gateway_reference,omitempty"`
	StudentID        string      `json:"student_id"`
	CourseID         string      `json:"course_id"`
	Email            string      `json:"email"`
	Amount           money.Money `json:"amount"`
	Type             Type        `json:"payment_type"`
	Status           Status      `json:"status"`

	// Populated for installment payments
	InstallmentNumber     *int         `json:"installment_number,omitempty"`
	TotalInstallments     *int         `json:"total_installments,omitempty"`
	InstallmentAmount     *money.Money `json:"installment_amount,omitempty"`
	RemainingBalanceAfter *money.Money `json:"remaining_balance_after,omitempty"`

	GatewayMetadata *GatewayMetadata `json:"gateway_metadata,omitempty"`
	PaidAt          *time.Time       `json:"paid_at,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// InstallmentDetails describes which installment a payment funds.
type InstallmentDetails struct {
	Number                int
	Total                 int
	Amount                *money.Money
	RemainingBalanceAfter *money.Money
}

// NewRecord validates the inputs and creates a pending record.
func NewRecord(id, reference, studentID, courseID, email string, amount money.Money, paymentType Type, inst *InstallmentDetails, now time.Time) (*Record, error) {
	const op = "payment.NewRecord"

	if id == "" || reference == "" {
		return nil, apperr.Validation(op, "id and reference are required")
	}
	if strings.TrimSpace(studentID) == "" {
		return nil, apperr.Validation(op, "student_id is required")
	}
	if strings.TrimSpace(courseID) == "" {
		return nil, apperr.Validation(op, "course_id is required")
	}
	if !strings.Contains(email, "@") {
		return nil, apperr.Validation(op, "a valid email is required")
	}
	if !amount.IsPositive() {
		return nil, apperr.Validation(op, "amount must be positive")
	}
	if !money.Supported(amount.Currency) {
		return nil, apperr.Validation(op, "unsupported currency %q", amount.Currency)
	}
	if !paymentType.Valid() {
		return nil, apperr.Validation(op, "unknown payment type %q", paymentType)
	}
	if paymentType == TypeInstallment && inst == nil {
		return nil, apperr.Validation(op, "installment payments require an installment number")
	}

	r := &Record{
		ID:        id,
		Reference: reference,
		StudentID: studentID,
		CourseID:  courseID,
		Email:     email,
		Amount:    amount,
		Type:      paymentType,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if inst != nil {
		if inst.Number < 1 {
			return nil, apperr.Validation(op, "installment number must be at least 1")
		}
		if inst.Total != 0 && inst.Number > inst.Total {
			return nil, apperr.Validation(op, "installment %d exceeds total installments %d", inst.Number, inst.Total)
		}
		n := inst.Number
		r.InstallmentNumber = &n
		if inst.Total != 0 {
			total := inst.Total
			r.TotalInstallments = &total
		}
		r.InstallmentAmount = inst.Amount
		r.RemainingBalanceAfter = inst.RemainingBalanceAfter
	}

	return r, nil
}

// IsTerminal returns true if the record can no longer change status.
func (r *Record) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// Patch is the set of fields a reconciliation writes.
type Patch struct {
	Status           Status
	GatewayReference string
	GatewayMetadata  *GatewayMetadata
	PaidAt           *time.Time
	UpdatedAt        time.Time
}

// Resolve builds the patch moving a pending record to a terminal status.
// paidAt is only kept for success.
func (r *Record) Resolve(to Status, gatewayRef string, meta *GatewayMetadata, paidAt, now time.Time) (Patch, error) {
	const op = "payment.Resolve"

	if r.IsTerminal() {
		return Patch{}, apperr.Conflict(op, "payment %s is already %s", r.Reference, r.Status)
	}
	if !to.IsTerminal() {
		return Patch{}, apperr.Conflict(op, "cannot resolve payment %s to %s", r.Reference, to)
	}

	p := Patch{
		Status:           to,
		GatewayReference: gatewayRef,
		GatewayMetadata:  meta,
		UpdatedAt:        now,
	}
	if to == StatusSuccess {
		t := paidAt
		p.PaidAt = &t
	}
	return p, nil
}

// apply copies a patch onto the record.
func (r *Record) apply(p Patch) {
	r.Status = p.Status
	if p.GatewayReference != "" {
		r.GatewayReference = p.GatewayReference
	}
	if p.GatewayMetadata != nil {
		r.GatewayMetadata = p.GatewayMetadata
	}
	r.PaidAt = p.PaidAt
	r.UpdatedAt = p.UpdatedAt
}

// Clone returns a deep copy so store callers cannot mutate stored state.
func (r *Record) Clone() *Record {
	c := *r
	if r.InstallmentNumber != nil {
		v := *r.InstallmentNumber
		c.InstallmentNumber = &v
	}
	if r.TotalInstallments != nil {
		v := *r.TotalInstallments
		c.TotalInstallments = &v
	}
	if r.InstallmentAmount != nil {
		v := *r.InstallmentAmount
		c.InstallmentAmount = &v
	}
	if r.RemainingBalanceAfter != nil {
		v := *r.RemainingBalanceAfter
		c.RemainingBalanceAfter = &v
	}
	c.GatewayMetadata = r.GatewayMetadata.clone()
	if r.PaidAt != nil {
		v := *r.PaidAt
		c.PaidAt = &v
	}
	return &c
}

// clone copies the patch's pointers so a stored record shares nothing with
// the caller that built the patch.
func (p Patch) clone() Patch {
	p.GatewayMetadata = p.GatewayMetadata.clone()
	if p.PaidAt != nil {
		v := *p.PaidAt
		p.PaidAt = &v
	}
	return p
}
