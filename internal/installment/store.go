package installment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"coursepay/internal/common/apperr"
	"coursepay/internal/common/database"
	"coursepay/internal/common/money"
)

var (
	// ErrVersionConflict is returned when a plan changed since it was read.
	ErrVersionConflict = &apperr.Error{Kind: apperr.KindConflict, Op: "installment.Update", Message: "plan was modified concurrently"}
	// ErrCreditApplied is returned when a payment reference was already credited to a plan.
	ErrCreditApplied = &apperr.Error{Kind: apperr.KindConflict, Op: "installment.ApplyCredit", Message: "payment already credited"}
)

// Store persists plans, their schedule entries and the credits applied to them.
type Store interface {
	Create(ctx context.Context, plan *Plan, entries []*ScheduleEntry) error
	FindByStudentAndCourse(ctx context.Context, studentID, courseID string) (*Plan, error)
	GetPlan(ctx context.Context, planID string) (*Plan, error)
	// Update writes patch iff the stored version equals expectedVersion.
	Update(ctx context.Context, planID string, expectedVersion int64, patch PlanPatch) error
	ListEntries(ctx context.Context, planID string) ([]*ScheduleEntry, error)
	GetEntry(ctx context.Context, entryID string) (*ScheduleEntry, error)
	// MarkEntryPaid applies iff the entry is still pending.
	MarkEntryPaid(ctx context.Context, entryID, reference string, paidAt time.Time) (bool, error)
	ListOverdueEntries(ctx context.Context, now time.Time) ([]*ScheduleEntry, error)
	// ApplyCredit records the credit, updates the plan and marks a schedule
	// entry paid in one unit. Nothing is written if any step fails.
	ApplyCredit(ctx context.Context, c Credit) error
}

// Credit is a confirmed payment applied to a plan.
type Credit struct {
	PlanID           string
	PaymentReference string
	Amount           money.Money
	ExpectedVersion  int64
	Patch            PlanPatch
	// InstallmentNumber selects the entry to mark; the earliest pending entry otherwise.
	InstallmentNumber *int
	AppliedAt         time.Time
}

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const selectPlan = `
	SELECT id, student_id, course_id, currency, total_course_fee_minor, total_installments,
		   installment_amount_minor, paid_installments, remaining_balance_minor,
		   application_fee_paid, application_fee_reference, start_date, next_due_date,
		   payment_plan, status, version, created_at, updated_at
	FROM installment_plans
`

const selectEntry = `
	SELECT id, plan_id, installment_number, amount_minor, currency, due_date, status, paid_at, payment_reference
	FROM installment_entries
`

// Create inserts a plan and its schedule in one transaction.
func (s *PostgresStore) Create(ctx context.Context, p *Plan, entries []*ScheduleEntry) error {
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO installment_plans (
				id, student_id, course_id, currency, total_course_fee_minor, total_installments,
				installment_amount_minor, paid_installments, remaining_balance_minor,
				application_fee_paid, application_fee_reference, start_date, next_due_date,
				payment_plan, status, version, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		`,
			p.ID, p.StudentID, p.CourseID, p.Currency(), p.TotalCourseFee.AmountMinor, p.TotalInstallments,
			p.InstallmentAmount.AmountMinor, p.PaidInstallments, p.RemainingBalance.AmountMinor,
			p.ApplicationFeePaid, nullStr(p.ApplicationFeeReference), p.StartDate, p.NextDueDate,
			p.PaymentPlan, p.Status, p.Version, p.CreatedAt, p.UpdatedAt,
		)
		if err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for _, e := range entries {
			batch.Queue(`
				INSERT INTO installment_entries (id, plan_id, installment_number, amount_minor, currency, due_date, status)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
			`, e.ID, e.PlanID, e.InstallmentNumber, e.Amount.AmountMinor, e.Amount.Currency, e.DueDate, e.Status)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		if database.IsUniqueViolation(err) {
			return apperr.Conflict("installment.Create", "a plan already exists for student %s and course %s", p.StudentID, p.CourseID)
		}
		return apperr.Persistence("installment.Create", fmt.Errorf("insert plan: %w", err))
	}
	return nil
}

// FindByStudentAndCourse retrieves the plan for a student and course.
func (s *PostgresStore) FindByStudentAndCourse(ctx context.Context, studentID, courseID string) (*Plan, error) {
	row := s.db.QueryRow(ctx, selectPlan+` WHERE student_id = $1 AND course_id = $2`, studentID, courseID)
	p, err := scanPlan(row)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, apperr.NotFound("installment.FindByStudentAndCourse", "no plan for student %s and course %s", studentID, courseID)
		}
		return nil, apperr.Persistence("installment.FindByStudentAndCourse", err)
	}
	return p, nil
}

// GetPlan retrieves a plan by ID.
func (s *PostgresStore) GetPlan(ctx context.Context, planID string) (*Plan, error) {
	p, err := scanPlan(s.db.QueryRow(ctx, selectPlan+` WHERE id = $1`, planID))
	if err != nil {
		if database.IsNotFound(err) {
			return nil, apperr.NotFound("installment.GetPlan", "plan %s not found", planID)
		}
		return nil, apperr.Persistence("installment.GetPlan", err)
	}
	return p, nil
}

// Update writes the plan's mutable state under an optimistic version check.
func (s *PostgresStore) Update(ctx context.Context, planID string, expectedVersion int64, pp PlanPatch) error {
	tag, err := updatePlan(ctx, s.db, planID, expectedVersion, pp)
	if err != nil {
		return apperr.Persistence("installment.Update", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

func updatePlan(ctx context.Context, q database.Querier, planID string, expectedVersion int64, pp PlanPatch) (pgconn.CommandTag, error) {
	return q.Exec(ctx, `
		UPDATE installment_plans SET
			paid_installments = $3,
			remaining_balance_minor = $4,
			next_due_date = $5,
			status = $6,
			application_fee_paid = $7,
			application_fee_reference = $8,
			updated_at = $9,
			version = version + 1
		WHERE id = $1 AND version = $2
	`,
		planID, expectedVersion, pp.PaidInstallments, pp.RemainingBalance.AmountMinor, pp.NextDueDate,
		pp.Status, pp.ApplicationFeePaid, nullStr(pp.ApplicationFeeReference), pp.UpdatedAt,
	)
}

// ListEntries lists a plan's schedule in installment order.
func (s *PostgresStore) ListEntries(ctx context.Context, planID string) ([]*ScheduleEntry, error) {
	rows, err := s.db.Query(ctx, selectEntry+` WHERE plan_id = $1 ORDER BY installment_number`, planID)
	if err != nil {
		return nil, apperr.Persistence("installment.ListEntries", err)
	}
	return collectEntries(rows, "installment.ListEntries")
}

// GetEntry retrieves a schedule entry by ID.
func (s *PostgresStore) GetEntry(ctx context.Context, entryID string) (*ScheduleEntry, error) {
	e, err := scanEntry(s.db.QueryRow(ctx, selectEntry+` WHERE id = $1`, entryID))
	if err != nil {
		if database.IsNotFound(err) {
			return nil, apperr.NotFound("installment.GetEntry", "installment %s not found", entryID)
		}
		return nil, apperr.Persistence("installment.GetEntry", err)
	}
	return e, nil
}

// MarkEntryPaid marks a pending entry paid.
func (s *PostgresStore) MarkEntryPaid(ctx context.Context, entryID, reference string, paidAt time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE installment_entries SET status = 'paid', paid_at = $2, payment_reference = $3
		WHERE id = $1 AND status = 'pending'
	`, entryID, paidAt, reference)
	if err != nil {
		return false, apperr.Persistence("installment.MarkEntryPaid", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListOverdueEntries lists pending entries due before now, oldest first.
func (s *PostgresStore) ListOverdueEntries(ctx context.Context, now time.Time) ([]*ScheduleEntry, error) {
	rows, err := s.db.Query(ctx, selectEntry+` WHERE status = 'pending' AND due_date < $1 ORDER BY due_date, plan_id, installment_number`, now)
	if err != nil {
		return nil, apperr.Persistence("installment.ListOverdueEntries", err)
	}
	return collectEntries(rows, "installment.ListOverdueEntries")
}

// ApplyCredit records a plan credit in one transaction.
func (s *PostgresStore) ApplyCredit(ctx context.Context, c Credit) error {
	const op = "installment.ApplyCredit"

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO plan_credits (payment_reference, plan_id, amount_minor, applied_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (payment_reference) DO NOTHING
		`, c.PaymentReference, c.PlanID, c.Amount.AmountMinor, c.AppliedAt)
		if err != nil {
			return fmt.Errorf("insert credit: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrCreditApplied
		}

		updated, err := updatePlan(ctx, tx, c.PlanID, c.ExpectedVersion, c.Patch)
		if err != nil {
			return fmt.Errorf("update plan: %w", err)
		}
		if updated.RowsAffected() == 0 {
			return ErrVersionConflict
		}

		if c.InstallmentNumber != nil {
			tag, err = tx.Exec(ctx, `
				UPDATE installment_entries SET status = 'paid', paid_at = $3, payment_reference = $4
				WHERE plan_id = $1 AND installment_number = $2 AND status = 'pending'
			`, c.PlanID, *c.InstallmentNumber, c.AppliedAt, c.PaymentReference)
			if err != nil {
				return fmt.Errorf("mark installment: %w", err)
			}
			if tag.RowsAffected() == 1 {
				return nil
			}
		}

		_, err = tx.Exec(ctx, `
			UPDATE installment_entries SET status = 'paid', paid_at = $2, payment_reference = $3
			WHERE id = (
				SELECT id FROM installment_entries
				WHERE plan_id = $1 AND status = 'pending'
				ORDER BY installment_number
				LIMIT 1
				FOR UPDATE
			)
		`, c.PlanID, c.AppliedAt, c.PaymentReference)
		if err != nil {
			return fmt.Errorf("mark installment: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrCreditApplied) || errors.Is(err, ErrVersionConflict) {
			return err
		}
		return apperr.Persistence(op, err)
	}
	return nil
}

func scanPlan(row pgx.Row) (*Plan, error) {
	var p Plan
	var currency money.Currency
	var total, instAmount, remaining int64
	var feeRef *string

	err := row.Scan(
		&p.ID, &p.StudentID, &p.CourseID, &currency, &total, &p.TotalInstallments,
		&instAmount, &p.PaidInstallments, &remaining,
		&p.ApplicationFeePaid, &feeRef, &p.StartDate, &p.NextDueDate,
		&p.PaymentPlan, &p.Status, &p.Version, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.TotalCourseFee = money.New(total, currency)
	p.InstallmentAmount = money.New(instAmount, currency)
	p.RemainingBalance = money.New(remaining, currency)
	if feeRef != nil {
		p.ApplicationFeeReference = *feeRef
	}
	return &p, nil
}

func collectEntries(rows pgx.Rows, op string) ([]*ScheduleEntry, error) {
	defer rows.Close()

	var entries []*ScheduleEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, apperr.Persistence(op, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence(op, err)
	}
	return entries, nil
}

func scanEntry(row pgx.Row) (*ScheduleEntry, error) {
	var e ScheduleEntry
	var ref *string

	err := row.Scan(
		&e.ID, &e.PlanID, &e.InstallmentNumber, &e.Amount.AmountMinor, &e.Amount.Currency,
		&e.DueDate, &e.Status, &e.PaidAt, &ref,
	)
	if err != nil {
		return nil, err
	}
	if ref != nil {
		e.PaymentReference = *ref
	}
	return &e, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
