package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"coursepay/internal/common/apperr"
	"coursepay/internal/common/database"
	"coursepay/internal/common/money"
)

// Store persists payment records. ConditionalUpdate is the only way a
// record's status changes; it applies iff the stored status equals expected.
type Store interface {
	Create(ctx context.Context, record *Record) error
	FindByReference(ctx context.Context, reference string) (*Record, error)
	FindByGatewayReference(ctx context.Context, gatewayReference string) (*Record, error)
	ConditionalUpdate(ctx context.Context, reference string, expected Status, patch Patch) (bool, error)
	ListByStudent(ctx context.Context, studentID string) ([]*Record, error)
	SumSuccessfulAmount(ctx context.Context, r DateRange) ([]money.Money, error)
	ListPending(ctx context.Context, createdBefore time.Time, limit int) ([]*Record, error)
}

// DateRange bounds paid_at as [From, To). Nil bounds are open.
type DateRange struct {
	From *time.Time
	To   *time.Time
}

// Contains reports whether t falls inside the range.
func (r DateRange) Contains(t time.Time) bool {
	if r.From != nil && t.Before(*r.From) {
		return false
	}
	if r.To != nil && !t.Before(*r.To) {
		return false
	}
	return true
}

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const selectPayment = `
	SELECT id, reference, gateway_reference, student_id, course_id, email,
		   amount_minor, currency, payment_type, status,
		   installment_number, total_installments, installment_amount_minor, remaining_balance_after_minor,
		   gateway_metadata, paid_at, created_at, updated_at
	FROM payments
`

// Create inserts a new payment record.
func (s *PostgresStore) Create(ctx context.Context, r *Record) error {
	query := `
		INSERT INTO payments (
			id, reference, gateway_reference, student_id, course_id, email,
			amount_minor, currency, payment_type, status,
			installment_number, total_installments, installment_amount_minor, remaining_balance_after_minor,
			gateway_metadata, paid_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18
		)
	`

	metadata, err := marshalMetadata(r.GatewayMetadata)
	if err != nil {
		return apperr.Persistence("payment.Create", err)
	}

	_, err = s.db.Exec(ctx, query,
		r.ID, r.Reference, nullStr(r.GatewayReference), r.StudentID, r.CourseID, r.Email,
		r.Amount.AmountMinor, r.Amount.Currency, r.Type, r.Status,
		r.InstallmentNumber, r.TotalInstallments, minorPtr(r.InstallmentAmount), minorPtr(r.RemainingBalanceAfter),
		metadata, r.PaidAt, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return apperr.Conflict("payment.Create", "reference %s already exists", r.Reference)
		}
		return apperr.Persistence("payment.Create", fmt.Errorf("insert payment: %w", err))
	}
	return nil
}

// FindByReference retrieves a payment by its reference.
func (s *PostgresStore) FindByReference(ctx context.Context, reference string) (*Record, error) {
	row := s.db.QueryRow(ctx, selectPayment+` WHERE reference = $1`, reference)
	r, err := scanRecord(row)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, apperr.NotFound("payment.FindByReference", "payment %s not found", reference)
		}
		return nil, apperr.Persistence("payment.FindByReference", err)
	}
	return r, nil
}

// FindByGatewayReference retrieves a payment by the gateway-assigned id.
func (s *PostgresStore) FindByGatewayReference(ctx context.Context, gatewayReference string) (*Record, error) {
	row := s.db.QueryRow(ctx, selectPayment+` WHERE gateway_reference = $1`, gatewayReference)
	r, err := scanRecord(row)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, apperr.NotFound("payment.FindByGatewayReference", "payment with gateway reference %s not found", gatewayReference)
		}
		return nil, apperr.Persistence("payment.FindByGatewayReference", err)
	}
	return r, nil
}

// ConditionalUpdate writes patch only while the stored status is expected.
func (s *PostgresStore) ConditionalUpdate(ctx context.Context, reference string, expected Status, p Patch) (bool, error) {
	query := `
		UPDATE payments SET
			status = $3,
			gateway_reference = COALESCE($4, gateway_reference),
			gateway_metadata = COALESCE($5, gateway_metadata),
			paid_at = $6,
			updated_at = $7
		WHERE reference = $1 AND status = $2
	`

	metadata, err := marshalMetadata(p.GatewayMetadata)
	if err != nil {
		return false, apperr.Persistence("payment.ConditionalUpdate", err)
	}

	result, err := s.db.Exec(ctx, query,
		reference, expected, p.Status, nullStr(p.GatewayReference), metadata, p.PaidAt, p.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return false, apperr.Conflict("payment.ConditionalUpdate", "gateway reference %s belongs to another payment", p.GatewayReference)
		}
		return false, apperr.Persistence("payment.ConditionalUpdate", fmt.Errorf("update payment: %w", err))
	}
	return result.RowsAffected() == 1, nil
}

// ListByStudent lists a student's payments, newest first.
func (s *PostgresStore) ListByStudent(ctx context.Context, studentID string) ([]*Record, error) {
	rows, err := s.db.Query(ctx, selectPayment+` WHERE student_id = $1 ORDER BY created_at DESC`, studentID)
	if err != nil {
		return nil, apperr.Persistence("payment.ListByStudent", err)
	}
	return collectRecords(rows, "payment.ListByStudent")
}

// ListPending lists pending payments created before the cutoff, oldest first.
func (s *PostgresStore) ListPending(ctx context.Context, createdBefore time.Time, limit int) ([]*Record, error) {
	rows, err := s.db.Query(ctx,
		selectPayment+` WHERE status = 'pending' AND created_at < $1 ORDER BY created_at ASC LIMIT $2`,
		createdBefore, limit,
	)
	if err != nil {
		return nil, apperr.Persistence("payment.ListPending", err)
	}
	return collectRecords(rows, "payment.ListPending")
}

// SumSuccessfulAmount totals successful payments per currency within r.
func (s *PostgresStore) SumSuccessfulAmount(ctx context.Context, r DateRange) ([]money.Money, error) {
	query := `
		SELECT currency, COALESCE(SUM(amount_minor), 0)
		FROM payments
		WHERE status = 'success'
		  AND ($1::timestamptz IS NULL OR paid_at >= $1)
		  AND ($2::timestamptz IS NULL OR paid_at < $2)
		GROUP BY currency
		ORDER BY currency
	`

	rows, err := s.db.Query(ctx, query, r.From, r.To)
	if err != nil {
		return nil, apperr.Persistence("payment.SumSuccessfulAmount", err)
	}
	defer rows.Close()

	var totals []money.Money
	for rows.Next() {
		var m money.Money
		if err := rows.Scan(&m.Currency, &m.AmountMinor); err != nil {
			return nil, apperr.Persistence("payment.SumSuccessfulAmount", err)
		}
		totals = append(totals, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence("payment.SumSuccessfulAmount", err)
	}
	return totals, nil
}

func collectRecords(rows pgx.Rows, op string) ([]*Record, error) {
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, apperr.Persistence(op, err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence(op, err)
	}
	return records, nil
}

func scanRecord(row pgx.Row) (*Record, error) {
	var r Record
	var gatewayRef *string
	var instAmount, remaining *int64
	var metadata []byte

	err := row.Scan(
		&r.ID, &r.Reference, &gatewayRef, &r.StudentID, &r.CourseID, &r.Email,
		&r.Amount.AmountMinor, &r.Amount.Currency, &r.Type, &r.Status,
		&r.InstallmentNumber, &r.TotalInstallments, &instAmount, &remaining,
		&metadata, &r.PaidAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if gatewayRef != nil {
		r.GatewayReference = *gatewayRef
	}
	if instAmount != nil {
		m := money.New(*instAmount, r.Amount.Currency)
		r.InstallmentAmount = &m
	}
	if remaining != nil {
		m := money.New(*remaining, r.Amount.Currency)
		r.RemainingBalanceAfter = &m
	}
	if len(metadata) > 0 {
		var meta GatewayMetadata
		if err := json.Unmarshal(metadata, &meta); err != nil {
			return nil, fmt.Errorf("decode gateway metadata: %w", err)
		}
		r.GatewayMetadata = &meta
	}
	return &r, nil
}

func marshalMetadata(m *GatewayMetadata) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode gateway metadata: %w", err)
	}
	return b, nil
}

func minorPtr(m *money.Money) *int64 {
	if m == nil {
		return nil
	}
	v := m.AmountMinor
	return &v
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
