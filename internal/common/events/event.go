package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation sets the correlation ID
func (e *Event) WithCorrelation(correlationID string) *Event {
	e.CorrelationID = correlationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Publisher publishes events to a message broker
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Aggregate types
const (
	AggregatePayment         = "payment"
	AggregateInstallmentPlan = "installment_plan"
)

// Event types
const (
	EventPaymentInitialized           = "payment.initialized"
	EventPaymentSucceeded             = "payment.succeeded"
	EventPaymentFailed                = "payment.failed"
	EventPaymentAmountMismatch        = "payment.amount_mismatch"
	EventPaymentReconciliationPending = "payment.reconciliation_pending"

	EventPlanCreated   = "installment.plan.created"
	EventPlanCredited  = "installment.plan.credited"
	EventPlanCompleted = "installment.plan.completed"
)

// Event data structures

// PaymentData is the data for payment.* events
type PaymentData struct {
	Reference   string     `json:"reference"`
	StudentID   string     `json:"student_id"`
	CourseID    string     `json:"course_id"`
	PaymentType string     `json:"payment_type"`
	Status      string     `json:"status"`
	AmountMinor int64      `json:"amount_minor"`
	Currency    string     `json:"currency"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
}

// AmountMismatchData is the data for payment.amount_mismatch events
type AmountMismatchData struct {
	Reference      string `json:"reference"`
	ExpectedMinor  int64  `json:"expected_minor"`
	ReportedMinor  int64  `json:"reported_minor"`
	Currency       string `json:"currency"`
	GatewayChannel string `json:"gateway_channel,omitempty"`
}

// ReconciliationPendingData is the data for payment.reconciliation_pending events
type ReconciliationPendingData struct {
	Reference string `json:"reference"`
	Reason    string `json:"reason"`
}

// PlanData is the data for installment.plan.* events
type PlanData struct {
	PlanID                string `json:"plan_id"`
	StudentID             string `json:"student_id"`
	CourseID              string `json:"course_id"`
	Status                string `json:"status"`
	PaidInstallments      int    `json:"paid_installments"`
	RemainingBalanceMinor int64  `json:"remaining_balance_minor"`
	Currency              string `json:"currency"`
	PaymentReference      string `json:"payment_reference,omitempty"`
}
