package payment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/singleflight"

	"coursepay/internal/common/apperr"
	"coursepay/internal/common/events"
	"coursepay/internal/common/middleware"
	"coursepay/internal/common/money"
)

// Service runs the payment lifecycle: initialize, verify, webhook reconciliation.
type Service struct {
	store     Store
	gateway   Gateway
	confirmer Confirmer
	pending   ReconciliationQueue
	publisher events.Publisher
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	verifies singleflight.Group
}

// Confirmer applies a confirmed payment to the student's installment plan.
// It is called at most once per successful status transition.
type Confirmer interface {
	OnPaymentConfirmed(ctx context.Context, record *Record) error
}

// ReconciliationQueue records confirmed payments whose plan update failed.
type ReconciliationQueue interface {
	Enqueue(ctx context.Context, reference, reason string) error
}

// Config holds service configuration.
type Config struct {
	ReferencePrefix  string   `envconfig:"PAYMENT_REFERENCE_PREFIX" default:"CRS"`
	DefaultCurrency  string   `envconfig:"PAYMENT_DEFAULT_CURRENCY" default:"NGN"`
	CallbackURL      string   `envconfig:"PAYMENT_CALLBACK_URL"`
	Channels         []string `envconfig:"PAYMENT_CHANNELS" default:"card,bank,ussd,bank_transfer"`
	MetadataMaxBytes int      `envconfig:"PAYMENT_METADATA_MAX_BYTES" default:"8192"`
	// SideEffectTimeout bounds the shared gateway verify and the work that
	// follows a status change. Both run detached from the caller's cancellation.
	SideEffectTimeout time.Duration `envconfig:"PAYMENT_SIDE_EFFECT_TIMEOUT" default:"30s"`
}

const defaultSideEffectTimeout = 30 * time.Second

// NewService creates a new payment service.
func NewService(store Store, gateway Gateway, cfg Config, logger *slog.Logger) *Service {
	if cfg.ReferencePrefix == "" {
		cfg.ReferencePrefix = "CRS"
	}
	if cfg.SideEffectTimeout <= 0 {
		cfg.SideEffectTimeout = defaultSideEffectTimeout
	}
	return &Service{
		store:   store,
		gateway: gateway,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// SetConfirmer sets the plan reconciliation callback.
func (s *Service) SetConfirmer(c Confirmer) { s.confirmer = c }

// SetReconciliationQueue sets where failed plan updates are parked for re-drive.
func (s *Service) SetReconciliationQueue(q ReconciliationQueue) { s.pending = q }

// SetPublisher sets the event publisher.
func (s *Service) SetPublisher(p events.Publisher) { s.publisher = p }

// InitializeRequest is the request to start a payment.
type InitializeRequest struct {
	StudentID   string
	CourseID    string
	Email       string
	Amount      money.Money
	PaymentType Type
	Installment *InstallmentDetails
	CallbackURL string
}

// InitializeResponse is returned once the gateway has opened a transaction.
type InitializeResponse struct {
	Reference        string      `json:"reference"`
	AuthorizationURL string      `json:"authorization_url"`
	AccessCode       string      `json:"access_code,omitempty"`
	Status           Status      `json:"status"`
	Amount           money.Money `json:"amount"`
}

// InitializePayment opens a gateway transaction under a fresh reference and
// persists a pending record only after the gateway accepted it.
func (s *Service) InitializePayment(ctx context.Context, req *InitializeRequest) (*InitializeResponse, error) {
	const op = "payment.InitializePayment"

	now := s.now().UTC()
	id := ulid.Make().String()
	reference := s.newReference(req.PaymentType)

	record, err := NewRecord(id, reference, req.StudentID, req.CourseID, req.Email, req.Amount, req.PaymentType, req.Installment, now)
	if err != nil {
		return nil, err
	}

	callbackURL := req.CallbackURL
	if callbackURL == "" {
		callbackURL = s.cfg.CallbackURL
	}

	result, err := s.gateway.InitializeTransaction(ctx, &GatewayInitRequest{
		AmountMinor: record.Amount.AmountMinor,
		Currency:    record.Amount.Currency,
		Email:       record.Email,
		Reference:   reference,
		CallbackURL: callbackURL,
		Channels:    s.cfg.Channels,
		Metadata: TransactionMetadata{
			StudentID:         record.StudentID,
			CourseID:          record.CourseID,
			PaymentType:       record.Type,
			InstallmentNumber: record.InstallmentNumber,
		},
	})
	if err != nil {
		s.logger.Warn("gateway initialize failed",
			"reference", reference,
			"student_id", record.StudentID,
			"error", err,
		)
		return nil, apperr.Gateway(op, err)
	}

	if err := s.store.Create(ctx, record); err != nil {
		// The gateway transaction exists but nothing references it; it expires unpaid.
		s.logger.Error("payment record not stored after gateway initialize",
			"reference", reference,
			"error", err,
		)
		if apperr.KindOf(err) == "" {
			err = apperr.Persistence(op, err)
		}
		return nil, err
	}

	s.publish(ctx, events.EventPaymentInitialized, record)

	s.logger.Info("payment initialized",
		"reference", reference,
		"student_id", record.StudentID,
		"course_id", record.CourseID,
		"payment_type", record.Type,
		"amount", record.Amount.AmountMinor,
		"currency", record.Amount.Currency,
	)

	return &InitializeResponse{
		Reference:        reference,
		AuthorizationURL: result.AuthorizationURL,
		AccessCode:       result.AccessCode,
		Status:           record.Status,
		Amount:           record.Amount,
	}, nil
}

// VerifyResponse is the normalized outcome of a verification.
type VerifyResponse struct {
	Reference string      `json:"reference"`
	Status    Status      `json:"status"`
	Amount    money.Money `json:"amount"`
	Channel   string      `json:"channel,omitempty"`
	PaidAt    *time.Time  `json:"paid_at,omitempty"`
}

// VerifyPayment asks the gateway for the transaction's outcome and applies it.
// Terminal records are answered from the store without a gateway call.
func (s *Service) VerifyPayment(ctx context.Context, reference string) (*VerifyResponse, error) {
	const op = "payment.VerifyPayment"

	if reference == "" {
		return nil, apperr.Validation(op, "reference is required")
	}

	record, err := s.findRecord(ctx, reference, "")
	if err != nil {
		return nil, err
	}
	if record.IsTerminal() {
		return verifyResponse(record), nil
	}

	// Concurrent verifies of one reference share a gateway call. The shared
	// call is detached so one caller hanging up does not fail the others.
	ch := s.verifies.DoChan(record.Reference, func() (interface{}, error) {
		vctx, cancel := s.detached(ctx)
		defer cancel()

		res, err := s.gateway.VerifyTransaction(vctx, record.Reference)
		if err != nil {
			s.logger.Warn("gateway verify failed", "reference", record.Reference, "error", err)
			return nil, apperr.Gateway(op, err)
		}
		return s.ApplyGatewayResult(vctx, resultFromVerify(record.Reference, res))
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return verifyResponse(r.Val.(*Outcome).Record), nil
	}
}

// HandleWebhook applies a gateway-pushed event. Duplicate and late deliveries are no-ops.
func (s *Service) HandleWebhook(ctx context.Context, payload *WebhookPayload) (*Outcome, error) {
	const op = "payment.HandleWebhook"

	if payload == nil || (payload.Data.Reference == "" && payload.Data.GatewayReference == "") {
		return nil, apperr.Validation(op, "webhook carries no transaction reference")
	}
	if payload.Data.Status == "" {
		return nil, apperr.Validation(op, "webhook carries no transaction status")
	}

	s.logger.Info("received payment webhook",
		"event", payload.Event,
		"reference", payload.Data.Reference,
		"status", payload.Data.Status,
	)

	return s.ApplyGatewayResult(ctx, resultFromWebhook(payload))
}

// Outcome reports what ApplyGatewayResult did.
type Outcome struct {
	Record *Record `json:"payment"`
	// Applied is true only for the call that moved the record out of pending.
	Applied bool `json:"applied"`
	// ReconciliationPending is set when the payment succeeded but its plan update was parked.
	ReconciliationPending bool `json:"reconciliation_pending,omitempty"`
}

// ApplyGatewayResult moves a pending record to the gateway's terminal status
// with a compare-and-swap on status. Records already terminal, or resolved by
// a concurrent caller, are returned unchanged. The confirmer runs only for the
// caller whose swap applied.
func (s *Service) ApplyGatewayResult(ctx context.Context, res GatewayResult) (*Outcome, error) {
	const op = "payment.ApplyGatewayResult"

	record, err := s.findRecord(ctx, res.Reference, res.GatewayReference)
	if err != nil {
		return nil, err
	}

	if record.IsTerminal() {
		s.logger.Debug("gateway result ignored for terminal payment",
			"reference", record.Reference,
			"status", record.Status,
			"gateway_status", res.Status,
			"source", res.Source,
		)
		return &Outcome{Record: record}, nil
	}

	status, resolved := NormalizeGatewayStatus(res.Status)
	if !resolved {
		return &Outcome{Record: record}, nil
	}

	now := s.now().UTC()
	paidAt := now
	if res.PaidAt != nil {
		paidAt = res.PaidAt.UTC()
	}

	patch, err := record.Resolve(status, res.GatewayReference, NewGatewayMetadata(res, s.cfg.MetadataMaxBytes), paidAt, now)
	if err != nil {
		return nil, err
	}

	applied, err := s.store.ConditionalUpdate(ctx, record.Reference, StatusPending, patch)
	if err != nil {
		if apperr.KindOf(err) == "" {
			err = apperr.Persistence(op, err)
		}
		return nil, err
	}
	if !applied {
		current, err := s.store.FindByReference(ctx, record.Reference)
		if err != nil {
			return nil, err
		}
		s.logger.Debug("payment resolved concurrently",
			"reference", record.Reference,
			"status", current.Status,
			"source", res.Source,
		)
		return &Outcome{Record: current}, nil
	}
	record.apply(patch)

	// The transition is committed. Events and the plan credit must follow it
	// even if the caller has gone away.
	ctx, cancel := s.detached(ctx)
	defer cancel()

	s.logger.Info("payment resolved",
		"reference", record.Reference,
		"status", record.Status,
		"gateway_status", res.Status,
		"source", res.Source,
	)

	out := &Outcome{Record: record, Applied: true}

	if record.Status != StatusSuccess {
		s.publish(ctx, events.EventPaymentFailed, record)
		return out, nil
	}

	s.publish(ctx, events.EventPaymentSucceeded, record)
	if res.AmountMinor != 0 && res.AmountMinor != record.Amount.AmountMinor {
		s.reportAmountMismatch(ctx, record, res)
	}

	if s.confirmer != nil {
		if err := s.confirmer.OnPaymentConfirmed(ctx, record); err != nil {
			out.ReconciliationPending = true
			s.parkReconciliation(ctx, record, err)
		}
	}

	return out, nil
}

func (s *Service) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SideEffectTimeout)
}

// parkReconciliation keeps a confirmed payment's plan update re-driveable.
// The payment stays success.
func (s *Service) parkReconciliation(ctx context.Context, record *Record, cause error) {
	s.logger.Error("reconciliation pending",
		"reference", record.Reference,
		"student_id", record.StudentID,
		"course_id", record.CourseID,
		"payment_type", record.Type,
		"amount", record.Amount.AmountMinor,
		"error", cause,
	)

	if s.pending != nil {
		if err := s.pending.Enqueue(ctx, record.Reference, cause.Error()); err != nil {
			s.logger.Error("reconciliation task not stored",
				"reference", record.Reference,
				"error", err,
			)
		}
	}

	s.publishData(ctx, events.EventPaymentReconciliationPending, record.Reference, events.ReconciliationPendingData{
		Reference: record.Reference,
		Reason:    cause.Error(),
	})
}

func (s *Service) reportAmountMismatch(ctx context.Context, record *Record, res GatewayResult) {
	s.logger.Warn("gateway amount differs from payment amount",
		"reference", record.Reference,
		"expected", record.Amount.AmountMinor,
		"reported", res.AmountMinor,
		"source", res.Source,
	)
	s.publishData(ctx, events.EventPaymentAmountMismatch, record.Reference, events.AmountMismatchData{
		Reference:      record.Reference,
		ExpectedMinor:  record.Amount.AmountMinor,
		ReportedMinor:  res.AmountMinor,
		Currency:       string(record.Amount.Currency),
		GatewayChannel: res.Channel,
	})
}

// GetPayment returns a payment by reference.
func (s *Service) GetPayment(ctx context.Context, reference string) (*Record, error) {
	return s.findRecord(ctx, reference, "")
}

// ListStudentPayments returns a student's payments, newest first.
func (s *Service) ListStudentPayments(ctx context.Context, studentID string) ([]*Record, error) {
	if studentID == "" {
		return nil, apperr.Validation("payment.ListStudentPayments", "student_id is required")
	}
	return s.store.ListByStudent(ctx, studentID)
}

// ListStalePending returns pending payments created more than age ago.
func (s *Service) ListStalePending(ctx context.Context, age time.Duration, limit int) ([]*Record, error) {
	return s.store.ListPending(ctx, s.now().Add(-age), limit)
}

// TotalRevenue sums successful payments per currency, optionally bounded by paid date.
func (s *Service) TotalRevenue(ctx context.Context, r DateRange) ([]money.Money, error) {
	if r.From != nil && r.To != nil && !r.From.Before(*r.To) {
		return nil, apperr.Validation("payment.TotalRevenue", "from must be before to")
	}
	return s.store.SumSuccessfulAmount(ctx, r)
}

// MonthlyRevenue is one calendar month of successful payments.
type MonthlyRevenue struct {
	Month  time.Month  `json:"month"`
	Year   int         `json:"year"`
	Amount money.Money `json:"amount"`
}

// MonthlyRevenue returns twelve monthly totals for year in one currency.
func (s *Service) MonthlyRevenue(ctx context.Context, year int, currency money.Currency) ([]MonthlyRevenue, error) {
	if year < 2000 || year > 9999 {
		return nil, apperr.Validation("payment.MonthlyRevenue", "year %d is out of range", year)
	}
	if currency == "" {
		currency = money.Currency(s.cfg.DefaultCurrency)
	}

	out := make([]MonthlyRevenue, 0, 12)
	for m := time.January; m <= time.December; m++ {
		from := time.Date(year, m, 1, 0, 0, 0, 0, time.UTC)
		to := from.AddDate(0, 1, 0)

		totals, err := s.store.SumSuccessfulAmount(ctx, DateRange{From: &from, To: &to})
		if err != nil {
			return nil, err
		}

		bucket := MonthlyRevenue{Month: m, Year: year, Amount: money.Zero(currency)}
		for _, t := range totals {
			if t.Currency == currency {
				bucket.Amount = t
			}
		}
		out = append(out, bucket)
	}
	return out, nil
}

// findRecord looks a payment up by reference, then by gateway reference.
func (s *Service) findRecord(ctx context.Context, reference, gatewayReference string) (*Record, error) {
	if reference != "" {
		r, err := s.store.FindByReference(ctx, reference)
		if err == nil {
			return r, nil
		}
		if !apperr.IsNotFound(err) {
			return nil, err
		}
	}

	fallback := gatewayReference
	if fallback == "" {
		fallback = reference
	}
	if fallback == "" {
		return nil, apperr.Validation("payment.findRecord", "reference is required")
	}

	r, err := s.store.FindByGatewayReference(ctx, fallback)
	if err != nil {
		if apperr.IsNotFound(err) {
			return nil, apperr.NotFound("payment.findRecord", "no payment for reference %s", fallback)
		}
		return nil, err
	}
	return r, nil
}

func (s *Service) newReference(t Type) string {
	return fmt.Sprintf("%s-%s-%s", s.cfg.ReferencePrefix, t.referenceCode(), ulid.Make())
}

func (s *Service) publish(ctx context.Context, eventType string, r *Record) {
	s.publishData(ctx, eventType, r.Reference, events.PaymentData{
		Reference:   r.Reference,
		StudentID:   r.StudentID,
		CourseID:    r.CourseID,
		PaymentType: string(r.Type),
		Status:      string(r.Status),
		AmountMinor: r.Amount.AmountMinor,
		Currency:    string(r.Amount.Currency),
		PaidAt:      r.PaidAt,
	})
}

func (s *Service) publishData(ctx context.Context, eventType, reference string, data any) {
	if s.publisher == nil {
		return
	}

	event, err := events.NewEvent(eventType, events.AggregatePayment, reference, data)
	if err != nil {
		s.logger.Error("failed to build event", "type", eventType, "error", err)
		return
	}
	event.WithCorrelation(middleware.GetCorrelationID(ctx))

	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("failed to publish event",
			"type", eventType,
			"reference", reference,
			"error", err,
		)
	}
}

func verifyResponse(r *Record) *VerifyResponse {
	resp := &VerifyResponse{
		Reference: r.Reference,
		Status:    r.Status,
		Amount:    r.Amount,
		PaidAt:    r.PaidAt,
	}
	if r.GatewayMetadata != nil {
		resp.Channel = r.GatewayMetadata.Channel
	}
	return resp
}
