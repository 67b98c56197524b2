package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"coursepay/internal/common/api"
	"coursepay/internal/common/apperr"
	"coursepay/internal/common/money"
	"coursepay/internal/payment"
)

const maxWebhookBody = 1 << 20

// Handler handles payment HTTP requests
type Handler struct {
	service         *payment.Service
	parser          payment.WebhookParser
	defaultCurrency money.Currency
	logger          *slog.Logger
}

// NewHandler creates a new payment handler
func NewHandler(service *payment.Service, parser payment.WebhookParser, defaultCurrency money.Currency, logger *slog.Logger) *Handler {
	return &Handler{
		service:         service,
		parser:          parser,
		defaultCurrency: defaultCurrency,
		logger:          logger,
	}
}

// Routes returns the payment routes. initialize is wrapped by the given
// middlewares (idempotency-key replay in production).
func (h *Handler) Routes(initialize ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.With(initialize...).Post("/initialize", h.InitializePayment)
	r.Get("/verify/{reference}", h.VerifyPayment)
	r.Post("/webhook", h.Webhook)

	// Reporting routes
	r.Get("/revenue/total", h.TotalRevenue)
	r.Get("/revenue/monthly", h.MonthlyRevenue)

	r.Get("/students/{studentID}", h.ListStudentPayments)
	r.Get("/{reference}", h.GetPayment)

	return r
}

// InitializePaymentRequest is the API request for starting a payment
type InitializePaymentRequest struct {
	StudentID             string           `json:"student_id" validate:"required,max=100"`
	CourseID              string           `json:"course_id" validate:"required,max=100"`
	Email                 string           `json:"email" validate:"required,email"`
	Amount                decimal.Decimal  `json:"amount"`
	Currency              string           `json:"currency" validate:"omitempty,currency"`
	PaymentType           string           `json:"payment_type" validate:"required,oneof=application_fee course_fee installment"`
	InstallmentNumber     int              `json:"installment_number" validate:"gte=0"`
	TotalInstallments     int              `json:"total_installments" validate:"gte=0"`
	InstallmentAmount     *decimal.Decimal `json:"installment_amount"`
	RemainingBalanceAfter *decimal.Decimal `json:"remaining_balance_after"`
	CallbackURL           string           `json:"callback_url" validate:"omitempty,url"`
}

// InitializePayment handles POST /initialize
func (h *Handler) InitializePayment(w http.ResponseWriter, r *http.Request) {
	var req InitializePaymentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	currency := h.defaultCurrency
	if req.Currency != "" {
		c, err := money.ParseCurrency(req.Currency)
		if err != nil {
			api.WriteErr(w, apperr.Validation("api.InitializePayment", "%v", err))
			return
		}
		currency = c
	}

	amount, err := toMoney(req.Amount, currency)
	if err != nil {
		api.WriteErr(w, err)
		return
	}

	svcReq := &payment.InitializeRequest{
		StudentID:   req.StudentID,
		CourseID:    req.CourseID,
		Email:       req.Email,
		Amount:      amount,
		PaymentType: payment.Type(req.PaymentType),
		CallbackURL: req.CallbackURL,
	}

	if svcReq.PaymentType == payment.TypeInstallment {
		inst := &payment.InstallmentDetails{
			Number: req.InstallmentNumber,
			Total:  req.TotalInstallments,
		}
		if req.InstallmentAmount != nil {
			m, err := toMoney(*req.InstallmentAmount, currency)
			if err != nil {
				api.WriteErr(w, err)
				return
			}
			inst.Amount = &m
		}
		if req.RemainingBalanceAfter != nil {
			m, err := toMoney(*req.RemainingBalanceAfter, currency)
			if err != nil {
				api.WriteErr(w, err)
				return
			}
			inst.RemainingBalanceAfter = &m
		}
		svcReq.Installment = inst
	}

	resp, err := h.service.InitializePayment(r.Context(), svcReq)
	if err != nil {
		api.WriteErr(w, err)
		return
	}

	api.WriteData(w, http.StatusCreated, resp)
}

// VerifyPayment handles GET /verify/{reference}
func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")
	if reference == "" {
		api.BadRequest(w, "reference required")
		return
	}

	resp, err := h.service.VerifyPayment(r.Context(), reference)
	if err != nil {
		api.WriteErr(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, resp)
}

// WebhookResponse acknowledges a webhook delivery
type WebhookResponse struct {
	Reference             string         `json:"reference"`
	Status                payment.Status `json:"status"`
	Applied               bool           `json:"applied"`
	ReconciliationPending bool           `json:"reconciliation_pending,omitempty"`
}

// Webhook handles POST /webhook. Unknown references answer 404 so the
// gateway delivers again later.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		api.BadRequest(w, "unreadable body")
		return
	}

	payload, err := h.parser.ParseWebhook(body, r.Header)
	if err != nil {
		if errors.Is(err, payment.ErrInvalidSignature) {
			h.logger.Warn("webhook rejected", "reason", "invalid signature", "remote_addr", r.RemoteAddr)
			api.Unauthorized(w, "invalid signature")
			return
		}
		api.BadRequest(w, "malformed webhook payload")
		return
	}

	out, err := h.service.HandleWebhook(r.Context(), payload)
	if err != nil {
		if apperr.IsValidation(err) {
			api.BadRequest(w, err.Error())
			return
		}
		api.WriteErr(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, WebhookResponse{
		Reference:             out.Record.Reference,
		Status:                out.Record.Status,
		Applied:               out.Applied,
		ReconciliationPending: out.ReconciliationPending,
	})
}

// GetPayment handles GET /{reference}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	record, err := h.service.GetPayment(r.Context(), chi.URLParam(r, "reference"))
	if err != nil {
		api.WriteErr(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, record)
}

// ListStudentPayments handles GET /students/{studentID}
func (h *Handler) ListStudentPayments(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "studentID")
	if studentID == "" {
		api.BadRequest(w, "student ID required")
		return
	}

	records, err := h.service.ListStudentPayments(r.Context(), studentID)
	if err != nil {
		api.WriteErr(w, err)
		return
	}
	if records == nil {
		records = []*payment.Record{}
	}

	api.WriteData(w, http.StatusOK, records)
}

// TotalRevenue handles GET /revenue/total?from=&to=
func (h *Handler) TotalRevenue(w http.ResponseWriter, r *http.Request) {
	var rng payment.DateRange
	var err error

	if rng.From, err = parseTime(r.URL.Query().Get("from")); err != nil {
		api.BadRequest(w, "from must be RFC3339 or YYYY-MM-DD")
		return
	}
	if rng.To, err = parseTime(r.URL.Query().Get("to")); err != nil {
		api.BadRequest(w, "to must be RFC3339 or YYYY-MM-DD")
		return
	}

	totals, err := h.service.TotalRevenue(r.Context(), rng)
	if err != nil {
		api.WriteErr(w, err)
		return
	}
	if totals == nil {
		totals = []money.Money{}
	}

	api.WriteData(w, http.StatusOK, map[string]any{"totals": totals})
}

// MonthlyRevenue handles GET /revenue/monthly?year=&currency=
func (h *Handler) MonthlyRevenue(w http.ResponseWriter, r *http.Request) {
	year := time.Now().UTC().Year()
	if y := r.URL.Query().Get("year"); y != "" {
		v, err := strconv.Atoi(y)
		if err != nil {
			api.BadRequest(w, "year must be a number")
			return
		}
		year = v
	}

	currency := h.defaultCurrency
	if c := r.URL.Query().Get("currency"); c != "" {
		parsed, err := money.ParseCurrency(c)
		if err != nil {
			api.BadRequest(w, err.Error())
			return
		}
		currency = parsed
	}

	months, err := h.service.MonthlyRevenue(r.Context(), year, currency)
	if err != nil {
		api.WriteErr(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, months)
}

func toMoney(d decimal.Decimal, currency money.Currency) (money.Money, error) {
	m, err := money.FromDecimal(d, currency)
	if err != nil {
		return money.Money{}, apperr.Validation("api.toMoney", "amount %s: %v", d.String(), err)
	}
	return m, nil
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, errors.New("invalid time")
}
