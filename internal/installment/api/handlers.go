package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"coursepay/internal/common/api"
	"coursepay/internal/common/apperr"
	"coursepay/internal/common/money"
	"coursepay/internal/installment"
)

// Handler handles installment plan HTTP requests
type Handler struct {
	scheduler       *installment.Scheduler
	defaultCurrency money.Currency
}

// NewHandler creates a new installment handler
func NewHandler(scheduler *installment.Scheduler, defaultCurrency money.Currency) *Handler {
	return &Handler{scheduler: scheduler, defaultCurrency: defaultCurrency}
}

// Routes returns the installment routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/plans", h.CreatePlan)
	r.Get("/plans", h.GetPlan)
	r.Get("/plans/{planID}/entries", h.ListInstallments)

	r.Get("/overdue", h.FindOverdue)
	r.Post("/entries/{entryID}/paid", h.MarkPaid)

	return r
}

// CreatePlanRequest is the API request for creating a plan
type CreatePlanRequest struct {
	StudentID         string          `json:"student_id" validate:"required,max=100"`
	CourseID          string          `json:"course_id" validate:"required,max=100"`
	TotalCourseFee    decimal.Decimal `json:"total_course_fee"`
	Currency          string          `json:"currency" validate:"omitempty,currency"`
	TotalInstallments int             `json:"total_installments" validate:"required,min=1,max=120"`
	PaymentPlan       string          `json:"payment_plan" validate:"required,oneof=weekly monthly quarterly"`
	StartDate         string          `json:"start_date" validate:"required,datetime=2006-01-02"`
}

// EntryView is a schedule entry with its display status
type EntryView struct {
	*installment.ScheduleEntry
	DisplayStatus installment.EntryStatus `json:"display_status"`
}

// PlanView is a plan with its schedule
type PlanView struct {
	Plan    *installment.Plan `json:"plan"`
	Entries []EntryView       `json:"entries,omitempty"`
}

// CreatePlan handles POST /plans
func (h *Handler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var req CreatePlanRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	currency := h.defaultCurrency
	if req.Currency != "" {
		c, err := money.ParseCurrency(req.Currency)
		if err != nil {
			api.WriteErr(w, apperr.Validation("api.CreatePlan", "%v", err))
			return
		}
		currency = c
	}

	fee, err := money.FromDecimal(req.TotalCourseFee, currency)
	if err != nil {
		api.WriteErr(w, apperr.Validation("api.CreatePlan", "total_course_fee: %v", err))
		return
	}

	start, err := time.Parse(time.DateOnly, req.StartDate)
	if err != nil {
		api.BadRequest(w, "start_date must be YYYY-MM-DD")
		return
	}

	plan, entries, err := h.scheduler.CreatePlan(r.Context(), &installment.CreatePlanRequest{
		StudentID:         req.StudentID,
		CourseID:          req.CourseID,
		TotalCourseFee:    fee,
		TotalInstallments: req.TotalInstallments,
		PaymentPlan:       installment.Cadence(req.PaymentPlan),
		StartDate:         start,
	})
	if err != nil {
		api.WriteErr(w, err)
		return
	}

	api.WriteData(w, http.StatusCreated, PlanView{Plan: plan, Entries: h.views(entries)})
}

// GetPlan handles GET /plans?student_id=&course_id=
func (h *Handler) GetPlan(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	plan, err := h.scheduler.GetPlan(r.Context(), q.Get("student_id"), q.Get("course_id"))
	if err != nil {
		api.WriteErr(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, PlanView{Plan: plan})
}

// ListInstallments handles GET /plans/{planID}/entries
func (h *Handler) ListInstallments(w http.ResponseWriter, r *http.Request) {
	entries, err := h.scheduler.ListInstallments(r.Context(), chi.URLParam(r, "planID"))
	if err != nil {
		api.WriteErr(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, h.views(entries))
}

// FindOverdue handles GET /overdue
func (h *Handler) FindOverdue(w http.ResponseWriter, r *http.Request) {
	entries, err := h.scheduler.FindOverdueInstallments(r.Context())
	if err != nil {
		api.WriteErr(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, h.views(entries))
}

// MarkPaidRequest is the API request for marking an installment paid
type MarkPaidRequest struct {
	PaymentReference string `json:"payment_reference" validate:"required,max=100"`
}

// MarkPaid handles POST /entries/{entryID}/paid
func (h *Handler) MarkPaid(w http.ResponseWriter, r *http.Request) {
	var req MarkPaidRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	entry, err := h.scheduler.MarkInstallmentPaid(r.Context(), chi.URLParam(r, "entryID"), req.PaymentReference)
	if err != nil {
		api.WriteErr(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, h.view(entry))
}

func (h *Handler) views(entries []*installment.ScheduleEntry) []EntryView {
	out := make([]EntryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, h.view(e))
	}
	return out
}

func (h *Handler) view(e *installment.ScheduleEntry) EntryView {
	return EntryView{ScheduleEntry: e, DisplayStatus: e.DisplayStatus(h.scheduler.DisplayNow())}
}
