package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coursepay/internal/common/money"
	"coursepay/internal/installment"
)

func newRouter(t *testing.T) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	s := installment.NewScheduler(installment.NewMemoryStore(), logger)
	r := chi.NewRouter()
	r.Mount("/installments", NewHandler(s, money.NGN).Routes())
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func data[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var env struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Data
}

const planBody = `{"student_id":"S1","course_id":"C1","total_course_fee":"1000","total_installments":3,"payment_plan":"monthly","start_date":"2024-01-15"}`

func TestCreatePlan(t *testing.T) {
	h := newRouter(t)

	rec := do(t, h, http.MethodPost, "/installments/plans", planBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	view := data[PlanView](t, rec)
	require.NotNil(t, view.Plan)
	assert.Equal(t, int64(100000), view.Plan.TotalCourseFee.AmountMinor)
	assert.Equal(t, installment.PlanActive, view.Plan.Status)
	require.Len(t, view.Entries, 3)
	assert.Equal(t, int64(33400), view.Entries[0].Amount.AmountMinor)
	assert.Equal(t, int64(33200), view.Entries[2].Amount.AmountMinor)
	assert.Equal(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), view.Entries[2].DueDate)
	// these dates are in the past
	assert.Equal(t, installment.EntryOverdue, view.Entries[0].DisplayStatus)
	assert.Equal(t, installment.EntryPending, view.Entries[0].Status)

	rec = do(t, h, http.MethodPost, "/installments/plans", planBody)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreatePlanRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"zero installments", `{"student_id":"S1","course_id":"C1","total_course_fee":"1000","total_installments":0,"payment_plan":"monthly","start_date":"2024-01-15"}`},
		{"bad cadence", `{"student_id":"S1","course_id":"C1","total_course_fee":"1000","total_installments":2,"payment_plan":"daily","start_date":"2024-01-15"}`},
		{"bad date", `{"student_id":"S1","course_id":"C1","total_course_fee":"1000","total_installments":2,"payment_plan":"monthly","start_date":"15/01/2024"}`},
		{"negative fee", `{"student_id":"S1","course_id":"C1","total_course_fee":"-5","total_installments":2,"payment_plan":"monthly","start_date":"2024-01-15"}`},
		{"unknown currency", `{"student_id":"S1","course_id":"C1","total_course_fee":"5","currency":"ABC","total_installments":2,"payment_plan":"monthly","start_date":"2024-01-15"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, newRouter(t), http.MethodPost, "/installments/plans", tt.body)
			assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
		})
	}
}

func TestGetPlanAndEntries(t *testing.T) {
	h := newRouter(t)
	created := data[PlanView](t, do(t, h, http.MethodPost, "/installments/plans", planBody))

	rec := do(t, h, http.MethodGet, "/installments/plans?student_id=S1&course_id=C1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.Plan.ID, data[PlanView](t, rec).Plan.ID)

	rec = do(t, h, http.MethodGet, "/installments/plans?student_id=S1&course_id=C9", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/installments/plans?student_id=S1", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(t, h, http.MethodGet, "/installments/plans/"+created.Plan.ID+"/entries", "")
	require.Equal(t, http.StatusOK, rec.Code)
	entries := data[[]EntryView](t, rec)
	require.Len(t, entries, 3)
	assert.Equal(t, 1, entries[0].InstallmentNumber)

	rec = do(t, h, http.MethodGet, "/installments/plans/missing/entries", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOverdueAndMarkPaid(t *testing.T) {
	h := newRouter(t)
	created := data[PlanView](t, do(t, h, http.MethodPost, "/installments/plans", planBody))
	first := created.Entries[0]

	rec := do(t, h, http.MethodGet, "/installments/overdue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, data[[]EntryView](t, rec), 3)

	rec = do(t, h, http.MethodPost, "/installments/entries/"+first.ID+"/paid", `{"payment_reference":"CRS-INS-1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	paid := data[EntryView](t, rec)
	assert.Equal(t, installment.EntryPaid, paid.Status)
	assert.Equal(t, installment.EntryPaid, paid.DisplayStatus)

	// same reference again is fine, another one conflicts
	rec = do(t, h, http.MethodPost, "/installments/entries/"+first.ID+"/paid", `{"payment_reference":"CRS-INS-1"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodPost, "/installments/entries/"+first.ID+"/paid", `{"payment_reference":"CRS-INS-2"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/installments/entries/"+first.ID+"/paid", `{}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(t, h, http.MethodPost, "/installments/entries/nope/paid", `{"payment_reference":"CRS-INS-1"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/installments/overdue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, data[[]EntryView](t, rec), 2)
}
