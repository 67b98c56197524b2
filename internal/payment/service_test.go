package payment

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"coursepay/internal/common/apperr"
	"coursepay/internal/common/events"
	"coursepay/internal/common/money"
)

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) InitializeTransaction(ctx context.Context, req *GatewayInitRequest) (*GatewayInitResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*GatewayInitResult)
	return res, args.Error(1)
}

func (m *mockGateway) VerifyTransaction(ctx context.Context, reference string) (*GatewayVerifyResult, error) {
	args := m.Called(ctx, reference)
	res, _ := args.Get(0).(*GatewayVerifyResult)
	return res, args.Error(1)
}

type countingConfirmer struct {
	calls atomic.Int32
	err   error
}

func (c *countingConfirmer) OnPaymentConfirmed(ctx context.Context, r *Record) error {
	c.calls.Add(1)
	return c.err
}

type recordingQueue struct {
	mu     sync.Mutex
	parked map[string]string
}

func (q *recordingQueue) Enqueue(ctx context.Context, reference, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.parked == nil {
		q.parked = make(map[string]string)
	}
	q.parked[reference] = reason
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*events.Event
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, e *events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

var testNow = time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, gw Gateway) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(store, gw, Config{
		ReferencePrefix:  "CRS",
		DefaultCurrency:  "NGN",
		Channels:         []string{"card"},
		MetadataMaxBytes: 1024,
	}, logger)
	svc.now = func() time.Time { return testNow }
	return svc, store
}

func seedPending(t *testing.T, store *MemoryStore, reference string, amount int64, typ Type) *Record {
	t.Helper()
	var inst *InstallmentDetails
	if typ == TypeInstallment {
		inst = &InstallmentDetails{Number: 1, Total: 3}
	}
	r, err := NewRecord("id-"+reference, reference, "stu-1", "course-1", "ada@example.com", money.New(amount, money.NGN), typ, inst, testNow.Add(-time.Hour))
	require.NoError(t, err)
	require.NoError(t, store.Create(context.Background(), r))
	return r
}

func courseFeeRequest() *InitializeRequest {
	return &InitializeRequest{
		StudentID:   "stu-1",
		CourseID:    "course-1",
		Email:       "ada@example.com",
		Amount:      money.New(5000000, money.NGN),
		PaymentType: TypeCourseFee,
	}
}

func TestInitializePayment(t *testing.T) {
	gw := &mockGateway{}
	svc, store := newTestService(t, gw)
	pub := &recordingPublisher{}
	svc.SetPublisher(pub)

	gw.On("InitializeTransaction", mock.Anything, mock.MatchedBy(func(req *GatewayInitRequest) bool {
		return req.AmountMinor == 5000000 && req.Currency == money.NGN && strings.HasPrefix(req.Reference, "CRS-FEE-")
	})).Return(&GatewayInitResult{AuthorizationURL: "https://checkout.test/abc", AccessCode: "abc"}, nil).Once()

	resp, err := svc.InitializePayment(context.Background(), courseFeeRequest())
	require.NoError(t, err)
	gw.AssertExpectations(t)

	assert.Equal(t, "https://checkout.test/abc", resp.AuthorizationURL)
	assert.Equal(t, StatusPending, resp.Status)

	stored, err := store.FindByReference(context.Background(), resp.Reference)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)
	assert.Equal(t, int64(5000000), stored.Amount.AmountMinor)
	assert.Nil(t, stored.PaidAt)
	assert.Equal(t, []string{events.EventPaymentInitialized}, pub.types())
}

func TestInitializePaymentReferencesAreUnique(t *testing.T) {
	gw := &mockGateway{}
	svc, _ := newTestService(t, gw)
	gw.On("InitializeTransaction", mock.Anything, mock.Anything).Return(&GatewayInitResult{AuthorizationURL: "u"}, nil)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		resp, err := svc.InitializePayment(context.Background(), courseFeeRequest())
		require.NoError(t, err)
		assert.False(t, seen[resp.Reference], "duplicate reference %s", resp.Reference)
		seen[resp.Reference] = true
	}
}

func TestInitializePaymentGatewayFailureStoresNothing(t *testing.T) {
	gw := &mockGateway{}
	svc, store := newTestService(t, gw)
	gw.On("InitializeTransaction", mock.Anything, mock.Anything).Return(nil, errors.New("connection reset")).Once()

	_, err := svc.InitializePayment(context.Background(), courseFeeRequest())
	require.Error(t, err)
	assert.True(t, apperr.IsGateway(err))

	records, err := store.ListByStudent(context.Background(), "stu-1")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestInitializePaymentValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*InitializeRequest)
	}{
		{"zero amount", func(r *InitializeRequest) { r.Amount = money.Zero(money.NGN) }},
		{"negative amount", func(r *InitializeRequest) { r.Amount = money.New(-100, money.NGN) }},
		{"missing student", func(r *InitializeRequest) { r.StudentID = "" }},
		{"bad email", func(r *InitializeRequest) { r.Email = "nobody" }},
		{"unknown type", func(r *InitializeRequest) { r.PaymentType = "donation" }},
		{"installment without number", func(r *InitializeRequest) { r.PaymentType = TypeInstallment }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &mockGateway{}
			svc, _ := newTestService(t, gw)

			req := courseFeeRequest()
			tt.mutate(req)

			_, err := svc.InitializePayment(context.Background(), req)
			require.Error(t, err)
			assert.True(t, apperr.IsValidation(err))
			gw.AssertNotCalled(t, "InitializeTransaction", mock.Anything, mock.Anything)
		})
	}
}

func TestVerifyPaymentSuccessConfirmsOnce(t *testing.T) {
	gw := &mockGateway{}
	svc, store := newTestService(t, gw)
	confirmer := &countingConfirmer{}
	svc.SetConfirmer(confirmer)

	seedPending(t, store, "CRS-FEE-1", 5000000, TypeCourseFee)
	paidAt := testNow.Add(-5 * time.Minute)
	gw.On("VerifyTransaction", mock.Anything, "CRS-FEE-1").Return(&GatewayVerifyResult{
		Status:           "success",
		GatewayReference: "gw-991",
		AmountMinor:      5000000,
		Currency:         money.NGN,
		Channel:          "card",
		PaidAt:           &paidAt,
		Raw:              []byte(`{"status":"success"}`),
	}, nil).Once()

	resp, err := svc.VerifyPayment(context.Background(), "CRS-FEE-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, resp.Status)
	require.NotNil(t, resp.PaidAt)
	assert.True(t, paidAt.Equal(*resp.PaidAt))

	// terminal now: answered from the store
	resp, err = svc.VerifyPayment(context.Background(), "CRS-FEE-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, resp.Status)

	gw.AssertExpectations(t)
	assert.Equal(t, int32(1), confirmer.calls.Load())

	stored, err := store.FindByReference(context.Background(), "CRS-FEE-1")
	require.NoError(t, err)
	assert.Equal(t, "gw-991", stored.GatewayReference)
	require.NotNil(t, stored.GatewayMetadata)
	assert.Equal(t, "card", stored.GatewayMetadata.Channel)
	assert.JSONEq(t, `{"status":"success"}`, string(stored.GatewayMetadata.Raw))
}

func TestVerifyPaymentUnknownReference(t *testing.T) {
	gw := &mockGateway{}
	svc, _ := newTestService(t, gw)

	_, err := svc.VerifyPayment(context.Background(), "CRS-FEE-missing")
	require.Error(t, err)
	assert.True(t, apperr.IsNotFound(err))
	gw.AssertNotCalled(t, "VerifyTransaction", mock.Anything, mock.Anything)
}

func TestVerifyPaymentStillPending(t *testing.T) {
	gw := &mockGateway{}
	svc, store := newTestService(t, gw)
	confirmer := &countingConfirmer{}
	svc.SetConfirmer(confirmer)

	seedPending(t, store, "CRS-FEE-2", 1000, TypeCourseFee)
	gw.On("VerifyTransaction", mock.Anything, "CRS-FEE-2").Return(&GatewayVerifyResult{Status: "ongoing"}, nil)

	resp, err := svc.VerifyPayment(context.Background(), "CRS-FEE-2")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, resp.Status)
	assert.Equal(t, int32(0), confirmer.calls.Load())
}

func TestVerifyPaymentGatewayError(t *testing.T) {
	gw := &mockGateway{}
	svc, store := newTestService(t, gw)
	seedPending(t, store, "CRS-FEE-3", 1000, TypeCourseFee)
	gw.On("VerifyTransaction", mock.Anything, "CRS-FEE-3").Return(nil, context.DeadlineExceeded)

	_, err := svc.VerifyPayment(context.Background(), "CRS-FEE-3")
	require.Error(t, err)
	assert.True(t, apperr.IsGateway(err))

	stored, err := store.FindByReference(context.Background(), "CRS-FEE-3")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)
}

func TestGatewayFailureStatuses(t *testing.T) {
	for _, status := range []string{"failed", "abandoned", "reversed", "cancel"} {
		t.Run(status, func(t *testing.T) {
			gw := &mockGateway{}
			svc, store := newTestService(t, gw)
			confirmer := &countingConfirmer{}
			svc.SetConfirmer(confirmer)
			seedPending(t, store, "CRS-FEE-4", 1000, TypeCourseFee)

			out, err := svc.HandleWebhook(context.Background(), &WebhookPayload{
				Event: "charge.failed",
				Data:  WebhookData{Reference: "CRS-FEE-4", Status: status},
			})
			require.NoError(t, err)
			assert.True(t, out.Applied)
			assert.Equal(t, StatusFailed, out.Record.Status)
			assert.Nil(t, out.Record.PaidAt)
			assert.Equal(t, int32(0), confirmer.calls.Load())
		})
	}
}

func TestWebhookAfterVerifyIsNoOp(t *testing.T) {
	gw := &mockGateway{}
	svc, store := newTestService(t, gw)
	confirmer := &countingConfirmer{}
	svc.SetConfirmer(confirmer)
	seedPending(t, store, "CRS-INS-1", 2000, TypeInstallment)

	gw.On("VerifyTransaction", mock.Anything, "CRS-INS-1").Return(&GatewayVerifyResult{Status: "success", AmountMinor: 2000}, nil).Once()
	_, err := svc.VerifyPayment(context.Background(), "CRS-INS-1")
	require.NoError(t, err)

	out, err := svc.HandleWebhook(context.Background(), &WebhookPayload{
		Event: "charge.success",
		Data:  WebhookData{Reference: "CRS-INS-1", Status: "success", Amount: 2000},
	})
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Equal(t, StatusSuccess, out.Record.Status)

	// a late failure cannot demote a success
	out, err = svc.HandleWebhook(context.Background(), &WebhookPayload{
		Data: WebhookData{Reference: "CRS-INS-1", Status: "failed"},
	})
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Equal(t, StatusSuccess, out.Record.Status)

	assert.Equal(t, int32(1), confirmer.calls.Load())
}

func TestDuplicateWebhookKeepsTimestamps(t *testing.T) {
	gw := &mockGateway{}
	svc, store := newTestService(t, gw)
	seedPending(t, store, "CRS-INS-9", 2000, TypeInstallment)

	paidAt := testNow.Add(-time.Minute)
	gw.On("VerifyTransaction", mock.Anything, "CRS-INS-9").Return(&GatewayVerifyResult{Status: "success", AmountMinor: 2000, PaidAt: &paidAt}, nil).Once()
	_, err := svc.VerifyPayment(context.Background(), "CRS-INS-9")
	require.NoError(t, err)

	before, err := store.FindByReference(context.Background(), "CRS-INS-9")
	require.NoError(t, err)

	svc.now = func() time.Time { return testNow.Add(time.Hour) }
	laterPaidAt := testNow.Add(30 * time.Minute)
	for i := 0; i < 2; i++ {
		out, err := svc.HandleWebhook(context.Background(), &WebhookPayload{
			Event: "charge.success",
			Data:  WebhookData{Reference: "CRS-INS-9", Status: "success", Amount: 2000, Channel: "bank", PaidAt: &laterPaidAt},
		})
		require.NoError(t, err)
		assert.False(t, out.Applied)
	}

	after, err := store.FindByReference(context.Background(), "CRS-INS-9")
	require.NoError(t, err)
	assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt))
	require.NotNil(t, after.PaidAt)
	assert.True(t, before.PaidAt.Equal(*after.PaidAt))
	assert.Equal(t, before.GatewayMetadata, after.GatewayMetadata)
}

func TestOutcomeDoesNotShareStoredRecord(t *testing.T) {
	svc, store := newTestService(t, &mockGateway{})
	seedPending(t, store, "CRS-FEE-10", 1000, TypeCourseFee)

	out, err := svc.HandleWebhook(context.Background(), &WebhookPayload{
		Data: WebhookData{Reference: "CRS-FEE-10", Status: "success", Amount: 1000, Channel: "card"},
	})
	require.NoError(t, err)
	require.NotNil(t, out.Record.GatewayMetadata)
	require.NotNil(t, out.Record.PaidAt)

	out.Record.GatewayMetadata.Channel = "tampered"
	*out.Record.PaidAt = time.Time{}

	stored, err := store.FindByReference(context.Background(), "CRS-FEE-10")
	require.NoError(t, err)
	assert.Equal(t, "card", stored.GatewayMetadata.Channel)
	require.NotNil(t, stored.PaidAt)
	assert.False(t, stored.PaidAt.IsZero())
}

// cancelAfterUpdateStore cancels the caller's context once a status swap lands,
// as when a client disconnects mid-request.
type cancelAfterUpdateStore struct {
	*MemoryStore
	cancel context.CancelFunc
}

func (s *cancelAfterUpdateStore) ConditionalUpdate(ctx context.Context, reference string, expected Status, p Patch) (bool, error) {
	ok, err := s.MemoryStore.ConditionalUpdate(ctx, reference, expected, p)
	s.cancel()
	return ok, err
}

type ctxCheckingConfirmer struct {
	calls   atomic.Int32
	liveCtx atomic.Bool
}

func (c *ctxCheckingConfirmer) OnPaymentConfirmed(ctx context.Context, r *Record) error {
	c.calls.Add(1)
	c.liveCtx.Store(ctx.Err() == nil)
	return nil
}

func TestConfirmerRunsAfterCallerCancels(t *testing.T) {
	mem := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &cancelAfterUpdateStore{MemoryStore: mem, cancel: cancel}

	svc := NewService(store, &mockGateway{}, Config{MetadataMaxBytes: 1024}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.now = func() time.Time { return testNow }
	confirmer := &ctxCheckingConfirmer{}
	svc.SetConfirmer(confirmer)
	pub := &recordingPublisher{}
	svc.SetPublisher(pub)
	seedPending(t, mem, "CRS-INS-10", 1000, TypeInstallment)

	out, err := svc.HandleWebhook(ctx, &WebhookPayload{
		Data: WebhookData{Reference: "CRS-INS-10", Status: "success", Amount: 1000},
	})
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Error(t, ctx.Err())

	assert.Equal(t, int32(1), confirmer.calls.Load())
	assert.True(t, confirmer.liveCtx.Load())
	assert.Equal(t, []string{events.EventPaymentSucceeded}, pub.types())
}

func TestWebhookResolvesByGatewayReference(t *testing.T) {
	gw := &mockGateway{}
	svc, store := newTestService(t, gw)
	r := seedPending(t, store, "CRS-FEE-5", 1000, TypeCourseFee)

	// first delivery records the gateway id
	_, err := svc.HandleWebhook(context.Background(), &WebhookPayload{
		Data: WebhookData{Reference: r.Reference, GatewayReference: "gw-5", Status: "success", Amount: 1000},
	})
	require.NoError(t, err)

	out, err := svc.HandleWebhook(context.Background(), &WebhookPayload{
		Data: WebhookData{GatewayReference: "gw-5", Status: "success"},
	})
	require.NoError(t, err)
	assert.Equal(t, r.Reference, out.Record.Reference)
	assert.False(t, out.Applied)
}

func TestWebhookRejectsMissingFields(t *testing.T) {
	svc, _ := newTestService(t, &mockGateway{})

	_, err := svc.HandleWebhook(context.Background(), &WebhookPayload{Data: WebhookData{Status: "success"}})
	assert.True(t, apperr.IsValidation(err))

	_, err = svc.HandleWebhook(context.Background(), &WebhookPayload{Data: WebhookData{Reference: "CRS-FEE-6"}})
	assert.True(t, apperr.IsValidation(err))
}

func TestWebhookUnknownReference(t *testing.T) {
	svc, _ := newTestService(t, &mockGateway{})

	_, err := svc.HandleWebhook(context.Background(), &WebhookPayload{Data: WebhookData{Reference: "nope", Status: "success"}})
	assert.True(t, apperr.IsNotFound(err))
}

// slowGateway blocks verify calls until released so callers overlap.
type slowGateway struct {
	release chan struct{}
	calls   atomic.Int32
}

func (g *slowGateway) InitializeTransaction(ctx context.Context, req *GatewayInitRequest) (*GatewayInitResult, error) {
	return nil, errors.New("not used")
}

func (g *slowGateway) VerifyTransaction(ctx context.Context, reference string) (*GatewayVerifyResult, error) {
	g.calls.Add(1)
	<-g.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &GatewayVerifyResult{Status: "success", AmountMinor: 3000}, nil
}

func TestConcurrentVerifyAndWebhookConfirmOnce(t *testing.T) {
	gw := &slowGateway{release: make(chan struct{})}
	svc, store := newTestService(t, gw)
	confirmer := &countingConfirmer{}
	svc.SetConfirmer(confirmer)
	seedPending(t, store, "CRS-INS-2", 3000, TypeInstallment)

	var wg sync.WaitGroup
	var applied atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := svc.VerifyPayment(context.Background(), "CRS-INS-2")
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			out, err := svc.HandleWebhook(context.Background(), &WebhookPayload{
				Data: WebhookData{Reference: "CRS-INS-2", Status: "success", Amount: 3000},
			})
			if assert.NoError(t, err) && out.Applied {
				applied.Add(1)
			}
		}()
	}
	close(gw.release)
	wg.Wait()

	assert.Equal(t, int32(1), confirmer.calls.Load())
	assert.LessOrEqual(t, applied.Load(), int32(1))

	stored, err := store.FindByReference(context.Background(), "CRS-INS-2")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, stored.Status)
}

func TestConfirmerFailureParksReconciliation(t *testing.T) {
	svc, store := newTestService(t, &mockGateway{})
	svc.SetConfirmer(&countingConfirmer{err: apperr.NotFound("installment.Plan", "no plan")})
	queue := &recordingQueue{}
	svc.SetReconciliationQueue(queue)
	pub := &recordingPublisher{}
	svc.SetPublisher(pub)
	seedPending(t, store, "CRS-INS-3", 1000, TypeInstallment)

	out, err := svc.HandleWebhook(context.Background(), &WebhookPayload{
		Data: WebhookData{Reference: "CRS-INS-3", Status: "success", Amount: 1000},
	})
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.True(t, out.ReconciliationPending)
	assert.Equal(t, StatusSuccess, out.Record.Status)

	assert.Contains(t, queue.parked, "CRS-INS-3")
	assert.Contains(t, pub.types(), events.EventPaymentReconciliationPending)

	stored, err := store.FindByReference(context.Background(), "CRS-INS-3")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, stored.Status)
}

func TestAmountMismatchStillResolves(t *testing.T) {
	svc, store := newTestService(t, &mockGateway{})
	pub := &recordingPublisher{}
	svc.SetPublisher(pub)
	seedPending(t, store, "CRS-FEE-7", 1000, TypeCourseFee)

	out, err := svc.HandleWebhook(context.Background(), &WebhookPayload{
		Data: WebhookData{Reference: "CRS-FEE-7", Status: "success", Amount: 900},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, out.Record.Status)
	assert.Equal(t, []string{events.EventPaymentSucceeded, events.EventPaymentAmountMismatch}, pub.types())
	assert.Equal(t, int64(900), out.Record.GatewayMetadata.ReportedAmountMinor)
}

func TestPublishFailureDoesNotFailResolution(t *testing.T) {
	svc, store := newTestService(t, &mockGateway{})
	svc.SetPublisher(&recordingPublisher{err: errors.New("nats: no responders")})
	seedPending(t, store, "CRS-FEE-8", 1000, TypeCourseFee)

	out, err := svc.HandleWebhook(context.Background(), &WebhookPayload{
		Data: WebhookData{Reference: "CRS-FEE-8", Status: "success"},
	})
	require.NoError(t, err)
	assert.True(t, out.Applied)
}

func TestOversizeGatewayMetadataIsTruncated(t *testing.T) {
	svc, store := newTestService(t, &mockGateway{})
	seedPending(t, store, "CRS-FEE-9", 1000, TypeCourseFee)

	raw := []byte(`{"blob":"` + strings.Repeat("x", 4096) + `"}`)
	out, err := svc.ApplyGatewayResult(context.Background(), GatewayResult{
		Reference: "CRS-FEE-9",
		Status:    "success",
		Raw:       raw,
		Source:    SourceWebhook,
	})
	require.NoError(t, err)
	require.NotNil(t, out.Record.GatewayMetadata)
	assert.True(t, out.Record.GatewayMetadata.Truncated)
	assert.Empty(t, out.Record.GatewayMetadata.Raw)
}

func TestRevenue(t *testing.T) {
	svc, store := newTestService(t, &mockGateway{})
	ctx := context.Background()

	pay := func(ref string, amount int64, paidAt time.Time) {
		seedPending(t, store, ref, amount, TypeCourseFee)
		_, err := svc.ApplyGatewayResult(ctx, GatewayResult{Reference: ref, Status: "success", PaidAt: &paidAt})
		require.NoError(t, err)
	}
	pay("CRS-FEE-a", 1000, time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC))
	pay("CRS-FEE-b", 2500, time.Date(2024, 1, 31, 23, 0, 0, 0, time.UTC))
	pay("CRS-FEE-c", 4000, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	seedPending(t, store, "CRS-FEE-d", 9999, TypeCourseFee)

	total, err := svc.TotalRevenue(ctx, DateRange{})
	require.NoError(t, err)
	require.Len(t, total, 1)
	assert.Equal(t, int64(7500), total[0].AmountMinor)

	monthly, err := svc.MonthlyRevenue(ctx, 2024, money.NGN)
	require.NoError(t, err)
	require.Len(t, monthly, 12)
	assert.Equal(t, int64(3500), monthly[0].Amount.AmountMinor)
	assert.Equal(t, int64(0), monthly[1].Amount.AmountMinor)
	assert.Equal(t, int64(4000), monthly[2].Amount.AmountMinor)

	from := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	_, err = svc.TotalRevenue(ctx, DateRange{From: &from, To: &from})
	assert.True(t, apperr.IsValidation(err))

	_, err = svc.MonthlyRevenue(ctx, 12, money.NGN)
	assert.True(t, apperr.IsValidation(err))
}

func TestVerifyCallerCancelDoesNotFailSharedCall(t *testing.T) {
	gw := &slowGateway{release: make(chan struct{})}
	svc, store := newTestService(t, gw)
	confirmer := &countingConfirmer{}
	svc.SetConfirmer(confirmer)
	seedPending(t, store, "CRS-INS-11", 3000, TypeInstallment)

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.VerifyPayment(ctx, "CRS-INS-11")
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return gw.calls.Load() == 1 }, time.Second, time.Millisecond)

	secondResp := make(chan *VerifyResponse, 1)
	go func() {
		resp, err := svc.VerifyPayment(context.Background(), "CRS-INS-11")
		assert.NoError(t, err)
		secondResp <- resp
	}()

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(gw.release)
	resp := <-secondResp
	require.NotNil(t, resp)
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, int32(1), confirmer.calls.Load())

	stored, err := store.FindByReference(context.Background(), "CRS-INS-11")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, stored.Status)
}
