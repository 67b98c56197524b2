// Package midtrans adapts the Midtrans Snap checkout and Core API status
// endpoint to the payment gateway contract.
package midtrans

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mt "github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/coreapi"
	"github.com/midtrans/midtrans-go/snap"
	"github.com/shopspring/decimal"

	"coursepay/internal/common/money"
	"coursepay/internal/payment"
)

// Config holds Midtrans adapter configuration.
type Config struct {
	ServerKey  string        `envconfig:"MIDTRANS_SERVER_KEY"`
	Production bool          `envconfig:"MIDTRANS_PRODUCTION" default:"false"`
	Timeout    time.Duration `envconfig:"MIDTRANS_TIMEOUT" default:"30s"`
}

// Midtrans settles in rupiah and reports local times in WIB.
var wib = time.FixedZone("WIB", 7*60*60)

const timeLayout = "2006-01-02 15:04:05"

type snapAPI interface {
	CreateTransaction(req *snap.Request) (*snap.Response, *mt.Error)
}

type statusAPI interface {
	CheckTransaction(orderID string) (*coreapi.TransactionStatusResponse, *mt.Error)
}

// Adapter implements payment.Gateway and payment.WebhookParser for Midtrans.
type Adapter struct {
	config Config
	snap   snapAPI
	core   statusAPI
	logger *slog.Logger
}

var (
	_ payment.Gateway       = (*Adapter)(nil)
	_ payment.WebhookParser = (*Adapter)(nil)
)

// NewAdapter creates a new Midtrans adapter.
func NewAdapter(cfg Config, logger *slog.Logger) *Adapter {
	env := mt.Sandbox
	if cfg.Production {
		env = mt.Production
	}

	var s snap.Client
	s.New(cfg.ServerKey, env)
	var c coreapi.Client
	c.New(cfg.ServerKey, env)

	return &Adapter{
		config: cfg,
		snap:   &s,
		core:   &c,
		logger: logger,
	}
}

// InitializeTransaction opens a Snap checkout with the reference as order id.
func (a *Adapter) InitializeTransaction(ctx context.Context, req *payment.GatewayInitRequest) (*payment.GatewayInitResult, error) {
	if req.Currency != "" && req.Currency != money.IDR {
		return nil, fmt.Errorf("midtrans: unsupported currency %s", req.Currency)
	}

	first, last := splitName(req.Email)
	snapReq := &snap.Request{
		TransactionDetails: mt.TransactionDetails{
			OrderID:  req.Reference,
			GrossAmt: req.AmountMinor,
		},
		CustomerDetail: &mt.CustomerDetails{
			FName: first,
			LName: last,
			Email: req.Email,
		},
		CustomField1: string(req.Metadata.PaymentType),
		CustomField2: req.Metadata.StudentID,
		CustomField3: req.Metadata.CourseID,
	}
	if len(req.Channels) > 0 {
		snapReq.EnabledPayments = enabledPayments(req.Channels)
	}
	if req.CallbackURL != "" {
		snapReq.Callbacks = &snap.Callbacks{Finish: req.CallbackURL}
	}

	resp, err := call(ctx, a.config.Timeout, func() (*snap.Response, *mt.Error) {
		return a.snap.CreateTransaction(snapReq)
	})
	if err != nil {
		return nil, fmt.Errorf("midtrans create transaction: %w", err)
	}

	a.logger.Debug("midtrans transaction created", "reference", req.Reference)

	return &payment.GatewayInitResult{
		AuthorizationURL: resp.RedirectURL,
		AccessCode:       resp.Token,
		Reference:        req.Reference,
	}, nil
}

// VerifyTransaction asks the Core API for the current status of an order.
func (a *Adapter) VerifyTransaction(ctx context.Context, reference string) (*payment.GatewayVerifyResult, error) {
	resp, err := call(ctx, a.config.Timeout, func() (*coreapi.TransactionStatusResponse, *mt.Error) {
		return a.core.CheckTransaction(reference)
	})
	if err != nil {
		return nil, fmt.Errorf("midtrans check transaction: %w", err)
	}

	amount, err := parseGrossAmount(resp.GrossAmount)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("marshal status: %w", err)
	}

	status := MapStatus(resp.TransactionStatus, resp.FraudStatus)
	return &payment.GatewayVerifyResult{
		Status:           status,
		Reference:        resp.OrderID,
		GatewayReference: resp.TransactionID,
		AmountMinor:      amount,
		Currency:         currencyOf(resp.Currency),
		PaidAt:           paidAt(status, resp.SettlementTime, resp.TransactionTime),
		Channel:          resp.PaymentType,
		Raw:              raw,
	}, nil
}

// MapStatus folds a Midtrans transaction and fraud status into the
// success/pending/failed vocabulary the payment service understands.
func MapStatus(transactionStatus, fraudStatus string) string {
	switch strings.ToLower(transactionStatus) {
	case "capture":
		switch strings.ToLower(fraudStatus) {
		case "", "accept":
			return "success"
		case "challenge":
			return "pending"
		default:
			return "failed"
		}
	case "settlement":
		return "success"
	case "pending", "authorize":
		return "pending"
	case "":
		return ""
	default:
		// deny, cancel, expire, failure, refund, partial_refund
		return "failed"
	}
}

// call runs an SDK request that has no context support, giving up when ctx
// or timeout expires first.
func call[T any](ctx context.Context, timeout time.Duration, fn func() (*T, *mt.Error)) (*T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		resp *T
		err  *mt.Error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := fn()
		done <- result{resp, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		if r.resp == nil {
			return nil, errors.New("empty response")
		}
		return r.resp, nil
	}
}

func parseGrossAmount(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse gross_amount %q: %w", s, err)
	}
	m, err := money.FromDecimal(d.Truncate(0), money.IDR)
	if err != nil {
		return 0, err
	}
	return m.AmountMinor, nil
}

func paidAt(status, settlementTime, transactionTime string) *time.Time {
	if status != "success" {
		return nil
	}
	for _, s := range []string{settlementTime, transactionTime} {
		if s == "" {
			continue
		}
		if t, err := time.ParseInLocation(timeLayout, s, wib); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func currencyOf(code string) money.Currency {
	if code == "" {
		return money.IDR
	}
	return money.Currency(strings.ToUpper(code))
}

func splitName(email string) (string, string) {
	local, _, _ := strings.Cut(email, "@")
	first, last, _ := strings.Cut(local, ".")
	return first, last
}

// enabledPayments maps generic channel names onto Snap payment types.
func enabledPayments(channels []string) []snap.SnapPaymentType {
	var out []snap.SnapPaymentType
	seen := make(map[snap.SnapPaymentType]bool)
	add := func(types ...snap.SnapPaymentType) {
		for _, t := range types {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	for _, c := range channels {
		switch strings.ToLower(c) {
		case "card":
			add("credit_card")
		case "bank", "bank_transfer":
			add("bank_transfer", "bca_va", "bni_va", "bri_va", "permata_va")
		case "qris", "ewallet":
			add("gopay", "shopeepay")
		}
	}
	return out
}
