// Package paystack provides the Paystack hosted-checkout gateway adapter.
package paystack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"coursepay/internal/common/money"
	"coursepay/internal/payment"
)

// Config holds Paystack adapter configuration.
type Config struct {
	BaseURL   string        `envconfig:"PAYSTACK_BASE_URL" default:"https://api.paystack.co"`
	SecretKey string        `envconfig:"PAYSTACK_SECRET_KEY"`
	Timeout   time.Duration `envconfig:"PAYSTACK_TIMEOUT" default:"30s"`
}

// envelope is the wrapper around every Paystack API response.
type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type initializeRequest struct {
	Email       string                      `json:"email"`
	Amount      int64                       `json:"amount"`
	Currency    string                      `json:"currency,omitempty"`
	Reference   string                      `json:"reference"`
	CallbackURL string                      `json:"callback_url,omitempty"`
	Channels    []string                    `json:"channels,omitempty"`
	Metadata    payment.TransactionMetadata `json:"metadata"`
}

type initializeData struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

// transaction is the transaction object returned by verify and sent in webhooks.
type transaction struct {
	ID        int64  `json:"id"`
	Status    string `json:"status"`
	Reference string `json:"reference"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Channel   string `json:"channel"`
	Fees      *int64 `json:"fees"`
	PaidAt    string `json:"paid_at"`
	Customer  struct {
		Email string `json:"email"`
	} `json:"customer"`
}

func (t *transaction) paidAt() *time.Time {
	if t.PaidAt == "" {
		return nil
	}
	ts, err := time.Parse(time.RFC3339, t.PaidAt)
	if err != nil {
		return nil
	}
	ts = ts.UTC()
	return &ts
}

func (t *transaction) gatewayReference() string {
	if t.ID == 0 {
		return ""
	}
	return strconv.FormatInt(t.ID, 10)
}

// Adapter implements payment.Gateway against the Paystack transaction API.
type Adapter struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

var _ payment.Gateway = (*Adapter)(nil)

// NewAdapter creates a new Paystack adapter.
func NewAdapter(cfg Config, logger *slog.Logger) *Adapter {
	return &Adapter{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// InitializeTransaction opens a hosted checkout for req.Reference.
func (a *Adapter) InitializeTransaction(ctx context.Context, req *payment.GatewayInitRequest) (*payment.GatewayInitResult, error) {
	body, err := json.Marshal(initializeRequest{
		Email:       req.Email,
		Amount:      req.AmountMinor,
		Currency:    string(req.Currency),
		Reference:   req.Reference,
		CallbackURL: req.CallbackURL,
		Channels:    req.Channels,
		Metadata:    req.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var data initializeData
	if err := a.do(ctx, http.MethodPost, "/transaction/initialize", body, &data); err != nil {
		return nil, err
	}

	a.logger.Debug("paystack transaction initialized",
		"reference", req.Reference,
		"access_code", data.AccessCode,
	)

	return &payment.GatewayInitResult{
		AuthorizationURL: data.AuthorizationURL,
		AccessCode:       data.AccessCode,
		Reference:        data.Reference,
	}, nil
}

// VerifyTransaction fetches the authoritative state of a transaction.
func (a *Adapter) VerifyTransaction(ctx context.Context, reference string) (*payment.GatewayVerifyResult, error) {
	var raw json.RawMessage
	if err := a.do(ctx, http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil, &raw); err != nil {
		return nil, err
	}

	var tx transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, fmt.Errorf("unmarshal transaction: %w", err)
	}

	res := &payment.GatewayVerifyResult{
		Status:           tx.Status,
		Reference:        tx.Reference,
		GatewayReference: tx.gatewayReference(),
		AmountMinor:      tx.Amount,
		Currency:         money.Currency(strings.ToUpper(tx.Currency)),
		PaidAt:           tx.paidAt(),
		Channel:          tx.Channel,
		Raw:              raw,
	}
	if tx.Fees != nil {
		res.FeesMinor = *tx.Fees
	}
	return res, nil
}

func (a *Adapter) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(a.config.BaseURL, "/")+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+a.config.SecretKey)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		if httpResp.StatusCode >= 400 {
			return fmt.Errorf("paystack api error: status=%d body=%s", httpResp.StatusCode, string(respBody))
		}
		return fmt.Errorf("unmarshal response: %w", err)
	}

	if httpResp.StatusCode >= 400 || !env.Status {
		return fmt.Errorf("paystack api error: status=%d message=%s", httpResp.StatusCode, env.Message)
	}

	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	return nil
}
