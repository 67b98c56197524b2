package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"coursepay/internal/common/money"
)

// Gateway is the hosted-checkout payment provider.
type Gateway interface {
	InitializeTransaction(ctx context.Context, req *GatewayInitRequest) (*GatewayInitResult, error)
	VerifyTransaction(ctx context.Context, reference string) (*GatewayVerifyResult, error)
}

// ErrInvalidSignature is returned by a WebhookParser when the delivery is not
// signed by the provider.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// WebhookParser authenticates and decodes a provider's webhook delivery.
type WebhookParser interface {
	ParseWebhook(body []byte, header http.Header) (*WebhookPayload, error)
}

// GatewayInitRequest is sent to the provider to open a hosted transaction.
type GatewayInitRequest struct {
	AmountMinor int64
	Currency    money.Currency
	Email       string
	Reference   string
	CallbackURL string
	Channels    []string
	Metadata    TransactionMetadata
}

// TransactionMetadata travels with the gateway transaction and comes back on verify.
type TransactionMetadata struct {
	StudentID         string `json:"student_id"`
	CourseID          string `json:"course_id"`
	PaymentType       Type   `json:"payment_type"`
	InstallmentNumber *int   `json:"installment_number,omitempty"`
}

// GatewayInitResult is the provider's answer to an initialize call.
type GatewayInitResult struct {
	AuthorizationURL string
	AccessCode       string
	Reference        string
}

// GatewayVerifyResult is the provider's authoritative view of a transaction.
type GatewayVerifyResult struct {
	Status           string
	Reference        string
	GatewayReference string
	AmountMinor      int64
	Currency         money.Currency
	PaidAt           *time.Time
	Channel          string
	FeesMinor        int64
	Raw              json.RawMessage
}

// WebhookPayload is a gateway-pushed event after signature checks.
type WebhookPayload struct {
	Event string      `json:"event"`
	Data  WebhookData `json:"data"`
}

// WebhookData carries the transaction fields of a webhook event.
type WebhookData struct {
	Reference        string         `json:"reference"`
	GatewayReference string         `json:"gateway_reference,omitempty"`
	Status           string         `json:"status"`
	Amount           int64          `json:"amount"`
	Currency         money.Currency `json:"currency,omitempty"`
	Channel          string         `json:"channel,omitempty"`
	PaidAt           *time.Time     `json:"paid_at,omitempty"`
	Customer         struct {
		Email string `json:"email"`
	} `json:"customer"`
	Raw json.RawMessage `json:"-"`
}

// NormalizeGatewayStatus maps a provider status word onto a record status.
// resolved is false while the provider still considers the transaction open.
func NormalizeGatewayStatus(gatewayStatus string) (status Status, resolved bool) {
	switch strings.ToLower(strings.TrimSpace(gatewayStatus)) {
	case "success":
		return StatusSuccess, true
	case "", "pending", "ongoing", "processing", "queued":
		return StatusPending, false
	default:
		return StatusFailed, true
	}
}

// Result sources
const (
	SourceVerify  = "verify"
	SourceWebhook = "webhook"
)

// GatewayResult is one authoritative outcome to reconcile onto a record.
type GatewayResult struct {
	Reference        string
	GatewayReference string
	Status           string
	AmountMinor      int64
	Currency         money.Currency
	Channel          string
	FeesMinor        int64
	PaidAt           *time.Time
	Raw              json.RawMessage
	Source           string
}

func resultFromVerify(reference string, v *GatewayVerifyResult) GatewayResult {
	return GatewayResult{
		Reference:        reference,
		GatewayReference: v.GatewayReference,
		Status:           v.Status,
		AmountMinor:      v.AmountMinor,
		Currency:         v.Currency,
		Channel:          v.Channel,
		FeesMinor:        v.FeesMinor,
		PaidAt:           v.PaidAt,
		Raw:              v.Raw,
		Source:           SourceVerify,
	}
}

func resultFromWebhook(p *WebhookPayload) GatewayResult {
	return GatewayResult{
		Reference:        p.Data.Reference,
		GatewayReference: p.Data.GatewayReference,
		Status:           p.Data.Status,
		AmountMinor:      p.Data.Amount,
		Currency:         p.Data.Currency,
		Channel:          p.Data.Channel,
		PaidAt:           p.Data.PaidAt,
		Raw:              p.Data.Raw,
		Source:           SourceWebhook,
	}
}

// GatewayMetadata is the audit trail kept from the gateway's answer.
// Raw is dropped when it exceeds the configured bound.
type GatewayMetadata struct {
	GatewayStatus       string          `json:"gateway_status"`
	Source              string          `json:"source"`
	Channel             string          `json:"channel,omitempty"`
	Currency            string          `json:"currency,omitempty"`
	FeesMinor           int64           `json:"fees_minor,omitempty"`
	ReportedAmountMinor int64           `json:"reported_amount_minor,omitempty"`
	Raw                 json.RawMessage `json:"raw,omitempty"`
	Truncated           bool            `json:"truncated,omitempty"`
}

func (m *GatewayMetadata) clone() *GatewayMetadata {
	if m == nil {
		return nil
	}
	c := *m
	c.Raw = append(json.RawMessage(nil), m.Raw...)
	return &c
}

// NewGatewayMetadata builds the metadata blob for res, bounding Raw to maxBytes.
func NewGatewayMetadata(res GatewayResult, maxBytes int) *GatewayMetadata {
	m := &GatewayMetadata{
		GatewayStatus:       res.Status,
		Source:              res.Source,
		Channel:             res.Channel,
		Currency:            string(res.Currency),
		FeesMinor:           res.FeesMinor,
		ReportedAmountMinor: res.AmountMinor,
	}
	if len(res.Raw) == 0 {
		return m
	}
	if maxBytes > 0 && len(res.Raw) > maxBytes {
		m.Truncated = true
		return m
	}
	if !json.Valid(res.Raw) {
		m.Truncated = true
		return m
	}
	m.Raw = append(json.RawMessage(nil), res.Raw...)
	return m
}
