package midtrans

import (
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"coursepay/internal/payment"
)

// Notification is the HTTP notification Midtrans posts on status changes.
type Notification struct {
	TransactionTime   string `json:"transaction_time"`
	TransactionStatus string `json:"transaction_status"`
	TransactionID     string `json:"transaction_id"`
	StatusCode        string `json:"status_code"`
	SignatureKey      string `json:"signature_key"`
	OrderID           string `json:"order_id"`
	GrossAmount       string `json:"gross_amount"`
	Currency          string `json:"currency"`
	PaymentType       string `json:"payment_type"`
	FraudStatus       string `json:"fraud_status"`
	SettlementTime    string `json:"settlement_time"`
}

// ParseWebhook checks signature_key and maps the notification onto a
// webhook payload. The header is unused; Midtrans signs inside the body.
func (a *Adapter) ParseWebhook(body []byte, _ http.Header) (*payment.WebhookPayload, error) {
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("unmarshal notification: %w", err)
	}

	if !a.validSignature(&n) {
		return nil, payment.ErrInvalidSignature
	}

	amount, err := parseGrossAmount(n.GrossAmount)
	if err != nil {
		return nil, err
	}

	status := MapStatus(n.TransactionStatus, n.FraudStatus)
	return &payment.WebhookPayload{
		Event: "midtrans." + strings.ToLower(n.TransactionStatus),
		Data: payment.WebhookData{
			Reference:        n.OrderID,
			GatewayReference: n.TransactionID,
			Status:           status,
			Amount:           amount,
			Currency:         currencyOf(n.Currency),
			Channel:          n.PaymentType,
			PaidAt:           paidAt(status, n.SettlementTime, n.TransactionTime),
			Raw:              json.RawMessage(body),
		},
	}, nil
}

// Signature computes SHA512(order_id + status_code + gross_amount + server_key).
func (a *Adapter) Signature(n *Notification) string {
	sum := sha512.Sum512([]byte(n.OrderID + n.StatusCode + n.GrossAmount + a.config.ServerKey))
	return hex.EncodeToString(sum[:])
}

func (a *Adapter) validSignature(n *Notification) bool {
	if n.SignatureKey == "" || a.config.ServerKey == "" {
		return false
	}
	want := a.Signature(n)
	got := strings.ToLower(n.SignatureKey)
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
