package paystack

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"coursepay/internal/common/money"
	"coursepay/internal/payment"
)

// SignatureHeader carries the HMAC-SHA512 of the raw body keyed with the secret key.
const SignatureHeader = "X-Paystack-Signature"

type webhookEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ParseWebhook verifies the Paystack signature and decodes a charge event.
func (a *Adapter) ParseWebhook(body []byte, header http.Header) (*payment.WebhookPayload, error) {
	if !a.validSignature(body, header.Get(SignatureHeader)) {
		return nil, payment.ErrInvalidSignature
	}

	var ev webhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("unmarshal webhook: %w", err)
	}

	var tx transaction
	if err := json.Unmarshal(ev.Data, &tx); err != nil {
		return nil, fmt.Errorf("unmarshal webhook data: %w", err)
	}

	p := &payment.WebhookPayload{
		Event: ev.Event,
		Data: payment.WebhookData{
			Reference:        tx.Reference,
			GatewayReference: tx.gatewayReference(),
			Status:           tx.Status,
			Amount:           tx.Amount,
			Currency:         money.Currency(strings.ToUpper(tx.Currency)),
			Channel:          tx.Channel,
			PaidAt:           tx.paidAt(),
			Raw:              ev.Data,
		},
	}
	p.Data.Customer.Email = tx.Customer.Email
	return p, nil
}

// Sign returns the signature Paystack sends for body.
func (a *Adapter) Sign(body []byte) string {
	mac := hmac.New(sha512.New, []byte(a.config.SecretKey))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *Adapter) validSignature(body []byte, signature string) bool {
	if signature == "" || a.config.SecretKey == "" {
		return false
	}
	got, err := hex.DecodeString(strings.ToLower(signature))
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(a.Sign(body))
	return hmac.Equal(got, want)
}
