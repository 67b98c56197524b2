// Package money represents course fees and payment amounts as integer minor
// units with a currency. Amounts never pass through floating point.
package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency is an ISO 4217 code.
type Currency string

// Currencies the gateways settle course payments in.
const (
	NGN Currency = "NGN"
	GHS Currency = "GHS"
	KES Currency = "KES"
	ZAR Currency = "ZAR"
	USD Currency = "USD"
	IDR Currency = "IDR"
)

type currencyInfo struct {
	exponent int32
	symbol   string
}

// IDR is settled in whole rupiah.
var currencies = map[Currency]currencyInfo{
	NGN: {2, "₦"},
	GHS: {2, "GH₵"},
	KES: {2, "KSh"},
	ZAR: {2, "R"},
	USD: {2, "$"},
	IDR: {0, "Rp"},
}

var (
	ErrUnknownCurrency  = errors.New("unknown currency")
	ErrCurrencyMismatch = errors.New("currency mismatch")
	ErrTooPrecise       = errors.New("amount has more decimal places than the currency allows")
)

// Supported reports whether c is a currency payments can be taken in.
func Supported(c Currency) bool {
	_, ok := currencies[c]
	return ok
}

// ParseCurrency upper-cases and checks a currency code from a request.
func ParseCurrency(code string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(code)))
	if !Supported(c) {
		return "", fmt.Errorf("%w: %q", ErrUnknownCurrency, code)
	}
	return c, nil
}

func (c Currency) exponent() int32 {
	if info, ok := currencies[c]; ok {
		return info.exponent
	}
	return 2
}

// Money is an amount in minor units (kobo, cents, whole rupiah).
type Money struct {
	AmountMinor int64    `json:"amount_minor"`
	Currency    Currency `json:"currency"`
}

func New(amountMinor int64, currency Currency) Money {
	return Money{AmountMinor: amountMinor, Currency: currency}
}

func Zero(currency Currency) Money {
	return Money{Currency: currency}
}

// FromDecimal converts a major-unit amount such as 299.50 into minor units.
// It refuses to round: 1.005 NGN is ErrTooPrecise.
func FromDecimal(amount decimal.Decimal, currency Currency) (Money, error) {
	if !Supported(currency) {
		return Money{}, fmt.Errorf("%w: %q", ErrUnknownCurrency, currency)
	}
	minor := amount.Shift(currency.exponent())
	if !minor.IsInteger() {
		return Money{}, ErrTooPrecise
	}
	return New(minor.IntPart(), currency), nil
}

// Decimal is the amount in major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.AmountMinor, -m.Currency.exponent())
}

func (m Money) IsZero() bool     { return m.AmountMinor == 0 }
func (m Money) IsPositive() bool { return m.AmountMinor > 0 }

func (m Money) Add(other Money) (Money, error) {
	if err := m.sameCurrency(other); err != nil {
		return Money{}, err
	}
	return New(m.AmountMinor+other.AmountMinor, m.Currency), nil
}

func (m Money) Sub(other Money) (Money, error) {
	if err := m.sameCurrency(other); err != nil {
		return Money{}, err
	}
	return New(m.AmountMinor-other.AmountMinor, m.Currency), nil
}

func (m Money) sameCurrency(other Money) error {
	if m.Currency != other.Currency {
		return fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	return nil
}

// String formats m for logs and messages, e.g. ₦333.34.
func (m Money) String() string {
	info, ok := currencies[m.Currency]
	if !ok {
		return fmt.Sprintf("%d %s (minor)", m.AmountMinor, m.Currency)
	}
	return info.symbol + m.Decimal().StringFixed(info.exponent)
}

// MarshalJSON adds the major-unit amount for display. Only amount_minor is
// read back by UnmarshalJSON.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		AmountMinor int64    `json:"amount_minor"`
		Amount      string   `json:"amount"`
		Currency    Currency `json:"currency"`
	}{m.AmountMinor, m.Decimal().StringFixed(m.Currency.exponent()), m.Currency})
}

func (m *Money) UnmarshalJSON(data []byte) error {
	var v struct {
		AmountMinor int64    `json:"amount_minor"`
		Currency    Currency `json:"currency"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*m = New(v.AmountMinor, v.Currency)
	return nil
}

// SplitCeil divides a course fee into parts installments of ceil(m/parts)
// whole currency units, the last one taking the remainder so the parts sum to
// m exactly: 1000 NGN in 3 is 334, 334, 332. It fails when the remainder
// would not be positive, e.g. 10 NGN split 7 ways.
func (m Money) SplitCeil(parts int) ([]Money, error) {
	if parts < 1 {
		return nil, fmt.Errorf("parts must be at least 1, got %d", parts)
	}
	if !m.IsPositive() {
		return nil, errors.New("amount must be positive")
	}

	unit := decimal.New(1, m.Currency.exponent()).IntPart()
	n := int64(parts)
	each := ((m.AmountMinor + unit*n - 1) / (unit * n)) * unit
	last := m.AmountMinor - each*(n-1)
	if last <= 0 {
		return nil, fmt.Errorf("%s cannot be split into %d ceil-rounded parts", m, parts)
	}

	out := make([]Money, parts)
	for i := range out {
		out[i] = New(each, m.Currency)
	}
	out[parts-1].AmountMinor = last
	return out, nil
}
