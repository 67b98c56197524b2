package money

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitCeil(t *testing.T) {
	tests := []struct {
		name  string
		total Money
		parts int
		want  []int64
	}{
		{"remainder on last", New(100000, NGN), 3, []int64{33400, 33400, 33200}},
		{"even split", New(90000, NGN), 3, []int64{30000, 30000, 30000}},
		{"single part", New(100000, NGN), 1, []int64{100000}},
		{"kobo stay on last", New(100050, NGN), 3, []int64{33400, 33400, 33250}},
		{"whole rupiah", New(1000, IDR), 3, []int64{334, 334, 332}},
		{"four parts", New(1000, IDR), 4, []int64{250, 250, 250, 250}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parts, err := tt.total.SplitCeil(tt.parts)
			require.NoError(t, err)

			got := make([]int64, len(parts))
			sum := Zero(tt.total.Currency)
			for i, p := range parts {
				got[i] = p.AmountMinor
				sum, err = sum.Add(p)
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.total, sum)
		})
	}
}

func TestSplitCeilRejects(t *testing.T) {
	_, err := New(100000, NGN).SplitCeil(0)
	assert.Error(t, err)

	_, err = New(0, NGN).SplitCeil(2)
	assert.Error(t, err)

	// ceil(10/7)=2 naira, last would be 10-12
	_, err = New(1000, NGN).SplitCeil(7)
	assert.Error(t, err)

	// less than one naira per part
	_, err = New(50, NGN).SplitCeil(2)
	assert.Error(t, err)
}

func TestFromDecimal(t *testing.T) {
	m, err := FromDecimal(decimal.RequireFromString("299.50"), NGN)
	require.NoError(t, err)
	assert.Equal(t, int64(29950), m.AmountMinor)

	m, err = FromDecimal(decimal.RequireFromString("150000"), IDR)
	require.NoError(t, err)
	assert.Equal(t, int64(150000), m.AmountMinor)

	_, err = FromDecimal(decimal.RequireFromString("1.005"), NGN)
	assert.ErrorIs(t, err, ErrTooPrecise)

	_, err = FromDecimal(decimal.RequireFromString("10"), Currency("XXX"))
	assert.ErrorIs(t, err, ErrUnknownCurrency)
}

func TestDecimalAndString(t *testing.T) {
	m := New(33334, NGN)
	assert.Equal(t, "333.34", m.Decimal().StringFixed(2))
	assert.Equal(t, "₦333.34", m.String())
}

func TestAddCurrencyMismatch(t *testing.T) {
	_, err := New(100, NGN).Add(New(100, USD))
	assert.ErrorIs(t, err, ErrCurrencyMismatch)
}

func TestMarshalJSON(t *testing.T) {
	b, err := json.Marshal(New(150000, IDR))
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount_minor":150000,"amount":"150000","currency":"IDR"}`, string(b))

	var m Money
	require.NoError(t, json.Unmarshal([]byte(`{"amount_minor":29950,"amount":"ignored","currency":"NGN"}`), &m))
	assert.Equal(t, New(29950, NGN), m)
}

func TestParseCurrency(t *testing.T) {
	c, err := ParseCurrency(" ngn ")
	require.NoError(t, err)
	assert.Equal(t, NGN, c)

	_, err = ParseCurrency("BTC")
	assert.ErrorIs(t, err, ErrUnknownCurrency)
}
