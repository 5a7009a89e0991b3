package token

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromFloat(t *testing.T) {
	assert.Equal(t, Amount(1_000_000), FromFloat(1.0))
	assert.Equal(t, Amount(1_000), FromFloat(0.001))
	// 0.1+0.2 style float noise must round, not truncate.
	assert.Equal(t, Amount(300_000), FromFloat(0.1+0.2))
}

func TestAmountString(t *testing.T) {
	cases := []struct {
		amount Amount
		want   string
	}{
		{1_000_000, "1.00"},
		{1_250_000, "1.25"},
		{1_000, "0.001"},
		{0, "0.00"},
		{-1_500_000, "-1.50"},
		{123, "0.000123"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.amount.String(), "amount %d", int64(tc.amount))
	}
}

func TestParseAtomic(t *testing.T) {
	a, err := ParseAtomic("250000")
	require.NoError(t, err)
	assert.Equal(t, Amount(250_000), a)

	a, err = ParseAtomic("  42 ")
	require.NoError(t, err)
	assert.Equal(t, Amount(42), a)

	_, err = ParseAtomic("-5")
	assert.Error(t, err)

	_, err = ParseAtomic("1.5")
	assert.Error(t, err)

	_, err = ParseAtomic("")
	assert.Error(t, err)
}

func TestAmountJSON(t *testing.T) {
	raw, err := json.Marshal(Amount(1_250_000))
	require.NoError(t, err)
	assert.Equal(t, `"1250000"`, string(raw))

	var fromString Amount
	require.NoError(t, json.Unmarshal([]byte(`"99"`), &fromString))
	assert.Equal(t, Amount(99), fromString)

	var fromNumber Amount
	require.NoError(t, json.Unmarshal([]byte(`1000`), &fromNumber))
	assert.Equal(t, Amount(1000), fromNumber)

	var fromNull Amount
	require.NoError(t, json.Unmarshal([]byte(`null`), &fromNull))
	assert.Equal(t, Amount(0), fromNull)
}

func TestAmountSQL(t *testing.T) {
	v, err := Amount(7).Value()
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)

	var a Amount
	require.NoError(t, a.Scan(int64(123)))
	assert.Equal(t, Amount(123), a)

	require.NoError(t, a.Scan(nil))
	assert.Equal(t, Amount(0), a)

	assert.Error(t, a.Scan("not-an-int"))
}
