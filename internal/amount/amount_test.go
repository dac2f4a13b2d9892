package amount

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		decimals uint8
		want     string
		wantErr  error
	}{
		{name: "integer", input: "123", decimals: 6, want: "123000000"},
		{name: "fraction", input: "1.5", decimals: 6, want: "1500000"},
		{name: "smallest unit", input: "0.000001", decimals: 6, want: "1"},
		{name: "zero decimals", input: "42", decimals: 0, want: "42"},
		{name: "trailing zeros", input: "2.500000", decimals: 6, want: "2500000"},
		{name: "too precise", input: "0.0000001", decimals: 6, wantErr: ErrPrecision},
		{name: "negative", input: "-1", decimals: 6, wantErr: ErrNegative},
		{name: "exponent", input: "1e6", decimals: 6, wantErr: ErrInvalid},
		{name: "empty", input: "", decimals: 6, wantErr: ErrInvalid},
		{name: "trailing dot", input: "1.", decimals: 6, wantErr: ErrInvalid},
		{name: "decimals out of range", input: "1", decimals: 78, wantErr: ErrDecimals},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input, tt.decimals)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "1.5", Format(big.NewInt(1500000), 6))
	assert.Equal(t, "0.000001", Format(big.NewInt(1), 6))
	assert.Equal(t, "100", Format(big.NewInt(100), 0))
	assert.Equal(t, "0", Format(big.NewInt(0), 18))
	assert.Equal(t, "0", Format(nil, 18))
}

func TestRoundTripAllDecimals(t *testing.T) {
	maxUint256 := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	values := []*big.Int{
		big.NewInt(0),
		big.NewInt(1),
		big.NewInt(10),
		big.NewInt(123456789),
		new(big.Int).Exp(big.NewInt(10), big.NewInt(77), nil),
		maxUint256,
	}

	for decimals := uint8(0); decimals <= MaxDecimals; decimals++ {
		for _, v := range values {
			formatted := Format(v, decimals)
			parsed, err := Parse(formatted, decimals)
			require.NoError(t, err, "decimals=%d value=%s formatted=%s", decimals, v, formatted)
			assert.Equal(t, 0, v.Cmp(parsed), "decimals=%d value=%s formatted=%s", decimals, v, formatted)
		}
	}
}

func TestFromDecimal(t *testing.T) {
	v, err := FromDecimal(decimal.RequireFromString("0.25"), 2)
	require.NoError(t, err)
	assert.Equal(t, "25", v.String())

	_, err = FromDecimal(decimal.RequireFromString("-0.25"), 2)
	assert.ErrorIs(t, err, ErrNegative)

	assert.ErrorIs(t, CheckPrecision(decimal.RequireFromString("0.255"), 2), ErrPrecision)
}

func TestCanonical(t *testing.T) {
	d, err := ParseDecimal("10.500")
	require.NoError(t, err)
	assert.Equal(t, "10.5", Canonical(d))
}
