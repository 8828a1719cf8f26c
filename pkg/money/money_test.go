package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestFormat(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"0", "S$0"},
		{"100", "S$100"},
		{"1000", "S$1,000"},
		{"1234.5", "S$1,234.5"},
		{"1234567.891", "S$1,234,567.89"},
		{"12.10", "S$12.1"},
		{"-50.25", "-S$50.25"},
		{"999.999", "S$1,000"},
	}
	for _, c := range cases {
		t.Run(c.in, func(t *testing.T) {
			assert.Equal(t, c.want, Format(d(c.in)))
		})
	}
}

func TestFormatPtr(t *testing.T) {
	assert.Equal(t, Placeholder, FormatPtr(nil))
	v := d("20")
	assert.Equal(t, "S$20", FormatPtr(&v))
}

func TestClampAndBounds(t *testing.T) {
	assert.True(t, Min(d("100"), d("150")).Equal(d("100")))
	assert.True(t, Max(d("100"), d("150")).Equal(d("150")))
	assert.True(t, Clamp(d("200"), d("0"), d("50")).Equal(d("50")))
	assert.True(t, Clamp(d("-3"), d("0"), d("50")).Equal(d("0")))
	assert.True(t, NonNegative(d("-0.01")).IsZero())
}

func TestParse(t *testing.T) {
	v, ok, err := Parse(" S$1,250.50 ")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, v.Equal(d("1250.5")))

	_, ok, err = Parse("   ")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = Parse("abc")
	assert.Error(t, err)
}
