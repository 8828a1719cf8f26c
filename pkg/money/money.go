// coursefee-portal/pkg/money/money.go
package money

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Placeholder is rendered for missing amounts.
const Placeholder = "—"

var DefaultPrefix = "S$"

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Clamp bounds v to [lo, hi]. When lo > hi the result is lo.
func Clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	return Max(lo, Min(v, hi))
}

// NonNegative floors v at zero.
func NonNegative(v decimal.Decimal) decimal.Decimal {
	return Max(decimal.Zero, v)
}

// Format renders v with the default prefix, thousands grouping and at most two
// fraction digits: 1234.5 -> "S$1,234.5", 1000 -> "S$1,000".
func Format(v decimal.Decimal) string {
	return FormatWith(DefaultPrefix, v)
}

// FormatPtr is Format for optional amounts; nil renders as Placeholder.
func FormatPtr(v *decimal.Decimal) string {
	if v == nil {
		return Placeholder
	}
	return Format(*v)
}

func FormatWith(prefix string, v decimal.Decimal) string {
	sign := ""
	if v.IsNegative() {
		sign = "-"
		v = v.Neg()
	}
	s := v.Round(2).String()
	whole, frac, _ := strings.Cut(s, ".")
	frac = strings.TrimRight(frac, "0")

	var b strings.Builder
	b.WriteString(sign)
	b.WriteString(prefix)
	b.WriteString(group(whole))
	if frac != "" {
		b.WriteByte('.')
		b.WriteString(frac)
	}
	return b.String()
}

func group(digits string) string {
	if len(digits) <= 3 {
		return digits
	}
	var b strings.Builder
	lead := len(digits) % 3
	if lead > 0 {
		b.WriteString(digits[:lead])
	}
	for i := lead; i < len(digits); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(digits[i : i+3])
	}
	return b.String()
}

// Parse reads user input such as "1,250.50" or "S$20". Empty input returns
// ok=false with no error so callers can tell "nothing typed" from "garbage".
func Parse(in string) (v decimal.Decimal, ok bool, err error) {
	s := strings.TrimSpace(in)
	s = strings.TrimPrefix(s, DefaultPrefix)
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return decimal.Zero, false, nil
	}
	v, err = decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false, err
	}
	return v, true, nil
}
