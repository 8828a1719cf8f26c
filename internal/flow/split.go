package flow

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/example/coursefee-portal/internal/gateway"
	"github.com/example/coursefee-portal/pkg/money"
)

// Split is the proposed allocation of the amount due between stored balance
// and an external method. It is recomputed on every input change.
type Split struct {
	UseBalance bool `json:"useBalance"`
	// BalanceAmount echoes the user's input; it is null while the input is empty.
	BalanceAmount  decimal.NullDecimal   `json:"balanceAmount"`
	ExternalAmount decimal.Decimal       `json:"externalAmount"`
	Method         gateway.PaymentMethod `json:"method"`
	Error          string                `json:"error,omitempty"`
}

// MaxBalance is the most balance that can go towards inv.
func MaxBalance(inv gateway.Invoice) decimal.Decimal {
	return money.NonNegative(money.Min(inv.Amount, inv.Balance))
}

// DefaultSplit pre-fills the balance when the account may use it and has any.
func DefaultSplit(inv gateway.Invoice, balanceAllowed bool) Split {
	s := Split{Method: gateway.CreditDebitCard}
	if balanceAllowed && inv.Balance.IsPositive() {
		s.UseBalance = true
		s.BalanceAmount = decimal.NewNullDecimal(MaxBalance(inv))
	} else {
		s.BalanceAmount = decimal.NewNullDecimal(decimal.Zero)
	}
	return s.recompute(inv)
}

// WithUseBalance toggles balance usage, clearing any validation error and
// resetting the amount to the maximum or to zero.
func (s Split) WithUseBalance(inv gateway.Invoice, checked bool) Split {
	s.UseBalance = checked
	s.Error = ""
	if checked {
		s.BalanceAmount = decimal.NewNullDecimal(MaxBalance(inv))
	} else {
		s.BalanceAmount = decimal.NewNullDecimal(decimal.Zero)
	}
	return s.recompute(inv)
}

// WithBalanceAmount stores v as typed and validates it.
func (s Split) WithBalanceAmount(inv gateway.Invoice, v decimal.NullDecimal) Split {
	s.BalanceAmount = v
	s.Error = ValidateBalanceAmount(inv, v)
	return s.recompute(inv)
}

func (s Split) WithMethod(inv gateway.Invoice, m gateway.PaymentMethod) Split {
	s.Method = m
	return s.recompute(inv)
}

// ValidateBalanceAmount returns the first rule v breaks, or "".
func ValidateBalanceAmount(inv gateway.Invoice, v decimal.NullDecimal) string {
	switch {
	case !v.Valid:
		return "Please enter an amount"
	case v.Decimal.GreaterThan(inv.Balance):
		return fmt.Sprintf("Exceeds your balance (%s)", money.Format(inv.Balance))
	case v.Decimal.GreaterThan(inv.Amount):
		return fmt.Sprintf("Cannot pay more than amount due (%s)", money.Format(inv.Amount))
	case v.Decimal.IsNegative():
		return "Amount cannot be negative"
	}
	return ""
}

// deduction is the balance actually applied. While a validation error is set
// nothing is deducted, so the full amount stays external.
func (s Split) deduction() decimal.Decimal {
	if !s.UseBalance || s.Error != "" || !s.BalanceAmount.Valid || !s.BalanceAmount.Decimal.IsPositive() {
		return decimal.Zero
	}
	return s.BalanceAmount.Decimal
}

func (s Split) recompute(inv gateway.Invoice) Split {
	s.ExternalAmount = money.NonNegative(inv.Amount.Sub(s.deduction()))
	return s
}

// ExternalNeeded reports whether part of the amount is paid outside the balance.
func (s Split) ExternalNeeded() bool { return s.ExternalAmount.IsPositive() }

// Request builds the payments/create call for s. The balance part is
// recomputed from scratch: a checked box with a zero amount uses no balance.
func (s Split) Request(inv gateway.Invoice, attemptID string) gateway.CreatePaymentRequest {
	actual := s.deduction()
	external := money.NonNegative(inv.Amount.Sub(actual))
	method := s.Method
	if !external.IsPositive() {
		method = gateway.AccountBalance
	}
	return gateway.CreatePaymentRequest{
		InvoiceID:         inv.InvoiceID,
		UseBalance:        actual.IsPositive(),
		AmountFromBalance: actual,
		UseExternal:       external.IsPositive(),
		Method:            method,
		AttemptID:         attemptID,
	}
}
