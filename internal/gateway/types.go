package gateway

import (
	"time"

	"github.com/shopspring/decimal"
)

// Invoice is the server-owned course fee record. Amount is immutable for a
// session; Balance is the wallet funds available to the account holder.
type Invoice struct {
	InvoiceID  string          `json:"invoiceId"`
	Amount     decimal.Decimal `json:"amount"`
	Balance    decimal.Decimal `json:"balance"`
	CourseName string          `json:"courseName"`
}

// PaymentMethod is the payment path sent to the ledger when creating a payment.
type PaymentMethod string

const (
	AccountBalance  PaymentMethod = "account_balance"
	CreditDebitCard PaymentMethod = "credit_debit_card"
	BankTransfer    PaymentMethod = "bank_transfer"
)

// SettlementStatus is the server's view of an invoice's payment outcome.
type SettlementStatus string

const (
	Pending SettlementStatus = "pending"
	Success SettlementStatus = "success"
	Failed  SettlementStatus = "failed"
)

func (s SettlementStatus) Terminal() bool { return s == Success || s == Failed }

type CreatePaymentRequest struct {
	InvoiceID         string
	UseBalance        bool
	AmountFromBalance decimal.Decimal
	UseExternal       bool
	Method            PaymentMethod
	// AttemptID is sent as the Idempotency-Key header when set.
	AttemptID string
}

type IntentKind string

const (
	IntentBalanceOnly  IntentKind = "balance_only"
	IntentCard         IntentKind = "card"
	IntentBankTransfer IntentKind = "bank_transfer"
)

// PaymentIntent is the result of creating a payment. Kind is derived from
// which external component the ledger returned.
type PaymentIntent struct {
	Kind                  IntentKind      `json:"kind"`
	InvoiceID             string          `json:"invoiceId"`
	ClientSecret          string          `json:"clientSecret,omitempty"`
	QRCodeURL             string          `json:"qrCodeUrl,omitempty"`
	Amount                decimal.Decimal `json:"amount"`
	ExpiresAt             *time.Time      `json:"expiresAt,omitempty"`
	HostedInstructionsURL string          `json:"hostedInstructionsUrl,omitempty"`
}
