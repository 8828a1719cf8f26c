package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// The ledger speaks in magic numbers. These four functions are the only place
// that knows them.

// EncodeMethod maps a PaymentMethod to its wire code.
func EncodeMethod(m PaymentMethod) (int, error) {
	switch m {
	case AccountBalance:
		return 0, nil
	case CreditDebitCard:
		return 1, nil
	case BankTransfer:
		return 2, nil
	}
	return 0, fmt.Errorf("unknown payment method %q", m)
}

// DecodeMethod is the inverse of EncodeMethod.
func DecodeMethod(code int) (PaymentMethod, error) {
	switch code {
	case 0:
		return AccountBalance, nil
	case 1:
		return CreditDebitCard, nil
	case 2:
		return BankTransfer, nil
	}
	return "", fmt.Errorf("unknown payment method code %d", code)
}

// EncodeStatus maps a SettlementStatus to its wire code. Pending has no code
// of its own; the ledger reports it as anything other than 0 or 1.
func EncodeStatus(s SettlementStatus) int {
	switch s {
	case Success:
		return 1
	case Failed:
		return 0
	}
	return 2
}

// DecodeStatus maps the `data` field of check-invoice-status. 1 is success,
// 0 is failed/cancelled, anything else (null, missing, strings, other
// numbers, junk) is pending. An object form {"status": n} is accepted too.
func DecodeStatus(raw json.RawMessage) SettlementStatus {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] == '"' {
		return Pending
	}
	if raw[0] == '{' {
		var obj struct {
			Status json.RawMessage `json:"status"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return Pending
		}
		return DecodeStatus(obj.Status)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return Pending
	}
	switch n.String() {
	case "1":
		return Success
	case "0":
		return Failed
	}
	return Pending
}

type createPaymentBody struct {
	InvoiceID         string      `json:"invoiceId"`
	IsUseBalance      bool        `json:"isUseBalance"`
	AmountFromBalance json.Number `json:"amountFromBalance"`
	IsUseExternal     bool        `json:"isUseExternal"`
	PaymentMethod     int         `json:"paymentMethod"`
}

func encodeCreatePayment(req CreatePaymentRequest) (createPaymentBody, error) {
	code, err := EncodeMethod(req.Method)
	if err != nil {
		return createPaymentBody{}, err
	}
	return createPaymentBody{
		InvoiceID:         req.InvoiceID,
		IsUseBalance:      req.UseBalance,
		AmountFromBalance: json.Number(req.AmountFromBalance.String()),
		IsUseExternal:     req.UseExternal,
		PaymentMethod:     code,
	}, nil
}

type invoiceBody struct {
	InvoiceID  string              `json:"invoiceId"`
	Amount     decimal.NullDecimal `json:"amount"`
	Balance    decimal.NullDecimal `json:"balance"`
	CourseName string              `json:"courseName"`
}

type intentBody struct {
	ClientSecret          string          `json:"clientSecret"`
	QRCodeURL             string          `json:"qrCodeUrl"`
	Amount                decimal.Decimal `json:"amount"`
	ExpiresAt             string          `json:"expiresAt"`
	HostedInstructionsURL string          `json:"hostedInstructionsUrl"`
}

func decodeIntent(invoiceID string, b intentBody) PaymentIntent {
	pi := PaymentIntent{
		InvoiceID:             invoiceID,
		ClientSecret:          b.ClientSecret,
		QRCodeURL:             b.QRCodeURL,
		Amount:                b.Amount,
		HostedInstructionsURL: b.HostedInstructionsURL,
	}
	switch {
	case b.QRCodeURL != "":
		pi.Kind = IntentBankTransfer
	case b.ClientSecret != "":
		pi.Kind = IntentCard
	default:
		pi.Kind = IntentBalanceOnly
	}
	if b.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339, b.ExpiresAt); err == nil {
			pi.ExpiresAt = &t
		}
	}
	return pi
}
