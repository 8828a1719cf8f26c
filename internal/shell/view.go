// Package shell turns an orchestrator snapshot into the view the browser
// renders. It holds no state and makes no decisions the orchestrator has not
// already made.
package shell

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/coursefee-portal/internal/bankqr"
	"github.com/example/coursefee-portal/internal/flow"
	"github.com/example/coursefee-portal/internal/gateway"
	"github.com/example/coursefee-portal/pkg/money"
)

type Kind string

const (
	ViewLoading Kind = "loading"
	ViewForm    Kind = "form"
	ViewCard    Kind = "card"
	ViewQR      Kind = "qr"
	ViewResult  Kind = "result"
	ViewClosed  Kind = "closed"
)

// Action names match the portal API verbs the browser calls.
const (
	ActionConfirm = "confirm"
	ActionCancel  = "cancel"
	ActionBack    = "back"
	ActionRestart = "restart"
	ActionReceipt = "receipt"
)

const expiryLayout = "15:04 02/01/2006"

type Options struct {
	CurrencyPrefix string
	// Location renders QR expiry times; nil means UTC.
	Location *time.Location
}

type View struct {
	Version        uint64 `json:"version"`
	InvoiceID      string `json:"invoiceId"`
	Kind           Kind   `json:"kind"`
	Title          string `json:"title"`
	Closable       bool   `json:"closable"`
	InputsDisabled bool   `json:"inputsDisabled"`
	Loading        bool   `json:"loading"`
	LoadingTip     string `json:"loadingTip,omitempty"`

	CourseName string `json:"courseName,omitempty"`
	AmountDue  string `json:"amountDue,omitempty"`

	Balance      *BalanceSection `json:"balance,omitempty"`
	Methods      *MethodSection  `json:"methods,omitempty"`
	FullyCovered string          `json:"fullyCovered,omitempty"`
	Summary      *Summary        `json:"summary,omitempty"`
	Confirm      *Button         `json:"confirm,omitempty"`
	Cancel       *Button         `json:"cancel,omitempty"`

	Card   *CardView   `json:"card,omitempty"`
	QR     *QRView     `json:"qr,omitempty"`
	Result *ResultView `json:"result,omitempty"`
}

type Button struct {
	Label   string `json:"label"`
	Action  string `json:"action"`
	Enabled bool   `json:"enabled"`
}

type BalanceSection struct {
	Empty     bool   `json:"empty"`
	Message   string `json:"message,omitempty"`
	Hint      string `json:"hint,omitempty"`
	Available string `json:"available,omitempty"`
	Checked   bool   `json:"checked"`
	// Input is the raw amount; empty while the field is empty.
	Input    string `json:"input"`
	MaxLabel string `json:"maxLabel,omitempty"`
	Error    string `json:"error,omitempty"`
}

type MethodOption struct {
	Method   gateway.PaymentMethod `json:"method"`
	Label    string                `json:"label"`
	Selected bool                  `json:"selected"`
}

type MethodSection struct {
	Title   string         `json:"title"`
	Options []MethodOption `json:"options"`
	Enabled bool           `json:"enabled"`
}

type SummaryRow struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

type Summary struct {
	Rows          []SummaryRow `json:"rows"`
	TotalLabel    string       `json:"totalLabel"`
	Total         string       `json:"total"`
	TotalDisabled bool         `json:"totalDisabled"`
}

type CardView struct {
	PayLabel     string  `json:"payLabel"`
	ClientSecret string  `json:"clientSecret"`
	ReturnPath   string  `json:"returnPath"`
	Confirming   bool    `json:"confirming"`
	Error        string  `json:"error,omitempty"`
	Back         *Button `json:"back"`
}

type QRView struct {
	State           bankqr.State `json:"state"`
	Title           string       `json:"title"`
	Subtitle        string       `json:"subtitle,omitempty"`
	QRCodeURL       string       `json:"qrCodeUrl,omitempty"`
	QRMissing       string       `json:"qrMissing,omitempty"`
	AmountLabel     string       `json:"amountLabel"`
	Amount          string       `json:"amount"`
	InstructionsURL string       `json:"instructionsUrl,omitempty"`
	Hint            string       `json:"hint"`
	CTA             *Button      `json:"cta"`
}

type ResultView struct {
	Outcome  gateway.SettlementStatus `json:"outcome"`
	Title    string                   `json:"title"`
	Subtitle string                   `json:"subtitle"`
	CTA      *Button                  `json:"cta"`
}

// Build renders s. It is a pure function of its arguments.
func Build(s flow.Snapshot, opts Options) View {
	if opts.CurrencyPrefix == "" {
		opts.CurrencyPrefix = money.DefaultPrefix
	}
	f := func(v decimal.Decimal) string { return money.FormatWith(opts.CurrencyPrefix, v) }

	busy := s.State == flow.Submitting || s.State == flow.SettlementPolling
	v := View{
		Version:        s.Version,
		InvoiceID:      s.InvoiceID,
		Title:          title(s.State),
		Closable:       !busy && !s.CardConfirming,
		InputsDisabled: busy || s.State == flow.Loading,
		Loading:        busy || s.State == flow.Loading,
	}
	switch {
	case s.State == flow.Loading:
		v.LoadingTip = "Loading Invoice..."
	case busy:
		v.LoadingTip = "Processing Payment..."
	}
	if s.Invoice != nil {
		v.CourseName = s.Invoice.CourseName
		if v.CourseName == "" {
			v.CourseName = "COURSE"
		}
		v.AmountDue = f(s.Invoice.Amount)
	}

	switch s.State {
	case flow.Loading:
		v.Kind = ViewLoading
	case flow.Closed:
		v.Kind = ViewClosed
		v.Closable = true
	case flow.AwaitingCardConfirmation:
		v.Kind = ViewCard
		v.Card = cardView(s, f)
	case flow.AwaitingBankTransfer:
		v.Kind = ViewQR
		v.QR = qrView(s, f, opts.Location)
	case flow.Terminal:
		v.Kind = ViewResult
		v.Result = resultView(s)
	default:
		v.Kind = ViewForm
		form(&v, s, f, busy)
	}
	return v
}

func title(st flow.State) string {
	switch st {
	case flow.AwaitingCardConfirmation:
		return "Secure Card Payment"
	case flow.AwaitingBankTransfer:
		return "Scan to Pay"
	}
	return "Payment Details"
}

func form(v *View, s flow.Snapshot, f func(decimal.Decimal) string, busy bool) {
	if s.Invoice == nil {
		return
	}
	inv := *s.Invoice
	sp := s.Split
	hasErr := sp.Error != ""

	if s.BalanceAllowed {
		if inv.Balance.IsPositive() {
			b := &BalanceSection{
				Available: f(inv.Balance) + " available",
				Checked:   sp.UseBalance,
				Error:     sp.Error,
			}
			if sp.BalanceAmount.Valid {
				b.Input = sp.BalanceAmount.Decimal.String()
			}
			if !hasErr {
				b.MaxLabel = "Max: " + f(s.MaxBalance)
			}
			v.Balance = b
		} else {
			v.Balance = &BalanceSection{
				Empty:   true,
				Message: "Account Balance is empty",
				Hint:    "Please select a payment method below.",
			}
		}
	}

	external := sp.ExternalNeeded()
	if external && !hasErr {
		v.Methods = &MethodSection{
			Title:   "Payment Method",
			Enabled: !busy,
			Options: []MethodOption{
				{Method: gateway.CreditDebitCard, Label: "Credit Card", Selected: sp.Method == gateway.CreditDebitCard},
				{Method: gateway.BankTransfer, Label: "Bank Transfer", Selected: sp.Method == gateway.BankTransfer},
			},
		}
	} else if !hasErr && inv.Amount.IsPositive() {
		v.FullyCovered = "Fully covered by Account Balance."
	}

	sum := &Summary{
		Rows:          []SummaryRow{{Label: "Course Fee", Value: f(inv.Amount)}},
		TotalLabel:    "Total Payment",
		TotalDisabled: hasErr,
	}
	deducted := decimal.Zero
	if sp.UseBalance && sp.BalanceAmount.Valid && sp.BalanceAmount.Decimal.IsPositive() && !hasErr {
		deducted = sp.BalanceAmount.Decimal
		sum.Rows = append(sum.Rows, SummaryRow{Label: "From Wallet", Value: "- " + f(deducted)})
	}
	if external && !hasErr {
		sum.Rows = append(sum.Rows, SummaryRow{Label: "External Payment", Value: f(sp.ExternalAmount)})
	}
	if hasErr {
		sum.Total = "--"
	} else {
		sum.Total = f(deducted.Add(sp.ExternalAmount))
	}
	v.Summary = sum

	label := "Confirm Payment"
	if external {
		label = "Proceed to Pay"
	}
	v.Confirm = &Button{Label: label, Action: ActionConfirm, Enabled: s.State == flow.Idle && !hasErr}
	v.Cancel = &Button{Label: "Cancel", Action: ActionCancel, Enabled: !busy}
}

func cardView(s flow.Snapshot, f func(decimal.Decimal) string) *CardView {
	c := &CardView{
		PayLabel:   "Pay " + f(s.Split.ExternalAmount),
		ReturnPath: flow.ReceiptPath(s.InvoiceID),
		Confirming: s.CardConfirming,
		Error:      s.CardError,
		Back:       &Button{Label: "Change Method", Action: ActionBack, Enabled: !s.CardConfirming},
	}
	if s.Intent != nil {
		c.ClientSecret = s.Intent.ClientSecret
	}
	return c
}

func qrView(s flow.Snapshot, f func(decimal.Decimal) string, loc *time.Location) *QRView {
	q := &QRView{State: s.QRState, AmountLabel: "Total to pay:"}
	if s.Intent != nil {
		q.QRCodeURL = s.Intent.QRCodeURL
		q.Amount = f(s.Intent.Amount)
		q.InstructionsURL = s.Intent.HostedInstructionsURL
	}
	switch s.QRState {
	case bankqr.Cancel:
		q.Title = "Payment Failed"
		q.Subtitle = "The transaction was cancelled or failed."
		q.CTA = &Button{Label: "Try Another Method", Action: ActionRestart, Enabled: true}
		return q
	case bankqr.Timeout:
		q.Title = "Payment Timed Out"
		q.Subtitle = "The payment session has expired."
		q.CTA = &Button{Label: "Create New Payment", Action: ActionRestart, Enabled: true}
		return q
	case bankqr.Success:
		q.Title = "Payment confirmed! Redirecting..."
		return q
	}

	q.Title = "Waiting for payment..."
	if s.Intent != nil && s.Intent.ExpiresAt != nil {
		if loc == nil {
			loc = time.UTC
		}
		q.Subtitle = "Expires at " + s.Intent.ExpiresAt.In(loc).Format(expiryLayout) + ". Keep this window open."
	}
	if q.QRCodeURL == "" {
		q.QRMissing = "QR Not Available"
	}
	if q.InstructionsURL != "" {
		q.Hint = "Having trouble scanning?"
	} else {
		q.Hint = "Please verify the amount before confirming payment."
	}
	q.CTA = &Button{Label: "Change Method", Action: ActionBack, Enabled: true}
	return q
}

func resultView(s flow.Snapshot) *ResultView {
	if s.Outcome == gateway.Success {
		return &ResultView{
			Outcome:  gateway.Success,
			Title:    "Payment Successful",
			Subtitle: "Your course fee payment has been received.",
			CTA:      &Button{Label: "View Receipt", Action: ActionReceipt, Enabled: true},
		}
	}
	return &ResultView{
		Outcome:  gateway.Failed,
		Title:    "Payment Failed",
		Subtitle: "The transaction was cancelled or failed.",
		CTA:      &Button{Label: "Try Another Method", Action: ActionRestart, Enabled: true},
	}
}
