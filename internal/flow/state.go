package flow

import (
	"github.com/shopspring/decimal"

	"github.com/example/coursefee-portal/internal/bankqr"
	"github.com/example/coursefee-portal/internal/gateway"
)

type State string

const (
	Loading                  State = "loading"
	Idle                     State = "idle"
	Submitting               State = "submitting"
	AwaitingCardConfirmation State = "awaiting_card_confirmation"
	AwaitingBankTransfer     State = "awaiting_bank_transfer"
	SettlementPolling        State = "settlement_polling"
	Terminal                 State = "terminal"
	// Closed is entered after Cancel, Close or a failed Load. Nothing runs.
	Closed State = "closed"
)

// Snapshot is a consistent copy of an orchestrator's state. Renderers work
// from snapshots only.
type Snapshot struct {
	// Version increases with every published change; consumers drop
	// snapshots older than the last one they rendered.
	Version        uint64                   `json:"version"`
	InvoiceID      string                   `json:"invoiceId"`
	AttemptID      string                   `json:"attemptId,omitempty"`
	State          State                    `json:"state"`
	Outcome        gateway.SettlementStatus `json:"outcome,omitempty"`
	BalanceAllowed bool                     `json:"balanceAllowed"`
	Invoice        *gateway.Invoice         `json:"invoice,omitempty"`
	MaxBalance     decimal.Decimal          `json:"maxBalance"`
	Split          Split                    `json:"split"`
	Intent         *gateway.PaymentIntent   `json:"intent,omitempty"`
	QRState        bankqr.State             `json:"qrState,omitempty"`
	CardConfirming bool                     `json:"cardConfirming"`
	CardError      string                   `json:"cardError,omitempty"`
}

type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeSuccess NoticeLevel = "success"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)

// Notice is a transient user notification.
type Notice struct {
	Level   NoticeLevel `json:"level"`
	Message string      `json:"message"`
}

// Navigation is issued once per attempt when it reaches a terminal state.
type Navigation struct {
	InvoiceID string                   `json:"invoiceId"`
	Outcome   gateway.SettlementStatus `json:"outcome"`
	Path      string                   `json:"path"`
}

// Observer receives orchestrator output. Calls are made without the
// orchestrator's lock held and may come from poller goroutines.
type Observer interface {
	StateChanged(Snapshot)
	Notify(Notice)
	Navigate(Navigation)
}

// NopObserver discards everything.
type NopObserver struct{}

func (NopObserver) StateChanged(Snapshot) {}
func (NopObserver) Notify(Notice)         {}
func (NopObserver) Navigate(Navigation)   {}
