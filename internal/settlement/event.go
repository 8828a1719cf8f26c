package settlement

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/coursefee-portal/internal/gateway"
)

// Event records one payment attempt reaching a terminal state.
type Event struct {
	EventID        string                   `json:"eventId"`
	AttemptID      string                   `json:"attemptId"`
	InvoiceID      string                   `json:"invoiceId"`
	Outcome        gateway.SettlementStatus `json:"outcome"`
	Source         string                   `json:"source"`
	Amount         decimal.Decimal          `json:"amount"`
	BalanceAmount  decimal.Decimal          `json:"balanceAmount"`
	ExternalAmount decimal.Decimal          `json:"externalAmount"`
	Method         gateway.PaymentMethod    `json:"method"`
	OccurredAt     time.Time                `json:"occurredAt"`
}

// Publisher ships settlement events somewhere durable.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}
