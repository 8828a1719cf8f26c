// services/portal/handlers/types.go
package handlers

import (
	"encoding/json"
	"time"

	"github.com/example/coursefee-portal/internal/flow"
	"github.com/example/coursefee-portal/internal/shell"
)

type SessionIn struct {
	AccessToken        string `json:"accessToken" validate:"required,max=4096"`
	IsEducationAccount bool   `json:"isEducationAccount"`
}

type SessionOut struct {
	SessionID          string    `json:"sessionId"`
	IsEducationAccount bool      `json:"isEducationAccount"`
	ExpiresAt          time.Time `json:"expiresAt"`
	Flows              int       `json:"flows,omitempty"`
}

type UseBalanceIn struct {
	Checked *bool `json:"checked" validate:"required"`
}

// BalanceAmountIn.Value is a JSON number, a string as typed by the user, or
// null for an emptied field.
type BalanceAmountIn struct {
	Value json.RawMessage `json:"value"`
}

type MethodIn struct {
	Method string `json:"method" validate:"required,oneof=card credit_debit_card bank_transfer"`
}

type CardConfirmIn struct {
	PaymentMethodID string `json:"paymentMethodId" validate:"required,max=255"`
}

// FlowOut is returned by every flow call. Notices are the ones raised since
// the previous response for this flow.
type FlowOut struct {
	View       shell.View       `json:"view"`
	Notices    []flow.Notice    `json:"notices,omitempty"`
	Navigation *flow.Navigation `json:"navigation,omitempty"`
}

type ErrorOut struct {
	Error   string   `json:"error"`
	Message string   `json:"message"`
	View    *FlowOut `json:"flow,omitempty"`
}

// Event is one websocket frame.
type Event struct {
	Type       string           `json:"type"`
	View       *shell.View      `json:"view,omitempty"`
	Notice     *flow.Notice     `json:"notice,omitempty"`
	Navigation *flow.Navigation `json:"navigation,omitempty"`
}

const (
	EventView     = "view"
	EventNotice   = "notice"
	EventNavigate = "navigate"
)
