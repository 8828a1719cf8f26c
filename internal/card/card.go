// Package card confirms the card portion of a payment against the card
// processor using the client secret returned by payments/create.
package card

import (
	"context"
	"strings"

	perr "github.com/example/coursefee-portal/pkg/errors"
)

type Outcome string

const (
	Succeeded Outcome = "succeeded"
	// NoFurtherAction means the processor accepted the payment and will settle
	// it asynchronously. Callers treat it as success.
	NoFurtherAction Outcome = "no_further_action"
	Declined        Outcome = "declined"
)

func (o Outcome) OK() bool { return o == Succeeded || o == NoFurtherAction }

type Result struct {
	Outcome  Outcome
	IntentID string
	// Message is the processor's decline reason when Outcome is Declined.
	Message string
}

// Confirmer confirms a card payment. A returned error means the confirmation
// could not be attempted at all; a refused card is a Declined Result.
type Confirmer interface {
	Confirm(ctx context.Context, clientSecret, paymentMethodID string) (Result, error)
}

// IntentIDFromSecret extracts "pi_123" from "pi_123_secret_abc".
func IntentIDFromSecret(secret string) (string, error) {
	id, _, ok := strings.Cut(secret, "_secret_")
	if !ok || id == "" || !strings.HasPrefix(id, "pi_") {
		return "", perr.New(perr.CodeValidationRejected, "malformed client secret")
	}
	return id, nil
}
