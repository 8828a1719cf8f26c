package card

import (
	"context"
	stderrors "errors"
	"log/slog"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/paymentintent"

	perr "github.com/example/coursefee-portal/pkg/errors"
)

const defaultDecline = "Your card was declined."

type intentAPI interface {
	Confirm(id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error)
}

// Stripe confirms PaymentIntents with the Stripe API.
type Stripe struct {
	api       intentAPI
	returnURL string
	log       *slog.Logger
}

// NewStripe returns a Confirmer bound to secretKey. returnURL is where
// Stripe sends the browser after a redirect-based authentication.
func NewStripe(secretKey, returnURL string, log *slog.Logger) *Stripe {
	if log == nil {
		log = slog.Default()
	}
	return &Stripe{
		api:       paymentintent.Client{B: stripe.GetBackend(stripe.APIBackend), Key: secretKey},
		returnURL: returnURL,
		log:       log,
	}
}

func (s *Stripe) Confirm(ctx context.Context, clientSecret, paymentMethodID string) (Result, error) {
	id, err := IntentIDFromSecret(clientSecret)
	if err != nil {
		return Result{}, err
	}
	params := &stripe.PaymentIntentConfirmParams{}
	params.Context = ctx
	if paymentMethodID != "" {
		params.PaymentMethod = stripe.String(paymentMethodID)
	}
	if s.returnURL != "" {
		params.ReturnURL = stripe.String(s.returnURL)
	}

	pi, err := s.api.Confirm(id, params)
	if err != nil {
		var se *stripe.Error
		if stderrors.As(err, &se) && se.Type == stripe.ErrorTypeCard {
			s.log.Info("card declined", "intent_id", id, "decline_code", se.DeclineCode)
			return Result{Outcome: Declined, IntentID: id, Message: declineMessage(se.Msg)}, nil
		}
		return Result{}, perr.Wrap(perr.CodeUnavailable, "Card confirmation failed, please try again", err)
	}
	return fromIntent(pi), nil
}

func fromIntent(pi *stripe.PaymentIntent) Result {
	res := Result{IntentID: pi.ID}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		res.Outcome = Succeeded
	case stripe.PaymentIntentStatusProcessing, stripe.PaymentIntentStatusRequiresCapture:
		res.Outcome = NoFurtherAction
	case stripe.PaymentIntentStatusRequiresAction:
		res.Outcome = Declined
		res.Message = "Additional authentication is required for this card."
	default:
		res.Outcome = Declined
		msg := ""
		if pi.LastPaymentError != nil {
			msg = pi.LastPaymentError.Msg
		}
		res.Message = declineMessage(msg)
	}
	return res
}

func declineMessage(msg string) string {
	if msg == "" {
		return defaultDecline
	}
	return msg
}
