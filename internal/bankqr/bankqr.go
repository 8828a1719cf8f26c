// Package bankqr runs the bank-transfer QR sub-flow: it holds the QR payload
// on screen, polls settlement on its own cadence and expires the code at
// expiresAt.
package bankqr

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/coursefee-portal/internal/gateway"
	"github.com/example/coursefee-portal/internal/settlement"
)

type State string

const (
	Hold    State = "hold"
	Success State = "success"
	Cancel  State = "cancel"
	Timeout State = "timeout"
)

const Source = "qr_poll"

// Settler receives the terminal status observed by the sub-flow's poller.
type Settler func(status gateway.SettlementStatus, source string)

type Config struct {
	Checker  settlement.StatusChecker
	Interval time.Duration
	Now      func() time.Time
	Log      *slog.Logger
	// OnChange is called outside the sub-flow's lock after every state change.
	OnChange func(State)
}

// Display is what the QR screen renders.
type Display struct {
	QRCodeURL             string
	Amount                decimal.Decimal
	ExpiresAt             *time.Time
	HostedInstructionsURL string
}

type SubFlow struct {
	cfg     Config
	intent  gateway.PaymentIntent
	settle  Settler
	mu      sync.Mutex
	state   State
	poll    *settlement.Task
	expiry  *time.Timer
	stopped bool
}

// Start shows intent and begins polling. It never blocks.
func Start(ctx context.Context, cfg Config, intent gateway.PaymentIntent, settle Settler) *SubFlow {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	f := &SubFlow{cfg: cfg, intent: intent, settle: settle, state: Hold}

	if intent.ExpiresAt != nil {
		d := intent.ExpiresAt.Sub(cfg.Now())
		if d <= 0 {
			f.state = Timeout
			f.stopped = true
			return f
		}
		f.expiry = time.AfterFunc(d, f.expire)
	}

	f.poll = settlement.Start(ctx, settlement.Poller{
		Checker:   cfg.Checker,
		InvoiceID: intent.InvoiceID,
		Interval:  cfg.Interval,
		Source:    Source,
		Log:       cfg.Log,
	}, f.report)
	return f
}

func (f *SubFlow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *SubFlow) Display() Display {
	return Display{
		QRCodeURL:             f.intent.QRCodeURL,
		Amount:                f.intent.Amount,
		ExpiresAt:             f.intent.ExpiresAt,
		HostedInstructionsURL: f.intent.HostedInstructionsURL,
	}
}

// Resolve moves the sub-flow out of Hold for a terminal status observed
// elsewhere: Success for success, Cancel for failure. It stops all timers and
// reports whether the state changed.
func (f *SubFlow) Resolve(status gateway.SettlementStatus) bool {
	var next State
	switch status {
	case gateway.Success:
		next = Success
	case gateway.Failed:
		next = Cancel
	default:
		return false
	}
	return f.transition(next)
}

// Stop tears down the poller and expiry timer. The state is left as is.
func (f *SubFlow) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopLocked()
}

func (f *SubFlow) stopLocked() {
	f.stopped = true
	f.poll.Stop()
	if f.expiry != nil {
		f.expiry.Stop()
	}
}

func (f *SubFlow) transition(next State) bool {
	f.mu.Lock()
	if f.state != Hold {
		f.mu.Unlock()
		return false
	}
	f.state = next
	f.stopLocked()
	f.mu.Unlock()

	f.cfg.Log.Info("qr sub-flow", "invoice_id", f.intent.InvoiceID, "state", next)
	if f.cfg.OnChange != nil {
		f.cfg.OnChange(next)
	}
	return true
}

func (f *SubFlow) report(res settlement.Result) {
	if !res.Status.Terminal() {
		return
	}
	f.mu.Lock()
	stopped := f.stopped
	f.mu.Unlock()
	if stopped {
		return
	}
	f.Resolve(res.Status)
	if f.settle != nil {
		f.settle(res.Status, Source)
	}
}

func (f *SubFlow) expire() {
	f.transition(Timeout)
}
