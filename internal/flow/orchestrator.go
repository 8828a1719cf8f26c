// Package flow is the course-fee payment orchestrator: it loads an invoice,
// keeps the balance/external split valid, submits the payment and follows
// it through the card or bank-transfer sub-flow to a terminal outcome.
package flow

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/coursefee-portal/internal/bankqr"
	"github.com/example/coursefee-portal/internal/card"
	"github.com/example/coursefee-portal/internal/gateway"
	"github.com/example/coursefee-portal/internal/settlement"
	perr "github.com/example/coursefee-portal/pkg/errors"
	m "github.com/example/coursefee-portal/pkg/metrics"
	"github.com/example/coursefee-portal/pkg/money"
)

const (
	SourcePoll = "poll"
	SourceCard = "card"

	defaultPublishTimeout = 5 * time.Second
)

// Gateway is the ledger API the orchestrator drives.
type Gateway interface {
	FetchInvoice(ctx context.Context, invoiceID string) (gateway.Invoice, error)
	CreatePayment(ctx context.Context, req gateway.CreatePaymentRequest) (gateway.PaymentIntent, error)
	CheckStatus(ctx context.Context, invoiceID string) (gateway.SettlementStatus, error)
}

// Config is shared by every orchestrator of a portal process.
type Config struct {
	PollInterval time.Duration
	// PollCeiling bounds how long the orchestrator waits for a terminal
	// status before returning to Idle. It is enforced as a poll count.
	PollCeiling time.Duration
	// Card is nil when no card processor is configured.
	Card           card.Confirmer
	Publisher      settlement.Publisher
	PublishTimeout time.Duration
	Log            *slog.Logger
}

func (c Config) interval() time.Duration {
	if c.PollInterval <= 0 {
		return settlement.DefaultInterval
	}
	return c.PollInterval
}

func (c Config) maxPolls() int {
	if c.PollCeiling <= 0 {
		return settlement.DefaultMaxPolls
	}
	n := int(c.PollCeiling / c.interval())
	if n < 1 {
		n = 1
	}
	return n
}

// Options are per flow.
type Options struct {
	InvoiceID string
	// BalanceAllowed is the session's education-account flag.
	BalanceAllowed bool
	Gateway        Gateway
	Observer       Observer
}

type Orchestrator struct {
	cfg            Config
	invoiceID      string
	balanceAllowed bool
	gw             Gateway
	obs            Observer
	log            *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu sync.Mutex
	// epoch invalidates in-flight loads, submissions, pollers and card
	// confirmations whenever the flow moves on without them.
	epoch        uint64
	version      uint64
	state        State
	outcome      gateway.SettlementStatus
	inv          *gateway.Invoice
	split        Split
	attemptID    string
	req          gateway.CreatePaymentRequest
	intent       *gateway.PaymentIntent
	guard        *settlement.Guard
	poll         *settlement.Task
	qr           *bankqr.SubFlow
	qrState      bankqr.State
	cardInFlight bool
	cardErr      string
	// ceilingDue is set when the poll ceiling passed while the card
	// processor was still answering.
	ceilingDue bool

	dirty   bool
	pending []func()
}

func New(cfg Config, opts Options) *Orchestrator {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	obs := opts.Observer
	if obs == nil {
		obs = NopObserver{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:            cfg,
		invoiceID:      opts.InvoiceID,
		balanceAllowed: opts.BalanceAllowed,
		gw:             opts.Gateway,
		obs:            obs,
		log:            log.With("invoice_id", opts.InvoiceID),
		ctx:            ctx,
		cancel:         cancel,
		state:          Loading,
	}
}

func (o *Orchestrator) InvoiceID() string { return o.invoiceID }

// Load fetches the invoice and pre-fills the split. A failure closes the flow.
func (o *Orchestrator) Load(ctx context.Context) error {
	o.mu.Lock()
	if o.state != Loading {
		o.unlock()
		return perr.New(perr.CodeInvalidState, "Invoice is already loaded")
	}
	epoch := o.epoch
	o.mu.Unlock()

	inv, err := o.gw.FetchInvoice(ctx, o.invoiceID)

	o.mu.Lock()
	if o.epoch != epoch || o.state != Loading {
		o.unlock()
		return perr.New(perr.CodeInvalidState, "Payment was closed while loading")
	}
	if err != nil {
		o.log.Warn("invoice load failed", "error", err)
		o.notifyLocked(NoticeError, loadMessage(err))
		o.closeLocked()
		o.unlock()
		return err
	}
	if inv.InvoiceID == "" {
		inv.InvoiceID = o.invoiceID
	}
	o.inv = &inv
	o.split = DefaultSplit(inv, o.balanceAllowed)
	o.setStateLocked(Idle)
	o.unlock()
	return nil
}

func loadMessage(err error) string {
	switch perr.CodeOf(err) {
	case perr.CodeUnauthorized, perr.CodeNotFound:
		return perr.MessageOf(err)
	}
	return "Failed to load invoice details"
}

func (o *Orchestrator) SetUseBalance(checked bool) error {
	return o.edit(true, func() {
		o.split = o.split.WithUseBalance(*o.inv, checked)
	})
}

// SetBalanceAmount takes the raw input; an invalid Decimal means the field
// is empty. Validation failures are reported in the split, not as an error.
func (o *Orchestrator) SetBalanceAmount(v decimal.NullDecimal) error {
	return o.edit(true, func() {
		o.split = o.split.WithBalanceAmount(*o.inv, v)
	})
}

func (o *Orchestrator) SetMethod(method gateway.PaymentMethod) error {
	if method != gateway.CreditDebitCard && method != gateway.BankTransfer {
		return perr.New(perr.CodeValidationRejected, "Choose card or bank transfer")
	}
	return o.edit(false, func() {
		o.split = o.split.WithMethod(*o.inv, method)
	})
}

func (o *Orchestrator) edit(balance bool, fn func()) error {
	o.mu.Lock()
	switch {
	case o.state == Submitting:
		o.unlock()
		return perr.New(perr.CodeBusy, "Payment is being submitted")
	case o.state != Idle:
		o.unlock()
		return perr.New(perr.CodeInvalidState, "Payment details can only be changed before confirming")
	case balance && !o.balanceAllowed:
		o.unlock()
		return perr.New(perr.CodeBlocked, "Balance payments are not available for this account")
	}
	fn()
	o.dirty = true
	o.unlock()
	return nil
}

// Confirm submits the current split. It does nothing but return an error
// while a submission is running or the split has a validation error.
func (o *Orchestrator) Confirm(ctx context.Context) error {
	o.mu.Lock()
	switch {
	case o.state == Submitting:
		o.unlock()
		return perr.New(perr.CodeBusy, "Payment is already being submitted")
	case o.state != Idle:
		o.unlock()
		return perr.New(perr.CodeInvalidState, "Nothing to confirm")
	case o.split.Error != "":
		msg := o.split.Error
		o.unlock()
		return perr.New(perr.CodeValidationRejected, msg)
	}
	o.epoch++
	epoch := o.epoch
	o.attemptID = uuid.NewString()
	o.req = o.split.Request(*o.inv, o.attemptID)
	o.guard = &settlement.Guard{}
	req := o.req
	o.setStateLocked(Submitting)
	o.unlock()

	o.log.Info("creating payment", "attempt_id", req.AttemptID, "method", req.Method,
		"amount_from_balance", req.AmountFromBalance.String(), "use_external", req.UseExternal)
	// Once sent, the submission runs to completion even if ctx ends.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), gateway.DefaultTimeout)
	intent, err := o.gw.CreatePayment(sctx, req)
	cancel()

	o.mu.Lock()
	if o.epoch != epoch || o.state != Submitting {
		o.unlock()
		return perr.New(perr.CodeInvalidState, "Payment was closed during submission")
	}
	if err != nil {
		o.log.Warn("create payment failed", "attempt_id", req.AttemptID, "error", err)
		o.notifyLocked(NoticeError, perr.MessageOf(err))
		o.attemptID = ""
		o.setStateLocked(Idle)
		o.unlock()
		return err
	}
	o.dispatchLocked(epoch, intent)
	o.unlock()
	return nil
}

func (o *Orchestrator) dispatchLocked(epoch uint64, intent gateway.PaymentIntent) {
	switch intent.Kind {
	case gateway.IntentCard:
		if o.cfg.Card == nil {
			o.notifyLocked(NoticeError, "Missing card provider configuration")
			o.attemptID = ""
			o.setStateLocked(Idle)
			return
		}
		o.intent = &intent
		o.cardErr = ""
		o.setStateLocked(AwaitingCardConfirmation)
		o.startPollLocked(epoch)

	case gateway.IntentBankTransfer:
		o.intent = &intent
		o.qrState = bankqr.Hold
		o.setStateLocked(AwaitingBankTransfer)
		o.qr = bankqr.Start(o.ctx, bankqr.Config{
			Checker:  o.gw,
			Interval: o.cfg.interval(),
			Log:      o.log,
			OnChange: func(s bankqr.State) { o.qrChanged(epoch, s) },
		}, intent, func(st gateway.SettlementStatus, source string) {
			o.settle(epoch, st, source)
		})
		if o.qr.State() == bankqr.Timeout {
			o.qrState = bankqr.Timeout
			o.notifyLocked(NoticeWarning, "QR code has expired")
			return
		}
		o.startPollLocked(epoch)

	default:
		o.intent = &intent
		o.setStateLocked(SettlementPolling)
		o.startPollLocked(epoch)
	}
}

func (o *Orchestrator) startPollLocked(epoch uint64) {
	o.poll = settlement.Start(o.ctx, settlement.Poller{
		Checker:   o.gw,
		InvoiceID: o.invoiceID,
		Interval:  o.cfg.interval(),
		MaxPolls:  o.cfg.maxPolls(),
		Source:    SourcePoll,
		Log:       o.log,
	}, func(res settlement.Result) { o.pollDone(epoch, res) })
}

func (o *Orchestrator) pollDone(epoch uint64, res settlement.Result) {
	if !res.Exhausted {
		o.settle(epoch, res.Status, SourcePoll)
		return
	}
	o.mu.Lock()
	if o.epoch != epoch || !o.awaitingLocked() {
		o.unlock()
		return
	}
	o.poll.Stop()
	o.poll = nil
	if o.cardInFlight {
		o.log.Info("settlement still pending at ceiling, waiting for card processor",
			"polls", res.Polls, "attempt_id", o.attemptID)
		o.ceilingDue = true
		o.unlock()
		return
	}
	o.log.Info("settlement still pending at ceiling, back to idle", "polls", res.Polls,
		"attempt_id", o.attemptID)
	o.ceilingLocked()
	o.unlock()
}

// ceilingLocked abandons the attempt and returns to the form.
func (o *Orchestrator) ceilingLocked() {
	o.epoch++
	o.stopTimersLocked()
	o.resetAttemptLocked()
	o.notifyLocked(NoticeWarning, "Payment not confirmed yet. Please try again.")
	o.setStateLocked(Idle)
	m.IncOutcome("timeout")
}

// settle moves the current attempt to Terminal. Only the first terminal
// report for an attempt has any effect.
func (o *Orchestrator) settle(epoch uint64, status gateway.SettlementStatus, source string) bool {
	o.mu.Lock()
	ok := o.epoch == epoch && o.settleLocked(status, source)
	o.unlock()
	return ok
}

func (o *Orchestrator) settleLocked(status gateway.SettlementStatus, source string) bool {
	if !o.awaitingLocked() || !o.guard.Settle(status, source) {
		return false
	}
	o.stopTimersLocked()
	if o.state == AwaitingBankTransfer {
		if status == gateway.Success {
			o.qrState = bankqr.Success
		} else {
			o.qrState = bankqr.Cancel
		}
	}
	o.cardInFlight = false
	o.ceilingDue = false
	o.outcome = status
	o.setStateLocked(Terminal)
	m.IncOutcome(string(status))
	o.log.Info("payment settled", "attempt_id", o.attemptID, "status", status, "source", source)

	ev := o.eventLocked(status, source)
	o.pending = append(o.pending, func() { o.publish(ev) })
	if status == gateway.Success {
		o.notifyLocked(NoticeSuccess, "Payment successful!")
	} else {
		o.notifyLocked(NoticeError, "Payment Failed or Cancelled!")
	}
	nav := Navigation{InvoiceID: o.invoiceID, Outcome: status, Path: ReceiptPath(o.invoiceID)}
	o.pending = append(o.pending, func() { o.obs.Navigate(nav) })
	return true
}

func (o *Orchestrator) qrChanged(epoch uint64, s bankqr.State) {
	if s != bankqr.Timeout {
		return
	}
	o.mu.Lock()
	if o.epoch != epoch || o.state != AwaitingBankTransfer {
		o.unlock()
		return
	}
	o.qrState = bankqr.Timeout
	o.poll.Stop()
	o.poll = nil
	o.notifyLocked(NoticeWarning, "QR code has expired")
	o.dirty = true
	o.unlock()
}

// ConfirmCard confirms the card part with the processor. A decline keeps the
// flow waiting for another try; success settles the attempt immediately.
func (o *Orchestrator) ConfirmCard(ctx context.Context, paymentMethodID string) error {
	o.mu.Lock()
	switch {
	case o.state != AwaitingCardConfirmation:
		o.unlock()
		return perr.New(perr.CodeInvalidState, "No card payment is waiting for confirmation")
	case o.cardInFlight:
		o.unlock()
		return perr.New(perr.CodeBusy, "Card confirmation is already in progress")
	}
	o.cardInFlight = true
	o.cardErr = ""
	o.dirty = true
	epoch := o.epoch
	secret := o.intent.ClientSecret
	o.unlock()

	res, err := o.cfg.Card.Confirm(ctx, secret, paymentMethodID)

	o.mu.Lock()
	defer o.unlock()
	if o.epoch != epoch || o.state != AwaitingCardConfirmation {
		// Settled or closed while the processor was answering.
		return nil
	}
	if err == nil && res.Outcome.OK() {
		o.settleLocked(gateway.Success, SourceCard)
		return nil
	}
	o.cardInFlight = false
	o.dirty = true
	if err != nil {
		o.cardErr = perr.MessageOf(err)
	} else {
		o.cardErr = res.Message
		err = perr.New(perr.CodeCardDeclined, res.Message)
	}
	o.notifyLocked(NoticeError, o.cardErr)
	if o.ceilingDue {
		o.ceilingLocked()
	}
	return err
}

// Back abandons the pending card or QR intent and returns to the form with
// the split unchanged.
func (o *Orchestrator) Back() error {
	o.mu.Lock()
	switch {
	case o.state == AwaitingCardConfirmation && o.cardInFlight:
		o.unlock()
		return perr.New(perr.CodeBusy, "Card confirmation is in progress")
	case o.state != AwaitingCardConfirmation && o.state != AwaitingBankTransfer:
		o.unlock()
		return perr.New(perr.CodeInvalidState, "Nothing to go back from")
	}
	o.epoch++
	o.stopTimersLocked()
	o.resetAttemptLocked()
	o.setStateLocked(Idle)
	o.unlock()
	return nil
}

// Restart reloads the invoice after a failed payment or an expired QR code.
func (o *Orchestrator) Restart(ctx context.Context) error {
	o.mu.Lock()
	failed := o.state == Terminal && o.outcome == gateway.Failed
	qrDone := o.state == AwaitingBankTransfer && (o.qrState == bankqr.Timeout || o.qrState == bankqr.Cancel)
	if !failed && !qrDone {
		o.unlock()
		return perr.New(perr.CodeInvalidState, "Nothing to restart")
	}
	o.epoch++
	o.stopTimersLocked()
	o.resetAttemptLocked()
	o.outcome = ""
	o.inv = nil
	o.split = Split{}
	o.setStateLocked(Loading)
	o.unlock()
	return o.Load(ctx)
}

// Cancel is the user closing the payment. It is refused while a submission,
// a balance settlement or a card confirmation is in progress.
func (o *Orchestrator) Cancel() error {
	o.mu.Lock()
	switch {
	case o.state == Closed:
		o.unlock()
		return nil
	case o.state == Submitting, o.state == SettlementPolling, o.cardInFlight:
		o.unlock()
		return perr.New(perr.CodeBusy, "Payment is in progress and cannot be cancelled")
	}
	o.closeLocked()
	o.unlock()
	return nil
}

// Close tears the flow down unconditionally.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.state != Closed {
		o.closeLocked()
	}
	o.unlock()
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) closeLocked() {
	o.epoch++
	o.stopTimersLocked()
	o.setStateLocked(Closed)
	o.cancel()
}

func (o *Orchestrator) stopTimersLocked() {
	o.poll.Stop()
	o.poll = nil
	if o.qr != nil {
		o.qr.Stop()
		o.qr = nil
	}
}

func (o *Orchestrator) resetAttemptLocked() {
	o.intent = nil
	o.qrState = ""
	o.cardInFlight = false
	o.ceilingDue = false
	o.cardErr = ""
	o.attemptID = ""
}

func (o *Orchestrator) awaitingLocked() bool {
	switch o.state {
	case AwaitingCardConfirmation, AwaitingBankTransfer, SettlementPolling:
		return true
	}
	return false
}

func (o *Orchestrator) setStateLocked(next State) {
	if o.state != next {
		m.IncTransition(string(o.state), string(next))
		o.log.Debug("flow transition", "from", o.state, "to", next)
	}
	o.state = next
	o.dirty = true
}

func (o *Orchestrator) notifyLocked(level NoticeLevel, msg string) {
	n := Notice{Level: level, Message: msg}
	o.pending = append(o.pending, func() { o.obs.Notify(n) })
}

// unlock releases the lock and then delivers queued observer calls: the new
// snapshot first, then notices and navigation in the order they were queued.
func (o *Orchestrator) unlock() {
	var snap *Snapshot
	if o.dirty {
		o.version++
		s := o.snapshotLocked()
		snap = &s
		o.dirty = false
	}
	fx := o.pending
	o.pending = nil
	o.mu.Unlock()

	if snap != nil {
		o.obs.StateChanged(*snap)
	}
	for _, f := range fx {
		f()
	}
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	s := Snapshot{
		Version:        o.version,
		InvoiceID:      o.invoiceID,
		AttemptID:      o.attemptID,
		State:          o.state,
		Outcome:        o.outcome,
		BalanceAllowed: o.balanceAllowed,
		Split:          o.split,
		QRState:        o.qrState,
		CardConfirming: o.cardInFlight,
		CardError:      o.cardErr,
	}
	if o.inv != nil {
		inv := *o.inv
		s.Invoice = &inv
		s.MaxBalance = MaxBalance(inv)
	}
	if o.intent != nil {
		in := *o.intent
		s.Intent = &in
	}
	return s
}

func (o *Orchestrator) eventLocked(status gateway.SettlementStatus, source string) settlement.Event {
	ev := settlement.Event{
		EventID:       uuid.NewString(),
		AttemptID:     o.attemptID,
		InvoiceID:     o.invoiceID,
		Outcome:       status,
		Source:        source,
		BalanceAmount: o.req.AmountFromBalance,
		Method:        o.req.Method,
		OccurredAt:    time.Now().UTC(),
	}
	if o.inv != nil {
		ev.Amount = o.inv.Amount
		ev.ExternalAmount = money.NonNegative(o.inv.Amount.Sub(o.req.AmountFromBalance))
	}
	return ev
}

func (o *Orchestrator) publish(ev settlement.Event) {
	pub := o.cfg.Publisher
	if pub == nil {
		return
	}
	timeout := o.cfg.PublishTimeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := pub.Publish(ctx, ev); err != nil {
			o.log.Warn("publish settlement event failed", "event_id", ev.EventID, "error", err)
		}
	}()
}

// ReceiptPath is where the browser goes once a payment settles.
func ReceiptPath(invoiceID string) string {
	return "/payment-result?" + url.Values{"invoiceId": {invoiceID}}.Encode()
}
