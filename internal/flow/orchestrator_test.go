package flow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/coursefee-portal/internal/bankqr"
	"github.com/example/coursefee-portal/internal/card"
	"github.com/example/coursefee-portal/internal/gateway"
	"github.com/example/coursefee-portal/internal/settlement"
	perr "github.com/example/coursefee-portal/pkg/errors"
)

type fakeGateway struct {
	mu        sync.Mutex
	inv       gateway.Invoice
	invErr    error
	intent    gateway.PaymentIntent
	createErr error
	// createGate, when set, holds CreatePayment until it is closed.
	createGate chan struct{}
	creates    []gateway.CreatePaymentRequest
	statuses   []gateway.SettlementStatus
	checks     int
	loads      int
}

func (f *fakeGateway) FetchInvoice(context.Context, string) (gateway.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	return f.inv, f.invErr
}

func (f *fakeGateway) CreatePayment(ctx context.Context, req gateway.CreatePaymentRequest) (gateway.PaymentIntent, error) {
	if f.createGate != nil {
		select {
		case <-f.createGate:
		case <-ctx.Done():
			return gateway.PaymentIntent{}, perr.Wrap(perr.CodeNetwork, "Network error", ctx.Err())
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, req)
	return f.intent, f.createErr
}

func (f *fakeGateway) CheckStatus(context.Context, string) (gateway.SettlementStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	if len(f.statuses) == 0 {
		return gateway.Pending, nil
	}
	i := f.checks - 1
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	return f.statuses[i], nil
}

func (f *fakeGateway) setStatuses(st ...gateway.SettlementStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = st
	f.checks = 0
}

func (f *fakeGateway) checkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checks
}

func (f *fakeGateway) lastCreate() gateway.CreatePaymentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates[len(f.creates)-1]
}

type recorder struct {
	mu      sync.Mutex
	snaps   []Snapshot
	notices []Notice
	navs    []Navigation
}

func (r *recorder) StateChanged(s Snapshot) { r.mu.Lock(); r.snaps = append(r.snaps, s); r.mu.Unlock() }
func (r *recorder) Notify(n Notice)         { r.mu.Lock(); r.notices = append(r.notices, n); r.mu.Unlock() }
func (r *recorder) Navigate(n Navigation)   { r.mu.Lock(); r.navs = append(r.navs, n); r.mu.Unlock() }

func (r *recorder) navCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.navs)
}

func (r *recorder) lastNotice() Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.notices) == 0 {
		return Notice{}
	}
	return r.notices[len(r.notices)-1]
}

type fakeCard struct {
	gate   chan struct{}
	result card.Result
	err    error
}

func (c *fakeCard) Confirm(context.Context, string, string) (card.Result, error) {
	if c.gate != nil {
		<-c.gate
	}
	return c.result, c.err
}

type chanPublisher chan settlement.Event

func (c chanPublisher) Publish(_ context.Context, ev settlement.Event) error {
	c <- ev
	return nil
}

func fastConfig() Config {
	return Config{PollInterval: time.Millisecond, PollCeiling: 10 * time.Millisecond}
}

// slowConfig keeps the ceiling out of reach so tests drive settlement.
func slowConfig() Config {
	return Config{PollInterval: time.Millisecond, PollCeiling: time.Hour}
}

func newFlow(t *testing.T, cfg Config, gw *fakeGateway, allowed bool) (*Orchestrator, *recorder) {
	t.Helper()
	rec := &recorder{}
	o := New(cfg, Options{InvoiceID: "INV-1", BalanceAllowed: allowed, Gateway: gw, Observer: rec})
	t.Cleanup(o.Close)
	require.NoError(t, o.Load(context.Background()))
	return o, rec
}

func waitFor(t *testing.T, o *Orchestrator, st State) Snapshot {
	t.Helper()
	require.Eventually(t, func() bool { return o.Snapshot().State == st }, 2*time.Second, time.Millisecond,
		"want %s", st)
	return o.Snapshot()
}

func TestLoadPrefillsBalance(t *testing.T) {
	gw := &fakeGateway{inv: inv("100", "150")}
	o, rec := newFlow(t, fastConfig(), gw, true)

	s := o.Snapshot()
	assert.Equal(t, Idle, s.State)
	assert.True(t, s.Split.UseBalance)
	assert.True(t, s.Split.BalanceAmount.Decimal.Equal(d("100")))
	assert.True(t, s.MaxBalance.Equal(d("100")))
	assert.NotEmpty(t, rec.snaps)
}

func TestLoadFailureCloses(t *testing.T) {
	gw := &fakeGateway{invErr: perr.New(perr.CodeNotFound, "Invoice not found")}
	rec := &recorder{}
	o := New(fastConfig(), Options{InvoiceID: "INV-1", Gateway: gw, Observer: rec})

	err := o.Load(context.Background())
	assert.ErrorIs(t, err, perr.ErrNotFound)
	assert.Equal(t, Closed, o.Snapshot().State)
	assert.Equal(t, Notice{Level: NoticeError, Message: "Invoice not found"}, rec.lastNotice())
	assert.Equal(t, 1, gw.loads, "load is not retried")
}

func TestBalanceBlockedWithoutEducationAccount(t *testing.T) {
	gw := &fakeGateway{inv: inv("100", "150")}
	o, _ := newFlow(t, fastConfig(), gw, false)

	assert.False(t, o.Snapshot().Split.UseBalance)
	assert.ErrorIs(t, o.SetUseBalance(true), perr.ErrBlocked)
	assert.ErrorIs(t, o.SetBalanceAmount(nd("10")), perr.ErrBlocked)
	assert.NoError(t, o.SetMethod(gateway.BankTransfer))
}

func TestValidationErrorBlocksConfirm(t *testing.T) {
	gw := &fakeGateway{inv: inv("200", "50")}
	o, _ := newFlow(t, fastConfig(), gw, true)

	require.NoError(t, o.SetBalanceAmount(nd("75")))
	s := o.Snapshot()
	assert.Equal(t, "Exceeds your balance (S$50)", s.Split.Error)
	assert.True(t, s.Split.ExternalAmount.Equal(d("200")))
	assert.True(t, s.Split.BalanceAmount.Decimal.Equal(d("75")), "input is echoed")

	assert.ErrorIs(t, o.Confirm(context.Background()), perr.ErrValidationRejected)
	assert.Empty(t, gw.creates)
	assert.Equal(t, Idle, o.Snapshot().State)
}

func TestBalanceOnlyGoesStraightToPolling(t *testing.T) {
	gw := &fakeGateway{
		inv:      inv("100", "150"),
		intent:   gateway.PaymentIntent{Kind: gateway.IntentBalanceOnly, Amount: d("100")},
		statuses: []gateway.SettlementStatus{gateway.Pending, gateway.Success},
	}
	o, rec := newFlow(t, fastConfig(), gw, true)

	require.NoError(t, o.Confirm(context.Background()))
	req := gw.lastCreate()
	assert.Equal(t, gateway.AccountBalance, req.Method)
	assert.True(t, req.UseBalance)
	assert.False(t, req.UseExternal)
	assert.NotEmpty(t, req.AttemptID)

	s := waitFor(t, o, Terminal)
	assert.Equal(t, gateway.Success, s.Outcome)
	require.Eventually(t, func() bool { return rec.navCount() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "/payment-result?invoiceId=INV-1", rec.navs[0].Path)

	var sawPolling bool
	rec.mu.Lock()
	for _, sn := range rec.snaps {
		sawPolling = sawPolling || sn.State == SettlementPolling
	}
	rec.mu.Unlock()
	assert.True(t, sawPolling)
}

func TestCardSplitRequest(t *testing.T) {
	gw := &fakeGateway{
		inv:    inv("200", "50"),
		intent: gateway.PaymentIntent{Kind: gateway.IntentCard, ClientSecret: "pi_1_secret_2", Amount: d("150")},
	}
	cfg := slowConfig()
	cfg.Card = &fakeCard{result: card.Result{Outcome: card.Succeeded}}
	o, _ := newFlow(t, cfg, gw, true)

	require.NoError(t, o.SetMethod(gateway.CreditDebitCard))
	require.NoError(t, o.Confirm(context.Background()))

	req := gw.lastCreate()
	assert.True(t, req.UseBalance)
	assert.True(t, req.AmountFromBalance.Equal(d("50")))
	assert.True(t, req.UseExternal)
	assert.Equal(t, gateway.CreditDebitCard, req.Method)

	s := o.Snapshot()
	assert.Equal(t, AwaitingCardConfirmation, s.State)
	require.NotNil(t, s.Intent)
	assert.Equal(t, "pi_1_secret_2", s.Intent.ClientSecret)
	assert.Eventually(t, func() bool { return gw.checkCount() > 0 }, time.Second, time.Millisecond,
		"settlement is polled in the background")
}

func TestCheckedButZeroSendsNoBalance(t *testing.T) {
	gw := &fakeGateway{inv: inv("200", "50"), intent: gateway.PaymentIntent{Kind: gateway.IntentBankTransfer, QRCodeURL: "https://qr"}}
	o, _ := newFlow(t, slowConfig(), gw, true)

	require.NoError(t, o.SetBalanceAmount(nd("0")))
	require.NoError(t, o.SetMethod(gateway.BankTransfer))
	require.NoError(t, o.Confirm(context.Background()))

	req := gw.lastCreate()
	assert.False(t, req.UseBalance)
	assert.True(t, req.AmountFromBalance.IsZero())
	assert.Equal(t, gateway.BankTransfer, req.Method)
}

func TestPollCeilingReturnsToIdle(t *testing.T) {
	gw := &fakeGateway{inv: inv("100", "150"), intent: gateway.PaymentIntent{Kind: gateway.IntentBalanceOnly}}
	o, rec := newFlow(t, fastConfig(), gw, true)

	require.NoError(t, o.Confirm(context.Background()))
	s := waitFor(t, o, Idle)
	assert.Empty(t, s.AttemptID)
	assert.True(t, s.Split.UseBalance, "split survives the timeout")
	assert.Equal(t, 10, gw.checkCount())
	assert.Zero(t, rec.navCount())
	assert.Equal(t, NoticeWarning, rec.lastNotice().Level)

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 10, gw.checkCount(), "no polling after the ceiling")
}

func TestPollSuccessBeatsCardConfirmation(t *testing.T) {
	gw := &fakeGateway{
		inv:      inv("200", "50"),
		intent:   gateway.PaymentIntent{Kind: gateway.IntentCard, ClientSecret: "pi_1_secret_2"},
		statuses: []gateway.SettlementStatus{gateway.Pending},
	}
	fc := &fakeCard{gate: make(chan struct{}), result: card.Result{Outcome: card.Succeeded}}
	cfg := slowConfig()
	cfg.Card = fc
	o, rec := newFlow(t, cfg, gw, true)
	require.NoError(t, o.Confirm(context.Background()))
	waitFor(t, o, AwaitingCardConfirmation)

	done := make(chan error, 1)
	go func() { done <- o.ConfirmCard(context.Background(), "pm_1") }()
	require.Eventually(t, func() bool { return o.Snapshot().CardConfirming }, time.Second, time.Millisecond)
	assert.ErrorIs(t, o.Cancel(), perr.ErrBusy, "no cancel while the card is confirming")

	gw.setStatuses(gateway.Pending, gateway.Success)
	s := waitFor(t, o, Terminal)
	assert.Equal(t, gateway.Success, s.Outcome)

	close(fc.gate)
	require.NoError(t, <-done)
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, rec.navCount())
	assert.Equal(t, Terminal, o.Snapshot().State)
}

func TestCardFastPath(t *testing.T) {
	gw := &fakeGateway{inv: inv("200", "0"), intent: gateway.PaymentIntent{Kind: gateway.IntentCard, ClientSecret: "pi_1_secret_2"}}
	pub := make(chanPublisher, 1)
	cfg := slowConfig()
	cfg.Card = &fakeCard{result: card.Result{Outcome: card.NoFurtherAction}}
	cfg.Publisher = pub
	o, rec := newFlow(t, cfg, gw, true)

	require.NoError(t, o.Confirm(context.Background()))
	require.NoError(t, o.ConfirmCard(context.Background(), "pm_1"))

	s := o.Snapshot()
	assert.Equal(t, Terminal, s.State)
	assert.Equal(t, gateway.Success, s.Outcome)
	assert.Equal(t, 1, rec.navCount())

	select {
	case ev := <-pub:
		assert.Equal(t, SourceCard, ev.Source)
		assert.Equal(t, gateway.Success, ev.Outcome)
		assert.Equal(t, s.AttemptID, ev.AttemptID)
		assert.True(t, ev.ExternalAmount.Equal(d("200")))
	case <-time.After(time.Second):
		t.Fatal("no settlement event")
	}
}

func TestCardSuccessAfterCeilingSettles(t *testing.T) {
	gw := &fakeGateway{inv: inv("200", "0"), intent: gateway.PaymentIntent{Kind: gateway.IntentCard, ClientSecret: "pi_1_secret_2"}}
	fc := &fakeCard{gate: make(chan struct{}), result: card.Result{Outcome: card.Succeeded}}
	cfg := Config{PollInterval: 5 * time.Millisecond, PollCeiling: 50 * time.Millisecond, Card: fc}
	o, rec := newFlow(t, cfg, gw, true)
	require.NoError(t, o.Confirm(context.Background()))

	done := make(chan error, 1)
	go func() { done <- o.ConfirmCard(context.Background(), "pm_1") }()
	require.Eventually(t, func() bool { return o.Snapshot().CardConfirming }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return gw.checkCount() >= 10 }, 2*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, AwaitingCardConfirmation, o.Snapshot().State, "form stays locked while the card is confirming")
	assert.ErrorIs(t, o.Confirm(context.Background()), perr.ErrInvalidState)
	assert.ErrorIs(t, o.Back(), perr.ErrBusy, "a confirming card cannot be abandoned")

	close(fc.gate)
	require.NoError(t, <-done)
	s := o.Snapshot()
	assert.Equal(t, Terminal, s.State)
	assert.Equal(t, gateway.Success, s.Outcome)
	assert.Equal(t, 1, rec.navCount())
	assert.Len(t, gw.creates, 1)
}

func TestCardDeclineAfterCeilingReturnsToIdle(t *testing.T) {
	gw := &fakeGateway{inv: inv("200", "0"), intent: gateway.PaymentIntent{Kind: gateway.IntentCard, ClientSecret: "pi_1_secret_2"}}
	fc := &fakeCard{gate: make(chan struct{}), result: card.Result{Outcome: card.Declined, Message: "Your card was declined."}}
	cfg := Config{PollInterval: 5 * time.Millisecond, PollCeiling: 50 * time.Millisecond, Card: fc}
	o, rec := newFlow(t, cfg, gw, true)
	require.NoError(t, o.Confirm(context.Background()))

	done := make(chan error, 1)
	go func() { done <- o.ConfirmCard(context.Background(), "pm_1") }()
	require.Eventually(t, func() bool { return o.Snapshot().CardConfirming }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return gw.checkCount() >= 10 }, 2*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	close(fc.gate)
	assert.ErrorIs(t, <-done, perr.ErrCardDeclined)
	s := o.Snapshot()
	assert.Equal(t, Idle, s.State)
	assert.Empty(t, s.AttemptID)
	assert.Zero(t, rec.navCount())
	assert.Equal(t, "Payment not confirmed yet. Please try again.", rec.lastNotice().Message)
}

func TestCardDeclineStaysOnForm(t *testing.T) {
	gw := &fakeGateway{inv: inv("200", "0"), intent: gateway.PaymentIntent{Kind: gateway.IntentCard, ClientSecret: "pi_1_secret_2"}}
	fc := &fakeCard{result: card.Result{Outcome: card.Declined, Message: "Your card has insufficient funds."}}
	cfg := slowConfig()
	cfg.Card = fc
	o, rec := newFlow(t, cfg, gw, true)
	require.NoError(t, o.Confirm(context.Background()))

	err := o.ConfirmCard(context.Background(), "pm_1")
	assert.ErrorIs(t, err, perr.ErrCardDeclined)
	s := o.Snapshot()
	assert.Equal(t, AwaitingCardConfirmation, s.State)
	assert.Equal(t, "Your card has insufficient funds.", s.CardError)
	assert.False(t, s.CardConfirming)
	assert.Zero(t, rec.navCount())

	fc.result = card.Result{Outcome: card.Succeeded}
	require.NoError(t, o.ConfirmCard(context.Background(), "pm_2"))
	assert.Equal(t, Terminal, o.Snapshot().State)
}

func TestMissingCardProvider(t *testing.T) {
	gw := &fakeGateway{inv: inv("200", "0"), intent: gateway.PaymentIntent{Kind: gateway.IntentCard, ClientSecret: "pi_1_secret_2"}}
	o, rec := newFlow(t, slowConfig(), gw, true)

	require.NoError(t, o.Confirm(context.Background()))
	assert.Equal(t, Idle, o.Snapshot().State)
	assert.Equal(t, "Missing card provider configuration", rec.lastNotice().Message)
	time.Sleep(5 * time.Millisecond)
	assert.Zero(t, gw.checkCount())
}

func TestCreateFailureReturnsToIdle(t *testing.T) {
	gw := &fakeGateway{inv: inv("200", "0"), createErr: perr.New(perr.CodeValidationRejected, "Invoice already paid")}
	o, rec := newFlow(t, slowConfig(), gw, true)

	err := o.Confirm(context.Background())
	assert.ErrorIs(t, err, perr.ErrValidationRejected)
	assert.Equal(t, Idle, o.Snapshot().State)
	assert.Equal(t, "Invoice already paid", rec.lastNotice().Message)
	assert.Len(t, gw.creates, 1, "createPayment is not retried")
}

func TestSubmittingIsBusy(t *testing.T) {
	gw := &fakeGateway{
		inv:        inv("200", "0"),
		intent:     gateway.PaymentIntent{Kind: gateway.IntentBalanceOnly},
		createGate: make(chan struct{}),
	}
	o, _ := newFlow(t, slowConfig(), gw, true)

	done := make(chan error, 1)
	go func() { done <- o.Confirm(context.Background()) }()
	waitFor(t, o, Submitting)

	assert.ErrorIs(t, o.Confirm(context.Background()), perr.ErrBusy)
	assert.ErrorIs(t, o.Cancel(), perr.ErrBusy)
	assert.ErrorIs(t, o.SetMethod(gateway.BankTransfer), perr.ErrBusy)

	close(gw.createGate)
	require.NoError(t, <-done)
	waitFor(t, o, SettlementPolling)
	assert.ErrorIs(t, o.Cancel(), perr.ErrBusy, "foreground settlement cannot be cancelled")
}

func TestConfirmOutlivesCallerContext(t *testing.T) {
	gw := &fakeGateway{
		inv:        inv("200", "0"),
		intent:     gateway.PaymentIntent{Kind: gateway.IntentBalanceOnly},
		createGate: make(chan struct{}),
	}
	o, _ := newFlow(t, slowConfig(), gw, true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Confirm(ctx) }()
	waitFor(t, o, Submitting)

	cancel()
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, Submitting, o.Snapshot().State)

	close(gw.createGate)
	require.NoError(t, <-done)
	waitFor(t, o, SettlementPolling)
	gw.mu.Lock()
	defer gw.mu.Unlock()
	assert.Len(t, gw.creates, 1)
}

func TestCloseStopsEverything(t *testing.T) {
	gw := &fakeGateway{inv: inv("200", "0"), intent: gateway.PaymentIntent{Kind: gateway.IntentBankTransfer, QRCodeURL: "https://qr"}}
	o, rec := newFlow(t, slowConfig(), gw, true)
	require.NoError(t, o.Confirm(context.Background()))
	require.Eventually(t, func() bool { return gw.checkCount() > 2 }, time.Second, time.Millisecond)

	o.Close()
	assert.Equal(t, Closed, o.Snapshot().State)
	time.Sleep(5 * time.Millisecond)
	gw.mu.Lock()
	gw.statuses = []gateway.SettlementStatus{gateway.Success}
	n := gw.checks
	gw.mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, gw.checkCount())
	assert.Zero(t, rec.navCount())
}

func TestCloseDuringSubmitDiscardsIntent(t *testing.T) {
	gw := &fakeGateway{
		inv:        inv("200", "0"),
		intent:     gateway.PaymentIntent{Kind: gateway.IntentBalanceOnly},
		createGate: make(chan struct{}),
	}
	o, _ := newFlow(t, slowConfig(), gw, true)
	done := make(chan error, 1)
	go func() { done <- o.Confirm(context.Background()) }()
	waitFor(t, o, Submitting)

	o.Close()
	close(gw.createGate)
	assert.ErrorIs(t, <-done, perr.ErrInvalidState)
	assert.Equal(t, Closed, o.Snapshot().State)
	time.Sleep(5 * time.Millisecond)
	assert.Zero(t, gw.checkCount())
}

func TestBankTransferFailureAndRestart(t *testing.T) {
	gw := &fakeGateway{
		inv:      inv("300", "100"),
		intent:   gateway.PaymentIntent{Kind: gateway.IntentBankTransfer, QRCodeURL: "https://qr", Amount: d("200")},
		statuses: []gateway.SettlementStatus{gateway.Pending, gateway.Pending, gateway.Failed},
	}
	o, rec := newFlow(t, slowConfig(), gw, true)
	require.NoError(t, o.SetMethod(gateway.BankTransfer))
	require.NoError(t, o.Confirm(context.Background()))

	s := waitFor(t, o, Terminal)
	assert.Equal(t, gateway.Failed, s.Outcome)
	assert.Equal(t, bankqr.Cancel, s.QRState)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, rec.navCount(), "both pollers saw the failure, one navigation")
	assert.Equal(t, "Payment Failed or Cancelled!", rec.lastNotice().Message)

	require.NoError(t, o.Restart(context.Background()))
	s = o.Snapshot()
	assert.Equal(t, Idle, s.State)
	assert.Empty(t, s.QRState)
	assert.Equal(t, 2, gw.loads)
}

func TestBankTransferExpiry(t *testing.T) {
	exp := time.Now().Add(30 * time.Millisecond)
	gw := &fakeGateway{
		inv:    inv("300", "0"),
		intent: gateway.PaymentIntent{Kind: gateway.IntentBankTransfer, QRCodeURL: "https://qr", ExpiresAt: &exp},
	}
	o, rec := newFlow(t, slowConfig(), gw, true)
	require.NoError(t, o.SetMethod(gateway.BankTransfer))
	require.NoError(t, o.Confirm(context.Background()))
	assert.Equal(t, bankqr.Hold, o.Snapshot().QRState)

	require.Eventually(t, func() bool { return o.Snapshot().QRState == bankqr.Timeout }, time.Second, time.Millisecond)
	assert.Equal(t, AwaitingBankTransfer, o.Snapshot().State)
	assert.Equal(t, "QR code has expired", rec.lastNotice().Message)

	time.Sleep(5 * time.Millisecond)
	n := gw.checkCount()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, gw.checkCount(), "expired QR stops polling")

	require.NoError(t, o.Restart(context.Background()))
	assert.Equal(t, Idle, o.Snapshot().State)
}

func TestBackKeepsSplit(t *testing.T) {
	gw := &fakeGateway{inv: inv("200", "50"), intent: gateway.PaymentIntent{Kind: gateway.IntentBankTransfer, QRCodeURL: "https://qr"}}
	o, rec := newFlow(t, slowConfig(), gw, true)
	require.NoError(t, o.SetBalanceAmount(nd("20")))
	require.NoError(t, o.SetMethod(gateway.BankTransfer))
	require.NoError(t, o.Confirm(context.Background()))

	require.NoError(t, o.Back())
	s := o.Snapshot()
	assert.Equal(t, Idle, s.State)
	assert.Nil(t, s.Intent)
	assert.True(t, s.Split.BalanceAmount.Decimal.Equal(d("20")))
	assert.Equal(t, gateway.BankTransfer, s.Split.Method)

	gw.setStatuses(gateway.Success)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, rec.navCount(), "abandoned attempt cannot settle the flow")
	assert.ErrorIs(t, o.Back(), perr.ErrInvalidState)
}

func TestRestartOnlyAfterFailure(t *testing.T) {
	gw := &fakeGateway{inv: inv("200", "0")}
	o, _ := newFlow(t, slowConfig(), gw, true)
	assert.ErrorIs(t, o.Restart(context.Background()), perr.ErrInvalidState)
}

func TestCancelFromIdleCloses(t *testing.T) {
	gw := &fakeGateway{inv: inv("200", "0")}
	o, _ := newFlow(t, slowConfig(), gw, true)
	require.NoError(t, o.Cancel())
	assert.Equal(t, Closed, o.Snapshot().State)
	assert.NoError(t, o.Cancel())
	assert.ErrorIs(t, o.Confirm(context.Background()), perr.ErrInvalidState)
}

func TestSnapshotVersionsIncrease(t *testing.T) {
	gw := &fakeGateway{inv: inv("200", "50")}
	o, rec := newFlow(t, slowConfig(), gw, true)
	require.NoError(t, o.SetUseBalance(false))
	require.NoError(t, o.SetUseBalance(true))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i := 1; i < len(rec.snaps); i++ {
		assert.Greater(t, rec.snaps[i].Version, rec.snaps[i-1].Version)
	}
	assert.True(t, o.Snapshot().Split.BalanceAmount.Decimal.Equal(d("50")))
}

func TestRegistry(t *testing.T) {
	gw := &fakeGateway{inv: inv("200", "0")}
	r := NewRegistry()
	build := func() *Orchestrator {
		return New(slowConfig(), Options{InvoiceID: "INV-1", Gateway: gw})
	}

	a, created := r.Open("s1", "INV-1", build)
	assert.True(t, created)
	b, created := r.Open("s1", "INV-1", build)
	assert.False(t, created)
	assert.Same(t, a, b)

	other, created := r.Open("s2", "INV-1", build)
	assert.True(t, created)
	assert.NotSame(t, a, other)

	a.Close()
	c, created := r.Open("s1", "INV-1", build)
	assert.True(t, created, "closed flows are replaced")
	assert.NotSame(t, a, c)

	assert.Equal(t, 1, r.CloseSession("s1"))
	_, ok := r.Get("s1", "INV-1")
	assert.False(t, ok)
	assert.Equal(t, Closed, c.Snapshot().State)

	r.Remove("s2", a)
	assert.Equal(t, 1, r.Len(), "Remove only drops the matching flow")
	r.CloseAll()
	assert.Zero(t, r.Len())
}

func TestObserverCalledWithoutLock(t *testing.T) {
	gw := &fakeGateway{inv: inv("200", "0")}
	var o *Orchestrator
	obs := &reentrant{get: func() Snapshot { return o.Snapshot() }}
	o = New(slowConfig(), Options{InvoiceID: "INV-1", Gateway: gw, Observer: obs})
	defer o.Close()

	done := make(chan error, 1)
	go func() { done <- o.Load(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("observer deadlocked the orchestrator")
	}
	assert.Equal(t, Idle, obs.seen)
}

type reentrant struct {
	NopObserver
	get  func() Snapshot
	seen State
}

func (r *reentrant) StateChanged(Snapshot) { r.seen = r.get().State }
