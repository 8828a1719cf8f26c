// Package settlement polls the ledger for an invoice's settlement outcome and
// guards the single transition into a terminal state.
package settlement

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/coursefee-portal/internal/gateway"
	m "github.com/example/coursefee-portal/pkg/metrics"
)

const (
	DefaultInterval = 3 * time.Second
	DefaultMaxPolls = 10
)

// StatusChecker is the slice of the gateway client a poller needs.
type StatusChecker interface {
	CheckStatus(ctx context.Context, invoiceID string) (gateway.SettlementStatus, error)
}

type Poller struct {
	Checker   StatusChecker
	InvoiceID string
	Interval  time.Duration
	// MaxPolls bounds the number of checks; zero means no bound.
	MaxPolls int
	// Source labels metrics and logs ("poll", "qr_poll").
	Source string
	Log    *slog.Logger
}

type Result struct {
	Status gateway.SettlementStatus
	Polls  int
	// Exhausted is set when MaxPolls checks all came back pending.
	Exhausted bool
}

// Run checks status every Interval, the first check one Interval after the
// call. It returns on a terminal status, on exhaustion, or with ctx.Err().
// Check errors count as pending.
func (p Poller) Run(ctx context.Context) (Result, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	log := p.Log
	if log == nil {
		log = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	res := Result{Status: gateway.Pending}
	for {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-ticker.C:
		}
		res.Polls++
		st, err := p.Checker.CheckStatus(ctx, p.InvoiceID)
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if err != nil {
			log.Warn("status check failed", "invoice_id", p.InvoiceID, "source", p.Source,
				"poll", res.Polls, "error", err)
			m.IncPoll(p.Source, "error")
			st = gateway.Pending
		} else {
			m.IncPoll(p.Source, string(st))
		}
		if st.Terminal() {
			res.Status = st
			return res, nil
		}
		if p.MaxPolls > 0 && res.Polls >= p.MaxPolls {
			res.Exhausted = true
			return res, nil
		}
	}
}

// Task is a poller running in its own goroutine.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Start runs p in a goroutine and hands the result to report unless the task
// was stopped first. report runs on the poller goroutine.
func Start(parent context.Context, p Poller, report func(Result)) *Task {
	ctx, cancel := context.WithCancel(parent)
	t := &Task{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		res, err := p.Run(ctx)
		if err != nil {
			return
		}
		report(res)
	}()
	return t
}

// Stop cancels the task without waiting for it. Safe on a nil Task.
func (t *Task) Stop() {
	if t != nil {
		t.cancel()
	}
}

// Done is closed once the poller goroutine has returned.
func (t *Task) Done() <-chan struct{} { return t.done }
