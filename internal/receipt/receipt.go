// Package receipt confirms a payment outcome after the flow has navigated
// away, re-reading the ledger rather than trusting the client.
package receipt

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/coursefee-portal/internal/gateway"
)

const (
	DefaultRetries    = 5
	DefaultRetryDelay = 2 * time.Second
)

type Status string

const (
	Verified   Status = "success"
	Unverified Status = "unverified"
)

type Ledger interface {
	FetchInvoice(ctx context.Context, invoiceID string) (gateway.Invoice, error)
	CheckStatus(ctx context.Context, invoiceID string) (gateway.SettlementStatus, error)
}

type Options struct {
	Retries    int
	RetryDelay time.Duration
	Log        *slog.Logger
}

type Receipt struct {
	InvoiceID string           `json:"invoiceId"`
	Status    Status           `json:"status"`
	Attempts  int              `json:"attempts"`
	Invoice   *gateway.Invoice `json:"invoice,omitempty"`
}

// Verify checks the invoice status once, then up to Retries more times
// RetryDelay apart. Anything other than Success (pending, failed or an
// error) is retried. On success the invoice details are attached; when they
// cannot be loaded the receipt carries only the invoice id.
func Verify(ctx context.Context, l Ledger, invoiceID string, opt Options) (Receipt, error) {
	if opt.Retries < 0 {
		opt.Retries = 0
	}
	if opt.RetryDelay <= 0 {
		opt.RetryDelay = DefaultRetryDelay
	}
	log := opt.Log
	if log == nil {
		log = slog.Default()
	}

	rc := Receipt{InvoiceID: invoiceID, Status: Unverified}
	for {
		rc.Attempts++
		st, err := l.CheckStatus(ctx, invoiceID)
		if err != nil {
			log.Warn("receipt status check failed", "invoice_id", invoiceID, "attempt", rc.Attempts, "error", err)
		}
		if err == nil && st == gateway.Success {
			rc.Status = Verified
			rc.Invoice = details(ctx, l, invoiceID, log)
			return rc, nil
		}
		if rc.Attempts > opt.Retries {
			return rc, nil
		}
		t := time.NewTimer(opt.RetryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return rc, ctx.Err()
		case <-t.C:
		}
	}
}

func details(ctx context.Context, l Ledger, invoiceID string, log *slog.Logger) *gateway.Invoice {
	inv, err := l.FetchInvoice(ctx, invoiceID)
	if err != nil {
		log.Warn("receipt details unavailable", "invoice_id", invoiceID, "error", err)
		return &gateway.Invoice{InvoiceID: invoiceID}
	}
	return &inv
}
