// cmd/portalctl/commands.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/example/coursefee-portal/internal/card"
	"github.com/example/coursefee-portal/internal/config"
	"github.com/example/coursefee-portal/internal/flow"
	"github.com/example/coursefee-portal/internal/gateway"
	"github.com/example/coursefee-portal/internal/journal"
	"github.com/example/coursefee-portal/internal/receipt"
	"github.com/example/coursefee-portal/pkg/money"
)

type globals struct {
	ledgerURL string
	token     string
	asJSON    bool
	cfg       config.Config
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "portalctl",
		Short:         "Operator tool for the course-fee payment portal",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			g.cfg = cfg
			if g.ledgerURL == "" {
				g.ledgerURL = cfg.LedgerBaseURL
			}
			if g.token == "" {
				g.token = os.Getenv("LEDGER_TOKEN")
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&g.ledgerURL, "ledger", "", "ledger API base URL (default LEDGER_BASE_URL)")
	root.PersistentFlags().StringVar(&g.token, "token", "", "bearer token (default LEDGER_TOKEN)")
	root.PersistentFlags().BoolVar(&g.asJSON, "json", false, "print JSON")

	root.AddCommand(invoiceCmd(g), statusCmd(g), payCmd(g), receiptCmd(g), historyCmd(g))
	return root
}

func (g *globals) ledger() *gateway.Client {
	return gateway.New(g.ledgerURL, gateway.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))).WithToken(g.token)
}

func (g *globals) print(w io.Writer, v any, text func(io.Writer)) error {
	if g.asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

func invoiceCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "invoice <invoice-id>",
		Short: "Show an invoice and the available balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := g.ledger().FetchInvoice(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return g.print(cmd.OutOrStdout(), inv, func(w io.Writer) {
				fmt.Fprintf(w, "Invoice:  %s\n", inv.InvoiceID)
				fmt.Fprintf(w, "Course:   %s\n", inv.CourseName)
				fmt.Fprintf(w, "Amount:   %s\n", money.Format(inv.Amount))
				fmt.Fprintf(w, "Balance:  %s\n", money.Format(inv.Balance))
			})
		},
	}
}

func statusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status <invoice-id>",
		Short: "Check an invoice's settlement status once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := g.ledger().CheckStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return g.print(cmd.OutOrStdout(), map[string]any{"invoiceId": args[0], "status": st}, func(w io.Writer) {
				fmt.Fprintf(w, "%s: %s\n", args[0], st)
			})
		},
	}
}

func payCmd(g *globals) *cobra.Command {
	var (
		method    string
		balance   string
		noBalance bool
		edu       bool
		timeout   time.Duration
		pmID      string
	)
	cmd := &cobra.Command{
		Use:   "pay <invoice-id>",
		Short: "Run a payment flow end to end and wait for the outcome",
		Long: `Drives the same payment flow the portal runs for a browser.
Balance-only and bank-transfer payments settle through polling; card payments
need --payment-method and STRIPE_SECRET_KEY.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			w := cmd.OutOrStdout()
			obs := newCLIObserver(w)
			cfg := flow.Config{PollInterval: g.cfg.PollInterval, PollCeiling: g.cfg.PollCeiling}
			if g.cfg.StripeSecretKey != "" {
				cfg.Card = card.NewStripe(g.cfg.StripeSecretKey, g.cfg.CardReturnURL, slog.Default())
			}
			o := flow.New(cfg, flow.Options{
				InvoiceID:      args[0],
				BalanceAllowed: edu,
				Gateway:        g.ledger(),
				Observer:       obs,
			})
			defer o.Close()

			if err := o.Load(ctx); err != nil {
				return err
			}
			if edu {
				if noBalance {
					if err := o.SetUseBalance(false); err != nil {
						return err
					}
				} else if balance != "" {
					v, ok, err := money.Parse(balance)
					if err != nil {
						return fmt.Errorf("invalid --balance: %w", err)
					}
					if err := o.SetBalanceAmount(decimal.NullDecimal{Decimal: v, Valid: ok}); err != nil {
						return err
					}
				}
			}
			m := gateway.CreditDebitCard
			if method == "bank_transfer" {
				m = gateway.BankTransfer
			}
			if err := o.SetMethod(m); err != nil {
				return err
			}
			if err := o.Confirm(ctx); err != nil {
				return err
			}
			if s := o.Snapshot(); s.State == flow.AwaitingCardConfirmation {
				if pmID == "" {
					return fmt.Errorf("card payment needs --payment-method")
				}
				if err := o.ConfirmCard(ctx, pmID); err != nil {
					return err
				}
			}
			select {
			case nav := <-obs.done:
				fmt.Fprintf(w, "outcome: %s (%s)\n", nav.Outcome, nav.Path)
				if nav.Outcome != gateway.Success {
					return fmt.Errorf("payment %s", nav.Outcome)
				}
				return nil
			case <-obs.idle:
				return fmt.Errorf("payment was not confirmed")
			case <-ctx.Done():
				return fmt.Errorf("no outcome before timeout (state %s)", o.Snapshot().State)
			}
		},
	}
	cmd.Flags().StringVar(&method, "method", "card", "external method: card or bank_transfer")
	cmd.Flags().StringVar(&balance, "balance", "", "amount to take from the account balance")
	cmd.Flags().BoolVar(&noBalance, "no-balance", false, "do not use the account balance")
	cmd.Flags().BoolVar(&edu, "education-account", true, "session is an education account")
	cmd.Flags().StringVar(&pmID, "payment-method", "", "card payment method id (pm_...)")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "overall timeout")
	return cmd
}

func receiptCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "receipt <invoice-id>",
		Short: "Verify a payment the way the result page does",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := receipt.Verify(cmd.Context(), g.ledger(), args[0], receipt.Options{
				Retries:    g.cfg.ReceiptRetries,
				RetryDelay: g.cfg.ReceiptRetryDelay,
				Log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
			})
			if err != nil {
				return err
			}
			return g.print(cmd.OutOrStdout(), rc, func(w io.Writer) {
				fmt.Fprintf(w, "%s: %s after %d check(s)\n", rc.InvoiceID, rc.Status, rc.Attempts)
				if rc.Invoice != nil && rc.Invoice.CourseName != "" {
					fmt.Fprintf(w, "  %s, %s\n", rc.Invoice.CourseName, money.Format(rc.Invoice.Amount))
				}
			})
		},
	}
}

func historyCmd(g *globals) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <invoice-id>",
		Short: "List journaled settlement outcomes, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if g.cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is not set")
			}
			pool, err := journal.OpenPool(cmd.Context(), g.cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()
			events, err := journal.NewPostgres(pool).History(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return g.print(cmd.OutOrStdout(), events, func(w io.Writer) {
				if len(events) == 0 {
					fmt.Fprintln(w, "no settlement events")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
				fmt.Fprintln(tw, "OCCURRED\tOUTCOME\tSOURCE\tMETHOD\tBALANCE\tEXTERNAL\tATTEMPT")
				for _, ev := range events {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						ev.OccurredAt.Local().Format(time.RFC3339), ev.Outcome, ev.Source, ev.Method,
						money.Format(ev.BalanceAmount), money.Format(ev.ExternalAmount), ev.AttemptID)
				}
				_ = tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", journal.DefaultHistoryLimit, "maximum rows")
	return cmd
}

// cliObserver prints notices and the QR details, and reports navigation.
type cliObserver struct {
	w    io.Writer
	done chan flow.Navigation
	// idle fires when a submitted attempt falls back to the form.
	idle      chan struct{}
	submitted atomic.Bool
	qr        sync.Once
}

func newCLIObserver(w io.Writer) *cliObserver {
	return &cliObserver{w: w, done: make(chan flow.Navigation, 1), idle: make(chan struct{}, 1)}
}

func (c *cliObserver) StateChanged(s flow.Snapshot) {
	if s.State == flow.Submitting {
		c.submitted.Store(true)
	}
	if s.State == flow.Idle && c.submitted.Load() {
		select {
		case c.idle <- struct{}{}:
		default:
		}
	}
	if s.State != flow.AwaitingBankTransfer || s.Intent == nil {
		return
	}
	c.qr.Do(func() {
		fmt.Fprintf(c.w, "scan to pay %s: %s\n", money.Format(s.Intent.Amount), s.Intent.QRCodeURL)
		if s.Intent.HostedInstructionsURL != "" {
			fmt.Fprintf(c.w, "instructions: %s\n", s.Intent.HostedInstructionsURL)
		}
	})
}

func (c *cliObserver) Notify(n flow.Notice) {
	fmt.Fprintf(c.w, "[%s] %s\n", strings.ToUpper(string(n.Level)), n.Message)
}

func (c *cliObserver) Navigate(n flow.Navigation) {
	select {
	case c.done <- n:
	default:
	}
}
