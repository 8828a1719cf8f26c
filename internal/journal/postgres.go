package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/example/coursefee-portal/internal/gateway"
	"github.com/example/coursefee-portal/internal/settlement"
)

const schema = `
CREATE TABLE IF NOT EXISTS settlement_journal (
    event_id        TEXT PRIMARY KEY,
    attempt_id      TEXT NOT NULL,
    invoice_id      TEXT NOT NULL,
    outcome         TEXT NOT NULL,
    source          TEXT NOT NULL,
    amount          NUMERIC(18,2) NOT NULL,
    balance_amount  NUMERIC(18,2) NOT NULL,
    external_amount NUMERIC(18,2) NOT NULL,
    method          TEXT NOT NULL,
    occurred_at     TIMESTAMPTZ NOT NULL,
    recorded_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS settlement_journal_invoice_idx
    ON settlement_journal (invoice_id, occurred_at DESC);`

type Queryable interface {
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
}

type Postgres struct {
	db Queryable
}

func NewPostgres(db Queryable) *Postgres {
	return &Postgres{db: db}
}

// OpenPool connects to Postgres and pings it before returning.
func OpenPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DB config: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return pool, nil
}

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create settlement_journal: %w", err)
	}
	return nil
}

func (p *Postgres) Record(ctx context.Context, ev settlement.Event) (bool, error) {
	tag, err := p.db.Exec(ctx, `
        INSERT INTO settlement_journal
            (event_id, attempt_id, invoice_id, outcome, source,
             amount, balance_amount, external_amount, method, occurred_at)
        VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric, $9, $10)
        ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID, ev.AttemptID, ev.InvoiceID, string(ev.Outcome), ev.Source,
		ev.Amount.String(), ev.BalanceAmount.String(), ev.ExternalAmount.String(),
		string(ev.Method), ev.OccurredAt)
	if err != nil {
		return false, fmt.Errorf("insert settlement event %s: %w", ev.EventID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) History(ctx context.Context, invoiceID string, limit int) ([]settlement.Event, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	rows, err := p.db.Query(ctx, `
        SELECT event_id, attempt_id, invoice_id, outcome, source,
               amount::text, balance_amount::text, external_amount::text, method, occurred_at
        FROM settlement_journal
        WHERE invoice_id = $1
        ORDER BY occurred_at DESC
        LIMIT $2`, invoiceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query settlement history: %w", err)
	}
	defer rows.Close()

	var out []settlement.Event
	for rows.Next() {
		var (
			ev                        settlement.Event
			outcome, method           string
			amount, balance, external string
		)
		if err := rows.Scan(&ev.EventID, &ev.AttemptID, &ev.InvoiceID, &outcome, &ev.Source,
			&amount, &balance, &external, &method, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan settlement event: %w", err)
		}
		ev.Outcome = gateway.SettlementStatus(outcome)
		ev.Method = gateway.PaymentMethod(method)
		if ev.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		if ev.BalanceAmount, err = decimal.NewFromString(balance); err != nil {
			return nil, err
		}
		if ev.ExternalAmount, err = decimal.NewFromString(external); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
