package journal

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/coursefee-portal/internal/gateway"
	"github.com/example/coursefee-portal/internal/settlement"
)

func event(invoiceID string, at time.Time, outcome gateway.SettlementStatus) settlement.Event {
	return settlement.Event{
		EventID:        uuid.NewString(),
		AttemptID:      uuid.NewString(),
		InvoiceID:      invoiceID,
		Outcome:        outcome,
		Source:         "poll",
		Amount:         decimal.RequireFromString("500.00"),
		BalanceAmount:  decimal.RequireFromString("120.50"),
		ExternalAmount: decimal.RequireFromString("379.50"),
		Method:         gateway.CreditDebitCard,
		OccurredAt:     at.UTC().Truncate(time.Microsecond),
	}
}

func exerciseStore(t *testing.T, s Store, invoiceID string) {
	ctx := context.Background()
	base := time.Now()
	first := event(invoiceID, base, gateway.Failed)
	second := event(invoiceID, base.Add(time.Minute), gateway.Success)

	wrote, err := s.Record(ctx, first)
	require.NoError(t, err)
	assert.True(t, wrote)
	wrote, err = s.Record(ctx, first)
	require.NoError(t, err)
	assert.False(t, wrote, "duplicate event ids are ignored")

	_, err = s.Record(ctx, second)
	require.NoError(t, err)
	_, err = s.Record(ctx, event("OTHER-"+invoiceID, base, gateway.Success))
	require.NoError(t, err)

	got, err := s.History(ctx, invoiceID, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, second.EventID, got[0].EventID)
	assert.Equal(t, first.EventID, got[1].EventID)
	assert.True(t, got[1].BalanceAmount.Equal(first.BalanceAmount))
	assert.Equal(t, gateway.Failed, got[1].Outcome)

	got, err = s.History(ctx, invoiceID, 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestMemory(t *testing.T) {
	exerciseStore(t, NewMemory(), "INV-1")
}

func TestPublisherRecords(t *testing.T) {
	m := NewMemory()
	ev := event("INV-2", time.Now(), gateway.Success)
	require.NoError(t, Publisher{Store: m}.Publish(context.Background(), ev))

	got, err := m.History(context.Background(), "INV-2", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ev.EventID, got[0].EventID)
}

// Runs against a real database when JOURNAL_TEST_DATABASE_URL is set.
func TestPostgres(t *testing.T) {
	url := os.Getenv("JOURNAL_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("JOURNAL_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := OpenPool(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	pg := NewPostgres(pool)
	require.NoError(t, pg.EnsureSchema(ctx))
	exerciseStore(t, pg, "INV-"+uuid.NewString())
}
