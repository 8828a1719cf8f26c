// Package journal keeps the durable history of settlement outcomes, one row
// per event, written by the settlement worker and read by portalctl.
package journal

import (
	"context"
	"sort"
	"sync"

	"github.com/example/coursefee-portal/internal/settlement"
)

const DefaultHistoryLimit = 50

type Store interface {
	// Record inserts ev unless an event with the same id is already present.
	// It reports whether a row was written.
	Record(ctx context.Context, ev settlement.Event) (bool, error)
	// History lists an invoice's events newest first.
	History(ctx context.Context, invoiceID string, limit int) ([]settlement.Event, error)
}

// Publisher writes events straight to a Store. The portal uses it when the
// journal is configured but no Kafka bus is.
type Publisher struct {
	Store Store
}

func (p Publisher) Publish(ctx context.Context, ev settlement.Event) error {
	_, err := p.Store.Record(ctx, ev)
	return err
}

type Memory struct {
	mu     sync.Mutex
	events []settlement.Event
	seen   map[string]bool
}

func NewMemory() *Memory {
	return &Memory{seen: map[string]bool{}}
}

func (m *Memory) Record(_ context.Context, ev settlement.Event) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[ev.EventID] {
		return false, nil
	}
	m.seen[ev.EventID] = true
	m.events = append(m.events, ev)
	return true, nil
}

func (m *Memory) History(_ context.Context, invoiceID string, limit int) ([]settlement.Event, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []settlement.Event
	for _, ev := range m.events {
		if ev.InvoiceID == invoiceID {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
