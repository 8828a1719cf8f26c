package settlement

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/coursefee-portal/internal/gateway"
)

type scripted struct {
	mu    sync.Mutex
	seq   []gateway.SettlementStatus
	errAt map[int]bool
	calls int
}

func (s *scripted) CheckStatus(_ context.Context, _ string) (gateway.SettlementStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.errAt[s.calls] {
		return gateway.Pending, errors.New("boom")
	}
	if len(s.seq) == 0 {
		return gateway.Pending, nil
	}
	i := s.calls - 1
	if i >= len(s.seq) {
		i = len(s.seq) - 1
	}
	return s.seq[i], nil
}

func TestRunStopsOnSuccess(t *testing.T) {
	c := &scripted{seq: []gateway.SettlementStatus{gateway.Pending, gateway.Success}}
	res, err := Poller{Checker: c, InvoiceID: "INV-1", Interval: time.Millisecond, MaxPolls: 10}.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, gateway.Success, res.Status)
	assert.Equal(t, 2, res.Polls)
	assert.False(t, res.Exhausted)
}

func TestRunExhaustsAfterMaxPolls(t *testing.T) {
	c := &scripted{}
	res, err := Poller{Checker: c, Interval: time.Millisecond, MaxPolls: 10}.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Exhausted)
	assert.Equal(t, gateway.Pending, res.Status)
	assert.Equal(t, 10, c.calls)
}

func TestRunTreatsErrorsAsPending(t *testing.T) {
	c := &scripted{seq: []gateway.SettlementStatus{gateway.Pending, gateway.Pending, gateway.Failed}, errAt: map[int]bool{1: true, 2: true}}
	res, err := Poller{Checker: c, Interval: time.Millisecond, MaxPolls: 10}.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, gateway.Failed, res.Status)
	assert.Equal(t, 3, res.Polls)
}

func TestStopSuppressesReport(t *testing.T) {
	var reported atomic.Bool
	task := Start(context.Background(), Poller{Checker: &scripted{}, Interval: 5 * time.Millisecond}, func(Result) {
		reported.Store(true)
	})
	task.Stop()
	select {
	case <-task.Done():
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
	assert.False(t, reported.Load())
}

func TestStartReportsResult(t *testing.T) {
	got := make(chan Result, 1)
	Start(context.Background(), Poller{
		Checker:  &scripted{seq: []gateway.SettlementStatus{gateway.Success}},
		Interval: time.Millisecond,
	}, func(r Result) { got <- r })

	select {
	case r := <-got:
		assert.Equal(t, gateway.Success, r.Status)
	case <-time.After(time.Second):
		t.Fatal("no result")
	}
}

func TestGuardSettlesOnce(t *testing.T) {
	var g Guard
	assert.False(t, g.Settle(gateway.Pending, "poll"))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st := gateway.Success
			if i%2 == 1 {
				st = gateway.Failed
			}
			if g.Settle(st, "poll") {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())
	_, _, ok := g.Outcome()
	assert.True(t, ok)
}
