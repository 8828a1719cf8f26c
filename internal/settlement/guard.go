package settlement

import (
	"sync"

	"github.com/example/coursefee-portal/internal/gateway"
)

// Guard lets exactly one caller move a payment attempt into a terminal state.
// Every poller and the card fast path report through the same Guard.
type Guard struct {
	mu      sync.Mutex
	settled bool
	status  gateway.SettlementStatus
	source  string
}

// Settle records status if the attempt has not settled yet and reports
// whether this call won. Non-terminal statuses never win.
func (g *Guard) Settle(status gateway.SettlementStatus, source string) bool {
	if !status.Terminal() {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.settled {
		return false
	}
	g.settled, g.status, g.source = true, status, source
	return true
}

// Outcome returns the winning status and its source, if any.
func (g *Guard) Outcome() (gateway.SettlementStatus, string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status, g.source, g.settled
}
