package flow

import "sync"

type key struct {
	sessionID string
	invoiceID string
}

// Registry holds the live orchestrators of a process, one per session and
// invoice. Flows of different invoices never share state.
type Registry struct {
	mu    sync.Mutex
	flows map[key]*Orchestrator
}

func NewRegistry() *Registry {
	return &Registry{flows: map[key]*Orchestrator{}}
}

// Open returns the live flow for (sessionID, invoiceID), building one with
// build when there is none or the previous one is closed. created reports
// whether build was used.
func (r *Registry) Open(sessionID, invoiceID string, build func() *Orchestrator) (o *Orchestrator, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{sessionID, invoiceID}
	if cur, ok := r.flows[k]; ok && cur.Snapshot().State != Closed {
		return cur, false
	}
	o = build()
	r.flows[k] = o
	return o, true
}

func (r *Registry) Get(sessionID, invoiceID string) (*Orchestrator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.flows[key{sessionID, invoiceID}]
	return o, ok
}

// Remove drops the flow if it is still o and reports whether it did.
func (r *Registry) Remove(sessionID string, o *Orchestrator) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{sessionID, o.InvoiceID()}
	if r.flows[k] != o {
		return false
	}
	delete(r.flows, k)
	return true
}

// CloseSession closes and forgets every flow of sessionID.
func (r *Registry) CloseSession(sessionID string) int {
	r.mu.Lock()
	var closing []*Orchestrator
	for k, o := range r.flows {
		if k.sessionID == sessionID {
			closing = append(closing, o)
			delete(r.flows, k)
		}
	}
	r.mu.Unlock()
	for _, o := range closing {
		o.Close()
	}
	return len(closing)
}

// CloseAll is used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := r.flows
	r.flows = map[key]*Orchestrator{}
	r.mu.Unlock()
	for _, o := range all {
		o.Close()
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flows)
}
