// services/portal/handlers/feed.go
package handlers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/example/coursefee-portal/internal/flow"
	"github.com/example/coursefee-portal/internal/shell"
)

const subscriberBuffer = 16

// Feed observes one orchestrator. It keeps the notices not yet returned over
// HTTP and fans every change out to websocket subscribers.
type Feed struct {
	opts shell.Options
	log  *slog.Logger

	mu      sync.Mutex
	notices []flow.Notice
	nav     *flow.Navigation
	subs    map[chan Event]struct{}
	// active is the last time the flow changed or a client read it.
	active time.Time
}

func newFeed(opts shell.Options, log *slog.Logger) *Feed {
	return &Feed{opts: opts, log: log, subs: map[chan Event]struct{}{}, active: time.Now()}
}

func (f *Feed) touch() {
	f.mu.Lock()
	f.active = time.Now()
	f.mu.Unlock()
}

func (f *Feed) lastActive() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *Feed) StateChanged(s flow.Snapshot) {
	f.touch()
	v := shell.Build(s, f.opts)
	f.broadcast(Event{Type: EventView, View: &v})
}

func (f *Feed) Notify(n flow.Notice) {
	f.mu.Lock()
	f.notices = append(f.notices, n)
	f.mu.Unlock()
	f.broadcast(Event{Type: EventNotice, Notice: &n})
}

func (f *Feed) Navigate(n flow.Navigation) {
	f.mu.Lock()
	f.nav = &n
	f.mu.Unlock()
	f.broadcast(Event{Type: EventNavigate, Navigation: &n})
}

// take drains pending notices and returns the last navigation, if any.
func (f *Feed) take() ([]flow.Notice, *flow.Navigation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.notices
	f.notices = nil
	f.active = time.Now()
	return n, f.nav
}

func (f *Feed) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.subs[ch]; ok {
			delete(f.subs, ch)
			close(ch)
		}
	}
}

// broadcast drops subscribers that cannot keep up.
func (f *Feed) broadcast(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- ev:
		default:
			f.log.Warn("dropping slow flow subscriber", "type", ev.Type)
			delete(f.subs, ch)
			close(ch)
		}
	}
}

// closeAll ends every subscription once the flow is gone.
func (f *Feed) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		delete(f.subs, ch)
		close(ch)
	}
}
