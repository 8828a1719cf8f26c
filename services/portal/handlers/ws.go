// services/portal/handlers/ws.go
package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/coursefee-portal/internal/session"
	"github.com/example/coursefee-portal/internal/shell"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

func (a *API) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     a.originAllowed,
	}
}

func (a *API) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range a.d.Origins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// events streams the flow's view, notices and navigation. The first frame is
// always the current view.
func (a *API) events(w http.ResponseWriter, r *http.Request, s session.Session) {
	invoiceID := mux.Vars(r)["invoiceId"]
	o, ok := a.d.Flows.Get(s.ID, invoiceID)
	f := a.feed(feedKey{s.ID, invoiceID})
	if !ok || f == nil {
		writeErr(w, errNoFlow(), nil)
		return
	}

	up := a.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn("websocket upgrade failed", "invoice_id", invoiceID, "error", err)
		return
	}
	events, unsubscribe := f.Subscribe()
	defer unsubscribe()
	defer conn.Close()

	// Reads only detect the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					a.log.Debug("websocket closed", "invoice_id", invoiceID, "error", err)
				}
				return
			}
		}
	}()

	v := shell.Build(o.Snapshot(), a.d.Shell)
	if err := write(conn, Event{Type: EventView, View: &v}); err != nil {
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "flow closed"))
				return
			}
			if err := write(conn, ev); err != nil {
				a.log.Warn("websocket write failed", "invoice_id", invoiceID, "error", err)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func write(conn *websocket.Conn, ev Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(ev)
}
