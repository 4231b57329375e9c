package grid

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hazyhaar/cellgrid/kit"
	"github.com/hazyhaar/cellgrid/shield"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsRequest is a client message on /ws.
type wsRequest struct {
	Op     string `json:"op"` // "toggle" or "chunk"
	Index  int    `json:"index"`
	Offset int    `json:"offset"`
	Packed bool   `json:"packed,omitempty"`
}

// wsMessage is a server message on /ws. Type is one of registered, diffs,
// toggled, chunk, expired or error.
type wsMessage struct {
	Type         string        `json:"type"`
	Registration *Registration `json:"registration,omitempty"`
	Diffs        []Diff        `json:"diffs,omitempty"`
	Toggle       *ToggleResult `json:"toggle,omitempty"`
	Chunk        *Chunk        `json:"chunk,omitempty"`
	Status       *Status       `json:"status,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// serveWS registers one observer for the lifetime of the connection and
// pushes its diffs every poll interval. Toggles sent over the socket use
// that observer as the mutator.
func (g *Grid) serveWS(w http.ResponseWriter, r *http.Request) {
	logger := shield.GetLogger(r.Context())
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("grid: websocket upgrade", "error", err)
		return
	}
	defer ws.Close()

	reg := g.RegisterObserver()
	defer g.Unregister(reg.ObserverID)
	ctx := kit.WithObserverID(r.Context(), reg.ObserverID)
	ctx = kit.WithTransport(ctx, "ws")
	logger = logger.With("observer_id", reg.ObserverID)
	logger.Info("grid: websocket connected")
	defer logger.Info("grid: websocket closed")

	var writeMu sync.Mutex
	send := func(m *wsMessage) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return ws.WriteJSON(m)
	}
	if err := send(&wsMessage{Type: "registered", Registration: reg}); err != nil {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var req wsRequest
			if err := ws.ReadJSON(&req); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Debug("grid: websocket read", "error", err)
				}
				return
			}
			if err := send(g.wsHandle(ctx, req)); err != nil {
				return
			}
		}
	}()

	tick := time.NewTicker(g.cfg.HTTP.WSPollInterval)
	defer tick.Stop()
	for {
		select {
		case <-done:
			return
		case <-tick.C:
			p, err := g.PollDiffs(ctx, reg.ObserverID)
			if err != nil {
				logger.Warn("grid: websocket poll", "error", err)
				continue
			}
			if !p.Registered {
				send(&wsMessage{Type: "expired"})
				return
			}
			if len(p.Diffs) == 0 {
				continue
			}
			// Undelivered diffs are dropped with the observer.
			msg := &wsMessage{Type: "diffs", Diffs: p.Diffs, Status: g.statusOrNil(ctx)}
			if err := send(msg); err != nil {
				return
			}
		}
	}
}

func (g *Grid) wsHandle(ctx context.Context, req wsRequest) *wsMessage {
	switch req.Op {
	case "toggle":
		resp, err := g.endpoint.toggle(ctx, toggleRequest{Index: req.Index})
		if err != nil {
			return &wsMessage{Type: "error", Error: err.Error()}
		}
		return &wsMessage{Type: "toggled", Toggle: resp.(*ToggleResult)}
	case "chunk":
		resp, err := g.endpoint.chunk(ctx, chunkRequest{Offset: req.Offset, Packed: req.Packed})
		if err != nil {
			return &wsMessage{Type: "error", Error: err.Error()}
		}
		return &wsMessage{Type: "chunk", Chunk: resp.(*Chunk)}
	default:
		return &wsMessage{Type: "error", Error: "unknown op: " + req.Op}
	}
}
