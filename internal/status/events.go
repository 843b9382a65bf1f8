package status

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/medinvest/medsync/internal/action"
	"github.com/medinvest/medsync/internal/engine"
)

// WSEvent is one frame pushed to /api/events subscribers.
//
// Every frame carries the current QueueStatus. "hello" and "queue"
// frames additionally carry the full queue snapshot; "sync" frames
// carry the engine event that fired.
type WSEvent struct {
	Type   string                `json:"type"` // "hello", "queue", "connectivity", "sync"
	Status engine.QueueStatus    `json:"status"`
	Queue  []action.QueuedAction `json:"queue,omitempty"`
	Event  *engine.Event         `json:"event,omitempty"`
}

// handleEvents upgrades to a WebSocket and streams queue and
// connectivity changes until the client disconnects.
//
// Flow:
//  1. Accept the WebSocket upgrade.
//  2. Subscribe to queue snapshots, sync events, and connectivity.
//  3. Send a "hello" frame with the current state.
//  4. Writer loop: forward buffered events until the client goes away.
//
// Subscription callbacks fire on engine goroutines and must not block,
// so frames are handed to the writer through a buffered channel and
// dropped when the client cannot keep up. Every frame carries full
// current status, so a dropped frame is made up for by the next one.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // accept any Origin, the server binds to loopback
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream ended")

	s.logger.Debug("event stream connected", "remote", r.RemoteAddr)

	events := make(chan WSEvent, 16)
	push := func(ev WSEvent) {
		select {
		case events <- ev:
		default:
		}
	}

	unsubQueue := s.engine.Subscribe(func(snapshot []action.QueuedAction) {
		push(WSEvent{Type: "queue", Status: s.engine.Status(), Queue: snapshot})
	})
	defer unsubQueue()

	unsubEvents := s.engine.SubscribeEvents(func(ev engine.Event) {
		push(WSEvent{Type: "sync", Status: s.engine.Status(), Event: &ev})
	})
	defer unsubEvents()

	unsubNet := s.network.Subscribe(func(online bool) {
		push(WSEvent{Type: "connectivity", Status: s.engine.Status()})
	})
	defer unsubNet()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Read loop in the background so a client close ends the stream.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	hello := WSEvent{Type: "hello", Status: s.engine.Status(), Queue: s.engine.Queue()}
	if err := s.writeEvent(ctx, conn, hello); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if err := s.writeEvent(ctx, conn, ev); err != nil {
				s.logger.Debug("event stream ended", "error", err)
				return
			}
		}
	}
}

// writeEvent sends one frame with a write deadline.
func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, ev WSEvent) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(writeCtx, conn, ev)
}
