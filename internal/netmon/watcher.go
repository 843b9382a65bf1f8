package netmon

import (
	"context"
	"math/rand"
	"time"

	"github.com/coder/websocket"
)

const (
	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
)

// watchLoop holds a WebSocket open against the backend. A live
// connection forces online; a failed dial or dropped connection forces
// offline and schedules a reconnect with doubling, jittered backoff.
func (m *Monitor) watchLoop(ctx context.Context) {
	defer m.wg.Done()

	delay := reconnectBase
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		connected := m.watchOnce(ctx)

		// A shutdown tears the connection down too; that is not a
		// connectivity transition.
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if connected {
			delay = reconnectBase
		}
		m.SetOnline(false)

		wait := delay + time.Duration(rand.Int63n(int64(delay)/2+1))
		if delay *= 2; delay > reconnectMax {
			delay = reconnectMax
		}
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// watchOnce dials the watch endpoint and blocks until the connection
// drops. Returns true if a connection was established at all, so the
// caller can reset its backoff.
func (m *Monitor) watchOnce(ctx context.Context) bool {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	conn, _, err := websocket.Dial(dialCtx, m.cfg.WatchURL, nil)
	cancel()
	if err != nil {
		m.logger.Debug("watch dial failed", "error", err)
		return false
	}
	defer conn.Close(websocket.StatusNormalClosure, "watcher stopped")

	m.SetOnline(true)
	m.logger.Debug("watch connected", "url", m.cfg.WatchURL)

	// The read loop only exists to notice the connection dropping;
	// frames from the server are discarded.
	readCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-m.stopCh:
			stop()
		case <-readCtx.Done():
		}
	}()

	for {
		if _, _, err := conn.Read(readCtx); err != nil {
			m.logger.Debug("watch connection ended", "error", err)
			return true
		}
	}
}
