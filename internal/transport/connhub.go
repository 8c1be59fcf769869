package transport

import (
	"context"
	"sync"
	"time"
)

// wsConn is the minimal surface connHub needs from a live WebSocket
// connection, so fan-out and sweeping can be exercised without a real
// socket.
type wsConn interface {
	// writeJSON sends one frame. A non-nil error means the connection is
	// dead and should be dropped rather than retried.
	writeJSON(v any) error
	// close sends a normal-closure frame and tears down the connection,
	// used when draining the registry on shutdown.
	close()
}

type hubEntry struct {
	conn     wsConn
	lastSeen time.Time
}

// connHub fans a session's chunk stream out to every WebSocket connection
// subscribed to it, and drops connections that go quiet or fail to write.
// Grounded on the teacher's rate limiter registry discipline: grow lazily,
// sweep stale entries on a timer rather than synchronously on every access.
type connHub struct {
	idleTimeout time.Duration

	mu    sync.Mutex
	conns map[string]map[wsConn]*hubEntry // sessionID -> set of connections
}

func newConnHub(idleTimeout time.Duration) *connHub {
	return &connHub{
		idleTimeout: idleTimeout,
		conns:       make(map[string]map[wsConn]*hubEntry),
	}
}

func (h *connHub) register(sessionID string, c wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	byConn, ok := h.conns[sessionID]
	if !ok {
		byConn = make(map[wsConn]*hubEntry)
		h.conns[sessionID] = byConn
	}
	byConn[c] = &hubEntry{conn: c, lastSeen: time.Now()}
}

func (h *connHub) unregister(sessionID string, c wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	byConn, ok := h.conns[sessionID]
	if !ok {
		return
	}
	delete(byConn, c)
	if len(byConn) == 0 {
		delete(h.conns, sessionID)
	}
}

// touch records activity on c so the idle sweep leaves it alone.
func (h *connHub) touch(sessionID string, c wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if byConn, ok := h.conns[sessionID]; ok {
		if e, ok := byConn[c]; ok {
			e.lastSeen = time.Now()
		}
	}
}

// broadcast fans v out to every connection subscribed to sessionID. A
// connection whose write fails is dropped immediately rather than retried --
// a slow or dead client must never stall the orchestrator's drain loop.
func (h *connHub) broadcast(sessionID string, v any) {
	h.mu.Lock()
	byConn, ok := h.conns[sessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	targets := make([]wsConn, 0, len(byConn))
	for c := range byConn {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	var dead []wsConn
	for _, c := range targets {
		if err := c.writeJSON(v); err != nil {
			dead = append(dead, c)
			continue
		}
		h.touch(sessionID, c)
	}
	for _, c := range dead {
		h.unregister(sessionID, c)
	}
}

// closeAll sends a normal-closure frame to every registered connection and
// empties the registry. Used during graceful shutdown, before the rest of
// the process tears down, so clients get a clean close instead of a dropped
// TCP connection.
func (h *connHub) closeAll() {
	h.mu.Lock()
	var targets []wsConn
	for _, byConn := range h.conns {
		for c := range byConn {
			targets = append(targets, c)
		}
	}
	h.conns = make(map[string]map[wsConn]*hubEntry)
	h.mu.Unlock()

	for _, c := range targets {
		c.close()
	}
}

// sweepLoop periodically drops connections idle past idleTimeout. It runs
// for the lifetime of the process; cancel ctx to stop it (used in tests).
func (h *connHub) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(h.idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweepOnce(time.Now())
		}
	}
}

func (h *connHub) sweepOnce(now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	evicted := 0
	for sessionID, byConn := range h.conns {
		for c, e := range byConn {
			if now.Sub(e.lastSeen) > h.idleTimeout {
				delete(byConn, c)
				evicted++
			}
		}
		if len(byConn) == 0 {
			delete(h.conns, sessionID)
		}
	}
	return evicted
}
