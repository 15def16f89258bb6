package api

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"

	"github.com/langbot-app/LangBot/internal/observability"
)

// wsConn is one live debug console connection.
type wsConn struct {
	conn    *websocket.Conn
	key     string
	session string

	mu         sync.Mutex
	lastActive time.Time
}

func (c *wsConn) touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

func (c *wsConn) idleSince(cutoff time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive.Before(cutoff)
}

// writeJSON serializes writes; gorilla connections allow only one
// concurrent writer.
func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// writeJSONDeadline is writeJSON bounded by a write deadline so a
// stalled peer cannot hold the write mutex indefinitely.
func (c *wsConn) writeJSONDeadline(v any, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	err := c.conn.WriteJSON(v)
	_ = c.conn.SetWriteDeadline(time.Time{})
	return err
}

func (c *wsConn) close(code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	_ = c.conn.Close()
}

// wsPool tracks debug connections per pipeline and session type and
// sweeps out the stale ones.
type wsPool struct {
	logger       *observability.Logger
	staleTimeout time.Duration

	mu    sync.Mutex
	conns map[string]map[*wsConn]struct{}

	cron *cron.Cron
}

func newWSPool(logger *observability.Logger, staleTimeout time.Duration) *wsPool {
	if staleTimeout <= 0 {
		staleTimeout = 5 * time.Minute
	}
	return &wsPool{
		logger:       logger,
		staleTimeout: staleTimeout,
		conns:        make(map[string]map[*wsConn]struct{}),
	}
}

func poolKey(pipelineUUID, sessionType string) string {
	return pipelineUUID + ":" + sessionType
}

func (p *wsPool) add(c *wsConn) {
	p.mu.Lock()
	set, ok := p.conns[c.key]
	if !ok {
		set = make(map[*wsConn]struct{})
		p.conns[c.key] = set
	}
	set[c] = struct{}{}
	p.mu.Unlock()
}

func (p *wsPool) remove(c *wsConn) {
	p.mu.Lock()
	if set, ok := p.conns[c.key]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(p.conns, c.key)
		}
	}
	p.mu.Unlock()
}

// broadcastWriteWait bounds each per-connection broadcast send.
const broadcastWriteWait = 5 * time.Second

// broadcast sends an event to every connection of the key except skip.
// Sends run concurrently so one slow peer cannot stall the rest; each
// send carries a write deadline.
func (p *wsPool) broadcast(key string, skip *wsConn, event any) {
	p.mu.Lock()
	var targets []*wsConn
	for c := range p.conns[key] {
		if c != skip {
			targets = append(targets, c)
		}
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range targets {
		wg.Add(1)
		go func(c *wsConn) {
			defer wg.Done()
			if err := c.writeJSONDeadline(event, broadcastWriteWait); err != nil && p.logger != nil {
				p.logger.Warn(context.Background(), "ws broadcast failed", "key", c.key, "error", err)
			}
		}(c)
	}
	wg.Wait()
}

// startSweep schedules the stale-connection sweep.
func (p *wsPool) startSweep() {
	p.cron = cron.New()
	_, _ = p.cron.AddFunc("@every 1m", p.sweep)
	p.cron.Start()
}

func (p *wsPool) sweep() {
	cutoff := time.Now().Add(-p.staleTimeout)

	p.mu.Lock()
	var stale []*wsConn
	for _, set := range p.conns {
		for c := range set {
			if c.idleSince(cutoff) {
				stale = append(stale, c)
			}
		}
	}
	p.mu.Unlock()

	for _, c := range stale {
		if p.logger != nil {
			p.logger.Info(context.Background(), "closing stale ws connection", "key", c.key)
		}
		c.close(websocket.CloseNormalClosure, "stale connection")
		p.remove(c)
	}
}

// stop halts the sweep and closes every connection.
func (p *wsPool) stop() {
	if p.cron != nil {
		p.cron.Stop()
	}

	p.mu.Lock()
	var all []*wsConn
	for _, set := range p.conns {
		for c := range set {
			all = append(all, c)
		}
	}
	p.conns = make(map[string]map[*wsConn]struct{})
	p.mu.Unlock()

	for _, c := range all {
		c.close(websocket.CloseNormalClosure, "server shutting down")
	}
}
