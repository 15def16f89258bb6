// Package plugin speaks the WS-JSON RPC protocol to the external plugin
// runtime. The connector owns one persistent connection, multiplexes
// request/response pairs over it by sequence number, and answers the
// runtime's own verbs on the same connection through a Handler.
package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/langbot-app/LangBot/internal/observability"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsWriteWait       = 10 * time.Second
	wsDialTimeout     = 10 * time.Second
)

// Per-verb deadlines. Unlisted verbs get the schema timeout.
const (
	timeoutPing   = 10 * time.Second
	timeoutSchema = 30 * time.Second
	timeoutInvoke = 180 * time.Second
	timeoutIngest = 300 * time.Second
)

var ErrDisconnected = errors.New("plugin runtime disconnected")

// ActionResponse is the runtime's reply to one action. A non-zero code
// is an error at the connector boundary.
type ActionResponse struct {
	Code    int            `json:"code"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// RuntimeError carries a non-zero ActionResponse code.
type RuntimeError struct {
	Action  string
	Code    int
	Message string
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("plugin runtime: %s failed with code %d: %s", e.Action, e.Code, e.Message)
}

// frame is the wire shape in both directions. req carries Action+Data;
// res and chunk carry Code/Message/Data; end closes a generator.
type frame struct {
	Seq     uint64          `json:"seq"`
	Type    string          `json:"type"` // req, res, chunk, end
	Action  string          `json:"action,omitempty"`
	Code    int             `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Connector dials the plugin runtime lazily and reconnects on the next
// call after a transport failure. In-flight verbs fail on disconnect.
type Connector struct {
	url     string
	handler *Handler
	logger  *observability.Logger

	seq atomic.Uint64

	mu   sync.Mutex // guards conn and dialing
	conn *websocket.Conn

	pendMu  sync.Mutex
	pending map[uint64]chan *frame
}

// NewConnector creates a connector for the runtime at url. handler may
// be nil when the platform does not serve runtime verbs (tests).
func NewConnector(url string, handler *Handler, logger *observability.Logger) *Connector {
	return &Connector{
		url:     url,
		handler: handler,
		logger:  logger,
		pending: make(map[uint64]chan *frame),
	}
}

// Call sends one action and waits for its response, bounded by the
// verb's deadline.
func (c *Connector) Call(ctx context.Context, action string, data map[string]any) (map[string]any, error) {
	ch, seq, err := c.send(ctx, action, data)
	if err != nil {
		return nil, err
	}
	defer c.unregister(seq)

	ctx, cancel := context.WithTimeout(ctx, verbTimeout(action))
	defer cancel()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("plugin runtime: %s: %w", action, ctx.Err())
	case f, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("plugin runtime: %s: %w", action, ErrDisconnected)
		}
		return decodeResponse(action, f)
	}
}

// CallGenerator sends one action and feeds each streamed chunk to
// onChunk until the runtime closes the stream. The verb deadline covers
// the whole stream.
func (c *Connector) CallGenerator(ctx context.Context, action string, data map[string]any, onChunk func(map[string]any) error) error {
	ch, seq, err := c.send(ctx, action, data)
	if err != nil {
		return err
	}
	defer c.unregister(seq)

	ctx, cancel := context.WithTimeout(ctx, verbTimeout(action))
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("plugin runtime: %s: %w", action, ctx.Err())
		case f, ok := <-ch:
			if !ok {
				return fmt.Errorf("plugin runtime: %s: %w", action, ErrDisconnected)
			}
			switch f.Type {
			case "end":
				return nil
			case "chunk", "res":
				payload, err := decodeResponse(action, f)
				if err != nil {
					return err
				}
				if err := onChunk(payload); err != nil {
					return err
				}
				if f.Type == "res" {
					return nil
				}
			default:
				return fmt.Errorf("plugin runtime: %s: unexpected frame type %q", action, f.Type)
			}
		}
	}
}

// Close shuts the connection down. Subsequent calls redial.
func (c *Connector) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Connector) send(ctx context.Context, action string, data map[string]any) (chan *frame, uint64, error) {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return nil, 0, err
	}

	seq := c.seq.Add(1)
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, 0, fmt.Errorf("plugin runtime: encode %s: %w", action, err)
	}

	ch := make(chan *frame, 8)
	c.pendMu.Lock()
	c.pending[seq] = ch
	c.pendMu.Unlock()

	if err := c.write(conn, &frame{Seq: seq, Type: "req", Action: action, Data: payload}); err != nil {
		c.unregister(seq)
		c.dropConn(conn)
		return nil, 0, fmt.Errorf("plugin runtime: send %s: %w", action, err)
	}
	return ch, seq, nil
}

func (c *Connector) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, wsDialTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("plugin runtime: dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(wsMaxPayloadBytes)
	c.conn = conn
	go c.readLoop(conn)
	if c.logger != nil {
		c.logger.Info(context.Background(), "plugin runtime connected", "url", c.url)
	}
	return conn, nil
}

func (c *Connector) write(conn *websocket.Conn, f *frame) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	// gorilla allows one concurrent writer; serialize under the conn
	// mutex.
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *Connector) readLoop(conn *websocket.Conn) {
	defer c.dropConn(conn)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			if c.logger != nil {
				c.logger.Warn(context.Background(), "plugin runtime sent invalid frame", "error", err)
			}
			continue
		}

		if f.Type == "req" {
			go c.serveRuntimeVerb(conn, &f)
			continue
		}

		c.pendMu.Lock()
		ch, ok := c.pending[f.Seq]
		c.pendMu.Unlock()
		if !ok {
			continue
		}
		fc := f
		select {
		case ch <- &fc:
		default:
			if c.logger != nil {
				c.logger.Warn(context.Background(), "dropping frame for slow verb", "seq", f.Seq)
			}
		}
	}
}

// serveRuntimeVerb answers one runtime-initiated request.
func (c *Connector) serveRuntimeVerb(conn *websocket.Conn, f *frame) {
	resp := &frame{Seq: f.Seq, Type: "res"}
	if c.handler == nil {
		resp.Code = 1
		resp.Message = "no handler registered"
	} else {
		var data map[string]any
		if len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, &data); err != nil {
				resp.Code = 1
				resp.Message = fmt.Sprintf("invalid request data: %v", err)
				_ = c.write(conn, resp)
				return
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeoutSchema)
		result, err := c.handler.Handle(ctx, f.Action, data)
		cancel()
		if err != nil {
			resp.Code = 1
			resp.Message = err.Error()
		} else if result != nil {
			raw, merr := json.Marshal(result)
			if merr != nil {
				resp.Code = 1
				resp.Message = merr.Error()
			} else {
				resp.Data = raw
			}
		}
	}
	if err := c.write(conn, resp); err != nil && c.logger != nil {
		c.logger.Warn(context.Background(), "runtime verb response write failed", "action", f.Action, "error", err)
	}
}

// dropConn tears the connection down and fails every in-flight verb.
func (c *Connector) dropConn(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()

	c.pendMu.Lock()
	for seq, ch := range c.pending {
		close(ch)
		delete(c.pending, seq)
	}
	c.pendMu.Unlock()
}

func (c *Connector) unregister(seq uint64) {
	c.pendMu.Lock()
	delete(c.pending, seq)
	c.pendMu.Unlock()
}

func decodeResponse(action string, f *frame) (map[string]any, error) {
	if f.Code != 0 {
		return nil, &RuntimeError{Action: action, Code: f.Code, Message: f.Message}
	}
	if len(f.Data) == 0 {
		return map[string]any{}, nil
	}
	var data map[string]any
	if err := json.Unmarshal(f.Data, &data); err != nil {
		return nil, fmt.Errorf("plugin runtime: decode %s response: %w", action, err)
	}
	return data, nil
}

func verbTimeout(action string) time.Duration {
	switch action {
	case "ping":
		return timeoutPing
	case "emit_event", "call_tool", "invoke_llm", "retrieve_knowledge", "rag_retrieve":
		return timeoutInvoke
	case "rag_ingest", "install_plugin", "upgrade_plugin":
		return timeoutIngest
	default:
		return timeoutSchema
	}
}
