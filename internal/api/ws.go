package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/langbot-app/LangBot/internal/pipeline"
	"github.com/langbot-app/LangBot/internal/platform/webchat"
	"github.com/langbot-app/LangBot/pkg/message"
)

// WebSocket error codes surfaced to the debug console.
const (
	wsErrInvalidHandshake   = "INVALID_HANDSHAKE"
	wsErrInvalidSessionType = "INVALID_SESSION_TYPE"
	wsErrMissingToken       = "MISSING_TOKEN"
	wsErrUnauthorized       = "UNAUTHORIZED"
	wsErrAuthError          = "AUTH_ERROR"
	wsErrInvalidRequest     = "INVALID_REQUEST"
	wsErrUnknownEvent       = "UNKNOWN_EVENT"
	wsErrInternal           = "INTERNAL_ERROR"
)

type wsClientEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type wsServerEvent struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type wsConnectData struct {
	SessionType string `json:"session_type"`
	Token       string `json:"token"`
}

type wsSendData struct {
	Message message.MessageChain `json:"message"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The console is served from the same origin in production; the
	// debug surface carries its own token auth.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	pipelineUUID := r.PathValue("uuid")

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sessionType, ok := s.wsHandshake(conn, pipelineUUID)
	if !ok {
		return
	}

	c := &wsConn{
		conn:    conn,
		key:     poolKey(pipelineUUID, sessionType),
		session: sessionType,
	}
	c.touch()
	s.wsPool.add(c)
	defer s.wsPool.remove(c)

	s.wsLoop(r, c, pipelineUUID)
}

// wsHandshake reads and validates the mandatory connect event. On
// failure it emits an error event and closes with 1008.
func (s *Server) wsHandshake(conn *websocket.Conn, pipelineUUID string) (string, bool) {
	fail := func(code, msg string) {
		_ = conn.WriteJSON(wsServerEvent{Type: "error", Data: map[string]string{
			"error_code": code,
			"message":    msg,
		}})
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}

	var ev wsClientEvent
	if err := conn.ReadJSON(&ev); err != nil || ev.Type != "connect" {
		fail(wsErrInvalidHandshake, "first event must be connect")
		return "", false
	}
	var data wsConnectData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		fail(wsErrInvalidHandshake, "malformed connect data")
		return "", false
	}
	if data.SessionType != webchat.SessionPerson && data.SessionType != webchat.SessionGroup {
		fail(wsErrInvalidSessionType, "session_type must be person or group")
		return "", false
	}
	if data.Token == "" {
		fail(wsErrMissingToken, "token required")
		return "", false
	}
	if _, err := s.tokens.Validate(data.Token); err != nil {
		fail(wsErrUnauthorized, "token rejected")
		return "", false
	}

	err := conn.WriteJSON(wsServerEvent{Type: "connected", Data: map[string]string{
		"connection_id": uuid.NewString(),
		"session_type":  data.SessionType,
		"pipeline_uuid": pipelineUUID,
	}})
	if err != nil {
		_ = conn.Close()
		return "", false
	}
	return data.SessionType, true
}

func (s *Server) wsLoop(r *http.Request, c *wsConn, pipelineUUID string) {
	for {
		var ev wsClientEvent
		if err := c.conn.ReadJSON(&ev); err != nil {
			_ = c.conn.Close()
			return
		}
		c.touch()

		switch ev.Type {
		case "send_message":
			s.wsSendMessage(r, c, pipelineUUID, ev.Data)
		case "load_history":
			s.wsLoadHistory(c)
		case "interrupt":
			s.wsInterrupt(c)
		case "ping":
			s.wsWrite(c, wsServerEvent{Type: "pong"})
		default:
			s.wsError(c, wsErrUnknownEvent, "unknown event type: "+ev.Type)
		}
	}
}

func (s *Server) wsSendMessage(r *http.Request, c *wsConn, pipelineUUID string, raw json.RawMessage) {
	var data wsSendData
	if err := json.Unmarshal(raw, &data); err != nil || len(data.Message) == 0 {
		s.wsError(c, wsErrInvalidRequest, "send_message requires a message chain")
		return
	}

	reply, err := s.webchat.SendDebugMessage(r.Context(), pipelineUUID, c.session, data.Message)
	if err != nil {
		s.wsError(c, wsErrInternal, err.Error())
		return
	}

	event := wsServerEvent{Type: "message_sent", Data: map[string]any{
		"message": reply,
	}}
	s.wsWrite(c, event)
	s.wsPool.broadcast(c.key, c, event)
}

func (s *Server) wsLoadHistory(c *wsConn) {
	history, err := s.webchat.History(c.session)
	if err != nil {
		s.wsError(c, wsErrInternal, err.Error())
		return
	}
	if history == nil {
		history = []webchat.Message{}
	}
	s.wsWrite(c, wsServerEvent{Type: "history", Data: map[string]any{
		"messages": history,
	}})
}

// wsInterrupt requests cancellation of every in-flight query belonging
// to this debug session.
func (s *Server) wsInterrupt(c *wsConn) {
	launcherID := "webchat" + c.session

	var ids []uint64
	if s.pool != nil {
		s.pool.Each(func(q *pipeline.Query) {
			if q.LauncherID == launcherID {
				ids = append(ids, q.QueryID)
			}
		})
		for _, id := range ids {
			s.pool.Interrupt(id)
		}
	}

	s.wsWrite(c, wsServerEvent{Type: "interrupted", Data: map[string]any{
		"count": len(ids),
	}})
}

func (s *Server) wsError(c *wsConn, code, msg string) {
	s.wsWrite(c, wsServerEvent{Type: "error", Data: map[string]string{
		"error_code": code,
		"message":    msg,
	}})
}

func (s *Server) wsWrite(c *wsConn, event wsServerEvent) {
	if err := c.writeJSON(event); err != nil && s.logger != nil {
		s.logger.Warn(context.Background(), "ws write failed", "key", c.key, "error", err)
	}
}
