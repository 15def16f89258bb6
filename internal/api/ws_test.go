package api

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/langbot-app/LangBot/internal/pipeline"
)

type wsTestEvent struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func dialWS(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/pipelines/p1/chat/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, eventType string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteJSON(map[string]any{"type": eventType, "data": json.RawMessage(raw)}); err != nil {
		t.Fatalf("write %s: %v", eventType, err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) wsTestEvent {
	t.Helper()
	var ev wsTestEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	return ev
}

func connect(t *testing.T, s *Server, conn *websocket.Conn, sessionType string) wsTestEvent {
	t.Helper()
	token, err := s.tokens.Issue("debug-user", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	sendEvent(t, conn, "connect", map[string]string{"session_type": sessionType, "token": token})
	return readEvent(t, conn)
}

func TestWSHandshakeAndEcho(t *testing.T) {
	s, _ := newTestServer(t)
	conn := dialWS(t, s)

	ev := connect(t, s, conn, "person")
	if ev.Type != "connected" {
		t.Fatalf("handshake reply = %+v", ev)
	}
	if ev.Data["session_type"] != "person" || ev.Data["pipeline_uuid"] != "p1" {
		t.Fatalf("connected data = %+v", ev.Data)
	}
	if id, ok := ev.Data["connection_id"].(string); !ok || id == "" {
		t.Fatal("connection_id missing")
	}

	sendEvent(t, conn, "send_message", map[string]any{
		"message": []map[string]any{{"type": "Plain", "text": "hi"}},
	})
	reply := readEvent(t, conn)
	if reply.Type != "message_sent" {
		t.Fatalf("reply = %+v", reply)
	}
	msg, ok := reply.Data["message"].(map[string]any)
	if !ok || msg["content"] != "echo: hi" {
		t.Fatalf("message = %+v", reply.Data["message"])
	}
}

func TestWSHandshakeRejectsBadToken(t *testing.T) {
	s, _ := newTestServer(t)
	conn := dialWS(t, s)

	sendEvent(t, conn, "connect", map[string]string{"session_type": "person", "token": "not-a-token"})
	ev := readEvent(t, conn)
	if ev.Type != "error" || ev.Data["error_code"] != wsErrUnauthorized {
		t.Fatalf("ev = %+v", ev)
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("connection still open after rejected handshake")
	}
}

func TestWSHandshakeMissingToken(t *testing.T) {
	s, _ := newTestServer(t)
	conn := dialWS(t, s)

	sendEvent(t, conn, "connect", map[string]string{"session_type": "person"})
	ev := readEvent(t, conn)
	if ev.Type != "error" || ev.Data["error_code"] != wsErrMissingToken {
		t.Fatalf("ev = %+v", ev)
	}
}

func TestWSHandshakeInvalidSessionType(t *testing.T) {
	s, _ := newTestServer(t)
	conn := dialWS(t, s)

	sendEvent(t, conn, "connect", map[string]string{"session_type": "channel", "token": "x"})
	ev := readEvent(t, conn)
	if ev.Type != "error" || ev.Data["error_code"] != wsErrInvalidSessionType {
		t.Fatalf("ev = %+v", ev)
	}
}

func TestWSHandshakeRequiresConnectFirst(t *testing.T) {
	s, _ := newTestServer(t)
	conn := dialWS(t, s)

	sendEvent(t, conn, "ping", map[string]string{})
	ev := readEvent(t, conn)
	if ev.Type != "error" || ev.Data["error_code"] != wsErrInvalidHandshake {
		t.Fatalf("ev = %+v", ev)
	}
}

func TestWSPingPong(t *testing.T) {
	s, _ := newTestServer(t)
	conn := dialWS(t, s)
	connect(t, s, conn, "person")

	sendEvent(t, conn, "ping", map[string]string{})
	if ev := readEvent(t, conn); ev.Type != "pong" {
		t.Fatalf("ev = %+v", ev)
	}
}

func TestWSUnknownEvent(t *testing.T) {
	s, _ := newTestServer(t)
	conn := dialWS(t, s)
	connect(t, s, conn, "person")

	sendEvent(t, conn, "bogus", map[string]string{})
	ev := readEvent(t, conn)
	if ev.Type != "error" || ev.Data["error_code"] != wsErrUnknownEvent {
		t.Fatalf("ev = %+v", ev)
	}
}

func TestWSLoadHistory(t *testing.T) {
	s, _ := newTestServer(t)
	conn := dialWS(t, s)
	connect(t, s, conn, "person")

	sendEvent(t, conn, "send_message", map[string]any{
		"message": []map[string]any{{"type": "Plain", "text": "hi"}},
	})
	readEvent(t, conn)

	sendEvent(t, conn, "load_history", map[string]string{})
	ev := readEvent(t, conn)
	if ev.Type != "history" {
		t.Fatalf("ev = %+v", ev)
	}
	msgs, ok := ev.Data["messages"].([]any)
	if !ok || len(msgs) != 2 {
		t.Fatalf("messages = %+v", ev.Data["messages"])
	}
}

func TestWSInterruptEmptyPool(t *testing.T) {
	s, _ := newTestServer(t)
	conn := dialWS(t, s)
	connect(t, s, conn, "person")

	sendEvent(t, conn, "interrupt", map[string]string{})
	ev := readEvent(t, conn)
	if ev.Type != "interrupted" {
		t.Fatalf("ev = %+v", ev)
	}
	if count, ok := ev.Data["count"].(float64); !ok || count != 0 {
		t.Fatalf("count = %+v", ev.Data["count"])
	}
}

func TestWSBroadcastReachesPeers(t *testing.T) {
	s, _ := newTestServer(t)

	sender := dialWS(t, s)
	connect(t, s, sender, "person")
	peerA := dialWS(t, s)
	connect(t, s, peerA, "person")
	peerB := dialWS(t, s)
	connect(t, s, peerB, "person")
	groupPeer := dialWS(t, s)
	connect(t, s, groupPeer, "group")

	sendEvent(t, sender, "send_message", map[string]any{
		"message": []map[string]any{{"type": "Plain", "text": "hi"}},
	})
	if ev := readEvent(t, sender); ev.Type != "message_sent" {
		t.Fatalf("sender reply = %+v", ev)
	}

	for name, peer := range map[string]*websocket.Conn{"peerA": peerA, "peerB": peerB} {
		ev := readEvent(t, peer)
		if ev.Type != "message_sent" {
			t.Fatalf("%s got %+v", name, ev)
		}
		msg, ok := ev.Data["message"].(map[string]any)
		if !ok || msg["content"] != "echo: hi" {
			t.Fatalf("%s message = %+v", name, ev.Data["message"])
		}
	}

	// The group session shares the pipeline but not the broadcast key;
	// its next read is the pong, not a stray message_sent.
	sendEvent(t, groupPeer, "ping", map[string]string{})
	if ev := readEvent(t, groupPeer); ev.Type != "pong" {
		t.Fatalf("group peer got %+v", ev)
	}
}

func newWebchatQuery(s *Server, launcherID string) *pipeline.Query {
	q := &pipeline.Query{
		QueryID:    s.pool.NextID(),
		LauncherID: launcherID,
	}
	s.pool.Add(q)
	return q
}

func TestWSInterruptMatchesSessionQueries(t *testing.T) {
	s, _ := newTestServer(t)

	q := newWebchatQuery(s, "webchatperson")
	other := newWebchatQuery(s, "webchatgroup")

	conn := dialWS(t, s)
	connect(t, s, conn, "person")

	sendEvent(t, conn, "interrupt", map[string]string{})
	ev := readEvent(t, conn)
	if count, _ := ev.Data["count"].(float64); count != 1 {
		t.Fatalf("count = %+v", ev.Data["count"])
	}
	if !s.pool.Interrupted(q.QueryID) {
		t.Fatal("person query not interrupted")
	}
	if s.pool.Interrupted(other.QueryID) {
		t.Fatal("group query interrupted")
	}
}
