package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/langbot-app/LangBot/internal/rag/knowledge"
)

func knowledgeRetrieveContext() knowledge.RetrieveContext {
	return knowledge.RetrieveContext{Query: "q", KBID: "kb-1", CollectionID: "kb-1", TopK: 5}
}

// fakeRuntime is an in-process plugin runtime: one handler function
// inspects each request frame and returns zero or more reply frames.
type fakeRuntime struct {
	t       *testing.T
	server  *httptest.Server
	handler func(f *frame) []*frame

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newFakeRuntime(t *testing.T, handler func(f *frame) []*frame) *fakeRuntime {
	t.Helper()
	rt := &fakeRuntime{t: t, handler: handler}
	upgrader := websocket.Upgrader{}
	rt.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		rt.mu.Lock()
		rt.conns = append(rt.conns, conn)
		rt.mu.Unlock()
		go rt.serve(conn)
	}))
	t.Cleanup(rt.server.Close)
	return rt
}

func (rt *fakeRuntime) serve(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			continue
		}
		for _, reply := range rt.handler(&f) {
			data, _ := json.Marshal(reply)
			rt.mu.Lock()
			err := conn.WriteMessage(websocket.TextMessage, data)
			rt.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (rt *fakeRuntime) url() string {
	return "ws" + strings.TrimPrefix(rt.server.URL, "http")
}

func (rt *fakeRuntime) dropConnections() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, conn := range rt.conns {
		conn.Close()
	}
	rt.conns = nil
}

func okFrame(seq uint64, data map[string]any) *frame {
	raw, _ := json.Marshal(data)
	return &frame{Seq: seq, Type: "res", Data: raw}
}

func TestCallRoundTrip(t *testing.T) {
	rt := newFakeRuntime(t, func(f *frame) []*frame {
		if f.Action != "ping" {
			t.Errorf("action = %s", f.Action)
		}
		return []*frame{okFrame(f.Seq, map[string]any{"pong": true})}
	})
	c := NewConnector(rt.url(), nil, nil)
	defer c.Close()

	data, err := c.Call(context.Background(), "ping", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if data["pong"] != true {
		t.Fatalf("data = %v", data)
	}
}

func TestCallErrorCode(t *testing.T) {
	rt := newFakeRuntime(t, func(f *frame) []*frame {
		return []*frame{{Seq: f.Seq, Type: "res", Code: 2, Message: "tool not found"}}
	})
	c := NewConnector(rt.url(), nil, nil)
	defer c.Close()

	_, err := c.Call(context.Background(), "call_tool", map[string]any{"tool_name": "nope"})
	var rerr *RuntimeError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected RuntimeError, got %v", err)
	}
	if rerr.Code != 2 || rerr.Action != "call_tool" {
		t.Fatalf("error = %+v", rerr)
	}
}

func TestCallDeadline(t *testing.T) {
	rt := newFakeRuntime(t, func(f *frame) []*frame {
		return nil // never answer
	})
	c := NewConnector(rt.url(), nil, nil)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Call(ctx, "ping", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	rt := newFakeRuntime(t, func(f *frame) []*frame {
		return []*frame{okFrame(f.Seq, map[string]any{"ok": true})}
	})
	c := NewConnector(rt.url(), nil, nil)
	defer c.Close()

	if _, err := c.Call(context.Background(), "ping", nil); err != nil {
		t.Fatalf("first Call: %v", err)
	}

	rt.dropConnections()

	// The next call redials. Depending on close timing the first
	// attempt may still see the dying connection.
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err := c.Call(context.Background(), "ping", nil)
		if err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Call after drop never recovered: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestCallGenerator(t *testing.T) {
	rt := newFakeRuntime(t, func(f *frame) []*frame {
		one, _ := json.Marshal(map[string]any{"progress": 1})
		two, _ := json.Marshal(map[string]any{"progress": 2})
		return []*frame{
			{Seq: f.Seq, Type: "chunk", Data: one},
			{Seq: f.Seq, Type: "chunk", Data: two},
			{Seq: f.Seq, Type: "end"},
		}
	})
	c := NewConnector(rt.url(), nil, nil)
	defer c.Close()

	var got []float64
	err := c.CallGenerator(context.Background(), "install_plugin", map[string]any{"source": "x"}, func(chunk map[string]any) error {
		got = append(got, chunk["progress"].(float64))
		return nil
	})
	if err != nil {
		t.Fatalf("CallGenerator: %v", err)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("chunks = %v", got)
	}
}

func TestEmitEventPreventDefault(t *testing.T) {
	rt := newFakeRuntime(t, func(f *frame) []*frame {
		var req map[string]any
		json.Unmarshal(f.Data, &req)
		if req["event_name"] != "pipeline.pre_process" {
			t.Errorf("event_name = %v", req["event_name"])
		}
		return []*frame{okFrame(f.Seq, map[string]any{
			"prevent_default": true,
			"prompt": []map[string]any{
				{"role": "system", "content": "be brief"},
				{"role": "user", "content": "hi"},
			},
		})}
	})
	c := NewConnector(rt.url(), nil, nil)
	defer c.Close()

	result, err := c.EmitEvent(context.Background(), "pipeline.pre_process", map[string]any{"query_id": 1})
	if err != nil {
		t.Fatalf("EmitEvent: %v", err)
	}
	if !result.PreventDefault {
		t.Fatal("prevent_default lost")
	}
	if len(result.Prompt) != 2 || result.Prompt[0].Role != "system" || result.Prompt[1].Content != "hi" {
		t.Fatalf("prompt = %+v", result.Prompt)
	}
}

func TestListToolsAndCallTool(t *testing.T) {
	rt := newFakeRuntime(t, func(f *frame) []*frame {
		switch f.Action {
		case "list_tools":
			return []*frame{okFrame(f.Seq, map[string]any{
				"tools": []map[string]any{{
					"name":        "weather",
					"description": "look up weather",
					"parameters":  map[string]any{"type": "object"},
				}},
			})}
		case "call_tool":
			return []*frame{okFrame(f.Seq, map[string]any{"result": map[string]any{"temp": 21}})}
		default:
			return []*frame{{Seq: f.Seq, Type: "res", Code: 1, Message: "unexpected"}}
		}
	})
	c := NewConnector(rt.url(), nil, nil)
	defer c.Close()

	tools, err := c.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "weather" {
		t.Fatalf("tools = %+v", tools)
	}

	result, err := c.CallTool(context.Background(), "weather", map[string]any{"city": "sf"}, 7)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if result != `{"temp":21}` {
		t.Fatalf("result = %q", result)
	}
}

func TestRAGEngineVerbs(t *testing.T) {
	rt := newFakeRuntime(t, func(f *frame) []*frame {
		switch f.Action {
		case "list_rag_engines":
			return []*frame{okFrame(f.Seq, map[string]any{"engines": []string{"author/rag"}})}
		case "get_rag_engine_info":
			return []*frame{okFrame(f.Seq, map[string]any{"capabilities": []string{"doc_ingestion"}})}
		case "rag_retrieve":
			var req map[string]any
			json.Unmarshal(f.Data, &req)
			rctx := req["context"].(map[string]any)
			if rctx["top_k"].(float64) != 5 {
				t.Errorf("top_k = %v", rctx["top_k"])
			}
			return []*frame{okFrame(f.Seq, map[string]any{
				"results": []map[string]any{{
					"id":       "chunk-1",
					"content":  []map[string]any{{"type": "text", "text": "hello"}},
					"distance": 0.2,
				}},
			})}
		default:
			return []*frame{{Seq: f.Seq, Type: "res", Code: 1, Message: "unexpected " + f.Action}}
		}
	})
	c := NewConnector(rt.url(), nil, nil)
	defer c.Close()
	ctx := context.Background()

	ok, err := c.HasEngine(ctx, "author/rag")
	if err != nil || !ok {
		t.Fatalf("HasEngine: %v %v", ok, err)
	}
	ok, err = c.HasEngine(ctx, "nobody/rag")
	if err != nil || ok {
		t.Fatalf("HasEngine unknown: %v %v", ok, err)
	}

	caps, err := c.Capabilities(ctx, "author/rag")
	if err != nil || len(caps) != 1 || caps[0] != "doc_ingestion" {
		t.Fatalf("Capabilities: %v %v", caps, err)
	}

	results, err := c.Retrieve(ctx, "author/rag", knowledgeRetrieveContext())
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) != 1 || results[0].Text() != "hello" {
		t.Fatalf("results = %+v", results)
	}
}

func TestRuntimeInitiatedVerb(t *testing.T) {
	gotResponse := make(chan *frame, 1)
	rt := newFakeRuntime(t, func(f *frame) []*frame {
		if f.Type == "res" {
			gotResponse <- f
			return nil
		}
		// Answer the platform's ping, then ask for the version on a
		// runtime-chosen seq.
		req := &frame{Seq: 9001, Type: "req", Action: "get_langbot_version"}
		return []*frame{okFrame(f.Seq, nil), req}
	})

	handler := &Handler{Version: "4.0.0"}
	c := NewConnector(rt.url(), handler, nil)
	defer c.Close()

	if _, err := c.Call(context.Background(), "ping", nil); err != nil {
		t.Fatalf("Call: %v", err)
	}

	select {
	case f := <-gotResponse:
		if f.Seq != 9001 || f.Code != 0 {
			t.Fatalf("response frame = %+v", f)
		}
		var data map[string]any
		if err := json.Unmarshal(f.Data, &data); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if data["version"] != "4.0.0" {
			t.Fatalf("version = %v", data["version"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runtime verb never answered")
	}
}
