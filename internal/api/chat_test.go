package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/langbot-app/LangBot/internal/config"
	"github.com/langbot-app/LangBot/internal/pipeline"
	"github.com/langbot-app/LangBot/internal/platform"
	"github.com/langbot-app/LangBot/internal/platform/webchat"
	"github.com/langbot-app/LangBot/pkg/message"
)

// newTestServer builds a server backed by a webchat adapter whose
// listeners echo the user text back as the reply.
func newTestServer(t *testing.T) (*Server, *webchat.Adapter) {
	t.Helper()

	wc := webchat.NewAdapter(nil)
	echo := func(ctx context.Context, event message.Event, adapter platform.Adapter) error {
		reply := message.NewChain(message.Plain{Text: "echo: " + event.Chain().PlainText()})
		return adapter.ReplyMessage(ctx, event, reply, false)
	}
	wc.RegisterListener("FriendMessage", echo)
	wc.RegisterListener("GroupMessage", echo)

	s := NewServer(Deps{
		Config: config.APIConfig{
			JWTSecret:      "test-secret",
			WSStaleTimeout: time.Minute,
		},
		WebChat: wc,
		Pool:    pipeline.NewPool(),
	})
	return s, wc
}

type chatResponse struct {
	Success  bool              `json:"success"`
	Error    string            `json:"error"`
	Messages []webchat.Message `json:"messages"`
}

func doRequest(t *testing.T, s *Server, method, path, body string) (int, chatResponse) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var resp chatResponse
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec.Code, resp
}

func TestChatSendReturnsReply(t *testing.T) {
	s, _ := newTestServer(t)

	code, resp := doRequest(t, s, http.MethodPost, "/api/v1/pipelines/p1/chat/send",
		`{"session_type":"person","message":[{"type":"Plain","text":"hi"}]}`)
	if code != http.StatusOK || !resp.Success {
		t.Fatalf("code = %d, resp = %+v", code, resp)
	}
	if len(resp.Messages) != 1 || resp.Messages[0].Content != "echo: hi" {
		t.Fatalf("messages = %+v", resp.Messages)
	}
	if resp.Messages[0].Role != "assistant" {
		t.Fatalf("role = %q", resp.Messages[0].Role)
	}
}

func TestChatSendEmptyMessage(t *testing.T) {
	s, _ := newTestServer(t)

	code, resp := doRequest(t, s, http.MethodPost, "/api/v1/pipelines/p1/chat/send",
		`{"session_type":"person","message":[]}`)
	if code != http.StatusBadRequest || resp.Success {
		t.Fatalf("code = %d, resp = %+v", code, resp)
	}
}

func TestChatSendInvalidSessionType(t *testing.T) {
	s, _ := newTestServer(t)

	code, resp := doRequest(t, s, http.MethodPost, "/api/v1/pipelines/p1/chat/send",
		`{"session_type":"channel","message":[{"type":"Plain","text":"hi"}]}`)
	if code != http.StatusInternalServerError || resp.Success {
		t.Fatalf("code = %d, resp = %+v", code, resp)
	}
}

func TestChatHistoryAndReset(t *testing.T) {
	s, _ := newTestServer(t)

	if code, _ := doRequest(t, s, http.MethodPost, "/api/v1/pipelines/p1/chat/send",
		`{"session_type":"person","message":[{"type":"Plain","text":"hi"}]}`); code != http.StatusOK {
		t.Fatalf("send code = %d", code)
	}

	code, resp := doRequest(t, s, http.MethodGet, "/api/v1/pipelines/p1/messages/person", "")
	if code != http.StatusOK || !resp.Success {
		t.Fatalf("history code = %d, resp = %+v", code, resp)
	}
	if len(resp.Messages) != 2 {
		t.Fatalf("history = %+v", resp.Messages)
	}
	if resp.Messages[0].Role != "user" || resp.Messages[1].Role != "assistant" {
		t.Fatalf("roles = %q, %q", resp.Messages[0].Role, resp.Messages[1].Role)
	}

	if code, resp := doRequest(t, s, http.MethodPost, "/api/v1/pipelines/p1/reset/person", ""); code != http.StatusOK || !resp.Success {
		t.Fatalf("reset code = %d, resp = %+v", code, resp)
	}

	_, resp = doRequest(t, s, http.MethodGet, "/api/v1/pipelines/p1/messages/person", "")
	if len(resp.Messages) != 0 {
		t.Fatalf("history after reset = %+v", resp.Messages)
	}
}

func TestChatHistoryInvalidSessionType(t *testing.T) {
	s, _ := newTestServer(t)

	code, resp := doRequest(t, s, http.MethodGet, "/api/v1/pipelines/p1/messages/channel", "")
	if code != http.StatusBadRequest || resp.Success {
		t.Fatalf("code = %d, resp = %+v", code, resp)
	}
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != `{"status":"ok"}` {
		t.Fatalf("code = %d, body = %q", rec.Code, rec.Body.String())
	}
}
