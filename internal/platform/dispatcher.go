package platform

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/langbot-app/LangBot/internal/observability"
)

// Dispatcher fans platform webhook calls into adapters by bot uuid.
// It mounts at /bots/ and carries no auth of its own; platforms embed
// their signatures in the request body.
type Dispatcher struct {
	Bots   *BotManager
	Logger *observability.Logger

	// Saturated, when set, reports whether the pipeline would refuse a
	// new query. Saturation answers 429 so the platform retries later.
	Saturated func() bool
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	botUUID, path := splitBotPath(r.URL.Path)
	if botUUID == "" {
		http.Error(w, "bot uuid missing", http.StatusNotFound)
		return
	}

	bot, ok := d.Bots.Get(botUUID)
	if !ok {
		http.Error(w, "bot not found", http.StatusNotFound)
		return
	}
	if !bot.Enable {
		http.Error(w, "bot disabled", http.StatusForbidden)
		return
	}

	if d.Saturated != nil && d.Saturated() {
		http.Error(w, "pipeline saturated", http.StatusTooManyRequests)
		return
	}

	resp, err := d.handle(w, r, bot, path)
	if err != nil {
		if errors.Is(err, ErrWebhookUnsupported) {
			http.Error(w, "adapter does not support webhooks", http.StatusNotImplemented)
			return
		}
		if d.Logger != nil {
			d.Logger.Error(r.Context(), "webhook handling failed", "bot", botUUID, "path", path, "error", err)
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if resp == nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

// handle delegates to the adapter, converting a panic into an error so
// one malformed callback cannot crash the server.
func (d *Dispatcher) handle(w http.ResponseWriter, r *http.Request, bot *RuntimeBot, path string) (resp *WebhookResponse, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("adapter panicked: %v", rec)
		}
	}()
	return bot.Adapter.HandleUnifiedWebhook(r.Context(), bot.UUID, path, r)
}

// splitBotPath extracts the bot uuid and the adapter-relative path from
// a /bots/{uuid}[/{path}] request path.
func splitBotPath(full string) (uuid, rest string) {
	trimmed := strings.TrimPrefix(full, "/bots/")
	if trimmed == full {
		return "", ""
	}
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		return trimmed[:i], trimmed[i+1:]
	}
	return trimmed, ""
}
