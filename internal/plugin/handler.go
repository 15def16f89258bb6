package plugin

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/langbot-app/LangBot/internal/persistence"
	"github.com/langbot-app/LangBot/internal/pipeline"
	"github.com/langbot-app/LangBot/internal/platform"
	"github.com/langbot-app/LangBot/internal/provider"
	"github.com/langbot-app/LangBot/internal/rag/knowledge"
	"github.com/langbot-app/LangBot/internal/vdb"
	"github.com/langbot-app/LangBot/pkg/message"
)

// binaryOwnerType scopes runtime binary storage to plugin-owned rows.
const binaryOwnerType = "plugin"

var errUnknownVerb = errors.New("unknown runtime verb")

// Handler answers the verbs the plugin runtime initiates toward the
// platform over the shared connection. Optional managers left nil make
// the verbs that need them fail with an explanatory error.
type Handler struct {
	Stores  persistence.StoreSet
	Pool    *pipeline.Pool
	Models  *provider.ModelManager
	VDBs    *vdb.Manager
	Bots    *platform.BotManager
	Blobs   *knowledge.BlobStore
	Version string

	// Config is a read-only snapshot handed to plugins that ask for the
	// platform config file.
	Config map[string]any
}

// Handle dispatches one runtime verb.
func (h *Handler) Handle(ctx context.Context, action string, data map[string]any) (map[string]any, error) {
	switch action {
	case "get_plugin_settings":
		return h.getPluginSettings(ctx, data)
	case "set_plugin_settings":
		return h.setPluginSettings(ctx, data)
	case "get_binary_storage":
		return h.getBinaryStorage(ctx, data)
	case "set_binary_storage":
		return h.setBinaryStorage(ctx, data)
	case "delete_binary_storage":
		return h.deleteBinaryStorage(ctx, data)
	case "get_config_file":
		return map[string]any{"config": h.Config}, nil
	case "get_langbot_version":
		return map[string]any{"version": h.Version}, nil
	case "get_bot_uuid":
		return h.getBotUUID(data)
	case "get_query_var":
		return h.getQueryVar(data)
	case "set_query_var":
		return h.setQueryVar(data)
	case "list_query_vars":
		return h.listQueryVars(data)
	case "reply_message":
		return h.replyMessage(ctx, data)
	case "create_new_conversation":
		return h.createNewConversation(data)
	case "get_bots":
		return h.getBots()
	case "get_bot_info":
		return h.getBotInfo(data)
	case "send_message":
		return h.sendMessage(ctx, data)
	case "get_llm_models":
		return h.getLLMModels()
	case "invoke_llm":
		return h.invokeLLM(ctx, data)
	case "embed_documents":
		return h.embedDocuments(ctx, data)
	case "embed_query":
		return h.embedQuery(ctx, data)
	case "vector_upsert":
		return h.vectorUpsert(ctx, data)
	case "vector_search":
		return h.vectorSearch(ctx, data)
	case "vector_delete":
		return h.vectorDelete(ctx, data)
	case "get_file_stream":
		return h.getFileStream(data)
	default:
		return nil, fmt.Errorf("%w: %s", errUnknownVerb, action)
	}
}

func (h *Handler) getPluginSettings(ctx context.Context, data map[string]any) (map[string]any, error) {
	pluginID, err := stringField(data, "plugin_id")
	if err != nil {
		return nil, err
	}
	settings, err := h.Stores.PluginSettings.Get(ctx, pluginID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"settings": settings}, nil
}

func (h *Handler) setPluginSettings(ctx context.Context, data map[string]any) (map[string]any, error) {
	pluginID, err := stringField(data, "plugin_id")
	if err != nil {
		return nil, err
	}
	settings, _ := data["settings"].(map[string]any)
	if err := h.Stores.PluginSettings.Set(ctx, pluginID, settings); err != nil {
		return nil, err
	}
	return nil, nil
}

func (h *Handler) getBinaryStorage(ctx context.Context, data map[string]any) (map[string]any, error) {
	owner, key, err := binaryKey(data)
	if err != nil {
		return nil, err
	}
	value, err := h.Stores.Binary.Get(ctx, binaryOwnerType, owner, key)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return map[string]any{"exists": false}, nil
		}
		return nil, err
	}
	return map[string]any{
		"exists": true,
		"value":  base64.StdEncoding.EncodeToString(value),
	}, nil
}

func (h *Handler) setBinaryStorage(ctx context.Context, data map[string]any) (map[string]any, error) {
	owner, key, err := binaryKey(data)
	if err != nil {
		return nil, err
	}
	encoded, err := stringField(data, "value")
	if err != nil {
		return nil, err
	}
	value, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("binary storage value is not base64: %w", err)
	}
	if err := h.Stores.Binary.Set(ctx, binaryOwnerType, owner, key, value); err != nil {
		return nil, err
	}
	return nil, nil
}

func (h *Handler) deleteBinaryStorage(ctx context.Context, data map[string]any) (map[string]any, error) {
	owner, key, err := binaryKey(data)
	if err != nil {
		return nil, err
	}
	if err := h.Stores.Binary.Delete(ctx, binaryOwnerType, owner, key); err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return nil, err
	}
	return nil, nil
}

func (h *Handler) getBotUUID(data map[string]any) (map[string]any, error) {
	q, err := h.query(data)
	if err != nil {
		return nil, err
	}
	return map[string]any{"bot_uuid": q.BotUUID}, nil
}

func (h *Handler) getQueryVar(data map[string]any) (map[string]any, error) {
	q, err := h.query(data)
	if err != nil {
		return nil, err
	}
	key, err := stringField(data, "key")
	if err != nil {
		return nil, err
	}
	value, ok := q.Variable(key)
	return map[string]any{"exists": ok, "value": value}, nil
}

func (h *Handler) setQueryVar(data map[string]any) (map[string]any, error) {
	q, err := h.query(data)
	if err != nil {
		return nil, err
	}
	key, err := stringField(data, "key")
	if err != nil {
		return nil, err
	}
	q.SetVariable(key, data["value"])
	return nil, nil
}

func (h *Handler) listQueryVars(data map[string]any) (map[string]any, error) {
	q, err := h.query(data)
	if err != nil {
		return nil, err
	}
	return map[string]any{"variables": q.Variables()}, nil
}

func (h *Handler) replyMessage(ctx context.Context, data map[string]any) (map[string]any, error) {
	q, err := h.query(data)
	if err != nil {
		return nil, err
	}
	if q.Adapter == nil {
		return nil, errors.New("query has no adapter")
	}

	var chain message.MessageChain
	if err := reshape(data["message_chain"], &chain); err != nil {
		return nil, fmt.Errorf("decode message chain: %w", err)
	}
	quote, _ := data["quote_origin"].(bool)
	if err := q.Adapter.ReplyMessage(ctx, q.MessageEvent, chain, quote); err != nil {
		return nil, err
	}
	return nil, nil
}

func (h *Handler) createNewConversation(data map[string]any) (map[string]any, error) {
	q, err := h.query(data)
	if err != nil {
		return nil, err
	}
	if q.Session == nil {
		return nil, errors.New("query has no bound session")
	}
	q.Session.Lock()
	q.Session.Reset()
	q.Session.Unlock()
	return nil, nil
}

func (h *Handler) getBots() (map[string]any, error) {
	if h.Bots == nil {
		return nil, errors.New("bot manager unavailable")
	}
	bots := make([]map[string]any, 0)
	for _, bot := range h.Bots.List() {
		bots = append(bots, botInfo(bot))
	}
	return map[string]any{"bots": bots}, nil
}

func (h *Handler) getBotInfo(data map[string]any) (map[string]any, error) {
	if h.Bots == nil {
		return nil, errors.New("bot manager unavailable")
	}
	botUUID, err := stringField(data, "bot_uuid")
	if err != nil {
		return nil, err
	}
	bot, ok := h.Bots.Get(botUUID)
	if !ok {
		return nil, fmt.Errorf("bot not found: %s", botUUID)
	}
	return map[string]any{"bot": botInfo(bot)}, nil
}

func botInfo(bot *platform.RuntimeBot) map[string]any {
	return map[string]any{
		"uuid":          bot.UUID,
		"name":          bot.Name,
		"enable":        bot.Enable,
		"pipeline_uuid": bot.PipelineUUID(),
	}
}

// sendMessage delivers a proactive message through a configured bot,
// outside any query.
func (h *Handler) sendMessage(ctx context.Context, data map[string]any) (map[string]any, error) {
	if h.Bots == nil {
		return nil, errors.New("bot manager unavailable")
	}
	botUUID, err := stringField(data, "bot_uuid")
	if err != nil {
		return nil, err
	}
	targetType, err := stringField(data, "target_type")
	if err != nil {
		return nil, err
	}
	targetID, err := stringField(data, "target_id")
	if err != nil {
		return nil, err
	}
	bot, ok := h.Bots.Get(botUUID)
	if !ok {
		return nil, fmt.Errorf("bot not found: %s", botUUID)
	}
	if !bot.Enable {
		return nil, fmt.Errorf("bot is disabled: %s", botUUID)
	}

	var chain message.MessageChain
	if err := reshape(data["message_chain"], &chain); err != nil {
		return nil, fmt.Errorf("decode message chain: %w", err)
	}
	if err := bot.Adapter.SendMessage(ctx, targetType, targetID, chain); err != nil {
		return nil, err
	}
	return nil, nil
}

func (h *Handler) getLLMModels() (map[string]any, error) {
	if h.Models == nil {
		return nil, errors.New("model manager unavailable")
	}
	models := make([]map[string]any, 0)
	for _, m := range h.Models.ListLLM() {
		models = append(models, map[string]any{
			"uuid":      m.UUID,
			"name":      m.Name,
			"provider":  m.ProviderType,
			"model":     m.Model,
			"abilities": m.Abilities,
		})
	}
	return map[string]any{"models": models}, nil
}

func (h *Handler) invokeLLM(ctx context.Context, data map[string]any) (map[string]any, error) {
	if h.Models == nil {
		return nil, errors.New("model manager unavailable")
	}
	modelUUID, err := stringField(data, "model_uuid")
	if err != nil {
		return nil, err
	}
	model, err := h.Models.GetLLM(modelUUID)
	if err != nil {
		return nil, err
	}

	var messages []provider.Message
	if err := reshape(data["messages"], &messages); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	var tools []provider.Tool
	if raw, ok := data["funcs"]; ok && raw != nil {
		if err := reshape(raw, &tools); err != nil {
			return nil, fmt.Errorf("decode funcs: %w", err)
		}
	}

	resp, err := model.Requester.Invoke(ctx, model, messages, tools)
	if err != nil {
		return nil, err
	}
	return map[string]any{"message": resp}, nil
}

func (h *Handler) embedDocuments(ctx context.Context, data map[string]any) (map[string]any, error) {
	model, texts, err := h.embeddingCall(data, "texts")
	if err != nil {
		return nil, err
	}
	vecs, err := model.Requester.InvokeEmbedding(ctx, model, texts)
	if err != nil {
		return nil, err
	}
	return map[string]any{"embeddings": vecs}, nil
}

func (h *Handler) embedQuery(ctx context.Context, data map[string]any) (map[string]any, error) {
	if h.Models == nil {
		return nil, errors.New("model manager unavailable")
	}
	modelUUID, err := stringField(data, "model_uuid")
	if err != nil {
		return nil, err
	}
	text, err := stringField(data, "text")
	if err != nil {
		return nil, err
	}
	model, err := h.Models.GetEmbedding(modelUUID)
	if err != nil {
		return nil, err
	}
	vecs, err := model.Requester.InvokeEmbedding(ctx, model, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("expected 1 embedding, got %d", len(vecs))
	}
	return map[string]any{"embedding": vecs[0]}, nil
}

func (h *Handler) embeddingCall(data map[string]any, textsKey string) (*provider.RuntimeModel, []string, error) {
	if h.Models == nil {
		return nil, nil, errors.New("model manager unavailable")
	}
	modelUUID, err := stringField(data, "model_uuid")
	if err != nil {
		return nil, nil, err
	}
	model, err := h.Models.GetEmbedding(modelUUID)
	if err != nil {
		return nil, nil, err
	}
	var texts []string
	if err := reshape(data[textsKey], &texts); err != nil {
		return nil, nil, fmt.Errorf("decode %s: %w", textsKey, err)
	}
	if len(texts) == 0 {
		return nil, nil, fmt.Errorf("%s is required", textsKey)
	}
	return model, texts, nil
}

func (h *Handler) vectorUpsert(ctx context.Context, data map[string]any) (map[string]any, error) {
	if h.VDBs == nil {
		return nil, errors.New("vector database unavailable")
	}
	collection, err := stringField(data, "collection")
	if err != nil {
		return nil, err
	}
	var (
		ids       []string
		vectors   [][]float32
		metadatas []map[string]any
		documents []string
	)
	if err := reshape(data["ids"], &ids); err != nil {
		return nil, fmt.Errorf("decode ids: %w", err)
	}
	if err := reshape(data["vectors"], &vectors); err != nil {
		return nil, fmt.Errorf("decode vectors: %w", err)
	}
	if err := reshape(data["metadatas"], &metadatas); err != nil {
		return nil, fmt.Errorf("decode metadatas: %w", err)
	}
	if err := reshape(data["documents"], &documents); err != nil {
		return nil, fmt.Errorf("decode documents: %w", err)
	}
	if len(ids) == 0 || len(ids) != len(vectors) {
		return nil, fmt.Errorf("ids and vectors must be non-empty and equal length, got %d and %d", len(ids), len(vectors))
	}
	if err := h.VDBs.Upsert(ctx, collection, ids, vectors, metadatas, documents); err != nil {
		return nil, err
	}
	return map[string]any{"count": len(ids)}, nil
}

func (h *Handler) vectorSearch(ctx context.Context, data map[string]any) (map[string]any, error) {
	if h.VDBs == nil {
		return nil, errors.New("vector database unavailable")
	}
	collection, err := stringField(data, "collection")
	if err != nil {
		return nil, err
	}
	var vector []float32
	if err := reshape(data["vector"], &vector); err != nil {
		return nil, fmt.Errorf("decode vector: %w", err)
	}
	if len(vector) == 0 {
		return nil, errors.New("vector is required")
	}
	k := 5
	if raw, ok := data["k"].(float64); ok && raw > 0 {
		k = int(raw)
	}

	entries, err := h.VDBs.Search(ctx, collection, vector, k)
	if err != nil {
		return nil, err
	}
	results := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		results = append(results, map[string]any{
			"id":       e.ID,
			"score":    e.Score,
			"metadata": e.Metadata,
			"document": e.Document,
		})
	}
	return map[string]any{"results": results}, nil
}

// vectorDelete removes one document's vectors when file_id is given,
// otherwise the whole collection.
func (h *Handler) vectorDelete(ctx context.Context, data map[string]any) (map[string]any, error) {
	if h.VDBs == nil {
		return nil, errors.New("vector database unavailable")
	}
	collection, err := stringField(data, "collection")
	if err != nil {
		return nil, err
	}
	if fileID, _ := data["file_id"].(string); fileID != "" {
		return nil, h.VDBs.DeleteByFileID(ctx, collection, fileID)
	}
	return nil, h.VDBs.DeleteCollection(ctx, collection)
}

func (h *Handler) getFileStream(data map[string]any) (map[string]any, error) {
	if h.Blobs == nil {
		return nil, errors.New("file storage unavailable")
	}
	fileID, err := stringField(data, "file_id")
	if err != nil {
		return nil, err
	}
	if !h.Blobs.Exists(fileID) {
		return map[string]any{"exists": false}, nil
	}
	content, err := h.Blobs.Get(fileID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"exists": true,
		"data":   base64.StdEncoding.EncodeToString(content),
	}, nil
}

func (h *Handler) query(data map[string]any) (*pipeline.Query, error) {
	raw, ok := data["query_id"]
	if !ok {
		return nil, errors.New("query_id is required")
	}
	var id uint64
	switch v := raw.(type) {
	case float64:
		id = uint64(v)
	case uint64:
		id = v
	case int:
		id = uint64(v)
	default:
		return nil, fmt.Errorf("query_id has unexpected type %T", raw)
	}
	q, ok := h.Pool.Get(id)
	if !ok {
		return nil, fmt.Errorf("query %d not found", id)
	}
	return q, nil
}

func stringField(data map[string]any, key string) (string, error) {
	v, ok := data[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}

func binaryKey(data map[string]any) (owner, key string, err error) {
	if owner, err = stringField(data, "owner"); err != nil {
		return "", "", err
	}
	if key, err = stringField(data, "key"); err != nil {
		return "", "", err
	}
	return owner, key, nil
}
