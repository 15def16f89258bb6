package plugin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/langbot-app/LangBot/internal/pipeline"
	"github.com/langbot-app/LangBot/internal/provider"
	"github.com/langbot-app/LangBot/internal/rag/knowledge"
	"github.com/langbot-app/LangBot/internal/rag/retriever"
)

// EmitEvent sends a pipeline lifecycle event to every plugin and
// collects the merged result. Implements pipeline.EventEmitter.
func (c *Connector) EmitEvent(ctx context.Context, eventName string, payload map[string]any) (*pipeline.EventResult, error) {
	data, err := c.Call(ctx, "emit_event", map[string]any{
		"event_name": eventName,
		"payload":    payload,
	})
	if err != nil {
		return nil, err
	}

	result := &pipeline.EventResult{}
	if pd, ok := data["prevent_default"].(bool); ok {
		result.PreventDefault = pd
	}
	if raw, ok := data["prompt"]; ok {
		if err := reshape(raw, &result.Prompt); err != nil {
			return nil, fmt.Errorf("plugin runtime: decode event prompt: %w", err)
		}
	}
	if raw, ok := data["reply_chain"]; ok {
		if err := reshape(raw, &result.ReplyChain); err != nil {
			return nil, fmt.Errorf("plugin runtime: decode event reply chain: %w", err)
		}
	}
	return result, nil
}

// ListTools returns the tools plugins expose to the model. Implements
// pipeline.ToolDispatcher.
func (c *Connector) ListTools(ctx context.Context) ([]provider.Tool, error) {
	data, err := c.Call(ctx, "list_tools", nil)
	if err != nil {
		return nil, err
	}
	var tools []provider.Tool
	if raw, ok := data["tools"]; ok {
		if err := reshape(raw, &tools); err != nil {
			return nil, fmt.Errorf("plugin runtime: decode tool list: %w", err)
		}
	}
	return tools, nil
}

// CallTool executes one tool call on behalf of the model and returns
// the textual result fed back as a tool-role message.
func (c *Connector) CallTool(ctx context.Context, name string, params map[string]any, queryID uint64) (string, error) {
	data, err := c.Call(ctx, "call_tool", map[string]any{
		"tool_name": name,
		"params":    params,
		"query_id":  queryID,
	})
	if err != nil {
		return "", err
	}
	switch v := data["result"].(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("plugin runtime: encode tool result: %w", err)
		}
		return string(raw), nil
	}
}

// PluginInfo describes one installed plugin.
type PluginInfo struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Author      string   `json:"author"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Enabled     bool     `json:"enabled"`
	Components  []string `json:"components"`
}

// ListPlugins enumerates installed plugins.
func (c *Connector) ListPlugins(ctx context.Context) ([]PluginInfo, error) {
	data, err := c.Call(ctx, "list_plugins", nil)
	if err != nil {
		return nil, err
	}
	var infos []PluginInfo
	if raw, ok := data["plugins"]; ok {
		if err := reshape(raw, &infos); err != nil {
			return nil, fmt.Errorf("plugin runtime: decode plugin list: %w", err)
		}
	}
	return infos, nil
}

// GetPluginInfo fetches one plugin's metadata.
func (c *Connector) GetPluginInfo(ctx context.Context, pluginID string) (*PluginInfo, error) {
	data, err := c.Call(ctx, "get_plugin_info", map[string]any{"plugin_id": pluginID})
	if err != nil {
		return nil, err
	}
	var info PluginInfo
	if err := reshape(data["plugin"], &info); err != nil {
		return nil, fmt.Errorf("plugin runtime: decode plugin info: %w", err)
	}
	return &info, nil
}

// InstallPlugin installs from a source reference (marketplace id or
// URL), streaming progress to onProgress when non-nil.
func (c *Connector) InstallPlugin(ctx context.Context, source string, onProgress func(map[string]any) error) error {
	if onProgress == nil {
		onProgress = func(map[string]any) error { return nil }
	}
	return c.CallGenerator(ctx, "install_plugin", map[string]any{"source": source}, onProgress)
}

// UpgradePlugin upgrades an installed plugin, streaming progress.
func (c *Connector) UpgradePlugin(ctx context.Context, pluginID string, onProgress func(map[string]any) error) error {
	if onProgress == nil {
		onProgress = func(map[string]any) error { return nil }
	}
	return c.CallGenerator(ctx, "upgrade_plugin", map[string]any{"plugin_id": pluginID}, onProgress)
}

// RemovePlugin uninstalls a plugin.
func (c *Connector) RemovePlugin(ctx context.Context, pluginID string) error {
	_, err := c.Call(ctx, "delete_plugin", map[string]any{"plugin_id": pluginID})
	return err
}

// ListCommands enumerates plugin-provided chat commands.
func (c *Connector) ListCommands(ctx context.Context) ([]string, error) {
	data, err := c.Call(ctx, "list_commands", nil)
	if err != nil {
		return nil, err
	}
	var names []string
	if raw, ok := data["commands"]; ok {
		if err := reshape(raw, &names); err != nil {
			return nil, fmt.Errorf("plugin runtime: decode command list: %w", err)
		}
	}
	return names, nil
}

// ExecuteCommand runs one plugin command and returns its reply chain.
func (c *Connector) ExecuteCommand(ctx context.Context, name string, args []string, queryID uint64) ([]map[string]any, error) {
	data, err := c.Call(ctx, "execute_command", map[string]any{
		"command":  name,
		"args":     args,
		"query_id": queryID,
	})
	if err != nil {
		return nil, err
	}
	var chain []map[string]any
	if raw, ok := data["reply_chain"]; ok {
		if err := reshape(raw, &chain); err != nil {
			return nil, fmt.Errorf("plugin runtime: decode command reply: %w", err)
		}
	}
	return chain, nil
}

// SyncComponentInstances pushes the platform's polymorphic component
// registry to the runtime after a config reload.
func (c *Connector) SyncComponentInstances(ctx context.Context, instances []map[string]any) error {
	_, err := c.Call(ctx, "sync_polymorphic_component_instances", map[string]any{"instances": instances})
	return err
}

// HasEngine reports whether a plugin id names a registered RAG engine.
// Implements knowledge.Engine.
func (c *Connector) HasEngine(ctx context.Context, pluginID string) (bool, error) {
	engines, err := c.ListRAGEngines(ctx)
	if err != nil {
		return false, err
	}
	for _, id := range engines {
		if id == pluginID {
			return true, nil
		}
	}
	return false, nil
}

// ListRAGEngines enumerates plugins that advertise a RAG engine.
func (c *Connector) ListRAGEngines(ctx context.Context) ([]string, error) {
	data, err := c.Call(ctx, "list_rag_engines", nil)
	if err != nil {
		return nil, err
	}
	var engines []string
	if raw, ok := data["engines"]; ok {
		if err := reshape(raw, &engines); err != nil {
			return nil, fmt.Errorf("plugin runtime: decode rag engine list: %w", err)
		}
	}
	return engines, nil
}

// Capabilities lists a RAG engine's advertised capability names.
func (c *Connector) Capabilities(ctx context.Context, pluginID string) ([]string, error) {
	data, err := c.Call(ctx, "get_rag_engine_info", map[string]any{"plugin_id": pluginID})
	if err != nil {
		return nil, err
	}
	var caps []string
	if raw, ok := data["capabilities"]; ok {
		if err := reshape(raw, &caps); err != nil {
			return nil, fmt.Errorf("plugin runtime: decode rag capabilities: %w", err)
		}
	}
	return caps, nil
}

// GetRAGCreationSchema fetches the engine's KB creation settings schema.
func (c *Connector) GetRAGCreationSchema(ctx context.Context, pluginID string) (map[string]any, error) {
	data, err := c.Call(ctx, "get_rag_creation_schema", map[string]any{"plugin_id": pluginID})
	if err != nil {
		return nil, err
	}
	schema, _ := data["schema"].(map[string]any)
	return schema, nil
}

// GetRAGRetrievalSchema fetches the engine's retrieval settings schema.
func (c *Connector) GetRAGRetrievalSchema(ctx context.Context, pluginID string) (map[string]any, error) {
	data, err := c.Call(ctx, "get_rag_retrieval_schema", map[string]any{"plugin_id": pluginID})
	if err != nil {
		return nil, err
	}
	schema, _ := data["schema"].(map[string]any)
	return schema, nil
}

// OnKBCreate notifies the engine of a new knowledge base.
func (c *Connector) OnKBCreate(ctx context.Context, pluginID, kbUUID string, settings map[string]any) error {
	_, err := c.Call(ctx, "rag_on_kb_create", map[string]any{
		"plugin_id": pluginID,
		"kb_uuid":   kbUUID,
		"settings":  settings,
	})
	return err
}

// OnKBDelete notifies the engine of a disposed knowledge base.
func (c *Connector) OnKBDelete(ctx context.Context, pluginID, kbUUID string) error {
	_, err := c.Call(ctx, "rag_on_kb_delete", map[string]any{
		"plugin_id": pluginID,
		"kb_uuid":   kbUUID,
	})
	return err
}

// Ingest hands one stored file to the engine for chunking and indexing.
func (c *Connector) Ingest(ctx context.Context, pluginID string, ictx knowledge.IngestContext) error {
	payload, err := asMap(ictx)
	if err != nil {
		return fmt.Errorf("plugin runtime: encode ingest context: %w", err)
	}
	_, err = c.Call(ctx, "rag_ingest", map[string]any{
		"plugin_id": pluginID,
		"context":   payload,
	})
	return err
}

// Retrieve queries the engine and decodes the returned chunks.
func (c *Connector) Retrieve(ctx context.Context, pluginID string, rctx knowledge.RetrieveContext) ([]retriever.Result, error) {
	payload, err := asMap(rctx)
	if err != nil {
		return nil, fmt.Errorf("plugin runtime: encode retrieve context: %w", err)
	}
	data, err := c.Call(ctx, "rag_retrieve", map[string]any{
		"plugin_id": pluginID,
		"context":   payload,
	})
	if err != nil {
		return nil, err
	}
	var results []retriever.Result
	if raw, ok := data["results"]; ok {
		if err := reshape(raw, &results); err != nil {
			return nil, fmt.Errorf("plugin runtime: decode retrieval results: %w", err)
		}
	}
	return results, nil
}

// DeleteDocument removes one file's chunks from the engine.
func (c *Connector) DeleteDocument(ctx context.Context, pluginID, fileID, kbID string) error {
	_, err := c.Call(ctx, "rag_delete_document", map[string]any{
		"plugin_id": pluginID,
		"file_id":   fileID,
		"kb_id":     kbID,
	})
	return err
}

// RetrieveKnowledge queries an external-retriever flavoured plugin
// outside the KB lifecycle.
func (c *Connector) RetrieveKnowledge(ctx context.Context, pluginID, query string, topK int) ([]retriever.Result, error) {
	data, err := c.Call(ctx, "retrieve_knowledge", map[string]any{
		"plugin_id": pluginID,
		"query":     query,
		"top_k":     topK,
	})
	if err != nil {
		return nil, err
	}
	var results []retriever.Result
	if raw, ok := data["results"]; ok {
		if err := reshape(raw, &results); err != nil {
			return nil, fmt.Errorf("plugin runtime: decode retrieval results: %w", err)
		}
	}
	return results, nil
}

// Ping checks runtime liveness.
func (c *Connector) Ping(ctx context.Context) error {
	_, err := c.Call(ctx, "ping", nil)
	return err
}

// reshape converts a decoded JSON value into a typed destination by
// round-tripping through encoding.
func reshape(raw any, dst any) error {
	if raw == nil {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func asMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

var (
	_ pipeline.EventEmitter   = (*Connector)(nil)
	_ pipeline.ToolDispatcher = (*Connector)(nil)
	_ knowledge.Engine        = (*Connector)(nil)
)
