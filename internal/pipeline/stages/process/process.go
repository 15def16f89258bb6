// Package process invokes the configured runner against the assembled
// prompt and records the assistant's reply.
package process

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/langbot-app/LangBot/internal/config"
	"github.com/langbot-app/LangBot/internal/pipeline"
	"github.com/langbot-app/LangBot/internal/provider"
	"github.com/langbot-app/LangBot/internal/session"
	"github.com/langbot-app/LangBot/pkg/message"
)

const defaultToolBudget = 10

func init() {
	pipeline.RegisterStage("Processor", func(deps *pipeline.StageDeps) pipeline.Stage {
		return &Processor{deps: deps}
	})
}

// Runner produces assistant messages for a query. local-agent is the
// direct LLM invocation; other names may be registered by external
// workflow integrations.
type Runner interface {
	Run(ctx context.Context, q *pipeline.Query) ([]provider.Message, error)
}

// RunnerFactory builds a runner bound to the stage dependencies.
type RunnerFactory func(deps *pipeline.StageDeps) Runner

var (
	runnerMu  sync.RWMutex
	runnerReg = map[string]RunnerFactory{}
)

// RegisterRunner makes a runner class available by name.
func RegisterRunner(name string, factory RunnerFactory) {
	runnerMu.Lock()
	defer runnerMu.Unlock()
	runnerReg[name] = factory
}

// RegisteredRunners lists runner names, sorted.
func RegisteredRunners() []string {
	runnerMu.RLock()
	defer runnerMu.RUnlock()
	names := make([]string, 0, len(runnerReg))
	for name := range runnerReg {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	RegisterRunner("local-agent", func(deps *pipeline.StageDeps) Runner {
		return &LocalAgentRunner{deps: deps}
	})
	RegisterRunner("plugin-runner", func(deps *pipeline.StageDeps) Runner {
		return &PluginRunner{deps: deps}
	})
}

// Processor selects the runner named by ai.runner.runner and turns its
// messages into reply chains.
type Processor struct {
	deps   *pipeline.StageDeps
	runner Runner
}

func (s *Processor) Initialize(ctx context.Context, pipelineConfig map[string]any) error {
	name := config.GetString(pipelineConfig, "ai.runner.runner", "local-agent")
	runnerMu.RLock()
	factory, ok := runnerReg[name]
	runnerMu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown runner: %s", name)
	}
	s.runner = factory(s.deps)
	return nil
}

func (s *Processor) Process(ctx context.Context, q *pipeline.Query, instName string) pipeline.StageProcessResult {
	if s.deps.Pool != nil && s.deps.Pool.Interrupted(q.QueryID) {
		return pipeline.InterruptResult()
	}

	// A prefixed message is a command invocation; it never reaches the
	// model.
	if s.deps.Commands != nil {
		if name, args, ok := s.deps.Commands.Match(q.MessageChain.PlainText()); ok {
			chain, err := s.deps.Commands.Execute(ctx, q, name, args)
			if err != nil {
				return pipeline.StageProcessResult{ResultType: pipeline.Interrupt, Err: err}
			}
			if len(chain) > 0 {
				q.RespMessageChains = append(q.RespMessageChains, chain)
			}
			return pipeline.ContinueResult()
		}
	}

	messages, err := s.runner.Run(ctx, q)
	if err != nil {
		return pipeline.StageProcessResult{ResultType: pipeline.Interrupt, Err: err}
	}
	if s.deps.Pool != nil && s.deps.Pool.Interrupted(q.QueryID) {
		return pipeline.InterruptResult()
	}

	q.RespMessages = append(q.RespMessages, messages...)
	for _, m := range messages {
		if text := m.PlainContent(); text != "" {
			q.RespMessageChains = append(q.RespMessageChains, message.NewChain(message.Plain{Text: text}))
		}
	}

	s.recordTurn(q, messages)
	return pipeline.ContinueResult()
}

// recordTurn appends the user and assistant turns to the conversation
// so the next query in the session sees them.
func (s *Processor) recordTurn(q *pipeline.Query, messages []provider.Message) {
	if q.Session == nil {
		return
	}
	q.Session.Lock()
	defer q.Session.Unlock()
	conv := q.Session.Conversation()
	if text := q.MessageChain.PlainText(); text != "" {
		conv.Messages = append(conv.Messages, session.Message{Role: "user", Content: text})
	}
	for _, m := range messages {
		if text := m.PlainContent(); text != "" {
			conv.Messages = append(conv.Messages, session.Message{Role: "assistant", Content: text})
		}
	}
}

// LocalAgentRunner drives the bound model directly, feeding tool calls
// through the plugin connector until the model stops asking or the
// budget runs out.
type LocalAgentRunner struct {
	deps *pipeline.StageDeps
}

func (r *LocalAgentRunner) Run(ctx context.Context, q *pipeline.Query) ([]provider.Message, error) {
	model, err := r.deps.Models.GetLLM(q.UseLLMModelUUID)
	if err != nil {
		return nil, err
	}

	messages := append([]provider.Message(nil), q.Prompt...)
	if ragCtx := r.retrieveContext(ctx, q); ragCtx != "" {
		messages = append([]provider.Message{provider.TextMessage("system", ragCtx)}, messages...)
	}

	var tools []provider.Tool
	if r.deps.Tools != nil && model.HasAbility(provider.AbilityFuncCall) {
		tools, err = r.deps.Tools.ListTools(ctx)
		if err != nil {
			return nil, err
		}
	}

	budget := config.GetInt(q.PipelineConfig, "ai.local-agent.max-tool-calls", defaultToolBudget)
	stream := config.GetBool(q.PipelineConfig, "ai.local-agent.stream", false)

	var out []provider.Message
	for round := 0; ; round++ {
		resp, err := r.invoke(ctx, q, model, messages, tools, stream)
		if err != nil {
			return nil, err
		}
		out = append(out, *resp)

		if len(resp.ToolCalls) == 0 {
			return out, nil
		}
		if round >= budget {
			return out, fmt.Errorf("tool call budget exhausted after %d rounds", budget)
		}

		messages = append(messages, *resp)
		for _, call := range resp.ToolCalls {
			var params map[string]any
			if len(call.Arguments) > 0 {
				if err := json.Unmarshal(call.Arguments, &params); err != nil {
					return nil, fmt.Errorf("tool call %s arguments: %w", call.Name, err)
				}
			}
			result, err := r.deps.Tools.CallTool(ctx, call.Name, params, q.QueryID)
			if err != nil {
				return nil, err
			}
			messages = append(messages, provider.ToolResultMessage(call.ID, result))
		}
	}
}

func (r *LocalAgentRunner) invoke(ctx context.Context, q *pipeline.Query, model *provider.RuntimeModel, messages []provider.Message, tools []provider.Tool, stream bool) (*provider.Message, error) {
	if !stream {
		return model.Requester.Invoke(ctx, model, messages, tools)
	}
	// Streaming: poll the interrupt set between chunks so a cancel
	// lands cleanly at a frame boundary.
	return model.Requester.InvokeStream(ctx, model, messages, tools, func(delta string) error {
		if r.deps.Pool != nil && r.deps.Pool.Interrupted(q.QueryID) {
			return context.Canceled
		}
		return nil
	})
}

// retrieveContext queries the pipeline's knowledge base, if one is
// bound. Retrieval failure degrades to no context rather than failing
// the query.
func (r *LocalAgentRunner) retrieveContext(ctx context.Context, q *pipeline.Query) string {
	kbUUID := config.GetString(q.PipelineConfig, "ai.local-agent.knowledge-base", "")
	if kbUUID == "" || r.deps.KBs == nil {
		return ""
	}

	queryText := q.MessageChain.PlainText()
	results, err := r.deps.KBs.Retrieve(ctx, kbUUID, queryText, 0, nil)
	if err != nil {
		if r.deps.Logger != nil {
			r.deps.Logger.Warn(ctx, "knowledge retrieval failed, continuing without context",
				"kb", kbUUID, "error", err)
		}
		return ""
	}
	if len(results) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Relevant reference material:\n")
	for _, res := range results {
		b.WriteString("- ")
		b.WriteString(res.Text())
		b.WriteString("\n")
	}
	return b.String()
}

// PluginRunner hands the whole turn to the plugin runtime and relays
// the reply chain it produces.
type PluginRunner struct {
	deps *pipeline.StageDeps
}

func (r *PluginRunner) Run(ctx context.Context, q *pipeline.Query) ([]provider.Message, error) {
	if r.deps.Emitter == nil {
		return nil, fmt.Errorf("plugin-runner requires a plugin connection")
	}
	ev, err := r.deps.Emitter.EmitEvent(ctx, "runner.invoke", map[string]any{
		"query_id": q.QueryID,
		"prompt":   q.Prompt,
	})
	if err != nil {
		return nil, err
	}

	var out []provider.Message
	for _, frame := range ev.ReplyChain {
		if text, ok := frame["text"].(string); ok && text != "" {
			out = append(out, provider.TextMessage("assistant", text))
		}
	}
	return out, nil
}
