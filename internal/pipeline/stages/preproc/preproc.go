// Package preproc binds the session and model to the query, fills the
// variable bag, and assembles the conversation prompt.
package preproc

import (
	"context"
	"time"

	"github.com/langbot-app/LangBot/internal/config"
	"github.com/langbot-app/LangBot/internal/pipeline"
	"github.com/langbot-app/LangBot/internal/provider"
	"github.com/langbot-app/LangBot/pkg/message"
)

func init() {
	pipeline.RegisterStage("PreProcessor", func(deps *pipeline.StageDeps) pipeline.Stage {
		return &PreProcessor{deps: deps}
	})
}

// PreProcessor prepares a query for the runner.
type PreProcessor struct {
	deps *pipeline.StageDeps
}

func (s *PreProcessor) Initialize(ctx context.Context, pipelineConfig map[string]any) error {
	return nil
}

func (s *PreProcessor) Process(ctx context.Context, q *pipeline.Query, instName string) pipeline.StageProcessResult {
	q.Session = s.deps.Sessions.Get(ctx, q.LauncherType, q.LauncherID)

	q.Session.Lock()
	conversation := q.Session.Conversation()
	q.Session.Unlock()

	q.UseLLMModelUUID = config.GetString(q.PipelineConfig, "ai.local-agent.model", "")

	var model *provider.RuntimeModel
	if q.UseLLMModelUUID != "" {
		m, err := s.deps.Models.GetLLM(q.UseLLMModelUUID)
		if err != nil {
			return pipeline.StageProcessResult{ResultType: pipeline.Interrupt, Err: err}
		}
		model = m
		if !model.HasAbility(provider.AbilityVision) {
			q.MessageChain = q.MessageChain.Without("Image")
		}
	}

	s.fillVariables(q, conversation.UUID)

	// Default prompt: conversation history plus the current user turn.
	prompt := make([]provider.Message, 0, len(conversation.Messages)+1)
	for _, m := range conversation.Messages {
		prompt = append(prompt, provider.Message{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID})
	}
	prompt = append(prompt, userMessage(q.MessageChain, model))

	if s.deps.Emitter != nil {
		ev, err := s.deps.Emitter.EmitEvent(ctx, "pipeline.pre_process", map[string]any{
			"query_id":        q.QueryID,
			"session_id":      q.VariableString(pipeline.VarSessionID),
			"conversation_id": conversation.UUID,
		})
		if err != nil {
			return pipeline.StageProcessResult{ResultType: pipeline.Interrupt, Err: err}
		}
		if ev != nil && ev.PreventDefault && len(ev.Prompt) > 0 {
			q.Prompt = ev.Prompt
			return pipeline.ContinueResult()
		}
	}

	q.Prompt = prompt
	return pipeline.ContinueResult()
}

func (s *PreProcessor) fillVariables(q *pipeline.Query, conversationID string) {
	q.SetVariable(pipeline.VarSessionID, string(q.LauncherType)+"_"+q.LauncherID)
	q.SetVariable(pipeline.VarConversationID, conversationID)

	created := time.Now()
	if q.MessageEvent != nil && q.MessageEvent.Timestamp() > 0 {
		created = time.Unix(q.MessageEvent.Timestamp(), 0)
	}
	q.SetVariable(pipeline.VarMsgCreateTime, created.Format("2006-01-02 15:04:05"))

	q.SetVariable(pipeline.VarSenderID, q.SenderID)
	senderName := ""
	if q.MessageEvent != nil {
		senderName = message.SenderName(q.MessageEvent)
	}
	q.SetVariable(pipeline.VarSenderName, senderName)
	q.SetVariable(pipeline.VarUserMessageText, q.MessageChain.PlainText())
}

// userMessage converts the inbound chain into the model's user turn.
// Image parts ride along only when the bound model can see them.
func userMessage(chain message.MessageChain, model *provider.RuntimeModel) provider.Message {
	text := chain.PlainText()
	if model == nil || !model.HasAbility(provider.AbilityVision) {
		return provider.TextMessage("user", text)
	}

	var parts []provider.ContentPart
	if text != "" {
		parts = append(parts, provider.ContentPart{Type: "text", Text: text})
	}
	for _, comp := range chain {
		img, ok := comp.(message.Image)
		if !ok {
			continue
		}
		url := img.URL
		if url == "" && img.Base64 != "" {
			url = "data:image/jpeg;base64," + img.Base64
		}
		if url != "" {
			parts = append(parts, provider.ContentPart{Type: "image_url", ImageURL: &provider.ImageURL{URL: url}})
		}
	}

	if len(parts) <= 1 {
		return provider.TextMessage("user", text)
	}
	return provider.Message{Role: "user", ContentParts: parts}
}
