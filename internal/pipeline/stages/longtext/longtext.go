// Package longtext reshapes oversized replies so chat platforms render
// them acceptably: either wrapped in a forward-message container or
// split across several frames.
package longtext

import (
	"context"
	"time"

	"github.com/langbot-app/LangBot/internal/config"
	"github.com/langbot-app/LangBot/internal/pipeline"
	"github.com/langbot-app/LangBot/pkg/message"
)

const (
	defaultThreshold = 256

	StrategyForward = "forward"
	StrategySplit   = "split"
)

func init() {
	pipeline.RegisterStage("LongTextProcessStage", func(deps *pipeline.StageDeps) pipeline.Stage {
		return &LongTextProcessStage{}
	})
}

// LongTextProcessStage applies the configured long-text strategy to
// each reply chain whose plain text crosses the threshold.
type LongTextProcessStage struct {
	Threshold int
	Strategy  string
}

func (s *LongTextProcessStage) Initialize(ctx context.Context, pipelineConfig map[string]any) error {
	s.Threshold = config.GetInt(pipelineConfig, "output.long-text-processing.threshold", defaultThreshold)
	s.Strategy = config.GetString(pipelineConfig, "output.long-text-processing.strategy", StrategyForward)
	return nil
}

func (s *LongTextProcessStage) Process(ctx context.Context, q *pipeline.Query, instName string) pipeline.StageProcessResult {
	if s.Threshold <= 0 {
		return pipeline.ContinueResult()
	}

	var out []message.MessageChain
	for _, chain := range q.RespMessageChains {
		text := chain.PlainText()
		if len([]rune(text)) <= s.Threshold {
			out = append(out, chain)
			continue
		}
		switch s.Strategy {
		case StrategySplit:
			out = append(out, splitText(text, s.Threshold)...)
		default:
			out = append(out, wrapForward(text))
		}
	}
	q.RespMessageChains = out
	return pipeline.ContinueResult()
}

// wrapForward nests the text in a single forward node so platforms
// render one collapsible card instead of a wall of text.
func wrapForward(text string) message.MessageChain {
	return message.NewChain(message.Forward{
		NodeList: []message.ForwardNode{{
			SenderName:   "bot",
			Time:         time.Now().Unix(),
			MessageChain: message.NewChain(message.Plain{Text: text}),
		}},
	})
}

// splitText cuts the text into threshold-sized rune windows, one chain
// per window.
func splitText(text string, threshold int) []message.MessageChain {
	runes := []rune(text)
	var out []message.MessageChain
	for start := 0; start < len(runes); start += threshold {
		end := start + threshold
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, message.NewChain(message.Plain{Text: string(runes[start:end])}))
	}
	return out
}
