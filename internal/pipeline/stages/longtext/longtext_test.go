package longtext

import (
	"context"
	"strings"
	"testing"

	"github.com/langbot-app/LangBot/internal/pipeline"
	"github.com/langbot-app/LangBot/pkg/message"
)

func queryWith(chains ...message.MessageChain) *pipeline.Query {
	return &pipeline.Query{RespMessageChains: chains, PipelineConfig: map[string]any{}}
}

func TestShortTextUntouched(t *testing.T) {
	stage := &LongTextProcessStage{Threshold: 10, Strategy: StrategyForward}
	q := queryWith(message.NewChain(message.Plain{Text: "short"}))

	if got := stage.Process(context.Background(), q, "LongTextProcessStage"); got.ResultType != pipeline.Continue {
		t.Fatalf("got %v", got.ResultType)
	}
	if len(q.RespMessageChains) != 1 || q.RespMessageChains[0].PlainText() != "short" {
		t.Fatalf("chains = %+v", q.RespMessageChains)
	}
}

func TestForwardWrap(t *testing.T) {
	stage := &LongTextProcessStage{Threshold: 5, Strategy: StrategyForward}
	long := strings.Repeat("a", 20)
	q := queryWith(message.NewChain(message.Plain{Text: long}))

	stage.Process(context.Background(), q, "LongTextProcessStage")

	if len(q.RespMessageChains) != 1 {
		t.Fatalf("chains = %d", len(q.RespMessageChains))
	}
	fwd, ok := q.RespMessageChains[0][0].(message.Forward)
	if !ok {
		t.Fatalf("component = %#v", q.RespMessageChains[0][0])
	}
	if len(fwd.NodeList) != 1 || fwd.NodeList[0].MessageChain.PlainText() != long {
		t.Fatalf("forward = %+v", fwd)
	}
}

func TestSplit(t *testing.T) {
	stage := &LongTextProcessStage{Threshold: 4, Strategy: StrategySplit}
	q := queryWith(message.NewChain(message.Plain{Text: "abcdefghij"}))

	stage.Process(context.Background(), q, "LongTextProcessStage")

	if len(q.RespMessageChains) != 3 {
		t.Fatalf("chains = %d", len(q.RespMessageChains))
	}
	joined := ""
	for _, chain := range q.RespMessageChains {
		joined += chain.PlainText()
	}
	if joined != "abcdefghij" {
		t.Fatalf("joined = %q", joined)
	}
}

func TestSplitCountsRunes(t *testing.T) {
	stage := &LongTextProcessStage{Threshold: 2, Strategy: StrategySplit}
	q := queryWith(message.NewChain(message.Plain{Text: "你好世界"}))

	stage.Process(context.Background(), q, "LongTextProcessStage")

	if len(q.RespMessageChains) != 2 {
		t.Fatalf("chains = %d", len(q.RespMessageChains))
	}
	if q.RespMessageChains[0].PlainText() != "你好" {
		t.Fatalf("first = %q", q.RespMessageChains[0].PlainText())
	}
}

func TestInitializeDefaults(t *testing.T) {
	stage := &LongTextProcessStage{}
	if err := stage.Initialize(context.Background(), map[string]any{}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if stage.Threshold != 256 || stage.Strategy != StrategyForward {
		t.Fatalf("defaults = %d, %q", stage.Threshold, stage.Strategy)
	}
}
