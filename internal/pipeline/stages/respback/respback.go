// Package respback delivers the reply frames back through the
// originating adapter.
package respback

import (
	"context"
	"math/rand"
	"time"

	"github.com/langbot-app/LangBot/internal/config"
	"github.com/langbot-app/LangBot/internal/pipeline"
	"github.com/langbot-app/LangBot/internal/session"
	"github.com/langbot-app/LangBot/pkg/message"
)

func init() {
	pipeline.RegisterStage("SendResponseBackStage", func(deps *pipeline.StageDeps) pipeline.Stage {
		return &SendResponseBackStage{deps: deps}
	})
}

// SendResponseBackStage sends each response chain, honoring at-sender,
// quote-origin and the configured artificial delay.
type SendResponseBackStage struct {
	deps *pipeline.StageDeps

	// Sleep is swappable for tests.
	Sleep func(time.Duration)
}

func (s *SendResponseBackStage) Initialize(ctx context.Context, pipelineConfig map[string]any) error {
	if s.Sleep == nil {
		s.Sleep = time.Sleep
	}
	return nil
}

func (s *SendResponseBackStage) Process(ctx context.Context, q *pipeline.Query, instName string) pipeline.StageProcessResult {
	atSender := config.GetBool(q.PipelineConfig, "output.misc.at-sender", false)
	quoteOrigin := config.GetBool(q.PipelineConfig, "output.misc.quote-origin", false)
	minDelay := config.GetFloat(q.PipelineConfig, "output.force-delay.min", 0)
	maxDelay := config.GetFloat(q.PipelineConfig, "output.force-delay.max", 0)

	for _, chain := range q.RespMessageChains {
		if d := randomDelay(minDelay, maxDelay); d > 0 {
			s.sleep(d)
		}
		if atSender && q.LauncherType == session.LauncherGroup {
			chain = chain.Prepend(message.At{Target: q.SenderID})
		}
		if q.Adapter == nil {
			continue
		}
		if err := q.Adapter.ReplyMessage(ctx, q.MessageEvent, chain, quoteOrigin); err != nil {
			// Per-frame failures are logged; remaining frames still go
			// out.
			if s.deps != nil && s.deps.Logger != nil {
				s.deps.Logger.Warn(ctx, "reply delivery failed", "query_id", q.QueryID, "error", err)
			}
		}
	}
	return pipeline.ContinueResult()
}

func (s *SendResponseBackStage) sleep(d time.Duration) {
	if s.Sleep != nil {
		s.Sleep(d)
		return
	}
	time.Sleep(d)
}

// randomDelay picks a uniform duration in [min,max] seconds.
func randomDelay(minSec, maxSec float64) time.Duration {
	if maxSec <= 0 || maxSec < minSec {
		return 0
	}
	span := maxSec - minSec
	sec := minSec + rand.Float64()*span
	return time.Duration(sec * float64(time.Second))
}
