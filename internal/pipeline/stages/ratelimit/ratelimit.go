// Package ratelimit bounds per-session message throughput with a fixed
// window counter. The stage class serves two instance names: require at
// the front of the pipeline, release after processing.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/langbot-app/LangBot/internal/config"
	"github.com/langbot-app/LangBot/internal/pipeline"
)

// denyNotice is the localized message sent when a request is dropped.
const denyNotice = "请求数超过限速器设定值,已丢弃本消息。"

func init() {
	pipeline.RegisterStage("RateLimit", func(deps *pipeline.StageDeps) pipeline.Stage {
		return &RateLimit{}
	})
}

// Algorithm decides whether a session may proceed and accounts for
// completed runs. Implementations must be safe for concurrent use.
type Algorithm interface {
	RequireAccess(ctx context.Context, sessionKey string) bool
	ReleaseAccess(ctx context.Context, sessionKey string)
}

// RateLimit is one stage instance shared by the require and release
// entries of a pipeline's stage list, so both operate on the same
// algorithm state.
type RateLimit struct {
	Algo Algorithm
}

func (s *RateLimit) Initialize(ctx context.Context, pipelineConfig map[string]any) error {
	if s.Algo == nil {
		s.Algo = NewFixedWindow(
			time.Duration(config.GetInt(pipelineConfig, "safety.rate-limit.window-length", 60))*time.Second,
			config.GetInt(pipelineConfig, "safety.rate-limit.record-per-window", 60),
		)
	}
	return nil
}

func (s *RateLimit) Process(ctx context.Context, q *pipeline.Query, instName string) pipeline.StageProcessResult {
	key := string(q.LauncherType) + "_" + q.LauncherID

	switch instName {
	case "RequireRateLimitOccupancy":
		if !s.Algo.RequireAccess(ctx, key) {
			return pipeline.InterruptWithNotice(denyNotice)
		}
		return pipeline.ContinueResult()
	case "ReleaseRateLimitOccupancy":
		// Idempotent; releasing without a held slot is fine.
		s.Algo.ReleaseAccess(ctx, key)
		return pipeline.ContinueResult()
	default:
		return pipeline.ContinueResult()
	}
}

// FixedWindow allows up to limit requests per window per session key.
type FixedWindow struct {
	window time.Duration
	limit  int

	mu      sync.Mutex
	windows map[string]*windowState

	// now is swappable for tests.
	now func() time.Time
}

type windowState struct {
	start time.Time
	count int
}

// NewFixedWindow builds a fixed window limiter. Non-positive arguments
// fall back to one minute and 60 records.
func NewFixedWindow(window time.Duration, limit int) *FixedWindow {
	if window <= 0 {
		window = time.Minute
	}
	if limit <= 0 {
		limit = 60
	}
	return &FixedWindow{
		window:  window,
		limit:   limit,
		windows: make(map[string]*windowState),
		now:     time.Now,
	}
}

func (f *FixedWindow) RequireAccess(ctx context.Context, sessionKey string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	w, ok := f.windows[sessionKey]
	if !ok || now.Sub(w.start) >= f.window {
		w = &windowState{start: now}
		f.windows[sessionKey] = w
	}
	if w.count >= f.limit {
		return false
	}
	w.count++
	return true
}

// ReleaseAccess is a no-op for the fixed window algorithm; the window
// counter is the record of use, not an occupancy.
func (f *FixedWindow) ReleaseAccess(ctx context.Context, sessionKey string) {}
