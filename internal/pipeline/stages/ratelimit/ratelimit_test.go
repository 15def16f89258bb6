package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/langbot-app/LangBot/internal/pipeline"
	"github.com/langbot-app/LangBot/internal/session"
)

// stubAlgo flips between allow and deny per call.
type stubAlgo struct {
	allow    []bool
	calls    int
	releases int
}

func (s *stubAlgo) RequireAccess(ctx context.Context, key string) bool {
	allowed := false
	if s.calls < len(s.allow) {
		allowed = s.allow[s.calls]
	}
	s.calls++
	return allowed
}

func (s *stubAlgo) ReleaseAccess(ctx context.Context, key string) { s.releases++ }

func personQuery() *pipeline.Query {
	return &pipeline.Query{
		LauncherType:   session.LauncherPerson,
		LauncherID:     "42",
		PipelineConfig: map[string]any{},
	}
}

func TestRequireAllowed(t *testing.T) {
	stage := &RateLimit{Algo: &stubAlgo{allow: []bool{true}}}
	result := stage.Process(context.Background(), personQuery(), "RequireRateLimitOccupancy")
	if result.ResultType != pipeline.Continue {
		t.Fatalf("got %v", result.ResultType)
	}
}

func TestRequireDeniedNotice(t *testing.T) {
	stage := &RateLimit{Algo: &stubAlgo{allow: []bool{false}}}
	result := stage.Process(context.Background(), personQuery(), "RequireRateLimitOccupancy")
	if result.ResultType != pipeline.Interrupt {
		t.Fatalf("got %v", result.ResultType)
	}
	if result.UserNotice != "请求数超过限速器设定值,已丢弃本消息。" {
		t.Fatalf("notice = %q", result.UserNotice)
	}
}

func TestReleaseAlwaysContinues(t *testing.T) {
	algo := &stubAlgo{}
	stage := &RateLimit{Algo: algo}

	// Release without a held slot is still CONTINUE.
	for i := 0; i < 2; i++ {
		result := stage.Process(context.Background(), personQuery(), "ReleaseRateLimitOccupancy")
		if result.ResultType != pipeline.Continue {
			t.Fatalf("got %v", result.ResultType)
		}
	}
	if algo.releases != 2 {
		t.Fatalf("releases = %d", algo.releases)
	}
}

func TestInitializeBuildsFixedWindow(t *testing.T) {
	stage := &RateLimit{}
	cfg := map[string]any{
		"safety": map[string]any{
			"rate-limit": map[string]any{
				"window-length":     1,
				"record-per-window": 1,
			},
		},
	}
	if err := stage.Initialize(context.Background(), cfg); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if stage.Algo == nil {
		t.Fatal("algorithm not built")
	}
}

func TestFixedWindowDeniesSecondWithinWindow(t *testing.T) {
	fw := NewFixedWindow(time.Second, 1)
	base := time.Now()
	fw.now = func() time.Time { return base }
	ctx := context.Background()

	if !fw.RequireAccess(ctx, "person_42") {
		t.Fatal("first request denied")
	}
	// 0.2s later, same window.
	fw.now = func() time.Time { return base.Add(200 * time.Millisecond) }
	if fw.RequireAccess(ctx, "person_42") {
		t.Fatal("second request within window allowed")
	}
	// Another session is unaffected.
	if !fw.RequireAccess(ctx, "person_43") {
		t.Fatal("other session denied")
	}
	// Past the window the counter resets.
	fw.now = func() time.Time { return base.Add(1100 * time.Millisecond) }
	if !fw.RequireAccess(ctx, "person_42") {
		t.Fatal("request after window denied")
	}
}

func TestSharedInstanceAcrossInstNames(t *testing.T) {
	mgr := pipeline.NewManager(&pipeline.StageDeps{Pool: pipeline.NewPool()}, 1, 1)
	entity := pipeline.PipelineEntity{
		UUID:   "p-1",
		Stages: []string{"RequireRateLimitOccupancy", "ReleaseRateLimitOccupancy"},
		Config: map[string]any{},
	}
	if err := mgr.LoadPipeline(context.Background(), entity); err != nil {
		t.Fatalf("LoadPipeline: %v", err)
	}
	p, ok := mgr.Get("p-1")
	if !ok || len(p.Containers) != 2 {
		t.Fatalf("pipeline = %+v", p)
	}
	if p.Containers[0].Stage != p.Containers[1].Stage {
		t.Fatal("require and release resolved to different instances")
	}
}
