// Package bansess filters sessions against the pipeline's access
// control list before any expensive work runs.
package bansess

import (
	"context"
	"strings"

	"github.com/langbot-app/LangBot/internal/config"
	"github.com/langbot-app/LangBot/internal/pipeline"
)

func init() {
	pipeline.RegisterStage("BanSessionCheckStage", func(deps *pipeline.StageDeps) pipeline.Stage {
		return &BanSessionCheckStage{}
	})
}

// BanSessionCheckStage enforces trigger.access-control. A spec is
// "<person|group>_<id>" with "*" as the id wildcard.
type BanSessionCheckStage struct{}

func (s *BanSessionCheckStage) Initialize(ctx context.Context, pipelineConfig map[string]any) error {
	return nil
}

func (s *BanSessionCheckStage) Process(ctx context.Context, q *pipeline.Query, instName string) pipeline.StageProcessResult {
	mode := config.GetString(q.PipelineConfig, "trigger.access-control.mode", "blacklist")

	var specs []string
	if raw, ok := config.Get(q.PipelineConfig, "trigger.access-control."+mode); ok {
		if list, ok := raw.([]any); ok {
			for _, v := range list {
				if s, ok := v.(string); ok {
					specs = append(specs, s)
				}
			}
		}
	}

	matched := false
	for _, spec := range specs {
		if matchSpec(spec, string(q.LauncherType), q.LauncherID) {
			matched = true
			break
		}
	}

	if mode == "whitelist" {
		if matched {
			return pipeline.ContinueResult()
		}
		return pipeline.InterruptResult()
	}
	if matched {
		return pipeline.InterruptResult()
	}
	return pipeline.ContinueResult()
}

// matchSpec checks one access spec against the launcher. The id part
// may itself contain the separator, so split on the first underscore
// only.
func matchSpec(spec, launcherType, launcherID string) bool {
	kind, id, ok := strings.Cut(spec, "_")
	if !ok {
		return false
	}
	if kind != launcherType {
		return false
	}
	return id == "*" || id == launcherID
}
