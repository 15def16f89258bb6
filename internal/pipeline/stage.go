package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Stage is a unit of pipeline work. A stage instance is created per
// pipeline from the registry and initialized with the pipeline's raw
// config snapshot.
type Stage interface {
	// Initialize prepares the stage with the pipeline config.
	Initialize(ctx context.Context, pipelineConfig map[string]any) error

	// Process runs the stage against a query. instName is the stage
	// instance name from the pipeline's stage list; a stage class may
	// be listed under several instance names with different behavior
	// (the rate limiter's require/release pair does this).
	Process(ctx context.Context, q *Query, instName string) StageProcessResult
}

// StageFactory constructs a stage instance.
type StageFactory func(deps *StageDeps) Stage

// registry maps stage class names to factories. Stage packages register
// themselves from init via RegisterStage.
var (
	registryMu sync.RWMutex
	registry   = map[string]StageFactory{}
)

// RegisterStage makes a stage class available by name. The instance
// name in a pipeline's stage list resolves to a class by longest
// matching registered prefix, so RequireRateLimitOccupancy and
// ReleaseRateLimitOccupancy both resolve to the RateLimit class.
func RegisterStage(name string, factory StageFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// ResolveStage finds the factory for a stage instance name. Exact
// matches win; otherwise a registered name that is a suffix of the
// instance name matches (…RateLimitOccupancy → RateLimit).
func ResolveStage(instName string) (StageFactory, string, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	if f, ok := registry[instName]; ok {
		return f, instName, nil
	}

	// Longest registered name contained in the instance name wins.
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })
	for _, name := range names {
		if containsWord(instName, name) {
			return registry[name], name, nil
		}
	}
	return nil, "", fmt.Errorf("unknown pipeline stage: %s", instName)
}

func containsWord(instName, class string) bool {
	if len(class) > len(instName) {
		return false
	}
	for i := 0; i+len(class) <= len(instName); i++ {
		if instName[i:i+len(class)] == class {
			return true
		}
	}
	return false
}

// RegisteredStages lists registered stage class names, sorted.
func RegisteredStages() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
